package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/labsense/labsense/internal/platform/httpx"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10M", 10 << 20},
		{"12MB", 12 << 20},
		{"512K", 512 << 10},
		{"512kb", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
		{"-5", 1 << 20},
	}

	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func readAll(c echo.Context) error {
	if _, err := io.ReadAll(c.Request().Body); err != nil {
		return err
	}
	return c.String(http.StatusOK, "ok")
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/diagnose", strings.NewReader(`{"symptoms":"fatigue"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := BodyLimit("1K", "1M")(readAll)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/diagnose", strings.NewReader(strings.Repeat("a", 2048)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	err := BodyLimit("1K", "1M")(readAll)(e.NewContext(req, httptest.NewRecorder()))
	var apiErr *httpx.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 api error, got %v", err)
	}
}

func TestBodyLimit_RejectsChunkedOverflow(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/diagnose", strings.NewReader(strings.Repeat("a", 2048)))
	req.ContentLength = -1

	err := BodyLimit("1K", "1M")(readAll)(e.NewContext(req, httptest.NewRecorder()))
	if !errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
		t.Fatalf("expected 413 from body reader, got %v", err)
	}
}

func TestBodyLimit_MultipartUsesUploadLimit(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/reports", strings.NewReader(strings.Repeat("a", 2048)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEMultipartForm+"; boundary=xyz")
	rec := httptest.NewRecorder()

	if err := BodyLimit("1K", "4K")(readAll)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestBodyLimit_NoBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
	if err := BodyLimit("1", "1")(readAll)(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
