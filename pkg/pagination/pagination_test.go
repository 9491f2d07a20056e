package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/reports"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		limit  int
		offset int
	}{
		{"defaults", "", DefaultLimit, 0},
		{"custom", "?limit=5&offset=10", 5, 10},
		{"max limit", "?limit=1000", MaxLimit, 0},
		{"negative offset", "?offset=-3", DefaultLimit, 0},
		{"garbage", "?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := paramsFor(t, tt.query)
			if p.Limit != tt.limit || p.Offset != tt.offset {
				t.Errorf("expected limit=%d offset=%d, got %+v", tt.limit, tt.offset, p)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, 2, 0)
	if !resp.HasMore {
		t.Error("expected HasMore=true")
	}
	last := NewResponse([]string{"e"}, 5, 2, 4)
	if last.HasMore {
		t.Error("expected HasMore=false on last page")
	}

	raw, _ := json.Marshal(resp)
	var decoded map[string]interface{}
	json.Unmarshal(raw, &decoded)
	for _, key := range []string{"items", "total", "limit", "offset", "has_more"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("expected %q in JSON output", key)
		}
	}
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	if got := Slice(items, Params{Limit: 2, Offset: 1}); len(got) != 2 || got[0] != 2 {
		t.Errorf("unexpected page %v", got)
	}
	if got := Slice(items, Params{Limit: 10, Offset: 3}); len(got) != 2 {
		t.Errorf("expected 2 trailing items, got %v", got)
	}
	if got := Slice(items, Params{Limit: 2, Offset: 9}); len(got) != 0 {
		t.Errorf("expected empty page, got %v", got)
	}
}
