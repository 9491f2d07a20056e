package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/labsense/labsense/internal/biomarker"
	"github.com/labsense/labsense/internal/config"
	"github.com/labsense/labsense/internal/llm"
	"github.com/labsense/labsense/internal/ocr"
	"github.com/labsense/labsense/internal/platform/auth"
	"github.com/labsense/labsense/internal/rag"
)

func TestCommands_Registered(t *testing.T) {
	want := map[string]bool{"serve": false, "migrate": false, "ingest": false, "extract": false}
	for _, c := range []string{serveCmd().Name(), migrateCmd().Name(), ingestCmd().Name(), extractCmd().Name()} {
		want[c] = true
	}
	for name, ok := range want {
		if !ok {
			t.Errorf("command %s not registered", name)
		}
	}

	var subs []string
	for _, c := range migrateCmd().Commands() {
		subs = append(subs, c.Name())
	}
	if len(subs) != 2 {
		t.Errorf("expected migrate up and status, got %v", subs)
	}
}

func TestMigrationSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_x.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := migrationSource(dir).Open("001_x.sql"); err != nil {
		t.Errorf("expected dir source, got %v", err)
	}
	if _, err := migrationSource("").Open("001_reports.sql"); err != nil {
		t.Errorf("expected embedded migrations, got %v", err)
	}
}

func TestNewModels(t *testing.T) {
	o := &config.Config{LLMProvider: "openai", LLMBaseURL: "http://localhost:11434", LLMModel: "llama3"}
	model, embedder, err := newModels(context.Background(), o)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := model.(*llm.OpenAI); !ok {
		t.Errorf("expected *llm.OpenAI, got %T", model)
	}
	if embedder == nil {
		t.Error("expected embedder")
	}

	if _, _, err := newModels(context.Background(), &config.Config{LLMProvider: "gemini"}); err == nil {
		t.Error("expected gemini without API key to fail")
	}
	if _, _, err := newModels(context.Background(), &config.Config{LLMProvider: "bogus"}); err == nil {
		t.Error("expected unknown provider to fail")
	}
}

func TestNewIndex_Memory(t *testing.T) {
	if _, ok := newIndex(&config.Config{VectorIndex: "memory"}, nil).(*rag.MemoryIndex); !ok {
		t.Error("expected memory index")
	}
}

func TestAuthMiddleware_Dev(t *testing.T) {
	cfg := &config.Config{Env: "development"}
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var user string
	err := authMiddleware(cfg)(func(c echo.Context) error {
		user = auth.UserIDFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil || user != auth.DevUserID {
		t.Errorf("expected dev user, got %q (%v)", user, err)
	}
}

func TestAuthMiddleware_ProductionRequiresToken(t *testing.T) {
	cfg := &config.Config{Env: "production", AuthSigningKey: "0123456789abcdef0123456789abcdef"}
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	err := authMiddleware(cfg)(func(echo.Context) error { return nil })(c)
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestUploadLimit(t *testing.T) {
	if got := uploadLimit(10 << 20); got != "11534336" {
		t.Errorf("uploadLimit = %s", got)
	}
}

func TestExtractFile(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "report.png")
	if err := os.WriteFile(png, []byte("image"), 0o600); err != nil {
		t.Fatal(err)
	}
	extractor := ocr.ExtractorFunc(func(_ context.Context, doc ocr.Document) (string, error) {
		if doc.MimeType != "image/png" || doc.Name != "report.png" {
			t.Errorf("unexpected document %s %s", doc.Name, doc.MimeType)
		}
		return "Glucose: 105 mg/dL", nil
	})
	engine := biomarker.NewEngine(biomarker.MustDefaultDictionary())

	res, err := extractFile(context.Background(), extractor, engine, png)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m := res.Measurements["Glucose"]; m.Value != 105 || m.Unit != "mg/dL" {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := extractFile(context.Background(), extractor, engine, filepath.Join(dir, "report.pdf")); err == nil {
		t.Error("expected pdf to be rejected")
	}
}
