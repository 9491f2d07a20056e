package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewGemini_RequiresAPIKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), GeminiConfig{}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestGemini_Generate(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "models/test-model:generateContent") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"severity_level\":\"Low\"}"}]}}]}`))
	}))
	defer server.Close()

	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "k", BaseURL: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewGemini failed: %v", err)
	}
	out, err := g.Generate(context.Background(), Request{Prompt: "hi", Temperature: 0.3, JSON: true})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != `{"severity_level":"Low"}` {
		t.Errorf("unexpected output %q", out)
	}

	gc, _ := body["generationConfig"].(map[string]interface{})
	if gc["responseMimeType"] != "application/json" {
		t.Errorf("expected JSON response mime type, got %v", gc)
	}
}

func TestGemini_GenerateProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`))
	}))
	defer server.Close()

	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "k", BaseURL: server.URL, Model: "m"})
	if err != nil {
		t.Fatalf("NewGemini failed: %v", err)
	}
	if _, err := g.Generate(context.Background(), Request{Prompt: "hi"}); !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}
