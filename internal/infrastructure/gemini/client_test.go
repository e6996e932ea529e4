package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cra-copilot/backend/internal/config"
	"github.com/cra-copilot/backend/internal/core/ports"
	"github.com/cra-copilot/backend/internal/infrastructure/logger"
)

func newTestClient(baseURL string) *Client {
	return NewClient(config.GeminiConfig{
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Model:       DefaultModel,
		Temperature: 0.3,
		TopK:        40,
	}, logger.NewNop())
}

func TestResolveModel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"gemini-2-0-flash-001", "gemini-2.0-flash-001"},
		{"gemini-2-0-flash-lite-001", "gemini-2.0-flash-lite-001"},
		{"gemini-1-5-pro", "gemini-1.5-pro-001"},
		{"gemini-2.5-flash", "gemini-2.5-flash"},
		{"", DefaultModel},
		{"gpt-4", DefaultModel},
	}
	for _, tt := range tests {
		if got := ResolveModel(tt.in, ""); got != tt.want {
			t.Errorf("ResolveModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGenerate(t *testing.T) {
	var gotPath, gotKey string
	var gotBody generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello "},{"text":"world"}]}}]}`)
	}))
	defer srv.Close()

	temp := 0.9
	text, err := newTestClient(srv.URL).Generate(context.Background(), "hi", ports.GenerationConfig{
		Model:       "gemini-2-5-pro",
		Temperature: &temp,
		History:     []ports.ChatMessage{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Hello world" {
		t.Errorf("text = %q, want %q", text, "Hello world")
	}
	if gotPath != "/models/gemini-2.5-pro:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if len(gotBody.Contents) != 3 || gotBody.Contents[1].Role != "model" || gotBody.Contents[2].Parts[0].Text != "hi" {
		t.Errorf("contents = %+v", gotBody.Contents)
	}
	if gotBody.GenerationConfig.Temperature == nil || *gotBody.GenerationConfig.Temperature != 0.9 {
		t.Errorf("temperature = %v, want 0.9", gotBody.GenerationConfig.Temperature)
	}
	if gotBody.GenerationConfig.TopK == nil || *gotBody.GenerationConfig.TopK != 40 {
		t.Errorf("topK default not applied: %v", gotBody.GenerationConfig.TopK)
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		retryable  bool
	}{
		{"rate limited", 429, `{"error":{"code":429,"message":"quota exceeded"}}`, 429, true},
		{"server error", 503, `unavailable`, 503, true},
		{"bad request", 400, `{"error":{"code":400,"message":"bad prompt"}}`, 400, false},
		{"empty candidates", 200, `{"candidates":[]}`, 0, false},
		{"blocked", 200, `{"promptFeedback":{"blockReason":"SAFETY"}}`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Generate(context.Background(), "hi", ports.GenerationConfig{})
			var pe *ports.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if pe.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", pe.StatusCode, tt.wantStatus)
			}
			if pe.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", pe.Retryable(), tt.retryable)
			}
		})
	}
}

func TestGenerateWithoutAPIKey(t *testing.T) {
	c := NewClient(config.GeminiConfig{BaseURL: "http://127.0.0.1:1"}, logger.NewNop())
	_, err := c.Generate(context.Background(), "hi", ports.GenerationConfig{})
	var pe *ports.ProviderError
	if !errors.As(err, &pe) || !strings.Contains(pe.Error(), "api key") {
		t.Fatalf("error = %v, want api key provider error", err)
	}
}

func TestGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q, want sse", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"The ", "answer ", "is 42."} {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", chunk)
		}
	}))
	defer srv.Close()

	var sb strings.Builder
	err := newTestClient(srv.URL).GenerateStream(context.Background(), "q", ports.GenerationConfig{}, func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if sb.String() != "The answer is 42." {
		t.Errorf("streamed = %q", sb.String())
	}
}

func TestGenerateStreamCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"b\"}]}}]}\n\n")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	calls := 0
	err := newTestClient(srv.URL).GenerateStream(context.Background(), "q", ports.GenerationConfig{}, func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("error = %v, want stop", err)
	}
	if calls != 1 {
		t.Errorf("callback calls = %d, want 1", calls)
	}
}
