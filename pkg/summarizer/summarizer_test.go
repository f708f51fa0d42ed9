package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

func TestOllamaSummarize(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(generateResponse{
			Response: `{"gist":"Met Ana at the station.","category":"Social","region":"Temporal"}`,
			Done:     true,
		})
	}))
	defer srv.Close()

	o := NewOllama(core.SummarizerConfig{URL: srv.URL, Model: "tiny", Timeout: time.Second})
	s, err := o.Summarize(context.Background(), "I met Ana at the train station this morning.")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if s.Gist != "Met Ana at the station." || s.Category != "social" || s.Region != "temporal" {
		t.Errorf("Unexpected summary: %+v", s)
	}
	if got.Model != "tiny" || got.Stream || got.Format != "json" {
		t.Errorf("Unexpected request: %+v", got)
	}
}

func TestOllamaServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(core.SummarizerConfig{URL: srv.URL, Timeout: time.Second})
	_, err := o.Summarize(context.Background(), "content")
	if !errors.Is(err, core.ErrServiceUnavailable) {
		t.Errorf("Expected ErrServiceUnavailable, got %v", err)
	}
}

func TestOllamaTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	o := NewOllama(core.SummarizerConfig{URL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := o.Summarize(context.Background(), "content")
	if !errors.Is(err, core.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestOllamaUnreachable(t *testing.T) {
	o := NewOllama(core.SummarizerConfig{URL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := o.Summarize(context.Background(), "content")
	if !errors.Is(err, core.ErrServiceUnavailable) && !errors.Is(err, core.ErrTimeout) {
		t.Errorf("Expected unavailable or timeout, got %v", err)
	}
}

func TestParseSummary(t *testing.T) {
	tests := []struct {
		reply string
		ok    bool
	}{
		{"```json\n{\"gist\":\"a\",\"category\":\"b\",\"region\":\"c\"}\n```", true},
		{`Here you go: {"gist":"x"}`, true},
		{`{"gist":""}`, false},
		{`no json here`, false},
		{`{"gist": broken}`, false},
	}
	for _, tt := range tests {
		_, err := ParseSummary(tt.reply)
		if (err == nil) != tt.ok {
			t.Errorf("ParseSummary(%q): expected ok=%v, got %v", tt.reply, tt.ok, err)
		}
	}
}

func TestMockAndDisabled(t *testing.T) {
	m := &Mock{}
	s, err := m.Summarize(context.Background(), "First sentence. Second one.")
	if err != nil || s.Gist != "First sentence." {
		t.Errorf("Unexpected mock result: %+v, %v", s, err)
	}
	m.Err = core.ErrServiceUnavailable
	if _, err := m.Summarize(context.Background(), "x"); !errors.Is(err, core.ErrServiceUnavailable) {
		t.Errorf("Expected configured error, got %v", err)
	}
	if m.Calls() != 2 {
		t.Errorf("Expected 2 calls, got %d", m.Calls())
	}

	if _, err := (Disabled{}).Summarize(context.Background(), "x"); !errors.Is(err, core.ErrServiceUnavailable) {
		t.Errorf("Disabled should be unavailable, got %v", err)
	}

	if _, ok := New(core.SummarizerConfig{Provider: "ollama"}).(*Ollama); !ok {
		t.Error("Expected Ollama for provider ollama")
	}
	if _, ok := New(core.SummarizerConfig{Provider: "none"}).(Disabled); !ok {
		t.Error("Expected Disabled for provider none")
	}
}
