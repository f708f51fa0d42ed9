// Package summarizer turns a consolidated trace's content into a compact
// gist for cortical transfer.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
)

const prompt = `Summarize the following memory for long-term storage.
Reply with a JSON object with exactly these string fields:
"gist" (one or two sentences), "category" (a single lowercase word),
"region" (the cortical area best suited to hold it, e.g. "temporal", "prefrontal").

Memory:
%s`

// Ollama summarizes through a local Ollama server.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a client from config.
func NewOllama(cfg core.SummarizerConfig) *Ollama {
	baseURL := strings.TrimRight(cfg.URL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// generateRequest is the Ollama API request format for generation
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format,omitempty"`
	Stream bool   `json:"stream"`
}

// generateResponse is the Ollama API response format for generation
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Summarize implements engine.Summarizer.
func (o *Ollama) Summarize(ctx context.Context, content string) (core.Summary, error) {
	if strings.TrimSpace(content) == "" {
		return core.Summary{}, fmt.Errorf("%w: empty content", core.ErrDataCorruption)
	}

	body, err := json.Marshal(generateRequest{
		Model:  o.model,
		Prompt: fmt.Sprintf(prompt, content),
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return core.Summary{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return core.Summary{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return core.Summary{}, fmt.Errorf("%w: ollama request (took %s): %v", core.ErrTimeout, time.Since(start), err)
		}
		return core.Summary{}, fmt.Errorf("%w: ollama request: %v", core.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return core.Summary{}, fmt.Errorf("%w: ollama error (status %d): %s", core.ErrServiceUnavailable, resp.StatusCode, string(msg))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return core.Summary{}, fmt.Errorf("%w: decode response: %v", core.ErrServiceUnavailable, err)
	}
	return ParseSummary(result.Response)
}

// ParseSummary extracts a Summary from a model reply, tolerating prose or
// code fences around the JSON object.
func ParseSummary(reply string) (core.Summary, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return core.Summary{}, fmt.Errorf("%w: no JSON object in reply", core.ErrServiceUnavailable)
	}

	var s core.Summary
	if err := json.Unmarshal([]byte(reply[start:end+1]), &s); err != nil {
		return core.Summary{}, fmt.Errorf("%w: parse summary: %v", core.ErrServiceUnavailable, err)
	}
	s.Gist = strings.TrimSpace(s.Gist)
	s.Category = strings.ToLower(strings.TrimSpace(s.Category))
	s.Region = strings.ToLower(strings.TrimSpace(s.Region))
	if s.Gist == "" {
		return core.Summary{}, fmt.Errorf("%w: summary has no gist", core.ErrServiceUnavailable)
	}
	return s, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
