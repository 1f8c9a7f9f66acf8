package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaSummarizerModel is the recommended small local model for
// contextual-retrieval-style summaries and triplet extraction: fast enough
// to run per-chunk without dominating indexing time.
const DefaultOllamaSummarizerModel = "qwen3:0.6b"

// OllamaSummarizerConfig configures OllamaSummarizer.
type OllamaSummarizerConfig struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// DefaultOllamaSummarizerConfig returns sensible defaults, mirroring
// DefaultOllamaConfig's host/timeout conventions.
func DefaultOllamaSummarizerConfig() OllamaSummarizerConfig {
	return OllamaSummarizerConfig{
		Host:    DefaultOllamaHost,
		Model:   DefaultOllamaSummarizerModel,
		Timeout: 5 * time.Second,
	}
}

// ollamaGenerateRequest is the Ollama /api/generate request.
type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// ollamaGenerateResponse is the Ollama /api/generate response (non-streaming).
type ollamaGenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// OllamaSummarizer implements embed.Summarizer against Ollama's /api/generate
// endpoint, reusing the same HTTP client shape as OllamaEmbedder.
type OllamaSummarizer struct {
	client *http.Client
	host   string
	model  string
}

var _ Summarizer = (*OllamaSummarizer)(nil)

// NewOllamaSummarizer creates a summarizer backed by a local Ollama server.
func NewOllamaSummarizer(cfg OllamaSummarizerConfig) *OllamaSummarizer {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaSummarizerModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &OllamaSummarizer{
		client: &http.Client{Timeout: cfg.Timeout},
		host:   cfg.Host,
		model:  cfg.Model,
	}
}

func (o *OllamaSummarizer) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{Model: o.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama generate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama generate returned %d: %s", resp.StatusCode, string(data))
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}

// Summarize asks the model for a one- or two-sentence contextual summary of
// text, used by contextual retrieval chunk prefixing.
func (o *OllamaSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize the following content in one or two sentences, for use as search context. Respond with only the summary.\n\n%s",
		text,
	)
	return o.generate(ctx, prompt)
}

// ExtractTriplets asks the model to emit subject-predicate-object triplets,
// one per line, in "subject | predicate | object" form. The caller
// (internal/graph.LLMExtractor) owns parsing and deduplication against the
// code-metadata pass; this method only returns raw candidate lines.
func (o *OllamaSummarizer) ExtractTriplets(ctx context.Context, text string) ([]string, error) {
	prompt := fmt.Sprintf(
		"Extract factual relationships from the following code or documentation as "+
			"\"subject | predicate | object\" triplets, one per line. Use short, specific "+
			"predicates (e.g. \"calls\", \"returns\", \"depends_on\"). Respond with only the "+
			"triplet lines, no commentary.\n\n%s",
		text,
	)
	raw, err := o.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// ModelName returns the model identifier in use.
func (o *OllamaSummarizer) ModelName() string {
	return o.model
}

// NewSummarizer creates a Summarizer for the given model, falling back to a
// nil Summarizer (graph triplet extraction then runs metadata-only) when
// fallbackOnly is set or the model name is empty, mirroring NewEmbedder's
// explicit-selection-vs-auto-detect split.
func NewSummarizer(model string, fallbackOnly bool) Summarizer {
	if fallbackOnly || model == "" {
		return nil
	}
	cfg := DefaultOllamaSummarizerConfig()
	cfg.Model = model
	return NewOllamaSummarizer(cfg)
}

// Available reports whether the Ollama server is reachable.
func (o *OllamaSummarizer) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
