package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaSummarizer_Summarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen3:0.6b", req.Model)
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model:    req.Model,
			Response: "  handles auth token refresh  ",
			Done:     true,
		})
	}))
	defer srv.Close()

	s := NewOllamaSummarizer(OllamaSummarizerConfig{Host: srv.URL, Model: "qwen3:0.6b"})
	summary, err := s.Summarize(context.Background(), "func RefreshToken() {...}")
	require.NoError(t, err)
	assert.Equal(t, "handles auth token refresh", summary)
}

func TestOllamaSummarizer_ExtractTriplets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Response: "auth | imports | jwt\n\nuser | has | session",
			Done:     true,
		})
	}))
	defer srv.Close()

	s := NewOllamaSummarizer(OllamaSummarizerConfig{Host: srv.URL})
	lines, err := s.ExtractTriplets(context.Background(), "some code")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth | imports | jwt", "user | has | session"}, lines)
}

func TestOllamaSummarizer_Available(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewOllamaSummarizer(OllamaSummarizerConfig{Host: srv.URL})
	assert.True(t, s.Available(context.Background()))
}

func TestOllamaSummarizer_AvailableUnreachable(t *testing.T) {
	s := NewOllamaSummarizer(OllamaSummarizerConfig{Host: "http://127.0.0.1:1"})
	assert.False(t, s.Available(context.Background()))
}

func TestNewSummarizer_FallbackOnlyReturnsNil(t *testing.T) {
	assert.Nil(t, NewSummarizer("qwen3:0.6b", true))
	assert.Nil(t, NewSummarizer("", false))
}

func TestNewSummarizer_ReturnsOllamaSummarizer(t *testing.T) {
	s := NewSummarizer("qwen3:0.6b", false)
	require.NotNil(t, s)
	assert.Equal(t, "qwen3:0.6b", s.ModelName())
}
