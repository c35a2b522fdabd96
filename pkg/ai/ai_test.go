package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var categories = []string{"work", "finance", "promotions"}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name     string
		answer   string
		category string
		priority string
		wantErr  bool
	}{
		{name: "plain json", answer: `{"category":"Finance","priority":"HIGH"}`, category: "finance", priority: "high"},
		{name: "code fence", answer: "```json\n{\"category\":\"work\",\"priority\":\"low\"}\n```", category: "work", priority: "low"},
		{name: "surrounding text", answer: `Sure! {"category":"promotions","priority":"urgent"} hope it helps`, category: "promotions", priority: "high"},
		{name: "unknown values", answer: `{"category":"travel","priority":"whenever"}`, category: "other", priority: "medium"},
		{name: "no json", answer: "I cannot help with that", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClassification(tt.answer, categories)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnparsableAnswer)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.priority, got.Priority)
		})
	}
}

func TestOllamaClassifier(t *testing.T) {
	var gotModel atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		if r.URL.Path != "/api/generate" || json.NewDecoder(r.Body).Decode(&req) != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		gotModel.Store(req["model"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"response": `{"category":"work","priority":"medium","reason":"meeting request"}`,
			"done":     true,
		})
	}))
	defer srv.Close()

	settings := NewSettings(srv.URL, "")
	classifier, err := NewClassifier(Config{Provider: ProviderOllama, Settings: settings})
	require.NoError(t, err)

	result, err := classifier.ClassifyEmail(context.Background(), "Can we meet tomorrow?", categories)
	require.NoError(t, err)
	assert.Equal(t, "work", result.Category)
	assert.Equal(t, "medium", result.Priority)
	assert.Equal(t, "llama3", gotModel.Load())

	settings.Update(srv.URL, "mistral")
	_, err = classifier.ClassifyEmail(context.Background(), "again", categories)
	require.NoError(t, err)
	assert.Equal(t, "mistral", gotModel.Load())
}

func TestOllamaClassifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	classifier := NewLLMClassifier("ollama", NewOllamaService(srv.URL, "missing"))
	_, err := classifier.ClassifyEmail(context.Background(), "hi", categories)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

type stubClassifier struct {
	results []error
	calls   int
}

func (s *stubClassifier) ClassifyEmail(context.Context, string, []string) (*Classification, error) {
	err := s.results[s.calls%len(s.results)]
	s.calls++
	if err != nil {
		return nil, err
	}
	return &Classification{Category: "work", Priority: "low"}, nil
}

func TestFallbackClassifier(t *testing.T) {
	ctx := context.Background()

	t.Run("primary succeeds", func(t *testing.T) {
		primary := &stubClassifier{results: []error{nil}}
		secondary := &stubClassifier{results: []error{nil}}
		_, err := NewFallbackClassifier(primary, secondary).ClassifyEmail(ctx, "x", categories)
		require.NoError(t, err)
		assert.Zero(t, secondary.calls)
	})

	t.Run("falls back on connection error", func(t *testing.T) {
		primary := &stubClassifier{results: []error{errors.New("dial tcp 127.0.0.1:11434: connection refused")}}
		secondary := &stubClassifier{results: []error{nil}}
		_, err := NewFallbackClassifier(primary, secondary).ClassifyEmail(ctx, "x", categories)
		require.NoError(t, err)
		assert.Equal(t, 1, secondary.calls)
	})

	t.Run("retries primary on quota", func(t *testing.T) {
		primary := &stubClassifier{results: []error{errors.New("timeout"), nil}}
		secondary := &stubClassifier{results: []error{errors.New("Gemini API error (429): RESOURCE_EXHAUSTED")}}
		_, err := NewFallbackClassifier(primary, secondary).ClassifyEmail(ctx, "x", categories)
		require.NoError(t, err)
		assert.Equal(t, 2, primary.calls)
	})

	t.Run("both fail", func(t *testing.T) {
		primary := &stubClassifier{results: []error{errors.New("boom")}}
		secondary := &stubClassifier{results: []error{errors.New("bad request")}}
		_, err := NewFallbackClassifier(primary, secondary).ClassifyEmail(ctx, "x", categories)
		assert.ErrorContains(t, err, "bad request")
	})
}

func TestNewClassifier_GeminiRequiresKey(t *testing.T) {
	_, err := NewClassifier(Config{Provider: ProviderGemini})
	assert.Error(t, err)
}
