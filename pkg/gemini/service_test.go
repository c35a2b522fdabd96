package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent") || r.URL.Query().Get("key") != "k" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{"parts": []map[string]string{{"text": `{"category":"work"}`}}}},
			},
		})
	}))
	defer srv.Close()

	g := NewGeminiService("k")
	g.BaseURL = srv.URL
	answer, err := g.Generate(context.Background(), "classify")
	require.NoError(t, err)
	assert.Equal(t, `{"category":"work"}`, answer)
}

func TestGenerate_QuotaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := NewGeminiService("k")
	g.BaseURL = srv.URL
	_, err := g.Generate(context.Background(), "classify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
}

func TestGenerate_EmptyAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	g := NewGeminiService("k")
	g.BaseURL = srv.URL
	_, err := g.Generate(context.Background(), "classify")
	assert.Error(t, err)
}
