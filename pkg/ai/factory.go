package ai

import (
	"fmt"

	"mailsched-backend/pkg/gemini"
)

// Config holds AI provider configuration
type Config struct {
	Provider ProviderType // "gemini", "ollama" or "auto"

	// Gemini config
	GeminiAPIKey string

	// Ollama settings, read on every request
	Settings *Settings
}

// NewClassifier creates a Classifier based on the config.
// Switch AI provider by changing config.Provider.
func NewClassifier(cfg Config) (Classifier, error) {
	if cfg.Settings == nil {
		cfg.Settings = NewSettings("", "")
	}
	ollama := NewLLMClassifier(string(ProviderOllama), NewOllamaServiceWithGetters(
		func() string {
			if url := cfg.Settings.OllamaBaseURL(); url != "" {
				return url
			}
			return "http://localhost:11434"
		},
		func() string {
			if model := cfg.Settings.OllamaModel(); model != "" {
				return model
			}
			return "llama3"
		},
	))

	switch cfg.Provider {
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for Gemini provider")
		}
		return NewLLMClassifier(string(ProviderGemini), gemini.NewGeminiService(cfg.GeminiAPIKey)), nil

	case ProviderOllama:
		return ollama, nil

	default:
		// Ollama first, Gemini as fallback when a key is available
		if cfg.GeminiAPIKey != "" {
			return NewFallbackClassifier(ollama, NewLLMClassifier(string(ProviderGemini), gemini.NewGeminiService(cfg.GeminiAPIKey))), nil
		}
		return ollama, nil
	}
}
