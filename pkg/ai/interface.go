package ai

import (
	"context"
)

// Classification is the classifier's verdict for one email
type Classification struct {
	Category string `json:"category"`
	Priority string `json:"priority"`
	Reason   string `json:"reason,omitempty"`
}

// Classifier assigns a category and a priority to an email.
// Implement this interface to add new AI providers (Gemini, Ollama, OpenAI, etc.)
type Classifier interface {
	ClassifyEmail(ctx context.Context, emailText string, categories []string) (*Classification, error)
}

// Generator completes a prompt with a JSON answer
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ProviderType represents the AI provider type
type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
	ProviderOllama ProviderType = "ollama"
	ProviderAuto   ProviderType = "auto"
)
