package ai

import "sync"

// Settings holds the AI settings that can change at runtime
type Settings struct {
	mu            sync.RWMutex
	ollamaBaseURL string
	ollamaModel   string
}

// SettingsSnapshot is a copy of Settings
type SettingsSnapshot struct {
	OllamaBaseURL string `json:"ollama_base_url"`
	OllamaModel   string `json:"ollama_model,omitempty"`
}

// NewSettings initializes runtime settings from static config
func NewSettings(ollamaBaseURL, ollamaModel string) *Settings {
	return &Settings{ollamaBaseURL: ollamaBaseURL, ollamaModel: ollamaModel}
}

// OllamaBaseURL returns the current Ollama base URL
func (s *Settings) OllamaBaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ollamaBaseURL
}

// OllamaModel returns the current Ollama model
func (s *Settings) OllamaModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ollamaModel
}

// Update replaces the base URL and, when set, the model
func (s *Settings) Update(baseURL, model string) SettingsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ollamaBaseURL = baseURL
	if model != "" {
		s.ollamaModel = model
	}
	return SettingsSnapshot{OllamaBaseURL: s.ollamaBaseURL, OllamaModel: s.ollamaModel}
}

// Snapshot returns the current settings
func (s *Settings) Snapshot() SettingsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SettingsSnapshot{OllamaBaseURL: s.ollamaBaseURL, OllamaModel: s.ollamaModel}
}
