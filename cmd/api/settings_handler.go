package api

import (
	"context"
	"net/http"
	"time"

	"mailsched-backend/pkg/ai"

	"github.com/gin-gonic/gin"
)

// SettingsHandler exposes the runtime-configurable AI settings
type SettingsHandler struct {
	settings *ai.Settings
	ollama   *ai.OllamaService
}

func NewSettingsHandler(settings *ai.Settings) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		ollama:   ai.NewOllamaServiceWithGetters(settings.OllamaBaseURL, settings.OllamaModel),
	}
}

// UpdateAISettingsRequest represents the request body for updating AI settings
type UpdateAISettingsRequest struct {
	OllamaBaseURL string `json:"ollama_base_url" binding:"required"`
	OllamaModel   string `json:"ollama_model,omitempty"`
}

// GetAISettings returns current classifier configuration
// GET /api/settings/ai
func (h *SettingsHandler) GetAISettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Snapshot())
}

// UpdateAISettings updates the classifier configuration at runtime
// PUT /api/settings/ai
func (h *SettingsHandler) UpdateAISettings(c *gin.Context) {
	var req UpdateAISettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot := h.settings.Update(req.OllamaBaseURL, req.OllamaModel)
	c.JSON(http.StatusOK, gin.H{
		"message":         "AI settings updated successfully",
		"ollama_base_url": snapshot.OllamaBaseURL,
		"ollama_model":    snapshot.OllamaModel,
	})
}

// TestOllamaConnection tests if the Ollama server is reachable
// POST /api/settings/ai/test
func (h *SettingsHandler) TestOllamaConnection(c *gin.Context) {
	var req struct {
		OllamaBaseURL string `json:"ollama_base_url"`
	}
	// An empty body tests the current settings
	_ = c.ShouldBindJSON(&req)
	if req.OllamaBaseURL == "" {
		req.OllamaBaseURL = h.settings.OllamaBaseURL()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := h.ollama.Ping(ctx, req.OllamaBaseURL); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"connected": false,
			"error":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connected":       true,
		"ollama_base_url": req.OllamaBaseURL,
	})
}
