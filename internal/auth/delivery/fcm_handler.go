package delivery

import (
	"net/http"

	"mailsched-backend/internal/auth/repository"

	"github.com/gin-gonic/gin"
)

// FCMHandler registers the devices that receive schedule failure pushes
type FCMHandler struct {
	tokens repository.FCMTokenRepository
}

func NewFCMHandler(tokens repository.FCMTokenRepository) *FCMHandler {
	return &FCMHandler{tokens: tokens}
}

type registerFCMTokenRequest struct {
	Token      string `json:"token" binding:"required"`
	DeviceInfo string `json:"device_info"`
}

// RegisterRoutes mounts the handlers on an authenticated group
func (h *FCMHandler) RegisterRoutes(api *gin.RouterGroup) {
	fcm := api.Group("/fcm")
	{
		fcm.POST("/register", h.RegisterFCMToken)
		fcm.DELETE("/:token", h.UnregisterFCMToken)
	}
}

func (h *FCMHandler) RegisterFCMToken(c *gin.Context) {
	userID := c.GetString("userID")
	var req registerFCMTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.tokens.SaveToken(c.Request.Context(), userID, req.Token, req.DeviceInfo); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "token registered"})
}

func (h *FCMHandler) UnregisterFCMToken(c *gin.Context) {
	token := c.Param("token")
	if err := h.tokens.DeleteToken(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "token unregistered"})
}
