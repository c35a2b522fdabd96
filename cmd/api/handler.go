package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	authDelivery "mailsched-backend/internal/auth/delivery"
	authUsecase "mailsched-backend/internal/auth/usecase"
	scheduleDelivery "mailsched-backend/internal/schedule/delivery"
	"mailsched-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	authUsecase     authUsecase.AuthUsecase
	scheduleHandler *scheduleDelivery.ScheduleHandler
	fcmHandler      *authDelivery.FCMHandler
	settingsHandler *SettingsHandler
	server          *http.Server
}

func NewHandler(authUc authUsecase.AuthUsecase, scheduleHandler *scheduleDelivery.ScheduleHandler, fcmHandler *authDelivery.FCMHandler, settingsHandler *SettingsHandler) *Handler {
	return &Handler{
		authUsecase:     authUc,
		scheduleHandler: scheduleHandler,
		fcmHandler:      fcmHandler,
		settingsHandler: settingsHandler,
	}
}

// Router builds the gin engine with middleware and routes
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	SetupRoutes(r, h.authUsecase, h.scheduleHandler, h.fcmHandler, h.settingsHandler)
	return r
}

// Start serves until Shutdown is called
func (h *Handler) Start(addr string) error {
	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log := logger.Component("http")
	log.Info().Str("addr", addr).Msg("server starting")
	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (h *Handler) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	log := logger.Component("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/api/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
