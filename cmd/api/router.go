package api

import (
	"net/http"

	authDelivery "mailsched-backend/internal/auth/delivery"
	authUsecase "mailsched-backend/internal/auth/usecase"
	scheduleDelivery "mailsched-backend/internal/schedule/delivery"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(r *gin.Engine, authUsecase authUsecase.AuthUsecase, scheduleHandler *scheduleDelivery.ScheduleHandler, fcmHandler *authDelivery.FCMHandler, settingsHandler *SettingsHandler) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		protected := api.Group("")
		protected.Use(authDelivery.AuthMiddleware(authUsecase))
		{
			scheduleHandler.RegisterRoutes(protected)
			if fcmHandler != nil {
				fcmHandler.RegisterRoutes(protected)
			}

			settings := protected.Group("/settings")
			{
				settings.GET("/ai", settingsHandler.GetAISettings)
				settings.PUT("/ai", settingsHandler.UpdateAISettings)
				settings.POST("/ai/test", settingsHandler.TestOllamaConnection)
			}
		}
	}
}
