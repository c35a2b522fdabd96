package delivery

import (
	"errors"
	"net/http"
	"strconv"

	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/usecase"

	"github.com/gin-gonic/gin"
)

// ScheduleHandler handles schedule-related HTTP requests
type ScheduleHandler struct {
	scheduleUsecase usecase.ScheduleUsecase
}

// NewScheduleHandler creates a new ScheduleHandler
func NewScheduleHandler(scheduleUsecase usecase.ScheduleUsecase) *ScheduleHandler {
	return &ScheduleHandler{scheduleUsecase: scheduleUsecase}
}

// ValidateRequest is a candidate configuration, optionally for an existing schedule
type ValidateRequest struct {
	usecase.ScheduleRequest
	ExcludeID string `json:"exclude_id,omitempty"`
}

// BulkRequest enables or disables several schedules
type BulkRequest struct {
	IDs     []string `json:"ids" binding:"required,min=1"`
	Enabled *bool    `json:"enabled" binding:"required"`
}

// writeError maps usecase errors to HTTP status codes
func writeError(c *gin.Context, err error) {
	var validationErr *domain.ValidationError
	var conflictErr *domain.ConflictError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "validation": validationErr.Result})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "validation": conflictErr.Result})
	case errors.Is(err, domain.ErrExecutionInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrScheduleNotFound), errors.Is(err, domain.ErrExecutionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// CreateSchedule creates a schedule
// POST /api/schedules
func (h *ScheduleHandler) CreateSchedule(c *gin.Context) {
	userID := c.GetString("userID")

	var req usecase.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schedule, warnings, err := h.scheduleUsecase.CreateSchedule(c.Request.Context(), userID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"schedule": schedule, "warnings": warnings})
}

// GetSchedules lists the schedules of the authenticated user
// GET /api/schedules
func (h *ScheduleHandler) GetSchedules(c *gin.Context) {
	userID := c.GetString("userID")

	schedules, err := h.scheduleUsecase.ListSchedules(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules, "total": len(schedules)})
}

// GetSchedule returns one schedule
// GET /api/schedules/:id
func (h *ScheduleHandler) GetSchedule(c *gin.Context) {
	schedule, err := h.scheduleUsecase.GetSchedule(c.Request.Context(), c.GetString("userID"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// UpdateSchedule replaces a schedule's configuration
// PUT /api/schedules/:id
func (h *ScheduleHandler) UpdateSchedule(c *gin.Context) {
	var req usecase.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schedule, warnings, err := h.scheduleUsecase.UpdateSchedule(c.Request.Context(), c.GetString("userID"), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": schedule, "warnings": warnings})
}

// DeleteSchedule deletes a schedule
// DELETE /api/schedules/:id
func (h *ScheduleHandler) DeleteSchedule(c *gin.Context) {
	if err := h.scheduleUsecase.DeleteSchedule(c.Request.Context(), c.GetString("userID"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule deleted"})
}

// ExecuteNow starts a manual run
// POST /api/schedules/:id/execute
func (h *ScheduleHandler) ExecuteNow(c *gin.Context) {
	execution, err := h.scheduleUsecase.ExecuteNow(c.Request.Context(), c.GetString("userID"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, execution)
}

// GetLatestExecution returns the most recent execution of a schedule
// GET /api/schedules/:id/executions/latest
func (h *ScheduleHandler) GetLatestExecution(c *gin.Context) {
	execution, err := h.scheduleUsecase.LatestExecution(c.Request.Context(), c.GetString("userID"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, execution)
}

// Validate checks a candidate configuration without saving it
// POST /api/schedules/validate
func (h *ScheduleHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.scheduleUsecase.Validate(c.Request.Context(), c.GetString("userID"), req.ScheduleRequest, req.ExcludeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CheckConflicts returns the timing conflicts of a candidate configuration
// POST /api/schedules/conflicts
func (h *ScheduleHandler) CheckConflicts(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conflicts, err := h.scheduleUsecase.CheckConflicts(c.Request.Context(), c.GetString("userID"), req.ScheduleRequest, req.ExcludeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "has_conflicts": len(conflicts) > 0})
}

// GetCalendar lists upcoming occurrences of recurring schedules
// GET /api/schedules/calendar?n=5
func (h *ScheduleHandler) GetCalendar(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("n", "5"))

	entries, err := h.scheduleUsecase.Calendar(c.Request.Context(), c.GetString("userID"), n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calendar": entries})
}

// BulkSetEnabled enables or disables schedules by id
// POST /api/schedules/bulk
func (h *ScheduleHandler) BulkSetEnabled(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.scheduleUsecase.BulkSetEnabled(c.Request.Context(), c.GetString("userID"), req.IDs, *req.Enabled)
	if err != nil {
		writeError(c, err)
		return
	}
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "succeeded": succeeded, "failed": len(results) - succeeded})
}

// EnsureDefaultSchedule creates the default schedule of an account
// POST /api/accounts/:accountId/default-schedule
func (h *ScheduleHandler) EnsureDefaultSchedule(c *gin.Context) {
	schedule, created, err := h.scheduleUsecase.EnsureDefaultSchedule(c.Request.Context(), c.GetString("userID"), c.Param("accountId"))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"schedule": schedule, "created": created})
}

// RegisterRoutes mounts the schedule routes on an authenticated group
func (h *ScheduleHandler) RegisterRoutes(api *gin.RouterGroup) {
	schedules := api.Group("/schedules")
	{
		schedules.POST("", h.CreateSchedule)
		schedules.GET("", h.GetSchedules)
		schedules.POST("/validate", h.Validate)
		schedules.POST("/conflicts", h.CheckConflicts)
		schedules.GET("/calendar", h.GetCalendar)
		schedules.POST("/bulk", h.BulkSetEnabled)
		schedules.GET("/:id", h.GetSchedule)
		schedules.PUT("/:id", h.UpdateSchedule)
		schedules.DELETE("/:id", h.DeleteSchedule)
		schedules.POST("/:id/execute", h.ExecuteNow)
		schedules.GET("/:id/executions/latest", h.GetLatestExecution)
	}
	api.POST("/accounts/:accountId/default-schedule", h.EnsureDefaultSchedule)
}
