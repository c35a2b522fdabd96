package usecase

import (
	"context"
	"time"

	accountdomain "mailsched-backend/internal/account/domain"
	"mailsched-backend/internal/schedule/domain"
)

// ScheduleUsecase defines the schedule operations exposed to the API layer
type ScheduleUsecase interface {
	// CreateSchedule validates and stores a new schedule. Warnings are returned alongside.
	CreateSchedule(ctx context.Context, ownerID string, req ScheduleRequest) (*domain.Schedule, []string, error)

	// GetSchedule retrieves a schedule (with ownership check)
	GetSchedule(ctx context.Context, ownerID, scheduleID string) (*domain.Schedule, error)

	// ListSchedules lists the schedules of an owner
	ListSchedules(ctx context.Context, ownerID string) ([]*domain.Schedule, error)

	// UpdateSchedule replaces the configuration of a schedule
	UpdateSchedule(ctx context.Context, ownerID, scheduleID string, req ScheduleRequest) (*domain.Schedule, []string, error)

	// DeleteSchedule deletes a schedule
	DeleteSchedule(ctx context.Context, ownerID, scheduleID string) error

	// ExecuteNow starts a manual run in the background and returns its execution
	ExecuteNow(ctx context.Context, ownerID, scheduleID string) (*domain.Execution, error)

	// LatestExecution returns the most recent execution of a schedule
	LatestExecution(ctx context.Context, ownerID, scheduleID string) (*domain.Execution, error)

	// Validate checks a candidate configuration without persisting it
	Validate(ctx context.Context, ownerID string, req ScheduleRequest, excludeID string) (domain.ValidationResult, error)

	// CheckConflicts returns only the timing conflicts of a candidate configuration
	CheckConflicts(ctx context.Context, ownerID string, req ScheduleRequest, excludeID string) ([]domain.Conflict, error)

	// Calendar lists the next n occurrences of every enabled recurring schedule
	Calendar(ctx context.Context, ownerID string, n int) ([]CalendarEntry, error)

	// BulkSetEnabled enables or disables several schedules, reporting per id
	BulkSetEnabled(ctx context.Context, ownerID string, ids []string, enabled bool) ([]BulkResult, error)

	// EnsureDefaultSchedule creates the default schedule of an account unless it exists
	EnsureDefaultSchedule(ctx context.Context, ownerID, accountID string) (*domain.Schedule, bool, error)

	// Wait blocks until background manual runs have finished
	Wait()
}

// ScheduleRequest is the user-supplied configuration of a schedule
type ScheduleRequest struct {
	AccountID          string                     `json:"account_id"`
	Type               domain.ScheduleType        `json:"type"`
	DateFrom           *time.Time                 `json:"date_from,omitempty"`
	DateTo             *time.Time                 `json:"date_to,omitempty"`
	CronExpression     string                     `json:"cron_expression,omitempty"`
	Timezone           string                     `json:"timezone,omitempty"`
	SpecificDates      []time.Time                `json:"specific_dates,omitempty"`
	BatchSize          int                        `json:"batch_size,omitempty"`
	CategoryPriorities map[string]domain.Priority `json:"category_priorities,omitempty"`
	SenderPriorities   map[string]domain.Priority `json:"sender_priorities,omitempty"`
	Enabled            *bool                      `json:"enabled,omitempty"`
	// AcceptConflicts stores the schedule despite timing conflicts, which
	// are then returned as warnings
	AcceptConflicts bool `json:"accept_conflicts,omitempty"`
}

// CalendarEntry lists upcoming occurrences of one recurring schedule.
// Error is set instead of Occurrences when the expression cannot be parsed.
type CalendarEntry struct {
	ScheduleID     string      `json:"schedule_id"`
	AccountID      string      `json:"account_id"`
	CronExpression string      `json:"cron_expression"`
	Timezone       string      `json:"timezone"`
	Occurrences    []time.Time `json:"occurrences,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// BulkResult is the outcome of a bulk operation on one schedule
type BulkResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DefaultScheduleConfig describes the schedule created for new accounts
type DefaultScheduleConfig struct {
	CronExpression string
	Timezone       string
	BatchSize      int
}

// AccountLookup resolves mail accounts for ownership checks
type AccountLookup interface {
	FindByID(ctx context.Context, id string) (*accountdomain.MailAccount, error)
}

// ExecutionStarter starts runs of a schedule
type ExecutionStarter interface {
	Begin(ctx context.Context, schedule *domain.Schedule, trigger domain.ExecutionTrigger) (*domain.Execution, error)
	Execute(ctx context.Context, schedule *domain.Schedule, execution *domain.Execution) error
}
