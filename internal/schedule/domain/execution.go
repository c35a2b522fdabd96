package domain

import "time"

// ExecutionStatus is the lifecycle state of one run
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// ExecutionTrigger records what started a run
type ExecutionTrigger string

const (
	TriggerScheduled ExecutionTrigger = "scheduled"
	TriggerManual    ExecutionTrigger = "manual"
)

// Execution is one concrete run of a schedule. The partial unique index
// idx_execution_running keeps at most one RUNNING row per schedule.
type Execution struct {
	ID           string           `json:"id" gorm:"primaryKey"`
	ScheduleID   string           `json:"schedule_id" gorm:"index:idx_execution_schedule;uniqueIndex:idx_execution_running,where:status = 'RUNNING';not null"`
	Status       ExecutionStatus  `json:"status" gorm:"index;not null"`
	Trigger      ExecutionTrigger `json:"trigger" gorm:"not null;default:scheduled"`
	ScheduledFor *time.Time       `json:"scheduled_for,omitempty" gorm:"index:idx_execution_schedule"`
	Attempt      int              `json:"attempt" gorm:"not null;default:1"`
	MaxAttempts  int              `json:"max_attempts" gorm:"not null;default:3"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`

	TotalBatches     int `json:"total_batches"`
	CompletedBatches int `json:"completed_batches"`
	TotalEmails      int `json:"total_emails"`
	ProcessedEmails  int `json:"processed_emails"`
	FailedEmails     int `json:"failed_emails"`

	ErrorMessage string  `json:"error_message,omitempty" gorm:"type:text"`
	ErrorDetails JSONMap `json:"error_details,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Execution) TableName() string {
	return "email_schedule_executions"
}

// Progress is a snapshot of an execution's counters
type Progress struct {
	TotalBatches     int `json:"total_batches"`
	CompletedBatches int `json:"completed_batches"`
	TotalEmails      int `json:"total_emails"`
	ProcessedEmails  int `json:"processed_emails"`
	FailedEmails     int `json:"failed_emails"`
}

// Summary is the final outcome recorded when an execution completes
type Summary struct {
	Progress
	Duration time.Duration
}

// ErrorDetails describes why an execution failed
type ErrorDetails struct {
	Step      string    `json:"step"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
}

// Map converts the details into the persisted JSON shape
func (d ErrorDetails) Map() JSONMap {
	m := JSONMap{
		"step":      d.Step,
		"timestamp": d.Timestamp.UTC().Format(time.RFC3339Nano),
		"attempt":   d.Attempt,
	}
	if d.Stack != "" {
		m["stack"] = d.Stack
	}
	return m
}
