package repository

import (
	"context"
	"time"

	"mailsched-backend/internal/schedule/domain"
)

// ScheduleRepository defines the interface for schedule data access
type ScheduleRepository interface {
	// Create persists a new schedule, assigning an id when empty
	Create(ctx context.Context, schedule *domain.Schedule) error

	// FindByID returns nil, nil when the schedule does not exist
	FindByID(ctx context.Context, id string) (*domain.Schedule, error)

	// FindByOwner lists all schedules of an owner, newest first
	FindByOwner(ctx context.Context, ownerID string) ([]*domain.Schedule, error)

	// FindByOwnerAndAccount lists the schedules of one mail account
	FindByOwnerAndAccount(ctx context.Context, ownerID, accountID string) ([]*domain.Schedule, error)

	// FindDefault returns the default schedule of an account, or nil
	FindDefault(ctx context.Context, ownerID, accountID string) (*domain.Schedule, error)

	// FindDue returns enabled schedules whose next_execution_at <= now,
	// ordered by next_execution_at
	FindDue(ctx context.Context, now time.Time) ([]*domain.Schedule, error)

	// FindEnabledRecurring lists enabled RECURRING schedules of an owner
	FindEnabledRecurring(ctx context.Context, ownerID string) ([]*domain.Schedule, error)

	// Update saves every field of the schedule
	Update(ctx context.Context, schedule *domain.Schedule) error

	// RecordOutcome applies the post-execution changes of one run in a single
	// row update, incrementing the counters atomically
	RecordOutcome(ctx context.Context, id string, outcome ExecutionOutcome) error

	// Delete removes a schedule
	Delete(ctx context.Context, id string) error
}

// ExecutionOutcome describes how a run changes its schedule
type ExecutionOutcome struct {
	ExecutedAt time.Time
	Succeeded  bool
	// Advance replaces next_execution_at with NextExecutionAt (which may be nil)
	Advance         bool
	NextExecutionAt *time.Time
	// Disable turns the schedule off (one-shot schedules)
	Disable bool
}

// ExecutionRepository defines the interface for execution data access
type ExecutionRepository interface {
	// Create stores a new execution. A RUNNING execution is rejected with
	// domain.ErrExecutionInProgress when its schedule already has one.
	Create(ctx context.Context, execution *domain.Execution) error

	// FindByID returns nil, nil when the execution does not exist
	FindByID(ctx context.Context, id string) (*domain.Execution, error)

	// FindLatest returns the most recently started execution of a schedule
	FindLatest(ctx context.Context, scheduleID string) (*domain.Execution, error)

	// FindLatestCompleted returns the most recently completed execution of a schedule
	FindLatestCompleted(ctx context.Context, scheduleID string) (*domain.Execution, error)

	// FindRunning returns the RUNNING execution of a schedule, if any
	FindRunning(ctx context.Context, scheduleID string) (*domain.Execution, error)

	// CountAttempts counts executions already started for one due instant
	CountAttempts(ctx context.Context, scheduleID string, scheduledFor time.Time) (int, error)

	// UpdateProgress overwrites the counters of a RUNNING execution.
	// Returns false when the execution is not RUNNING.
	UpdateProgress(ctx context.Context, id string, progress domain.Progress) (bool, error)

	// Finish moves a RUNNING execution to a terminal status, copying the
	// outcome fields from the given execution. Returns false when it was not RUNNING.
	Finish(ctx context.Context, id string, final *domain.Execution) (bool, error)

	// CancelStale cancels RUNNING executions started before the given instant
	CancelStale(ctx context.Context, startedBefore time.Time, reason string) (int64, error)
}

// LockRepository stores execution locks keyed by their exact instant
type LockRepository interface {
	// Insert creates the lock row unless one already exists for the same
	// instant. Returns true only when this call created it.
	Insert(ctx context.Context, lock *domain.ExecutionLock) (bool, error)

	// TakeOverExpired replaces a lock whose lease expired before now.
	// Returns true only when this call took it over.
	TakeOverExpired(ctx context.Context, lock *domain.ExecutionLock, now time.Time) (bool, error)

	// Renew extends the lease of a lock held by owner
	Renew(ctx context.Context, executionAt time.Time, owner string, expiresAt time.Time) (bool, error)

	// Delete removes the lock row for an instant if owner still holds it.
	// An empty owner removes the row whoever holds it.
	Delete(ctx context.Context, executionAt time.Time, owner string) error

	// Find returns nil, nil when no lock exists for the instant
	Find(ctx context.Context, executionAt time.Time) (*domain.ExecutionLock, error)
}
