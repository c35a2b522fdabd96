package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(now *time.Time) *Tracker {
	return NewTracker(repository.NewMemoryStore().Executions(),
		WithLogger(zerolog.Nop()),
		WithClock(func() time.Time { return *now }))
}

func TestTracker_CompleteOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	tr := newTestTracker(&now)
	ctx := context.Background()

	exec, err := tr.Create(ctx, NewExecution{ScheduleID: "s-1", ScheduledFor: &now, MaxAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, exec.Status)
	assert.Equal(t, domain.TriggerScheduled, exec.Trigger)
	assert.Equal(t, 1, exec.Attempt)
	assert.Equal(t, now, exec.StartedAt)

	require.NoError(t, tr.UpdateProgress(ctx, exec.ID, domain.Progress{TotalBatches: 2, CompletedBatches: 1, TotalEmails: 12, ProcessedEmails: 10}))

	now = now.Add(3 * time.Second)
	final, err := tr.Complete(ctx, exec.ID, domain.Summary{
		Progress: domain.Progress{TotalBatches: 2, CompletedBatches: 2, TotalEmails: 12, ProcessedEmails: 11, FailedEmails: 1},
		Duration: 3 * time.Second,
	})
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, domain.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, int64(3000), final.DurationMs)
	assert.Equal(t, 11, final.ProcessedEmails)
	assert.Equal(t, 1, final.FailedEmails)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, now, *final.CompletedAt)

	// terminal executions are never mutated again
	again, err := tr.Fail(ctx, exec.ID, errors.New("late failure"), domain.ErrorDetails{Step: "fetch"}, domain.Summary{})
	require.NoError(t, err)
	assert.Nil(t, again)
	require.NoError(t, tr.UpdateProgress(ctx, exec.ID, domain.Progress{ProcessedEmails: 99}))

	stored, err := tr.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, 11, stored.ProcessedEmails)
	assert.Empty(t, stored.ErrorMessage)
}

func TestTracker_FailRecordsDetails(t *testing.T) {
	now := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	tr := newTestTracker(&now)
	ctx := context.Background()

	exec, err := tr.Create(ctx, NewExecution{ScheduleID: "s-1", Trigger: domain.TriggerManual, Attempt: 2, MaxAttempts: 3})
	require.NoError(t, err)

	final, err := tr.Fail(ctx, exec.ID, errors.New("imap: connection reset"),
		domain.ErrorDetails{Step: "fetch", Stack: "goroutine 1", Attempt: 2},
		domain.Summary{Duration: time.Second})
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, domain.ExecutionStatusFailed, final.Status)
	assert.Equal(t, "imap: connection reset", final.ErrorMessage)
	assert.Equal(t, "fetch", final.ErrorDetails["step"])
	assert.Equal(t, "goroutine 1", final.ErrorDetails["stack"])
	assert.Equal(t, now.Format(time.RFC3339Nano), final.ErrorDetails["timestamp"])

	running, err := tr.Running(ctx, "s-1")
	require.NoError(t, err)
	assert.Nil(t, running)
}

func TestTracker_CancelStale(t *testing.T) {
	now := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	tr := newTestTracker(&now)
	ctx := context.Background()

	old, err := tr.Create(ctx, NewExecution{ScheduleID: "s-1"})
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	fresh, err := tr.Create(ctx, NewExecution{ScheduleID: "s-2"})
	require.NoError(t, err)

	n, err := tr.CancelStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := tr.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, got.Status)

	got, err = tr.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusRunning, got.Status)

	cancelled, err := tr.Cancel(ctx, fresh.ID, "operator")
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, "operator", cancelled.ErrorMessage)
}
