package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	authrepo "mailsched-backend/internal/auth/repository"
	scheduledomain "mailsched-backend/internal/schedule/domain"
	"mailsched-backend/pkg/fcm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	data  [][]byte
	attrs []map[string]string
	err   error
}

func (c *capturePublisher) Publish(_ context.Context, data []byte, attrs map[string]string) error {
	c.data = append(c.data, data)
	c.attrs = append(c.attrs, attrs)
	return c.err
}

type capturePusher struct {
	tokens []string
	sent   []fcm.NotificationData
	reject []string
}

func (c *capturePusher) SendToDevices(_ context.Context, tokens []string, n fcm.NotificationData) ([]string, error) {
	c.tokens = append(c.tokens, tokens...)
	c.sent = append(c.sent, n)
	return c.reject, nil
}

func fixtures(status scheduledomain.ExecutionStatus) (*scheduledomain.Schedule, *scheduledomain.Execution) {
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Second)
	schedule := &scheduledomain.Schedule{ID: "sched-1", OwnerID: "user-1", AccountID: "acct-1"}
	execution := &scheduledomain.Execution{
		ID:              "exec-1",
		ScheduleID:      "sched-1",
		Status:          status,
		Trigger:         scheduledomain.TriggerScheduled,
		Attempt:         2,
		MaxAttempts:     3,
		StartedAt:       started,
		CompletedAt:     &completed,
		DurationMs:      2000,
		TotalEmails:     4,
		ProcessedEmails: 3,
		FailedEmails:    1,
	}
	if status == scheduledomain.ExecutionStatusFailed {
		execution.ErrorMessage = "imap: login failed"
	}
	return schedule, execution
}

func TestExecutionFinished_PublishesEvent(t *testing.T) {
	publisher := &capturePublisher{}
	pusher := &capturePusher{}
	tokens := authrepo.NewMemoryFCMTokenRepository()
	require.NoError(t, tokens.SaveToken(context.Background(), "user-1", "tok-a", "chrome"))
	svc := NewService(publisher, pusher, tokens)

	schedule, execution := fixtures(scheduledomain.ExecutionStatusCompleted)
	require.NoError(t, svc.ExecutionFinished(context.Background(), schedule, execution))

	require.Len(t, publisher.data, 1)
	var event ExecutionEvent
	require.NoError(t, json.Unmarshal(publisher.data[0], &event))
	assert.Equal(t, "exec-1", event.ExecutionID)
	assert.Equal(t, "user-1", event.OwnerID)
	assert.Equal(t, scheduledomain.ExecutionStatusCompleted, event.Status)
	assert.Equal(t, 3, event.Progress.ProcessedEmails)
	assert.Equal(t, "COMPLETED", publisher.attrs[0]["status"])

	// Successful runs are not pushed
	assert.Empty(t, pusher.sent)
}

func TestExecutionFinished_PushesFailures(t *testing.T) {
	ctx := context.Background()
	pusher := &capturePusher{reject: []string{"tok-b"}}
	tokens := authrepo.NewMemoryFCMTokenRepository()
	require.NoError(t, tokens.SaveToken(ctx, "user-1", "tok-a", "chrome"))
	require.NoError(t, tokens.SaveToken(ctx, "user-1", "tok-b", "firefox"))
	require.NoError(t, tokens.SaveToken(ctx, "user-2", "tok-c", "safari"))
	svc := NewService(nil, pusher, tokens)

	schedule, execution := fixtures(scheduledomain.ExecutionStatusFailed)
	require.NoError(t, svc.ExecutionFinished(ctx, schedule, execution))

	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, pusher.tokens)
	require.Len(t, pusher.sent, 1)
	assert.Equal(t, "imap: login failed", pusher.sent[0].Body)
	assert.Equal(t, "2/3", pusher.sent[0].Data["attempt"])

	remaining, err := tokens.GetTokensByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "tok-a", remaining[0].Token)
}

func TestExecutionFinished_ReportsPublishError(t *testing.T) {
	svc := NewService(&capturePublisher{err: errors.New("topic gone")}, nil, nil)
	schedule, execution := fixtures(scheduledomain.ExecutionStatusFailed)
	err := svc.ExecutionFinished(context.Background(), schedule, execution)
	assert.ErrorContains(t, err, "topic gone")
}

func TestShortTopicName(t *testing.T) {
	assert.Equal(t, "schedules", shortTopicName("projects/p1/topics/schedules"))
	assert.Equal(t, "schedules", shortTopicName("schedules"))
}
