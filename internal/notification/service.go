// Package notification tells the outside world when a schedule execution
// finishes: every outcome is published as an event, and failures are also
// pushed to the owner's devices.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	authdomain "mailsched-backend/internal/auth/domain"
	scheduledomain "mailsched-backend/internal/schedule/domain"
	"mailsched-backend/pkg/fcm"
	"mailsched-backend/pkg/logger"

	"github.com/rs/zerolog"
)

// Publisher delivers an encoded event to a topic
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) error
}

// Pusher sends push notifications and returns the tokens that were rejected
type Pusher interface {
	SendToDevices(ctx context.Context, tokens []string, notification fcm.NotificationData) ([]string, error)
}

// TokenStore looks up and prunes device tokens
type TokenStore interface {
	GetTokensByUserID(ctx context.Context, userID string) ([]authdomain.FCMToken, error)
	DeleteToken(ctx context.Context, token string) error
}

// ExecutionEvent is the message published for each finished execution
type ExecutionEvent struct {
	ExecutionID  string                          `json:"execution_id"`
	ScheduleID   string                          `json:"schedule_id"`
	OwnerID      string                          `json:"owner_id"`
	AccountID    string                          `json:"account_id"`
	Trigger      scheduledomain.ExecutionTrigger `json:"trigger"`
	Status       scheduledomain.ExecutionStatus  `json:"status"`
	Attempt      int                             `json:"attempt"`
	MaxAttempts  int                             `json:"max_attempts"`
	ScheduledFor *time.Time                      `json:"scheduled_for,omitempty"`
	StartedAt    time.Time                       `json:"started_at"`
	CompletedAt  *time.Time                      `json:"completed_at,omitempty"`
	DurationMs   int64                           `json:"duration_ms"`
	Progress     scheduledomain.Progress         `json:"progress"`
	Error        string                          `json:"error,omitempty"`
}

// NewExecutionEvent builds the event for an execution of schedule
func NewExecutionEvent(schedule *scheduledomain.Schedule, e *scheduledomain.Execution) ExecutionEvent {
	return ExecutionEvent{
		ExecutionID:  e.ID,
		ScheduleID:   schedule.ID,
		OwnerID:      schedule.OwnerID,
		AccountID:    schedule.AccountID,
		Trigger:      e.Trigger,
		Status:       e.Status,
		Attempt:      e.Attempt,
		MaxAttempts:  e.MaxAttempts,
		ScheduledFor: e.ScheduledFor,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		DurationMs:   e.DurationMs,
		Progress: scheduledomain.Progress{
			TotalBatches:     e.TotalBatches,
			CompletedBatches: e.CompletedBatches,
			TotalEmails:      e.TotalEmails,
			ProcessedEmails:  e.ProcessedEmails,
			FailedEmails:     e.FailedEmails,
		},
		Error: e.ErrorMessage,
	}
}

// Service implements the runner's Notifier. Any of its collaborators may be
// nil, in which case that channel is skipped.
type Service struct {
	publisher Publisher
	pusher    Pusher
	tokens    TokenStore
	log       zerolog.Logger
}

func NewService(publisher Publisher, pusher Pusher, tokens TokenStore) *Service {
	return &Service{
		publisher: publisher,
		pusher:    pusher,
		tokens:    tokens,
		log:       logger.Component("notification"),
	}
}

// ExecutionFinished publishes the outcome and, for failures, notifies the owner
func (s *Service) ExecutionFinished(ctx context.Context, schedule *scheduledomain.Schedule, execution *scheduledomain.Execution) error {
	var errs []error
	if s.publisher != nil {
		if err := s.publish(ctx, schedule, execution); err != nil {
			errs = append(errs, err)
		}
	}
	if execution.Status == scheduledomain.ExecutionStatusFailed && s.pusher != nil && s.tokens != nil {
		if err := s.push(ctx, schedule, execution); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) publish(ctx context.Context, schedule *scheduledomain.Schedule, execution *scheduledomain.Execution) error {
	data, err := json.Marshal(NewExecutionEvent(schedule, execution))
	if err != nil {
		return fmt.Errorf("failed to encode execution event: %w", err)
	}
	attrs := map[string]string{
		"schedule_id": schedule.ID,
		"owner_id":    schedule.OwnerID,
		"status":      string(execution.Status),
		"trigger":     string(execution.Trigger),
	}
	if err := s.publisher.Publish(ctx, data, attrs); err != nil {
		return fmt.Errorf("failed to publish execution event: %w", err)
	}
	s.log.Debug().Str("execution_id", execution.ID).Str("status", string(execution.Status)).Msg("execution event published")
	return nil
}

func (s *Service) push(ctx context.Context, schedule *scheduledomain.Schedule, execution *scheduledomain.Execution) error {
	tokens, err := s.tokens.GetTokensByUserID(ctx, schedule.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	tokenStrings := make([]string, 0, len(tokens))
	for _, t := range tokens {
		tokenStrings = append(tokenStrings, t.Token)
	}

	body := "The scheduled email fetch could not be completed"
	if execution.ErrorMessage != "" {
		body = execution.ErrorMessage
	}
	failed, err := s.pusher.SendToDevices(ctx, tokenStrings, fcm.NotificationData{
		Title: "Email schedule failed",
		Body:  body,
		Data: map[string]string{
			"type":         "schedule_execution_failed",
			"schedule_id":  schedule.ID,
			"execution_id": execution.ID,
			"attempt":      fmt.Sprintf("%d/%d", execution.Attempt, execution.MaxAttempts),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	// Remove tokens the push service rejected
	for _, token := range failed {
		if err := s.tokens.DeleteToken(ctx, token); err != nil {
			s.log.Warn().Err(err).Msg("failed to delete invalid token")
		}
	}
	s.log.Info().
		Str("owner_id", schedule.OwnerID).
		Int("sent", len(tokenStrings)-len(failed)).
		Int("invalid", len(failed)).
		Msg("failure notification pushed")
	return nil
}
