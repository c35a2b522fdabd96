package repository

import (
	"context"
	"errors"
	"time"

	"mailsched-backend/internal/schedule/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormExecutionRepository implements ExecutionRepository using GORM
type gormExecutionRepository struct {
	db *gorm.DB
}

// NewGormExecutionRepository creates a new GORM-based ExecutionRepository
func NewGormExecutionRepository(db *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: db}
}

func (r *gormExecutionRepository) Create(ctx context.Context, execution *domain.Execution) error {
	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}
	now := time.Now()
	execution.CreatedAt = now
	execution.UpdatedAt = now
	err := r.db.WithContext(ctx).Create(execution).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// idx_execution_running allows one RUNNING row per schedule
		return domain.ErrExecutionInProgress
	}
	return err
}

func (r *gormExecutionRepository) first(ctx context.Context, query *gorm.DB) (*domain.Execution, error) {
	var execution domain.Execution
	err := query.WithContext(ctx).First(&execution).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &execution, nil
}

func (r *gormExecutionRepository) FindByID(ctx context.Context, id string) (*domain.Execution, error) {
	return r.first(ctx, r.db.Where("id = ?", id))
}

func (r *gormExecutionRepository) FindLatest(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	return r.first(ctx, r.db.Where("schedule_id = ?", scheduleID).Order("started_at DESC"))
}

func (r *gormExecutionRepository) FindLatestCompleted(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	return r.first(ctx, r.db.
		Where("schedule_id = ? AND status = ? AND completed_at IS NOT NULL", scheduleID, domain.ExecutionStatusCompleted).
		Order("completed_at DESC"))
}

func (r *gormExecutionRepository) FindRunning(ctx context.Context, scheduleID string) (*domain.Execution, error) {
	return r.first(ctx, r.db.
		Where("schedule_id = ? AND status = ?", scheduleID, domain.ExecutionStatusRunning).
		Order("started_at DESC"))
}

func (r *gormExecutionRepository) CountAttempts(ctx context.Context, scheduleID string, scheduledFor time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Execution{}).
		Where("schedule_id = ? AND scheduled_for = ?", scheduleID, scheduledFor).
		Count(&count).Error
	return int(count), err
}

func (r *gormExecutionRepository) UpdateProgress(ctx context.Context, id string, progress domain.Progress) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.Execution{}).
		Where("id = ? AND status = ?", id, domain.ExecutionStatusRunning).
		Updates(map[string]interface{}{
			"total_batches":     progress.TotalBatches,
			"completed_batches": progress.CompletedBatches,
			"total_emails":      progress.TotalEmails,
			"processed_emails":  progress.ProcessedEmails,
			"failed_emails":     progress.FailedEmails,
			"updated_at":        time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

func (r *gormExecutionRepository) Finish(ctx context.Context, id string, final *domain.Execution) (bool, error) {
	updates := map[string]interface{}{
		"status":            final.Status,
		"completed_at":      final.CompletedAt,
		"duration_ms":       final.DurationMs,
		"total_batches":     final.TotalBatches,
		"completed_batches": final.CompletedBatches,
		"total_emails":      final.TotalEmails,
		"processed_emails":  final.ProcessedEmails,
		"failed_emails":     final.FailedEmails,
		"error_message":     final.ErrorMessage,
		"error_details":     final.ErrorDetails,
		"updated_at":        time.Now(),
	}
	result := r.db.WithContext(ctx).Model(&domain.Execution{}).
		Where("id = ? AND status = ?", id, domain.ExecutionStatusRunning).
		Updates(updates)
	return result.RowsAffected > 0, result.Error
}

func (r *gormExecutionRepository) CancelStale(ctx context.Context, startedBefore time.Time, reason string) (int64, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&domain.Execution{}).
		Where("status = ? AND started_at < ?", domain.ExecutionStatusRunning, startedBefore).
		Updates(map[string]interface{}{
			"status":        domain.ExecutionStatusCancelled,
			"error_message": reason,
			"completed_at":  now,
			"updated_at":    now,
		})
	return result.RowsAffected, result.Error
}
