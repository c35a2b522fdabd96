package repository

import (
	"context"
	"errors"
	"time"

	"mailsched-backend/internal/schedule/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormScheduleRepository implements ScheduleRepository using GORM
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewGormScheduleRepository creates a new GORM-based ScheduleRepository
func NewGormScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: db}
}

func (r *gormScheduleRepository) Create(ctx context.Context, schedule *domain.Schedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	now := time.Now()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	return r.db.WithContext(ctx).Create(schedule).Error
}

func (r *gormScheduleRepository) FindByID(ctx context.Context, id string) (*domain.Schedule, error) {
	var schedule domain.Schedule
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&schedule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &schedule, nil
}

func (r *gormScheduleRepository) FindByOwner(ctx context.Context, ownerID string) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("created_at DESC").Find(&schedules).Error
	return schedules, err
}

func (r *gormScheduleRepository) FindByOwnerAndAccount(ctx context.Context, ownerID, accountID string) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	err := r.db.WithContext(ctx).Where("owner_id = ? AND account_id = ?", ownerID, accountID).
		Order("created_at ASC").Find(&schedules).Error
	return schedules, err
}

func (r *gormScheduleRepository) FindDefault(ctx context.Context, ownerID, accountID string) (*domain.Schedule, error) {
	var schedule domain.Schedule
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND account_id = ? AND is_default = ?", ownerID, accountID, true).
		First(&schedule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &schedule, nil
}

func (r *gormScheduleRepository) FindDue(ctx context.Context, now time.Time) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_execution_at IS NOT NULL AND next_execution_at <= ?", true, now).
		Order("next_execution_at ASC").
		Find(&schedules).Error
	return schedules, err
}

func (r *gormScheduleRepository) FindEnabledRecurring(ctx context.Context, ownerID string) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND enabled = ? AND type = ?", ownerID, true, domain.ScheduleTypeRecurring).
		Order("created_at ASC").
		Find(&schedules).Error
	return schedules, err
}

func (r *gormScheduleRepository) Update(ctx context.Context, schedule *domain.Schedule) error {
	schedule.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(schedule).Error
}

func (r *gormScheduleRepository) RecordOutcome(ctx context.Context, id string, outcome ExecutionOutcome) error {
	updates := map[string]interface{}{
		"last_executed_at": outcome.ExecutedAt,
		"total_executions": gorm.Expr("total_executions + 1"),
		"updated_at":       time.Now(),
	}
	if outcome.Succeeded {
		updates["successful_executions"] = gorm.Expr("successful_executions + 1")
	} else {
		updates["failed_executions"] = gorm.Expr("failed_executions + 1")
	}
	if outcome.Advance {
		if outcome.NextExecutionAt != nil {
			updates["next_execution_at"] = *outcome.NextExecutionAt
		} else {
			updates["next_execution_at"] = gorm.Expr("NULL")
		}
	}
	if outcome.Disable {
		updates["enabled"] = false
	}

	result := r.db.WithContext(ctx).Model(&domain.Schedule{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (r *gormScheduleRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.Schedule{}, "id = ?", id).Error
}
