package repository

import (
	"context"
	"errors"
	"time"

	"mailsched-backend/internal/schedule/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormLockRepository implements LockRepository using GORM. Mutual exclusion
// relies entirely on the primary key of execution_at.
type gormLockRepository struct {
	db *gorm.DB
}

// NewGormLockRepository creates a new GORM-based LockRepository
func NewGormLockRepository(db *gorm.DB) LockRepository {
	return &gormLockRepository{db: db}
}

// Insert uses INSERT ... ON CONFLICT DO NOTHING so a lost race is not an error
func (r *gormLockRepository) Insert(ctx context.Context, lock *domain.ExecutionLock) (bool, error) {
	lock.ExecutionAt = domain.LockKey(lock.ExecutionAt)
	if lock.CreatedAt.IsZero() {
		lock.CreatedAt = time.Now()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(lock)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// TakeOverExpired is a conditional update; concurrent callers re-check the
// predicate after the winner commits, so at most one of them sees a row affected
func (r *gormLockRepository) TakeOverExpired(ctx context.Context, lock *domain.ExecutionLock, now time.Time) (bool, error) {
	key := domain.LockKey(lock.ExecutionAt)
	result := r.db.WithContext(ctx).Model(&domain.ExecutionLock{}).
		Where("execution_at = ? AND expires_at IS NOT NULL AND expires_at < ?", key, now).
		Updates(map[string]interface{}{
			"schedule_ids": lock.ScheduleIDs,
			"owner":        lock.Owner,
			"locked":       true,
			"expires_at":   lock.ExpiresAt,
			"created_at":   now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *gormLockRepository) Renew(ctx context.Context, executionAt time.Time, owner string, expiresAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&domain.ExecutionLock{}).
		Where("execution_at = ? AND owner = ?", domain.LockKey(executionAt), owner).
		Update("expires_at", expiresAt)
	return result.RowsAffected == 1, result.Error
}

func (r *gormLockRepository) Delete(ctx context.Context, executionAt time.Time, owner string) error {
	query := r.db.WithContext(ctx).Where("execution_at = ?", domain.LockKey(executionAt))
	if owner != "" {
		query = query.Where("owner = ?", owner)
	}
	return query.Delete(&domain.ExecutionLock{}).Error
}

func (r *gormLockRepository) Find(ctx context.Context, executionAt time.Time) (*domain.ExecutionLock, error) {
	var lock domain.ExecutionLock
	err := r.db.WithContext(ctx).Where("execution_at = ?", domain.LockKey(executionAt)).First(&lock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}
