package domain

import (
	"database/sql/driver"
	"strings"
	"time"
)

// IDList is a comma separated list of ids stored in one column
type IDList []string

// Value implements driver.Valuer
func (l IDList) Value() (driver.Value, error) {
	return strings.Join(l, ","), nil
}

// Scan implements sql.Scanner
func (l *IDList) Scan(value interface{}) error {
	bytes, ok := scanBytes(value)
	if !ok || len(bytes) == 0 {
		*l = IDList{}
		return nil
	}
	*l = strings.Split(string(bytes), ",")
	return nil
}

// ExecutionLock claims one exact due instant. The primary key on ExecutionAt
// is the only cross-process synchronization point.
type ExecutionLock struct {
	ExecutionAt time.Time  `json:"execution_at" gorm:"primaryKey"`
	ScheduleIDs IDList     `json:"schedule_ids" gorm:"type:text"`
	Locked      bool       `json:"locked" gorm:"not null;default:true"`
	Owner       string     `json:"owner"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" gorm:"index"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TableName specifies the table name for GORM
func (ExecutionLock) TableName() string {
	return "email_schedule_execution_locks"
}

// LockKey normalizes an instant to the precision the store keeps
func LockKey(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
