package domain

import "time"

// ScheduleType selects how a schedule's due instants are computed
type ScheduleType string

const (
	ScheduleTypeDateRange     ScheduleType = "DATE_RANGE"
	ScheduleTypeRecurring     ScheduleType = "RECURRING"
	ScheduleTypeSpecificDates ScheduleType = "SPECIFIC_DATES"
)

// Valid reports whether t is one of the known schedule types
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleTypeDateRange, ScheduleTypeRecurring, ScheduleTypeSpecificDates:
		return true
	}
	return false
}

// Priority is the priority assigned to a processed email
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Schedule is a persisted fetch-and-classify job definition for one mail account
type Schedule struct {
	ID        string       `json:"id" gorm:"primaryKey"`
	OwnerID   string       `json:"owner_id" gorm:"index:idx_schedule_owner_account;not null"`
	AccountID string       `json:"account_id" gorm:"index:idx_schedule_owner_account;not null"`
	Type      ScheduleType `json:"type" gorm:"not null"`

	// DATE_RANGE
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`

	// RECURRING
	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`

	// SPECIFIC_DATES
	SpecificDates TimeList `json:"specific_dates,omitempty" gorm:"type:text"`

	Enabled   bool `json:"enabled" gorm:"index:idx_schedule_due,priority:1;not null"`
	IsDefault bool `json:"is_default" gorm:"not null;default:false"`
	BatchSize int  `json:"batch_size" gorm:"not null;default:10"`

	CategoryPriorities PriorityMap `json:"category_priorities,omitempty" gorm:"type:text"`
	SenderPriorities   PriorityMap `json:"sender_priorities,omitempty" gorm:"type:text"`

	NextExecutionAt *time.Time `json:"next_execution_at,omitempty" gorm:"index:idx_schedule_due,priority:2"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`

	TotalExecutions      int `json:"total_executions" gorm:"not null;default:0"`
	SuccessfulExecutions int `json:"successful_executions" gorm:"not null;default:0"`
	FailedExecutions     int `json:"failed_executions" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Schedule) TableName() string {
	return "email_schedules"
}

// Config returns the timing and processing configuration of the schedule
func (s *Schedule) Config() ScheduleConfig {
	return ScheduleConfig{
		OwnerID:            s.OwnerID,
		AccountID:          s.AccountID,
		Type:               s.Type,
		DateFrom:           s.DateFrom,
		DateTo:             s.DateTo,
		CronExpression:     s.CronExpression,
		Timezone:           s.Timezone,
		SpecificDates:      s.SpecificDates,
		BatchSize:          s.BatchSize,
		CategoryPriorities: s.CategoryPriorities,
		SenderPriorities:   s.SenderPriorities,
	}
}

// ScheduleConfig is the user-supplied part of a schedule, used for validation,
// conflict detection and next-run calculation before anything is persisted
type ScheduleConfig struct {
	OwnerID   string       `json:"owner_id"`
	AccountID string       `json:"account_id"`
	Type      ScheduleType `json:"type"`

	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`

	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`

	SpecificDates TimeList `json:"specific_dates,omitempty"`

	BatchSize          int         `json:"batch_size"`
	CategoryPriorities PriorityMap `json:"category_priorities,omitempty"`
	SenderPriorities   PriorityMap `json:"sender_priorities,omitempty"`
}

// SameTiming reports whether two configs produce the same due instants
func (c ScheduleConfig) SameTiming(o ScheduleConfig) bool {
	if c.Type != o.Type || c.CronExpression != o.CronExpression || c.Timezone != o.Timezone {
		return false
	}
	if !sameTimePtr(c.DateFrom, o.DateFrom) || !sameTimePtr(c.DateTo, o.DateTo) {
		return false
	}
	if len(c.SpecificDates) != len(o.SpecificDates) {
		return false
	}
	a, b := c.SpecificDates.Sorted(), o.SpecificDates.Sorted()
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func sameTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
