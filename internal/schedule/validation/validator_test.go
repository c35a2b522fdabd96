package validation

import (
	"context"
	"strings"
	"testing"
	"time"

	"mailsched-backend/internal/schedule/domain"
	"mailsched-backend/internal/schedule/recurrence"
	"mailsched-backend/internal/schedule/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T, existing ...*domain.Schedule) *Validator {
	t.Helper()
	repo := repository.NewMemoryStore().Schedules()
	for _, s := range existing {
		require.NoError(t, repo.Create(context.Background(), s))
	}
	return NewValidator(repo, recurrence.NewCalculator(), WithClock(func() time.Time { return fixedNow }))
}

func tp(t time.Time) *time.Time { return &t }

func recurringConfig(expr, tz string) domain.ScheduleConfig {
	return domain.ScheduleConfig{
		OwnerID:        "user-1",
		AccountID:      "acc-1",
		Type:           domain.ScheduleTypeRecurring,
		CronExpression: expr,
		Timezone:       tz,
		BatchSize:      10,
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.ScheduleConfig
		wantErr string
	}{
		{
			name: "date range reversed",
			cfg: domain.ScheduleConfig{AccountID: "acc-1", Type: domain.ScheduleTypeDateRange, BatchSize: 10,
				DateFrom: tp(fixedNow.Add(-time.Hour)), DateTo: tp(fixedNow.Add(-2 * time.Hour))},
			wantErr: "date_from must be before date_to",
		},
		{
			name:    "date range missing bounds",
			cfg:     domain.ScheduleConfig{AccountID: "acc-1", Type: domain.ScheduleTypeDateRange, BatchSize: 10},
			wantErr: "date_from and date_to are required",
		},
		{
			name:    "recurring bad expression",
			cfg:     recurringConfig("61 * * * *", "UTC"),
			wantErr: "invalid recurrence expression",
		},
		{
			name:    "recurring missing timezone",
			cfg:     recurringConfig("0 6 * * *", ""),
			wantErr: "timezone is required",
		},
		{
			name: "specific dates all past",
			cfg: domain.ScheduleConfig{AccountID: "acc-1", Type: domain.ScheduleTypeSpecificDates, BatchSize: 10,
				SpecificDates: domain.TimeList{fixedNow.Add(-time.Hour)}},
			wantErr: "at least one date in the future",
		},
		{
			name:    "batch size too large",
			cfg:     func() domain.ScheduleConfig { c := recurringConfig("0 6 * * *", "UTC"); c.BatchSize = 500; return c }(),
			wantErr: "batch_size must be between 1 and 100",
		},
		{
			name:    "unknown type",
			cfg:     domain.ScheduleConfig{AccountID: "acc-1", Type: "WEEKLY", BatchSize: 10},
			wantErr: "unknown schedule type",
		},
		{
			name: "bad priority",
			cfg: func() domain.ScheduleConfig {
				c := recurringConfig("0 6 * * *", "UTC")
				c.SenderPriorities = domain.PriorityMap{"boss@example.com": "urgent"}
				return c
			}(),
			wantErr: "sender_priorities[boss@example.com]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t)
			result, err := v.Validate(context.Background(), tt.cfg, "")
			require.NoError(t, err)
			assert.False(t, result.Valid)
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, strings.Join(result.Errors, "\n"), tt.wantErr)
		})
	}
}

func TestValidate_TimezoneSuggestion(t *testing.T) {
	v := newTestValidator(t)
	result, err := v.Validate(context.Background(), recurringConfig("0 6 * * *", "Asia/Ho_Chi_Mihn"), "")
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Asia/Ho_Chi_Minh")
}

func TestValidate_Warnings(t *testing.T) {
	v := newTestValidator(t)

	result, err := v.Validate(context.Background(), recurringConfig("* * * * *", "UTC"), "")
	require.NoError(t, err)
	assert.True(t, result.Valid, "warnings must not block")
	assert.Len(t, result.Warnings, 1)

	result, err = v.Validate(context.Background(), domain.ScheduleConfig{
		AccountID: "acc-1", Type: domain.ScheduleTypeSpecificDates, BatchSize: 10,
		SpecificDates: domain.TimeList{fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour)},
	}, "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Contains(t, result.Warnings, "1 past date(s) will be ignored")

	result, err = v.Validate(context.Background(), domain.ScheduleConfig{
		AccountID: "acc-1", Type: domain.ScheduleTypeDateRange, BatchSize: 10,
		DateFrom: tp(fixedNow.AddDate(-2, 0, 0)), DateTo: tp(fixedNow.Add(time.Hour)),
	}, "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Len(t, result.Warnings, 2)
}

func TestValidate_RecurringConflict(t *testing.T) {
	existing := &domain.Schedule{
		OwnerID: "user-1", AccountID: "acc-1", Type: domain.ScheduleTypeRecurring,
		CronExpression: "0 6 * * *", Timezone: "UTC", Enabled: true, BatchSize: 10,
	}
	v := newTestValidator(t, existing)

	result, err := v.Validate(context.Background(), recurringConfig("0  6 * * *", "utc"), "")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, existing.ID, result.Conflicts[0].ScheduleID)

	// updating the existing schedule itself is not a conflict
	result, err = v.Validate(context.Background(), recurringConfig("0 6 * * *", "UTC"), existing.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	// other timezone, other account: no conflict
	result, err = v.Validate(context.Background(), recurringConfig("0 6 * * *", "Europe/Paris"), "")
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)

	other := recurringConfig("0 6 * * *", "UTC")
	other.AccountID = "acc-2"
	result, err = v.Validate(context.Background(), other, "")
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)
}

func TestValidate_DisabledSchedulesDoNotConflict(t *testing.T) {
	existing := &domain.Schedule{
		OwnerID: "user-1", AccountID: "acc-1", Type: domain.ScheduleTypeRecurring,
		CronExpression: "0 6 * * *", Timezone: "UTC", Enabled: false, BatchSize: 10,
	}
	v := newTestValidator(t, existing)
	result, err := v.Validate(context.Background(), recurringConfig("0 6 * * *", "UTC"), "")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestValidate_SpecificDatesConflictSuggestions(t *testing.T) {
	shared := fixedNow.Add(48 * time.Hour)
	existing := &domain.Schedule{
		OwnerID: "user-1", AccountID: "acc-1", Type: domain.ScheduleTypeSpecificDates,
		SpecificDates: domain.TimeList{shared, shared.Add(time.Hour)},
		Enabled:       true, BatchSize: 10,
	}
	v := newTestValidator(t, existing)

	result, err := v.Validate(context.Background(), domain.ScheduleConfig{
		OwnerID: "user-1", AccountID: "acc-1", Type: domain.ScheduleTypeSpecificDates, BatchSize: 10,
		SpecificDates: domain.TimeList{shared, fixedNow.Add(72 * time.Hour)},
	}, "")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.Len(t, result.Conflicts, 1)

	c := result.Conflicts[0]
	require.NotNil(t, c.Date)
	assert.True(t, c.Date.Equal(shared))
	// +1h is taken by the existing schedule
	assert.Equal(t, []time.Time{shared.Add(2 * time.Hour), shared.Add(3 * time.Hour), shared.Add(24 * time.Hour)}, c.Suggestions)
}

func TestValidate_DateRangeConflict(t *testing.T) {
	from, to := fixedNow.AddDate(0, -1, 0), fixedNow.AddDate(0, 0, -1)
	existing := &domain.Schedule{
		OwnerID: "user-1", AccountID: "acc-1", Type: domain.ScheduleTypeDateRange,
		DateFrom: tp(from), DateTo: tp(to), Enabled: true, BatchSize: 10,
	}
	v := newTestValidator(t, existing)

	cfg := domain.ScheduleConfig{OwnerID: "user-1", AccountID: "acc-1", Type: domain.ScheduleTypeDateRange,
		DateFrom: tp(from), DateTo: tp(to), BatchSize: 10}
	result, err := v.Validate(context.Background(), cfg, "")
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)

	cfg.DateTo = tp(to.Add(time.Hour))
	result, err = v.Validate(context.Background(), cfg, "")
	require.NoError(t, err)
	assert.Empty(t, result.Conflicts)
}
