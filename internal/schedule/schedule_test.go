package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/testutil"
)

// 2025-03-10 is a Monday.
var monday = time.Date(2025, 3, 10, 9, 5, 0, 0, time.UTC)

func weekdayWindow() Window {
	return Window{
		Weekdays: []time.Weekday{time.Monday, time.Wednesday},
		Times:    []TimeOfDay{{9, 0}, {18, 30}},
	}
}

func TestIsDue(t *testing.T) {
	tr := NewTracker(testutil.NewTestStore(t))
	ctx := context.Background()

	tests := []struct {
		name      string
		now       time.Time
		tolerance time.Duration
		want      []string
	}{
		{"within tolerance after", monday, 15 * time.Minute, []string{"digest.2025-03-10.09:00"}},
		{"within tolerance before", monday.Add(-10 * time.Minute), 15 * time.Minute, []string{"digest.2025-03-10.09:00"}},
		{"outside tolerance", monday, time.Minute, []string{}},
		{"second slot", time.Date(2025, 3, 10, 18, 31, 0, 0, time.UTC), time.Minute, []string{"digest.2025-03-10.18:30"}},
		{"wrong weekday", monday.AddDate(0, 0, 1), time.Hour, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.IsDue(ctx, "digest", tt.now, weekdayWindow(), tt.tolerance)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMarkFiredIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	tr := NewTracker(s)
	ctx := context.Background()

	due, err := tr.IsDue(ctx, "digest", monday, weekdayWindow(), 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, tr.MarkFired(ctx, due[0]))
	require.NoError(t, tr.MarkFired(ctx, due[0]))

	due, err = tr.IsDue(ctx, "digest", monday.Add(time.Minute), weekdayWindow(), 15*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Another job kind has its own slots.
	due, err = tr.IsDue(ctx, "summary", monday, weekdayWindow(), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"summary.2025-03-10.09:00"}, due)

	assert.ErrorIs(t, tr.MarkFired(ctx, " "), model.ErrInvalidInput)
}

func TestIsDueDaysOfMonth(t *testing.T) {
	tr := NewTracker(testutil.NewTestStore(t))
	w := Window{
		Weekdays:    []time.Weekday{time.Tuesday},
		DaysOfMonth: []int{10, 25},
		Times:       []TimeOfDay{{9, 0}},
	}

	due, err := tr.IsDue(context.Background(), "billing", monday, w, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing.2025-03-10.09:00"}, due)

	due, err = tr.IsDue(context.Background(), "billing", monday.AddDate(0, 0, 1), w, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestIsDueUsesLocalDate(t *testing.T) {
	loc, err := Location("America/New_York")
	require.NoError(t, err)

	// 02:00 UTC Tuesday is 22:00 Monday in New York.
	now := time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC).In(loc)
	w := Window{Weekdays: []time.Weekday{time.Monday}, Times: []TimeOfDay{{22, 0}}}

	due, err := NewTracker(testutil.NewTestStore(t)).IsDue(context.Background(), "digest", now, w, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"digest.2025-03-10.22:00"}, due)
}

func TestTolerance(t *testing.T) {
	assert.Equal(t, time.Minute, Tolerance(0))
	assert.Equal(t, time.Minute, Tolerance(10*time.Second))
	assert.Equal(t, 15*time.Minute, Tolerance(15*time.Minute))
}

func TestParseWeekdays(t *testing.T) {
	assert.Equal(t, []time.Weekday{time.Monday, time.Friday}, ParseWeekdays("fri, MON,mon,xyz"))
	assert.Empty(t, ParseWeekdays(""))
}

func TestParseTimes(t *testing.T) {
	got := ParseTimes("18:30, 09:00,9:00,25:00,aa:bb,1230,")
	assert.Equal(t, []TimeOfDay{{9, 0}, {18, 30}}, got)
	assert.Equal(t, "09:00", got[0].String())
}

func TestParseDaysOfMonth(t *testing.T) {
	assert.Equal(t, []int{1, 15, 31}, ParseDaysOfMonth("15,1,32,0,x,31,15"))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("Europe/Berlin", "mon", "09:00"))
	assert.ErrorIs(t, Validate("Mars/Olympus", "mon", "09:00"), model.ErrInvalidInput)
	assert.ErrorIs(t, Validate("", "someday", "09:00"), model.ErrInvalidInput)
	assert.ErrorIs(t, Validate("", "mon", "noon"), model.ErrInvalidInput)
}

func TestValidateJob(t *testing.T) {
	assert.NoError(t, ValidateJob("", model.JobScheduleConfig{Weekdays: "nope"}))
	assert.NoError(t, ValidateJob("", model.JobScheduleConfig{Enabled: true, DaysOfMonth: "1", Times: "08:00"}))
	assert.Error(t, ValidateJob("", model.JobScheduleConfig{Enabled: true, DaysOfMonth: "0", Times: "08:00"}))
	assert.Error(t, ValidateJob("", model.JobScheduleConfig{Enabled: true, Weekdays: "mon"}))

	billing := model.JobScheduleConfig{Enabled: true, DaysOfMonth: "1,15", Times: "10:00"}
	assert.NoError(t, ValidateJob("UTC", billing))
	assert.Error(t, ValidateJob("Mars/Olympus", billing))
	billing.DaysOfMonth = "32"
	assert.Error(t, ValidateJob("UTC", billing))
	billing.DaysOfMonth, billing.Times = "1", "25:00"
	assert.Error(t, ValidateJob("UTC", billing))
}

func TestWindowFromConfig(t *testing.T) {
	w := WindowFromConfig(model.JobScheduleConfig{Weekdays: "mon", Times: "08:00", DaysOfMonth: "5"})
	assert.Equal(t, []time.Weekday{time.Monday}, w.Weekdays)
	assert.Equal(t, []int{5}, w.DaysOfMonth)
	assert.Equal(t, []TimeOfDay{{8, 0}}, w.Times)
}
