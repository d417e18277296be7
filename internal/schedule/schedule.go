// Package schedule decides which recurring job slots are due and records
// the ones that fired.
package schedule

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/store"
)

// MinTolerance is the narrowest firing window.
const MinTolerance = time.Minute

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// TimeOfDay is a wall-clock hour and minute.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Window is the set of slots a job may fire in. When DaysOfMonth is set it
// takes the place of Weekdays.
type Window struct {
	Weekdays    []time.Weekday
	DaysOfMonth []int
	Times       []TimeOfDay
}

// WindowFromConfig parses a job schedule. Invalid entries are dropped.
func WindowFromConfig(cfg model.JobScheduleConfig) Window {
	return Window{
		Weekdays:    ParseWeekdays(cfg.Weekdays),
		DaysOfMonth: ParseDaysOfMonth(cfg.DaysOfMonth),
		Times:       ParseTimes(cfg.Times),
	}
}

func (w Window) matchesDay(t time.Time) bool {
	if len(w.DaysOfMonth) > 0 {
		return slices.Contains(w.DaysOfMonth, t.Day())
	}
	return slices.Contains(w.Weekdays, t.Weekday())
}

// SlotKey is the persisted marker of one slot: {kind}.{YYYY-MM-DD}.{HH:MM}.
func SlotKey(kind string, day time.Time, at TimeOfDay) string {
	return kind + "." + day.Format(model.DayLayout) + "." + at.String()
}

// Tolerance derives the firing window from the polling cadence.
func Tolerance(cadence time.Duration) time.Duration {
	return max(MinTolerance, cadence)
}

// Tracker checks and records fired slots.
type Tracker struct {
	store store.SlotStore
	now   func() time.Time
}

// NewTracker returns a Tracker over s.
func NewTracker(s store.SlotStore) *Tracker {
	return &Tracker{store: s, now: time.Now}
}

// IsDue returns the keys of the slots of kind that are due at nowLocal:
// the day matches, the slot time is within tolerance of nowLocal and the
// slot has not fired. Slot times are read in nowLocal's location.
func (t *Tracker) IsDue(
	ctx context.Context,
	kind string,
	nowLocal time.Time,
	w Window,
	tolerance time.Duration,
) ([]string, error) {
	due := []string{}
	if len(w.Times) == 0 || !w.matchesDay(nowLocal) {
		return due, nil
	}

	y, m, d := nowLocal.Date()
	for _, at := range w.Times {
		slot := time.Date(y, m, d, at.Hour, at.Minute, 0, 0, nowLocal.Location())
		delta := nowLocal.Sub(slot)
		if delta < 0 {
			delta = -delta
		}
		if delta > tolerance {
			continue
		}

		key := SlotKey(kind, nowLocal, at)
		fired, err := t.store.SlotFired(ctx, key)
		if err != nil {
			return nil, err
		}
		if !fired {
			due = append(due, key)
		}
	}
	return due, nil
}

// MarkFired records key. Marking a fired slot again is a no-op.
func (t *Tracker) MarkFired(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return model.E(model.KindInvalidInput, "slot key is required")
	}
	_, err := t.store.MarkSlotFired(ctx, key, t.now().UTC())
	return err
}

// ParseWeekdays parses a comma-separated list of three-letter day names.
// Unknown names are dropped.
func ParseWeekdays(s string) []time.Weekday {
	var out []time.Weekday
	for _, part := range strings.Split(s, ",") {
		if d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(part))]; ok && !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// ParseTimes parses comma-separated HH:MM values, sorted and deduplicated.
// Invalid entries are dropped.
func ParseTimes(s string) []TimeOfDay {
	var out []TimeOfDay
	for _, part := range strings.Split(s, ",") {
		hh, mm, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		h, err := strconv.Atoi(strings.TrimSpace(hh))
		if err != nil || h < 0 || h > 23 {
			continue
		}
		m, err := strconv.Atoi(strings.TrimSpace(mm))
		if err != nil || m < 0 || m > 59 {
			continue
		}
		out = append(out, TimeOfDay{Hour: h, Minute: m})
	}
	slices.SortFunc(out, func(a, b TimeOfDay) int {
		return (a.Hour*60 + a.Minute) - (b.Hour*60 + b.Minute)
	})
	return slices.Compact(out)
}

// ParseDaysOfMonth parses comma-separated days 1-31. Invalid entries are
// dropped.
func ParseDaysOfMonth(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || d < 1 || d > 31 {
			continue
		}
		out = append(out, d)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Location loads a scheduler timezone. Empty means UTC.
func Location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, model.E(model.KindInvalidInput, "invalid scheduler timezone %q", tz)
	}
	return loc, nil
}

// Validate reports the first problem with a weekday schedule.
func Validate(tz, weekdays, times string) error {
	if _, err := Location(tz); err != nil {
		return err
	}
	if len(ParseWeekdays(weekdays)) == 0 {
		return model.E(model.KindInvalidInput, "weekdays %q is empty or invalid", weekdays)
	}
	if len(ParseTimes(times)) == 0 {
		return model.E(model.KindInvalidInput, "times %q is empty or invalid", times)
	}
	return nil
}

// ValidateJob checks an enabled job schedule, which may use days of the
// month instead of weekdays.
func ValidateJob(tz string, cfg model.JobScheduleConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.DaysOfMonth) == "" {
		return Validate(tz, cfg.Weekdays, cfg.Times)
	}
	if _, err := Location(tz); err != nil {
		return err
	}
	if len(ParseDaysOfMonth(cfg.DaysOfMonth)) == 0 {
		return model.E(model.KindInvalidInput, "days of month %q is empty or invalid", cfg.DaysOfMonth)
	}
	if len(ParseTimes(cfg.Times)) == 0 {
		return model.E(model.KindInvalidInput, "times %q is empty or invalid", cfg.Times)
	}
	return nil
}
