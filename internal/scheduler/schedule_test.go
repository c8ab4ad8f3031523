package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wojtczak/sygnal/internal/domain"
)

func warsawLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)
	return loc
}

// localTime parses "2006-01-02 15:04" in the given location.
func localTime(t *testing.T, loc *time.Location, value string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return ts
}

func sessionSchedule() Schedule {
	return Schedule{
		ID:           1,
		Name:         "collect_prices",
		Kind:         KindPrice,
		Interval:     5 * time.Minute,
		ActiveStart:  "09:00",
		ActiveEnd:    "17:00",
		Days:         MonFri,
		SkipHolidays: true,
		IsActive:     true,
		MaxRetries:   3,
	}
}

func TestParseWeekdays_RoundTrip(t *testing.T) {
	w, err := ParseWeekdays("mon,wed,fri")
	require.NoError(t, err)

	assert.True(t, w.Contains(time.Monday))
	assert.True(t, w.Contains(time.Wednesday))
	assert.True(t, w.Contains(time.Friday))
	assert.False(t, w.Contains(time.Tuesday))
	assert.False(t, w.Contains(time.Sunday))
	assert.Equal(t, "mon,wed,fri", w.String())
}

func TestParseWeekdays_NormalizesCaseAndSpace(t *testing.T) {
	w, err := ParseWeekdays(" MON , Tue ")
	require.NoError(t, err)
	assert.True(t, w.Contains(time.Monday))
	assert.True(t, w.Contains(time.Tuesday))
	assert.False(t, w.Contains(time.Wednesday))
}

func TestParseWeekdays_RejectsUnknownDay(t *testing.T) {
	_, err := ParseWeekdays("mon,funday")
	require.Error(t, err)
	assert.Equal(t, domain.KindMalformed, domain.KindOf(err))
}

func TestWeekdays_Constants(t *testing.T) {
	assert.Equal(t, "mon,tue,wed,thu,fri", MonFri.String())
	assert.False(t, MonFri.Contains(time.Saturday))
	assert.True(t, EveryDay.Contains(time.Saturday))
	assert.True(t, EveryDay.Contains(time.Sunday))
}

func TestSchedule_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Schedule)
		wantErr string
	}{
		{"valid", func(*Schedule) {}, ""},
		{"missing name", func(s *Schedule) { s.Name = " " }, "name is required"},
		{"unknown kind", func(s *Schedule) { s.Kind = "rebalance" }, "unknown schedule kind"},
		{"interval too short", func(s *Schedule) { s.Interval = 30 * time.Second }, "outside [1m, 24h]"},
		{"interval too long", func(s *Schedule) { s.Interval = 25 * time.Hour }, "outside [1m, 24h]"},
		{"bad window start", func(s *Schedule) { s.ActiveStart = "9am" }, "invalid active window start"},
		{"bad window end", func(s *Schedule) { s.ActiveEnd = "25:00" }, "invalid active window end"},
		{"no days", func(s *Schedule) { s.Days = 0 }, "no active days"},
		{"negative retries", func(s *Schedule) { s.MaxRetries = -1 }, "cannot be negative"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := sessionSchedule()
			tc.mutate(&s)
			err := s.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			assert.Equal(t, domain.KindConfig, domain.KindOf(err))
		})
	}
}

func TestSchedule_InWindow(t *testing.T) {
	loc := warsawLoc(t)
	s := sessionSchedule()

	// 2026-02-02 is a Monday.
	assert.True(t, s.InWindow(localTime(t, loc, "2026-02-02 09:00"), loc))
	assert.True(t, s.InWindow(localTime(t, loc, "2026-02-02 11:00"), loc))
	assert.False(t, s.InWindow(localTime(t, loc, "2026-02-02 08:59"), loc), "window opens at 09:00")
	assert.False(t, s.InWindow(localTime(t, loc, "2026-02-02 17:00"), loc), "end bound is exclusive")
	assert.False(t, s.InWindow(localTime(t, loc, "2026-02-07 11:00"), loc), "Saturday is not an active day")
}

func TestSchedule_InWindowWrapsPastMidnight(t *testing.T) {
	loc := warsawLoc(t)
	s := sessionSchedule()
	s.ActiveStart = "17:00"
	s.ActiveEnd = "09:00"
	s.Days = EveryDay

	assert.True(t, s.InWindow(localTime(t, loc, "2026-02-02 18:00"), loc))
	assert.True(t, s.InWindow(localTime(t, loc, "2026-02-03 03:00"), loc))
	assert.False(t, s.InWindow(localTime(t, loc, "2026-02-02 12:00"), loc))
}

func TestSchedule_InWindowEqualBoundsMeansFullDay(t *testing.T) {
	loc := warsawLoc(t)
	s := sessionSchedule()
	s.ActiveStart = "00:00"
	s.ActiveEnd = "00:00"

	assert.True(t, s.InWindow(localTime(t, loc, "2026-02-02 03:30"), loc))
	assert.True(t, s.InWindow(localTime(t, loc, "2026-02-02 23:59"), loc))
}

func TestSchedule_NextAligned(t *testing.T) {
	loc := warsawLoc(t)
	s := sessionSchedule()

	cases := []struct {
		name  string
		after string
		want  string
	}{
		{"aligns to next boundary", "2026-02-02 10:02", "2026-02-02 10:05"},
		{"exactly on a boundary moves forward", "2026-02-02 10:00", "2026-02-02 10:05"},
		{"last slot of the day", "2026-02-02 16:53", "2026-02-02 16:55"},
		{"after last slot rolls to next morning", "2026-02-02 16:58", "2026-02-03 09:00"},
		{"before open snaps to open", "2026-02-02 06:15", "2026-02-02 09:00"},
		{"Friday evening rolls to Monday", "2026-02-06 16:59", "2026-02-09 09:00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.NextAligned(localTime(t, loc, tc.after), loc, nil)
			want := localTime(t, loc, tc.want)
			assert.True(t, got.Equal(want), "got %s, want %s", got, want)
		})
	}
}

func TestSchedule_NextAlignedSkipsHolidays(t *testing.T) {
	loc := warsawLoc(t)
	s := sessionSchedule()

	// Treat Tuesday 2026-02-03 as a holiday.
	tradingDay := func(t time.Time) bool {
		return !(t.Month() == time.February && t.Day() == 3)
	}

	got := s.NextAligned(localTime(t, loc, "2026-02-02 16:58"), loc, tradingDay)
	want := localTime(t, loc, "2026-02-04 09:00")
	assert.True(t, got.Equal(want), "got %s, want %s", got, want)
}

func TestSchedule_NextAlignedHolidayIgnoredWhenNotSkipping(t *testing.T) {
	loc := warsawLoc(t)
	s := sessionSchedule()
	s.SkipHolidays = false

	tradingDay := func(time.Time) bool { return false }

	got := s.NextAligned(localTime(t, loc, "2026-02-02 16:58"), loc, tradingDay)
	want := localTime(t, loc, "2026-02-03 09:00")
	assert.True(t, got.Equal(want), "got %s, want %s", got, want)
}

func TestSchedule_NextAlignedWrapWindow(t *testing.T) {
	loc := warsawLoc(t)
	s := sessionSchedule()
	s.Interval = 2 * time.Hour
	s.ActiveStart = "17:00"
	s.ActiveEnd = "09:00"
	s.Days = EveryDay
	s.SkipHolidays = false

	cases := []struct {
		name  string
		after string
		want  string
	}{
		{"evening slot", "2026-02-02 18:30", "2026-02-02 20:00"},
		{"late night rolls into the morning tail", "2026-02-02 23:30", "2026-02-03 00:00"},
		{"early morning stays in the tail", "2026-02-03 03:15", "2026-02-03 04:00"},
		{"midday jumps to the evening", "2026-02-03 12:00", "2026-02-03 18:00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.NextAligned(localTime(t, loc, tc.after), loc, nil)
			want := localTime(t, loc, tc.want)
			assert.True(t, got.Equal(want), "got %s, want %s", got, want)
		})
	}
}

func TestSchedule_NextAlignedNoEligibleDay(t *testing.T) {
	loc := warsawLoc(t)
	s := sessionSchedule()
	s.Days = 0

	got := s.NextAligned(localTime(t, loc, "2026-02-02 10:00"), loc, nil)
	assert.True(t, got.IsZero())
}

func TestDefaultSchedules(t *testing.T) {
	defaults := DefaultSchedules("09:00", "17:00")
	require.Len(t, defaults, 6)

	byName := make(map[string]Schedule, len(defaults))
	for _, s := range defaults {
		require.NoError(t, s.Validate(), "default schedule %s must validate", s.Name)
		byName[s.Name] = s
	}

	assert.Equal(t, 5*time.Minute, byName["collect_prices"].Interval)
	assert.Equal(t, KindSignals, byName["signal_cycle"].Kind)
	assert.Equal(t, 30*time.Minute, byName["resolve_outcomes"].Interval)

	offHours := byName["collect_news_offhours"]
	assert.Equal(t, "17:00", offHours.ActiveStart)
	assert.Equal(t, "09:00", offHours.ActiveEnd)
	assert.Equal(t, EveryDay, offHours.Days)
	assert.False(t, offHours.SkipHolidays, "news keeps flowing on holidays")

	maintenance := byName["nightly_maintenance"]
	assert.Equal(t, KindMaintenance, maintenance.Kind)
	assert.Equal(t, EveryDay, maintenance.Days)
	assert.False(t, maintenance.SkipHolidays)
}

func TestDefaultMaintenanceFiresOnceNightly(t *testing.T) {
	loc := warsawLoc(t)
	var maintenance Schedule
	for _, s := range DefaultSchedules("09:00", "17:00") {
		if s.Name == "nightly_maintenance" {
			maintenance = s
		}
	}
	require.NotEmpty(t, maintenance.Name)

	// From mid-afternoon the next slot is 02:00 the following day.
	got := maintenance.NextAligned(localTime(t, loc, "2026-02-02 14:00"), loc, nil)
	assert.Equal(t, localTime(t, loc, "2026-02-03 02:00"), got)

	// Right after a 02:00 run the 03:00 boundary is outside the window,
	// so the slot after that is 02:00 again a day later.
	got = maintenance.NextAligned(localTime(t, loc, "2026-02-03 02:00"), loc, nil)
	assert.Equal(t, localTime(t, loc, "2026-02-04 02:00"), got)
}
