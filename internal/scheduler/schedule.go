// Package scheduler drives the collection, signal, and outcome cadences
// recorded in cache.db, and fires the session-close sweep after the GPW
// closes.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/wojtczak/sygnal/internal/domain"
)

// Kind names what a schedule runs.
type Kind string

const (
	KindPrice       Kind = "price"
	KindNews        Kind = "news"
	KindSignals     Kind = "signals"
	KindOutcomes    Kind = "outcomes"
	KindMaintenance Kind = "maintenance"
)

// Execution statuses.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

const fullDay = 24 * time.Hour

// Weekdays is a bitset of active days, bit 0 = Monday through bit 6 = Sunday.
type Weekdays uint8

// MonFri and EveryDay are the two day sets the default schedules use.
const (
	MonFri   Weekdays = 0o37 // Mon..Fri
	EveryDay Weekdays = 0o177
)

var weekdayNames = [7]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

func weekdayBit(d time.Weekday) Weekdays {
	// time.Weekday counts from Sunday; the bitset counts from Monday.
	return 1 << ((int(d) + 6) % 7)
}

// Contains reports whether the set includes the given weekday.
func (w Weekdays) Contains(d time.Weekday) bool {
	return w&weekdayBit(d) != 0
}

// String renders the set as the comma list stored in cache.db.
func (w Weekdays) String() string {
	parts := make([]string, 0, 7)
	for i, name := range weekdayNames {
		if w&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseWeekdays parses the stored comma list ("mon,tue,fri").
func ParseWeekdays(s string) (Weekdays, error) {
	var w Weekdays
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		found := false
		for i, name := range weekdayNames {
			if part == name {
				w |= 1 << i
				found = true
				break
			}
		}
		if !found {
			return 0, domain.NewMalformedError(fmt.Sprintf("unknown weekday %q", part))
		}
	}
	return w, nil
}

// Schedule is one recurring cadence. ActiveStart/ActiveEnd are "HH:MM" in
// exchange-local time; an end before the start wraps past midnight, and
// equal bounds mean the whole day.
type Schedule struct {
	ID                  int64
	Name                string
	Kind                Kind
	Interval            time.Duration
	ActiveStart         string
	ActiveEnd           string
	Days                Weekdays
	SkipHolidays        bool
	IsActive            bool
	MaxRetries          int
	ConsecutiveFailures int
	ConfigJSON          string
	LastRunAt           *time.Time
	NextRunAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Validate checks the schedule is runnable.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return domain.NewConfigError("schedule name is required")
	}
	switch s.Kind {
	case KindPrice, KindNews, KindSignals, KindOutcomes, KindMaintenance:
	default:
		return domain.NewConfigError(fmt.Sprintf("unknown schedule kind %q", s.Kind))
	}
	if s.Interval < time.Minute || s.Interval > fullDay {
		return domain.NewConfigError(fmt.Sprintf("schedule interval %s outside [1m, 24h]", s.Interval))
	}
	if _, _, err := s.bounds(); err != nil {
		return err
	}
	if s.Days == 0 {
		return domain.NewConfigError("schedule has no active days")
	}
	if s.MaxRetries < 0 {
		return domain.NewConfigError("schedule max retries cannot be negative")
	}
	return nil
}

func (s Schedule) bounds() (start, end time.Duration, err error) {
	start, err = parseWall(s.ActiveStart)
	if err != nil {
		return 0, 0, domain.NewConfigError(fmt.Sprintf("invalid active window start %q", s.ActiveStart))
	}
	end, err = parseWall(s.ActiveEnd)
	if err != nil {
		return 0, 0, domain.NewConfigError(fmt.Sprintf("invalid active window end %q", s.ActiveEnd))
	}
	return start, end, nil
}

func parseWall(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

type segment struct{ from, to time.Duration }

// segments lists the active intervals as offsets from local midnight. A
// wrapping window yields the morning tail first.
func (s Schedule) segments() ([]segment, error) {
	start, end, err := s.bounds()
	if err != nil {
		return nil, err
	}
	switch {
	case start == end:
		return []segment{{0, fullDay}}, nil
	case start < end:
		return []segment{{start, end}}, nil
	default:
		return []segment{{0, end}, {start, fullDay}}, nil
	}
}

// InWindow reports whether t falls inside the schedule's active window.
// Holiday handling is the caller's concern.
func (s Schedule) InWindow(t time.Time, loc *time.Location) bool {
	local := t.In(loc)
	if !s.Days.Contains(local.Weekday()) {
		return false
	}
	start, end, err := s.bounds()
	if err != nil {
		return false
	}
	off := wallOffset(local)
	switch {
	case start == end:
		return true
	case start < end:
		return off >= start && off < end
	default:
		return off >= start || off < end
	}
}

// NextAligned returns the first interval boundary strictly after 'after'
// that falls inside the active window. Boundaries align to local midnight,
// so a 5 minute schedule fires at :00, :05, :10 regardless of when the
// previous run finished. Returns the zero time when no eligible window
// exists within 62 days.
func (s Schedule) NextAligned(after time.Time, loc *time.Location, isTradingDay func(time.Time) bool) time.Time {
	segs, err := s.segments()
	if err != nil || s.Interval <= 0 {
		return time.Time{}
	}

	local := after.In(loc)
	for dayIdx := 0; dayIdx < 62; dayIdx++ {
		d := local.AddDate(0, 0, dayIdx)
		midnight := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
		if !s.Days.Contains(midnight.Weekday()) {
			continue
		}
		if s.SkipHolidays && isTradingDay != nil && !isTradingDay(midnight) {
			continue
		}
		for _, seg := range segs {
			from := ceilTo(seg.from, s.Interval)
			if dayIdx == 0 {
				next := wallOffset(local)/s.Interval*s.Interval + s.Interval
				if next > from {
					from = next
				}
			}
			if from < seg.to {
				return midnight.Add(from)
			}
		}
	}
	return time.Time{}
}

func wallOffset(local time.Time) time.Duration {
	return time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
}

func ceilTo(d, step time.Duration) time.Duration {
	return (d + step - 1) / step * step
}

// Execution is one recorded schedule run.
type Execution struct {
	ID             string     `json:"id"`
	ScheduleID     int64      `json:"schedule_id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	Status         string     `json:"status"`
	ItemsProcessed int        `json:"items_processed"`
	Error          string     `json:"error,omitempty"`
}

// DefaultSchedules returns the seeded cadences: prices every 5 minutes and
// signals, news, and outcomes every 30 minutes during the session, a slow
// off-hours news poll that wraps past midnight, and nightly maintenance.
func DefaultSchedules(openLocal, closeLocal string) []Schedule {
	session := func(name string, kind Kind, every time.Duration) Schedule {
		return Schedule{
			Name:         name,
			Kind:         kind,
			Interval:     every,
			ActiveStart:  openLocal,
			ActiveEnd:    closeLocal,
			Days:         MonFri,
			SkipHolidays: true,
			IsActive:     true,
			MaxRetries:   3,
		}
	}

	offHours := Schedule{
		Name:        "collect_news_offhours",
		Kind:        KindNews,
		Interval:    2 * time.Hour,
		ActiveStart: closeLocal,
		ActiveEnd:   openLocal,
		Days:        EveryDay,
		IsActive:    true,
		MaxRetries:  3,
	}

	// An hourly interval inside a one hour window fires exactly once, at
	// the 02:00 boundary.
	maintenance := Schedule{
		Name:        "nightly_maintenance",
		Kind:        KindMaintenance,
		Interval:    time.Hour,
		ActiveStart: "02:00",
		ActiveEnd:   "03:00",
		Days:        EveryDay,
		IsActive:    true,
		MaxRetries:  1,
	}

	return []Schedule{
		session("collect_prices", KindPrice, 5*time.Minute),
		session("collect_news_session", KindNews, 30*time.Minute),
		offHours,
		session("signal_cycle", KindSignals, 30*time.Minute),
		session("resolve_outcomes", KindOutcomes, 30*time.Minute),
		maintenance,
	}
}
