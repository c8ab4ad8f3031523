// Package market provides the Warsaw Stock Exchange calendar: session
// windows, trading-day checks, and the Polish holiday table.
package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/wojtczak/sygnal/internal/domain"
)

// DefaultOpenLocal and DefaultCloseLocal are the GPW continuous-trading
// session bounds in Europe/Warsaw local time.
const (
	DefaultOpenLocal  = "09:00"
	DefaultCloseLocal = "17:00"

	// Pre-market window start. The window ends at session open.
	preMarketOpenLocal = "07:00"
)

// Config holds calendar configuration.
type Config struct {
	// OpenLocal / CloseLocal override the session bounds, "HH:MM" local.
	OpenLocal  string
	CloseLocal string
	// ExtraHolidays are "YYYY-MM-DD" dates added to the built-in table.
	ExtraHolidays []string
}

// Calendar answers trading-day and session-window questions for the GPW.
// All methods are safe for concurrent use after construction.
type Calendar struct {
	loc          *time.Location
	clock        domain.Clock
	openMinutes  int // minutes after local midnight
	closeMinutes int
	preMinutes   int
	extra        map[string]bool

	mu           sync.Mutex
	holidayCache map[int]map[string]bool
}

// NewCalendar builds a GPW calendar. The clock is injectable for tests;
// pass domain.SystemClock() in production.
func NewCalendar(cfg Config, clock domain.Clock) (*Calendar, error) {
	loc, err := time.LoadLocation("Europe/Warsaw")
	if err != nil {
		return nil, fmt.Errorf("failed to load Europe/Warsaw timezone: %w", err)
	}

	if cfg.OpenLocal == "" {
		cfg.OpenLocal = DefaultOpenLocal
	}
	if cfg.CloseLocal == "" {
		cfg.CloseLocal = DefaultCloseLocal
	}

	openMin, err := parseWallMinutes(cfg.OpenLocal)
	if err != nil {
		return nil, fmt.Errorf("invalid session open %q: %w", cfg.OpenLocal, err)
	}
	closeMin, err := parseWallMinutes(cfg.CloseLocal)
	if err != nil {
		return nil, fmt.Errorf("invalid session close %q: %w", cfg.CloseLocal, err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("session close %q must be after open %q", cfg.CloseLocal, cfg.OpenLocal)
	}
	preMin, _ := parseWallMinutes(preMarketOpenLocal)

	extra := make(map[string]bool, len(cfg.ExtraHolidays))
	for _, d := range cfg.ExtraHolidays {
		if _, err := time.ParseInLocation("2006-01-02", d, loc); err != nil {
			return nil, fmt.Errorf("invalid extra holiday %q: %w", d, err)
		}
		extra[d] = true
	}

	return &Calendar{
		loc:          loc,
		clock:        clock,
		openMinutes:  openMin,
		closeMinutes: closeMin,
		preMinutes:   preMin,
		extra:        extra,
		holidayCache: make(map[int]map[string]bool),
	}, nil
}

// parseWallMinutes parses "HH:MM" into minutes after midnight.
func parseWallMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Now returns the current instant in UTC.
func (c *Calendar) Now() time.Time {
	return c.clock.Now().UTC()
}

// LocalNow returns the current instant in Europe/Warsaw.
func (c *Calendar) LocalNow() time.Time {
	return c.clock.Now().In(c.loc)
}

// IsTradingDay reports whether the GPW trades on the given date. Weekends,
// Polish public holidays, and configured extra holidays are closed.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	return !c.isHoliday(local)
}

// SessionFor builds the session window for the calendar date containing t.
func (c *Calendar) SessionFor(t time.Time) domain.Session {
	local := t.In(c.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)

	return domain.Session{
		Date:         midnight,
		Open:         midnight.Add(time.Duration(c.openMinutes) * time.Minute),
		Close:        midnight.Add(time.Duration(c.closeMinutes) * time.Minute),
		IsTradingDay: c.IsTradingDay(local),
	}
}

// CurrentSession returns the session for today.
func (c *Calendar) CurrentSession() domain.Session {
	return c.SessionFor(c.clock.Now())
}

// IsInSession reports whether t falls inside an open trading session.
func (c *Calendar) IsInSession(t time.Time) bool {
	s := c.SessionFor(t)
	return s.IsTradingDay && s.Contains(t)
}

// IsPreMarket reports whether t falls in the pre-market window
// [07:00, open) on a trading day.
func (c *Calendar) IsPreMarket(t time.Time) bool {
	s := c.SessionFor(t)
	if !s.IsTradingDay {
		return false
	}
	pre := s.Date.Add(time.Duration(c.preMinutes) * time.Minute)
	local := t.In(c.loc)
	return !local.Before(pre) && local.Before(s.Open)
}

// NextSessionOpen returns the open time of the next trading session strictly
// after t. Scans up to 30 days ahead, enough to cross any holiday cluster.
func (c *Calendar) NextSessionOpen(t time.Time) (time.Time, error) {
	local := t.In(c.loc)
	for i := 0; i < 30; i++ {
		day := local.AddDate(0, 0, i)
		s := c.SessionFor(day)
		if !s.IsTradingDay {
			continue
		}
		if s.Open.After(local) {
			return s.Open, nil
		}
	}
	return time.Time{}, fmt.Errorf("no trading session found within 30 days of %s", local.Format("2006-01-02"))
}

// isHoliday checks the built-in Polish holiday table plus extras.
// Caller passes a Europe/Warsaw local time.
func (c *Calendar) isHoliday(local time.Time) bool {
	key := local.Format("2006-01-02")
	if c.extra[key] {
		return true
	}
	return c.holidaysForYear(local.Year())[key]
}

// holidaysForYear computes and caches the GPW closure dates for a year.
func (c *Calendar) holidaysForYear(year int) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if days, ok := c.holidayCache[year]; ok {
		return days
	}

	days := make(map[string]bool, 16)
	add := func(t time.Time) { days[t.Format("2006-01-02")] = true }

	// Fixed-date public holidays.
	add(time.Date(year, 1, 1, 0, 0, 0, 0, c.loc))   // New Year
	add(time.Date(year, 1, 6, 0, 0, 0, 0, c.loc))   // Epiphany
	add(time.Date(year, 5, 1, 0, 0, 0, 0, c.loc))   // Labour Day
	add(time.Date(year, 5, 3, 0, 0, 0, 0, c.loc))   // Constitution Day
	add(time.Date(year, 8, 15, 0, 0, 0, 0, c.loc))  // Assumption
	add(time.Date(year, 11, 1, 0, 0, 0, 0, c.loc))  // All Saints
	add(time.Date(year, 11, 11, 0, 0, 0, 0, c.loc)) // Independence Day
	add(time.Date(year, 12, 24, 0, 0, 0, 0, c.loc)) // Christmas Eve (exchange closure)
	add(time.Date(year, 12, 25, 0, 0, 0, 0, c.loc)) // Christmas
	add(time.Date(year, 12, 26, 0, 0, 0, 0, c.loc)) // Boxing Day
	add(time.Date(year, 12, 31, 0, 0, 0, 0, c.loc)) // New Year's Eve (exchange closure)

	// Movable feasts derived from Easter Sunday.
	easter := gregorianEaster(year, c.loc)
	add(easter.AddDate(0, 0, -2)) // Good Friday (exchange closure)
	add(easter.AddDate(0, 0, 1))  // Easter Monday
	add(easter.AddDate(0, 0, 60)) // Corpus Christi

	c.holidayCache[year] = days
	return days
}

// gregorianEaster computes Easter Sunday with the Gregorian computus.
func gregorianEaster(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	cc := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := cc / 4
	k := cc % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451

	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}
