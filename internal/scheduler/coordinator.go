package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
	"github.com/wojtczak/sygnal/internal/market"
	"github.com/wojtczak/sygnal/internal/work"
)

// Runner executes one schedule cycle and reports how many items it
// processed.
type Runner func(ctx context.Context) (int, error)

// SessionCloser settles a finished session: unresolved signals close at the
// last bar and undispatched ones expire.
type SessionCloser interface {
	CloseSession(ctx context.Context, sessionKey string) error
}

// CoordinatorConfig tunes the scheduler loop.
type CoordinatorConfig struct {
	// TickInterval is how often due schedules are checked.
	TickInterval time.Duration
	// CloseDelay is how long after the session close the settlement sweep
	// fires, leaving room for the final bars to arrive.
	CloseDelay time.Duration
	// ReloadInterval is how often the runtime config is re-read from disk.
	ReloadInterval time.Duration
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.CloseDelay <= 0 {
		c.CloseDelay = 5 * time.Minute
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 5 * time.Minute
	}
}

// Coordinator ticks through the schedules stored in cache.db and hands due
// ones to the worker pool. Each schedule coalesces on its name, so a slow
// run is never stacked behind a second copy of itself.
type Coordinator struct {
	cfg    CoordinatorConfig
	repo   *ScheduleRepository
	pool   *work.Pool
	cal    *market.Calendar
	closer SessionCloser
	reload func() (bool, error)
	events *events.Manager
	log    zerolog.Logger

	mu      sync.Mutex
	runners map[Kind]Runner
	cron    *cron.Cron
	started bool
}

// NewCoordinator wires the scheduler. closer and reload may be nil, which
// disables the session-close sweep and the periodic config reload.
func NewCoordinator(
	cfg CoordinatorConfig,
	repo *ScheduleRepository,
	pool *work.Pool,
	cal *market.Calendar,
	closer SessionCloser,
	reload func() (bool, error),
	eventManager *events.Manager,
	log zerolog.Logger,
) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:     cfg,
		repo:    repo,
		pool:    pool,
		cal:     cal,
		closer:  closer,
		reload:  reload,
		events:  eventManager,
		log:     log.With().Str("component", "scheduler").Logger(),
		runners: make(map[Kind]Runner),
	}
}

// Register binds a runner to a schedule kind. Later registrations replace
// earlier ones.
func (c *Coordinator) Register(kind Kind, runner Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runners[kind] = runner
}

func (c *Coordinator) runnerFor(kind Kind) Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runners[kind]
}

// Start begins ticking. The tick, the session-close sweep, and the config
// reload all run on one cron bound to the exchange timezone.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		c.log.Warn().Msg("Scheduler already started, ignoring")
		return nil
	}

	cr := cron.New(cron.WithSeconds(), cron.WithLocation(c.cal.Location()))

	if _, err := cr.AddFunc(fmt.Sprintf("@every %s", c.cfg.TickInterval), c.RunDue); err != nil {
		return fmt.Errorf("failed to register scheduler tick: %w", err)
	}

	closeSpec := c.closeSweepSpec()
	if c.closer != nil {
		if _, err := cr.AddFunc(closeSpec, c.sessionClose); err != nil {
			return fmt.Errorf("failed to register session close sweep: %w", err)
		}
	}

	if c.reload != nil {
		if _, err := cr.AddFunc(fmt.Sprintf("@every %s", c.cfg.ReloadInterval), c.runReload); err != nil {
			return fmt.Errorf("failed to register config reload: %w", err)
		}
	}

	cr.Start()
	c.cron = cr
	c.started = true
	c.log.Info().
		Str("tick", c.cfg.TickInterval.String()).
		Str("close_sweep", closeSpec).
		Msg("Scheduler started")
	return nil
}

// Stop halts the cron and waits for entries that are mid-flight. Jobs
// already handed to the worker pool finish under the pool's own shutdown.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	c.started = false
	c.log.Info().Msg("Scheduler stopped")
}

// closeSweepSpec builds the cron entry for the post-close settlement sweep
// in local wall time.
func (c *Coordinator) closeSweepSpec() string {
	wall := c.cal.CurrentSession().Close.In(c.cal.Location()).Add(c.cfg.CloseDelay)
	return fmt.Sprintf("%d %d %d * * MON-FRI", wall.Second(), wall.Minute(), wall.Hour())
}

// RunDue checks every due schedule once and dispatches the eligible ones.
// Called on each tick; safe to call directly.
func (c *Coordinator) RunDue() {
	now := c.cal.Now()
	due, err := c.repo.Due(now)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to load due schedules")
		return
	}
	for _, s := range due {
		c.dispatch(s, now)
	}
}

func (c *Coordinator) dispatch(s Schedule, now time.Time) {
	loc := c.cal.Location()

	if err := s.Validate(); err != nil {
		// A row edited behind the repository's back. Park it an hour out so
		// the log does not repeat every tick.
		c.log.Error().Err(err).Str("schedule", s.Name).Msg("Schedule failed validation, skipping")
		if err := c.repo.Advance(s.ID, now.Add(time.Hour)); err != nil {
			c.log.Error().Err(err).Str("schedule", s.Name).Msg("Failed to advance schedule")
		}
		return
	}

	holiday := s.SkipHolidays && !c.cal.IsTradingDay(now.In(loc))
	if holiday || !s.InWindow(now, loc) {
		next := s.NextAligned(now, loc, c.cal.IsTradingDay)
		if next.IsZero() {
			next = now.Add(s.Interval)
		}
		if err := c.repo.Advance(s.ID, next); err != nil {
			c.log.Error().Err(err).Str("schedule", s.Name).Msg("Failed to advance schedule")
			return
		}
		c.log.Debug().
			Str("schedule", s.Name).
			Time("next_run", next).
			Msg("Schedule outside active window, advanced")
		return
	}

	runner := c.runnerFor(s.Kind)
	if runner == nil {
		next := s.NextAligned(now, loc, c.cal.IsTradingDay)
		if next.IsZero() {
			next = now.Add(s.Interval)
		}
		c.recordFailure(s, now, next, 0, domain.NewConfigError(fmt.Sprintf("no runner registered for %s schedules", s.Kind)))
		return
	}

	submitted := c.pool.Submit(work.Job{
		Key:         "schedule:" + s.Name,
		Timeout:     jobTimeout(s),
		MaxAttempts: 1,
		Run: func(ctx context.Context) error {
			return c.runSchedule(ctx, s, runner)
		},
	})
	if !submitted {
		c.log.Debug().Str("schedule", s.Name).Msg("Schedule still running, coalesced")
	}
}

// jobTimeout bounds one schedule run. A signal cycle must finish inside its
// own period so a stale computation never publishes; collectors get slack
// for retry backoff.
func jobTimeout(s Schedule) time.Duration {
	if s.Kind == KindSignals {
		return s.Interval
	}
	return 2 * s.Interval
}

// runSchedule executes one cycle and records it. It always returns nil: the
// cadence itself is the retry policy, so the pool must not add its own.
func (c *Coordinator) runSchedule(ctx context.Context, s Schedule, runner Runner) error {
	started := c.cal.Now()

	execID, err := c.repo.StartExecution(s.ID, started)
	if err != nil {
		c.log.Warn().Err(err).Str("schedule", s.Name).Msg("Failed to open execution record")
	}

	items, runErr := runner(ctx)
	finished := c.cal.Now()

	next := s.NextAligned(finished, c.cal.Location(), c.cal.IsTradingDay)
	if next.IsZero() {
		next = finished.Add(s.Interval)
	}

	if runErr != nil {
		if execID != "" {
			if err := c.repo.FinishExecution(execID, ExecutionFailed, items, runErr.Error(), finished); err != nil {
				c.log.Warn().Err(err).Str("schedule", s.Name).Msg("Failed to close execution record")
			}
		}
		c.recordFailure(s, started, next, items, runErr)
		return nil
	}

	if execID != "" {
		if err := c.repo.FinishExecution(execID, ExecutionCompleted, items, "", finished); err != nil {
			c.log.Warn().Err(err).Str("schedule", s.Name).Msg("Failed to close execution record")
		}
	}
	if err := c.repo.MarkSuccess(s.ID, started, next); err != nil {
		c.log.Error().Err(err).Str("schedule", s.Name).Msg("Failed to record schedule success")
	}
	c.log.Info().
		Str("schedule", s.Name).
		Int("items", items).
		Dur("duration", finished.Sub(started)).
		Time("next_run", next).
		Msg("Schedule run completed")
	return nil
}

// recordFailure advances the failure streak and emits a ScheduleFailed
// event. The schedule keeps its cadence regardless; will_retry only tells
// listeners whether the streak is still inside the retry budget.
func (c *Coordinator) recordFailure(s Schedule, ranAt, next time.Time, items int, runErr error) {
	streak, err := c.repo.MarkFailure(s.ID, ranAt, next)
	if err != nil {
		c.log.Error().Err(err).Str("schedule", s.Name).Msg("Failed to record schedule failure")
		streak = s.ConsecutiveFailures + 1
	}

	c.log.Error().
		Err(runErr).
		Str("schedule", s.Name).
		Int("items", items).
		Int("consecutive_failures", streak).
		Msg("Schedule run failed")

	if c.events != nil {
		c.events.EmitTyped(events.ScheduleFailed, "scheduler", &events.ScheduleFailedData{
			Schedule:    s.Name,
			Error:       runErr.Error(),
			Consecutive: streak,
			WillRetry:   streak < s.MaxRetries,
		})
	}
}

// sessionClose queues the post-close settlement sweep for today's session.
func (c *Coordinator) sessionClose() {
	if c.closer == nil {
		return
	}
	now := c.cal.Now()
	if !c.cal.IsTradingDay(now.In(c.cal.Location())) {
		c.log.Debug().Msg("No session today, skipping close sweep")
		return
	}

	key := now.In(c.cal.Location()).Format("2006-01-02")
	submitted := c.pool.Submit(work.Job{
		Key:         "session_close:" + key,
		Timeout:     10 * time.Minute,
		MaxAttempts: 3,
		Run: func(ctx context.Context) error {
			return c.closer.CloseSession(ctx, key)
		},
	})
	if !submitted {
		c.log.Warn().Str("session", key).Msg("Session close sweep already queued")
		return
	}
	c.log.Info().Str("session", key).Msg("Session close sweep queued")
}

// runReload re-reads the runtime config. Emits only when something changed
// or the reload failed.
func (c *Coordinator) runReload() {
	changed, err := c.reload()
	if err != nil {
		c.log.Error().Err(err).Msg("Config reload failed, keeping previous snapshot")
	} else if changed {
		c.log.Info().Msg("Config reloaded")
	}

	if c.events != nil && (changed || err != nil) {
		data := &events.ConfigReloadedData{Changed: changed}
		if err != nil {
			data.Error = err.Error()
		}
		c.events.EmitTyped(events.ConfigReloaded, "scheduler", data)
	}
}

// RunNow queues the named schedule immediately, bypassing its window.
func (c *Coordinator) RunNow(name string) error {
	s, err := c.repo.ByName(name)
	if err != nil {
		return err
	}
	if s == nil {
		return domain.NewMalformedError(fmt.Sprintf("unknown schedule %q", name))
	}

	runner := c.runnerFor(s.Kind)
	if runner == nil {
		return domain.NewConfigError(fmt.Sprintf("no runner registered for %s schedules", s.Kind))
	}

	sched := *s
	submitted := c.pool.Submit(work.Job{
		Key:         "schedule:" + sched.Name,
		Timeout:     jobTimeout(sched),
		MaxAttempts: 1,
		Run: func(ctx context.Context) error {
			return c.runSchedule(ctx, sched, runner)
		},
	})
	if !submitted {
		return domain.NewTransientError("run schedule "+name, errors.New("already running"))
	}
	c.log.Info().Str("schedule", name).Msg("Schedule run requested")
	return nil
}
