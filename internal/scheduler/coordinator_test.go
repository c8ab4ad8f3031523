package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
	"github.com/wojtczak/sygnal/internal/market"
	"github.com/wojtczak/sygnal/internal/work"
)

// mondayMorning is 11:00 in Warsaw, inside the default session window.
var mondayMorning = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

type coordFixture struct {
	t     *testing.T
	repo  *ScheduleRepository
	pool  *work.Pool
	coord *Coordinator

	mu       sync.Mutex
	failed   []events.Event
	reloaded []events.Event
}

func newCoordFixture(t *testing.T, now time.Time, closer SessionCloser, reload func() (bool, error)) *coordFixture {
	t.Helper()

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewScheduleRepository(setupScheduleDB(t), logger)

	pool := work.NewPool(work.PoolConfig{Workers: 2, QueueSize: 8, RetryDelay: 10 * time.Millisecond}, logger)
	pool.Start()
	t.Cleanup(pool.Stop)

	cal, err := market.NewCalendar(market.Config{}, domain.ClockFunc(func() time.Time { return now }))
	require.NoError(t, err)

	f := &coordFixture{t: t, repo: repo, pool: pool}

	bus := events.NewBus(logger)
	bus.Subscribe(events.ScheduleFailed, func(e *events.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.failed = append(f.failed, *e)
	})
	bus.Subscribe(events.ConfigReloaded, func(e *events.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reloaded = append(f.reloaded, *e)
	})

	f.coord = NewCoordinator(CoordinatorConfig{}, repo, pool, cal, closer, reload, events.NewManager(bus, logger), logger)
	return f
}

func (f *coordFixture) seed(s Schedule) Schedule {
	f.t.Helper()
	_, err := f.repo.Seed([]Schedule{s})
	require.NoError(f.t, err)
	stored, err := f.repo.ByName(s.Name)
	require.NoError(f.t, err)
	require.NotNil(f.t, stored)
	return *stored
}

func (f *coordFixture) failedEvents() []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Event(nil), f.failed...)
}

func (f *coordFixture) reloadedEvents() []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Event(nil), f.reloaded...)
}

func (f *coordFixture) waitForNextRun(name string) Schedule {
	f.t.Helper()
	var out Schedule
	require.Eventually(f.t, func() bool {
		s, err := f.repo.ByName(name)
		if err != nil || s == nil || s.NextRunAt == nil {
			return false
		}
		out = *s
		return true
	}, 2*time.Second, 10*time.Millisecond, "schedule %s never finished a run", name)
	return out
}

func TestCoordinator_RunDueExecutesSchedule(t *testing.T) {
	f := newCoordFixture(t, mondayMorning, nil, nil)
	seeded := f.seed(sessionSchedule())

	ran := make(chan struct{})
	f.coord.Register(KindPrice, func(ctx context.Context) (int, error) {
		close(ran)
		return 7, nil
	})

	f.coord.RunDue()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("runner was never invoked")
	}

	s := f.waitForNextRun("collect_prices")
	require.NotNil(t, s.LastRunAt)
	assert.True(t, s.LastRunAt.Equal(mondayMorning))
	// 11:00 Warsaw on a 5 minute cadence aligns to 11:05 local.
	assert.True(t, s.NextRunAt.Equal(mondayMorning.Add(5*time.Minute)), "got %s", s.NextRunAt)
	assert.Equal(t, 0, s.ConsecutiveFailures)

	execs, err := f.repo.RecentExecutions(seeded.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionCompleted, execs[0].Status)
	assert.Equal(t, 7, execs[0].ItemsProcessed)
	require.NotNil(t, execs[0].FinishedAt)
}

func TestCoordinator_SlowRunCoalesces(t *testing.T) {
	f := newCoordFixture(t, mondayMorning, nil, nil)
	f.seed(sessionSchedule())

	release := make(chan struct{})
	var runs atomic.Int32
	f.coord.Register(KindPrice, func(ctx context.Context) (int, error) {
		runs.Add(1)
		<-release
		return 0, nil
	})

	f.coord.RunDue()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The schedule is still due, but its job key is held by the running copy.
	f.coord.RunDue()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "a second tick must not stack a second run")

	close(release)
	f.waitForNextRun("collect_prices")
	assert.Equal(t, int32(1), runs.Load())
}

func TestCoordinator_FailureRecordsStreakAndEmits(t *testing.T) {
	f := newCoordFixture(t, mondayMorning, nil, nil)
	seeded := f.seed(Schedule{
		Name: "collect_news_session", Kind: KindNews, Interval: 30 * time.Minute,
		ActiveStart: "09:00", ActiveEnd: "17:00", Days: MonFri, SkipHolidays: true,
		IsActive: true, MaxRetries: 3,
	})

	f.coord.Register(KindNews, func(ctx context.Context) (int, error) {
		return 3, domain.NewTransientError("fetch articles", errors.New("timeout"))
	})

	f.coord.RunDue()

	require.Eventually(t, func() bool { return len(f.failedEvents()) == 1 }, 2*time.Second, 10*time.Millisecond)

	e := f.failedEvents()[0]
	assert.Equal(t, "scheduler", e.Module)
	assert.Equal(t, "collect_news_session", e.Data["schedule"])
	assert.Contains(t, e.Data["error"], "fetch articles")
	assert.Equal(t, float64(1), e.Data["consecutive"])
	assert.Equal(t, true, e.Data["will_retry"])

	s, err := f.repo.ByName("collect_news_session")
	require.NoError(t, err)
	assert.Equal(t, 1, s.ConsecutiveFailures)
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.Equal(mondayMorning.Add(30*time.Minute)), "failure still advances the cadence")

	execs, err := f.repo.RecentExecutions(seeded.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionFailed, execs[0].Status)
	assert.Equal(t, 3, execs[0].ItemsProcessed)
	assert.Contains(t, execs[0].Error, "fetch articles")
}

func TestCoordinator_OutOfWindowAdvancesWithoutRunning(t *testing.T) {
	// 18:30 in Warsaw, after the session window.
	evening := time.Date(2026, 2, 2, 17, 30, 0, 0, time.UTC)
	f := newCoordFixture(t, evening, nil, nil)
	f.seed(sessionSchedule())

	var ran atomic.Bool
	f.coord.Register(KindPrice, func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 0, nil
	})

	f.coord.RunDue()

	assert.False(t, ran.Load(), "an out-of-window schedule must not run")

	s, err := f.repo.ByName("collect_prices")
	require.NoError(t, err)
	require.NotNil(t, s.NextRunAt)
	// Next boundary is Tuesday 09:00 Warsaw, 08:00 UTC.
	assert.True(t, s.NextRunAt.Equal(time.Date(2026, 2, 3, 8, 0, 0, 0, time.UTC)), "got %s", s.NextRunAt)
	assert.Nil(t, s.LastRunAt)
}

func TestCoordinator_HolidayAdvancesWithoutRunning(t *testing.T) {
	// New Year 2026 falls on a Thursday; 11:00 Warsaw is inside the window.
	newYear := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	f := newCoordFixture(t, newYear, nil, nil)
	f.seed(sessionSchedule())

	var ran atomic.Bool
	f.coord.Register(KindPrice, func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 0, nil
	})

	f.coord.RunDue()

	assert.False(t, ran.Load())

	s, err := f.repo.ByName("collect_prices")
	require.NoError(t, err)
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.Equal(time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)), "got %s", s.NextRunAt)
}

func TestCoordinator_MissingRunnerIsConfigFailure(t *testing.T) {
	f := newCoordFixture(t, mondayMorning, nil, nil)
	f.seed(Schedule{
		Name: "signal_cycle", Kind: KindSignals, Interval: 30 * time.Minute,
		ActiveStart: "09:00", ActiveEnd: "17:00", Days: MonFri, SkipHolidays: true,
		IsActive: true, MaxRetries: 3,
	})

	f.coord.RunDue()

	failed := f.failedEvents()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Data["error"], "no runner registered")

	s, err := f.repo.ByName("signal_cycle")
	require.NoError(t, err)
	assert.Equal(t, 1, s.ConsecutiveFailures)
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.Equal(mondayMorning.Add(30*time.Minute)))
}

type fakeCloser struct {
	keys chan string
}

func (f *fakeCloser) CloseSession(ctx context.Context, sessionKey string) error {
	f.keys <- sessionKey
	return nil
}

func TestCoordinator_SessionCloseQueuesSweep(t *testing.T) {
	closer := &fakeCloser{keys: make(chan string, 1)}
	f := newCoordFixture(t, mondayMorning, closer, nil)

	f.coord.sessionClose()

	select {
	case key := <-closer.keys:
		assert.Equal(t, "2026-02-02", key)
	case <-time.After(2 * time.Second):
		t.Fatal("close sweep never ran")
	}
}

func TestCoordinator_SessionCloseSkipsNonTradingDays(t *testing.T) {
	closer := &fakeCloser{keys: make(chan string, 1)}
	saturday := time.Date(2026, 2, 7, 16, 5, 0, 0, time.UTC)
	f := newCoordFixture(t, saturday, closer, nil)

	f.coord.sessionClose()

	select {
	case key := <-closer.keys:
		t.Fatalf("sweep ran on a Saturday for session %s", key)
	default:
	}
}

func TestCoordinator_RunNow(t *testing.T) {
	evening := time.Date(2026, 2, 2, 17, 30, 0, 0, time.UTC)
	f := newCoordFixture(t, evening, nil, nil)
	f.seed(sessionSchedule())

	err := f.coord.RunNow("ghost")
	require.Error(t, err)
	assert.Equal(t, domain.KindMalformed, domain.KindOf(err))

	err = f.coord.RunNow("collect_prices")
	require.Error(t, err)
	assert.Equal(t, domain.KindConfig, domain.KindOf(err), "no runner registered yet")

	ran := make(chan struct{})
	f.coord.Register(KindPrice, func(ctx context.Context) (int, error) {
		close(ran)
		return 2, nil
	})

	require.NoError(t, f.coord.RunNow("collect_prices"))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("manual run never started despite being outside the window")
	}
}

func TestCoordinator_RunNowWhileRunning(t *testing.T) {
	f := newCoordFixture(t, mondayMorning, nil, nil)
	f.seed(sessionSchedule())

	release := make(chan struct{})
	started := make(chan struct{})
	f.coord.Register(KindPrice, func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 0, nil
	})

	require.NoError(t, f.coord.RunNow("collect_prices"))
	<-started

	err := f.coord.RunNow("collect_prices")
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))

	close(release)
}

func TestCoordinator_ReloadEmitsOnChangeOrError(t *testing.T) {
	var mu sync.Mutex
	outcomes := []struct {
		changed bool
		err     error
	}{
		{true, nil},
		{false, nil},
		{false, errors.New("invalid LOG_LEVEL")},
	}
	idx := 0
	reload := func() (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		out := outcomes[idx]
		idx++
		return out.changed, out.err
	}

	f := newCoordFixture(t, mondayMorning, nil, reload)

	f.coord.runReload()
	require.Len(t, f.reloadedEvents(), 1)
	assert.Equal(t, true, f.reloadedEvents()[0].Data["changed"])

	f.coord.runReload()
	assert.Len(t, f.reloadedEvents(), 1, "an unchanged reload stays quiet")

	f.coord.runReload()
	require.Len(t, f.reloadedEvents(), 2)
	assert.Equal(t, false, f.reloadedEvents()[1].Data["changed"])
	assert.Contains(t, f.reloadedEvents()[1].Data["error"], "invalid LOG_LEVEL")
}

func TestCoordinator_StartStopIdempotent(t *testing.T) {
	closer := &fakeCloser{keys: make(chan string, 1)}
	f := newCoordFixture(t, mondayMorning, closer, nil)

	require.NoError(t, f.coord.Start())
	require.NoError(t, f.coord.Start(), "double start is a no-op")

	f.coord.Stop()
	f.coord.Stop()
}
