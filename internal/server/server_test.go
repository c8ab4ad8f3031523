package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
	"github.com/wojtczak/sygnal/internal/market"
	"github.com/wojtczak/sygnal/internal/modules/outcomes"
	"github.com/wojtczak/sygnal/internal/scheduler"
)

// serverNow is a Monday, 11:00 in Warsaw, inside the trading session.
var serverNow = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func setupServerDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Every pooled connection would otherwise get its own empty
	// in-memory database.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE schedules (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			job_type TEXT NOT NULL,
			interval_seconds INTEGER NOT NULL,
			active_hours_start TEXT NOT NULL DEFAULT '09:00',
			active_hours_end TEXT NOT NULL DEFAULT '17:00',
			active_days TEXT NOT NULL DEFAULT 'mon,tue,wed,thu,fri',
			skip_holidays INTEGER NOT NULL DEFAULT 1,
			is_active INTEGER NOT NULL DEFAULT 1,
			max_retries INTEGER NOT NULL DEFAULT 3,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			config_json TEXT,
			last_run_at TEXT,
			next_run_at TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE executions (
			id TEXT PRIMARY KEY,
			schedule_id INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			items_processed INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (schedule_id) REFERENCES schedules(id)
		);
	`)
	require.NoError(t, err)
	return db
}

type fakeChecker struct {
	name string
	err  error
}

func (f fakeChecker) Name() string                        { return f.name }
func (f fakeChecker) HealthCheck(_ context.Context) error { return f.err }

type fakeSignalSource struct {
	recent    []domain.TradingSignal
	bySession map[string][]domain.TradingSignal
	err       error
}

func (f *fakeSignalSource) Recent(limit int) ([]domain.TradingSignal, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.recent) > limit {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f *fakeSignalSource) ForSession(sessionKey string) ([]domain.TradingSignal, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bySession[sessionKey], nil
}

type fakeMetrics struct {
	lastSession string
	total       int
	err         error
}

func (f *fakeMetrics) Daily(sessionKey string) (outcomes.DailyMetrics, error) {
	f.lastSession = sessionKey
	if f.err != nil {
		return outcomes.DailyMetrics{}, f.err
	}
	return outcomes.DailyMetrics{SessionKey: sessionKey, Total: f.total}, nil
}

type fakeRunner struct {
	err  error
	runs []string
}

func (f *fakeRunner) RunNow(name string) error {
	f.runs = append(f.runs, name)
	return f.err
}

// newTestServer wires a server over an in-memory schedule repository and a
// frozen calendar. Tests adjust the config through mutate before New runs.
func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	cal, err := market.NewCalendar(market.Config{}, domain.ClockFunc(func() time.Time { return serverNow }))
	require.NoError(t, err)

	repo := scheduler.NewScheduleRepository(setupServerDB(t), testLogger())
	_, err = repo.Seed(scheduler.DefaultSchedules("09:00", "17:00"))
	require.NoError(t, err)

	cfg := Config{
		Log:       testLogger(),
		DevMode:   true,
		StartedAt: serverNow.Add(-90 * time.Second),
		Calendar:  cal,
		Schedules: repo,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestServer_HealthHealthy(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Databases = []HealthChecker{
			fakeChecker{name: "cache"},
			fakeChecker{name: "history"},
		}
	})

	rec := doRequest(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "sygnal", body["service"])

	checks := body["databases"].(map[string]interface{})
	assert.Equal(t, "ok", checks["cache"])
	assert.Equal(t, "ok", checks["history"])
}

func TestServer_HealthDegraded(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Databases = []HealthChecker{
			fakeChecker{name: "cache"},
			fakeChecker{name: "history", err: errors.New("database is closed")},
		}
	})

	rec := doRequest(t, s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])

	checks := body["databases"].(map[string]interface{})
	assert.Equal(t, "ok", checks["cache"])
	assert.Contains(t, checks["history"], "database is closed")
}

func TestServer_HealthAtRoot(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func signalFixtures() []domain.TradingSignal {
	return []domain.TradingSignal{
		{ID: "a", UserID: 1, Symbol: "CDR", SessionKey: "2026-02-02", Type: domain.SignalBuy},
		{ID: "b", UserID: 1, Symbol: "PKN", SessionKey: "2026-02-02", Type: domain.SignalSell},
		{ID: "c", UserID: 2, Symbol: "CDR", SessionKey: "2026-02-02", Type: domain.SignalHold},
	}
}

func TestServer_SignalsRecent(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Signals = &fakeSignalSource{recent: signalFixtures()}
	})

	rec := doRequest(t, s, http.MethodGet, "/api/signals", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["count"])
	assert.Len(t, body["signals"], 3)
}

func TestServer_SignalsFilters(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantIDs []string
	}{
		{"by symbol case insensitive", "?symbol=cdr", []string{"a", "c"}},
		{"by user", "?user_id=2", []string{"c"}},
		{"by type", "?type=buy", []string{"a"}},
		{"combined", "?symbol=CDR&user_id=1", []string{"a"}},
		{"limit truncates", "?limit=1", []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(cfg *Config) {
				cfg.Signals = &fakeSignalSource{recent: signalFixtures()}
			})

			rec := doRequest(t, s, http.MethodGet, "/api/signals"+tt.query, "")
			require.Equal(t, http.StatusOK, rec.Code)

			body := decodeBody(t, rec)
			raw := body["signals"].([]interface{})
			ids := make([]string, 0, len(raw))
			for _, item := range raw {
				ids = append(ids, item.(map[string]interface{})["id"].(string))
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestServer_SignalsBySession(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Signals = &fakeSignalSource{
			bySession: map[string][]domain.TradingSignal{
				"2026-01-30": {{ID: "old", Symbol: "KGH", Type: domain.SignalBuy}},
			},
		}
	})

	rec := doRequest(t, s, http.MethodGet, "/api/signals?session=2026-01-30", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestServer_SignalsRejectsBadLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Signals = &fakeSignalSource{}
	})

	for _, limit := range []string{"0", "-5", "abc"} {
		rec := doRequest(t, s, http.MethodGet, "/api/signals?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestServer_SignalsUnavailableWithoutStore(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/signals", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_OutcomeMetricsDefaultsToCurrentSession(t *testing.T) {
	metrics := &fakeMetrics{total: 4}
	s := newTestServer(t, func(cfg *Config) {
		cfg.Metrics = metrics
	})

	rec := doRequest(t, s, http.MethodGet, "/api/outcomes/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "2026-02-02", metrics.lastSession)
	body := decodeBody(t, rec)
	assert.Equal(t, "2026-02-02", body["session_key"])
	assert.Equal(t, float64(4), body["total"])
}

func TestServer_OutcomeMetricsExplicitSession(t *testing.T) {
	metrics := &fakeMetrics{}
	s := newTestServer(t, func(cfg *Config) {
		cfg.Metrics = metrics
	})

	rec := doRequest(t, s, http.MethodGet, "/api/outcomes/metrics?session=2026-01-15", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-01-15", metrics.lastSession)

	rec = doRequest(t, s, http.MethodGet, "/api/outcomes/metrics?session=notadate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ScheduleList(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(6), body["count"])

	views := body["schedules"].([]interface{})
	first := views[0].(map[string]interface{})
	assert.NotEmpty(t, first["name"])
	assert.NotEmpty(t, first["kind"])
	assert.Greater(t, first["interval_seconds"], float64(0))
}

func TestServer_ScheduleUpdate(t *testing.T) {
	s := newTestServer(t, nil)

	body := `{"interval_seconds": 600, "is_active": false, "active_days": "mon,wed,fri"}`
	rec := doRequest(t, s, http.MethodPut, "/api/schedules/collect_prices", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	view := decodeBody(t, rec)
	assert.Equal(t, float64(600), view["interval_seconds"])
	assert.Equal(t, false, view["is_active"])
	assert.Equal(t, "mon,wed,fri", view["active_days"])
	assert.NotContains(t, view, "next_run_at", "edit clears the alignment")
}

func TestServer_ScheduleUpdateErrors(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPut, "/api/schedules/ghost", `{"interval_seconds": 600}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodPut, "/api/schedules/collect_prices", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPut, "/api/schedules/collect_prices", `{"interval_seconds": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "validation failure maps to 400")

	rec = doRequest(t, s, http.MethodPut, "/api/schedules/collect_prices", `{"active_days": "mon,frq"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ScheduleRun(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(t, func(cfg *Config) {
		cfg.Runner = runner
	})

	rec := doRequest(t, s, http.MethodPost, "/api/schedules/collect_prices/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "collect_prices", body["schedule"])
	assert.Equal(t, []string{"collect_prices"}, runner.runs)
}

func TestServer_ScheduleRunErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown schedule", domain.NewMalformedError("unknown schedule"), http.StatusNotFound},
		{"already running", domain.NewTransientError("run schedule", errors.New("already running")), http.StatusConflict},
		{"no runner bound", domain.NewConfigError("no runner registered"), http.StatusServiceUnavailable},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(cfg *Config) {
				cfg.Runner = &fakeRunner{err: tt.err}
			})

			rec := doRequest(t, s, http.MethodPost, "/api/schedules/collect_prices/run", "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_ScheduleExecutions(t *testing.T) {
	repo := scheduler.NewScheduleRepository(setupServerDB(t), testLogger())
	_, err := repo.Seed(scheduler.DefaultSchedules("09:00", "17:00"))
	require.NoError(t, err)

	sched, err := repo.ByName("collect_prices")
	require.NoError(t, err)
	require.NotNil(t, sched)

	execID, err := repo.StartExecution(sched.ID, serverNow)
	require.NoError(t, err)
	require.NoError(t, repo.FinishExecution(execID, scheduler.ExecutionCompleted, 12, "", serverNow.Add(3*time.Second)))

	s := newTestServer(t, func(cfg *Config) {
		cfg.Schedules = repo
	})

	rec := doRequest(t, s, http.MethodGet, "/api/schedules/collect_prices/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "collect_prices", body["schedule"])
	assert.Equal(t, float64(1), body["count"])

	execs := body["executions"].([]interface{})
	first := execs[0].(map[string]interface{})
	assert.Equal(t, "completed", first["status"])
	assert.Equal(t, float64(12), first["items_processed"])

	rec = doRequest(t, s, http.MethodGet, "/api/schedules/ghost/executions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Status(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(90), body["uptime_seconds"])

	mkt := body["market"].(map[string]interface{})
	assert.Equal(t, "2026-02-02", mkt["session_key"])
	assert.Equal(t, true, mkt["is_trading_day"])
	assert.Equal(t, true, mkt["in_session"])
	assert.Equal(t, false, mkt["pre_market"])

	system := body["system"].(map[string]interface{})
	assert.Greater(t, system["goroutines"], float64(0))

	schedules := body["schedules"].([]interface{})
	assert.Len(t, schedules, 6)
}

func TestServer_EventStreamDeliversAndFilters(t *testing.T) {
	bus := events.NewBus(testLogger())
	s := newTestServer(t, func(cfg *Config) {
		cfg.Bus = bus
	})

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws?types=SIGNAL_GENERATED"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription registers after the handshake returns, so keep
	// emitting until a frame arrives. The filtered type goes first each
	// round; receiving it would fail the type assertion below.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Emit(events.BarsCollected, "marketdata", map[string]interface{}{"bars": 10})
				bus.Emit(events.SignalGenerated, "signals", map[string]interface{}{"symbol": "CDR"})
			}
		}
	}()

	var got events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, events.SignalGenerated, got.Type)
	assert.Equal(t, "signals", got.Module)
	assert.Equal(t, "CDR", got.Data["symbol"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestServer_EventStreamAbsentWithoutBus(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/events/ws", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
