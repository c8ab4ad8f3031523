package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wojtczak/sygnal/internal/domain"
)

func setDataDir(t *testing.T) {
	t.Helper()
	t.Setenv("SYGNAL_DATA_DIR", filepath.Join(t.TempDir(), "data"))
}

func TestLoad_Defaults(t *testing.T) {
	setDataDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProfileBalanced, cfg.SignalProfile)
	assert.Equal(t, 60, cfg.Scheduler.TickIntervalSeconds)
	assert.Equal(t, 120, cfg.News.HalfLifeMinutes)
	assert.Equal(t, 8, cfg.Collector.MaxConcurrency)
	assert.Equal(t, 30, cfg.Dispatch.RetryBackoffSeconds)
	assert.Equal(t, 64, cfg.Dispatch.QueueSize)
	assert.InDelta(t, 15.0, cfg.Signals.NewsConfidenceBoost, 1e-9)
	assert.Equal(t, "15:00", cfg.Signals.LastEntryLocal)
	assert.Equal(t, 30, cfg.Signals.ADVWindowDays)
	assert.Equal(t, "09:00", cfg.Session.OpenLocal)
	assert.Equal(t, "17:00", cfg.Session.CloseLocal)
	assert.Equal(t, "stub", cfg.LLM.Provider)
	assert.True(t, filepath.IsAbs(cfg.DataDir))

	require.Len(t, cfg.News.Feeds, 4)
	assert.Equal(t, "stooq", cfg.News.Feeds[0].ID)
	assert.True(t, cfg.News.Feeds[0].Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setDataDir(t)
	t.Setenv("SIGNAL_PROFILE", "aggressive")
	t.Setenv("SCHEDULER_TICK_SECONDS", "30")
	t.Setenv("NEWS_HALF_LIFE_MINUTES", "90")
	t.Setenv("NEWS_SOURCE_WEIGHTS", "stooq=1.5, money=0.5")
	t.Setenv("NEWS_DISABLED_FEEDS", "onet_biznes")
	t.Setenv("CALENDAR_EXTRA_HOLIDAYS", "2026-12-28,2026-12-29")
	t.Setenv("OPERATOR_EMAIL", "ops@example.pl")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "aggressive", cfg.SignalProfile)
	assert.Equal(t, 30, cfg.Scheduler.TickIntervalSeconds)
	assert.Equal(t, 90, cfg.News.HalfLifeMinutes)
	assert.InDelta(t, 1.5, cfg.FeedWeight("stooq"), 1e-9)
	assert.InDelta(t, 0.5, cfg.FeedWeight("money"), 1e-9)
	assert.InDelta(t, 1.0, cfg.FeedWeight("strefainwestorow"), 1e-9, "unlisted feeds default to 1.0")
	assert.Equal(t, []string{"2026-12-28", "2026-12-29"}, cfg.Session.ExtraHolidays)
	assert.Equal(t, "ops@example.pl", cfg.Operator.Email)

	enabled := cfg.EnabledFeeds()
	require.Len(t, enabled, 3)
	for _, f := range enabled {
		assert.NotEqual(t, "onet_biznes", f.ID)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown profile", "SIGNAL_PROFILE", "reckless"},
		{"half-life below range", "NEWS_HALF_LIFE_MINUTES", "10"},
		{"half-life above range", "NEWS_HALF_LIFE_MINUTES", "2000"},
		{"source weight above range", "NEWS_SOURCE_WEIGHTS", "stooq=2.5"},
		{"malformed weight entry", "NEWS_SOURCE_WEIGHTS", "stooq"},
		{"zero concurrency", "COLLECTOR_MAX_CONCURRENCY", "0"},
		{"unknown llm provider", "LLM_PROVIDER", "psychic"},
		{"malformed feed entry", "NEWS_FEEDS", "justanid"},
		{"news boost above range", "SIGNALS_NEWS_BOOST", "75"},
		{"malformed last entry time", "SIGNALS_LAST_ENTRY_LOCAL", "3pm"},
		{"zero adv window", "SIGNALS_ADV_WINDOW_DAYS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setDataDir(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, domain.KindConfig, domain.KindOf(err))
		})
	}
}

func TestStore_ReloadKeepsPreviousOnError(t *testing.T) {
	setDataDir(t)

	cfg, err := Load()
	require.NoError(t, err)
	store := NewStore(cfg)

	t.Setenv("SIGNAL_PROFILE", "bogus")
	changed, err := store.Reload()
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, ProfileBalanced, store.Current().SignalProfile, "previous snapshot stays active")

	t.Setenv("SIGNAL_PROFILE", "conservative")
	changed, err = store.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ProfileConservative, store.Current().SignalProfile)
}

func TestValidate_BackupRequiresBucket(t *testing.T) {
	setDataDir(t)
	t.Setenv("BACKUP_ENABLED", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, domain.KindConfig, domain.KindOf(err))

	t.Setenv("BACKUP_S3_BUCKET", "sygnal-backups")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Backup.Enabled)
}
