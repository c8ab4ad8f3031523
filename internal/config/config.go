// Package config provides configuration management functionality.
//
// Configuration is read from environment variables, optionally seeded from a
// .env file. A Store holds the active snapshot; Reload swaps it atomically
// every few minutes so schedule and profile changes land without a restart.
// A snapshot that fails validation is discarded and the previous one stays
// in effect.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"github.com/wojtczak/sygnal/internal/domain"
)

// Signal profiles select the magnitude of news-driven confidence adjustments.
const (
	ProfileConservative = "conservative"
	ProfileBalanced     = "balanced"
	ProfileAggressive   = "aggressive"
)

// Config holds application configuration.
type Config struct {
	DataDir   string // base directory for all databases, always absolute
	LogLevel  string
	LogPretty bool
	Port      int
	DevMode   bool

	SignalProfile string

	Scheduler SchedulerConfig
	Session   SessionConfig
	Collector CollectorConfig
	News      NewsConfig
	Signals   SignalsConfig
	Dispatch  DispatchConfig
	LLM       LLMConfig
	Telegram  TelegramConfig
	SMTP      SMTPConfig
	Backup    BackupConfig
	Operator  OperatorConfig
}

// SchedulerConfig controls the coordinator tick.
type SchedulerConfig struct {
	TickIntervalSeconds int
}

// SessionConfig overrides the GPW session bounds and holiday table.
type SessionConfig struct {
	OpenLocal     string
	CloseLocal    string
	ExtraHolidays []string
}

// CollectorConfig controls the price collector.
type CollectorConfig struct {
	BaseURL        string // stooq endpoint
	MaxConcurrency int
	RateLimit      float64 // requests per second across all fetches
	TimeoutSeconds int
}

// Feed is one configured RSS source.
type Feed struct {
	ID      string
	URL     string
	Enabled bool
}

// NewsConfig controls the news collector and the time-weighted analyzer.
type NewsConfig struct {
	Feeds           []Feed
	Profile         string             // analyzer profile name
	HalfLifeMinutes int                // overrides the profile half-life when > 0
	LookbackHours   int                // analyzer window
	SourceWeights   map[string]float64 // feed id -> [0, 2]
	MinConfidence   float64            // classifications below this are ignored
}

// SignalsConfig controls the signal generation cycle.
type SignalsConfig struct {
	NewsConfidenceBoost float64 // base confidence boost on aligned news
	LastEntryLocal      string  // "HH:MM" local, no new entries after; "" disables
	ADVWindowDays       int     // average-daily-volume lookback for liquidity checks
}

// DispatchConfig controls the notification dispatcher.
type DispatchConfig struct {
	RetryBackoffSeconds int
	QueueSize           int
}

// LLMConfig selects and configures the sentiment provider.
type LLMConfig struct {
	Provider       string // openai, ollama, or stub
	APIKey         string
	Model          string
	BaseURL        string
	TimeoutSeconds int
}

// TelegramConfig holds bot credentials.
type TelegramConfig struct {
	BotToken   string
	APIBaseURL string
}

// SMTPConfig holds mail transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// OperatorConfig names the account seeded on first start. With both fields
// empty no account is created and the engine generates nothing until a user
// is added.
type OperatorConfig struct {
	Email          string
	TelegramChatID string
}

// BackupConfig controls the S3 database backup job.
type BackupConfig struct {
	Enabled     bool
	S3Bucket    string
	S3Region    string
	S3Prefix    string
	S3Endpoint  string // optional, for S3-compatible stores
	S3AccessKey string // optional, default AWS credential chain when empty
	S3SecretKey string
	// RetentionDays bounds rotation; 0 keeps everything.
	RetentionDays int
}

// Load reads configuration from the environment, seeding from .env if one
// exists, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return loadFromEnv()
}

func loadFromEnv() (*Config, error) {
	dataDir := getEnv("SYGNAL_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	sourceWeights, err := parseWeights(getEnv("NEWS_SOURCE_WEIGHTS", ""))
	if err != nil {
		return nil, err
	}

	feeds, err := parseFeeds(
		getEnv("NEWS_FEEDS", defaultFeeds),
		getEnv("NEWS_DISABLED_FEEDS", ""),
	)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:   absDataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		Port:      getEnvAsInt("SYGNAL_PORT", 8001),
		DevMode:   getEnvAsBool("DEV_MODE", false),

		SignalProfile: getEnv("SIGNAL_PROFILE", ProfileBalanced),

		Scheduler: SchedulerConfig{
			TickIntervalSeconds: getEnvAsInt("SCHEDULER_TICK_SECONDS", 60),
		},
		Session: SessionConfig{
			OpenLocal:     getEnv("SESSION_OPEN_LOCAL", "09:00"),
			CloseLocal:    getEnv("SESSION_CLOSE_LOCAL", "17:00"),
			ExtraHolidays: splitList(getEnv("CALENDAR_EXTRA_HOLIDAYS", "")),
		},
		Collector: CollectorConfig{
			BaseURL:        getEnv("STOOQ_BASE_URL", "https://stooq.pl"),
			MaxConcurrency: getEnvAsInt("COLLECTOR_MAX_CONCURRENCY", 8),
			RateLimit:      getEnvAsFloat("COLLECTOR_RATE_LIMIT", 2.0),
			TimeoutSeconds: getEnvAsInt("COLLECTOR_TIMEOUT_SECONDS", 30),
		},
		News: NewsConfig{
			Feeds:           feeds,
			Profile:         getEnv("NEWS_PROFILE", "default"),
			HalfLifeMinutes: getEnvAsInt("NEWS_HALF_LIFE_MINUTES", 120),
			LookbackHours:   getEnvAsInt("NEWS_LOOKBACK_HOURS", 168),
			SourceWeights:   sourceWeights,
			MinConfidence:   getEnvAsFloat("NEWS_MIN_CONFIDENCE", 0.3),
		},
		Signals: SignalsConfig{
			NewsConfidenceBoost: getEnvAsFloat("SIGNALS_NEWS_BOOST", 15),
			LastEntryLocal:      getEnv("SIGNALS_LAST_ENTRY_LOCAL", "15:00"),
			ADVWindowDays:       getEnvAsInt("SIGNALS_ADV_WINDOW_DAYS", 30),
		},
		Dispatch: DispatchConfig{
			RetryBackoffSeconds: getEnvAsInt("DISPATCH_RETRY_BACKOFF_SECONDS", 30),
			QueueSize:           getEnvAsInt("DISPATCH_QUEUE_SIZE", 64),
		},
		LLM: LLMConfig{
			Provider:       getEnv("LLM_PROVIDER", "stub"),
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("LLM_MODEL", ""),
			BaseURL:        getEnv("LLM_BASE_URL", ""),
			TimeoutSeconds: getEnvAsInt("LLM_TIMEOUT_SECONDS", 60),
		},
		Telegram: TelegramConfig{
			BotToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),
			APIBaseURL: getEnv("TELEGRAM_API_BASE_URL", "https://api.telegram.org"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
		Operator: OperatorConfig{
			Email:          getEnv("OPERATOR_EMAIL", ""),
			TelegramChatID: getEnv("OPERATOR_TELEGRAM_CHAT_ID", ""),
		},
		Backup: BackupConfig{
			Enabled:       getEnvAsBool("BACKUP_ENABLED", false),
			S3Bucket:      getEnv("BACKUP_S3_BUCKET", ""),
			S3Region:      getEnv("BACKUP_S3_REGION", "eu-central-1"),
			S3Prefix:      getEnv("BACKUP_S3_PREFIX", "sygnal"),
			S3Endpoint:    getEnv("BACKUP_S3_ENDPOINT", ""),
			S3AccessKey:   getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			S3SecretKey:   getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultFeeds lists the Polish financial feeds polled when NEWS_FEEDS is
// not set.
const defaultFeeds = "stooq=https://stooq.pl/rss/," +
	"strefainwestorow=https://strefainwestorow.pl/rss," +
	"money=https://www.money.pl/rss/," +
	"onet_biznes=https://biznes.onet.pl/rss"

// Validate checks ranges and enumerations. A failure here must never replace
// a previously valid snapshot.
func (c *Config) Validate() error {
	switch c.SignalProfile {
	case ProfileConservative, ProfileBalanced, ProfileAggressive:
	default:
		return domain.NewConfigError(fmt.Sprintf("unknown signal profile %q", c.SignalProfile))
	}

	if c.Scheduler.TickIntervalSeconds <= 0 {
		return domain.NewConfigError("scheduler tick interval must be positive")
	}

	if c.News.HalfLifeMinutes != 0 && (c.News.HalfLifeMinutes < 15 || c.News.HalfLifeMinutes > 1440) {
		return domain.NewConfigError(fmt.Sprintf("news half-life %d outside [15, 1440] minutes", c.News.HalfLifeMinutes))
	}
	if c.News.LookbackHours <= 0 {
		return domain.NewConfigError("news lookback must be positive")
	}
	for id, w := range c.News.SourceWeights {
		if w < 0 || w > 2 {
			return domain.NewConfigError(fmt.Sprintf("source weight %.2f for feed %q outside [0, 2]", w, id))
		}
	}
	if c.News.MinConfidence < 0 || c.News.MinConfidence > 1 {
		return domain.NewConfigError("news minimum confidence outside [0, 1]")
	}

	if c.Collector.MaxConcurrency < 1 || c.Collector.MaxConcurrency > 64 {
		return domain.NewConfigError(fmt.Sprintf("collector concurrency %d outside [1, 64]", c.Collector.MaxConcurrency))
	}
	if c.Collector.RateLimit <= 0 {
		return domain.NewConfigError("collector rate limit must be positive")
	}

	if c.Signals.NewsConfidenceBoost < 0 || c.Signals.NewsConfidenceBoost > 50 {
		return domain.NewConfigError(fmt.Sprintf("news confidence boost %.1f outside [0, 50]", c.Signals.NewsConfidenceBoost))
	}
	if c.Signals.LastEntryLocal != "" {
		if _, err := time.Parse("15:04", c.Signals.LastEntryLocal); err != nil {
			return domain.NewConfigError(fmt.Sprintf("invalid last entry time %q", c.Signals.LastEntryLocal))
		}
	}
	if c.Signals.ADVWindowDays < 1 || c.Signals.ADVWindowDays > 365 {
		return domain.NewConfigError(fmt.Sprintf("ADV window %d outside [1, 365] days", c.Signals.ADVWindowDays))
	}

	if c.Dispatch.RetryBackoffSeconds <= 0 {
		return domain.NewConfigError("dispatch retry backoff must be positive")
	}
	if c.Dispatch.QueueSize <= 0 {
		return domain.NewConfigError("dispatch queue size must be positive")
	}

	switch c.LLM.Provider {
	case "openai", "ollama", "stub":
	default:
		return domain.NewConfigError(fmt.Sprintf("unknown LLM provider %q", c.LLM.Provider))
	}

	if c.Backup.Enabled && c.Backup.S3Bucket == "" {
		return domain.NewConfigError("backup enabled without an S3 bucket")
	}
	if c.Backup.RetentionDays < 0 {
		return domain.NewConfigError("backup retention days must not be negative")
	}

	if c.Port < 1 || c.Port > 65535 {
		return domain.NewConfigError(fmt.Sprintf("port %d out of range", c.Port))
	}

	return nil
}

// FeedWeight returns the configured source weight for a feed, default 1.0.
func (c *Config) FeedWeight(feedID string) float64 {
	if w, ok := c.News.SourceWeights[feedID]; ok {
		return w
	}
	return 1.0
}

// Store holds the active configuration snapshot. Readers call Current on
// every cycle; they never cache the pointer across cycles.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore wraps an initial snapshot.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Reload re-reads the environment and swaps the snapshot if it validates.
// On error the previous snapshot stays active. Returns true when a new
// snapshot was installed. .env edits take precedence after a reload.
func (s *Store) Reload() (bool, error) {
	_ = godotenv.Overload()

	cfg, err := loadFromEnv()
	if err != nil {
		return false, err
	}

	s.current.Store(cfg)
	return true, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// splitList splits a comma-separated value, trimming blanks.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseWeights parses "feedid=0.8,other=1.5" into a weight map.
func parseWeights(s string) (map[string]float64, error) {
	weights := make(map[string]float64)
	for _, entry := range splitList(s) {
		id, raw, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, domain.NewConfigError(fmt.Sprintf("malformed source weight entry %q", entry))
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, domain.NewConfigError(fmt.Sprintf("malformed source weight value %q", raw))
		}
		weights[strings.TrimSpace(id)] = w
	}
	return weights, nil
}

// parseFeeds parses "id=url,..." plus a disabled-id list into Feed records.
// Order is stable: entries keep their configured order.
func parseFeeds(s, disabled string) ([]Feed, error) {
	off := make(map[string]bool)
	for _, id := range splitList(disabled) {
		off[id] = true
	}

	entries := splitList(s)
	feeds := make([]Feed, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		id, url, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(url) == "" {
			return nil, domain.NewConfigError(fmt.Sprintf("malformed feed entry %q", entry))
		}
		id = strings.TrimSpace(id)
		if seen[id] {
			return nil, domain.NewConfigError(fmt.Sprintf("duplicate feed id %q", id))
		}
		seen[id] = true
		feeds = append(feeds, Feed{
			ID:      id,
			URL:     strings.TrimSpace(url),
			Enabled: !off[id],
		})
	}
	return feeds, nil
}

// EnabledFeeds returns the enabled feeds in configured order.
func (c *Config) EnabledFeeds() []Feed {
	out := make([]Feed, 0, len(c.News.Feeds))
	for _, f := range c.News.Feeds {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out
}

// SortedFeedIDs returns all feed ids, for stable logging.
func (c *Config) SortedFeedIDs() []string {
	ids := make([]string, 0, len(c.News.Feeds))
	for _, f := range c.News.Feeds {
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)
	return ids
}
