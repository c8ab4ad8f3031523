package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
)

// SignalSource is the slice of the signal ledger the dispatcher consumes.
type SignalSource interface {
	Undispatched(limit int) ([]domain.TradingSignal, error)
	UndispatchedForSession(sessionKey string) ([]domain.TradingSignal, error)
	ForUserOnDate(userID int64, sessionKey string) ([]domain.TradingSignal, error)
	ByID(id string) (*domain.TradingSignal, error)
	MarkDispatched(signalID string, at time.Time) error
}

// ServiceConfig tunes queueing and retry pacing.
type ServiceConfig struct {
	// QueueSize bounds the immediate-dispatch queue. A full queue drops the
	// enqueue; the signal stays undispatched and the next sweep picks it up.
	QueueSize int
	// RetryBackoff is the delay before a transiently failed signal re-enters
	// the queue.
	RetryBackoff time.Duration
	// BatchSize caps how many signals one sweep loads.
	BatchSize int
}

// Service delivers undispatched signals over each user's enabled channels and
// records the per-channel result in the deliveries table. A signal is marked
// dispatched only once every channel reached a terminal state, so transient
// failures keep it circulating while already-sent channels are never repeated.
type Service struct {
	cfg        ServiceConfig
	notifiers  map[domain.NotificationChannel]domain.Notifier
	signals    SignalSource
	users      domain.UserStore
	deliveries *DeliveryRepository
	clock      domain.Clock
	events     *events.Manager
	log        zerolog.Logger

	queue chan string
}

// NewService wires the dispatcher. Only the notifiers passed in are usable;
// channels without a configured transport fail permanently at dispatch time.
func NewService(
	cfg ServiceConfig,
	notifiers []domain.Notifier,
	signals SignalSource,
	users domain.UserStore,
	deliveries *DeliveryRepository,
	clock domain.Clock,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	byChannel := make(map[domain.NotificationChannel]domain.Notifier, len(notifiers))
	for _, n := range notifiers {
		byChannel[n.Channel()] = n
	}

	return &Service{
		cfg:        cfg,
		notifiers:  byChannel,
		signals:    signals,
		users:      users,
		deliveries: deliveries,
		clock:      clock,
		events:     eventManager,
		log:        log.With().Str("service", "dispatch").Logger(),
		queue:      make(chan string, cfg.QueueSize),
	}
}

// Stats summarises one dispatch pass. Sent, Retrying and Failed count
// channels; Signals, Dispatched and Skipped count signals.
type Stats struct {
	Signals    int
	Dispatched int
	Sent       int
	Retrying   int
	Failed     int
	Skipped    int
}

// Enqueue offers a signal for immediate dispatch. It never blocks: a full
// queue returns false and leaves the signal for the next sweep.
func (s *Service) Enqueue(signalID string) bool {
	select {
	case s.queue <- signalID:
		return true
	default:
		s.log.Warn().Str("signal_id", signalID).Msg("Dispatch queue full, deferring to sweep")
		return false
	}
}

// Run drains the immediate-dispatch queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().Int("queue_size", s.cfg.QueueSize).Msg("Dispatcher started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Dispatcher stopped")
			return ctx.Err()
		case id := <-s.queue:
			s.dispatchQueued(ctx, id)
		}
	}
}

func (s *Service) dispatchQueued(ctx context.Context, id string) {
	sig, err := s.signals.ByID(id)
	if err != nil {
		s.log.Warn().Err(err).Str("signal_id", id).Msg("Failed to load queued signal")
		return
	}
	// Signals resolved before delivery (superseded, or an immediate hit) are
	// not sent; the session-close sweep writes their expired rows.
	if sig == nil || sig.IsDispatched || sig.Type == domain.SignalHold || sig.Outcome != nil {
		return
	}

	users, err := s.userIndex()
	if err != nil {
		s.log.Warn().Err(err).Str("signal_id", id).Msg("Failed to load users for queued dispatch")
		return
	}

	var stats Stats
	s.dispatchOne(ctx, *sig, users, &stats)
	if stats.Retrying > 0 {
		time.AfterFunc(s.cfg.RetryBackoff, func() { s.Enqueue(id) })
	}
}

// Sweep delivers every undispatched non-hold signal in the ledger, oldest
// first. Per-signal failures are isolated; only failing to enumerate signals
// or users aborts the pass.
func (s *Service) Sweep(ctx context.Context) (Stats, error) {
	var stats Stats

	sigs, err := s.signals.Undispatched(s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list undispatched signals: %w", err)
	}
	if len(sigs) == 0 {
		return stats, nil
	}

	users, err := s.userIndex()
	if err != nil {
		return stats, err
	}

	for i := range sigs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Signals++
		s.dispatchOne(ctx, sigs[i], users, &stats)
	}

	s.log.Info().
		Int("signals", stats.Signals).
		Int("sent", stats.Sent).
		Int("retrying", stats.Retrying).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Msg("Dispatch sweep finished")
	return stats, nil
}

func (s *Service) dispatchOne(ctx context.Context, sig domain.TradingSignal, users map[int64]domain.User, stats *Stats) {
	log := s.log.With().Str("signal_id", sig.ID).Str("symbol", sig.Symbol).Logger()

	user, ok := users[sig.UserID]
	if !ok {
		stats.Skipped++
		log.Debug().Int64("user_id", sig.UserID).Msg("Signal owner not active, leaving for session expiry")
		return
	}
	prefs, err := s.users.Preferences(sig.UserID)
	if err != nil {
		stats.Skipped++
		log.Warn().Err(err).Msg("Failed to load preferences, leaving signal for a later pass")
		return
	}
	sent, err := s.deliveries.SentChannels(sig.ID)
	if err != nil {
		stats.Skipped++
		log.Warn().Err(err).Msg("Failed to load delivery state, leaving signal for a later pass")
		return
	}

	subject, text, html := renderSignal(sig)
	now := s.clock.Now().UTC()
	retrying := false
	seen := make(map[domain.NotificationChannel]bool, len(prefs.Channels))

	for _, channel := range prefs.Channels {
		if seen[channel] || sent[channel] {
			continue
		}
		seen[channel] = true

		recipient := recipientFor(user, channel)
		if recipient == "" {
			s.recordResult(log, sig.ID, channel, "", StatusFailed, "no recipient configured", now)
			stats.Failed++
			continue
		}
		notifier, ok := s.notifiers[channel]
		if !ok {
			s.recordResult(log, sig.ID, channel, recipient, StatusFailed, "transport not configured", now)
			stats.Failed++
			continue
		}

		msg := domain.Message{Recipient: recipient, Subject: subject, Text: text}
		if channel == domain.ChannelEmail {
			msg.HTML = html
		}

		err := notifier.Send(ctx, msg)
		switch {
		case err == nil:
			s.recordResult(log, sig.ID, channel, recipient, StatusSent, "", now)
			stats.Sent++
			s.emitDispatched(sig.ID, channel)
			log.Info().Str("channel", string(channel)).Msg("Signal delivered")
		case domain.KindOf(err) == domain.KindTransient:
			s.recordResult(log, sig.ID, channel, recipient, StatusRetrying, err.Error(), now)
			stats.Retrying++
			retrying = true
			log.Warn().Err(err).Str("channel", string(channel)).Msg("Delivery failed, will retry")
		default:
			s.recordResult(log, sig.ID, channel, recipient, StatusFailed, err.Error(), now)
			stats.Failed++
			log.Warn().Err(err).Str("channel", string(channel)).Msg("Delivery failed permanently")
		}
	}

	if retrying {
		return
	}
	if err := s.signals.MarkDispatched(sig.ID, now); err != nil {
		log.Warn().Err(err).Msg("Failed to mark signal dispatched")
		return
	}
	stats.Dispatched++
}

// ExpireSession closes out the session's leftovers: every still-undispatched
// signal gets expired delivery rows for its unsent channels and is marked
// dispatched so it stops circulating. Returns how many signals were expired.
func (s *Service) ExpireSession(ctx context.Context, sessionKey string) (int, error) {
	sigs, err := s.signals.UndispatchedForSession(sessionKey)
	if err != nil {
		return 0, fmt.Errorf("failed to list expirable signals for %s: %w", sessionKey, err)
	}
	if len(sigs) == 0 {
		return 0, nil
	}

	users, err := s.userIndex()
	if err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	expired := 0
	for i := range sigs {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		sig := sigs[i]
		log := s.log.With().Str("signal_id", sig.ID).Str("symbol", sig.Symbol).Logger()

		sent, err := s.deliveries.SentChannels(sig.ID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load delivery state, skipping expiry")
			continue
		}

		user := users[sig.UserID]
		prefs, err := s.users.Preferences(sig.UserID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load preferences, expiring without delivery rows")
		}
		for _, channel := range prefs.Channels {
			if sent[channel] {
				continue
			}
			if err := s.deliveries.Expire(sig.ID, channel, recipientFor(user, channel), now); err != nil {
				log.Warn().Err(err).Str("channel", string(channel)).Msg("Failed to record expired delivery")
			}
		}

		if err := s.signals.MarkDispatched(sig.ID, now); err != nil {
			log.Warn().Err(err).Msg("Failed to mark expired signal dispatched")
			continue
		}
		expired++
		s.emitExpired(sig.ID)
	}

	s.log.Info().Str("session", sessionKey).Int("expired", expired).Msg("Expired unsent signals at session close")
	return expired, nil
}

// SendDailySummaries sends each opted-in user a recap of their session.
// Summaries are best effort: failures are logged and no delivery rows are
// written. Returns how many users received a summary.
func (s *Service) SendDailySummaries(ctx context.Context, sessionKey string) (int, error) {
	active, err := s.users.ActiveUsers()
	if err != nil {
		return 0, fmt.Errorf("failed to list users for summaries: %w", err)
	}

	sentTo := 0
	for _, user := range active {
		if err := ctx.Err(); err != nil {
			return sentTo, err
		}

		prefs, err := s.users.Preferences(user.ID)
		if err != nil {
			s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to load preferences for summary")
			continue
		}
		if !prefs.DailySummaryOptIn {
			continue
		}

		day, err := s.signals.ForUserOnDate(user.ID, sessionKey)
		if err != nil {
			s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to load session signals for summary")
			continue
		}
		if len(day) == 0 {
			continue
		}

		subject, text, html := renderSummary(sessionKey, day)
		delivered := false
		seen := make(map[domain.NotificationChannel]bool, len(prefs.Channels))
		for _, channel := range prefs.Channels {
			if seen[channel] {
				continue
			}
			seen[channel] = true

			recipient := recipientFor(user, channel)
			if recipient == "" {
				continue
			}
			notifier, ok := s.notifiers[channel]
			if !ok {
				continue
			}

			msg := domain.Message{Recipient: recipient, Subject: subject, Text: text}
			if channel == domain.ChannelEmail {
				msg.HTML = html
			}
			if err := notifier.Send(ctx, msg); err != nil {
				s.log.Warn().Err(err).Int64("user_id", user.ID).Str("channel", string(channel)).Msg("Daily summary delivery failed")
				continue
			}
			delivered = true
		}
		if delivered {
			sentTo++
		}
	}

	s.log.Info().Str("session", sessionKey).Int("users", sentTo).Msg("Daily summaries sent")
	return sentTo, nil
}

func (s *Service) recordResult(log zerolog.Logger, signalID string, channel domain.NotificationChannel, recipient, status, lastErr string, at time.Time) {
	if err := s.deliveries.Record(signalID, channel, recipient, status, lastErr, at); err != nil {
		log.Warn().Err(err).Str("channel", string(channel)).Msg("Failed to record delivery result")
	}
}

func (s *Service) userIndex() (map[int64]domain.User, error) {
	users, err := s.users.ActiveUsers()
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	idx := make(map[int64]domain.User, len(users))
	for _, u := range users {
		idx[u.ID] = u
	}
	return idx, nil
}

func (s *Service) emitDispatched(signalID string, channel domain.NotificationChannel) {
	if s.events == nil {
		return
	}
	s.events.EmitTyped(events.SignalDispatched, "dispatch", &events.DispatchEventData{
		SignalID: signalID,
		Channel:  string(channel),
	})
}

func (s *Service) emitExpired(signalID string) {
	if s.events == nil {
		return
	}
	s.events.EmitTyped(events.SignalExpired, "dispatch", &events.DispatchEventData{
		SignalID: signalID,
		Expired:  true,
	})
}

func recipientFor(user domain.User, channel domain.NotificationChannel) string {
	switch channel {
	case domain.ChannelTelegram:
		return user.TelegramChatID
	case domain.ChannelEmail:
		return user.Email
	default:
		return ""
	}
}
