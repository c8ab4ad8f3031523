package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wojtczak/sygnal/internal/domain"
	"github.com/wojtczak/sygnal/internal/events"
	"github.com/wojtczak/sygnal/internal/modules/signals"
)

type fakeNotifier struct {
	channel domain.NotificationChannel

	mu   sync.Mutex
	err  error
	sent []domain.Message
}

func (f *fakeNotifier) Channel() domain.NotificationChannel { return f.channel }

func (f *fakeNotifier) Enabled() bool { return true }

func (f *fakeNotifier) Send(_ context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeNotifier) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNotifier) messages() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.sent...)
}

type fakeUserStore struct {
	users []domain.User
	prefs map[int64]domain.UserPreferences
}

func (f fakeUserStore) ActiveUsers() ([]domain.User, error) { return f.users, nil }

func (f fakeUserStore) Preferences(userID int64) (domain.UserPreferences, error) {
	if p, ok := f.prefs[userID]; ok {
		return p, nil
	}
	return domain.DefaultPreferences(userID), nil
}

type dispatchHarness struct {
	svc        *Service
	signals    *signals.SignalRepository
	deliveries *DeliveryRepository
	telegram   *fakeNotifier
	email      *fakeNotifier
	users      *fakeUserStore
	now        time.Time
	dispatched []events.Event
	expired    []events.Event
}

// newDispatchHarness wires a dispatcher over real repositories with one
// active user reachable on both channels.
func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()

	log := zerolog.New(nil).Level(zerolog.Disabled)
	db := setupDispatchDB(t)

	prefs := domain.DefaultPreferences(1)
	prefs.Channels = []domain.NotificationChannel{domain.ChannelTelegram, domain.ChannelEmail}

	h := &dispatchHarness{
		signals:    signals.NewSignalRepository(db, log),
		deliveries: NewDeliveryRepository(db, log),
		telegram:   &fakeNotifier{channel: domain.ChannelTelegram},
		email:      &fakeNotifier{channel: domain.ChannelEmail},
		now:        time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC),
		users: &fakeUserStore{
			users: []domain.User{{ID: 1, Email: "jan@example.pl", TelegramChatID: "555123", IsActive: true}},
			prefs: map[int64]domain.UserPreferences{1: prefs},
		},
	}

	bus := events.NewBus(log)
	bus.Subscribe(events.SignalDispatched, func(e *events.Event) { h.dispatched = append(h.dispatched, *e) })
	bus.Subscribe(events.SignalExpired, func(e *events.Event) { h.expired = append(h.expired, *e) })

	h.svc = NewService(
		ServiceConfig{QueueSize: 8},
		[]domain.Notifier{h.telegram, h.email},
		h.signals,
		h.users,
		h.deliveries,
		domain.ClockFunc(func() time.Time { return h.now }),
		events.NewManager(bus, log),
		log,
	)
	return h
}

// storedSignal returns a persisted-shape buy signal owned by userID.
func storedSignal(userID int64, symbol string, createdAt time.Time) domain.TradingSignal {
	sig := renderedBuy()
	sig.ID = uuid.NewString()
	sig.UserID = userID
	sig.Symbol = symbol
	sig.CreatedAt = createdAt
	sig.SessionKey = createdAt.UTC().Format("2006-01-02")
	return sig
}

func TestService_SweepDeliversOverAllChannels(t *testing.T) {
	h := newDispatchHarness(t)
	sig := storedSignal(1, "CDR", h.now.Add(-10*time.Minute))
	require.NoError(t, h.signals.Insert(sig, nil))

	stats, err := h.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Signals: 1, Dispatched: 1, Sent: 2}, stats)

	tgMsgs := h.telegram.messages()
	require.Len(t, tgMsgs, 1)
	assert.Equal(t, "555123", tgMsgs[0].Recipient)
	assert.Contains(t, tgMsgs[0].Text, "BUY CDR @ 265.20")
	assert.Empty(t, tgMsgs[0].HTML, "telegram gets plain text only")

	mails := h.email.messages()
	require.Len(t, mails, 1)
	assert.Equal(t, "jan@example.pl", mails[0].Recipient)
	assert.Equal(t, "[GPW] CDR BUY @ 265.20", mails[0].Subject)
	assert.NotEmpty(t, mails[0].HTML)

	stored, err := h.signals.ByID(sig.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.IsDispatched)
	require.NotNil(t, stored.DispatchedAt)
	assert.True(t, h.now.Equal(*stored.DispatchedAt))

	rows, err := h.deliveries.For(sig.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, StatusSent, row.Status)
	}

	require.Len(t, h.dispatched, 2)
	channels := []string{
		h.dispatched[0].Data["channel"].(string),
		h.dispatched[1].Data["channel"].(string),
	}
	assert.ElementsMatch(t, []string{"telegram", "email"}, channels)
}

func TestService_SweepIsIdempotent(t *testing.T) {
	h := newDispatchHarness(t)
	sig := storedSignal(1, "CDR", h.now.Add(-10*time.Minute))
	require.NoError(t, h.signals.Insert(sig, nil))

	_, err := h.svc.Sweep(context.Background())
	require.NoError(t, err)

	again, err := h.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, again)
	assert.Equal(t, 1, h.telegram.sentCount())
	assert.Equal(t, 1, h.email.sentCount())
}

func TestService_TransientFailureKeepsSignalUndispatched(t *testing.T) {
	h := newDispatchHarness(t)
	sig := storedSignal(1, "CDR", h.now.Add(-10*time.Minute))
	require.NoError(t, h.signals.Insert(sig, nil))

	h.telegram.setErr(domain.NewTransientError("telegram send", errors.New("status 502")))

	stats, err := h.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Signals: 1, Sent: 1, Retrying: 1}, stats)

	stored, err := h.signals.ByID(sig.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsDispatched, "a retrying channel keeps the signal circulating")

	// The outage ends; only the failed channel is retried.
	h.telegram.setErr(nil)

	stats, err = h.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Signals: 1, Dispatched: 1, Sent: 1}, stats)
	assert.Equal(t, 1, h.email.sentCount(), "the already sent channel is not repeated")
	assert.Equal(t, 1, h.telegram.sentCount())

	rows, err := h.deliveries.For(sig.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, StatusSent, row.Status)
		if row.Channel == domain.ChannelTelegram {
			assert.Equal(t, 2, row.Attempts)
		}
	}
}

func TestService_PermanentFailureMarksDispatched(t *testing.T) {
	h := newDispatchHarness(t)
	prefs := h.users.prefs[1]
	prefs.Channels = []domain.NotificationChannel{domain.ChannelTelegram}
	h.users.prefs[1] = prefs

	sig := storedSignal(1, "CDR", h.now.Add(-10*time.Minute))
	require.NoError(t, h.signals.Insert(sig, nil))

	h.telegram.setErr(domain.NewMalformedError("telegram rejected message: chat not found"))

	stats, err := h.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Signals: 1, Dispatched: 1, Failed: 1}, stats)

	stored, err := h.signals.ByID(sig.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDispatched, "a permanent failure is terminal")

	rows, err := h.deliveries.For(sig.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].LastError, "chat not found")
	assert.Empty(t, h.dispatched, "failed deliveries emit no dispatch event")
}

func TestService_MissingRecipientFailsThatChannel(t *testing.T) {
	h := newDispatchHarness(t)
	h.users.users = []domain.User{{ID: 2, Email: "anna@example.pl", IsActive: true}}
	prefs := domain.DefaultPreferences(2)
	prefs.Channels = []domain.NotificationChannel{domain.ChannelTelegram, domain.ChannelEmail}
	h.users.prefs[2] = prefs

	sig := storedSignal(2, "CDR", h.now.Add(-10*time.Minute))
	require.NoError(t, h.signals.Insert(sig, nil))

	stats, err := h.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Signals: 1, Dispatched: 1, Sent: 1, Failed: 1}, stats)

	rows, err := h.deliveries.For(sig.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.ChannelEmail, rows[0].Channel)
	assert.Equal(t, StatusSent, rows[0].Status)
	assert.Equal(t, domain.ChannelTelegram, rows[1].Channel)
	assert.Equal(t, StatusFailed, rows[1].Status)
	assert.Equal(t, "no recipient configured", rows[1].LastError)
}

func TestService_UnconfiguredTransportFailsChannel(t *testing.T) {
	h := newDispatchHarness(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)

	// Telegram transport only, but the user wants email.
	svc := NewService(
		ServiceConfig{},
		[]domain.Notifier{h.telegram},
		h.signals,
		h.users,
		h.deliveries,
		domain.ClockFunc(func() time.Time { return h.now }),
		nil,
		log,
	)
	prefs := h.users.prefs[1]
	prefs.Channels = []domain.NotificationChannel{domain.ChannelEmail}
	h.users.prefs[1] = prefs

	sig := storedSignal(1, "CDR", h.now.Add(-10*time.Minute))
	require.NoError(t, h.signals.Insert(sig, nil))

	stats, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Signals: 1, Dispatched: 1, Failed: 1}, stats)

	rows, err := h.deliveries.For(sig.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StatusFailed, rows[0].Status)
	assert.Equal(t, "transport not configured", rows[0].LastError)
}

func TestService_InactiveOwnerLeftForExpiry(t *testing.T) {
	h := newDispatchHarness(t)
	sig := storedSignal(99, "CDR", h.now.Add(-10*time.Minute))
	require.NoError(t, h.signals.Insert(sig, nil))

	stats, err := h.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Signals: 1, Skipped: 1}, stats)

	stored, err := h.signals.ByID(sig.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsDispatched)

	rows, err := h.deliveries.For(sig.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestService_RunDeliversQueuedSignal(t *testing.T) {
	h := newDispatchHarness(t)

	already := storedSignal(1, "PKN", h.now.Add(-time.Hour))
	require.NoError(t, h.signals.Insert(already, nil))
	require.NoError(t, h.signals.MarkDispatched(already.ID, h.now.Add(-30*time.Minute)))

	fresh := storedSignal(1, "CDR", h.now.Add(-time.Minute))
	require.NoError(t, h.signals.Insert(fresh, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	assert.True(t, h.svc.Enqueue(already.ID), "queueing an already dispatched signal is a no-op")
	assert.True(t, h.svc.Enqueue(fresh.ID))

	require.Eventually(t, func() bool { return h.telegram.sentCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	tgMsgs := h.telegram.messages()
	require.Len(t, tgMsgs, 1)
	assert.Contains(t, tgMsgs[0].Text, "CDR", "only the fresh signal goes out")

	stored, err := h.signals.ByID(fresh.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDispatched)
}

func TestService_EnqueueDropsWhenFull(t *testing.T) {
	h := newDispatchHarness(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)

	svc := NewService(
		ServiceConfig{QueueSize: 2},
		[]domain.Notifier{h.telegram},
		h.signals,
		h.users,
		h.deliveries,
		domain.ClockFunc(func() time.Time { return h.now }),
		nil,
		log,
	)

	assert.True(t, svc.Enqueue("a"))
	assert.True(t, svc.Enqueue("b"))
	assert.False(t, svc.Enqueue("c"), "a full queue defers to the sweep")
}

func TestService_ExpireSessionWritesExpiredRows(t *testing.T) {
	h := newDispatchHarness(t)

	straggler := storedSignal(1, "CDR", h.now.Add(-4*time.Hour))
	require.NoError(t, h.signals.Insert(straggler, nil))
	// Telegram already went out earlier; only email is still pending.
	require.NoError(t, h.deliveries.Record(straggler.ID, domain.ChannelTelegram, "555123", StatusSent, "", h.now.Add(-3*time.Hour)))

	doneEarlier := storedSignal(1, "PKN", h.now.Add(-5*time.Hour))
	require.NoError(t, h.signals.Insert(doneEarlier, nil))
	require.NoError(t, h.signals.MarkDispatched(doneEarlier.ID, h.now.Add(-4*time.Hour)))

	expired, err := h.svc.ExpireSession(context.Background(), "2026-02-02")
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	stored, err := h.signals.ByID(straggler.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDispatched)

	rows, err := h.deliveries.For(straggler.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.ChannelEmail, rows[0].Channel)
	assert.Equal(t, StatusExpired, rows[0].Status)
	assert.Equal(t, domain.ChannelTelegram, rows[1].Channel)
	assert.Equal(t, StatusSent, rows[1].Status, "the delivered channel keeps its state")

	require.Len(t, h.expired, 1)
	assert.Equal(t, straggler.ID, h.expired[0].Data["signal_id"])
	assert.Equal(t, true, h.expired[0].Data["expired"])
}

func TestService_SendDailySummaries(t *testing.T) {
	h := newDispatchHarness(t)

	optIn := domain.DefaultPreferences(1)
	optIn.Channels = []domain.NotificationChannel{domain.ChannelEmail}
	optIn.DailySummaryOptIn = true
	h.users.prefs[1] = optIn

	optOut := domain.DefaultPreferences(2)
	optOut.Channels = []domain.NotificationChannel{domain.ChannelEmail}
	h.users.prefs[2] = optOut

	quietDay := domain.DefaultPreferences(3)
	quietDay.Channels = []domain.NotificationChannel{domain.ChannelEmail}
	quietDay.DailySummaryOptIn = true
	h.users.prefs[3] = quietDay

	h.users.users = []domain.User{
		{ID: 1, Email: "jan@example.pl", IsActive: true},
		{ID: 2, Email: "anna@example.pl", IsActive: true},
		{ID: 3, Email: "piotr@example.pl", IsActive: true},
	}

	resolved := storedSignal(1, "CDR", h.now.Add(-3*time.Hour))
	require.NoError(t, h.signals.Insert(resolved, nil))
	require.NoError(t, h.signals.AttachOutcome(domain.SignalOutcome{
		SignalID:       resolved.ID,
		Resolution:     domain.ResolutionTargetHit,
		ExitPrice:      decimal.RequireFromString("273.156"),
		ExitAt:         h.now.Add(-time.Hour),
		RealisedPct:    decimal.NewFromInt(3),
		HoldingMinutes: 120,
	}))
	require.NoError(t, h.signals.Insert(storedSignal(2, "PKN", h.now.Add(-2*time.Hour)), nil))

	sent, err := h.svc.SendDailySummaries(context.Background(), "2026-02-02")
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "only the opted-in user with signals gets a summary")

	mails := h.email.messages()
	require.Len(t, mails, 1)
	assert.Equal(t, "jan@example.pl", mails[0].Recipient)
	assert.Equal(t, "[GPW] Daily summary 2026-02-02", mails[0].Subject)
	assert.Contains(t, mails[0].Text, "target_hit at 273.1560, +3.00% in 120 min")
	assert.NotEmpty(t, mails[0].HTML)

	rows, err := h.deliveries.For(resolved.ID)
	require.NoError(t, err)
	assert.Empty(t, rows, "summaries write no delivery rows")
}
