package domain

import (
	"context"
	"time"
)

// Clock abstracts wall-clock access so schedulers, analyzers, and trackers
// can be tested with a fake clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return ClockFunc(time.Now)
}

// OHLCVStore is the repository boundary over price bars.
type OHLCVStore interface {
	// Append inserts a bar if (symbol, timestamp) is new. Duplicate bars are
	// silently ignored; the bool result reports whether a row was written.
	Append(bar OHLCVBar) (bool, error)

	// LatestBars returns up to n most recent bars for a symbol in ascending
	// timestamp order.
	LatestBars(symbol string, n int) ([]OHLCVBar, error)

	// BarsBetween returns bars with from < timestamp <= to, ascending.
	BarsBetween(symbol string, from, to time.Time) ([]OHLCVBar, error)

	// AverageDailyVolume returns the mean daily traded volume over the last
	// days calendar days.
	AverageDailyVolume(symbol string, days int) (int64, error)
}

// NewsStore is the repository boundary over articles and classifications.
type NewsStore interface {
	// InsertArticle stores an article unless its URL already exists. The bool
	// result reports whether a row was written.
	InsertArticle(article NewsArticle) (bool, error)

	// Unclassified returns up to limit articles with no classification,
	// oldest first.
	Unclassified(limit int) ([]NewsArticle, error)

	// AttachClassification attaches the classification to an article. An
	// article is classified at most once.
	AttachClassification(articleID int64, c Classification) error

	// ClassifiedSince returns classified articles mentioning symbol with
	// publication time inside (since, until].
	ClassifiedSince(symbol string, since, until time.Time) ([]NewsArticle, error)
}

// SignalStore is the repository boundary over signals and outcomes.
type SignalStore interface {
	// Insert persists a new signal together with its initial dispatch state.
	// When supersede is non-nil, the identified open signal is atomically
	// finalised as cancelled in the same transaction.
	Insert(signal TradingSignal, supersede *string) error

	// OpenSignal returns the unresolved non-hold signal for (userID, symbol),
	// or nil when none is open.
	OpenSignal(userID int64, symbol string) (*TradingSignal, error)

	// Undispatched returns non-hold signals not yet dispatched.
	Undispatched(limit int) ([]TradingSignal, error)

	// Unresolved returns non-hold signals without an outcome.
	Unresolved(limit int) ([]TradingSignal, error)

	// MarkDispatched records a successful dispatch.
	MarkDispatched(signalID string, at time.Time) error

	// AttachOutcome finalises a signal. Outcomes are write-once: attaching to
	// an already-resolved signal returns ErrInvariant.
	AttachOutcome(outcome SignalOutcome) error

	// CountForUserOnDate counts non-hold signals for a user on a session day.
	CountForUserOnDate(userID int64, sessionKey string) (int, error)
}

// UserStore is the repository boundary over users and preferences.
type UserStore interface {
	// ActiveUsers lists users eligible for signal generation.
	ActiveUsers() ([]User, error)

	// Preferences returns the user's trading preferences, falling back to
	// defaults when none are stored.
	Preferences(userID int64) (UserPreferences, error)
}

// Classifier assigns a sentiment classification to one article. Providers
// must honour the context deadline and wrap failures as ErrTransient when a
// later retry may succeed.
type Classifier interface {
	Classify(ctx context.Context, article NewsArticle, universe []Stock) (Classification, error)
	Name() string
	Available(ctx context.Context) bool
}

// Notifier delivers one rendered message over a channel transport.
type Notifier interface {
	// Send delivers the message. Success means the transport acknowledged it.
	Send(ctx context.Context, msg Message) error
	Channel() NotificationChannel
	Enabled() bool
}

// Message is a rendered notification ready for a transport.
type Message struct {
	Recipient string // chat id or email address
	Subject   string // ignored by transports without subjects
	Text      string // plain-text body (UTF-8)
	HTML      string // optional HTML alternative
}
