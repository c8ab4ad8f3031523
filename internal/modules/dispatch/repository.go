package dispatch

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
)

// Delivery statuses. sent, failed, and expired are terminal; retrying rows
// are picked up again by the next sweep.
const (
	StatusSent     = "sent"
	StatusRetrying = "retrying"
	StatusFailed   = "failed"
	StatusExpired  = "expired"
)

const deliveryColumns = "id, signal_id, channel, recipient, status, attempts, last_error, delivered_at, created_at"

// Delivery is one per-(signal, channel) delivery record.
type Delivery struct {
	ID          string
	SignalID    string
	Channel     domain.NotificationChannel
	Recipient   string
	Status      string
	Attempts    int
	LastError   string
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

// DeliveryRepository persists delivery records in ledger.db. Rows are unique
// per (signal_id, channel); repeated attempts update the row in place and
// accumulate the attempt count.
type DeliveryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDeliveryRepository creates the repository.
func NewDeliveryRepository(db *sql.DB, log zerolog.Logger) *DeliveryRepository {
	return &DeliveryRepository{
		db:  db,
		log: log.With().Str("repo", "deliveries").Logger(),
	}
}

// Record upserts the outcome of one delivery attempt. delivered_at is set
// only for sent rows and survives later writes.
func (r *DeliveryRepository) Record(signalID string, channel domain.NotificationChannel, recipient, status, lastErr string, at time.Time) error {
	var deliveredAt any
	if status == StatusSent {
		deliveredAt = at.UTC().Format(time.RFC3339)
	}
	var lastError any
	if lastErr != "" {
		lastError = lastErr
	}

	_, err := r.db.Exec(`
		INSERT INTO deliveries (id, signal_id, channel, recipient, status, attempts, last_error, delivered_at, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(signal_id, channel) DO UPDATE SET
			status = excluded.status,
			recipient = excluded.recipient,
			attempts = deliveries.attempts + 1,
			last_error = excluded.last_error,
			delivered_at = COALESCE(excluded.delivered_at, deliveries.delivered_at)`,
		uuid.NewString(), signalID, string(channel), recipient, status,
		lastError, deliveredAt, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery for signal %s over %s: %w", signalID, channel, err)
	}
	return nil
}

// Expire marks an unsent channel as expired without counting an attempt.
// Sent rows are never demoted.
func (r *DeliveryRepository) Expire(signalID string, channel domain.NotificationChannel, recipient string, at time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO deliveries (id, signal_id, channel, recipient, status, attempts, last_error, delivered_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, NULL, ?)
		ON CONFLICT(signal_id, channel) DO UPDATE SET
			status = excluded.status
		WHERE deliveries.status != ?`,
		uuid.NewString(), signalID, string(channel), recipient, StatusExpired,
		at.UTC().Format(time.RFC3339), StatusSent,
	)
	if err != nil {
		return fmt.Errorf("failed to expire delivery for signal %s over %s: %w", signalID, channel, err)
	}
	return nil
}

// For returns the delivery records of one signal.
func (r *DeliveryRepository) For(signalID string) ([]Delivery, error) {
	rows, err := r.db.Query(`
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE signal_id = ? AND is_deleted = 0
		ORDER BY channel ASC`,
		signalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries for signal %s: %w", signalID, err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d           Delivery
			channel     string
			lastErr     sql.NullString
			deliveredAt sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&d.ID, &d.SignalID, &channel, &d.Recipient, &d.Status,
			&d.Attempts, &lastErr, &deliveredAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		d.Channel = domain.NotificationChannel(channel)
		d.LastError = lastErr.String
		if deliveredAt.Valid {
			ts, err := time.Parse(time.RFC3339, deliveredAt.String)
			if err != nil {
				return nil, domain.NewMalformedError(fmt.Sprintf("delivery %s delivered_at %q is not a timestamp", d.ID, deliveredAt.String))
			}
			d.DeliveredAt = &ts
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, domain.NewMalformedError(fmt.Sprintf("delivery %s created_at %q is not a timestamp", d.ID, createdAt))
		}
		d.CreatedAt = ts
		out = append(out, d)
	}
	return out, rows.Err()
}

// SentChannels returns the channels over which the signal already went out.
func (r *DeliveryRepository) SentChannels(signalID string) (map[domain.NotificationChannel]bool, error) {
	deliveries, err := r.For(signalID)
	if err != nil {
		return nil, err
	}
	sent := make(map[domain.NotificationChannel]bool, len(deliveries))
	for _, d := range deliveries {
		if d.Status == StatusSent {
			sent[d.Channel] = true
		}
	}
	return sent, nil
}

// StatusCounts aggregates delivery rows by status for the ops surface.
func (r *DeliveryRepository) StatusCounts() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM deliveries WHERE is_deleted = 0 GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan delivery count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
