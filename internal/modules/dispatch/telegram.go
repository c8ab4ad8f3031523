// Package dispatch delivers generated signals to users over their enabled
// notification channels and records per-channel delivery state in ledger.db.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig configures the Telegram bot transport.
type TelegramConfig struct {
	BotToken string
	BaseURL  string
	Timeout  time.Duration
}

func (c *TelegramConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultTelegramBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// TelegramNotifier sends messages through the Telegram bot API.
type TelegramNotifier struct {
	cfg    TelegramConfig
	client *http.Client
	log    zerolog.Logger
}

var _ domain.Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier creates the transport.
func NewTelegramNotifier(cfg TelegramConfig, log zerolog.Logger) *TelegramNotifier {
	cfg.applyDefaults()
	return &TelegramNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With().Str("component", "telegram_notifier").Logger(),
	}
}

// Channel implements domain.Notifier.
func (t *TelegramNotifier) Channel() domain.NotificationChannel { return domain.ChannelTelegram }

// Enabled implements domain.Notifier. Transports are only constructed when
// their credentials are configured, so a built notifier is always enabled.
func (t *TelegramNotifier) Enabled() bool { return true }

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send implements domain.Notifier. Success means the API acknowledged the
// message with a message id.
func (t *TelegramNotifier) Send(ctx context.Context, msg domain.Message) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                msg.Recipient,
		Text:                  msg.Text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to encode telegram payload: %w", err)
	}

	url := strings.TrimRight(t.cfg.BaseURL, "/") + "/bot" + t.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.NewTransientError("telegram send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return domain.NewTransientError("telegram send", fmt.Errorf("status %d", resp.StatusCode))
	}

	var reply sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return domain.NewMalformedError("telegram reply is not valid JSON: " + err.Error())
	}
	if !reply.OK {
		return domain.NewMalformedError(fmt.Sprintf("telegram rejected message: %s", reply.Description))
	}

	t.log.Debug().
		Str("chat_id", msg.Recipient).
		Int64("message_id", reply.Result.MessageID).
		Msg("Telegram message acknowledged")
	return nil
}
