package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wojtczak/sygnal/internal/domain"
)

// SMTPConfig configures the mail transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

func (c *SMTPConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 587
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

// EmailNotifier sends MIME mail over SMTP. Port 465 uses implicit TLS;
// other ports upgrade with STARTTLS when the server offers it.
type EmailNotifier struct {
	cfg SMTPConfig
	log zerolog.Logger
}

var _ domain.Notifier = (*EmailNotifier)(nil)

// NewEmailNotifier creates the transport.
func NewEmailNotifier(cfg SMTPConfig, log zerolog.Logger) *EmailNotifier {
	cfg.applyDefaults()
	return &EmailNotifier{
		cfg: cfg,
		log: log.With().Str("component", "email_notifier").Logger(),
	}
}

// Channel implements domain.Notifier.
func (e *EmailNotifier) Channel() domain.NotificationChannel { return domain.ChannelEmail }

// Enabled implements domain.Notifier. Transports are only constructed when
// their credentials are configured, so a built notifier is always enabled.
func (e *EmailNotifier) Enabled() bool { return true }

// Send implements domain.Notifier. SMTP failures are reported as transient;
// the dispatcher retries them on the next sweep.
func (e *EmailNotifier) Send(ctx context.Context, msg domain.Message) error {
	body, err := buildMIME(e.cfg.From, msg)
	if err != nil {
		return fmt.Errorf("failed to build mail body: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	dialer := &net.Dialer{Timeout: e.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return domain.NewTransientError("smtp dial", err)
	}
	if e.cfg.Port == 465 {
		conn = tls.Client(conn, &tls.Config{ServerName: e.cfg.Host})
	}

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		conn.Close()
		return domain.NewTransientError("smtp handshake", err)
	}
	defer client.Close()

	if e.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
				return domain.NewTransientError("smtp starttls", err)
			}
		}
	}

	if e.cfg.Username != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return domain.NewTransientError("smtp auth", err)
		}
	}

	if err := client.Mail(e.cfg.From); err != nil {
		return domain.NewTransientError("smtp mail from", err)
	}
	if err := client.Rcpt(msg.Recipient); err != nil {
		return domain.NewTransientError("smtp rcpt", err)
	}

	w, err := client.Data()
	if err != nil {
		return domain.NewTransientError("smtp data", err)
	}
	if _, err := w.Write(body); err != nil {
		return domain.NewTransientError("smtp write", err)
	}
	if err := w.Close(); err != nil {
		return domain.NewTransientError("smtp close", err)
	}

	if err := client.Quit(); err != nil {
		e.log.Debug().Err(err).Msg("SMTP quit failed after accepted message")
	}

	e.log.Debug().Str("to", msg.Recipient).Str("subject", msg.Subject).Msg("Mail accepted")
	return nil
}

// buildMIME renders the full RFC 5322 message. A message with an HTML body
// becomes multipart/alternative with the plain text part first.
func buildMIME(from string, msg domain.Message) ([]byte, error) {
	var b strings.Builder

	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.Recipient + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")

	if msg.HTML == "" {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		b.WriteString("\r\n")
		b.WriteString(msg.Text)
		b.WriteString("\r\n")
		return []byte(b.String()), nil
	}

	var parts strings.Builder
	mw := multipart.NewWriter(&parts)

	text, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := text.Write([]byte(msg.Text)); err != nil {
		return nil, err
	}

	html, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if _, err := html.Write([]byte(msg.HTML)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	b.WriteString(`Content-Type: multipart/alternative; boundary="` + mw.Boundary() + `"` + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(parts.String())
	return []byte(b.String()), nil
}
