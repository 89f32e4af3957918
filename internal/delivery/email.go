package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/albapepper/subwatch/internal/domain"
)

const channelEmail = "email"

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

// Email sends plain-text mail over SMTP. It is the primary channel.
type Email struct {
	cfg    SMTPConfig
	dialer net.Dialer
	logger *slog.Logger
}

// NewEmail creates the email channel. Returns nil if no SMTP host is set.
func NewEmail(cfg SMTPConfig, logger *slog.Logger) *Email {
	if cfg.Host == "" {
		return nil
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@" + cfg.Host
		logger.Warn("SMTP_SENDER not set, using default sender", "sender", cfg.Sender)
	}
	return &Email{cfg: cfg, logger: logger}
}

// Send delivers c to the recipient's email address. Rejections of the
// recipient (5xx on RCPT) and unparsable addresses are permanent; all
// other failures are transient.
func (e *Email) Send(ctx context.Context, to domain.User, kind domain.AlertKind, c Content) error {
	if to.Email == "" {
		return Permanent(channelEmail, fmt.Errorf("user %s has no email address", to.ID))
	}
	rcpt, err := mail.ParseAddress(to.Email)
	if err != nil {
		return Permanent(channelEmail, fmt.Errorf("invalid address %q: %w", to.Email, err))
	}

	conn, err := e.dialer.DialContext(ctx, "tcp", net.JoinHostPort(e.cfg.Host, e.cfg.Port))
	if err != nil {
		return Transient(channelEmail, fmt.Errorf("dial: %w", err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		conn.Close()
		return Transient(channelEmail, fmt.Errorf("handshake: %w", err))
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return Transient(channelEmail, fmt.Errorf("starttls: %w", err))
		}
	}
	if e.cfg.Username != "" && e.cfg.Password != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
			if err := client.Auth(auth); err != nil {
				return Transient(channelEmail, fmt.Errorf("auth: %w", err))
			}
		}
	}

	if err := client.Mail(e.cfg.Sender); err != nil {
		return Transient(channelEmail, fmt.Errorf("mail from: %w", err))
	}
	if err := client.Rcpt(rcpt.Address); err != nil {
		if isRejected(err) {
			return Permanent(channelEmail, fmt.Errorf("rcpt %s: %w", rcpt.Address, err))
		}
		return Transient(channelEmail, fmt.Errorf("rcpt %s: %w", rcpt.Address, err))
	}

	w, err := client.Data()
	if err != nil {
		return Transient(channelEmail, fmt.Errorf("data: %w", err))
	}
	if _, err := w.Write(e.compose(rcpt.Address, c)); err != nil {
		return Transient(channelEmail, fmt.Errorf("write body: %w", err))
	}
	if err := w.Close(); err != nil {
		return Transient(channelEmail, fmt.Errorf("end data: %w", err))
	}
	_ = client.Quit()

	e.logger.Debug("email sent", "to", rcpt.Address, "kind", kind.String())
	return nil
}

func (e *Email) compose(to string, c Content) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\n",
		headerValue(e.cfg.Sender), headerValue(to),
		mime.QEncoding.Encode("UTF-8", headerValue(c.Subject)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	body := strings.ReplaceAll(c.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// headerValue folds line breaks into spaces so user-controlled text such as a
// subscription name cannot start a new header.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

// isRejected reports a permanent SMTP reply (5xx).
func isRejected(err error) bool {
	var tp *textproto.Error
	return errors.As(err, &tp) && tp.Code >= 500
}
