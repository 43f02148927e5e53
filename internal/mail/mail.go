// Package mail sends transactional email through Mailgun, plain SMTP or,
// in development, the application log.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/config"
)

// Sender delivers a plain-text message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// New picks the sender for cfg.Provider.  Incomplete provider settings
// are reported as errors so misconfiguration fails at startup.
func New(cfg config.MailConfig, log logrus.FieldLogger) (Sender, error) {
	log = log.WithField("component", "mail")
	switch strings.ToLower(cfg.Provider) {
	case "mailgun":
		if cfg.MailgunDomain == "" || cfg.MailgunKey == "" || cfg.From == "" {
			return nil, errors.New("mailgun requires MAILGUN_DOMAIN, MAILGUN_API_KEY and MAIL_FROM")
		}
		return &Mailgun{mg: mailgun.NewMailgun(cfg.MailgunDomain, cfg.MailgunKey), from: cfg.From, timeout: cfg.RequestTimeout, log: log}, nil
	case "smtp":
		if cfg.SMTPHost == "" || cfg.From == "" {
			return nil, errors.New("smtp requires SMTP_HOST and MAIL_FROM")
		}
		return &SMTP{cfg: cfg, log: log}, nil
	case "", "log":
		return &Log{log: log}, nil
	}
	return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
}

// Mailgun sends through the Mailgun HTTP API.
type Mailgun struct {
	mg      *mailgun.MailgunImpl
	from    string
	timeout time.Duration
	log     logrus.FieldLogger
}

func (m *Mailgun) Send(ctx context.Context, to, subject, body string) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	msg := m.mg.NewMessage(m.from, subject, body, to)
	_, id, err := m.mg.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	m.log.WithFields(logrus.Fields{"to": to, "id": id}).Info("email queued")
	return nil
}

// SMTP sends with net/smtp, using PLAIN auth when a user is configured.
type SMTP struct {
	cfg config.MailConfig
	log logrus.FieldLogger
}

func (s *SMTP) Send(_ context.Context, to, subject, body string) error {
	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	addr := s.cfg.SMTPHost + ":" + s.cfg.SMTPPort
	if err := smtp.SendMail(addr, auth, envelopeAddress(s.cfg.From), []string{to}, buildMessage(s.cfg.From, to, subject, body)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	s.log.WithField("to", to).Info("email sent")
	return nil
}

// buildMessage renders RFC 5322 headers and a plain-text body.
func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.NewReplacer("\r", "", "\n", "").Replace(subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// envelopeAddress extracts the bare address from "Name <addr>".
func envelopeAddress(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.LastIndex(from, ">"); j > i {
			return from[i+1 : j]
		}
	}
	return strings.TrimSpace(from)
}

// Log writes messages to the application log instead of sending them.
type Log struct {
	log logrus.FieldLogger
}

func (l *Log) Send(_ context.Context, to, subject, body string) error {
	l.log.WithFields(logrus.Fields{"to": to, "subject": subject}).Info(body)
	return nil
}
