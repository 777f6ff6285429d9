package channel

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"leadflow/internal/domain"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// SMTPSender sends email through an authenticated SMTP relay.
type SMTPSender struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg, dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)}
}

func (s *SMTPSender) configured() bool {
	return s.cfg.Host != "" && s.cfg.Username != "" && s.cfg.Password != "" && s.cfg.From != ""
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string, tags []string) (string, error) {
	if !s.configured() {
		return "", fmt.Errorf("%w: smtp credentials missing", domain.ErrConfiguration)
	}
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.From, s.cfg.FromName)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-ID", id)
	if len(tags) > 0 {
		m.SetHeader("X-Leadflow-Tags", strings.Join(tags, ","))
	}
	m.SetBody("text/plain", body)

	// gomail has no context support; the send keeps running in the background
	// if ctx expires first and its result is dropped.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", &domain.TransportError{Op: "smtp send", Err: err}
		}
		return id, nil
	}
}
