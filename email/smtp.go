package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mail "github.com/wneessen/go-mail"
)

// SMTPConfig describes one SMTP credential pool.
type SMTPConfig struct {
	Host    string
	Port    int
	Secure  bool // implicit TLS; otherwise STARTTLS when offered
	User    string
	Pass    string
	From    string
	ReplyTo string
	Timeout time.Duration
}

// SMTPProvider sends emails over SMTP.
type SMTPProvider struct {
	cfg    SMTPConfig
	opts   []mail.Option
	logger *slog.Logger
}

// NewSMTPProvider creates a new SMTP provider.
func NewSMTPProvider(cfg SMTPConfig, logger *slog.Logger) *SMTPProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	// Authenticate only when both halves of the credential are present.
	if cfg.User != "" && cfg.Pass != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Pass),
		)
	}
	return &SMTPProvider{cfg: cfg, opts: opts, logger: logger}
}

func (s *SMTPProvider) message(msg *Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if msg.Name != "" {
		if err := m.AddToFormat(msg.Name, msg.To); err != nil {
			return nil, fmt.Errorf("set to: %w", err)
		}
	} else if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("set to: %w", err)
	}
	if s.cfg.ReplyTo != "" {
		if err := m.ReplyTo(s.cfg.ReplyTo); err != nil {
			return nil, fmt.Errorf("set reply-to: %w", err)
		}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	for k, v := range msg.unsubscribeHeaders() {
		m.SetGenHeader(mail.Header(k), v)
	}
	return m, nil
}

// Send delivers one message. Each call dials its own connection so a batch can send concurrently.
func (s *SMTPProvider) Send(ctx context.Context, msg *Message) error {
	msg = msg.sanitized()
	m, err := s.message(msg)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(s.cfg.Host, s.opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}

	startTime := time.Now()
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	s.logger.Debug("SMTP message accepted",
		"host", s.cfg.Host,
		"to", msg.To,
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}
