package email

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/api/gmail/v1"

	"github.com/ItzNotABug/ghosler/config"
)

// Factory builds a Provider for each configured mail pool.
// The Gmail service is created lazily and shared across pools.
type Factory struct {
	logger    *slog.Logger
	gmailJSON string

	mu    sync.Mutex
	gmail *gmail.Service
}

// NewFactory creates a provider factory. gmailCredentials may be empty when no pool uses Gmail.
func NewFactory(gmailCredentials string, logger *slog.Logger) *Factory {
	return &Factory{logger: logger, gmailJSON: gmailCredentials}
}

// Provider returns the sender for one mail pool.
func (f *Factory) Provider(ctx context.Context, m config.Mail) (Provider, error) {
	switch m.Provider {
	case "", "smtp":
		cfg := SMTPConfig{
			Host:    m.Host,
			Port:    m.Port,
			Secure:  m.IsSecure(),
			From:    m.From,
			ReplyTo: m.ReplyTo,
		}
		if m.Auth != nil {
			cfg.User = m.Auth.User
			cfg.Pass = m.Auth.Pass
		}
		return NewSMTPProvider(cfg, f.logger), nil
	case "brevo":
		return NewBrevoProvider(m.APIKey, m.From, m.ReplyTo, f.logger), nil
	case "resend":
		return NewResendProvider(m.APIKey, m.From, m.ReplyTo, f.logger), nil
	case "gmail":
		svc, err := f.gmailService(ctx)
		if err != nil {
			return nil, err
		}
		return NewGmailProvider(svc, m.From, m.ReplyTo, f.logger), nil
	case "mock":
		return NewMockProvider(f.logger), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", m.Provider)
	}
}

func (f *Factory) gmailService(ctx context.Context) (*gmail.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gmail != nil {
		return f.gmail, nil
	}
	svc, err := NewGmailService(ctx, f.gmailJSON)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	f.gmail = svc
	return svc, nil
}
