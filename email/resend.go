package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v3"
)

// ResendProvider sends emails via the Resend API.
type ResendProvider struct {
	client  *resend.Client
	from    string
	replyTo string
	logger  *slog.Logger
}

// NewResendProvider creates a new Resend email provider.
func NewResendProvider(apiKey, from, replyTo string, logger *slog.Logger) *ResendProvider {
	return &ResendProvider{
		client:  resend.NewClient(apiKey),
		from:    from,
		replyTo: replyTo,
		logger:  logger,
	}
}

// Send sends an email via Resend.
func (r *ResendProvider) Send(ctx context.Context, msg *Message) error {
	msg = msg.sanitized()
	req := &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{msg.recipient()},
		Subject: msg.Subject,
		Html:    msg.HTML,
		ReplyTo: r.replyTo,
		Headers: msg.unsubscribeHeaders(),
	}

	resp, err := r.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("resend send: %w", err)
	}

	r.logger.Debug("Resend API request completed", "to", msg.To, "message_id", resp.Id)
	return nil
}
