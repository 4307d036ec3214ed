package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"time"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	apiKey   string
	endpoint string
	from     brevoContact
	replyTo  *brevoContact
	client   *http.Client
	logger   *slog.Logger
}

// NewBrevoProvider creates a new Brevo email provider. from and replyTo accept "Name <addr>".
func NewBrevoProvider(apiKey, from, replyTo string, logger *slog.Logger) *BrevoProvider {
	b := &BrevoProvider{
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
		from:     parseContact(from),
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
	if replyTo != "" {
		c := parseContact(replyTo)
		b.replyTo = &c
	}
	return b
}

// brevoSendRequest represents the Brevo API send email request.
type brevoSendRequest struct {
	Sender  brevoContact      `json:"sender"`
	To      []brevoContact    `json:"to"`
	ReplyTo *brevoContact     `json:"replyTo,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"htmlContent"`
	Headers map[string]string `json:"headers,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func parseContact(s string) brevoContact {
	if addr, err := mail.ParseAddress(s); err == nil {
		return brevoContact{Email: addr.Address, Name: addr.Name}
	}
	return brevoContact{Email: s}
}

// Send sends an email via Brevo API.
func (b *BrevoProvider) Send(ctx context.Context, msg *Message) error {
	msg = msg.sanitized()
	reqBody := brevoSendRequest{
		Sender:  b.from,
		To:      []brevoContact{{Email: msg.To, Name: msg.Name}},
		ReplyTo: b.replyTo,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Headers: msg.unsubscribeHeaders(),
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	startTime := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("brevo request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("brevo: HTTP %d: %s", resp.StatusCode, body)
	}

	b.logger.Debug("Brevo API request completed",
		"endpoint", "smtp/email",
		"to", msg.To,
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}
