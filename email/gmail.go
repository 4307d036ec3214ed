package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	from    string
	replyTo string
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
// An empty from lets Gmail use the authenticated account.
func NewGmailProvider(service *gmail.Service, from, replyTo string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		from:    from,
		replyTo: replyTo,
		logger:  logger,
	}
}

// buildMIME renders a raw RFC 5322 message for the Gmail API.
func buildMIME(from, replyTo string, msg *Message) string {
	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", sanitizeEmailHeader(from))
	}
	if replyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", sanitizeEmailHeader(replyTo))
	}
	fmt.Fprintf(&b, "To: %s\r\n", msg.recipient())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))

	headers := msg.unsubscribeHeaders()
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, "%s: %s\r\n", k, headers[k])
	}

	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(msg.HTML)
	return b.String()
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) error {
	msg = msg.sanitized()
	encoded := base64.URLEncoding.EncodeToString([]byte(buildMIME(g.from, g.replyTo, msg)))

	startTime := time.Now()
	_, err := g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: encoded,
	}).Context(ctx).Do()
	duration := time.Since(startTime)

	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}

	g.logger.Debug("Gmail API request completed",
		"endpoint", "users.messages.send",
		"to", msg.To,
		"duration_ms", duration.Milliseconds())
	return nil
}

// NewGmailService authenticates with explicit credentials, or with Application Default
// Credentials when running on Cloud Run.
func NewGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// The Cloud Run service account needs the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
