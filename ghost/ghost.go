// Package ghost is a client for the Ghost Admin API.
package ghost

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ItzNotABug/ghosler/config"
	"github.com/ItzNotABug/ghosler/pkg/ghosler"
)

const (
	apiPath    = "/ghost/api/admin/"
	apiVersion = "v5.0"
	pageSize   = 100
	tokenTTL   = 5 * time.Minute
)

// StatusError is a non-2xx response from the Admin API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ghost admin api: HTTP %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is an API response with the given status code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client reads site data, members and posts from Ghost.
type Client struct {
	cfg    *config.Provider
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a client. The site URL and admin key are read from cfg on every request.
func New(cfg *config.Provider, client *http.Client, logger *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, client: client, logger: logger, now: time.Now}
}

// Token signs a short-lived admin token from an "id:hexsecret" key.
func Token(key string, now time.Time) (string, error) {
	id, secretHex, ok := strings.Cut(key, ":")
	if !ok || id == "" || secretHex == "" {
		return "", errors.New("admin key must be in id:secret form")
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("decode admin secret: %w", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		Audience:  jwt.ClaimStrings{"/admin/"},
	})
	tok.Header["kid"] = id
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

func (c *Client) endpoint(resource string, q url.Values) string {
	base := strings.TrimRight(c.cfg.Settings().Ghost.URL, "/")
	u := base + apiPath + resource
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do sends one request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, resource string, q url.Values, body, out any) error {
	token, err := Token(c.cfg.Settings().Ghost.Key, c.now())
	if err != nil {
		return err
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(resource, q), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Ghost "+token)
	req.Header.Set("Accept-Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startTime := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Ghost API request completed",
		"method", method,
		"resource", resource,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(startTime).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}

// get retries transient failures. Client errors are not retried.
func (c *Client) get(ctx context.Context, resource string, q url.Values, out any) error {
	err := retry.Do(
		func() error {
			err := c.do(ctx, http.MethodGet, resource, q, nil, out)
			var se *StatusError
			if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Ghost API request after error", "resource", resource, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("get %s: %w", resource, err)
	}
	return nil
}

// Site returns the site metadata.
func (c *Client) Site(ctx context.Context) (*ghosler.Site, error) {
	var resp struct {
		Site struct {
			ghosler.Site
			Locale string `json:"locale"`
		} `json:"site"`
	}
	if err := c.get(ctx, "site/", nil, &resp); err != nil {
		return nil, err
	}
	site := resp.Site.Site
	if site.Lang == "" {
		site.Lang = resp.Site.Locale
	}
	if site.Lang == "" {
		site.Lang = "en"
	}
	if site.URL != "" && !strings.HasSuffix(site.URL, "/") {
		site.URL += "/"
	}
	return &site, nil
}

type pagination struct {
	Next *int `json:"next"`
}

// Members returns every subscribed member that receives newsletterID.
// An empty newsletterID returns all subscribed members.
func (c *Client) Members(ctx context.Context, newsletterID string) ([]*ghosler.Subscriber, error) {
	var subs []*ghosler.Subscriber
	page, skipped := 1, 0
	for {
		var resp struct {
			Members []ghosler.Member `json:"members"`
			Meta    struct {
				Pagination pagination `json:"pagination"`
			} `json:"meta"`
		}
		q := url.Values{
			"filter": {"subscribed:true"},
			"limit":  {fmt.Sprint(pageSize)},
			"page":   {fmt.Sprint(page)},
		}
		if err := c.get(ctx, "members/", q, &resp); err != nil {
			return nil, err
		}

		for _, m := range resp.Members {
			sub, ok := ghosler.NewSubscriber(m)
			if !ok {
				skipped++
				continue
			}
			if sub.IsSubscribedTo(newsletterID) {
				subs = append(subs, sub)
			}
		}

		next := resp.Meta.Pagination.Next
		if next == nil || *next <= page {
			break
		}
		page = *next
	}

	c.logger.Info("Members fetched",
		"newsletter_id", newsletterID,
		"subscribers", len(subs),
		"skipped_invalid", skipped)
	return subs, nil
}

// Newsletters returns the active newsletters.
func (c *Client) Newsletters(ctx context.Context) ([]ghosler.Newsletter, error) {
	var resp struct {
		Newsletters []ghosler.Newsletter `json:"newsletters"`
	}
	q := url.Values{
		"limit":  {"all"},
		"filter": {"status:active"},
		"fields": {"id,name,description,status"},
	}
	if err := c.get(ctx, "newsletters/", q, &resp); err != nil {
		return nil, err
	}
	return resp.Newsletters, nil
}

// LatestPosts returns up to limit published posts, newest first, excluding excludeID.
func (c *Client) LatestPosts(ctx context.Context, excludeID string, limit int) ([]ghosler.PostSummary, error) {
	if limit <= 0 {
		limit = 3
	}
	var resp struct {
		Posts []struct {
			ghosler.PostSummary
			CustomExcerpt string `json:"custom_excerpt"`
		} `json:"posts"`
	}
	q := url.Values{
		"filter": {"status:published+id:-" + excludeID},
		"order":  {"published_at DESC"},
		"limit":  {fmt.Sprint(limit)},
		"fields": {"id,title,custom_excerpt,excerpt,url,feature_image"},
	}
	if err := c.get(ctx, "posts/", q, &resp); err != nil {
		return nil, err
	}
	posts := make([]ghosler.PostSummary, 0, len(resp.Posts))
	for _, p := range resp.Posts {
		s := p.PostSummary
		if p.CustomExcerpt != "" {
			s.Excerpt = p.CustomExcerpt
		}
		posts = append(posts, s)
	}
	return posts, nil
}

// CommentsEnabled reports whether native comments are on. Lookup failures default to true.
func (c *Client) CommentsEnabled(ctx context.Context) bool {
	var resp struct {
		Settings []struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		} `json:"settings"`
	}
	if err := c.get(ctx, "settings/", nil, &resp); err != nil {
		c.logger.Warn("Could not read comments setting, defaulting to enabled", "error", err)
		return true
	}
	for _, s := range resp.Settings {
		if s.Key != "comments_enabled" {
			continue
		}
		var v string
		if err := json.Unmarshal(s.Value, &v); err != nil {
			return true
		}
		return v != "off"
	}
	return true
}

// RegisterWebhook creates the post.published webhook pointing at targetURL.
// An existing webhook for the same target is not an error.
func (c *Client) RegisterWebhook(ctx context.Context, targetURL, secret string) error {
	body := map[string]any{"webhooks": []map[string]string{{
		"name":       "Ghosler Webhook",
		"event":      "post.published",
		"target_url": targetURL,
		"secret":     secret,
	}}}
	err := c.do(ctx, http.MethodPost, "webhooks/", nil, body, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnprocessableEntity && strings.Contains(se.Body, "already been used") {
		c.logger.Info("Webhook already registered", "target_url", targetURL)
		return nil
	}
	if err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	c.logger.Info("Webhook registered", "target_url", targetURL)
	return nil
}

// RegisterIgnoreTag creates the internal tag that excludes a post from sending, if it is missing.
func (c *Client) RegisterIgnoreTag(ctx context.Context) error {
	err := c.get(ctx, "tags/slug/"+ghosler.IgnoreTag+"/", nil, nil)
	if err == nil {
		return nil
	}
	if !IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("check ignore tag: %w", err)
	}

	body := map[string]any{"tags": []map[string]string{{
		"slug":         ghosler.IgnoreTag,
		"name":         "#GhoslerIgnore",
		"visibility":   "internal",
		"accent_color": "#0f0f0f",
		"description":  "Posts with this tag are not sent as a newsletter.",
	}}}
	if err := c.do(ctx, http.MethodPost, "tags/", nil, body, nil); err != nil {
		return fmt.Errorf("create ignore tag: %w", err)
	}
	c.logger.Info("Ignore tag created", "slug", ghosler.IgnoreTag)
	return nil
}
