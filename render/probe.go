package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/gjson"
	_ "golang.org/x/image/webp" // register decoder
	"golang.org/x/sync/singleflight"
)

// maxProbeBytes bounds how much of an image is read to find its header.
const maxProbeBytes = 1 << 20

// Prober looks up the pixel dimensions of a remote image.
type Prober interface {
	Dimensions(ctx context.Context, imageURL string) (width, height int, err error)
}

// Thumbnailer resolves a poster image for a canonical video link.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, videoURL string) string
}

type size struct{ w, h int }

// HTTPProber fetches image headers over HTTP and decodes only the config block.
type HTTPProber struct {
	client *http.Client
	logger *slog.Logger
	group  singleflight.Group
}

// NewHTTPProber creates a prober. A nil client uses a 15 second timeout.
func NewHTTPProber(client *http.Client, logger *slog.Logger) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPProber{client: client, logger: logger}
}

// Dimensions returns the width and height of the image at imageURL.
// Concurrent probes of the same URL share one request.
func (p *HTTPProber) Dimensions(ctx context.Context, imageURL string) (int, int, error) {
	v, err, _ := p.group.Do(imageURL, func() (any, error) {
		return p.probe(ctx, imageURL)
	})
	if err != nil {
		return 0, 0, err
	}
	s := v.(size)
	return s.w, s.h, nil
}

func (p *HTTPProber) probe(ctx context.Context, imageURL string) (size, error) {
	var s size
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					p.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, maxProbeBytes))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode image header: %w", err))
			}
			if cfg.Width == 0 || cfg.Height == 0 {
				return retry.Unrecoverable(errors.New("image has no dimensions"))
			}
			s = size{w: cfg.Width, h: cfg.Height}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying image probe after error", "attempt", n, "url", imageURL, "error", err)
		}),
	)
	if err != nil {
		return size{}, fmt.Errorf("probe %s: %w", imageURL, err)
	}
	return s, nil
}

const spacerURL = "https://img.spacergif.org/v1/1280x720/0a/spacer.png"

var youtubeID = regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]+)`)

// OEmbedThumbnailer reads thumbnail_url from the YouTube and Vimeo oEmbed endpoints.
type OEmbedThumbnailer struct {
	client  *http.Client
	logger  *slog.Logger
	youtube string
	vimeo   string
	group   singleflight.Group
}

// NewOEmbedThumbnailer creates a thumbnailer. A nil client uses a 10 second timeout.
func NewOEmbedThumbnailer(client *http.Client, logger *slog.Logger) *OEmbedThumbnailer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &OEmbedThumbnailer{
		client:  client,
		logger:  logger,
		youtube: "https://www.youtube.com/oembed",
		vimeo:   "https://vimeo.com/api/oembed.json",
	}
}

// Thumbnail never fails: YouTube falls back to the static hqdefault still, anything else to a spacer.
func (o *OEmbedThumbnailer) Thumbnail(ctx context.Context, videoURL string) string {
	v, _, _ := o.group.Do(videoURL, func() (any, error) {
		return o.thumbnail(ctx, videoURL), nil
	})
	return v.(string)
}

func (o *OEmbedThumbnailer) thumbnail(ctx context.Context, videoURL string) string {
	fallback := spacerURL
	endpoint := o.vimeo
	if m := youtubeID.FindStringSubmatch(videoURL); m != nil {
		fallback = "https://img.youtube.com/vi/" + m[1] + "/hqdefault.jpg"
		endpoint = o.youtube
	}

	reqURL := endpoint + "?format=json&url=" + url.QueryEscape(videoURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fallback
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Warn("oEmbed request failed", "url", videoURL, "error", err)
		return fallback
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			o.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		o.logger.Warn("oEmbed request returned non-OK status", "url", videoURL, "status_code", resp.StatusCode)
		return fallback
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBytes))
	if err != nil {
		return fallback
	}
	if thumb := gjson.GetBytes(body, "thumbnail_url").String(); thumb != "" {
		return thumb
	}
	return fallback
}
