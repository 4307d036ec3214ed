// Package render turns a rendered newsletter into email-safe, trackable HTML.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	htmlmin "github.com/tdewolff/minify/v2/html"
	"golang.org/x/sync/errgroup"

	"github.com/ItzNotABug/ghosler/config"
)

// Input is one document to transform.
type Input struct {
	PostID     string
	PostURL    string
	HTML       string
	TrackLinks bool
	Excluded   []string // URLs that must never be rewritten for tracking
}

// Result is the transformed document and the outbound URLs it tracks, in first-seen order.
type Result struct {
	TrackedLinks []string
	HTML         string
}

// Transformer rewrites cards, injects link tracking, inlines CSS and minifies.
type Transformer struct {
	cfg    *config.Provider
	prober Prober
	thumbs Thumbnailer
	logger *slog.Logger
	min    *minify.M
}

// New creates a Transformer. The tracking base URL is read from cfg on every render.
func New(cfg *config.Provider, prober Prober, thumbs Thumbnailer, logger *slog.Logger) *Transformer {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.Add("text/html", &htmlmin.Minifier{
		KeepDocumentTags: true,
		KeepEndTags:      true,
	})
	return &Transformer{
		cfg:    cfg,
		prober: prober,
		thumbs: thumbs,
		logger: logger,
		min:    m,
	}
}

// Render runs the full pipeline over in.HTML.
func (t *Transformer) Render(ctx context.Context, in Input) (Result, error) {
	start := time.Now()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	assets := t.fetchAssets(ctx, doc)
	rewriteCards(doc, in.PostURL, assets)

	var tracked []string
	if in.TrackLinks {
		lt := newLinkTracker(t.cfg.Settings().Ghosler.URL, in.PostID, in.Excluded)
		lt.apply(doc)
		tracked = lt.links
	}

	before := imageSizes(doc)
	inlineCSS(doc)
	fixups(doc, before)

	out, err := doc.Html()
	if err != nil {
		return Result{}, fmt.Errorf("serialize html: %w", err)
	}
	minified, err := t.min.String("text/html", out)
	if err != nil {
		return Result{}, fmt.Errorf("minify html: %w", err)
	}

	t.logger.Debug("Newsletter content rendered",
		"post_id", in.PostID,
		"tracked_links", len(tracked),
		"bytes", len(minified),
		"duration_ms", time.Since(start).Milliseconds())

	return Result{TrackedLinks: tracked, HTML: minified}, nil
}

// fetchAssets probes card images and resolves embed thumbnails concurrently,
// before any DOM mutation. Lookup failures leave the entry empty.
func (t *Transformer) fetchAssets(ctx context.Context, doc *goquery.Document) cardAssets {
	assets := cardAssets{sizes: make(map[string]size), thumbs: make(map[string]string)}

	images := make(map[string]bool)
	doc.Find(".kg-gallery-card .kg-gallery-image img").Each(func(_ int, s *goquery.Selection) {
		if src := s.AttrOr("src", ""); src != "" {
			images[src] = true
		}
	})
	doc.Find(".kg-card.kg-image-card").Each(func(_ int, s *goquery.Selection) {
		if src := imageCardSource(s); src != "" {
			images[src] = true
		}
	})
	videos := make(map[string]bool)
	doc.Find(".kg-card.kg-embed-card iframe").Each(func(_ int, s *goquery.Selection) {
		if link := embedVideo(s.AttrOr("src", "")); link != "" {
			videos[link] = true
		}
	})

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(8)
	for src := range images {
		g.Go(func() error {
			w, h, err := t.prober.Dimensions(ctx, src)
			if err != nil {
				t.logger.Warn("Failed to probe image size", "url", src, "error", err)
				return nil
			}
			mu.Lock()
			assets.sizes[src] = size{w: w, h: h}
			mu.Unlock()
			return nil
		})
	}
	for link := range videos {
		g.Go(func() error {
			thumb := t.thumbs.Thumbnail(ctx, link)
			mu.Lock()
			assets.thumbs[link] = thumb
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return assets
}
