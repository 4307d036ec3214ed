// Package delivery personalizes newsletters and sends them in rate-limited batches across mail pools.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ItzNotABug/ghosler/bitset"
	"github.com/ItzNotABug/ghosler/config"
	"github.com/ItzNotABug/ghosler/email"
	"github.com/ItzNotABug/ghosler/pkg/ghosler"
)

// DefaultSendTimeout bounds a single recipient send.
const DefaultSendTimeout = 60 * time.Second

var (
	// ErrAlreadySent is returned when the post is not in the Unsent state.
	ErrAlreadySent = errors.New("newsletter already sent or sending")
	// ErrNoSubscribers is returned when there is nobody to send to. No state is changed.
	ErrNoSubscribers = errors.New("no subscribers")
)

// Store persists post stats.
type Store interface {
	Update(ctx context.Context, id string, fn func(*ghosler.Post) (bool, error)) (*ghosler.Post, error)
}

// ProviderFactory builds the mail transport for one pool.
type ProviderFactory interface {
	Provider(ctx context.Context, m config.Mail) (email.Provider, error)
}

// Job is everything needed to deliver one post.
type Job struct {
	Post           *ghosler.Post
	Site           *ghosler.Site
	Subscribers    []*ghosler.Subscriber
	NewsletterName string
	Full           string
	Partial        string // empty when the post has no members-only section
	TrackedLinks   []string
}

// Report summarises a completed send.
type Report struct {
	RunID    string
	Members  int
	Sent     int
	Failed   int
	Duration time.Duration
}

// Engine delivers newsletters.
type Engine struct {
	store       Store
	providers   ProviderFactory
	personal    *Personalizer
	cfg         *config.Provider
	logger      *slog.Logger
	sendTimeout time.Duration
	sleep       func(context.Context, time.Duration) error
}

// NewEngine creates a delivery engine. A zero sendTimeout uses DefaultSendTimeout.
func NewEngine(store Store, providers ProviderFactory, personal *Personalizer, cfg *config.Provider, logger *slog.Logger, sendTimeout time.Duration) *Engine {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Engine{
		store:       store,
		providers:   providers,
		personal:    personal,
		cfg:         cfg,
		logger:      logger,
		sendTimeout: sendTimeout,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send delivers job to every subscriber and records the outcome on the stored post.
// The post moves Unsent -> Sending before the first message and Sending -> Sent after the last.
func (e *Engine) Send(ctx context.Context, job Job) (Report, error) {
	report := Report{RunID: uuid.NewString(), Members: len(job.Subscribers)}
	if len(job.Subscribers) == 0 {
		return report, ErrNoSubscribers
	}
	pools := e.cfg.Settings().Mail
	if len(pools) == 0 {
		return report, errors.New("no mail configuration")
	}

	logger := e.logger.With("post_id", job.Post.ID, "run_id", report.RunID)
	start := time.Now()

	links := make([]ghosler.TrackedLink, 0, len(job.TrackedLinks))
	for _, u := range job.TrackedLinks {
		links = append(links, ghosler.TrackedLink{URL: u})
	}
	_, err := e.store.Update(ctx, job.Post.ID, func(p *ghosler.Post) (bool, error) {
		if p.Stats.NewsletterStatus != ghosler.StatusUnsent {
			return false, fmt.Errorf("post %s is %s: %w", p.ID, p.Stats.NewsletterStatus, ErrAlreadySent)
		}
		p.Stats.NewsletterStatus = ghosler.StatusSending
		p.Stats.Members = len(job.Subscribers)
		p.Stats.NewsletterName = job.NewsletterName
		p.Stats.PostContentTrackedLinks = links
		return true, nil
	})
	if err != nil {
		return report, fmt.Errorf("mark sending: %w", err)
	}

	logger.Info("Newsletter send started",
		"members", len(job.Subscribers),
		"pools", len(pools),
		"paid", job.Post.IsPaid(),
		"gated", job.Partial != "")

	var sent atomic.Int64
	for _, chunk := range Plan(job.Subscribers, len(pools)) {
		n, err := e.sendChunk(ctx, logger, job, pools[chunk.Pool], chunk)
		sent.Add(int64(n))
		if err != nil {
			logger.Warn("Mail pool stopped early", "pool", chunk.Pool, "error", err)
		}
	}

	report.Sent = int(sent.Load())
	report.Failed = report.Members - report.Sent

	// The send may have been cancelled; the final state is still recorded.
	_, err = e.store.Update(context.WithoutCancel(ctx), job.Post.ID, func(p *ghosler.Post) (bool, error) {
		p.Stats.NewsletterStatus = ghosler.StatusSent
		p.Stats.Members = report.Members
		p.Stats.EmailsSent = report.Sent
		p.Stats.EmailsOpened = bitset.New(report.Members).String()
		p.Complete = false
		return true, nil
	})
	report.Duration = time.Since(start)
	if err != nil {
		logger.Error("Failed to record newsletter stats", "error", err)
		return report, fmt.Errorf("mark sent: %w", err)
	}

	logger.Info("Newsletter send complete",
		"members", report.Members,
		"sent", report.Sent,
		"failed", report.Failed,
		"duration_ms", report.Duration.Milliseconds())
	return report, nil
}

// sendChunk delivers one pool's chunk batch by batch and returns the number of accepted messages.
func (e *Engine) sendChunk(ctx context.Context, logger *slog.Logger, job Job, pool config.Mail, chunk Chunk) (int, error) {
	provider, err := e.providers.Provider(ctx, pool)
	if err != nil {
		return 0, fmt.Errorf("build provider: %w", err)
	}

	size := pool.Batch()
	batches := Batches(chunk.Subscribers, size)
	tierIDs := job.Post.TierIDs()
	total := 0

	for bi, batch := range batches {
		offset := chunk.Offset + bi*size
		var ok atomic.Int64
		var g errgroup.Group
		for i, sub := range batch {
			index := offset + i
			g.Go(func() error {
				if e.sendOne(ctx, logger, provider, job, sub, index, tierIDs) {
					ok.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
		total += int(ok.Load())

		logger.Info("Newsletter batch complete",
			"pool", chunk.Pool,
			"batch", bi+1,
			"batches", len(batches),
			"sent", ok.Load(),
			"size", len(batch))

		if bi < len(batches)-1 {
			if err := e.sleep(ctx, pool.Delay()); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// content picks the variant a subscriber may read.
func (job Job) content(sub *ghosler.Subscriber, tierIDs []string) string {
	if !job.Post.IsPaid() || sub.IsPaying(tierIDs) || job.Partial == "" {
		return job.Full
	}
	return job.Partial
}

func (e *Engine) sendOne(ctx context.Context, logger *slog.Logger, provider email.Provider, job Job, sub *ghosler.Subscriber, index int, tierIDs []string) bool {
	msg := &email.Message{
		To:                 sub.Email,
		Name:               sub.Name,
		Subject:            e.personal.Subject(job.Post, sub, job.NewsletterName),
		HTML:               e.personal.Body(job.content(sub, tierIDs), job.Post, sub, index),
		ListUnsubscribeURL: e.personal.UnsubscribeURL(job.Site, sub),
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	if err := provider.Send(sendCtx, msg); err != nil {
		logger.Warn("Failed to send newsletter", "index", index, "to", sub.Email, "error", err)
		return false
	}
	return true
}
