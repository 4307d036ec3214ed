package track

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ItzNotABug/ghosler/pkg/ghosler"
	"github.com/ItzNotABug/ghosler/storage"
)

// flushTimeout bounds a timer-triggered flush.
const flushTimeout = time.Minute

// flushConcurrency limits how many posts are updated at once.
const flushConcurrency = 8

// Store is the post persistence used by the queues.
type Store interface {
	Update(ctx context.Context, id string, fn func(*ghosler.Post) (bool, error)) (*ghosler.Post, error)
}

// Option configures a queue.
type Option func(*options)

type options struct {
	clock Clock
	delay time.Duration
}

// WithClock injects the clock used for debouncing.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDelay overrides the quiet period before a flush.
func WithDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.delay = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: realClock{}, delay: DefaultDelay}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// flushAll applies update to every post id concurrently. Failures are logged per post and
// never cancel sibling updates.
func flushAll[T any](ctx context.Context, logger *slog.Logger, kind string, batch map[string]T, update func(context.Context, string, T) (bool, error)) {
	var g errgroup.Group
	g.SetLimit(flushConcurrency)

	for id, entry := range batch {
		g.Go(func() error {
			changed, err := update(ctx, id, entry)
			switch {
			case storage.IsNotFound(err):
				logger.Debug("Tracked post no longer exists, skipping", "queue", kind, "post_id", id)
			case err != nil:
				logger.Error("Failed to flush tracking update", "queue", kind, "post_id", id, "error", err)
			case changed:
				logger.Debug("Tracking update saved", "queue", kind, "post_id", id)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("Tracking queue flushed", "queue", kind, "posts", len(batch))
}
