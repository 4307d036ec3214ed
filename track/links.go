package track

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ItzNotABug/ghosler/pkg/ghosler"
)

// LinkQueue buffers link-click hits as per-post, per-URL increments.
type LinkQueue struct {
	store    Store
	logger   *slog.Logger
	debounce *Debouncer

	mu      sync.Mutex
	pending map[string]map[string]int
}

// NewLinkQueue creates a click-tracking queue.
func NewLinkQueue(store Store, logger *slog.Logger, opts ...Option) *LinkQueue {
	o := buildOptions(opts)
	q := &LinkQueue{
		store:   store,
		logger:  logger,
		pending: make(map[string]map[string]int),
	}
	q.debounce = NewDebouncer(o.clock, o.delay, q.timedFlush)
	return q
}

// Add records one click on url for a post and re-arms the flush timer.
func (q *LinkQueue) Add(postID, url string) {
	q.mu.Lock()
	counts, ok := q.pending[postID]
	if !ok {
		counts = make(map[string]int)
		q.pending[postID] = counts
	}
	counts[url]++
	q.mu.Unlock()

	q.debounce.Touch()
}

// Pending returns the number of posts with buffered clicks.
func (q *LinkQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Debouncer exposes the flush timer state.
func (q *LinkQueue) Debouncer() *Debouncer {
	return q.debounce
}

func (q *LinkQueue) timedFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	q.Flush(ctx)
}

// Flush adds buffered clicks to the matching tracked links. URLs that were not tracked at send
// time are dropped.
func (q *LinkQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = make(map[string]map[string]int)
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	flushAll(ctx, q.logger, "links", batch, q.apply)
}

func (q *LinkQueue) apply(ctx context.Context, postID string, counts map[string]int) (bool, error) {
	changed := false
	_, err := q.store.Update(ctx, postID, func(p *ghosler.Post) (bool, error) {
		for i := range p.Stats.PostContentTrackedLinks {
			link := &p.Stats.PostContentTrackedLinks[i]
			if n, ok := counts[link.URL]; ok {
				link.Clicks += n
				changed = true
			}
		}
		return changed, nil
	})
	return changed, err
}

// Close flushes anything buffered and stops the timer.
func (q *LinkQueue) Close(ctx context.Context) {
	q.debounce.Stop()
	q.Flush(ctx)
}
