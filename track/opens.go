package track

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ItzNotABug/ghosler/bitset"
	"github.com/ItzNotABug/ghosler/pkg/ghosler"
)

// OpenQueue buffers email-open hits as post id to recipient ordinals.
type OpenQueue struct {
	store    Store
	logger   *slog.Logger
	debounce *Debouncer

	mu      sync.Mutex
	pending map[string]map[int]struct{}
}

// NewOpenQueue creates an open-tracking queue.
func NewOpenQueue(store Store, logger *slog.Logger, opts ...Option) *OpenQueue {
	o := buildOptions(opts)
	q := &OpenQueue{
		store:   store,
		logger:  logger,
		pending: make(map[string]map[int]struct{}),
	}
	q.debounce = NewDebouncer(o.clock, o.delay, q.timedFlush)
	return q
}

// Add records an open from a pixel token and re-arms the flush timer.
func (q *OpenQueue) Add(token string) error {
	postID, index, err := DecodeToken(token)
	if err != nil {
		return err
	}

	q.mu.Lock()
	set, ok := q.pending[postID]
	if !ok {
		set = make(map[int]struct{})
		q.pending[postID] = set
	}
	set[index] = struct{}{}
	q.mu.Unlock()

	q.debounce.Touch()
	return nil
}

// Pending returns the number of posts with buffered opens.
func (q *OpenQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Debouncer exposes the flush timer state.
func (q *OpenQueue) Debouncer() *Debouncer {
	return q.debounce
}

func (q *OpenQueue) timedFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	q.Flush(ctx)
}

// Flush writes every buffered open into its post's bitset. Bits only ever go from 0 to 1.
func (q *OpenQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = make(map[string]map[int]struct{})
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	flushAll(ctx, q.logger, "opens", batch, q.apply)
}

func (q *OpenQueue) apply(ctx context.Context, postID string, indices map[int]struct{}) (bool, error) {
	changed := false
	_, err := q.store.Update(ctx, postID, func(p *ghosler.Post) (bool, error) {
		bits, err := bitset.Parse(p.Stats.EmailsOpened)
		if err != nil {
			return false, fmt.Errorf("parse opens: %w", err)
		}
		for i := range indices {
			if bits.Get(i) != 0 {
				// Already opened, or outside the population of this send.
				continue
			}
			if err := bits.Set(i, true); err != nil {
				return false, err
			}
			changed = true
		}
		if changed {
			p.Stats.EmailsOpened = bits.String()
		}
		return changed, nil
	})
	return changed, err
}

// Close flushes anything buffered and stops the timer.
func (q *OpenQueue) Close(ctx context.Context) {
	q.debounce.Stop()
	q.Flush(ctx)
}
