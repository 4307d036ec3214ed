package delivery

import "github.com/ItzNotABug/ghosler/pkg/ghosler"

// Chunk is the contiguous slice of subscribers assigned to one mail pool.
// Offset is the ordinal index of the chunk's first subscriber.
type Chunk struct {
	Pool        int
	Offset      int
	Subscribers []*ghosler.Subscriber
}

// Plan splits subscribers across pools in contiguous chunks of ceil(n/pools).
// With a single pool or a single subscriber everyone goes to pool 0.
func Plan(subs []*ghosler.Subscriber, pools int) []Chunk {
	n := len(subs)
	if n == 0 {
		return nil
	}
	if pools <= 1 || n <= 1 {
		return []Chunk{{Pool: 0, Offset: 0, Subscribers: subs}}
	}

	size := (n + pools - 1) / pools
	chunks := make([]Chunk, 0, pools)
	for i := range pools {
		lo := i * size
		if lo >= n {
			break
		}
		hi := min(lo+size, n)
		chunks = append(chunks, Chunk{Pool: i, Offset: lo, Subscribers: subs[lo:hi]})
	}
	return chunks
}

// Batches splits items into consecutive groups of at most size.
func Batches[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || len(items) <= size {
		return [][]T{items}
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for lo := 0; lo < len(items); lo += size {
		batches = append(batches, items[lo:min(lo+size, len(items))])
	}
	return batches
}
