package config

import (
	"context"
	"sync"
)

// Reader holds the current Flags and publishes every update to its
// subscribers.
type Reader struct {
	mu          sync.Mutex
	current     Flags
	subscribers map[int]chan Flags
	nextID      int
}

func NewReader(initial Flags) *Reader {
	return &Reader{
		current:     initial,
		subscribers: map[int]chan Flags{},
	}
}

// Current returns the latest snapshot.
func (r *Reader) Current() Flags {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Update replaces the current snapshot and publishes it.
func (r *Reader) Update(flags Flags) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current = flags
	for _, ch := range r.subscribers {
		offerLatest(ch, flags)
	}
}

// Subscribe returns a channel that immediately yields the current snapshot
// and then each later update. A slow subscriber only ever sees the most
// recent snapshot it has not yet received. The channel is closed when ctx
// ends.
func (r *Reader) Subscribe(ctx context.Context) <-chan Flags {
	ch := make(chan Flags, 1)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subscribers[id] = ch
	ch <- r.current
	r.mu.Unlock()

	go func() {
		<-ctx.Done()

		r.mu.Lock()
		delete(r.subscribers, id)
		close(ch)
		r.mu.Unlock()
	}()

	return ch
}

// offerLatest replaces any unread value in ch with flags. Callers hold the
// reader lock, so the send cannot block.
func offerLatest(ch chan Flags, flags Flags) {
	select {
	case <-ch:
	default:
	}
	ch <- flags
}
