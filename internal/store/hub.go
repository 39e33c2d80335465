package store

import (
	"context"
	"sync"
)

// ChangeHub fans a coalescing wake-up out to every subscriber. Backends
// embed one to implement Changes.
type ChangeHub struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// Notify wakes every subscriber without blocking.
func (h *ChangeHub) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a subscriber until cancel is called or ctx is done.
func (h *ChangeHub) Subscribe(ctx context.Context) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan struct{}]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel
}

// Len returns the number of live subscribers.
func (h *ChangeHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Reset drops every subscriber.
func (h *ChangeHub) Reset() {
	h.mu.Lock()
	h.subs = nil
	h.mu.Unlock()
}
