package service

import (
	"context"
	"sync"
)

// Hub fans session update notifications out to subscribers.  It doubles as
// an in-process Publisher when no database notifier is configured.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]map[chan struct{}]struct{}
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[chan struct{}]struct{})}
}

// Subscribe registers interest in sessionID.  The channel receives a value
// (coalesced when the reader lags) per update until cancel is called.  The
// channel is closed when the hub closes.
func (h *Hub) Subscribe(sessionID int64) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan struct{}]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
		})
	}
}

// Close ends every subscription.  It is meant for server shutdown, where
// open event streams would otherwise hold connections until they time out.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, chans := range h.subs {
		for ch := range chans {
			close(ch)
		}
		delete(h.subs, id)
	}
}

// Notify wakes every subscriber of sessionID.
func (h *Hub) Notify(_ context.Context, sessionID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run forwards ids from a notification feed, typically db.Notifier.Listen,
// until the feed closes or ctx is done.
func (h *Hub) Run(ctx context.Context, feed <-chan int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-feed:
			if !ok {
				return
			}
			_ = h.Notify(ctx, id)
		}
	}
}
