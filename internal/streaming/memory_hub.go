package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/plangraph/pkg/schema"
)

const defaultChannelBuffer = 64

// subscription is one live subscriber. closed is guarded by the hub lock.
type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
	closed bool
}

// wants reports whether ev passes the filter.
func (s *subscription) wants(ev StreamEvent) bool {
	if s.filter.RunID != "" && s.filter.RunID != ev.RunID {
		return false
	}
	return len(s.filter.Types) == 0 || slices.Contains(s.filter.Types, ev.Type)
}

// MemoryHub fans run events out to in-process subscribers. Publishing never
// blocks: an event that does not fit a subscriber's buffer is dropped for
// that subscriber and counted.
//
// A subscription ends when its cancel func is called, when the context given
// to Subscribe is done, or, for a subscription filtered to one run, after
// that run's done event has been delivered.
type MemoryHub struct {
	buffer int

	mu   sync.Mutex
	subs map[uint64]*subscription
	next uint64

	dropped atomic.Uint64
}

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{buffer: defaultChannelBuffer, subs: make(map[uint64]*subscription)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *MemoryHub) Publish(ctx context.Context, ev StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
		if ev.Type == schema.EventDone && sub.filter.RunID != "" {
			h.closeLocked(id, sub)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{ch: make(chan StreamEvent, h.buffer), filter: filter}
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = sub
	h.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			h.mu.Lock()
			h.closeLocked(id, sub)
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return sub.ch, cancel, nil
}

// closeLocked removes and closes sub once. The caller holds h.mu.
func (h *MemoryHub) closeLocked(id uint64, sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, id)
	close(sub.ch)
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
