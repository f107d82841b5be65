package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// subscription is one registered listener. The filter's event types are
// compiled into a set once at subscribe time, so Publish pays a map lookup
// instead of a slice scan per subscriber.
type subscription struct {
	ch          chan StreamEvent
	executionID string
	types       map[string]struct{}
}

func (s *subscription) wants(e StreamEvent) bool {
	if s.executionID != "" && s.executionID != e.ExecutionID {
		return false
	}
	if len(s.types) > 0 {
		if _, ok := s.types[e.EventType]; !ok {
			return false
		}
	}
	return true
}

// MemoryHub fans events out to in-process subscribers over buffered channels.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscription),
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// Returns a receive-only channel, a cancel function, and any error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		ch:          make(chan StreamEvent, defaultChannelBuffer),
		executionID: filter.ExecutionID,
	}
	if len(filter.EventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			sub.types[t] = struct{}{}
		}
	}

	id := h.seq.Add(1)
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return sub.ch, cancel, nil
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
