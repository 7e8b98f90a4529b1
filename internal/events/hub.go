package events

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 64

// Hub fans events out to in-process subscribers keyed by job id. A
// subscriber whose buffer is full misses events rather than stalling the
// publisher; stream readers re-read the job to catch up.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	all     map[*Subscription]struct{}
	dropped atomic.Int64
	buffer  int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		all:    make(map[*Subscription]struct{}),
		buffer: defaultBufferSize,
	}
}

// Subscription receives events until Close is called.
type Subscription struct {
	hub   *Hub
	jobID string
	ch    chan Event
	once  sync.Once
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

// Subscribe returns events for jobID. An empty jobID receives every event.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{hub: h, jobID: jobID, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if jobID == "" {
		h.all[sub] = struct{}{}
		return sub
	}
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.jobID == "" {
		delete(h.all, sub)
		return
	}
	if set, ok := h.subs[sub.jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.jobID)
		}
	}
}

// Publish implements Sink.
func (h *Hub) Publish(_ context.Context, e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[e.JobID] {
		h.send(sub, e)
	}
	for sub := range h.all {
		h.send(sub, e)
	}
}

func (h *Hub) send(sub *Subscription, e Event) {
	select {
	case sub.ch <- e:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
