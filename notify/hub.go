// Package notify provides a channel-based broadcast hub for ledger and
// conflict-list changes. Mutations publish an immutable snapshot of the
// changed collection; subscribers receive changes in commit order.
package notify

import (
	"sync"
)

// Kind identifies which collection a Change describes.
type Kind string

const (
	KindPendingEdits       Kind = "pending_edits"
	KindPendingDiscussions Kind = "pending_discussions"
	KindConflicts          Kind = "conflicts"
)

// Change is one broadcast update. Payload holds an immutable snapshot of the
// collection named by Kind, scoped to SheetID. Seq increases with every
// published change and never reorders.
type Change struct {
	Kind    Kind
	SheetID int64
	Seq     uint64
	Payload any
}

// Filter selects which changes a subscriber wants to receive.
type Filter func(Change) bool

// ForSheet returns a filter matching changes of the given kind for one sheet.
func ForSheet(kind Kind, sheetID int64) Filter {
	return func(c Change) bool {
		return c.Kind == kind && c.SheetID == sheetID
	}
}

// Subscription is one registered listener. Receive from C; call Close when done.
type Subscription struct {
	C      <-chan Change
	ch     chan Change
	filter Filter
	hub    *Hub
	id     int
	once   sync.Once
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.id)
	})
}

// Hub fans out changes to subscribers. Publishing never blocks: a subscriber
// that falls behind loses its oldest buffered change, not its ordering.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	buffer int
	seq    uint64
	closed bool
}

// DefaultBuffer is the per-subscriber channel depth used when NewHub is
// given a non-positive value.
const DefaultBuffer = 16

// NewHub creates a Hub with the given per-subscriber buffer depth.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[int]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers a listener. A nil filter receives every change.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Change, h.buffer)
	sub := &Subscription{
		C:      ch,
		ch:     ch,
		filter: filter,
		hub:    h,
		id:     h.nextID,
	}
	h.nextID++
	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}

// Publish delivers c to every matching subscriber. Sequence numbers are
// assigned under the hub lock, so all subscribers observe the same order.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	c.Seq = h.seq

	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(c) {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			// Full buffer: drop the oldest change so the newest one lands.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- c:
			default:
			}
		}
	}
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
