package genstream

import "sync"

// subscriptionBuffer bounds each subscriber's backlog. A subscriber that
// falls this far behind loses live events and recovers them from the log.
const subscriptionBuffer = 64

// Subscription is one live event queue registered against a generation.
// Ephemeral and in-memory; it dies with the client connection.
type Subscription struct {
	// C yields events as they are published. Closed on Unsubscribe.
	C <-chan *Event

	ch     chan *Event
	closed bool
}

// Hub is the in-process fan-out: it distributes freshly appended events to
// every live subscriber of a generation. Delivery is best effort; a full
// subscriber queue drops the event rather than blocking the producer, and
// the durable log is the correctness backstop.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new bounded queue for the generation.
func (h *Hub) Subscribe(genID string) *Subscription {
	ch := make(chan *Event, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch}
	h.mu.Lock()
	set, ok := h.subs[genID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[genID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers ev to every live subscriber of its generation without
// blocking: a full queue simply misses this event.
func (h *Hub) Publish(ev *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.GenerationID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Unsubscribe deregisters and closes the subscription. Safe to call more
// than once.
func (h *Hub) Unsubscribe(genID string, sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	if set, ok := h.subs[genID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, genID)
		}
	}
	close(sub.ch)
}

// SubscriberCount reports the live subscriber count for a generation.
func (h *Hub) SubscriberCount(genID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[genID])
}
