package hub

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// Message kinds carried on the hub. Subscribers pick a subset; an empty
// subset means everything.
const (
	KindEvent         = "event"
	KindSignal        = "signal"
	KindAgentUpdate   = "agent_update"
	KindAgentRegistry = "agent_registry"
)

// Message is the envelope broadcast to stream subscribers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const subscriberBuffer = 64

type subscriber struct {
	kinds map[string]struct{}
	ch    chan Message
}

func (s *subscriber) wants(kind string) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Hub fans messages out to live stream subscribers. Delivery is best
// effort with a hard bound: a subscriber whose buffer is full is removed
// and its channel closed, so one stalled consumer cannot block the rest
// or pile up unbounded memory. Snapshot, when set, supplies the current
// agent registry state queued as the first message of every new
// subscription that admits registry messages.
type Hub struct {
	Snapshot func() any

	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[string]*subscriber{}}
}

// Subscription is a live feed handle. C is closed when the subscription
// ends, whether by Close or by being dropped as too slow. Callers must
// Close when done.
type Subscription struct {
	ID string
	C  <-chan Message

	hub *Hub
}

func (s *Subscription) Close() { s.hub.remove(s.ID) }

// Subscribe registers a feed for the given kinds; nil or empty means all
// kinds. The registry snapshot, if configured, is already buffered on C
// when Subscribe returns.
func (h *Hub) Subscribe(kinds []string) *Subscription {
	sub := &subscriber{ch: make(chan Message, subscriberBuffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}
	if h.Snapshot != nil && sub.wants(KindAgentRegistry) {
		sub.ch <- Message{Type: KindAgentRegistry, Data: h.Snapshot()}
	}

	id := ulid.Make().String()
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	return &Subscription{ID: id, C: sub.ch, hub: h}
}

// Publish delivers the message to every subscriber registered for its
// kind. Subscribers whose buffers are full are dropped.
func (h *Hub) Publish(msg Message) {
	var stalled []string

	h.mu.RLock()
	for id, sub := range h.subs {
		if !sub.wants(msg.Type) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			stalled = append(stalled, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stalled {
		h.remove(id)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// remove is idempotent. The channel is closed exactly once, by whichever
// caller finds the subscription still registered.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}
