package bus

import (
	"sync"
	"time"

	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// DefaultBuffer is the per-subscriber ring size.
const DefaultBuffer = 128

// Subscription is one consumer's view of the hub. Read events from C.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	topics []string
}

func (s *Subscription) Topics() []string { return s.topics }

// Hub fans progress events out to subscribers. Publishing never blocks:
// a slow subscriber loses its oldest buffered events first, and can
// re-sync from the per-topic last-event snapshot.
type Hub struct {
	log    *logger.Logger
	buffer int

	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	last    map[string]Event
	seq     uint64
	forward func(Event)
}

func NewHub(buffer int, baseLog *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		log:    baseLog.With("component", "ProgressHub"),
		buffer: buffer,
		subs:   map[string]map[*Subscription]struct{}{},
		last:   map[string]Event{},
	}
}

// Subscribe registers a consumer on the given topics. The last event of
// each topic, if any, is delivered first so late subscribers see current
// state immediately.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, topics: topics}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		if t == "" {
			continue
		}
		set, ok := h.subs[t]
		if !ok {
			set = map[*Subscription]struct{}{}
			h.subs[t] = set
		}
		set[sub] = struct{}{}
		if ev, ok := h.last[t]; ok {
			deliver(ch, ev)
		}
	}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range sub.topics {
		if set, ok := h.subs[t]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
	close(sub.ch)
}

// AttachForwarder registers a hook called with every locally published
// event, after local fanout. A bridge uses it to mirror events to other
// processes. Remote events folded back in never re-enter the hook.
func (h *Hub) AttachForwarder(f func(Event)) {
	h.mu.Lock()
	h.forward = f
	h.mu.Unlock()
}

// Publish stamps the event and fans it out. Events published from a
// single goroutine arrive at every subscriber in publish order.
func (h *Hub) Publish(ev Event) Event {
	return h.publish(ev, true)
}

// fold injects an event that originated in another process.
func (h *Hub) fold(ev Event) {
	h.publish(ev, false)
}

func (h *Hub) publish(ev Event, forward bool) Event {
	h.mu.Lock()
	h.seq++
	ev.Seq = h.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Topic == "" {
		h.mu.Unlock()
		return ev
	}
	h.last[ev.Topic] = ev
	for sub := range h.subs[ev.Topic] {
		deliver(sub.ch, ev)
	}
	f := h.forward
	h.mu.Unlock()

	if forward && f != nil {
		f(ev)
	}
	return ev
}

// LastEvent returns the most recent event on the topic.
func (h *Hub) LastEvent(topic string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.last[topic]
	return ev, ok
}

func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// deliver enqueues without blocking, evicting the oldest buffered event
// when the ring is full.
func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
