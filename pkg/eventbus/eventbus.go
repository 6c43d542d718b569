// Package eventbus implements the local event fabric: a typed topic-based
// publish/subscribe bus used by every engine component. Events are
// observation, not control — publishing never blocks on slow subscribers,
// and no subscriber can return data through the bus.
package eventbus

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a single bus event. Data must be JSON-serializable; the API
// layer forwards events verbatim over the SSE stream and the event log
// archives them to SQLite.
type Event struct {
	Topic string         `json:"topic"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Subscription is a handle to a stream of matching events. Events arrive on
// C until Close is called. When the subscriber falls behind, the oldest
// undelivered event is dropped to make room.
type Subscription struct {
	C chan Event

	bus      *Bus
	id       int
	patterns []string
	once     sync.Once
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.C)
	})
}

// Bus is the in-process event fabric. The zero value is not usable; call New.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
	logger *zap.Logger
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe registers interest in one or more topic patterns. A pattern is
// either an exact topic ("worker:spawned") or a prefix wildcard
// ("worker:*"). The pattern "*" matches everything. Passing no patterns is
// equivalent to "*".
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	sub := &Subscription{
		C:        make(chan Event, DefaultBuffer),
		bus:      b,
		patterns: patterns,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Closed bus: hand back a subscription that never fires. Consuming
		// the once here keeps a later Close from double-closing C.
		sub.once.Do(func() { close(sub.C) })
		return sub
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber. Delivery is
// non-blocking: a full subscriber channel has its oldest event evicted so
// the newest is always enqueued.
func (b *Bus) Publish(topic string, data map[string]any) {
	ev := Event{Topic: topic, At: time.Now().UTC(), Data: data}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matches(sub.patterns, topic) {
			targets = append(targets, sub)
		}
	}
	for _, sub := range targets {
		select {
		case sub.C <- ev:
		default:
			// Subscriber is behind; evict the oldest event.
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- ev:
			default:
			}
			b.logger.Debug("eventbus subscriber lagging, dropped oldest",
				zap.String("topic", topic))
		}
	}
	b.mu.Unlock()
}

// Close shuts the bus down. Subsequent Publish calls are no-ops and all
// open subscriptions are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[int]*Subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.C) })
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// matches reports whether topic matches any of the subscription patterns.
func matches(patterns []string, topic string) bool {
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case strings.HasSuffix(p, "*"):
			if strings.HasPrefix(topic, strings.TrimSuffix(p, "*")) {
				return true
			}
		case p == topic:
			return true
		}
	}
	return false
}
