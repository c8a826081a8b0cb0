// Package pubsub implements the in-process event bus: topic-pattern
// subscriptions with MQTT-style wildcards, delivered over a bounded channel
// per subscriber that drops its oldest undelivered event on overflow rather
// than ever blocking a publisher.
package pubsub

import (
	"strings"
	"sync"

	"github.com/neo-automation/bar-core/internal/corelog"
)

// Event is the canonical envelope carried on the bus. Type is the canonical
// event type name used for routing (§6): "PointValueChanged", "AlarmRaised",
// etc., or a Custom event's own event_type. Topic is the publish topic,
// which is distinct from Type for request-style topics like
// "bacnet/discover" that never carry a canonical event type.
type Event struct {
	Topic string
	Type  string
	Data  map[string]any
}

// CanonicalType returns the type used for service-registry routing: the
// explicit Type if set, otherwise the topic itself (covers request-style
// topics that are routed by their topic name).
func (e Event) CanonicalType() string {
	if e.Type != "" {
		return e.Type
	}
	return e.Topic
}

const defaultSubscriberBuffer = 64

type subscriber struct {
	id      uint64
	pattern string
	ch      chan Event
	mu      sync.Mutex
}

// send delivers ev to the subscriber's channel, dropping the oldest queued
// event if the channel is full. Never blocks.
func (s *subscriber) send(ev Event, log corelog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full: drop the oldest queued event and retry once.
	select {
	case <-s.ch:
		log.Warn("subscriber overflow, dropping oldest event",
			corelog.String("pattern", s.pattern), corelog.String("topic", ev.Topic))
	default:
	}
	select {
	case s.ch <- ev:
	default:
		// Another goroutine raced us and refilled the buffer; give up
		// silently rather than spin — this event is lost, which is the
		// documented overflow behaviour.
	}
}

// Broker is the pub/sub hub. It is safe for concurrent use.
type Broker struct {
	log         corelog.Logger
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
}

func NewBroker(log corelog.Logger) *Broker {
	return &Broker{log: log.Named("pubsub"), subscribers: make(map[uint64]*subscriber)}
}

// Subscription is a handle returned by Subscribe; read Events until
// Unsubscribe is called, which closes the channel.
type Subscription struct {
	id     uint64
	Events <-chan Event
	broker *Broker
}

func (s *Subscription) Unsubscribe() {
	s.broker.mu.Lock()
	sub, ok := s.broker.subscribers[s.id]
	delete(s.broker.subscribers, s.id)
	s.broker.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Subscribe registers a topic pattern and returns a Subscription whose
// Events channel receives every published event whose topic matches.
func (b *Broker) Subscribe(pattern string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{id: id, pattern: pattern, ch: make(chan Event, defaultSubscriberBuffer)}
	b.subscribers[id] = sub
	return &Subscription{id: id, Events: sub.ch, broker: b}
}

// Publish delivers ev to every subscriber whose pattern matches ev.Topic.
// Never blocks on a slow subscriber.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if TopicMatches(sub.pattern, ev.Topic) {
			sub.send(ev, b.log)
		}
	}
}

// SubscriberCount reports the number of active subscriptions, for stats.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// TopicMatches implements MQTT-style pattern matching: "+" (or "*", an
// accepted alias) matches exactly one segment, "#" matches zero or more
// trailing segments and must be the last pattern segment to have any effect.
func TopicMatches(pattern, topic string) bool {
	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")

	pi := 0
	for pi < len(pSegs) {
		seg := pSegs[pi]
		if seg == "#" {
			return true // matches everything remaining, including zero segments
		}
		if pi >= len(tSegs) {
			return false
		}
		if seg == "+" || seg == "*" {
			pi++
			continue
		}
		if seg != tSegs[pi] {
			return false
		}
		pi++
	}
	return pi == len(tSegs)
}
