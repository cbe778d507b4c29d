// Package pubsub distributes point records by topic to in-process subscribers.
//
// Publishing never blocks: a subscriber whose buffer is full misses the record and the
// drop is counted. Publishers can ask how many subscribers a topic has and skip producing
// records nobody will read.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/pcfusion/pointcloud"
)

var (
	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("bus is closed")
	// ErrSubscriptionClosed is returned when closing a subscription twice.
	ErrSubscriptionClosed = errors.New("subscription is closed")
)

// DefaultBuffer is the channel capacity used when Subscribe is given a non-positive buffer.
const DefaultBuffer = 5

// Stats is a snapshot of the bus counters.
type Stats struct {
	Published     uint64
	Sent          uint64
	Dropped       uint64
	Subscriptions map[uuid.UUID]SubscriptionStats
}

// SubscriptionStats are the counters of a single subscription.
type SubscriptionStats struct {
	Topic   string
	Sent    uint64
	Dropped uint64
}

// A Subscription receives the records published on one topic.
type Subscription struct {
	id    uuid.UUID
	topic string
	ch    chan *pointcloud.Record
	bus   *Bus

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// ID returns the unique id of the subscription.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// C returns the channel records are delivered on. It is closed when the subscription or
// the bus is closed.
func (s *Subscription) C() <-chan *pointcloud.Record {
	return s.ch
}

// Close unsubscribes and closes the delivery channel.
func (s *Subscription) Close() error {
	return s.bus.unsubscribe(s)
}

// Bus is a topic based fan-out of point records. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[uuid.UUID]*Subscription
	closed bool

	published atomic.Uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{topics: map[string]map[uuid.UUID]*Subscription{}}
}

// Subscribe registers a new subscription to topic with the given channel buffer.
func (b *Bus) Subscribe(topic string, buffer int) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic must not be empty")
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &Subscription{
		id:    uuid.New(),
		topic: topic,
		ch:    make(chan *pointcloud.Record, buffer),
		bus:   b,
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = map[uuid.UUID]*Subscription{}
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	return sub, nil
}

func (b *Bus) unsubscribe(sub *Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	if _, ok := subs[sub.id]; !ok {
		if b.closed {
			return ErrBusClosed
		}
		return ErrSubscriptionClosed
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
	close(sub.ch)
	return nil
}

// NumSubscribers returns how many subscriptions the topic currently has.
func (b *Bus) NumSubscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Publish delivers rec to every subscriber of topic without blocking. It returns the number
// of subscribers the record was delivered to.
func (b *Bus) Publish(topic string, rec *pointcloud.Record) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrBusClosed
	}
	b.published.Inc()

	delivered := 0
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- rec:
			sub.sent.Inc()
			delivered++
		default:
			sub.dropped.Inc()
		}
	}
	return delivered, nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Published:     b.published.Load(),
		Subscriptions: map[uuid.UUID]SubscriptionStats{},
	}
	for topic, subs := range b.topics {
		for id, sub := range subs {
			s := SubscriptionStats{Topic: topic, Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
			stats.Sent += s.Sent
			stats.Dropped += s.Dropped
			stats.Subscriptions[id] = s
		}
	}
	return stats
}

// Close closes every subscription. Later calls to Subscribe and Publish return ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
	return nil
}
