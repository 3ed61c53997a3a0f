package broadcast

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 256

// dropLogEvery controls how often repeated drops for one subscription are
// logged at warn level.
const dropLogEvery = 100

// Logger defines the logging interface used by the Broadcaster.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Broadcaster is a topic-based publish/subscribe hub.
//
// Sends happen under the read lock and never block; Close takes the write
// lock, so a channel is never written after it is closed.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	nextID atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
	onDrop    func(Event)
	logger    Logger
}

// New creates a broadcaster whose subscriptions buffer up to buffer events.
func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		topics: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the broadcaster.
func (b *Broadcaster) SetLogger(logger Logger) {
	b.logger = logger
}

// OnDrop registers a callback invoked for every dropped delivery.
// It must be set before the first Publish.
func (b *Broadcaster) OnDrop(fn func(Event)) {
	b.onDrop = fn
}

// Publish delivers ev to global subscribers and to subscribers of the
// event's device topic. A subscriber on both topics receives it once.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.DeviceID == "" {
		b.deliver(ev, GlobalTopic)
		return
	}
	b.deliver(ev, GlobalTopic, DeviceTopic(ev.DeviceID))
}

// PublishDevice delivers ev only to the device's delivery topic, that is to
// the device's own live connections. It reports how many subscribers were
// handed the event.
func (b *Broadcaster) PublishDevice(deviceID string, ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.DeviceID = deviceID
	return b.deliver(ev, DeliveryTopic(deviceID))
}

func (b *Broadcaster) deliver(ev Event, topics ...string) int {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	var seen map[*Subscription]struct{}
	if len(topics) > 1 {
		seen = make(map[*Subscription]struct{})
	}

	delivered := 0
	for _, topic := range topics {
		for sub := range b.topics[topic] {
			if seen != nil {
				if _, dup := seen[sub]; dup {
					continue
				}
				seen[sub] = struct{}{}
			}
			if sub.offer(ev) {
				delivered++
				continue
			}
			b.recordDrop(sub, ev)
		}
	}
	return delivered
}

func (b *Broadcaster) recordDrop(sub *Subscription, ev Event) {
	b.dropped.Add(1)
	n := sub.dropped.Add(1)
	if n == 1 || n%dropLogEvery == 0 {
		b.logger.Warn("subscriber buffer full, dropping events",
			"subscription", sub.id,
			"event_type", ev.Type,
			"dropped", n,
		)
	} else {
		b.logger.Debug("event dropped", "subscription", sub.id, "event_type", ev.Type)
	}
	if b.onDrop != nil {
		b.onDrop(ev)
	}
}

// Subscribe creates a subscription to the given topics. With no topics the
// subscription joins GlobalTopic.
func (b *Broadcaster) Subscribe(topics ...string) *Subscription {
	if len(topics) == 0 {
		topics = []string{GlobalTopic}
	}
	sub := &Subscription{
		id:     b.nextID.Add(1),
		b:      b,
		ch:     make(chan Event, b.buffer),
		topics: make(map[string]struct{}),
	}

	b.mu.Lock()
	for _, t := range topics {
		b.attach(sub, t)
	}
	b.mu.Unlock()

	b.logger.Debug("subscriber joined", "subscription", sub.id, "topics", topics)
	return sub
}

// attach adds sub to topic. Caller holds b.mu.
func (b *Broadcaster) attach(sub *Subscription, topic string) {
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	sub.topics[topic] = struct{}{}
}

// detach removes sub from topic. Caller holds b.mu.
func (b *Broadcaster) detach(sub *Subscription, topic string) {
	if subs, ok := b.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	delete(sub.topics, topic)
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Stats is a point-in-time summary of the broadcaster.
type Stats struct {
	Topics        int    `json:"topics"`
	Subscriptions int    `json:"subscriptions"`
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
}

// Stats returns broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	unique := make(map[*Subscription]struct{})
	for _, subs := range b.topics {
		for s := range subs {
			unique[s] = struct{}{}
		}
	}
	topics := len(b.topics)
	b.mu.RUnlock()

	return Stats{
		Topics:        topics,
		Subscriptions: len(unique),
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
	}
}

// Close terminates every subscription.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	var subs []*Subscription
	seen := make(map[*Subscription]struct{})
	for _, set := range b.topics {
		for s := range set {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				subs = append(subs, s)
			}
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.Close()
	}
}
