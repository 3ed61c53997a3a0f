package broadcast

import (
	"sync"
	"sync/atomic"
)

// Subscription is one subscriber's view of the broadcaster.
type Subscription struct {
	id      uint64
	b       *Broadcaster
	ch      chan Event
	topics  map[string]struct{} // guarded by b.mu
	once    sync.Once
	dropped atomic.Uint64
}

// ID returns the subscription's process-unique identifier.
func (s *Subscription) ID() uint64 {
	return s.id
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were dropped for this subscription.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Add subscribes to more topics. It is a no-op after Close.
func (s *Subscription) Add(topics ...string) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.topics == nil {
		return
	}
	for _, t := range topics {
		s.b.attach(s, t)
	}
}

// Remove unsubscribes from topics.
func (s *Subscription) Remove(topics ...string) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.topics == nil {
		return
	}
	for _, t := range topics {
		s.b.detach(s, t)
	}
}

// Topics returns the topics the subscription is attached to.
func (s *Subscription) Topics() []string {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close detaches the subscription from every topic and closes its channel.
// Calling Close more than once is safe.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		for t := range s.topics {
			s.b.detach(s, t)
		}
		s.topics = nil
		close(s.ch)
		s.b.mu.Unlock()

		s.b.logger.Debug("subscriber left", "subscription", s.id, "dropped", s.dropped.Load())
	})
}

// offer performs a non-blocking send. Caller holds at least b.mu.RLock.
func (s *Subscription) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}
