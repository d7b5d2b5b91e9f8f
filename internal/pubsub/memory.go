package pubsub

import (
	"sync"

	"channelmux/internal/fanout"
	"channelmux/internal/wire"
)

// subscription is one entry tracked per topic: the handle identifying it,
// the subscriber to deliver to, and its optional fastlane hint.
type subscription struct {
	handle fanout.Handle
	sub    fanout.Subscriber
	hint   *fanout.Hint
}

// MemoryBus is an in-process pub/sub bus: every subscriber lives in this
// process's memory. Suitable for a single-node deployment or for tests
// that don't need cross-process fan-out.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string][]subscription)}
}

func (b *MemoryBus) Subscribe(topic string, sub fanout.Subscriber, hint *fanout.Hint) (fanout.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := new(int) // distinct pointer identity serves as a unique handle
	b.topics[topic] = append(b.topics[topic], subscription{handle: h, sub: sub, hint: hint})
	return h, nil
}

func (b *MemoryBus) Unsubscribe(topic string, h fanout.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.handle == h {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
	return nil
}

func (b *MemoryBus) Publish(from fanout.Handle, br wire.Broadcast) error {
	b.mu.RLock()
	subs := make([]fanout.Subscription, len(b.topics[br.Topic]))
	for i, s := range b.topics[br.Topic] {
		subs[i] = fanout.Subscription{Handle: s.handle, Subscriber: s.sub, Hint: s.hint}
	}
	b.mu.RUnlock()

	return fanout.Dispatch(subs, from, br)
}
