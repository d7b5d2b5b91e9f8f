package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"channelmux/internal/fanout"
	"channelmux/internal/wire"
)

// RedisBus fans broadcasts out across every node sharing the same Redis
// instance.
//
// A local Publish is delivered in-process to local subscribers (so
// same-node fan-out has no round trip through Redis) and via redis
// PUBLISH so subscribers on other nodes receive it too. Each published
// envelope carries the origin node's id; the Redis listener drops
// envelopes this node published itself, so local subscribers see each
// broadcast exactly once. Remote envelopes are dispatched locally with
// no excluded publisher, since the origin connection is not on this
// node.
type RedisBus struct {
	client *redis.Client
	nodeID string

	mu        sync.Mutex
	local     map[string][]subscription
	redisSubs map[string]*redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// envelope is the wire form of a broadcast on the Redis channel. Node
// identifies the publisher so a node can drop its own publishes when they
// echo back over the subscription.
type envelope struct {
	Node      string         `json:"node"`
	Broadcast wire.Broadcast `json:"broadcast"`
}

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:    client,
		nodeID:    uuid.NewString(),
		local:     make(map[string][]subscription),
		redisSubs: make(map[string]*redis.PubSub),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Close stops all background Redis subscription listeners.
func (b *RedisBus) Close() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, ps := range b.redisSubs {
		ps.Close()
		delete(b.redisSubs, topic)
	}
}

func redisKey(topic string) string {
	return fmt.Sprintf("channelmux:topic:%s", topic)
}

func (b *RedisBus) Subscribe(topic string, sub fanout.Subscriber, hint *fanout.Hint) (fanout.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := new(int)
	b.local[topic] = append(b.local[topic], subscription{handle: h, sub: sub, hint: hint})

	if _, ok := b.redisSubs[topic]; !ok {
		ps := b.client.Subscribe(b.ctx, redisKey(topic))
		b.redisSubs[topic] = ps
		go b.forward(topic, ps)
	}

	return h, nil
}

func (b *RedisBus) Unsubscribe(topic string, h fanout.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.local[topic]
	for i, s := range subs {
		if s.handle == h {
			b.local[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.local[topic]) == 0 {
		delete(b.local, topic)
		if ps, ok := b.redisSubs[topic]; ok {
			ps.Close()
			delete(b.redisSubs, topic)
		}
	}
	return nil
}

func (b *RedisBus) Publish(from fanout.Handle, br wire.Broadcast) error {
	data, err := json.Marshal(envelope{Node: b.nodeID, Broadcast: br})
	if err != nil {
		return err
	}

	if err := b.client.Publish(b.ctx, redisKey(br.Topic), data).Err(); err != nil {
		b.logger.Error("redis publish failed", "topic", br.Topic, "error", err)
	}

	return b.deliverLocal(from, br)
}

func (b *RedisBus) deliverLocal(from fanout.Handle, br wire.Broadcast) error {
	b.mu.Lock()
	subs := make([]fanout.Subscription, len(b.local[br.Topic]))
	for i, s := range b.local[br.Topic] {
		subs[i] = fanout.Subscription{Handle: s.handle, Subscriber: s.sub, Hint: s.hint}
	}
	b.mu.Unlock()

	return fanout.Dispatch(subs, from, br)
}

func (b *RedisBus) forward(topic string, ps *redis.PubSub) {
	ch := ps.Channel()
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Error("redis bus: dropping malformed broadcast", "topic", topic, "error", err)
			continue
		}
		if env.Node == b.nodeID {
			continue // already delivered in-process at publish time
		}
		if err := b.deliverLocal(nil, env.Broadcast); err != nil {
			b.logger.Error("redis bus: local delivery failed", "topic", topic, "error", err)
		}
	}
}
