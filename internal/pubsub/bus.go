// Package pubsub defines the external pub/sub bus contract and two
// implementations: an in-process bus for tests and single node
// deployments, and a Redis-backed bus for multi-node fan-out.
package pubsub

import (
	"channelmux/internal/fanout"
	"channelmux/internal/wire"
)

// Bus is the pub/sub contract external to this module: plug in
// topic-based subscribe/publish with a per-subscriber fastlane hint.
type Bus interface {
	// Subscribe registers sub to receive broadcasts published to topic.
	// hint may be nil, meaning every broadcast on this topic must go
	// through sub.DeliverBroadcast (no fastlane).
	Subscribe(topic string, sub fanout.Subscriber, hint *fanout.Hint) (fanout.Handle, error)

	// Unsubscribe cancels a prior Subscribe.
	Unsubscribe(topic string, h fanout.Handle) error

	// Publish fans a broadcast out to every subscriber of b.Topic except
	// the one identified by from (from may be nil).
	Publish(from fanout.Handle, b wire.Broadcast) error
}
