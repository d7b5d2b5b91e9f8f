// Package fanout implements the fan-out dispatcher: given a
// broadcast and the subscriber list for its topic, deliver to each
// subscriber using the fastlane optimization, caching one encode per
// serializer per dispatch call.
package fanout

import (
	"errors"

	"channelmux/internal/wire"
)

// Sink is the transport-facing delivery target for a fastlane-encoded
// frame; implemented by a connection's transport adapter.
type Sink interface {
	PushEncoded(enc wire.Encoded) error
}

// Subscriber receives a raw Broadcast when fastlane is bypassed — either
// because the subscriber declared no hint, or because the broadcast's
// event is one the subscriber's channel intercepts.
type Subscriber interface {
	DeliverBroadcast(b wire.Broadcast)
}

// Handle identifies one subscription, used to exclude a publisher from its
// own fan-out and to unsubscribe later.
type Handle interface{}

// Hint lets a subscriber opt into the fastlane path.
type Hint struct {
	Sink       Sink
	Serializer wire.Serializer
	Intercepts map[string]struct{}
}

// Subscription is one entry in the list passed to Dispatch.
type Subscription struct {
	Handle     Handle
	Subscriber Subscriber
	Hint       *Hint
}

// Dispatch delivers b to every subscriber in subs except the one whose
// Handle equals from (from may be nil, matching no one).
//
// Per subscriber:
//   - no hint: deliver the raw broadcast to Subscriber.DeliverBroadcast.
//   - hint present and b.Event is in Intercepts: same as above — bypass
//     the fastlane so the channel can override handle_out.
//   - otherwise: encode via Serializer.Fastlane and push the encoded
//     frame directly to Sink, bypassing the channel worker entirely.
//
// The encoded result is cached per distinct Serializer for the duration
// of this call so that N subscribers sharing a serializer cost one
// encode; the cache never outlives a single Dispatch call.
func Dispatch(subs []Subscription, from Handle, b wire.Broadcast) error {
	cache := map[wire.Serializer]wire.Encoded{}
	var errs []error

	for _, sub := range subs {
		if from != nil && sub.Handle == from {
			continue
		}

		if sub.Hint == nil {
			sub.Subscriber.DeliverBroadcast(b)
			continue
		}

		if _, intercepted := sub.Hint.Intercepts[b.Event]; intercepted {
			sub.Subscriber.DeliverBroadcast(b)
			continue
		}

		enc, ok := cache[sub.Hint.Serializer]
		if !ok {
			var err error
			enc, err = sub.Hint.Serializer.Fastlane(b)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			cache[sub.Hint.Serializer] = enc
		}

		if err := sub.Hint.Sink.PushEncoded(enc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
