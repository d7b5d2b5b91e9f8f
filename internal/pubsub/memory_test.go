package pubsub

import (
	"testing"

	"channelmux/internal/fanout"
	"channelmux/internal/wire"
)

type fakeSubscriber struct {
	got []wire.Broadcast
}

func (f *fakeSubscriber) DeliverBroadcast(b wire.Broadcast) {
	f.got = append(f.got, b)
}

func TestMemoryBusPublishFanOut(t *testing.T) {
	bus := NewMemoryBus()
	sub1, sub2 := &fakeSubscriber{}, &fakeSubscriber{}

	h1, _ := bus.Subscribe("room:1", sub1, nil)
	_, _ = bus.Subscribe("room:1", sub2, nil)

	if err := bus.Publish(h1, wire.Broadcast{Topic: "room:1", Event: "msg"}); err != nil {
		t.Fatal(err)
	}

	if len(sub1.got) != 0 {
		t.Fatal("publisher should not receive its own broadcast")
	}
	if len(sub2.got) != 1 {
		t.Fatal("expected the other subscriber to receive the broadcast")
	}
}

func TestMemoryBusUnsubscribeRemovesEmptyTopic(t *testing.T) {
	bus := NewMemoryBus()
	sub := &fakeSubscriber{}
	h, _ := bus.Subscribe("room:2", sub, nil)

	if err := bus.Unsubscribe("room:2", h); err != nil {
		t.Fatal(err)
	}
	if _, ok := bus.topics["room:2"]; ok {
		t.Fatal("expected empty topic to be removed from the bus")
	}
}

func TestMemoryBusFastlaneHint(t *testing.T) {
	bus := NewMemoryBus()
	sink := &collectingSink{}
	_, _ = bus.Subscribe("room:3", nil, &fanout.Hint{Sink: sink, Serializer: wire.NewJSONSerializer()})

	if err := bus.Publish(nil, wire.Broadcast{Topic: "room:3", Event: "tick", Payload: 1}); err != nil {
		t.Fatal(err)
	}
	if len(sink.pushes) != 1 {
		t.Fatal("expected one fastlane push")
	}
}

type collectingSink struct {
	pushes []wire.Encoded
}

func (s *collectingSink) PushEncoded(enc wire.Encoded) error {
	s.pushes = append(s.pushes, enc)
	return nil
}
