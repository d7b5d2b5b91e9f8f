package room

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"channelmux/internal/muxsocket"
	"channelmux/internal/presence"
	"channelmux/internal/pubsub"
	"channelmux/internal/registry"
	"channelmux/internal/wire"
)

type safeSink struct {
	mu     sync.Mutex
	pushes []wire.Encoded
}

func (s *safeSink) PushEncoded(enc wire.Encoded) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, enc)
	return nil
}

func (s *safeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushes)
}

func (s *safeSink) lastReply(t *testing.T) wire.Reply {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pushes) == 0 {
		t.Fatal("no frames pushed")
	}
	var r wire.Reply
	if err := json.Unmarshal(s.pushes[len(s.pushes)-1].Bytes, &r); err != nil {
		t.Fatal(err)
	}
	return r
}

func (s *safeSink) lastMessage(t *testing.T) wire.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pushes) == 0 {
		t.Fatal("no frames pushed")
	}
	var m wire.Message
	if err := json.Unmarshal(s.pushes[len(s.pushes)-1].Bytes, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

type memorySink struct {
	mu     sync.Mutex
	events []presence.Event
}

func (s *memorySink) Create(ev *presence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *memorySink) kinds() []presence.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]presence.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	bus  *pubsub.MemoryBus
	reg  *registry.Registry
	recs *memorySink
	rec  *presence.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	recs := &memorySink{}
	rec := presence.NewRecorder(recs, nil)
	t.Cleanup(rec.Close)

	reg, err := registry.NewBuilder().
		Channel("room:*", muxsocket.ChannelFactory(NewFactory(Hooks{Presence: rec})), registry.Options{}).
		Build()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return &fixture{bus: pubsub.NewMemoryBus(), reg: reg, recs: recs, rec: rec}
}

func (f *fixture) connect(t *testing.T, params map[string]interface{}) (*muxsocket.Multiplexer, *safeSink) {
	t.Helper()
	sink := &safeSink{}
	mux := muxsocket.New(muxsocket.Deps{
		Registry:          f.reg,
		Bus:               f.bus,
		Serializer:        wire.NewJSONSerializer(),
		Sink:              sink,
		SocketHandler:     UserSocket{},
		ForceCloseTimeout: 100 * time.Millisecond,
	})
	ok, err := mux.Connect(params)
	if err != nil || !ok {
		t.Fatalf("connect failed: ok=%v err=%v", ok, err)
	}
	if err := mux.Init(sink); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	return mux, sink
}

func send(t *testing.T, mux *muxsocket.Multiplexer, m wire.Message) {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := mux.In(b); err != nil {
		t.Fatal(err)
	}
}

// drainOne delivers the next async event to the multiplexer, returning
// Info's verdict.
func drainOne(t *testing.T, mux *muxsocket.Multiplexer) error {
	t.Helper()
	select {
	case ev := <-mux.Events():
		return mux.Info(ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an async event")
		return nil
	}
}

func TestJoinEchoLeave(t *testing.T) {
	f := newFixture(t)
	mux, sink := f.connect(t, nil)

	send(t, mux, wire.Message{JoinRef: "7", Ref: "7", Topic: "room:42", Event: wire.EventJoin, Payload: map[string]interface{}{"user": "a"}})
	if r := sink.lastReply(t); r.Status != wire.StatusOK || r.JoinRef != "7" {
		t.Fatalf("unexpected join reply: %#v", r)
	}

	send(t, mux, wire.Message{Ref: "8", Topic: "room:42", Event: "msg", Payload: map[string]interface{}{"body": "hi"}})
	if err := drainOne(t, mux); err != nil {
		t.Fatal(err)
	}
	r := sink.lastReply(t)
	if r.Ref != "8" || r.JoinRef != "7" || r.Status != wire.StatusOK {
		t.Fatalf("unexpected echo reply: %#v", r)
	}
	if payload, ok := r.Payload.(map[string]interface{}); !ok || payload["echo"] != "hi" {
		t.Fatalf("expected echoed body, got %#v", r.Payload)
	}

	send(t, mux, wire.Message{Ref: "9", Topic: "room:42", Event: wire.EventLeave})
	if err := drainOne(t, mux); err != nil {
		t.Fatal(err)
	}
	if r := sink.lastReply(t); r.Ref != "9" || r.Status != wire.StatusOK {
		t.Fatalf("unexpected leave reply: %#v", r)
	}
}

func TestForbiddenJoinRefused(t *testing.T) {
	f := newFixture(t)
	mux, sink := f.connect(t, nil)

	send(t, mux, wire.Message{JoinRef: "1", Ref: "1", Topic: "room:forbidden", Event: wire.EventJoin})
	r := sink.lastReply(t)
	if r.Status != wire.StatusError {
		t.Fatalf("expected an error reply, got %#v", r)
	}
	if payload, ok := r.Payload.(map[string]interface{}); !ok || payload["reason"] != "forbidden" {
		t.Fatalf("expected the handler's refusal payload, got %#v", r.Payload)
	}
}

func TestShoutFansOutToOtherConnection(t *testing.T) {
	f := newFixture(t)
	muxA, _ := f.connect(t, nil)
	muxB, sinkB := f.connect(t, nil)

	send(t, muxA, wire.Message{JoinRef: "1", Ref: "1", Topic: "room:1", Event: wire.EventJoin})
	send(t, muxB, wire.Message{JoinRef: "2", Ref: "2", Topic: "room:1", Event: wire.EventJoin})
	joined := sinkB.count()

	send(t, muxA, wire.Message{Ref: "3", Topic: "room:1", Event: "shout", Payload: map[string]interface{}{"body": "hello"}})

	// "shout" is not intercepted, so B's frame arrives over the fastlane
	// directly from A's worker goroutine.
	deadline := time.After(2 * time.Second)
	for sinkB.count() == joined {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for fastlane broadcast")
		case <-time.After(5 * time.Millisecond):
		}
	}

	var b wire.Broadcast
	sinkB.mu.Lock()
	err := json.Unmarshal(sinkB.pushes[len(sinkB.pushes)-1].Bytes, &b)
	sinkB.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if b.Topic != "room:1" || b.Event != "shout" {
		t.Fatalf("unexpected broadcast: %#v", b)
	}
}

func TestAnnounceIsInterceptedAndStamped(t *testing.T) {
	f := newFixture(t)
	mux, sink := f.connect(t, nil)

	send(t, mux, wire.Message{JoinRef: "1", Ref: "1", Topic: "room:9", Event: wire.EventJoin})

	if err := f.bus.Publish(nil, wire.Broadcast{Topic: "room:9", Event: "announce", Payload: map[string]interface{}{"body": "maintenance"}}); err != nil {
		t.Fatal(err)
	}

	if err := drainOne(t, mux); err != nil {
		t.Fatal(err)
	}
	m := sink.lastMessage(t)
	if m.Event != "announce" {
		t.Fatalf("expected an announce push, got %#v", m)
	}
	payload, ok := m.Payload.(map[string]interface{})
	if !ok || payload["room"] != "room:9" || payload["body"] != "maintenance" {
		t.Fatalf("expected the handler to stamp the room, got %#v", m.Payload)
	}
}

func TestCrashEmitsPhxErrorAndAllowsRejoin(t *testing.T) {
	f := newFixture(t)
	mux, sink := f.connect(t, nil)

	send(t, mux, wire.Message{JoinRef: "7", Ref: "7", Topic: "room:42", Event: wire.EventJoin})
	send(t, mux, wire.Message{Ref: "10", Topic: "room:42", Event: "boom"})

	if err := drainOne(t, mux); err != nil {
		t.Fatal(err)
	}
	m := sink.lastMessage(t)
	if m.Event != wire.EventError || m.Topic != "room:42" || m.JoinRef != "7" || m.Ref != "7" {
		t.Fatalf("expected a phx_error frame stamped with the join ref, got %#v", m)
	}

	send(t, mux, wire.Message{JoinRef: "11", Ref: "11", Topic: "room:42", Event: wire.EventJoin})
	if r := sink.lastReply(t); r.Status != wire.StatusOK || r.JoinRef != "11" {
		t.Fatalf("expected a rejoin to succeed after a crash, got %#v", r)
	}
}

func TestForcedDisconnectStopsConnection(t *testing.T) {
	f := newFixture(t)
	mux, _ := f.connect(t, map[string]interface{}{"user_id": "42"})

	send(t, mux, wire.Message{JoinRef: "1", Ref: "1", Topic: "room:1", Event: wire.EventJoin})

	if err := f.bus.Publish(nil, wire.Broadcast{Topic: "users_socket:42", Event: wire.EventDisconnect}); err != nil {
		t.Fatal(err)
	}

	if err := drainOne(t, mux); !errors.Is(err, muxsocket.ErrStopConnection) {
		t.Fatalf("expected ErrStopConnection, got %v", err)
	}
	mux.Terminate()
}

func TestPresenceRecordsJoinAndLeave(t *testing.T) {
	f := newFixture(t)
	mux, _ := f.connect(t, nil)

	send(t, mux, wire.Message{JoinRef: "1", Ref: "1", Topic: "room:1", Event: wire.EventJoin})
	send(t, mux, wire.Message{Ref: "2", Topic: "room:1", Event: wire.EventLeave})
	if err := drainOne(t, mux); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		kinds := f.recs.kinds()
		if len(kinds) >= 2 {
			if kinds[0] != presence.KindJoined || kinds[1] != presence.KindLeft {
				t.Fatalf("unexpected presence kinds: %v", kinds)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for presence events, have %v", kinds)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
