// Package muxsocket implements the socket multiplexer: the
// per-connection state machine that owns the channels-by-topic map and its
// inverse, dispatches inbound frames to channel workers, observes channel
// deaths, and emits outbound frames.
//
// One goroutine owns all mutable state; every external input arrives
// through the transport adapter's single driving loop or the async event
// channel, so the Multiplexer itself needs no locking.
package muxsocket

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"channelmux/internal/channel"
	"channelmux/internal/fanout"
	"channelmux/internal/pubsub"
	"channelmux/internal/registry"
	"channelmux/internal/socket"
	"channelmux/internal/wire"
)

// ChannelFactory constructs a fresh channel.Handler for a join. Registry
// routes carry this as a registry.ChannelFactory (interface{}) to avoid
// registry importing channel; the multiplexer is the one package that
// type-asserts it back.
type ChannelFactory func() channel.Handler

// ErrStopConnection is returned by Info when the multiplexer has decided
// the connection must close (kind 8: a forced-disconnect broadcast on the
// connection's id topic). The transport loop should stop reading and
// call Terminate.
var ErrStopConnection = errors.New("muxsocket: connection stopped")

// entry is one row shared by channels and channelsInverse.
type entry struct {
	topic   string
	joinRef string
	worker  *channel.Worker
}

// Deps are the dependencies a Multiplexer needs.
type Deps struct {
	Registry          *registry.Registry
	Bus               pubsub.Bus
	Serializer        wire.Serializer
	Sink              fanout.Sink
	SocketHandler     socket.Handler
	ErrorReporter     ErrorReporter
	Logger            *slog.Logger
	ForceCloseTimeout time.Duration
}

// Multiplexer is the per-connection state machine. Every method is only
// ever called from the single goroutine the owning transport adapter
// drives it with — there is no internal locking.
type Multiplexer struct {
	deps Deps

	sock socket.Socket

	channels        map[string]*entry
	channelsInverse map[*channel.Worker]*entry

	idHandle fanout.Handle

	events chan channel.Event
}

func New(deps Deps) *Multiplexer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ErrorReporter == nil {
		deps.ErrorReporter = NewErrorStats(deps.Logger)
	}
	if deps.ForceCloseTimeout <= 0 {
		deps.ForceCloseTimeout = 5 * time.Second
	}
	return &Multiplexer{
		deps:            deps,
		channels:        make(map[string]*entry),
		channelsInverse: make(map[*channel.Worker]*entry),
		events:          make(chan channel.Event, 256),
	}
}

// Events exposes the async-event channel channel workers and the
// connection's own id-topic subscription feed into. The transport adapter
// selects on this alongside its network reads and calls Info for whatever
// arrives.
func (m *Multiplexer) Events() <-chan channel.Event { return m.events }

// Connect invokes handler.Connect; handler.ID is consulted later, in Init.
func (m *Multiplexer) Connect(params map[string]interface{}) (bool, error) {
	base := socket.New("websocket", "")
	base.Handler = m.deps.SocketHandler

	sock, ok := m.deps.SocketHandler.Connect(params, base)
	if !ok {
		return false, nil
	}
	m.sock = sock
	return true, nil
}

// Init records the transport handle into socket.TransportPID and, if the
// socket has an id, subscribes to the id-topic on the pub/sub bus — used
// to broadcast connection-level events such as forced disconnects
// on the transport's behalf.
func (m *Multiplexer) Init(transportPID socket.TransportPID) error {
	m.sock.TransportPID = transportPID

	id := m.deps.SocketHandler.ID(m.sock)
	if id == "" {
		return nil
	}
	handle, err := m.deps.Bus.Subscribe(id, idSubscriber{m}, nil)
	if err != nil {
		return fmt.Errorf("muxsocket: subscribe to id topic %q: %w", id, err)
	}
	m.sock.ID = id
	m.idHandle = handle
	return nil
}

// idSubscriber adapts the Multiplexer to fanout.Subscriber for its id-topic
// subscription without exposing DeliverBroadcast on Multiplexer itself
// (Multiplexer already has a same-named concept for channel workers' async
// events and keeping the two call paths textually distinct avoids
// confusing them at a call site).
type idSubscriber struct{ m *Multiplexer }

func (s idSubscriber) DeliverBroadcast(b wire.Broadcast) {
	if b.Event == wire.EventDisconnect {
		select {
		case s.m.events <- disconnectEvent{}:
		default:
		}
	}
}

type disconnectEvent struct{}

// socketPushEvent is an async push of an already-encoded frame, the
// muxsocket-level analogue of an application-initiated raw push.
type socketPushEvent struct{ Encoded wire.Encoded }

// gcEvent is a no-op memory-compaction hint.
type gcEvent struct{}

// GarbageCollect enqueues a best-effort memory-compaction hint. It is
// deliberately a no-op in Info: the runtime's collector does not take
// per-connection hints, but the event stays part of the async contract so
// transports that emit it keep working.
func (m *Multiplexer) GarbageCollect() {
	select {
	case m.events <- gcEvent{}:
	default:
	}
}

// PushRaw lets application code (or the transport) enqueue a direct push
// to this connection, the equivalent of sending socket_push to the
// multiplexer's mailbox.
func (m *Multiplexer) PushRaw(enc wire.Encoded) {
	select {
	case m.events <- socketPushEvent{Encoded: enc}:
	default:
		m.deps.Logger.Warn("muxsocket: event queue full, dropping socket_push")
	}
}

// In decodes payload and dispatches it per the inbound dispatch table:
// heartbeat, join, duplicate join, forward-to-worker, or unmatched topic.
func (m *Multiplexer) In(payload []byte) error {
	msg, err := m.deps.Serializer.DecodeMessage(payload)
	if err != nil {
		m.deps.ErrorReporter.Report(ErrorEvent{
			Type: ErrorUnmatchedTopic, Severity: SeverityWarning,
			Message: "failed to decode inbound payload", Err: err, Timestamp: now(), Recoverable: true,
		})
		return nil
	}

	if msg.Topic == wire.HeartbeatTopic && msg.Event == wire.HeartbeatEvent {
		return m.sendReply(wire.Reply{Ref: msg.Ref, Topic: wire.HeartbeatTopic, Status: wire.StatusOK, Payload: map[string]interface{}{}})
	}

	existing, hasWorker := m.channels[msg.Topic]

	if msg.Event == wire.EventJoin {
		if hasWorker {
			m.deps.Logger.Debug("muxsocket: duplicate join, closing existing worker", "topic", msg.Topic)
			m.forgetAndClose(existing)
		}
		return m.startJoin(msg)
	}

	if !hasWorker {
		return m.unmatchedTopic(msg)
	}

	existing.worker.Dispatch(msg)
	return nil
}

func (m *Multiplexer) unmatchedTopic(msg wire.Message) error {
	m.deps.ErrorReporter.Report(ErrorEvent{
		Type: ErrorUnmatchedTopic, Severity: SeverityWarning, Topic: msg.Topic,
		Message: "unmatched topic", Timestamp: now(), Recoverable: true,
	})
	return m.sendReply(wire.Reply{
		JoinRef: msg.JoinRef, Ref: msg.Ref, Topic: msg.Topic,
		Status: wire.StatusError, Payload: map[string]interface{}{"reason": "unmatched topic"},
	})
}

func (m *Multiplexer) startJoin(msg wire.Message) error {
	route, ok := m.deps.Registry.Lookup(msg.Topic)
	if !ok {
		return m.unmatchedTopic(msg)
	}

	factory, ok := route.Factory.(ChannelFactory)
	if !ok {
		return fmt.Errorf("muxsocket: route for %q has a factory of type %T, want ChannelFactory", msg.Topic, route.Factory)
	}
	handler := factory()

	joinRef := msg.JoinRef
	if joinRef == "" {
		joinRef = uuid.NewString()
	}

	deps := channel.Deps{
		Bus:               m.deps.Bus,
		FastlaneSink:      m.deps.Sink,
		Serializer:        m.deps.Serializer,
		Emit:              m.emitChannelEvent,
		Logger:            m.deps.Logger,
		ForceCloseTimeout: m.deps.ForceCloseTimeout,
	}

	worker, outcome, err := channel.Start(route, handler, m.sock, msg.Topic, joinRef, msg.Ref, msg.Payload, deps)
	if err != nil {
		m.deps.ErrorReporter.Report(ErrorEvent{
			Type: ErrorJoinCrashed, Severity: SeverityError, Topic: msg.Topic,
			Message: "join crashed", Err: err, Timestamp: now(), Recoverable: true,
		})
		return m.sendReply(wire.Reply{
			JoinRef: joinRef, Ref: msg.Ref, Topic: msg.Topic,
			Status: wire.StatusError, Payload: map[string]interface{}{"reason": "join crashed"},
		})
	}

	if !outcome.Accepted {
		m.deps.ErrorReporter.Report(ErrorEvent{
			Type: ErrorJoinRefused, Severity: SeverityInfo, Topic: msg.Topic,
			Message: "join refused", Timestamp: now(), Recoverable: true,
		})
		return m.sendReply(wire.Reply{JoinRef: joinRef, Ref: msg.Ref, Topic: msg.Topic, Status: wire.StatusError, Payload: outcome.Payload})
	}

	e := &entry{topic: msg.Topic, joinRef: joinRef, worker: worker}
	m.channels[msg.Topic] = e
	m.channelsInverse[worker] = e

	return m.sendReply(wire.Reply{JoinRef: joinRef, Ref: msg.Ref, Topic: msg.Topic, Status: wire.StatusOK, Payload: outcome.Payload})
}

// emitChannelEvent is the Deps.Emit callback every channel worker uses to
// report pushes and exits.
func (m *Multiplexer) emitChannelEvent(e channel.Event) {
	select {
	case m.events <- e:
	default:
		m.deps.Logger.Warn("muxsocket: event queue full, dropping channel event")
	}
}

// Info handles one async event. It returns
// ErrStopConnection when the connection must close.
func (m *Multiplexer) Info(ev channel.Event) error {
	switch v := ev.(type) {
	case channel.ExitNotice:
		return m.handleExitNotice(v)

	case channel.PushEvent:
		return m.sink(v.Encoded)

	case socketPushEvent:
		return m.sink(v.Encoded)

	case disconnectEvent:
		return ErrStopConnection

	case gcEvent:
		return nil

	default:
		m.deps.Logger.Debug("muxsocket: ignoring unrecognized async event", "type", fmt.Sprintf("%T", ev))
		return nil
	}
}

func (m *Multiplexer) handleExitNotice(notice channel.ExitNotice) error {
	pid, ok := notice.PID.(*channel.Worker)
	if !ok {
		return nil
	}
	e, tracked := m.channelsInverse[pid]
	if !tracked {
		return nil // already removed, ignore
	}

	delete(m.channels, e.topic)
	delete(m.channelsInverse, pid)

	if notice.Reason.IsNormal() {
		if notice.Final == nil {
			return nil
		}
		return m.sendFinal(notice.Final)
	}

	m.deps.ErrorReporter.Report(ErrorEvent{
		Type: ErrorChannelCrash, Severity: SeverityError, Topic: e.topic,
		Message: "channel worker crashed", Err: errors.New(notice.Reason.Detail), Timestamp: now(), Recoverable: true,
	})
	return m.sendMessage(wire.Message{JoinRef: e.joinRef, Ref: e.joinRef, Topic: e.topic, Event: wire.EventError, Payload: map[string]interface{}{}})
}

func (m *Multiplexer) sendFinal(final interface{}) error {
	switch v := final.(type) {
	case wire.Reply:
		return m.sendReply(v)
	case wire.Message:
		return m.sendMessage(v)
	default:
		return fmt.Errorf("muxsocket: unexpected final frame type %T", final)
	}
}

func (m *Multiplexer) sendReply(r wire.Reply) error {
	enc, err := m.deps.Serializer.EncodeReply(r)
	if err != nil {
		return m.encodeFailure(r.Topic, err)
	}
	return m.sink(enc)
}

func (m *Multiplexer) sendMessage(msg wire.Message) error {
	enc, err := m.deps.Serializer.EncodeMessage(msg)
	if err != nil {
		return m.encodeFailure(msg.Topic, err)
	}
	return m.sink(enc)
}

// encodeFailure implements kind 6: a serializer encode failure on an
// outbound frame is treated as a crash of the channel worker that owns
// that topic, not a multiplexer-level failure.
func (m *Multiplexer) encodeFailure(topic string, err error) error {
	m.deps.ErrorReporter.Report(ErrorEvent{
		Type: ErrorChannelCrash, Severity: SeverityError, Topic: topic,
		Message: "serializer encode failed", Err: err, Timestamp: now(), Recoverable: false,
	})
	if e, ok := m.channels[topic]; ok {
		m.forgetAndClose(e)
	}
	return nil
}

func (m *Multiplexer) sink(enc wire.Encoded) error {
	return m.deps.Sink.PushEncoded(enc)
}

// forgetAndClose removes e from both maps and force-closes its worker.
func (m *Multiplexer) forgetAndClose(e *entry) {
	delete(m.channels, e.topic)
	delete(m.channelsInverse, e.worker)
	e.worker.Close()
}

// Terminate force-closes every known channel worker and blocks until
// every one is confirmed dead. Workers close concurrently, so even a
// connection full of unresponsive channels is done within roughly one
// force-close timeout, not one per worker. Deliberately does not take
// the connection's own context: by the time Terminate runs that context
// is typically already cancelled, which would make the wait a no-op.
func (m *Multiplexer) Terminate() {
	workers := make([]*channel.Worker, 0, len(m.channels))
	for _, e := range m.channels {
		workers = append(workers, e.worker)
	}
	m.channels = make(map[string]*entry)
	m.channelsInverse = make(map[*channel.Worker]*entry)

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *channel.Worker) {
			defer wg.Done()
			w.Close()
		}(w)
	}
	wg.Wait()

	if m.idHandle != nil {
		_ = m.deps.Bus.Unsubscribe(m.sock.ID, m.idHandle)
	}
}

func now() time.Time { return time.Now() }
