package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"channelmux/internal/fanout"
	"channelmux/internal/pubsub"
	"channelmux/internal/registry"
	"channelmux/internal/socket"
	"channelmux/internal/wire"
)

// Event is the sealed set of async events a worker reports to the
// multiplexer that owns it: a pre-encoded push for a live reply, or an
// exit notice when the worker stops. This is the Go substitute for a
// process monitor: instead of linking, every worker reports its own
// exit, tagged with whether it was normal so the multiplexer knows
// whether to synthesize a phx_error or just relay the carried final
// frame. The one exception is a worker stopped by NotifyTransportDied,
// which exits without reporting.
type Event interface{}

// PushEvent asks the multiplexer to emit an already-encoded frame, used
// for ordinary handle_in replies while the worker keeps running.
type PushEvent struct {
	Encoded wire.Encoded
}

// ExitNotice reports that a worker has stopped.
type ExitNotice struct {
	Topic   string
	JoinRef string
	PID     socket.ChannelPID
	Reason  ExitReason
	// Final, set only when Reason.IsNormal(), is an already-formed
	// wire.Reply or wire.Message the multiplexer should encode and send
	// before forgetting this topic. Nil means nothing further should be
	// sent.
	Final interface{}
}

// Deps are the dependencies a worker needs beyond its Handler.
type Deps struct {
	Bus pubsub.Bus

	// FastlaneSink and Serializer build the fastlane hint this worker's
	// topic subscription advertises to the bus.
	FastlaneSink fanout.Sink
	Serializer   wire.Serializer

	// Emit delivers an Event to the owning multiplexer's async-event
	// mailbox. Must be non-nil and must never block indefinitely; the
	// multiplexer's mailbox is expected to be buffered.
	Emit func(Event)

	Logger            *slog.Logger
	ForceCloseTimeout time.Duration
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type inboundKind int

const (
	kindLeave inboundKind = iota
	kindMessage
	kindBroadcast
	kindTransportDied
	kindClose
	kindInfo
)

type inbound struct {
	kind      inboundKind
	msg       wire.Message
	broadcast wire.Broadcast
	info      interface{}
	reason    string
}

// Worker is the running per-topic channel instance.
type Worker struct {
	topic   string
	joinRef string
	handler Handler
	deps    Deps

	mailbox chan inbound
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	busHandle fanout.Handle
}

// JoinOutcome is the result of a join attempt that did not crash.
type JoinOutcome struct {
	Accepted bool
	Payload  interface{}
}

// Start runs the join protocol synchronously from the caller's point of
// view and, on success, spawns the worker's goroutine. A panic during
// join is recovered and reported as err (a crashed join); a deliberate
// error reply from the handler is reported via outcome.Accepted=false,
// err=nil (a refused join).
func Start(route registry.Route, handler Handler, base socket.Socket, topic, joinRef, ref string, joinPayload interface{}, deps Deps) (w *Worker, outcome JoinOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			w = nil
			err = fmt.Errorf("channel %T: join panicked: %v", handler, r)
		}
	}()

	w = &Worker{
		topic:   topic,
		joinRef: joinRef,
		handler: handler,
		deps:    deps,
		mailbox: make(chan inbound, 64),
		done:    make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())

	sock := base.ForJoin(topic, fmt.Sprintf("%T", handler), w, joinRef, handler.Private())
	sock = sock.MergeAssigns(route.Options.Assigns)
	sock = sock.WithRef(ref)

	jr := handler.Join(topic, joinPayload, sock)
	if !jr.OK() {
		return nil, JoinOutcome{Accepted: false, Payload: jr.ReplyPayload}, nil
	}
	sock = jr.Socket.WithJoined()

	hint := &fanout.Hint{
		Sink:       deps.FastlaneSink,
		Serializer: deps.Serializer,
		Intercepts: handler.Intercepts(),
	}
	handle, subErr := deps.Bus.Subscribe(topic, w, hint)
	if subErr != nil {
		return nil, JoinOutcome{}, fmt.Errorf("channel %T: subscribe failed: %w", handler, subErr)
	}
	w.busHandle = handle

	sock.Broadcast = func(event string, payload interface{}) error {
		return deps.Bus.Publish(handle, wire.Broadcast{Topic: topic, Event: event, Payload: payload})
	}
	sock.Push = func(event string, payload interface{}) error {
		enc, encErr := deps.Serializer.EncodeMessage(wire.Message{JoinRef: joinRef, Topic: topic, Event: event, Payload: payload})
		if encErr != nil {
			return encErr
		}
		if deps.Emit != nil {
			deps.Emit(PushEvent{Encoded: enc})
		}
		return nil
	}
	sock = sock.ClearRef()

	go w.run(sock)

	return w, JoinOutcome{Accepted: true, Payload: jr.ReplyPayload}, nil
}

// PID returns this worker's opaque death-watch identity.
func (w *Worker) PID() socket.ChannelPID { return w }

// DeliverBroadcast implements fanout.Subscriber: it queues an intercepted
// broadcast for handle_out. A full mailbox drops the broadcast rather
// than block the publisher; delivery is best-effort.
func (w *Worker) DeliverBroadcast(b wire.Broadcast) {
	select {
	case w.mailbox <- inbound{kind: kindBroadcast, broadcast: b}:
	default:
		w.deps.logger().Warn("channel mailbox full, dropping broadcast", "topic", w.topic, "event", b.Event)
	}
}

// Dispatch forwards a decoded inbound Message addressed to this worker's
// topic into its mailbox.
func (w *Worker) Dispatch(m wire.Message) {
	kind := kindMessage
	if m.Event == wire.EventLeave {
		kind = kindLeave
	}
	select {
	case w.mailbox <- inbound{kind: kind, msg: m}:
	case <-w.done:
	}
}

// Info forwards an arbitrary async message for handle_info.
func (w *Worker) Info(msg interface{}) {
	select {
	case w.mailbox <- inbound{kind: kindInfo, info: msg}:
	case <-w.done:
	}
}

// NotifyTransportDied stops the worker without invoking handle_info or
// notifying the transport.
func (w *Worker) NotifyTransportDied(reason string) {
	select {
	case w.mailbox <- inbound{kind: kindTransportDied, reason: reason}:
	case <-w.done:
	}
}

// Close asks the worker to stop gracefully (shutdown{closed}) and waits
// up to deps.ForceCloseTimeout for it to die; if it doesn't, the worker is
// killed unconditionally and Close still blocks until death is confirmed
// — the forced-close path.
func (w *Worker) Close() {
	timeout := w.deps.ForceCloseTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case w.mailbox <- inbound{kind: kindClose}:
	case <-w.done:
		return
	}

	select {
	case <-w.done:
		return
	case <-time.After(timeout):
	}

	w.cancel()
	<-w.done
}

func (w *Worker) run(sock socket.Socket) {
	reason := NormalExit()
	var final interface{}
	notify := true

	defer func() {
		if r := recover(); r != nil {
			reason = CrashExit(fmt.Sprintf("%v", r))
		}

		_ = w.deps.Bus.Unsubscribe(w.topic, w.busHandle)

		func() {
			defer func() {
				if r := recover(); r != nil {
					w.deps.logger().Error("channel terminate panicked", "topic", w.topic, "panic", r)
				}
			}()
			w.handler.Terminate(reason, sock)
		}()

		notice := ExitNotice{Topic: w.topic, JoinRef: w.joinRef, PID: w, Reason: reason}
		if reason.IsNormal() {
			notice.Final = final
		}
		if w.deps.Emit != nil && notify {
			w.deps.Emit(notice)
		}
		close(w.done)
	}()

	for {
		// A kill takes priority over anything still queued in the
		// mailbox; without this check the select below could keep
		// draining backlog after the forced-close timeout.
		select {
		case <-w.ctx.Done():
			reason = CrashExit("killed after forced-close timeout")
			return
		default:
		}

		select {
		case <-w.ctx.Done():
			reason = CrashExit("killed after forced-close timeout")
			return

		case in := <-w.mailbox:
			stop, newSock, stopReason, stopFinal := w.step(in, sock)
			sock = newSock
			if stop {
				reason = stopReason
				final = stopFinal
				notify = in.kind != kindTransportDied
				return
			}
		}
	}
}

// step processes one inbound item and returns whether the worker should
// stop, the (possibly updated) socket, and — if stopping — the reason and
// final frame.
func (w *Worker) step(in inbound, sock socket.Socket) (stop bool, next socket.Socket, reason ExitReason, final interface{}) {
	switch in.kind {
	case kindLeave:
		reply := wire.Reply{JoinRef: w.joinRef, Ref: in.msg.Ref, Topic: w.topic, Status: wire.StatusOK, Payload: map[string]interface{}{}}
		return true, sock, ShutdownExit(ReasonLeft), reply

	case kindClose:
		return true, sock, ShutdownExit(ReasonClosed), nil

	case kindTransportDied:
		return true, sock, CrashExit(in.reason), nil

	case kindMessage:
		sock = sock.WithRef(in.msg.Ref)
		result := w.invoke(sock, func() Result { return w.handler.HandleIn(in.msg.Event, in.msg.Payload, sock) })
		return w.applyResult(result, true)

	case kindBroadcast:
		result := w.invoke(sock, func() Result { return w.handler.HandleOut(in.broadcast.Event, in.broadcast.Payload, sock) })
		stop, next, reason, _ = w.applyResult(result, false)
		return stop, next, reason, nil

	case kindInfo:
		result := w.invoke(sock, func() Result { return w.handler.HandleInfo(in.info, sock) })
		stop, next, reason, _ = w.applyResult(result, false)
		return stop, next, reason, nil
	}
	return false, sock, ExitReason{}, nil
}

// invoke calls fn, converting a panic into a Result{stop: crash} so one
// bad callback only crashes this worker, never the whole connection. On
// panic the socket carried forward is whatever was passed in, since fn's
// own return value never materialized.
func (w *Worker) invoke(sock socket.Socket, fn func() Result) Result {
	var result Result
	var panicked interface{}
	func() {
		defer func() {
			panicked = recover()
		}()
		result = fn()
	}()
	if panicked != nil {
		return Stop(CrashExit(fmt.Sprintf("%v", panicked)), sock)
	}
	return result
}

// applyResult emits any reply the result carries and reports whether the
// worker should stop. fromHandleIn gates whether a Response is accepted
// at all: a reply outside handle_in is a programmer error.
func (w *Worker) applyResult(result Result, fromHandleIn bool) (stop bool, next socket.Socket, reason ExitReason, final interface{}) {
	next = result.Socket

	if result.hasResponse() {
		if !fromHandleIn {
			w.deps.logger().Error("channel: reply() is only valid from handle_in", "topic", w.topic)
			return true, next, CrashExit("reply outside handle_in"), nil
		}
		resp := result.response_()
		reply := wire.Reply{JoinRef: w.joinRef, Ref: next.Ref, Topic: w.topic, Status: resp.Status, Payload: resp.Payload}
		if err := w.push(reply); err != nil {
			// An encode failure on this worker's own reply kills the
			// worker, not the connection.
			return true, next, CrashExit(fmt.Sprintf("encode reply: %v", err)), nil
		}
	}

	if fromHandleIn {
		// The ref only identifies the inbound message just handled; it
		// must not leak into later handle_out/handle_info invocations.
		next = next.ClearRef()
	}

	if result.isStop() {
		return true, next, result.stopReason(), nil
	}
	return false, next, ExitReason{}, nil
}

func (w *Worker) push(reply wire.Reply) error {
	enc, err := w.deps.Serializer.EncodeReply(reply)
	if err != nil {
		w.deps.logger().Error("channel: encode reply failed", "topic", w.topic, "error", err)
		return err
	}
	if w.deps.Emit != nil {
		w.deps.Emit(PushEvent{Encoded: enc})
	}
	return nil
}
