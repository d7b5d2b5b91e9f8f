// Package socket defines the Socket value carried through the connect,
// join, and callback pipeline. A Socket is a copy-on-modify value: every
// mutating method returns a new Socket rather than mutating the receiver
// in place, so channel callbacks can't accidentally alias state across
// workers.
package socket

// TransportPID is an opaque handle to the connection-owning worker (the
// multiplexer's transport-facing goroutine). ChannelPID is the analogous
// handle for a channel worker. Both are opaque to user code; they exist so
// the framework can address "the worker that owns this socket".
type TransportPID interface{}
type ChannelPID interface{}

// Handler is the user's socket module: the connect/id callback pair.
type Handler interface {
	// Connect validates params and returns a socket to continue, or false
	// to fail the connection.
	Connect(params map[string]interface{}, sock Socket) (Socket, bool)

	// ID returns a stable identifier for the connection, or "" if none.
	// A non-empty ID causes the multiplexer to subscribe to a pub/sub
	// topic of that name for connection-level events such as forced
	// disconnects.
	ID(sock Socket) string
}

// Socket is the per-connection/per-channel state value threaded through
// connect, join, and every channel callback.
type Socket struct {
	ID     string
	Assigns map[string]interface{}
	Private map[string]interface{}

	Handler      Handler
	PubSubServer string
	Transport    string
	TransportPID TransportPID

	// Set only inside a channel worker.
	Channel    string
	ChannelPID ChannelPID

	Topic   string
	Joined  bool
	JoinRef string
	Ref     string

	// Broadcast publishes an event+payload to this socket's own topic on
	// the pub/sub bus, bound by the channel worker at join time. Nil
	// outside a channel worker.
	Broadcast func(event string, payload interface{}) error

	// Push sends an event+payload frame directly to this socket's own
	// client, bypassing the bus. Bound at join time; nil outside a
	// channel worker. This is how handle_out forwards an intercepted
	// broadcast after rewriting it.
	Push func(event string, payload interface{}) error
}

// New creates an empty socket ready for Handler.Connect.
func New(transport, pubsubServer string) Socket {
	return Socket{
		Assigns:      map[string]interface{}{},
		Private:      map[string]interface{}{},
		Transport:    transport,
		PubSubServer: pubsubServer,
	}
}

// clone returns a shallow copy of s with independently-mutable Assigns and
// Private maps, so callers can hand the same base socket to concurrent
// channel workers without aliasing scratch space.
func (s Socket) clone() Socket {
	out := s
	out.Assigns = cloneMap(s.Assigns)
	out.Private = cloneMap(s.Private)
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithAssign returns a copy of s with key set in Assigns.
func (s Socket) WithAssign(key string, value interface{}) Socket {
	out := s.clone()
	out.Assigns[key] = value
	return out
}

// MergeAssigns returns a copy of s with every entry in extra merged into
// Assigns, as happens with a route's option assigns on join.
func (s Socket) MergeAssigns(extra map[string]interface{}) Socket {
	out := s.clone()
	for k, v := range extra {
		out.Assigns[k] = v
	}
	return out
}

// ForJoin returns a copy of s prepared for a channel worker: topic,
// channel, join ref, channel pid and private map are all stamped.
func (s Socket) ForJoin(topic, channel string, pid ChannelPID, joinRef string, private map[string]interface{}) Socket {
	out := s.clone()
	out.Topic = topic
	out.Channel = channel
	out.ChannelPID = pid
	out.JoinRef = joinRef
	out.Private = cloneMap(private)
	return out
}

// WithRef returns a copy of s with Ref set to ref (stamped before a
// callback invocation that may reply to it).
func (s Socket) WithRef(ref string) Socket {
	out := s.clone()
	out.Ref = ref
	return out
}

// ClearRef returns a copy of s with Ref cleared. Called after the join and
// after every handle_in, whether or not it replied; Ref is empty between
// inbound handlings.
func (s Socket) ClearRef() Socket {
	out := s.clone()
	out.Ref = ""
	return out
}

// WithJoined marks the socket as joined.
func (s Socket) WithJoined() Socket {
	out := s.clone()
	out.Joined = true
	return out
}
