// Package wire defines the three wire-level record shapes exchanged with
// clients and the serializer contract used to encode/decode them.
package wire

// Message is a client-to-server or server-to-client data frame.
type Message struct {
	JoinRef string      `json:"join_ref,omitempty"`
	Ref     string      `json:"ref,omitempty"`
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Status is the outcome carried by a Reply.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Reply is the server's response to a client ref.
type Reply struct {
	JoinRef string      `json:"join_ref,omitempty"`
	Ref     string      `json:"ref"`
	Topic   string      `json:"topic"`
	Status  Status      `json:"status"`
	Payload interface{} `json:"payload"`
}

// Broadcast is a pub/sub fan-out envelope. It carries no ref: it is not a
// reply to any particular client request.
type Broadcast struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Reserved topic and event names.
const (
	HeartbeatTopic = "phoenix"
	HeartbeatEvent = "heartbeat"

	EventJoin  = "phx_join"
	EventLeave = "phx_leave"
	EventError = "phx_error"
	EventReply = "phx_reply"

	EventDisconnect = "disconnect"
)
