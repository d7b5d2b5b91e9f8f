// Package room is a concrete channel handler for "room:*" topics: clients
// join a room, echo messages, shout to everyone in the room, and receive
// announcements. It doubles as the template for writing real channel
// handlers against the channel.Handler contract.
package room

import (
	"context"
	"fmt"

	"channelmux/internal/audit"
	"channelmux/internal/channel"
	"channelmux/internal/presence"
	"channelmux/internal/socket"
	"channelmux/internal/wire"
)

// Hooks are the optional operational collaborators a room channel reports
// to. Every field may be nil; the channel works without them.
type Hooks struct {
	Presence    *presence.Recorder
	Audit       *audit.Producer
	Attachments *presence.AttachmentStore
}

// Channel handles one joined room topic.
type Channel struct {
	channel.BaseHandler
	hooks Hooks
}

// NewFactory returns the constructor the registry invokes per join.
func NewFactory(hooks Hooks) func() channel.Handler {
	return func() channel.Handler { return &Channel{hooks: hooks} }
}

func (c *Channel) Join(topic string, payload interface{}, sock socket.Socket) channel.JoinResult {
	if topic == "room:forbidden" {
		return channel.JoinError(map[string]interface{}{"reason": "forbidden"})
	}

	if params, ok := payload.(map[string]interface{}); ok {
		if user, ok := params["user"].(string); ok {
			sock = sock.WithAssign("user", user)
		}
		if c.hooks.Attachments != nil {
			if rewritten, err := c.hooks.Attachments.Offload(context.Background(), topic, params); err == nil {
				sock = sock.WithAssign("join_params", rewritten)
			}
		}
	}

	c.record(sock, presence.KindJoined, "")
	return channel.JoinOK(sock)
}

func (c *Channel) HandleIn(event string, payload interface{}, sock socket.Socket) channel.Result {
	switch event {
	case "msg":
		var body interface{}
		if m, ok := payload.(map[string]interface{}); ok {
			body = m["body"]
		}
		return channel.Reply(channel.Response{
			Status:  wire.StatusOK,
			Payload: map[string]interface{}{"echo": body},
		}, sock)

	case "shout":
		if err := sock.Broadcast("shout", payload); err != nil {
			return channel.Reply(channel.Response{
				Status:  wire.StatusError,
				Payload: map[string]interface{}{"reason": "broadcast failed"},
			}, sock)
		}
		return channel.NoReply(sock)

	case "boom":
		panic("boom")

	default:
		return channel.Reply(channel.Response{
			Status:  wire.StatusError,
			Payload: map[string]interface{}{"reason": fmt.Sprintf("unknown event %q", event)},
		}, sock)
	}
}

// HandleOut runs only for intercepted events. Announcements are stamped
// with the room they belong to before being pushed to this client.
func (c *Channel) HandleOut(event string, payload interface{}, sock socket.Socket) channel.Result {
	if event == "announce" {
		out := map[string]interface{}{"room": sock.Topic}
		if m, ok := payload.(map[string]interface{}); ok {
			for k, v := range m {
				out[k] = v
			}
		}
		_ = sock.Push("announce", out)
	}
	return channel.NoReply(sock)
}

func (c *Channel) Terminate(reason channel.ExitReason, sock socket.Socket) {
	kind := presence.KindLeft
	if !reason.IsNormal() {
		kind = presence.KindCrashed
	}
	c.record(sock, kind, reason.Detail)
}

func (c *Channel) Intercepts() map[string]struct{} {
	return map[string]struct{}{"announce": {}}
}

func (c *Channel) record(sock socket.Socket, kind presence.EventKind, detail string) {
	if c.hooks.Presence != nil {
		c.hooks.Presence.Record(sock.ID, sock.Topic, kind, detail)
	}
	if c.hooks.Audit != nil {
		c.hooks.Audit.Publish(audit.Event{
			Kind:         string(kind),
			ConnectionID: sock.ID,
			Topic:        sock.Topic,
			Detail:       detail,
		})
	}
}

// UserSocket is the socket handler for this service: it accepts any
// connection, stashes an optional user id, and derives the connection id
// used for forced disconnects.
type UserSocket struct{}

func (UserSocket) Connect(params map[string]interface{}, sock socket.Socket) (socket.Socket, bool) {
	if uid, ok := params["user_id"].(string); ok && uid != "" {
		sock = sock.WithAssign("user_id", uid)
	}
	return sock, true
}

func (UserSocket) ID(sock socket.Socket) string {
	uid, ok := sock.Assigns["user_id"].(string)
	if !ok || uid == "" {
		return ""
	}
	return "users_socket:" + uid
}
