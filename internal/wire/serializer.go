package wire

import "encoding/json"

// Opcode identifies the transport frame kind an encoded payload should be
// sent as. It mirrors gorilla/websocket's TextMessage/BinaryMessage
// constants without importing the transport package here, so wire stays
// free of any transport dependency.
type Opcode int

const (
	OpText   Opcode = 1
	OpBinary Opcode = 2
)

// Encoded is an already-serialized outbound frame: an opcode plus the bytes
// to write verbatim to the transport.
type Encoded struct {
	Opcode Opcode
	Bytes  []byte
}

// Serializer is the wire codec contract: it must round-trip Message,
// Reply, and Broadcast records. Implementations are plugged in at the
// boundary only; the multiplexer and channel runtime never inspect
// payload bytes directly.
type Serializer interface {
	// DecodeMessage decodes an inbound transport payload into a Message.
	DecodeMessage(payload []byte) (Message, error)

	// EncodeReply encodes a Reply for transport.
	EncodeReply(r Reply) (Encoded, error)

	// EncodeMessage encodes a Message for transport (used for server-
	// originated frames such as phx_error and a channel's own pushes).
	EncodeMessage(m Message) (Encoded, error)

	// Fastlane encodes a Broadcast for direct delivery to a subscriber's
	// transport, bypassing the channel worker. Kept distinct from
	// EncodeMessage/EncodeReply so implementations can optimize the
	// common broadcast-fanout path independently.
	Fastlane(b Broadcast) (Encoded, error)
}

// JSONSerializer is the default Serializer: plain JSON over text frames.
type JSONSerializer struct{}

func NewJSONSerializer() JSONSerializer { return JSONSerializer{} }

func (JSONSerializer) DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (JSONSerializer) EncodeReply(r Reply) (Encoded, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Opcode: OpText, Bytes: b}, nil
}

func (JSONSerializer) EncodeMessage(m Message) (Encoded, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Opcode: OpText, Bytes: b}, nil
}

func (JSONSerializer) Fastlane(br Broadcast) (Encoded, error) {
	b, err := json.Marshal(br)
	if err != nil {
		return Encoded{}, err
	}
	return Encoded{Opcode: OpText, Bytes: b}, nil
}
