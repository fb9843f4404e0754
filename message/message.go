// Package message defines the in-memory message types handed to viaduct
// handlers.
//
// Message wraps the raw payload bytes of a received frame together with the
// decode routine of the channel's codec, so a handler can decode into its own
// type without knowing which codec the channel was built with.
package message

import "errors"

// DecodeFunc decodes payload bytes into v. It is the decode half of the
// channel's configured codec.
type DecodeFunc func(data []byte, v any) error

// Message is a received RPC or request payload.
type Message struct {
	payload []byte
	decode  DecodeFunc
}

// New wraps received payload bytes with the decode routine to apply to them.
func New(payload []byte, decode DecodeFunc) *Message {
	return &Message{payload: payload, decode: decode}
}

// Decode deserializes the payload into v using the channel's codec.
func (m *Message) Decode(v any) error {
	if m.decode == nil {
		return errors.New("message: no codec attached")
	}
	return m.decode(m.payload, v)
}

// Bytes returns the raw payload. The transport never inspects these bytes;
// they are exactly what the peer's codec produced.
func (m *Message) Bytes() []byte {
	return m.payload
}

// Len returns the payload size in bytes.
func (m *Message) Len() int {
	return len(m.payload)
}

// Envelope is the typed-dispatch wrapper used by channel.Mux.
//
//   - On send: Type selects the peer's registered handler, Data carries the
//     codec-encoded inner value.
//   - On receive: Mux routes by Type and hands Data to the handler as a Message.
type Envelope struct {
	Type uint32 // Handler selector, application-defined
	Data []byte // Codec-encoded inner value
}
