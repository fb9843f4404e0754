package channel

import (
	"log/slog"
	"sync"

	"viaduct/codec"
	"viaduct/message"
)

// TypeHandler handles one registered RPC type; the message holds the inner
// envelope data, decodable with the mux's codec.
type TypeHandler func(msg *message.Message)

// TypeRequestHandler handles one registered request type.
type TypeRequestHandler func(msg *message.Message, r *Responder)

// Mux routes messages to per-type handlers, for peers that exchange more than
// one kind of message over the single rpc/request handler pair Rx.Run
// accepts. Senders wrap values with Pack; the receiver plugs HandleRPC and
// HandleRequest into Run.
//
// The channel's codec must be able to carry *message.Envelope — both
// JSONCodec and BinaryCodec do.
//
// Messages of an unregistered type are logged and dropped; for a request the
// receive loop then wakes the remote caller with ErrDroppedResponder.
type Mux struct {
	codec  codec.Codec
	logger *slog.Logger

	mu  sync.Mutex
	rpc map[uint32]TypeHandler
	req map[uint32]TypeRequestHandler
}

// NewMux creates a Mux over the same codec the channel was built with. A nil
// logger means slog.Default().
func NewMux(c codec.Codec, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		codec:  c,
		logger: logger,
		rpc:    make(map[uint32]TypeHandler),
		req:    make(map[uint32]TypeRequestHandler),
	}
}

// RPC registers the handler for RPC messages of type t.
func (m *Mux) RPC(t uint32, h TypeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpc[t] = h
}

// Request registers the handler for request messages of type t.
func (m *Mux) Request(t uint32, h TypeRequestHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.req[t] = h
}

// Pack encodes v with the mux's codec and wraps it in an envelope of type t,
// ready for Tx.RPC or Tx.Request.
func (m *Mux) Pack(t uint32, v any) (*message.Envelope, error) {
	data, err := m.codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return &message.Envelope{Type: t, Data: data}, nil
}

// HandleRPC is the rpc handler to pass to Rx.Run.
func (m *Mux) HandleRPC(msg *message.Message) {
	var env message.Envelope
	if err := msg.Decode(&env); err != nil {
		m.logger.Warn("viaduct: mux: undecodable rpc envelope", "err", err)
		return
	}
	m.mu.Lock()
	h := m.rpc[env.Type]
	m.mu.Unlock()
	if h == nil {
		m.logger.Warn("viaduct: mux: rpc for unregistered type", "type", env.Type)
		return
	}
	h(message.New(env.Data, m.codec.Decode))
}

// HandleRequest is the request handler to pass to Rx.Run.
func (m *Mux) HandleRequest(msg *message.Message, r *Responder) {
	var env message.Envelope
	if err := msg.Decode(&env); err != nil {
		m.logger.Warn("viaduct: mux: undecodable request envelope", "err", err)
		return
	}
	m.mu.Lock()
	h := m.req[env.Type]
	m.mu.Unlock()
	if h == nil {
		m.logger.Warn("viaduct: mux: request for unregistered type", "type", env.Type)
		return
	}
	h(message.New(env.Data, m.codec.Decode), r)
}
