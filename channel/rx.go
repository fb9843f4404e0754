package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"viaduct/message"
	"viaduct/middleware"
	"viaduct/protocol"
)

// Rx is the receiving half of a viaduct. Run consumes it for the lifetime of
// the channel; host it on a goroutine of your choosing, typically one
// dedicated to the endpoint.
type Rx struct {
	c *core
	r *os.File
}

// Responder carries the id of one pending request and replies through the
// shared Tx write path. The request handler must either call Respond exactly
// once before returning, or call Detach and guarantee a later Respond from
// wherever it moved the responder to. A handler that does neither doesn't
// leave the remote caller blocked: the receive loop notices and wakes it with
// ErrDroppedResponder.
type Responder struct {
	c        *core
	id       uuid.UUID
	replied  atomic.Bool
	detached atomic.Bool
}

// Respond encodes v and sends it as the response to this responder's request.
// A second call fails with ErrAlreadyResponded and writes nothing.
func (r *Responder) Respond(v any) error {
	payload, err := r.c.encode(v)
	if err != nil {
		return err
	}
	if !r.replied.CompareAndSwap(false, true) {
		return ErrAlreadyResponded
	}
	h := &protocol.Header{Kind: protocol.KindResponse, RequestID: [16]byte(r.id)}
	return r.c.writeFrame(h, payload)
}

// Detach tells the receive loop that this responder outlives its handler:
// the response will be sent later, from another goroutine. Call it inside the
// handler, before returning; the loop consults the flag right after. Responses may
// therefore go out in any order relative to other requests; each one still
// wakes exactly its own caller. A detached responder that never responds
// leaves the remote caller blocked until the endpoint dies.
func (r *Responder) Detach() {
	r.detached.Store(true)
}

// ID returns the request id this responder answers for.
func (r *Responder) ID() uuid.UUID {
	return r.id
}

// Run is the receive loop. It blocks reading frames until the peer closes its
// write pipe (clean shutdown, returns nil) or an error occurs (poisons the
// endpoint, returns the cause). Handlers are invoked synchronously, strictly
// in on-wire order, on Run's goroutine: a slow handler throttles the loop but
// never reorders it. Concurrency with outgoing traffic comes from handlers
// using the shared Tx.
//
// rpcHandler receives every RPC frame. requestHandler receives every request
// frame together with its Responder. On clean EOF, callers still blocked in
// Request are woken with ErrPoisoned wrapping io.EOF.
func (rx *Rx) Run(rpcHandler func(*message.Message), requestHandler func(*message.Message, *Responder)) error {
	err := rx.loop(rpcHandler, requestHandler)
	if err != nil {
		rx.c.cfg.logger.Warn("viaduct: receive loop failed", "err", err)
		rx.c.poison(err)
		return err
	}
	rx.c.poison(io.EOF)
	return nil
}

func (rx *Rx) loop(rpcHandler func(*message.Message), requestHandler func(*message.Message, *Responder)) error {
	chain := middleware.Chain(rx.c.cfg.middlewares...)
	decode := rx.c.cfg.codec.Decode
	rpcH := chain(func(_ context.Context, msg *message.Message) { rpcHandler(msg) })

	for {
		h, payload, err := protocol.Decode(rx.r, rx.c.swap, rx.c.cfg.maxPayload)
		if errors.Is(err, io.EOF) {
			return nil // peer closed its write end between frames
		}
		if err != nil {
			return fmt.Errorf("viaduct: read: %w", err)
		}

		switch h.Kind {
		case protocol.KindRPC:
			rpcH(context.Background(), message.New(payload, decode))

		case protocol.KindRequest:
			rsp := &Responder{c: rx.c, id: uuid.UUID(h.RequestID)}
			reqH := chain(func(_ context.Context, msg *message.Message) { requestHandler(msg, rsp) })
			reqH(context.Background(), message.New(payload, decode))
			if !rsp.detached.Load() && rsp.replied.CompareAndSwap(false, true) {
				// The handler returned without responding; wake the remote
				// caller with a flagged empty response.
				rx.c.cfg.logger.Debug("viaduct: request handler dropped its responder", "id", rsp.id)
				nh := &protocol.Header{
					Kind:      protocol.KindResponse,
					Flags:     protocol.FlagNoReply,
					RequestID: h.RequestID,
				}
				if err := rx.c.writeFrame(nh, nil); err != nil {
					return err
				}
			}

		case protocol.KindResponse:
			id := uuid.UUID(h.RequestID)
			var delivered bool
			if h.Flags&protocol.FlagNoReply != 0 {
				delivered = rx.c.pending.fail(id, ErrDroppedResponder)
			} else {
				delivered = rx.c.pending.complete(id, payload)
			}
			if !delivered {
				return fmt.Errorf("%w: response for unknown request id %s", ErrProtocol, id)
			}

		case protocol.KindProbe:
			return fmt.Errorf("%w: byte-order probe outside handshake", ErrProtocol)
		}
	}
}

// Close releases the read pipe. Call it only after Run has returned; closing
// a pipe out from under a blocked read is not portable.
func (rx *Rx) Close() error {
	return rx.r.Close()
}
