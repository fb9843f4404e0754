package channel

import (
	"fmt"

	"github.com/google/uuid"

	"viaduct/protocol"
)

// Tx is the sending half of a viaduct. It is safe for concurrent use: the
// write lock serializes whole frames, so the on-wire order is exactly the
// order in which senders acquired the lock.
type Tx struct {
	c *core
}

// RPC sends a fire-and-forget message to the peer. It blocks only while
// another sender holds the write lock or the OS pipe is full.
func (t *Tx) RPC(v any) error {
	payload, err := t.c.encode(v)
	if err != nil {
		return err
	}
	return t.c.writeFrame(&protocol.Header{Kind: protocol.KindRPC}, payload)
}

// Request sends args to the peer and blocks until the peer's request handler
// responds, decoding the response into reply (which may be nil to discard
// it). Many threads may have requests in flight concurrently; each caller is
// woken by its own response, whatever order responses arrive in.
//
// The caller wakes with ErrPoisoned (wrapping the cause) if the endpoint
// fails while waiting, with ErrDroppedResponder if the peer's handler
// returned without responding, or with ErrCodec if the response payload
// doesn't decode. There is no cancellation: only a response or poisoning
// releases the caller.
func (t *Tx) Request(args any, reply any) error {
	payload, err := t.c.encode(args)
	if err != nil {
		return err
	}

	// Unique within this peer's lifetime; the responder echoes it verbatim.
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("viaduct: request id: %w", err)
	}

	// Claim the slot before writing: the response can race our own return
	// from the write.
	ch, err := t.c.pending.install(id)
	if err != nil {
		return err
	}

	h := &protocol.Header{Kind: protocol.KindRequest, RequestID: [16]byte(id)}
	if err := t.c.writeFrame(h, payload); err != nil {
		t.c.pending.remove(id)
		return err
	}

	res := <-ch
	if res.err != nil {
		return res.err
	}
	if reply == nil {
		return nil
	}
	if err := t.c.cfg.codec.Decode(res.payload, reply); err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	return nil
}

// Inflight reports the number of requests currently awaiting a response.
func (t *Tx) Inflight() int {
	return t.c.pending.inflight()
}

// Close closes the write pipe, which the peer's receive loop observes as a
// clean EOF. Senders blocked in Request are not released by Close; they wake
// when the peer's side of the teardown poisons this endpoint or their
// response arrives first.
func (t *Tx) Close() error {
	return t.c.w.Close()
}
