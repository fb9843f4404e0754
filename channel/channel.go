// Package channel implements the viaduct itself: a duplex RPC and
// request/response channel between a parent process and a spawned child,
// multiplexed over a pair of inherited anonymous pipes.
//
// A viaduct is symmetric once established. Each side holds a Tx, shareable
// across threads, and an Rx whose Run loop it hosts on a goroutine of its
// choosing:
//
//	tx, rx, err := channel.Parent(exec.Command("./worker"))
//	...
//	go rx.Run(
//		func(msg *message.Message) { ... },                       // RPCs
//		func(msg *message.Message, r *channel.Responder) { ... }, // requests
//	)
//	err = tx.Request(&Args{A: 2, B: 3}, &reply)
//
// The child side calls channel.Child (or ChildWithArgs to also receive its
// argument vector with the handshake token stripped).
//
// Any transport or protocol error poisons the endpoint: blocked requests wake
// with ErrPoisoned wrapping the cause, and every later send fails the same
// way. Poisoning is monotonic; a dead viaduct stays dead.
package channel

import (
	"fmt"
	"os"
	"sync"

	"viaduct/protocol"
)

// core is the state shared between a Tx and its Rx: the write pipe behind its
// lock, the request table, the peer's byte order, and the poison flag.
type core struct {
	cfg config

	wmu sync.Mutex // serializes whole frames; write order = lock acquisition order
	w   *os.File

	swap bool // peer's byte order differs; header fields of inbound frames are swapped

	pending *pending

	mu       sync.Mutex
	poisoned error // first fatal error; nil while running
}

// New builds a connected endpoint over an already-established pipe pair,
// without spawning or probing: r carries the peer's frames in, w carries ours
// out. Both processes (or both ends within one process, for loopback use)
// must agree on the byte order via WithPeerByteOrder; the default assumes the
// peer's order matches ours.
func New(r, w *os.File, opts ...Option) (*Tx, *Rx) {
	return newEndpoint(r, w, newConfig(opts))
}

func newEndpoint(r, w *os.File, cfg config) (*Tx, *Rx) {
	c := &core{
		cfg:     cfg,
		w:       w,
		swap:    cfg.peerOrder != protocol.NativeOrder(),
		pending: newPending(cfg.maxInflight),
	}
	return &Tx{c: c}, &Rx{c: c, r: r}
}

// poison records the first fatal error and wakes every blocked caller.
// Subsequent calls keep the original cause.
func (c *core) poison(cause error) {
	c.mu.Lock()
	if c.poisoned == nil {
		c.poisoned = cause
	}
	cause = c.poisoned
	c.mu.Unlock()
	c.pending.poison(cause)
}

// poisonErr returns the ErrPoisoned-wrapped cause, or nil while running.
func (c *core) poisonErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poisoned != nil {
		return fmt.Errorf("%w: %w", ErrPoisoned, c.poisoned)
	}
	return nil
}

// encode runs the codec and enforces the frame size cap before any bytes hit
// the wire.
func (c *core) encode(v any) ([]byte, error) {
	payload, err := c.cfg.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCodec, err)
	}
	if uint64(len(payload)) > uint64(c.cfg.maxPayload) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", protocol.ErrFrameTooLarge, len(payload), c.cfg.maxPayload)
	}
	return payload, nil
}

// writeFrame writes one complete frame under the write lock. A write failure
// poisons the endpoint: the pipe is a byte stream, and a partial frame leaves
// it unparseable for good.
func (c *core) writeFrame(h *protocol.Header, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.poisonErr(); err != nil {
		return err
	}
	if err := protocol.Encode(c.w, h, payload); err != nil {
		c.poison(err)
		return fmt.Errorf("viaduct: write: %w", err)
	}
	return nil
}
