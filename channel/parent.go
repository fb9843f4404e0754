package channel

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"

	"viaduct/protocol"
	"viaduct/transport"
)

// Parent establishes a viaduct with the child process that cmd describes.
// cmd must not have been started; Parent appends the handshake token to its
// argument vector, spawns it, and completes the probe exchange before
// returning. The caller keeps ownership of cmd, including Wait.
//
// On any failure after the spawn the child is killed and ErrHandshakeFailed
// (wrapping the cause) is returned.
func Parent(cmd *exec.Cmd, opts ...Option) (*Tx, *Rx, error) {
	cfg := newConfig(opts)

	conn, childEnds, err := transport.ChannelPipes()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: create pipes: %w", ErrHandshakeFailed, err)
	}
	if cfg.pipeBuffer > 0 {
		// Best effort; the kernel may refuse large sizes to unprivileged callers.
		if err := transport.SetPipeBuffer(conn.W, cfg.pipeBuffer); err != nil {
			cfg.logger.Warn("viaduct: pipe buffer resize refused", "err", err)
		}
		if err := transport.SetPipeBuffer(childEnds.W, cfg.pipeBuffer); err != nil {
			cfg.logger.Warn("viaduct: pipe buffer resize refused", "err", err)
		}
	}

	nonce, err := uuid.NewRandom()
	if err != nil {
		conn.Close()
		childEnds.Close()
		return nil, nil, fmt.Errorf("%w: nonce: %w", ErrHandshakeFailed, err)
	}

	files := []*os.File{childEnds.R, childEnds.W}
	var reaperR, reaperW *os.File
	if cfg.reaper != nil {
		reaperR, reaperW, err = os.Pipe()
		if err != nil {
			conn.Close()
			childEnds.Close()
			return nil, nil, fmt.Errorf("%w: reaper pipe: %w", ErrHandshakeFailed, err)
		}
		files = append(files, reaperR)
	}

	closeReaper := func() {
		if reaperR != nil {
			reaperR.Close()
			reaperW.Close()
		}
	}

	handles, err := transport.Attach(cmd, files...)
	if err != nil {
		conn.Close()
		childEnds.Close()
		closeReaper()
		return nil, nil, fmt.Errorf("%w: mark inheritable: %w", ErrHandshakeFailed, err)
	}

	tok := &transport.Token{
		ReadHandle:  handles[0],
		WriteHandle: handles[1],
		ByteOrder:   protocol.NativeOrder(),
		Nonce:       [16]byte(nonce),
	}
	if reaperR != nil {
		tok.ReaperHandle = handles[2]
		tok.HasReaper = true
	}
	cmd.Args = append(cmd.Args, tok.Encode())

	if err := cmd.Start(); err != nil {
		conn.Close()
		childEnds.Close()
		closeReaper()
		return nil, nil, fmt.Errorf("%w: spawn: %w", ErrHandshakeFailed, err)
	}

	// The child owns its copies now; drop ours so its EOFs work.
	childEnds.Close()
	if reaperR != nil {
		reaperR.Close()
	}

	tx, rx := newEndpoint(conn.R, conn.W, cfg)
	if _, err := handshake(tx.c, conn.R, nonce, protocol.NativeOrder()); err != nil {
		cmd.Process.Kill()
		conn.Close()
		if reaperW != nil {
			reaperW.Close()
		}
		return nil, nil, err
	}

	if reaperW != nil {
		go reapParent(reaperW, cfg.reaper)
	}
	return tx, rx, nil
}

// handshake sends this side's probe, then reads and validates the peer's:
// the echoed nonce must match, and the peer's byte order (returned to the
// caller) fixes the swap flag for every frame that follows. Probes cross in
// both directions; neither side waits for the other before writing, so the
// exchange cannot deadlock.
func handshake(c *core, r *os.File, nonce uuid.UUID, ownTag byte) (byte, error) {
	c.wmu.Lock()
	err := protocol.WriteProbe(c.w, ownTag, [16]byte(nonce))
	c.wmu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%w: send probe: %w", ErrHandshakeFailed, err)
	}

	echoed, tag, swap, err := protocol.ReadProbe(r)
	if err != nil {
		return 0, fmt.Errorf("%w: read probe: %w", ErrHandshakeFailed, err)
	}
	if uuid.UUID(echoed) != nonce {
		return 0, fmt.Errorf("%w: nonce mismatch", ErrHandshakeFailed)
	}
	c.swap = swap
	return tag, nil
}
