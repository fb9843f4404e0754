package channel

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"viaduct/protocol"
	"viaduct/transport"
)

// Child bridges the viaduct from inside the spawned process. It recovers the
// inherited pipe ends from the handshake token in this process's argument
// vector and completes the probe exchange with the parent.
//
// Call it at most once per process, before anything else examines os.Args:
// the inherited handles are consumed on first use. If application code needs
// its arguments, use ChildWithArgs instead of reading os.Args directly — the
// raw vector still contains the token.
func Child(opts ...Option) (*Tx, *Rx, error) {
	tx, rx, _, err := newChild(os.Args, opts)
	return tx, rx, err
}

// ChildWithArgs is Child, additionally yielding the argument vector with the
// handshake token removed. The first element remains the program name, as in
// os.Args.
func ChildWithArgs(opts ...Option) (*Tx, *Rx, []string, error) {
	return newChild(os.Args, opts)
}

func newChild(args []string, opts []Option) (*Tx, *Rx, []string, error) {
	cfg := newConfig(opts)

	tok, rest, err := transport.FindToken(args)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	r := transport.OpenInherited(tok.ReadHandle, "viaduct-read")
	w := transport.OpenInherited(tok.WriteHandle, "viaduct-write")

	tx, rx := newEndpoint(r, w, cfg)
	tag, err := handshake(tx.c, r, uuid.UUID(tok.Nonce), protocol.NativeOrder())
	if err != nil {
		r.Close()
		w.Close()
		return nil, nil, nil, err
	}
	// The probe must agree with what the token already told us.
	if tag != tok.ByteOrder {
		r.Close()
		w.Close()
		return nil, nil, nil, fmt.Errorf("%w: probe byte order disagrees with token", ErrHandshakeFailed)
	}

	if tok.HasReaper {
		go reapChild(transport.OpenInherited(tok.ReaperHandle, "viaduct-reaper"), cfg.reaper)
	} else if cfg.reaper != nil {
		cfg.logger.Warn("viaduct: reaper callback set but the parent created no reaper pipe")
	}

	return tx, rx, rest, nil
}
