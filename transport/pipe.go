// Package transport owns the OS-level plumbing of a viaduct: anonymous pipe
// pairs, inheritance of the child's ends across process spawn, and the
// argument token through which the parent tells the child where its ends are.
//
// It deliberately exposes blocking I/O only. A viaduct endpoint has exactly
// one reader and (behind a lock) one writer; buffering beyond what the OS
// pipe provides would just add a copy.
package transport

import (
	"io"
	"os"
)

// Conn is one side's view of an established viaduct: the end it reads the
// peer's frames from and the end it writes its own frames to.
type Conn struct {
	R *os.File
	W *os.File
}

// ReadFull blocks until p is completely filled or the pipe fails.
func (c *Conn) ReadFull(p []byte) error {
	_, err := io.ReadFull(c.R, p)
	return err
}

// WriteAll blocks until p is completely written or the pipe fails.
func (c *Conn) WriteAll(p []byte) error {
	n, err := c.W.Write(p)
	if err == nil && n < len(p) {
		return io.ErrShortWrite
	}
	return err
}

// Close closes both ends. Closing the write end delivers EOF to the peer's
// receive loop.
func (c *Conn) Close() error {
	rerr := c.R.Close()
	werr := c.W.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// ChildEnds holds the two pipe ends destined for the spawned child: the end
// it will read parent frames from and the end it will write its own frames to.
type ChildEnds struct {
	R *os.File
	W *os.File
}

// Close releases the child's ends in this process. The parent calls this
// after a successful spawn — the child owns its copies by then — and on every
// failure path.
func (c *ChildEnds) Close() {
	c.R.Close()
	c.W.Close()
}

// ChannelPipes creates the two unidirectional pipes of a viaduct and deals
// out the four ends: the parent's Conn and the child's ends.
//
// Both descriptors of each pipe start out close-on-exec (os.Pipe guarantees
// this), so nothing leaks into unrelated children. Inheritance of the child's
// ends is granted explicitly at spawn time by Attach.
func ChannelPipes() (*Conn, *ChildEnds, error) {
	// parent → child
	childR, parentW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	// child → parent
	parentR, childW, err := os.Pipe()
	if err != nil {
		childR.Close()
		parentW.Close()
		return nil, nil, err
	}
	return &Conn{R: parentR, W: parentW}, &ChildEnds{R: childR, W: childW}, nil
}

// OpenInherited wraps an inherited handle value recovered from the argument
// token. The handle is platform-native: a file descriptor number on Unix, a
// HANDLE value on Windows.
func OpenInherited(handle uint64, name string) *os.File {
	return os.NewFile(uintptr(handle), name)
}
