//go:build linux

package transport

import (
	"os"

	"golang.org/x/sys/unix"
)

// SetPipeBuffer resizes the kernel buffer of the pipe behind f. Larger
// buffers let senders of bulk RPCs run further ahead of a slow receive loop
// before blocking. Sizing either end resizes the pipe itself.
func SetPipeBuffer(f *os.File, size int) error {
	_, err := unix.FcntlInt(f.Fd(), unix.F_SETPIPE_SZ, size)
	return err
}
