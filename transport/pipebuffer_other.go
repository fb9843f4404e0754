//go:build !linux

package transport

import "os"

// SetPipeBuffer is a no-op where the platform offers no pipe resize control;
// the pipe keeps its default capacity.
func SetPipeBuffer(f *os.File, size int) error {
	return nil
}
