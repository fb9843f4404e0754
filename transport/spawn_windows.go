//go:build windows

package transport

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// Attach arranges for files to be inherited by the child that cmd will spawn
// and returns the handle values the child will see them under, in order.
//
// On Windows a handle crosses CreateProcess unchanged, so the returned values
// are the parent-side handle values. Each handle is marked inheritable and
// listed in AdditionalInheritedHandles; handles not listed there stay private
// to the parent even when inheritable.
func Attach(cmd *exec.Cmd, files ...*os.File) ([]uint64, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	handles := make([]uint64, len(files))
	for i, f := range files {
		h := windows.Handle(f.Fd())
		if err := windows.SetHandleInformation(h, windows.HANDLE_FLAG_INHERIT, windows.HANDLE_FLAG_INHERIT); err != nil {
			return nil, err
		}
		cmd.SysProcAttr.AdditionalInheritedHandles = append(cmd.SysProcAttr.AdditionalInheritedHandles, syscall.Handle(h))
		handles[i] = uint64(f.Fd())
	}
	return handles, nil
}
