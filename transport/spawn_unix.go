//go:build unix

package transport

import (
	"os"
	"os/exec"
)

// Attach arranges for files to be inherited by the child that cmd will spawn
// and returns the handle values the child will see them under, in order.
//
// On Unix the files are appended to cmd.ExtraFiles, which dups them into the
// child without close-on-exec starting at descriptor 3. The returned handles
// are therefore the child-side descriptor numbers, not the parent's.
func Attach(cmd *exec.Cmd, files ...*os.File) ([]uint64, error) {
	handles := make([]uint64, len(files))
	for i, f := range files {
		handles[i] = uint64(3 + len(cmd.ExtraFiles))
		cmd.ExtraFiles = append(cmd.ExtraFiles, f)
	}
	return handles, nil
}
