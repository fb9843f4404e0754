package channel

import (
	"os"
	"time"
)

// The reaper is a third pipe whose only job is peer-death detection. The
// parent writes one byte per interval and learns of the child's death when a
// write fails; the child blocks reading and learns of the parent's death from
// EOF. Frame traffic never touches this pipe, so detection works even when
// the channel is idle.

const reaperInterval = 5 * time.Second

func reapParent(w *os.File, callback func()) {
	for {
		if _, err := w.Write([]byte{0}); err != nil {
			break
		}
		time.Sleep(reaperInterval)
	}
	w.Close()
	if callback != nil {
		callback()
	}
}

func reapChild(r *os.File, callback func()) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n == 0 || err != nil {
			break
		}
	}
	r.Close()
	if callback != nil {
		callback()
	}
}
