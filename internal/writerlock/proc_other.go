//go:build !linux

package writerlock

import "os"

func identity() (pid uint32, startTime uint64) {
	return uint32(os.Getpid()), 0
}

// alive has no reliable cross-process liveness signal outside Linux
// without cgo; see the Alive doc comment on the exported wrapper.
func alive(info Info) bool {
	return true
}
