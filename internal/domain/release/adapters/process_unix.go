//go:build unix

package adapters

import (
	"errors"

	"golang.org/x/sys/unix"
)

const canProbeProcesses = true

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
