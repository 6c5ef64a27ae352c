//go:build !unix

package adapters

// Other processes cannot be probed here, so only lock age decides staleness.
const canProbeProcesses = false

func processAlive(int) bool {
	return true
}
