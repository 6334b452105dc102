//go:build !windows

package daemon

import (
	"os"
	"syscall"
)

// isProcessAlive checks if a process is alive using kill -0.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func terminate(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
