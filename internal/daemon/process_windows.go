//go:build windows

package daemon

import (
	"os"

	"golang.org/x/sys/windows"
)

// isProcessAlive opens the process and checks that it has not exited.
func isProcessAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}

func terminate(proc *os.Process) error {
	return proc.Kill()
}
