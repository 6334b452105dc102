//go:build !windows

package cli

import "syscall"

// detachAttr starts the child in its own session so it outlives the terminal.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
