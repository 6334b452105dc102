package idle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

var hidIdleTimeRe = regexp.MustCompile(`"HIDIdleTime"\s*=\s*(\d+)`)

// parseHIDIdleTime extracts HIDIdleTime (nanoseconds) from ioreg output.
func parseHIDIdleTime(out []byte) (time.Duration, error) {
	m := hidIdleTimeRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("HIDIdleTime not found in ioreg output")
	}
	ns, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse HIDIdleTime: %w", err)
	}
	return time.Duration(ns), nil
}

// ioregProbe runs `ioreg -c IOHIDSystem` and reads the HID idle time.
func ioregProbe(binary string) Probe {
	return func(ctx context.Context) (time.Duration, error) {
		out, err := exec.CommandContext(ctx, binary, "-c", "IOHIDSystem").Output()
		if err != nil {
			return 0, fmt.Errorf("run %s: %w", binary, err)
		}
		return parseHIDIdleTime(out)
	}
}

// xprintidleProbe runs xprintidle, which prints idle milliseconds.
func xprintidleProbe(binary string) Probe {
	return func(ctx context.Context) (time.Duration, error) {
		out, err := exec.CommandContext(ctx, binary).Output()
		if err != nil {
			return 0, fmt.Errorf("run %s: %w", binary, err)
		}
		return parseMillis(out)
	}
}

func parseMillis(out []byte) (time.Duration, error) {
	ms, err := strconv.ParseInt(string(bytes.TrimSpace(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse idle milliseconds: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// lookPath verifies that binary is executable.
func lookPath(binary string) func(context.Context) error {
	return func(context.Context) error {
		if _, err := exec.LookPath(binary); err != nil {
			return fmt.Errorf("%w: %s not found: %v", ErrBackendUnavailable, binary, err)
		}
		return nil
	}
}
