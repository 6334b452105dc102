//go:build !windows

package idle

import (
	"context"
	"fmt"
	"time"
)

func windowsProbe(context.Context) (time.Duration, error) {
	return 0, fmt.Errorf("%w: GetLastInputInfo requires windows", ErrBackendUnavailable)
}

func windowsCheck(context.Context) error {
	return fmt.Errorf("%w: GetLastInputInfo requires windows", ErrBackendUnavailable)
}
