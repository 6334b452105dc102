package idle

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
)

// Backend names accepted by New.
const (
	BackendAuto       = "auto"
	BackendSwayidle   = "swayidle"
	BackendIoreg      = "ioreg"
	BackendXprintidle = "xprintidle"
	BackendWindows    = "windows"
)

// Options configures New.
type Options struct {
	Backend          string
	Threshold        time.Duration
	PollInterval     time.Duration
	SwayidleCommand  string
	IoregBinary      string
	XprintidleBinary string
}

// DetectBackend picks a backend for goos. On Linux an X11-only session uses
// xprintidle; everything else uses swayidle.
func DetectBackend(goos string, getenv func(string) string) string {
	switch goos {
	case "darwin":
		return BackendIoreg
	case "windows":
		return BackendWindows
	default:
		if getenv("WAYLAND_DISPLAY") == "" && getenv("DISPLAY") != "" {
			return BackendXprintidle
		}
		return BackendSwayidle
	}
}

// New builds the Source selected by opts.Backend.
func New(opts Options, onChange ChangeFunc, logger *log.Logger) (Source, error) {
	if logger == nil {
		logger = log.Default()
	}
	backend := opts.Backend
	if backend == "" || backend == BackendAuto {
		backend = DetectBackend(runtime.GOOS, os.Getenv)
		logger.Debug("idle backend detected", "backend", backend, "goos", runtime.GOOS)
	}

	switch backend {
	case BackendSwayidle:
		return NewSwayidle(orDefault(opts.SwayidleCommand, "swayidle"), opts.Threshold, onChange, logger), nil
	case BackendIoreg:
		bin := orDefault(opts.IoregBinary, "ioreg")
		return NewPoller(BackendIoreg, ioregProbe(bin), lookPath(bin), opts.Threshold, opts.PollInterval, onChange, logger), nil
	case BackendXprintidle:
		bin := orDefault(opts.XprintidleBinary, "xprintidle")
		return NewPoller(BackendXprintidle, xprintidleProbe(bin), lookPath(bin), opts.Threshold, opts.PollInterval, onChange, logger), nil
	case BackendWindows:
		return NewPoller(BackendWindows, windowsProbe, windowsCheck, opts.Threshold, opts.PollInterval, onChange, logger), nil
	default:
		return nil, fmt.Errorf("unknown idle backend %q", backend)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
