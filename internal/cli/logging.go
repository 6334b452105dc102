package cli

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Dicklesworthstone/permd/internal/config"
)

// Daemon log rotation.
const (
	logMaxSizeMB  = 10
	logMaxBackups = 3
	logMaxAgeDays = 14
)

// daemonLogger builds the daemon's logger. Detached runs write only to the
// rotating log file. Foreground runs write to stderr, and also to the file
// when daemon.log_file differs from the default.
func daemonLogger(cfg config.Config, stderr io.Writer, detached bool) (*log.Logger, io.Closer, error) {
	var (
		w      = stderr
		closer io.Closer
	)

	logFile := cfg.Daemon.LogFile
	explicit := logFile != "" && logFile != config.DefaultConfig().Daemon.LogFile
	if logFile != "" && (detached || explicit) {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
			return nil, nil, err
		}
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
		}
		closer = rotating
		if detached {
			w = rotating
		} else {
			w = io.MultiWriter(stderr, rotating)
		}
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           cfg.Daemon.Level(),
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	if detached {
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger, closer, nil
}

// cliLogger is used by short-lived commands; it only reports warnings unless
// --debug is set.
func cliLogger(stderr io.Writer) *log.Logger {
	level := log.WarnLevel
	if flagDebug {
		level = log.DebugLevel
	}
	return log.NewWithOptions(stderr, log.Options{Level: level})
}
