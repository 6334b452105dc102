package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// SocketName is the file name of the daemon socket.
const SocketName = "claude-permissions.sock"

// DefaultSocketPath prefers $XDG_RUNTIME_DIR, then /run/user/<uid>, then the
// system temp directory.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, SocketName)
	}
	if runtime.GOOS != "windows" {
		userRun := filepath.Join("/run/user", strconv.Itoa(os.Getuid()))
		if info, err := os.Stat(userRun); err == nil && info.IsDir() {
			return filepath.Join(userRun, SocketName)
		}
	}
	return filepath.Join(os.TempDir(), SocketName)
}

// DefaultConfigPath is $XDG_CONFIG_HOME/claude-permission-daemon/config.toml,
// falling back to ~/.config.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(homeDir(), ".config")
	}
	return filepath.Join(base, AppName, "config.toml")
}

// ConfigPath returns explicit when set, otherwise DefaultConfigPath.
func ConfigPath(explicit string) string {
	if explicit != "" {
		return expandHome(explicit)
	}
	return DefaultConfigPath()
}

// StateDir holds the daemon log and PID file.
func StateDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		base = filepath.Join(homeDir(), ".local", "state")
	}
	return filepath.Join(base, AppName)
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return os.TempDir()
}

func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

// Paths lists the files a configuration resolves to.
type Paths struct {
	Config   string `json:"config" yaml:"config"`
	Socket   string `json:"socket" yaml:"socket"`
	StateDir string `json:"state_dir" yaml:"state_dir"`
	LogFile  string `json:"log_file" yaml:"log_file"`
	PIDFile  string `json:"pid_file" yaml:"pid_file"`
}

// ConfigPaths resolves every path for cfg, with explicit as the --config value.
func ConfigPaths(cfg Config, explicit string) Paths {
	return Paths{
		Config:   ConfigPath(explicit),
		Socket:   cfg.Daemon.SocketPath,
		StateDir: StateDir(),
		LogFile:  cfg.Daemon.LogFile,
		PIDFile:  cfg.Daemon.PIDFile,
	}
}
