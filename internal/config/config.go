// Package config loads permd configuration from defaults, a TOML file,
// CLAUDE_PERM_* environment variables and command-line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// AppName names the config and state directories.
const AppName = "claude-permission-daemon"

// ErrConfigNotFound is returned when a required config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Config is the full daemon configuration.
type Config struct {
	Daemon        DaemonConfig        `toml:"daemon" mapstructure:"daemon" json:"daemon" yaml:"daemon"`
	Slack         SlackConfig         `toml:"slack" mapstructure:"slack" json:"slack" yaml:"slack"`
	Idle          IdleConfig          `toml:"idle" mapstructure:"idle" json:"idle" yaml:"idle"`
	Swayidle      BinaryConfig        `toml:"swayidle" mapstructure:"swayidle" json:"swayidle" yaml:"swayidle"`
	Mac           BinaryConfig        `toml:"mac" mapstructure:"mac" json:"mac" yaml:"mac"`
	Xprintidle    BinaryConfig        `toml:"xprintidle" mapstructure:"xprintidle" json:"xprintidle" yaml:"xprintidle"`
	Notifications NotificationsConfig `toml:"notifications" mapstructure:"notifications" json:"notifications" yaml:"notifications"`
}

// DaemonConfig controls the local endpoint and timing.
type DaemonConfig struct {
	SocketPath         string `toml:"socket_path" mapstructure:"socket_path" json:"socket_path" yaml:"socket_path"`
	IdleTimeoutSecs    int    `toml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" yaml:"idle_timeout"`
	RequestTimeoutSecs int    `toml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	ReadTimeoutSecs    int    `toml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	Debug              bool   `toml:"debug" mapstructure:"debug" json:"debug" yaml:"debug"`
	LogLevel           string `toml:"log_level" mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogFile            string `toml:"log_file" mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	PIDFile            string `toml:"pid_file" mapstructure:"pid_file" json:"pid_file" yaml:"pid_file"`
}

// IdleTimeout is the inactivity threshold before the user counts as idle.
func (d DaemonConfig) IdleTimeout() time.Duration {
	return time.Duration(d.IdleTimeoutSecs) * time.Second
}

// RequestTimeout bounds how long a request may stay pending.
func (d DaemonConfig) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutSecs) * time.Second
}

// ReadTimeout bounds the wait for a hook's single payload line.
func (d DaemonConfig) ReadTimeout() time.Duration {
	return time.Duration(d.ReadTimeoutSecs) * time.Second
}

// Level resolves the effective log level. Debug wins over LogLevel.
func (d DaemonConfig) Level() log.Level {
	if d.Debug {
		return log.DebugLevel
	}
	lvl, err := log.ParseLevel(d.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// SlackConfig holds Socket Mode credentials and the target channel.
type SlackConfig struct {
	BotToken string `toml:"bot_token" mapstructure:"bot_token" json:"bot_token" yaml:"bot_token"`
	AppToken string `toml:"app_token" mapstructure:"app_token" json:"app_token" yaml:"app_token"`
	Channel  string `toml:"channel" mapstructure:"channel" json:"channel" yaml:"channel"`
}

// Enabled reports whether any Slack setting was provided. Validate ensures
// that a partially filled section is rejected.
func (s SlackConfig) Enabled() bool {
	return s.BotToken != "" || s.AppToken != "" || s.Channel != ""
}

// IdleConfig selects the idle detection backend.
type IdleConfig struct {
	Backend        string `toml:"backend" mapstructure:"backend" json:"backend" yaml:"backend"`
	PollIntervalMS int    `toml:"poll_interval_ms" mapstructure:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// PollInterval is the probe period for polling backends.
func (i IdleConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalMS) * time.Millisecond
}

// BinaryConfig names an external idle-probe program.
type BinaryConfig struct {
	Binary string `toml:"binary" mapstructure:"binary" json:"binary" yaml:"binary"`
}

// NotificationsConfig controls forwarding of one-way notifications.
type NotificationsConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	IgnoredTypes []string `toml:"ignored_types" mapstructure:"ignored_types" json:"ignored_types" yaml:"ignored_types"`
}

// Ignored reports whether notifications of type t are never forwarded.
func (n NotificationsConfig) Ignored(t string) bool {
	for _, ignored := range n.IgnoredTypes {
		if ignored == t {
			return true
		}
	}
	return false
}

// Idle backend names.
const (
	BackendAuto       = "auto"
	BackendSwayidle   = "swayidle"
	BackendIoreg      = "ioreg"
	BackendXprintidle = "xprintidle"
	BackendWindows    = "windows"
)

var validBackends = []string{BackendAuto, BackendSwayidle, BackendIoreg, BackendXprintidle, BackendWindows}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Daemon: DaemonConfig{
			SocketPath:         DefaultSocketPath(),
			IdleTimeoutSecs:    60,
			RequestTimeoutSecs: 300,
			ReadTimeoutSecs:    30,
			LogLevel:           "info",
			LogFile:            filepath.Join(StateDir(), "daemon.log"),
			PIDFile:            filepath.Join(StateDir(), "permd.pid"),
		},
		Idle: IdleConfig{
			Backend:        BackendAuto,
			PollIntervalMS: 1000,
		},
		Swayidle:   BinaryConfig{Binary: "swayidle"},
		Mac:        BinaryConfig{Binary: "ioreg"},
		Xprintidle: BinaryConfig{Binary: "xprintidle"},
		Notifications: NotificationsConfig{
			Enabled:      true,
			IgnoredTypes: []string{"permission_prompt"},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("daemon.socket_path", d.Daemon.SocketPath)
	v.SetDefault("daemon.idle_timeout", d.Daemon.IdleTimeoutSecs)
	v.SetDefault("daemon.request_timeout", d.Daemon.RequestTimeoutSecs)
	v.SetDefault("daemon.read_timeout", d.Daemon.ReadTimeoutSecs)
	v.SetDefault("daemon.debug", d.Daemon.Debug)
	v.SetDefault("daemon.log_level", d.Daemon.LogLevel)
	v.SetDefault("daemon.log_file", d.Daemon.LogFile)
	v.SetDefault("daemon.pid_file", d.Daemon.PIDFile)

	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.app_token", "")
	v.SetDefault("slack.channel", "")

	v.SetDefault("idle.backend", d.Idle.Backend)
	v.SetDefault("idle.poll_interval_ms", d.Idle.PollIntervalMS)

	v.SetDefault("swayidle.binary", d.Swayidle.Binary)
	v.SetDefault("mac.binary", d.Mac.Binary)
	v.SetDefault("xprintidle.binary", d.Xprintidle.Binary)

	v.SetDefault("notifications.enabled", d.Notifications.Enabled)
	v.SetDefault("notifications.ignored_types", d.Notifications.IgnoredTypes)
}

// LoadOptions controls how configuration is loaded.
type LoadOptions struct {
	// ConfigPath overrides the default config file location.
	ConfigPath string
	// RequireFile makes a missing config file an error.
	RequireFile bool
	// FlagOverrides are applied last, keyed by dotted config key.
	FlagOverrides map[string]any
}

// Load resolves configuration with precedence defaults < file < env < flags.
// It does not validate; callers that start the daemon call Validate.
func Load(opts LoadOptions) (Config, error) {
	v := viper.New()
	setDefaults(v)

	path := ConfigPath(opts.ConfigPath)
	if opts.RequireFile || opts.ConfigPath != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
	}
	if err := mergeConfigFile(v, path); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(v); err != nil {
		return Config{}, err
	}
	for key, val := range opts.FlagOverrides {
		if _, ok := keyKinds[key]; !ok {
			return Config{}, fmt.Errorf("unknown config key %q", key)
		}
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = DefaultSocketPath()
	}
	cfg.Daemon.SocketPath = expandHome(cfg.Daemon.SocketPath)
	cfg.Daemon.LogFile = expandHome(cfg.Daemon.LogFile)
	cfg.Daemon.PIDFile = expandHome(cfg.Daemon.PIDFile)
	return cfg, nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}

	raw := map[string]any{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := v.MergeConfigMap(raw); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func Validate(cfg Config) error {
	var problems []string

	if cfg.Daemon.SocketPath == "" {
		problems = append(problems, "daemon.socket_path must not be empty")
	}
	if cfg.Daemon.IdleTimeoutSecs < 1 {
		problems = append(problems, "daemon.idle_timeout must be >= 1")
	}
	if cfg.Daemon.RequestTimeoutSecs < 1 {
		problems = append(problems, "daemon.request_timeout must be >= 1")
	}
	if cfg.Daemon.ReadTimeoutSecs < 1 {
		problems = append(problems, "daemon.read_timeout must be >= 1")
	}
	if cfg.Daemon.LogLevel != "" {
		if _, err := log.ParseLevel(cfg.Daemon.LogLevel); err != nil {
			problems = append(problems, fmt.Sprintf("daemon.log_level %q is not a log level", cfg.Daemon.LogLevel))
		}
	}

	if cfg.Slack.Enabled() {
		switch {
		case cfg.Slack.BotToken == "":
			problems = append(problems, "slack.bot_token is required")
		case !strings.HasPrefix(cfg.Slack.BotToken, "xoxb-"):
			problems = append(problems, "slack.bot_token must start with 'xoxb-'")
		}
		switch {
		case cfg.Slack.AppToken == "":
			problems = append(problems, "slack.app_token is required")
		case !strings.HasPrefix(cfg.Slack.AppToken, "xapp-"):
			problems = append(problems, "slack.app_token must start with 'xapp-'")
		}
		if cfg.Slack.Channel == "" {
			problems = append(problems, "slack.channel is required")
		}
	}

	if !contains(validBackends, cfg.Idle.Backend) {
		problems = append(problems, fmt.Sprintf("idle.backend must be one of %s", strings.Join(validBackends, ", ")))
	}
	if cfg.Idle.PollIntervalMS < 100 {
		problems = append(problems, "idle.poll_interval_ms must be >= 100")
	}
	if strings.TrimSpace(cfg.Swayidle.Binary) == "" {
		problems = append(problems, "swayidle.binary must not be empty")
	}
	if cfg.Mac.Binary == "" {
		problems = append(problems, "mac.binary must not be empty")
	}
	if cfg.Xprintidle.Binary == "" {
		problems = append(problems, "xprintidle.binary must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Redacted returns a copy with Slack tokens masked, for display.
func (c Config) Redacted() Config {
	c.Slack.BotToken = maskToken(c.Slack.BotToken)
	c.Slack.AppToken = maskToken(c.Slack.AppToken)
	c.Notifications.IgnoredTypes = append([]string(nil), c.Notifications.IgnoredTypes...)
	return c
}

func maskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if i := strings.IndexByte(tok, '-'); i >= 0 && i < 6 {
		return tok[:i+1] + "****"
	}
	return "****"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
