package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindBool
	kindStringSlice
)

var keyKinds = map[string]valueKind{
	"daemon.socket_path":          kindString,
	"daemon.idle_timeout":         kindInt,
	"daemon.request_timeout":      kindInt,
	"daemon.read_timeout":         kindInt,
	"daemon.debug":                kindBool,
	"daemon.log_level":            kindString,
	"daemon.log_file":             kindString,
	"daemon.pid_file":             kindString,
	"slack.bot_token":             kindString,
	"slack.app_token":             kindString,
	"slack.channel":               kindString,
	"idle.backend":                kindString,
	"idle.poll_interval_ms":       kindInt,
	"swayidle.binary":             kindString,
	"mac.binary":                  kindString,
	"xprintidle.binary":           kindString,
	"notifications.enabled":       kindBool,
	"notifications.ignored_types": kindStringSlice,
}

// envBindings maps environment variables to config keys.
var envBindings = map[string]string{
	"CLAUDE_PERM_SOCKET_PATH":       "daemon.socket_path",
	"CLAUDE_PERM_IDLE_TIMEOUT":      "daemon.idle_timeout",
	"CLAUDE_PERM_REQUEST_TIMEOUT":   "daemon.request_timeout",
	"CLAUDE_PERM_DEBUG":             "daemon.debug",
	"CLAUDE_PERM_LOG_LEVEL":         "daemon.log_level",
	"CLAUDE_PERM_SLACK_BOT_TOKEN":   "slack.bot_token",
	"CLAUDE_PERM_SLACK_APP_TOKEN":   "slack.app_token",
	"CLAUDE_PERM_SLACK_CHANNEL":     "slack.channel",
	"CLAUDE_PERM_IDLE_BACKEND":      "idle.backend",
	"CLAUDE_PERM_SWAYIDLE_BINARY":   "swayidle.binary",
	"CLAUDE_PERM_IOREG_BINARY":      "mac.binary",
	"CLAUDE_PERM_XPRINTIDLE_BINARY": "xprintidle.binary",
}

// EnvVars lists the supported environment overrides, sorted.
func EnvVars() []string {
	out := make([]string, 0, len(envBindings))
	for env := range envBindings {
		out = append(out, env)
	}
	sort.Strings(out)
	return out
}

func applyEnvOverrides(v *viper.Viper) error {
	for _, env := range EnvVars() {
		raw, ok := os.LookupEnv(env)
		if !ok || raw == "" {
			continue
		}
		key := envBindings[env]
		val, err := ParseValue(key, raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		v.Set(key, val)
	}
	return nil
}

// Keys lists every settable config key, sorted.
func Keys() []string {
	out := make([]string, 0, len(keyKinds))
	for k := range keyKinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseValue converts a string into the type expected for key.
func ParseValue(key, raw string) (any, error) {
	kind, ok := keyKinds[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key %q", key)
	}
	raw = strings.TrimSpace(raw)
	switch kind {
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects an integer, got %q", key, raw)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects a boolean, got %q", key, raw)
		}
		return b, nil
	case kindStringSlice:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

// GetValue returns the value for a dotted key, or a whole section for a
// section name.
func GetValue(cfg Config, key string) (any, bool) {
	switch key {
	case "daemon":
		return cfg.Daemon, true
	case "slack":
		return cfg.Slack, true
	case "idle":
		return cfg.Idle, true
	case "swayidle":
		return cfg.Swayidle, true
	case "mac":
		return cfg.Mac, true
	case "xprintidle":
		return cfg.Xprintidle, true
	case "notifications":
		return cfg.Notifications, true
	}
	val, ok := flatten(cfg)[key]
	return val, ok
}

func flatten(cfg Config) map[string]any {
	return map[string]any{
		"daemon.socket_path":          cfg.Daemon.SocketPath,
		"daemon.idle_timeout":         cfg.Daemon.IdleTimeoutSecs,
		"daemon.request_timeout":      cfg.Daemon.RequestTimeoutSecs,
		"daemon.read_timeout":         cfg.Daemon.ReadTimeoutSecs,
		"daemon.debug":                cfg.Daemon.Debug,
		"daemon.log_level":            cfg.Daemon.LogLevel,
		"daemon.log_file":             cfg.Daemon.LogFile,
		"daemon.pid_file":             cfg.Daemon.PIDFile,
		"slack.bot_token":             cfg.Slack.BotToken,
		"slack.app_token":             cfg.Slack.AppToken,
		"slack.channel":               cfg.Slack.Channel,
		"idle.backend":                cfg.Idle.Backend,
		"idle.poll_interval_ms":       cfg.Idle.PollIntervalMS,
		"swayidle.binary":             cfg.Swayidle.Binary,
		"mac.binary":                  cfg.Mac.Binary,
		"xprintidle.binary":           cfg.Xprintidle.Binary,
		"notifications.enabled":       cfg.Notifications.Enabled,
		"notifications.ignored_types": cfg.Notifications.IgnoredTypes,
	}
}

// WriteValue sets key in the TOML file at path, creating the file and any
// missing tables. Other keys and tables are preserved.
func WriteValue(path, key string, value any) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	parts := strings.Split(key, ".")
	if key == "" || len(parts) < 2 {
		return fmt.Errorf("config key %q must be section.name", key)
	}

	doc, err := readDoc(path)
	if err != nil {
		return err
	}

	table := doc
	for _, part := range parts[:len(parts)-1] {
		next, exists := table[part]
		if !exists {
			child := map[string]any{}
			table[part] = child
			table = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %q: %s is not a table", key, part)
		}
		table = child
	}
	table[parts[len(parts)-1]] = value

	return writeDoc(path, doc)
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	var buf bytes.Buffer
	buf.WriteString("# claude-permission-daemon configuration\n")
	buf.WriteString("# Slack credentials may also come from CLAUDE_PERM_SLACK_* environment variables.\n\n")
	if err := toml.NewEncoder(&buf).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writeFile(path, buf.Bytes())
}

func readDoc(path string) (map[string]any, error) {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return doc, nil
}

func writeDoc(path string, doc map[string]any) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writeFile(path, buf.Bytes())
}

// writeFile writes with 0600 since the file may hold Slack tokens.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
