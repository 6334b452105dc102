package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, ".local", "state"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(home, "run"))
	for _, env := range EnvVars() {
		t.Setenv(env, "")
	}
	return home
}

func TestDefaultConfig_Validate(t *testing.T) {
	isolateEnv(t)
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(DefaultConfig) unexpected error: %v", err)
	}
	if cfg.Slack.Enabled() {
		t.Fatalf("default config should have no remote channel")
	}
	if cfg.Daemon.IdleTimeout() != time.Minute {
		t.Fatalf("IdleTimeout=%v want 1m", cfg.Daemon.IdleTimeout())
	}
	if cfg.Daemon.RequestTimeout() != 5*time.Minute {
		t.Fatalf("RequestTimeout=%v want 5m", cfg.Daemon.RequestTimeout())
	}
	if !cfg.Notifications.Ignored("permission_prompt") {
		t.Fatalf("permission_prompt should be ignored by default")
	}
}

func TestValidate_Errors(t *testing.T) {
	isolateEnv(t)
	cfg := DefaultConfig()
	cfg.Daemon.IdleTimeoutSecs = 0
	cfg.Daemon.RequestTimeoutSecs = -5
	cfg.Daemon.ReadTimeoutSecs = 0
	cfg.Daemon.LogLevel = "loud"
	cfg.Slack.BotToken = "xoxp-wrong"
	cfg.Slack.AppToken = "xapp-ok"
	cfg.Idle.Backend = "telepathy"
	cfg.Idle.PollIntervalMS = 5

	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "config validation failed") {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"daemon.idle_timeout",
		"daemon.request_timeout",
		"daemon.read_timeout",
		"daemon.log_level",
		"xoxb-",
		"slack.channel is required",
		"idle.backend",
		"idle.poll_interval_ms",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("validation error missing %q: %v", want, msg)
		}
	}
}

func TestValidate_SlackAllOrNothing(t *testing.T) {
	isolateEnv(t)
	tests := []struct {
		name    string
		slack   SlackConfig
		wantErr string
	}{
		{"empty", SlackConfig{}, ""},
		{"complete", SlackConfig{BotToken: "xoxb-1", AppToken: "xapp-1", Channel: "C123"}, ""},
		{"missing app token", SlackConfig{BotToken: "xoxb-1", Channel: "C123"}, "slack.app_token is required"},
		{"bad app token", SlackConfig{BotToken: "xoxb-1", AppToken: "xoxb-2", Channel: "C123"}, "xapp-"},
		{"channel only", SlackConfig{Channel: "C123"}, "slack.bot_token is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Slack = tt.slack
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Precedence_DefaultsFileEnvFlags(t *testing.T) {
	isolateEnv(t)

	path := DefaultConfigPath()
	if err := WriteValue(path, "daemon.idle_timeout", 120); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	if err := WriteValue(path, "daemon.request_timeout", 600); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	if err := WriteValue(path, "slack.channel", "C-file"); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	t.Setenv("CLAUDE_PERM_REQUEST_TIMEOUT", "900")
	t.Setenv("CLAUDE_PERM_SLACK_CHANNEL", "C-env")

	cfg, err := Load(LoadOptions{
		FlagOverrides: map[string]any{"slack.channel": "C-flag"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.IdleTimeoutSecs != 120 {
		t.Fatalf("idle_timeout=%d want 120 (file)", cfg.Daemon.IdleTimeoutSecs)
	}
	if cfg.Daemon.RequestTimeoutSecs != 900 {
		t.Fatalf("request_timeout=%d want 900 (env)", cfg.Daemon.RequestTimeoutSecs)
	}
	if cfg.Slack.Channel != "C-flag" {
		t.Fatalf("channel=%q want C-flag", cfg.Slack.Channel)
	}
	if cfg.Daemon.ReadTimeoutSecs != 30 {
		t.Fatalf("read_timeout=%d want 30 (default)", cfg.Daemon.ReadTimeoutSecs)
	}
}

func TestLoad_EnvOverridesFromOriginalNames(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CLAUDE_PERM_SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("CLAUDE_PERM_SLACK_APP_TOKEN", "xapp-env")
	t.Setenv("CLAUDE_PERM_SLACK_CHANNEL", "C999")
	t.Setenv("CLAUDE_PERM_DEBUG", "true")
	t.Setenv("CLAUDE_PERM_SOCKET_PATH", "/tmp/custom.sock")
	t.Setenv("CLAUDE_PERM_SWAYIDLE_BINARY", "/opt/bin/swayidle -d")
	t.Setenv("CLAUDE_PERM_IOREG_BINARY", "/usr/sbin/ioreg")

	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Slack.BotToken != "xoxb-env" || cfg.Slack.AppToken != "xapp-env" || cfg.Slack.Channel != "C999" {
		t.Fatalf("slack=%+v", cfg.Slack)
	}
	if !cfg.Daemon.Debug || cfg.Daemon.Level() != log.DebugLevel {
		t.Fatalf("debug not applied")
	}
	if cfg.Daemon.SocketPath != "/tmp/custom.sock" {
		t.Fatalf("socket_path=%q", cfg.Daemon.SocketPath)
	}
	if cfg.Swayidle.Binary != "/opt/bin/swayidle -d" {
		t.Fatalf("swayidle.binary=%q", cfg.Swayidle.Binary)
	}
	if cfg.Mac.Binary != "/usr/sbin/ioreg" {
		t.Fatalf("mac.binary=%q", cfg.Mac.Binary)
	}
}

func TestLoad_InvalidEnvValueErrors(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CLAUDE_PERM_IDLE_TIMEOUT", "not-an-int")
	_, err := Load(LoadOptions{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "CLAUDE_PERM_IDLE_TIMEOUT") {
		t.Fatalf("error should name the variable: %v", err)
	}
}

func TestLoad_RequireFile(t *testing.T) {
	isolateEnv(t)

	_, err := Load(LoadOptions{RequireFile: true})
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("err=%v want ErrConfigNotFound", err)
	}

	_, err = Load(LoadOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.toml")})
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("explicit missing path err=%v want ErrConfigNotFound", err)
	}

	if _, err := Load(LoadOptions{}); err != nil {
		t.Fatalf("missing default file should not be an error: %v", err)
	}
}

func TestLoad_UnknownFlagOverride(t *testing.T) {
	isolateEnv(t)
	if _, err := Load(LoadOptions{FlagOverrides: map[string]any{"daemon.nope": 1}}); err == nil {
		t.Fatalf("expected error for unknown flag override")
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := isolateEnv(t)
	t.Setenv("CLAUDE_PERM_SOCKET_PATH", "~/perm.sock")
	cfg, err := Load(LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.SocketPath != filepath.Join(home, "perm.sock") {
		t.Fatalf("socket_path=%q", cfg.Daemon.SocketPath)
	}
}

func TestMergeConfigFile(t *testing.T) {
	v := newTestViper()

	// Empty path is a no-op.
	if err := mergeConfigFile(v, ""); err != nil {
		t.Fatalf("mergeConfigFile(empty): %v", err)
	}

	// Missing file is a no-op.
	if err := mergeConfigFile(v, filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("mergeConfigFile(missing): %v", err)
	}

	// Directory path is an error.
	if err := mergeConfigFile(v, t.TempDir()); err == nil {
		t.Fatalf("expected error for directory path")
	}

	// Invalid TOML is an error.
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("daemon = [\n"), 0o644); err != nil {
		t.Fatalf("write invalid toml: %v", err)
	}
	if err := mergeConfigFile(v, path); err == nil {
		t.Fatalf("expected error for invalid toml")
	}

	good := filepath.Join(t.TempDir(), "good.toml")
	body := "[daemon]\nidle_timeout = 15\n\n[notifications]\nignored_types = [\"a\", \"b\"]\n"
	if err := os.WriteFile(good, []byte(body), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	if err := mergeConfigFile(v, good); err != nil {
		t.Fatalf("mergeConfigFile(good): %v", err)
	}
	if got := v.GetInt("daemon.idle_timeout"); got != 15 {
		t.Fatalf("idle_timeout=%d want 15", got)
	}
	if got := v.GetStringSlice("notifications.ignored_types"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("ignored_types=%v", got)
	}
	if got := v.GetInt("daemon.request_timeout"); got != 300 {
		t.Fatalf("request_timeout default lost: %d", got)
	}
}

func newTestViper() *viper.Viper {
	// Seed defaults the same way Load does.
	v := viper.New()
	setDefaults(v)
	return v
}

func TestDefaultPaths(t *testing.T) {
	home := isolateEnv(t)

	if got, want := DefaultConfigPath(), filepath.Join(home, ".config", AppName, "config.toml"); got != want {
		t.Fatalf("DefaultConfigPath=%q want %q", got, want)
	}
	if got, want := DefaultSocketPath(), filepath.Join(home, "run", SocketName); got != want {
		t.Fatalf("DefaultSocketPath=%q want %q", got, want)
	}
	if got := ConfigPath("/etc/permd.toml"); got != "/etc/permd.toml" {
		t.Fatalf("ConfigPath(explicit)=%q", got)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := DefaultSocketPath(); !filepath.IsAbs(got) || filepath.Base(got) != SocketName {
		t.Fatalf("DefaultSocketPath fallback=%q", got)
	}
}

func TestConfigPaths(t *testing.T) {
	home := isolateEnv(t)
	cfg := DefaultConfig()

	p := ConfigPaths(cfg, "")
	if p.Config != DefaultConfigPath() {
		t.Fatalf("Config=%q", p.Config)
	}
	if p.Socket != cfg.Daemon.SocketPath || p.PIDFile != cfg.Daemon.PIDFile || p.LogFile != cfg.Daemon.LogFile {
		t.Fatalf("paths not taken from config: %+v", p)
	}
	if want := filepath.Join(home, ".local", "state", AppName); p.StateDir != want {
		t.Fatalf("StateDir=%q want %q", p.StateDir, want)
	}
	if got := ConfigPaths(cfg, "~/permd.toml").Config; got != filepath.Join(home, "permd.toml") {
		t.Fatalf("explicit Config=%q", got)
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("daemon.idle_timeout", "7")
	if err != nil {
		t.Fatalf("ParseValue int: %v", err)
	}
	if v.(int) != 7 {
		t.Fatalf("ParseValue int=%v", v)
	}

	v, err = ParseValue("daemon.debug", "true")
	if err != nil {
		t.Fatalf("ParseValue bool: %v", err)
	}
	if v.(bool) != true {
		t.Fatalf("ParseValue bool=%v", v)
	}

	v, err = ParseValue("notifications.ignored_types", "a, , b")
	if err != nil {
		t.Fatalf("ParseValue slice: %v", err)
	}
	if !reflect.DeepEqual(v, []string{"a", "b"}) {
		t.Fatalf("ParseValue slice=%#v", v)
	}

	v, err = ParseValue("daemon.socket_path", "/tmp/permd.sock")
	if err != nil {
		t.Fatalf("ParseValue string: %v", err)
	}
	if v.(string) != "/tmp/permd.sock" {
		t.Fatalf("ParseValue string=%v", v)
	}

	if _, err := ParseValue("daemon.idle_timeout", "soon"); err == nil {
		t.Fatalf("expected error for bad int")
	}
	if _, err := ParseValue("nope.nope", "x"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestGetValue(t *testing.T) {
	isolateEnv(t)
	cfg := DefaultConfig()
	cfg.Slack.Channel = "C42"

	cases := []struct {
		key  string
		want any
	}{
		{"daemon.idle_timeout", 60},
		{"daemon.request_timeout", 300},
		{"daemon.debug", false},
		{"slack.channel", "C42"},
		{"idle.backend", "auto"},
		{"mac.binary", "ioreg"},
		{"notifications.ignored_types", []string{"permission_prompt"}},
		{"slack", cfg.Slack},
	}
	for _, tc := range cases {
		got, ok := GetValue(cfg, tc.key)
		if !ok {
			t.Fatalf("GetValue(%q) not found", tc.key)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("GetValue(%q)=%#v want %#v", tc.key, got, tc.want)
		}
	}

	for _, key := range []string{"", "nope", "daemon.nope", "slack.nope"} {
		if _, ok := GetValue(cfg, key); ok {
			t.Fatalf("expected %q to be not found", key)
		}
	}

	// Every settable key must be readable.
	for _, key := range Keys() {
		if _, ok := GetValue(cfg, key); !ok {
			t.Fatalf("Keys() entry %q not readable by GetValue", key)
		}
	}
}

func TestWriteValue(t *testing.T) {
	if err := WriteValue("", "daemon.idle_timeout", 2); err == nil {
		t.Fatalf("expected error for empty path")
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteValue(path, "daemon.idle_timeout", 3); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	if err := WriteValue(path, "slack.channel", "C1"); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, "[daemon]") || !strings.Contains(s, "idle_timeout = 3") || !strings.Contains(s, `channel = "C1"`) {
		t.Fatalf("unexpected toml: %q", s)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config perm=%o want 600", perm)
	}

	// Error when an intermediate segment is not a table.
	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("daemon = \"oops\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteValue(bad, "daemon.idle_timeout", 2); err == nil {
		t.Fatalf("expected error when daemon is not a table")
	}
}

func TestWriteValue_DecodeExistingInvalidTOMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("daemon = [\n"), 0o644); err != nil {
		t.Fatalf("write invalid toml: %v", err)
	}
	if err := WriteValue(path, "daemon.idle_timeout", 2); err == nil {
		t.Fatalf("expected decode error")
	} else if !strings.Contains(err.Error(), "decode config") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWriteDefault_RoundTripsThroughLoad(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Fatalf("WriteDefault should refuse to overwrite")
	}
	cfg, err := Load(LoadOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Daemon.IdleTimeoutSecs != 60 || cfg.Idle.Backend != BackendAuto {
		t.Fatalf("unexpected config after round trip: %+v", cfg.Daemon)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Config{Slack: SlackConfig{BotToken: "xoxb-secret", AppToken: "xapp-1-secret", Channel: "C1"}}
	r := cfg.Redacted()
	if r.Slack.BotToken != "xoxb-****" || r.Slack.AppToken != "xapp-****" {
		t.Fatalf("redacted=%+v", r.Slack)
	}
	if cfg.Slack.BotToken != "xoxb-secret" {
		t.Fatalf("Redacted must not modify the receiver")
	}
}
