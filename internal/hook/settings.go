package hook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Events are the Claude Code hook events permd subscribes to.
var Events = []string{EventPermissionRequest, "Notification"}

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher,omitempty"`
	Hooks   []hookEntry `json:"hooks"`
}

// SettingsPath returns ~/.claude/settings.json.
func SettingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".claude", "settings.json"), nil
}

// InstallOptions describes the hook entry to write.
type InstallOptions struct {
	// Command is run by Claude Code, e.g. "/usr/local/bin/permd hook".
	Command string
	// TimeoutSecs is Claude Code's own limit for the hook; zero leaves the
	// field out.
	TimeoutSecs int
}

// Install adds a command hook for every event in Events, keeping all other
// settings and hooks. It reports whether the file changed.
func Install(path string, opts InstallOptions) (bool, error) {
	settings, hooks, err := readSettings(path)
	if err != nil {
		return false, err
	}

	changed := false
	for _, event := range Events {
		var matchers []hookMatcher
		if raw, ok := hooks[event]; ok {
			if err := json.Unmarshal(raw, &matchers); err != nil {
				return false, fmt.Errorf("parse hooks.%s: %w", event, err)
			}
		}
		if containsCommand(matchers, opts.Command, opts.TimeoutSecs) {
			continue
		}
		matchers = withoutCommand(matchers, opts.Command)
		matchers = append(matchers, hookMatcher{Hooks: []hookEntry{{
			Type:    "command",
			Command: opts.Command,
			Timeout: opts.TimeoutSecs,
		}}})
		data, err := json.Marshal(matchers)
		if err != nil {
			return false, fmt.Errorf("marshal hooks.%s: %w", event, err)
		}
		hooks[event] = data
		changed = true
	}
	if !changed {
		return false, nil
	}
	return true, writeSettings(path, settings, hooks)
}

// Uninstall removes every hook entry running command. It reports whether
// anything was removed; a missing file is not an error.
func Uninstall(path, command string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	settings, hooks, err := readSettings(path)
	if err != nil {
		return false, err
	}

	removed := false
	for event, raw := range hooks {
		var matchers []hookMatcher
		if err := json.Unmarshal(raw, &matchers); err != nil {
			// Not ours to interpret.
			continue
		}
		cleaned := withoutCommand(matchers, command)
		if len(cleaned) == len(matchers) && sameEntries(cleaned, matchers) {
			continue
		}
		removed = true
		if len(cleaned) == 0 {
			delete(hooks, event)
			continue
		}
		data, err := json.Marshal(cleaned)
		if err != nil {
			return false, fmt.Errorf("marshal hooks.%s: %w", event, err)
		}
		hooks[event] = data
	}
	if !removed {
		return false, nil
	}
	return true, writeSettings(path, settings, hooks)
}

// Installed reports which of Events run command.
func Installed(path, command string) (map[string]bool, error) {
	out := make(map[string]bool, len(Events))
	for _, event := range Events {
		out[event] = false
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return out, nil
	}
	_, hooks, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	for _, event := range Events {
		var matchers []hookMatcher
		if raw, ok := hooks[event]; ok && json.Unmarshal(raw, &matchers) == nil {
			out[event] = containsCommand(matchers, command, -1)
		}
	}
	return out, nil
}

func readSettings(path string) (map[string]json.RawMessage, map[string]json.RawMessage, error) {
	settings := make(map[string]json.RawMessage)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err == nil && len(data) > 0 {
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, nil, fmt.Errorf("failed to parse settings: %w", err)
		}
	}

	hooks := make(map[string]json.RawMessage)
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			return nil, nil, fmt.Errorf("failed to parse settings hooks: %w", err)
		}
	}
	return settings, hooks, nil
}

func writeSettings(path string, settings, hooks map[string]json.RawMessage) error {
	if len(hooks) == 0 {
		delete(settings, "hooks")
	} else {
		data, err := json.Marshal(hooks)
		if err != nil {
			return fmt.Errorf("failed to marshal hooks: %w", err)
		}
		settings["hooks"] = data
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// containsCommand reports whether command is configured. A negative timeout
// matches any timeout.
func containsCommand(matchers []hookMatcher, command string, timeout int) bool {
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if h.Command == command && (timeout < 0 || h.Timeout == timeout) {
				return true
			}
		}
	}
	return false
}

func withoutCommand(matchers []hookMatcher, command string) []hookMatcher {
	var out []hookMatcher
	for _, m := range matchers {
		var kept []hookEntry
		for _, h := range m.Hooks {
			if h.Command != command {
				kept = append(kept, h)
			}
		}
		if len(kept) == 0 {
			continue
		}
		m.Hooks = kept
		out = append(out, m)
	}
	return out
}

func sameEntries(a, b []hookMatcher) bool {
	for i := range a {
		if len(a[i].Hooks) != len(b[i].Hooks) {
			return false
		}
	}
	return true
}
