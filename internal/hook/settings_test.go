package hook

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Dicklesworthstone/permd/internal/testutil"
)

const testCommand = "/usr/local/bin/permd hook"

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	testutil.RequireNoError(t, err, "read settings")
	var out map[string]any
	testutil.RequireNoError(t, json.Unmarshal(data, &out), "parse settings")
	return out
}

func eventCommands(t *testing.T, settings map[string]any, event string) []string {
	t.Helper()
	hooks, _ := settings["hooks"].(map[string]any)
	matchers, _ := hooks[event].([]any)
	var cmds []string
	for _, m := range matchers {
		entries, _ := m.(map[string]any)["hooks"].([]any)
		for _, e := range entries {
			cmds = append(cmds, e.(map[string]any)["command"].(string))
		}
	}
	return cmds
}

func TestInstall_CreatesSettings(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".claude", "settings.json")

	changed, err := Install(path, InstallOptions{Command: testCommand, TimeoutSecs: 310})
	testutil.RequireNoError(t, err, "Install")
	testutil.RequireTrue(t, changed, "changed")

	settings := readJSON(t, path)
	for _, event := range Events {
		testutil.RequireEqual(t, 1, len(eventCommands(t, settings, event)), event)
	}

	installed, err := Installed(path, testCommand)
	testutil.RequireNoError(t, err, "Installed")
	testutil.RequireTrue(t, installed[EventPermissionRequest], "permission hook")
	testutil.RequireTrue(t, installed["Notification"], "notification hook")
}

func TestInstall_IsIdempotentAndPreservesOtherSettings(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")
	existing := `{
  "model": "opus",
  "hooks": {
    "PreToolUse": [{"matcher": "Bash", "hooks": [{"type": "command", "command": "guard"}]}],
    "Notification": [{"hooks": [{"type": "command", "command": "notify-send hi"}]}]
  }
}`
	testutil.RequireNoError(t, os.WriteFile(path, []byte(existing), 0o644), "seed")

	_, err := Install(path, InstallOptions{Command: testCommand})
	testutil.RequireNoError(t, err, "Install")
	changed, err := Install(path, InstallOptions{Command: testCommand})
	testutil.RequireNoError(t, err, "Install again")
	testutil.RequireTrue(t, !changed, "second install should be a no-op")

	settings := readJSON(t, path)
	testutil.RequireEqual(t, "opus", settings["model"].(string), "model preserved")
	testutil.RequireEqual(t, 1, len(eventCommands(t, settings, "PreToolUse")), "PreToolUse preserved")
	testutil.RequireEqual(t, 2, len(eventCommands(t, settings, "Notification")), "notification hooks")
}

func TestInstall_ReplacesChangedTimeout(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")

	_, err := Install(path, InstallOptions{Command: testCommand, TimeoutSecs: 100})
	testutil.RequireNoError(t, err, "Install")
	changed, err := Install(path, InstallOptions{Command: testCommand, TimeoutSecs: 200})
	testutil.RequireNoError(t, err, "Install with new timeout")
	testutil.RequireTrue(t, changed, "changed")

	settings := readJSON(t, path)
	testutil.RequireEqual(t, 1, len(eventCommands(t, settings, EventPermissionRequest)), "single entry")
}

func TestUninstall(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")
	existing := `{"hooks":{"PreToolUse":[{"matcher":"Bash","hooks":[{"type":"command","command":"guard"}]}]}}`
	testutil.RequireNoError(t, os.WriteFile(path, []byte(existing), 0o644), "seed")

	_, err := Install(path, InstallOptions{Command: testCommand})
	testutil.RequireNoError(t, err, "Install")

	removed, err := Uninstall(path, testCommand)
	testutil.RequireNoError(t, err, "Uninstall")
	testutil.RequireTrue(t, removed, "removed")

	settings := readJSON(t, path)
	testutil.RequireEqual(t, 0, len(eventCommands(t, settings, EventPermissionRequest)), "permission hook removed")
	testutil.RequireEqual(t, 1, len(eventCommands(t, settings, "PreToolUse")), "other hooks kept")

	removed, err = Uninstall(path, testCommand)
	testutil.RequireNoError(t, err, "Uninstall again")
	testutil.RequireTrue(t, !removed, "nothing left to remove")
}

func TestUninstall_MissingFile(t *testing.T) {
	t.Parallel()
	removed, err := Uninstall(filepath.Join(t.TempDir(), "none.json"), testCommand)
	testutil.RequireNoError(t, err, "Uninstall")
	testutil.RequireTrue(t, !removed, "removed")
}

func TestInstall_RejectsInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")
	testutil.RequireNoError(t, os.WriteFile(path, []byte("{nope"), 0o644), "seed")

	_, err := Install(path, InstallOptions{Command: testCommand})
	testutil.RequireError(t, err, "failed to parse settings", "Install")
}
