package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/permd/internal/config"
	"github.com/Dicklesworthstone/permd/internal/coordinator"
	"github.com/Dicklesworthstone/permd/internal/daemon"
	"github.com/Dicklesworthstone/permd/internal/hook"
)

var (
	flagHookSettings    string
	flagHookTimeoutSecs int
)

// hookTimeoutMargin is added to request_timeout for Claude Code's own hook
// timeout, so the daemon always answers first.
const hookTimeoutMargin = 30

func init() {
	hookCmd.PersistentFlags().StringVar(&flagHookSettings, "settings", "", "Claude Code settings file (default: ~/.claude/settings.json)")
	hookInstallCmd.Flags().IntVar(&flagHookTimeoutSecs, "timeout", 0, "hook timeout in seconds (default: request_timeout + 30)")

	hookCmd.AddCommand(hookInstallCmd)
	hookCmd.AddCommand(hookUninstallCmd)
	hookCmd.AddCommand(hookStatusCmd)
	hookCmd.AddCommand(hookTestCmd)

	rootCmd.AddCommand(hookCmd)
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Answer a Claude Code hook event (reads JSON on stdin)",
	Long: `Answer a Claude Code hook event.

Claude Code runs "permd hook" for PermissionRequest and Notification events
and pipes the event as JSON on stdin. Permission requests are relayed to the
daemon and its decision is printed as hook output. When the daemon decides to
pass the request through, or cannot be reached, nothing is printed and Claude
Code shows its normal local dialog. The exit status is always 0.

Quick start:
  permd hook install    # register in ~/.claude/settings.json
  permd hook status     # check registration
  permd hook test "ls"  # send a synthetic Bash request to the daemon`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := cliLogger(cmd.ErrOrStderr())

		cfg, err := loadConfig(false)
		if err != nil {
			logger.Warn("loading config, using defaults", "error", err)
			cfg = config.DefaultConfig()
			if flagSocket != "" {
				cfg.Daemon.SocketPath = flagSocket
			}
		}

		res, err := hook.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), hook.Options{
			SocketPath:     cfg.Daemon.SocketPath,
			RequestTimeout: cfg.Daemon.RequestTimeout(),
			Logger:         logger,
		})
		switch {
		case err == nil:
			logger.Debug("hook finished", "kind", res.Kind, "action", res.Response.Action)
		case errors.Is(err, daemon.ErrDaemonUnavailable):
			logger.Debug("daemon not reachable, deferring to local dialog", "error", err)
		case errors.Is(err, hook.ErrInteractive):
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		default:
			logger.Warn("hook failed, deferring to local dialog", "error", err)
		}
		return nil
	},
}

var hookInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Register permd in Claude Code's settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		path, err := hookSettingsPath()
		if err != nil {
			return err
		}
		command, err := hookCommand()
		if err != nil {
			return err
		}
		timeout := flagHookTimeoutSecs
		if timeout <= 0 {
			timeout = cfg.Daemon.RequestTimeoutSecs + hookTimeoutMargin
		}

		changed, err := hook.Install(path, hook.InstallOptions{Command: command, TimeoutSecs: timeout})
		if err != nil {
			return err
		}
		return newOutput(cmd).Write(hookInstallResult{
			Action:   "install",
			Settings: path,
			Command:  command,
			Events:   hook.Events,
			Changed:  changed,
		})
	},
}

var hookUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove permd from Claude Code's settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := hookSettingsPath()
		if err != nil {
			return err
		}
		command, err := hookCommand()
		if err != nil {
			return err
		}
		changed, err := hook.Uninstall(path, command)
		if err != nil {
			return err
		}
		return newOutput(cmd).Write(hookInstallResult{
			Action:   "uninstall",
			Settings: path,
			Command:  command,
			Events:   hook.Events,
			Changed:  changed,
		})
	},
}

var hookStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which hook events run permd",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := hookSettingsPath()
		if err != nil {
			return err
		}
		command, err := hookCommand()
		if err != nil {
			return err
		}
		installed, err := hook.Installed(path, command)
		if err != nil {
			return err
		}
		return newOutput(cmd).Write(hookStatusResult{
			Settings:  path,
			Command:   command,
			Installed: installed,
		})
	},
}

var hookTestCmd = &cobra.Command{
	Use:   "test [command]",
	Short: "Send a synthetic Bash permission request to the daemon",
	Long: `Send a synthetic Bash permission request to the running daemon and print
its decision along with the hook output Claude Code would receive.

While you are active the daemon passes the request through immediately. When
idle, the request is posted to Slack and this command waits for an answer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		command := strings.Join(args, " ")
		if command == "" {
			command = "echo permd test"
		}

		ctx := cmd.Context()
		if d := cfg.Daemon.RequestTimeout(); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d+5*time.Second)
			defer cancel()
		}

		client := daemonClient(cfg, cmd.ErrOrStderr())
		resp, err := client.RequestPermission(ctx, "Bash", map[string]any{"command": command})
		if err != nil {
			return err
		}
		return newOutput(cmd).Write(hookTestResult{
			Command:    command,
			Action:     resp.Action,
			Reason:     resp.Reason,
			HookOutput: hook.OutputFor(resp),
		})
	},
}

func hookSettingsPath() (string, error) {
	if flagHookSettings != "" {
		return flagHookSettings, nil
	}
	return hook.SettingsPath()
}

// hookCommand is the command line written into Claude Code's settings.
func hookCommand() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating executable: %w", err)
	}
	parts := []string{shellQuote(exe), "hook"}
	if flagConfig != "" {
		parts = append(parts, "--config", shellQuote(flagConfig))
	}
	return strings.Join(parts, " "), nil
}

func shellQuote(s string) string {
	if strings.ContainsAny(s, " \t'\"$\\") {
		return strconv.Quote(s)
	}
	return s
}

type hookInstallResult struct {
	Action   string   `json:"action"`
	Settings string   `json:"settings"`
	Command  string   `json:"command"`
	Events   []string `json:"events"`
	Changed  bool     `json:"changed"`
}

func (r hookInstallResult) Text() string {
	if !r.Changed {
		if r.Action == "install" {
			return fmt.Sprintf("Hook already installed in %s\n", r.Settings)
		}
		return fmt.Sprintf("No permd hook found in %s\n", r.Settings)
	}
	verb := "Installed"
	if r.Action == "uninstall" {
		verb = "Removed"
	}
	return fmt.Sprintf("%s hook for %s in %s\n  command: %s\n",
		verb, strings.Join(r.Events, ", "), r.Settings, r.Command)
}

type hookStatusResult struct {
	Settings  string          `json:"settings"`
	Command   string          `json:"command"`
	Installed map[string]bool `json:"installed"`
}

func (r hookStatusResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Settings: %s\nCommand:  %s\n", r.Settings, r.Command)
	events := make([]string, 0, len(r.Installed))
	for event := range r.Installed {
		events = append(events, event)
	}
	sort.Strings(events)
	for _, event := range events {
		mark := "not installed"
		if r.Installed[event] {
			mark = "installed"
		}
		fmt.Fprintf(&b, "  %-18s %s\n", event, mark)
	}
	return b.String()
}

type hookTestResult struct {
	Command    string             `json:"command"`
	Action     coordinator.Action `json:"action"`
	Reason     string             `json:"reason"`
	HookOutput *hook.Output       `json:"hook_output"`
}

func (r hookTestResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decision: %s\n", r.Action)
	if r.Reason != "" {
		fmt.Fprintf(&b, "Reason:   %s\n", r.Reason)
	}
	if r.HookOutput == nil {
		b.WriteString("Hook output: (none, Claude Code shows the local dialog)\n")
		return b.String()
	}
	data, err := json.Marshal(r.HookOutput)
	if err != nil {
		return b.String()
	}
	fmt.Fprintf(&b, "Hook output: %s\n", data)
	return b.String()
}
