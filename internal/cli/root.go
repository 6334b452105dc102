// Package cli implements the Cobra command-line interface for permd.
package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/permd/internal/config"
	"github.com/Dicklesworthstone/permd/internal/output"
)

// Version information set by goreleaser
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flag values
var (
	flagConfig string
	flagOutput string
	flagJSON   bool
	flagDebug  bool
	flagSocket string
)

var rootCmd = &cobra.Command{
	Use:   "permd",
	Short: "Relay Claude Code permission prompts to Slack while you are away",
	Long: `permd answers Claude Code permission prompts for you when you step away.

While you are at the keyboard every prompt passes straight through to Claude
Code's normal local dialog. Once you have been idle for the configured time,
new prompts are posted to a Slack channel with Approve and Deny buttons, and
the first answer wins. Coming back to your computer hands every open prompt
back to the local dialog.

Quick start:
  permd config init        # write a config file, then add Slack credentials
  permd hook install       # register the hook in ~/.claude/settings.json
  permd daemon start       # run the daemon in the background`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := output.ParseFormat(GetOutput())
		return err
	},
	Run: func(cmd *cobra.Command, args []string) {
		// When no subcommand given, show quick reference card
		showQuickReference(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := versionInfo{
			Version:    version,
			Commit:     commit,
			BuildDate:  date,
			GoVersion:  runtime.Version(),
			ConfigPath: config.ConfigPath(flagConfig),
		}
		return newOutput(cmd).Write(payload)
	},
}

type versionInfo struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
	ConfigPath string `json:"config_path"`
}

func (v versionInfo) Text() string {
	return fmt.Sprintf("permd %s\n  commit:  %s\n  built:   %s\n  go:      %s\n  config:  %s\n",
		v.Version, v.Commit, v.BuildDate, v.GoVersion, v.ConfigPath)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetOutput returns the configured output format.
// Precedence: CLI flags > PERMD_OUTPUT_FORMAT env > default
func GetOutput() string {
	if flagJSON {
		return "json"
	}
	if flagOutput != "text" {
		return flagOutput
	}
	if envFormat := os.Getenv("PERMD_OUTPUT_FORMAT"); envFormat != "" {
		switch envFormat {
		case "json", "yaml", "text":
			return envFormat
		}
	}
	return flagOutput
}

func newOutput(cmd *cobra.Command) *output.Writer {
	format, err := output.ParseFormat(GetOutput())
	if err != nil {
		format = output.FormatText
	}
	return output.New(format, output.WithOutput(cmd.OutOrStdout()), output.WithErrorOutput(cmd.ErrOrStderr()))
}

// flagOverrides maps global flags onto config keys.
func flagOverrides() map[string]any {
	overrides := map[string]any{}
	if flagSocket != "" {
		overrides["daemon.socket_path"] = flagSocket
	}
	if flagDebug {
		overrides["daemon.debug"] = true
	}
	return overrides
}

// loadConfig resolves configuration for a command. requireFile is set by
// commands that cannot run on defaults alone.
func loadConfig(requireFile bool) (config.Config, error) {
	return config.Load(config.LoadOptions{
		ConfigPath:    flagConfig,
		RequireFile:   requireFile,
		FlagOverrides: flagOverrides(),
	})
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path (default: $XDG_CONFIG_HOME/claude-permission-daemon/config.toml)")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format: text, json, yaml (env: PERMD_OUTPUT_FORMAT)")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "shorthand for --output=json")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "daemon socket path")

	rootCmd.AddCommand(versionCmd)
}
