package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/permd/internal/config"
)

var flagConfigShowDefaults bool

func init() {
	configShowCmd.Flags().BoolVar(&flagConfigShowDefaults, "defaults", false, "show built-in defaults instead of the effective configuration")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configPathCmd)

	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or modify permd configuration",
	Long: `Show or modify permd configuration.

Values come from built-in defaults, the TOML config file, CLAUDE_PERM_*
environment variables and command-line flags, in increasing precedence.
Slack tokens are masked in all output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowCmd.RunE(cmd, args)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if !flagConfigShowDefaults {
			var err error
			if cfg, err = loadConfig(false); err != nil {
				return err
			}
		}
		return newOutput(cmd).Write(cfg.Redacted())
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		val, ok := config.GetValue(cfg.Redacted(), args[0])
		if !ok {
			return fmt.Errorf("unknown key %q", args[0])
		}
		return newOutput(cmd).Write(map[string]any{
			"key":   args[0],
			"value": val,
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := config.ConfigPath(flagConfig)

		value, err := config.ParseValue(args[0], args[1])
		if err != nil {
			return err
		}
		if err := config.WriteValue(target, args[0], value); err != nil {
			return err
		}

		return newOutput(cmd).Write(map[string]any{
			"path":  target,
			"key":   args[0],
			"value": redactValue(args[0], value),
		})
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		target := config.ConfigPath(flagConfig)
		if err := config.WriteDefault(target); err != nil {
			return err
		}
		newOutput(cmd).Success(fmt.Sprintf("wrote %s; add slack.bot_token, slack.app_token and slack.channel to enable Slack", target))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR (default: vi)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		target := config.ConfigPath(flagConfig)

		// Ensure the file exists with at least defaults for convenience.
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			if err := config.WriteDefault(target); err != nil {
				return err
			}
		} else if err != nil {
			return fmt.Errorf("stat %s: %w", target, err)
		}

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}
		// EDITOR may carry arguments, e.g. "code --wait".
		words, err := shellwords.Parse(editor)
		if err != nil || len(words) == 0 {
			return fmt.Errorf("invalid EDITOR %q", editor)
		}
		editCmd := exec.Command(words[0], append(words[1:], target)...)
		editCmd.Stdin = os.Stdin
		editCmd.Stdout = os.Stdout
		editCmd.Stderr = os.Stderr
		return editCmd.Run()
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config, socket, log and PID file locations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		return newOutput(cmd).Write(config.ConfigPaths(cfg, flagConfig))
	},
}

// redactValue masks Slack tokens echoed back by "config set".
func redactValue(key string, value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	switch key {
	case "slack.bot_token":
		return config.Config{Slack: config.SlackConfig{BotToken: s}}.Redacted().Slack.BotToken
	case "slack.app_token":
		return config.Config{Slack: config.SlackConfig{AppToken: s}}.Redacted().Slack.AppToken
	}
	return value
}
