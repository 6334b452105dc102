package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/permd/internal/config"
	"github.com/Dicklesworthstone/permd/internal/daemon"
)

var (
	flagDaemonStartForeground bool
	flagDaemonStopTimeoutSecs int
	flagDaemonLogsFollow      bool
	flagDaemonLogsLines       int
)

const (
	defaultTailLines   = 200
	daemonStartTimeout = 5 * time.Second
)

func init() {
	daemonStartCmd.Flags().BoolVar(&flagDaemonStartForeground, "foreground", false, "run in the foreground instead of detaching")
	daemonStopCmd.Flags().IntVar(&flagDaemonStopTimeoutSecs, "timeout", 10, "seconds to wait for the daemon to exit")
	daemonLogsCmd.Flags().BoolVarP(&flagDaemonLogsFollow, "follow", "f", false, "keep printing new log lines")
	daemonLogsCmd.Flags().IntVarP(&flagDaemonLogsLines, "lines", "n", defaultTailLines, "number of lines to show")

	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)

	rootCmd.AddCommand(daemonCmd)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the permission daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Run the daemon in the foreground until interrupted.

SIGINT or SIGTERM stops the daemon. Prompts still pending at that point are
handed back to Claude Code's local dialog.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemonForeground(cmd)
	},
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagDaemonStartForeground {
			return runDaemonForeground(cmd)
		}

		cfg, err := loadDaemonConfig()
		if err != nil {
			return err
		}
		client := daemonClient(cfg, cmd.ErrOrStderr())
		if client.IsDaemonRunning() {
			return fmt.Errorf("%w (socket %s)", daemon.ErrAlreadyRunning, cfg.Daemon.SocketPath)
		}

		pid, err := spawnDetached(cmd.Context(), client)
		if err != nil {
			return fmt.Errorf("%w; see %s", err, cfg.Daemon.LogFile)
		}
		return newOutput(cmd).Write(startResult{
			Status:  "started",
			PID:     pid,
			Socket:  cfg.Daemon.SocketPath,
			LogFile: cfg.Daemon.LogFile,
		})
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		out := newOutput(cmd)
		client := daemonClient(cfg, cmd.ErrOrStderr())

		timeout := time.Duration(flagDaemonStopTimeoutSecs) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if err := client.Stop(ctx); err != nil {
			if errors.Is(err, daemon.ErrDaemonNotRunning) {
				out.Success("daemon is not running")
				return nil
			}
			return err
		}
		out.Success("daemon stopped")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		info := daemonClient(cfg, cmd.ErrOrStderr()).GetStatusInfo()
		return newOutput(cmd).Write(statusView{StatusInfo: info})
	},
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the daemon log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		path := cfg.Daemon.LogFile
		if path == "" {
			return errors.New("daemon.log_file is not set")
		}

		lines, err := tailFileLines(path, flagDaemonLogsLines)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) || !flagDaemonLogsFollow {
				return fmt.Errorf("reading %s: %w", path, err)
			}
		}
		w := cmd.OutOrStdout()
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
		if !flagDaemonLogsFollow {
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return followLog(ctx, w, path, cliLogger(cmd.ErrOrStderr()))
	},
}

// loadDaemonConfig loads and validates the configuration a daemon needs.
func loadDaemonConfig() (config.Config, error) {
	cfg, err := loadConfig(true)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return config.Config{}, fmt.Errorf("%w (create one with: permd config init)", err)
		}
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runDaemonForeground(cmd *cobra.Command) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	logger, closer, err := daemonLogger(cfg, cmd.ErrOrStderr(), daemon.DaemonModeEnabled())
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return daemon.RunDaemon(ctx, daemon.ServerOptions{
		SocketPath: cfg.Daemon.SocketPath,
		PIDFile:    cfg.Daemon.PIDFile,
		Logger:     logger,
		Config:     &cfg,
		ConfigPath: config.ConfigPath(flagConfig),
		Version:    version,
	})
}

func daemonClient(cfg config.Config, stderr io.Writer) *daemon.Client {
	return daemon.NewClient(
		daemon.WithSocketPath(cfg.Daemon.SocketPath),
		daemon.WithPIDFile(cfg.Daemon.PIDFile),
		daemon.WithLogger(cliLogger(stderr)),
	)
}

// spawnDetached re-executes this binary as "daemon run" in a new session and
// waits until its socket answers.
func spawnDetached(ctx context.Context, client *daemon.Client) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locating executable: %w", err)
	}

	args := []string{"daemon", "run"}
	if flagConfig != "" {
		args = append(args, "--config", flagConfig)
	}
	if flagSocket != "" {
		args = append(args, "--socket", flagSocket)
	}
	if flagDebug {
		args = append(args, "--debug")
	}

	child := exec.Command(exe, args...)
	child.Env = append(os.Environ(), daemon.DaemonModeEnv+"=1")
	child.SysProcAttr = detachAttr()
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("starting daemon: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	ctx, cancel := context.WithTimeout(ctx, daemonStartTimeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("exit status 0")
			}
			return 0, fmt.Errorf("daemon exited during startup: %w", err)
		case <-ctx.Done():
			return 0, fmt.Errorf("daemon did not answer on %s within %s", client.SocketPath(), daemonStartTimeout)
		case <-ticker.C:
			if client.IsDaemonRunning() {
				return child.Process.Pid, nil
			}
		}
	}
}

type startResult struct {
	Status  string `json:"status"`
	PID     int    `json:"pid"`
	Socket  string `json:"socket"`
	LogFile string `json:"log_file"`
}

func (r startResult) Text() string {
	return fmt.Sprintf("Daemon started (pid %d)\n  socket:  %s\n  log:     %s\n", r.PID, r.Socket, r.LogFile)
}

type statusView struct {
	daemon.StatusInfo
}

func (v statusView) Text() string {
	var b strings.Builder
	if v.PID > 0 {
		fmt.Fprintf(&b, "Daemon: %s (pid %d)\n", v.State, v.PID)
	} else {
		fmt.Fprintf(&b, "Daemon: %s\n", v.State)
	}
	fmt.Fprintf(&b, "  socket:   %s\n", v.SocketPath)
	d := v.Daemon
	if d == nil {
		fmt.Fprintf(&b, "  %s\n", v.Message)
		return b.String()
	}

	idle := "no"
	if d.Idle {
		idle = "yes, since " + d.IdleSince.Local().Format(time.TimeOnly)
	}
	remote := "none"
	if d.Remote != "" {
		remote = d.Remote
		switch {
		case d.RemoteConnected:
			remote += " (connected)"
		case d.RemoteAvailable:
			remote += " (available)"
		default:
			remote += " (disconnected)"
		}
	}
	fmt.Fprintf(&b, "  version:  %s\n", d.Version)
	fmt.Fprintf(&b, "  uptime:   %s\n", (time.Duration(d.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(&b, "  idle:     %s (%s)\n", idle, d.IdleBackend)
	fmt.Fprintf(&b, "  pending:  %d\n", d.Pending)
	fmt.Fprintf(&b, "  remote:   %s\n", remote)
	fmt.Fprintf(&b, "  resolved: %d approved, %d denied, %d passed through\n",
		d.Resolved.Approved, d.Resolved.Denied, d.Resolved.Passthrough)
	return b.String()
}

// tailFileLines returns the last n lines of path. n <= 0 means 200.
func tailFileLines(path string, n int) ([]string, error) {
	if n <= 0 {
		n = defaultTailLines
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(lines) == n {
			copy(lines, lines[1:])
			lines = lines[:n-1]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// followLog copies everything appended to path after its current end until
// ctx is done. A file that shrinks (rotation or truncation) is read again from
// the start.
func followLog(ctx context.Context, w io.Writer, path string, logger *log.Logger) error {
	var offset int64
	if fi, err := os.Stat(path); err == nil {
		offset = fi.Size()
	}

	watcher, err := daemon.NewWatcher(logger, path)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}
			logger.Debug("log watcher error", "error", err)
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			if ev.Removed() {
				offset = 0
			}
			next, err := copyFrom(w, path, offset)
			if err != nil {
				logger.Debug("reading log", "error", err)
				continue
			}
			offset = next
		}
	}
}

func copyFrom(w io.Writer, path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if fi.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(w, f)
	return offset + n, err
}
