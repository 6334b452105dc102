// Package daemon implements the permission daemon: a Unix socket listener
// for hook connections, the resolution policy that routes requests to a
// remote channel while the user is idle, and the supervisor that owns the
// process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/permd/internal/config"
	"github.com/Dicklesworthstone/permd/internal/coordinator"
	"github.com/Dicklesworthstone/permd/internal/idle"
	slackremote "github.com/Dicklesworthstone/permd/internal/slack"
)

// DaemonModeEnv marks a process re-executed by "daemon start".
const DaemonModeEnv = "PERMD_DAEMON_MODE"

const (
	// drainBudget bounds final remote display updates during shutdown.
	drainBudget = 5 * time.Second
	// receiveStopTimeout bounds closing the remote receive loop.
	receiveStopTimeout = 5 * time.Second
)

// DaemonModeEnabled reports whether this process was started detached.
func DaemonModeEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(DaemonModeEnv))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// IdleFactory builds the idle source; onChange must receive every transition.
type IdleFactory func(onChange idle.ChangeFunc, logger *log.Logger) (idle.Source, error)

// ServerOptions configures RunDaemon. Zero values fall back to cfg.
type ServerOptions struct {
	SocketPath string
	PIDFile    string
	Logger     *log.Logger
	// Config is the loaded configuration; nil means defaults.
	Config *config.Config
	// ConfigPath is watched so edits can be reported.
	ConfigPath string
	Version    string

	// NewIdleSource overrides the configured idle backend.
	NewIdleSource IdleFactory
	// Remote overrides the configured Slack channel. Set NoRemote to run
	// passthrough-only regardless of configuration.
	Remote   RemoteChannel
	NoRemote bool

	// GracePeriod bounds waiting for connection handlers on shutdown.
	GracePeriod time.Duration
	// CheckInterval is the expiry sweep interval.
	CheckInterval time.Duration
}

// receiver is implemented by remote channels with a background receive loop.
type receiver interface {
	Start(ctx context.Context) error
	StopReceiving(timeout time.Duration)
	Stop() error
}

// connectedReporter is implemented by remote channels that track a live
// connection separately from availability.
type connectedReporter interface {
	Connected() bool
}

// Daemon wires the coordinator, transport, idle source and remote channel.
type Daemon struct {
	opts       ServerOptions
	cfg        config.Config
	logger     *log.Logger
	coord      *coordinator.Coordinator
	dispatcher *Dispatcher
	remote     RemoteChannel
	idle       idle.Source
	server     *IPCServer
	timeouts   *TimeoutHandler
	startedAt  time.Time
}

// RunDaemon runs the daemon until ctx is cancelled, then shuts it down.
func RunDaemon(ctx context.Context, opts ServerOptions) error {
	d, err := New(opts)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// New builds a Daemon without touching the socket or the network.
func New(opts ServerOptions) (*Daemon, error) {
	cfg := config.DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if opts.SocketPath == "" {
		opts.SocketPath = cfg.Daemon.SocketPath
	}
	if opts.PIDFile == "" {
		opts.PIDFile = cfg.Daemon.PIDFile
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}

	d := &Daemon{
		opts:   opts,
		cfg:    cfg,
		logger: opts.Logger.WithPrefix("daemon"),
		coord:  coordinator.New(opts.Logger),
	}

	d.remote = opts.Remote
	if d.remote == nil && !opts.NoRemote && cfg.Slack.Enabled() {
		d.remote = slackremote.New(slackremote.Options{
			BotToken: cfg.Slack.BotToken,
			AppToken: cfg.Slack.AppToken,
			Channel:  cfg.Slack.Channel,
			Debug:    cfg.Daemon.Debug,
		}, func(id string, action coordinator.Action, user string) {
			d.dispatcher.HandleRemoteAction(id, action, user)
		}, opts.Logger)
	}
	if d.remote == nil {
		d.logger.Warn("no remote channel configured, every request will pass through")
	}

	d.dispatcher = NewDispatcher(d.coord, d.remote, NotificationPolicy{
		Enabled: cfg.Notifications.Enabled,
		Ignored: cfg.Notifications.Ignored,
	}, opts.Logger)
	d.coord.RegisterIdleObserver(d.dispatcher.OnIdleChange)

	factory := opts.NewIdleSource
	if factory == nil {
		factory = func(onChange idle.ChangeFunc, logger *log.Logger) (idle.Source, error) {
			return idle.New(idle.Options{
				Backend:          cfg.Idle.Backend,
				Threshold:        cfg.Daemon.IdleTimeout(),
				PollInterval:     cfg.Idle.PollInterval(),
				SwayidleCommand:  cfg.Swayidle.Binary,
				IoregBinary:      cfg.Mac.Binary,
				XprintidleBinary: cfg.Xprintidle.Binary,
			}, onChange, logger)
		}
	}
	src, err := factory(func(v bool) { d.coord.SetIdle(v) }, opts.Logger.WithPrefix("idle"))
	if err != nil {
		return nil, fmt.Errorf("idle source: %w", err)
	}
	d.idle = src

	d.timeouts = NewTimeoutHandler(d.dispatcher, TimeoutHandlerConfig{
		CheckInterval: opts.CheckInterval,
		MaxAge:        cfg.Daemon.RequestTimeout(),
		Logger:        opts.Logger,
	})
	return d, nil
}

// Coordinator exposes the shared state, mainly for tests.
func (d *Daemon) Coordinator() *coordinator.Coordinator { return d.coord }

// Dispatcher exposes the resolution policy, mainly for tests.
func (d *Daemon) Dispatcher() *Dispatcher { return d.dispatcher }

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then shuts down in order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := writePIDFile(d.opts.PIDFile); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer removePIDFile(d.opts.PIDFile)

	if err := d.idle.Start(ctx); err != nil {
		return fmt.Errorf("start idle source %s: %w", d.idle.Name(), err)
	}

	if r, ok := d.remote.(receiver); ok {
		if err := r.Start(ctx); err != nil {
			// Requests pass through until the background retry connects.
			d.logger.Error("remote channel failed to start", "remote", d.remote.Name(), "err", err)
		}
	}

	server, err := NewIPCServer(d.opts.SocketPath, Handlers{
		Request: func(ctx context.Context, req coordinator.PermissionRequest, conn *HookConn) {
			d.dispatcher.HandleRequest(ctx, req, conn)
		},
		Notification: d.dispatcher.HandleNotification,
		Status:       d.Status,
	}, d.opts.Logger, WithReadTimeout(d.cfg.Daemon.ReadTimeout()), WithGracePeriod(d.opts.GracePeriod))
	if err != nil {
		_ = d.idle.Stop()
		d.stopRemote()
		return err
	}
	d.server = server
	d.startedAt = time.Now()

	d.logger.Info("daemon started",
		"pid", os.Getpid(),
		"socket", d.opts.SocketPath,
		"idle_backend", d.idle.Name(),
		"remote", d.remoteName(),
		"version", d.opts.Version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Start(gctx) })
	g.Go(func() error { return d.idle.Run(gctx) })
	g.Go(func() error { return d.timeouts.Run(gctx) })
	g.Go(func() error { return d.watch(gctx) })

	runErr := g.Wait()
	if errors.Is(runErr, ErrSocketRemoved) {
		d.logger.Warn("socket removed, shutting down", "socket", d.opts.SocketPath)
		runErr = nil
	}
	d.shutdown()
	return runErr
}

// watch reports config edits and ends the run when the socket disappears.
func (d *Daemon) watch(ctx context.Context) error {
	socketPath := filepath.Clean(d.opts.SocketPath)
	configPath := ""
	if d.opts.ConfigPath != "" {
		if _, err := os.Stat(filepath.Dir(d.opts.ConfigPath)); err == nil {
			configPath = filepath.Clean(d.opts.ConfigPath)
		}
	}

	w, err := NewWatcher(d.opts.Logger, socketPath, configPath)
	if err != nil {
		d.logger.Warn("file watcher unavailable", "err", err)
		<-ctx.Done()
		return nil
	}
	defer w.Stop()
	if err := w.Start(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			switch ev.Path {
			case socketPath:
				if ev.Removed() {
					return ErrSocketRemoved
				}
			case configPath:
				d.logger.Warn("config file changed, restart the daemon to apply", "path", ev.Path)
			}
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			d.logger.Warn("file watcher error", "err", err)
		}
	}
}

func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")

	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.logger.Warn("stop listener", "err", err)
		}
	}
	if err := d.idle.Stop(); err != nil {
		d.logger.Warn("stop idle source", "err", err)
	}
	if r, ok := d.remote.(receiver); ok {
		r.StopReceiving(receiveStopTimeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainBudget)
	d.dispatcher.Drain(ctx)
	cancel()

	d.stopRemote()
	d.logger.Info("daemon stopped")
}

func (d *Daemon) stopRemote() {
	if r, ok := d.remote.(receiver); ok {
		if err := r.Stop(); err != nil {
			d.logger.Warn("stop remote channel", "err", err)
		}
	}
}

func (d *Daemon) remoteName() string {
	if d.remote == nil {
		return ""
	}
	return d.remote.Name()
}

// Status snapshots the daemon for a status query.
func (d *Daemon) Status() StatusResponse {
	idleNow, since := d.coord.IdleSince()
	st := StatusResponse{
		Idle:          idleNow,
		IdleSince:     since,
		Pending:       d.coord.PendingCount(),
		UptimeSeconds: int64(time.Since(d.startedAt).Seconds()),
		IdleBackend:   d.idle.Name(),
		Remote:        d.remoteName(),
		Resolved:      d.dispatcher.Counts(),
		PID:           os.Getpid(),
		Version:       d.opts.Version,
	}
	if d.remote != nil {
		st.RemoteAvailable = d.remote.Available()
		st.RemoteConnected = st.RemoteAvailable
		if c, ok := d.remote.(connectedReporter); ok {
			st.RemoteConnected = c.Connected()
		}
	}
	return st
}
