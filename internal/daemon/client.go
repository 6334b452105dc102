package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/permd/internal/config"
	"github.com/Dicklesworthstone/permd/internal/coordinator"
)

// DaemonStatus represents the current state of the daemon.
type DaemonStatus int

const (
	// DaemonRunning indicates the daemon is running and responsive.
	DaemonRunning DaemonStatus = iota
	// DaemonNotRunning indicates no daemon process was found.
	DaemonNotRunning
	// DaemonUnresponsive indicates a process exists but is not responding.
	DaemonUnresponsive
)

// String returns a human-readable status description.
func (s DaemonStatus) String() string {
	switch s {
	case DaemonRunning:
		return "running"
	case DaemonNotRunning:
		return "not running"
	case DaemonUnresponsive:
		return "unresponsive"
	default:
		return "unknown"
	}
}

// DefaultDialTimeout bounds connecting to the daemon socket.
const DefaultDialTimeout = 2 * time.Second

var (
	// ErrDaemonUnavailable is returned when the socket cannot be reached.
	ErrDaemonUnavailable = errors.New("daemon unavailable")
	// ErrDaemonNotRunning is returned by Stop when no live daemon owns the PID file.
	ErrDaemonNotRunning = errors.New("daemon not running")
)

// Client talks to a running daemon over its socket.
type Client struct {
	socketPath  string
	pidFile     string
	dialTimeout time.Duration
	logger      *log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSocketPath sets a custom socket path.
func WithSocketPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.socketPath = path
		}
	}
}

// WithPIDFile sets a custom PID file path.
func WithPIDFile(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.pidFile = path
		}
	}
}

// WithDialTimeout bounds connection attempts.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a new daemon client with optional configuration.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		socketPath:  DefaultSocketPath(),
		pidFile:     DefaultPIDFile(),
		dialTimeout: DefaultDialTimeout,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultSocketPath returns the per-user socket path.
func DefaultSocketPath() string {
	return config.DefaultSocketPath()
}

// DefaultPIDFile returns the PID file under the state directory.
func DefaultPIDFile() string {
	return filepath.Join(config.StateDir(), "permd.pid")
}

// SocketPath returns the socket this client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// PIDFile returns the PID file this client reads.
func (c *Client) PIDFile() string { return c.pidFile }

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	return conn, nil
}

// Send writes payload as a single line and waits for one reply line.
// The wait is bounded by ctx.
func (c *Client) Send(ctx context.Context, payload []byte) ([]byte, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writeLine(conn, payload); err != nil {
		return nil, fmt.Errorf("write payload: %w", err)
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil && len(bytes.TrimSpace(line)) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return bytes.TrimSpace(line), nil
}

// Notify writes payload and closes without waiting for a reply.
func (c *Client) Notify(ctx context.Context, payload []byte) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(c.dialTimeout))
	if err := writeLine(conn, payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func writeLine(conn net.Conn, payload []byte) error {
	payload = bytes.TrimSpace(payload)
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		buf.Reset()
		buf.Write(payload)
	}
	buf.WriteByte('\n')
	_, err := conn.Write(buf.Bytes())
	return err
}

// Reply is a decoded daemon reply: a decision or a protocol error.
type Reply struct {
	coordinator.PermissionResponse
	Error string `json:"error,omitempty"`
}

// DecodeReply parses a reply line.
func DecodeReply(line []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(line, &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if r.Error == "" {
		if _, ok := coordinator.ParseAction(string(r.Action)); !ok {
			return Reply{}, fmt.Errorf("decode reply: unknown action %q", r.Action)
		}
	}
	return r, nil
}

// RequestPermission sends a permission request and waits for the decision.
func (c *Client) RequestPermission(ctx context.Context, toolName string, toolInput map[string]any) (coordinator.PermissionResponse, error) {
	payload, err := json.Marshal(map[string]any{
		"tool_name":  toolName,
		"tool_input": toolInput,
	})
	if err != nil {
		return coordinator.PermissionResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	line, err := c.Send(ctx, payload)
	if err != nil {
		return coordinator.PermissionResponse{}, err
	}
	reply, err := DecodeReply(line)
	if err != nil {
		return coordinator.PermissionResponse{}, err
	}
	if reply.Error != "" {
		return coordinator.PermissionResponse{}, fmt.Errorf("daemon rejected request: %s", reply.Error)
	}
	return reply.PermissionResponse, nil
}

// Status queries the running daemon.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	line, err := c.Send(ctx, []byte(`{"query":"status"}`))
	if err != nil {
		return StatusResponse{}, err
	}
	var probe ErrorResponse
	if err := json.Unmarshal(line, &probe); err == nil && probe.Error != "" {
		return StatusResponse{}, fmt.Errorf("status query: %s", probe.Error)
	}
	var status StatusResponse
	if err := json.Unmarshal(line, &status); err != nil {
		return StatusResponse{}, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}

// IsDaemonRunning reports whether the daemon answers on its socket.
func (c *Client) IsDaemonRunning() bool {
	return c.GetStatus() == DaemonRunning
}

// GetStatus returns the detailed daemon status.
func (c *Client) GetStatus() DaemonStatus {
	if c.canConnectSocket() {
		return DaemonRunning
	}

	// Fall back to PID checks to distinguish "not running" vs "unresponsive".
	pid, err := c.ReadPID()
	if err != nil {
		return DaemonNotRunning
	}
	if !isProcessAlive(pid) {
		return DaemonNotRunning
	}
	return DaemonUnresponsive
}

// StatusInfo returns detailed status information for diagnostics.
type StatusInfo struct {
	Status      DaemonStatus    `json:"-" yaml:"-"`
	State       string          `json:"status" yaml:"status"`
	PID         int             `json:"pid,omitempty" yaml:"pid,omitempty"`
	PIDFile     string          `json:"pid_file" yaml:"pid_file"`
	SocketPath  string          `json:"socket_path" yaml:"socket_path"`
	SocketAlive bool            `json:"socket_alive" yaml:"socket_alive"`
	Message     string          `json:"message" yaml:"message"`
	Daemon      *StatusResponse `json:"daemon,omitempty" yaml:"daemon,omitempty"`
}

// GetStatusInfo returns detailed status information.
func (c *Client) GetStatusInfo() (info StatusInfo) {
	info = StatusInfo{
		PIDFile:    c.pidFile,
		SocketPath: c.socketPath,
	}
	defer func() { info.State = info.Status.String() }()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	status, queryErr := c.Status(ctx)
	if queryErr == nil {
		info.Daemon = &status
		info.SocketAlive = true
	}

	pid, err := c.ReadPID()
	if err != nil {
		if info.SocketAlive {
			info.Status = DaemonRunning
			info.PID = status.PID
			info.Message = "Daemon running (PID file missing)"
		} else {
			info.Status = DaemonNotRunning
			info.Message = fmt.Sprintf("PID file not found or invalid: %v", err)
		}
		return info
	}
	info.PID = pid

	if !isProcessAlive(pid) {
		info.Status = DaemonNotRunning
		info.Message = fmt.Sprintf("Process %d is not running (stale PID file)", pid)
		if info.SocketAlive {
			info.Status = DaemonRunning
			info.PID = status.PID
			info.Message = "Daemon running (stale PID file)"
		}
		return info
	}

	if !info.SocketAlive {
		info.Status = DaemonUnresponsive
		info.Message = fmt.Sprintf("Process %d exists but socket query failed: %v", pid, queryErr)
		return info
	}

	info.Status = DaemonRunning
	info.Message = fmt.Sprintf("Daemon running with PID %d", pid)
	return info
}

// ReadPID reads the PID from the PID file.
func (c *Client) ReadPID() (int, error) {
	return readPIDFile(c.pidFile)
}

// Stop signals the daemon to shut down and waits until it exits or ctx ends.
func (c *Client) Stop(ctx context.Context) error {
	pid, err := c.ReadPID()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	if !isProcessAlive(pid) {
		return fmt.Errorf("%w (stale PID file for %d)", ErrDaemonNotRunning, pid)
	}
	c.logger.Debug("stopping daemon", "pid", pid)
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := terminate(proc); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !isProcessAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon (pid %d) did not exit: %w", pid, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) canConnectSocket() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := c.Status(ctx)
	return err == nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// writePIDFile records the current process, refusing to overwrite the PID
// file of another live daemon.
func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if pid, err := readPIDFile(path); err == nil && pid != os.Getpid() && isProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

// removePIDFile deletes the PID file if it still names this process.
func removePIDFile(path string) {
	if path == "" {
		return
	}
	if pid, err := readPIDFile(path); err == nil && pid == os.Getpid() {
		_ = os.Remove(path)
	}
}
