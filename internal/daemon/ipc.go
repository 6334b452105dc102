package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/permd/internal/coordinator"
)

const (
	// maxPayloadSize bounds a single hook payload line.
	maxPayloadSize = 1 << 20
	// writeTimeout bounds writing a response to a hook.
	writeTimeout = 5 * time.Second
	// defaultReadTimeout applies when no read timeout option is given.
	defaultReadTimeout = 30 * time.Second
	// defaultGracePeriod bounds how long Stop waits for in-flight connections.
	defaultGracePeriod = 10 * time.Second
)

var (
	// ErrAlreadyRunning is returned when another daemon answers on the socket.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrAlreadyResponded is returned by a second WriteResponse on a HookConn.
	ErrAlreadyResponded = errors.New("response already written")
)

// Handlers routes decoded payloads. Any nil handler is treated as a no-op;
// a nil Request handler answers with a passthrough.
type Handlers struct {
	Request      func(ctx context.Context, req coordinator.PermissionRequest, conn *HookConn)
	Notification func(ctx context.Context, n coordinator.Notification)
	Status       func() StatusResponse
}

// IPCServer accepts hook connections on a Unix domain socket. Each connection
// carries exactly one newline-terminated JSON payload.
type IPCServer struct {
	socketPath  string
	listener    net.Listener
	info        os.FileInfo
	handlers    Handlers
	logger      *log.Logger
	readTimeout time.Duration
	gracePeriod time.Duration

	mu      sync.Mutex
	reading map[net.Conn]struct{}
	wg      sync.WaitGroup

	closed   atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// ServerOption customizes an IPCServer.
type ServerOption func(*IPCServer)

// WithReadTimeout bounds how long a connection may take to send its payload.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *IPCServer) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithGracePeriod bounds how long Stop waits for connection handlers.
func WithGracePeriod(d time.Duration) ServerOption {
	return func(s *IPCServer) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// NewIPCServer binds socketPath with owner-only permissions. A stale socket
// left by a crashed daemon is removed; a live one yields ErrAlreadyRunning.
func NewIPCServer(socketPath string, handlers Handlers, logger *log.Logger, opts ...ServerOption) (*IPCServer, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := removeStaleSocket(socketPath); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		// Stop removes the file itself, and only if it is still ours.
		ul.SetUnlinkOnClose(false)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(socketPath)
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("stat socket: %w", err)
	}

	s := &IPCServer{
		socketPath:  socketPath,
		listener:    ln,
		info:        info,
		handlers:    handlers,
		logger:      logger.WithPrefix("ipc"),
		readTimeout: defaultReadTimeout,
		gracePeriod: defaultGracePeriod,
		reading:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Info("listening", "socket", socketPath)
	return s, nil
}

func removeStaleSocket(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket: %w", err)
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s is in use", ErrAlreadyRunning, path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

// SocketPath returns the bound path.
func (s *IPCServer) SocketPath() string { return s.socketPath }

// Start accepts connections until ctx is cancelled or Stop is called.
func (s *IPCServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop closes the listener and any connection still sending its payload,
// waits up to the grace period for handlers, and removes the socket file if
// it has not been replaced. Handed-off request connections are left open.
func (s *IPCServer) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.mu.Unlock()
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.stopErr = err
		}

		s.mu.Lock()
		for conn := range s.reading {
			_ = conn.Close()
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.gracePeriod):
			s.logger.Warn("connection handlers still running after grace period", "grace", s.gracePeriod)
		}

		if info, err := os.Stat(s.socketPath); err == nil && os.SameFile(info, s.info) {
			if err := os.Remove(s.socketPath); err != nil && s.stopErr == nil {
				s.stopErr = err
			}
		}
	})
	return s.stopErr
}

func (s *IPCServer) track(conn net.Conn, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.reading[conn] = struct{}{}
	} else {
		delete(s.reading, conn)
	}
}

func (s *IPCServer) handleConn(ctx context.Context, conn net.Conn) {
	s.track(conn, true)
	if s.closed.Load() {
		s.track(conn, false)
		_ = conn.Close()
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	line, err := readPayload(conn)
	s.track(conn, false)
	if err != nil {
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			s.logger.Warn("timed out waiting for payload", "timeout", s.readTimeout)
		case errors.Is(err, io.EOF), s.closed.Load():
		default:
			s.logger.Debug("read payload", "err", err)
		}
		_ = conn.Close()
		return
	}

	msg, err := DecodeMessage(line)
	if err != nil {
		s.logger.Warn("rejecting payload", "err", err)
		s.reply(conn, ErrorResponse{Error: err.Error()})
		return
	}

	switch msg.Kind {
	case KindNotification:
		_ = conn.Close()
		if s.handlers.Notification != nil {
			s.handlers.Notification(ctx, msg.Notification)
		}
	case KindStatus:
		var status StatusResponse
		if s.handlers.Status != nil {
			status = s.handlers.Status()
		}
		s.reply(conn, status)
	case KindPermission:
		_ = conn.SetReadDeadline(time.Time{})
		hc := newHookConn(conn, s.logger)
		if s.handlers.Request == nil {
			_ = hc.WriteResponse(coordinator.Passthrough("No handler configured"))
			return
		}
		s.handlers.Request(ctx, msg.Request, hc)
	}
}

// readPayload reads one line. A final line without a newline is accepted.
func readPayload(conn net.Conn) ([]byte, error) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxPayloadSize)
	if scanner.Scan() {
		return scanner.Bytes(), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *IPCServer) reply(conn net.Conn, v any) {
	defer conn.Close()
	data, err := encodeLine(v)
	if err != nil {
		s.logger.Error("encode reply", "err", err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug("write reply", "err", err)
	}
}

// HookConn is the connection of a hook waiting for a permission decision.
// The first WriteResponse wins and closes the connection.
type HookConn struct {
	conn   net.Conn
	logger *log.Logger
	once   sync.Once
}

func newHookConn(conn net.Conn, logger *log.Logger) *HookConn {
	return &HookConn{conn: conn, logger: logger}
}

// WriteResponse sends resp and closes the connection. Later calls return
// ErrAlreadyResponded.
func (c *HookConn) WriteResponse(resp coordinator.PermissionResponse) error {
	err := ErrAlreadyResponded
	c.once.Do(func() {
		defer c.conn.Close()
		var data []byte
		data, err = encodeLine(resp)
		if err != nil {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err = c.conn.Write(data)
	})
	return err
}

// Watch reads from the connection in the background and calls onDisconnect
// once if the hook goes away before the watch is stopped.
func (c *HookConn) Watch(onDisconnect func()) coordinator.Watch {
	w := &connWatch{conn: c.conn, done: make(chan struct{})}
	go w.run(onDisconnect)
	return w
}

type connWatch struct {
	conn    net.Conn
	stopped atomic.Bool
	done    chan struct{}
}

func (w *connWatch) run(onDisconnect func()) {
	defer close(w.done)
	buf := make([]byte, 256)
	for {
		if _, err := w.conn.Read(buf); err != nil {
			break
		}
	}
	if !w.stopped.Load() {
		onDisconnect()
	}
}

// Stop ends the watch without firing onDisconnect.
func (w *connWatch) Stop() {
	if w.stopped.Swap(true) {
		return
	}
	_ = w.conn.SetReadDeadline(time.Now())
}
