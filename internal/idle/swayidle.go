package idle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-shellwords"
)

const swayidleRetryDelay = 2 * time.Second

// Swayidle runs `swayidle -w timeout N "echo IDLE" resume "echo ACTIVE"` and
// follows its stdout. If the process dies it is started again.
type Swayidle struct {
	state

	command   string
	threshold time.Duration

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	doneCh    chan struct{}
}

// NewSwayidle builds a swayidle Source. command may carry leading arguments,
// for example "swayidle -d".
func NewSwayidle(command string, threshold time.Duration, onChange ChangeFunc, logger *log.Logger) *Swayidle {
	if logger == nil {
		logger = log.Default()
	}
	return &Swayidle{
		state:     newState(onChange, logger.WithPrefix("idle.swayidle")),
		command:   command,
		threshold: threshold,
		doneCh:    closedChan(),
	}
}

func (s *Swayidle) Name() string { return "swayidle" }

// argv splits the configured command and appends the timeout/resume hooks.
func (s *Swayidle) argv() ([]string, error) {
	words, err := shellwords.Parse(s.command)
	if err != nil {
		return nil, fmt.Errorf("parse swayidle command %q: %w", s.command, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: empty swayidle command", ErrBackendUnavailable)
	}
	secs := int(s.threshold / time.Second)
	if secs < 1 {
		secs = 1
	}
	return append(words,
		"-w",
		"timeout", strconv.Itoa(secs), "echo IDLE",
		"resume", "echo ACTIVE",
	), nil
}

func (s *Swayidle) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.Running() {
		return nil
	}

	argv, err := s.argv()
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrBackendUnavailable, argv[0], err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd, stdout, err := s.spawn(runCtx, argv)
	if err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.setRunning(true)
	go s.supervise(runCtx, argv, cmd, stdout, s.doneCh)

	s.logger.Info("idle detection started", "binary", argv[0], "threshold", s.threshold)
	return nil
}

func (s *Swayidle) spawn(ctx context.Context, argv []string) (*exec.Cmd, io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("swayidle stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("swayidle stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start swayidle: %w", err)
	}
	go s.logStderr(stderr)
	return cmd, stdout, nil
}

// supervise follows the running process and respawns it until ctx ends.
func (s *Swayidle) supervise(ctx context.Context, argv []string, cmd *exec.Cmd, stdout io.ReadCloser, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		s.readLines(stdout)
		err := cmd.Wait()
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("swayidle exited", "err", err, "retry_in", swayidleRetryDelay)
		// A fresh swayidle only reports ACTIVE after IDLE.
		s.transition(false)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(swayidleRetryDelay):
			}
			cmd, stdout, err = s.spawn(ctx, argv)
			if err == nil {
				break
			}
			s.logger.Error("respawn swayidle", "err", err)
		}
	}
}

func (s *Swayidle) readLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch line := strings.TrimSpace(scanner.Text()); line {
		case "IDLE":
			s.transition(true)
		case "ACTIVE":
			s.transition(false)
		case "":
		default:
			s.logger.Debug("unexpected swayidle output", "line", line)
		}
	}
}

func (s *Swayidle) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			s.logger.Warn("swayidle stderr", "line", line)
		}
	}
}

func (s *Swayidle) Run(ctx context.Context) error {
	return runUntilStopped(ctx, s, s.done)
}

func (s *Swayidle) done() <-chan struct{} {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.doneCh
}

func (s *Swayidle) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.Running() {
		return nil
	}
	s.cancel()
	<-s.doneCh
	s.setRunning(false)
	s.logger.Info("idle detection stopped")
	return nil
}

func (s *Swayidle) Restart(ctx context.Context) error {
	return restart(ctx, s, &s.state)
}
