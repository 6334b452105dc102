// Package idle detects whether the local user is at the keyboard.
//
// Every backend implements Source and reports transitions through a
// ChangeFunc, once per actual change.
package idle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrBackendUnavailable is returned by Start when the probe cannot run on
// this machine (binary missing, API absent).
var ErrBackendUnavailable = errors.New("idle backend unavailable")

// ChangeFunc receives the new idle value after each transition.
type ChangeFunc func(idle bool)

// Source produces idle/active transitions.
type Source interface {
	// Name identifies the backend in logs and status output.
	Name() string
	Idle() bool
	Running() bool
	// Start verifies the backend and begins detection in the background.
	Start(ctx context.Context) error
	// Run starts the source if needed and blocks until ctx is done or Stop
	// is called.
	Run(ctx context.Context) error
	// Stop ends detection. It is safe to call more than once.
	Stop() error
	// Restart stops detection, resets to active (notifying if the user was
	// idle) and starts again.
	Restart(ctx context.Context) error
}

// state is the idle flag shared by all backends.
type state struct {
	mu       sync.Mutex
	idle     bool
	running  bool
	onChange ChangeFunc
	logger   *log.Logger
}

func newState(onChange ChangeFunc, logger *log.Logger) state {
	if onChange == nil {
		onChange = func(bool) {}
	}
	if logger == nil {
		logger = log.Default()
	}
	return state{onChange: onChange, logger: logger}
}

func (s *state) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *state) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *state) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// transition records idle and fires onChange only when the value changed.
func (s *state) transition(idle bool) {
	s.mu.Lock()
	if s.idle == idle {
		s.mu.Unlock()
		return
	}
	s.idle = idle
	s.mu.Unlock()

	if idle {
		s.logger.Debug("idle detected")
	} else {
		s.logger.Debug("activity detected")
	}
	s.onChange(idle)
}

// runUntilStopped implements Run for backends with Start/Stop.
func runUntilStopped(ctx context.Context, src Source, done func() <-chan struct{}) error {
	if !src.Running() {
		if err := src.Start(ctx); err != nil {
			return err
		}
	}
	select {
	case <-ctx.Done():
		_ = src.Stop()
		return nil
	case <-done():
		return nil
	}
}

// restart implements Restart in terms of Stop and Start.
func restart(ctx context.Context, src Source, s *state) error {
	if err := src.Stop(); err != nil {
		return err
	}
	s.transition(false)
	return src.Start(ctx)
}

const probeTimeout = 5 * time.Second
