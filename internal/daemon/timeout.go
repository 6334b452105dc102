package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultCheckInterval is how often pending requests are checked for expiry.
const DefaultCheckInterval = 5 * time.Second

// Expirer answers requests older than a cutoff.
type Expirer interface {
	ExpireOlderThan(cutoff time.Time) int
}

// TimeoutHandlerConfig configures the expiry sweeper.
type TimeoutHandlerConfig struct {
	// CheckInterval is how often to sweep.
	CheckInterval time.Duration
	// MaxAge is how long a request may wait for a remote decision.
	MaxAge time.Duration
	Logger *log.Logger
}

// TimeoutHandler periodically expires requests that outlived MaxAge, so an
// abandoned or forgotten request cannot sit in the table forever.
type TimeoutHandler struct {
	expirer Expirer
	config  TimeoutHandlerConfig
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// NewTimeoutHandler creates a sweeper over expirer.
func NewTimeoutHandler(expirer Expirer, cfg TimeoutHandlerConfig) *TimeoutHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return &TimeoutHandler{
		expirer: expirer,
		config:  cfg,
		logger:  logger.WithPrefix("timeout"),
		now:     time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (h *TimeoutHandler) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("timeout handler already running")
	}
	h.running = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	ticker := time.NewTicker(h.config.CheckInterval)
	defer ticker.Stop()
	h.logger.Debug("timeout handler started", "interval", h.config.CheckInterval, "max_age", h.config.MaxAge)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.CheckOnce()
		}
	}
}

// IsRunning returns true while Run is active.
func (h *TimeoutHandler) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// CheckOnce runs a single sweep and returns how many requests expired.
func (h *TimeoutHandler) CheckOnce() int {
	if h.config.MaxAge <= 0 {
		return 0
	}
	n := h.expirer.ExpireOlderThan(h.now().Add(-h.config.MaxAge))
	if n > 0 {
		h.logger.Info("expired pending requests", "count", n)
	}
	return n
}
