package idle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Probe returns how long the user has been without input.
type Probe func(ctx context.Context) (time.Duration, error)

// Poller samples a Probe on a fixed interval and compares the result
// against a threshold. Failed probes are logged and leave the state as is.
type Poller struct {
	state

	name      string
	probe     Probe
	check     func(ctx context.Context) error
	threshold time.Duration
	interval  time.Duration

	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
	failures  int
}

// NewPoller builds a polling Source. check, if non-nil, runs at Start and
// must succeed for the backend to be usable.
func NewPoller(name string, probe Probe, check func(ctx context.Context) error, threshold, interval time.Duration, onChange ChangeFunc, logger *log.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Poller{
		state:     newState(onChange, logger.WithPrefix("idle."+name)),
		name:      name,
		probe:     probe,
		check:     check,
		threshold: threshold,
		interval:  interval,
		doneCh:    closedChan(),
	}
	return p
}

func (p *Poller) Name() string { return p.name }

func (p *Poller) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.Running() {
		return nil
	}
	if p.check != nil {
		if err := p.check(ctx); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.failures = 0
	p.setRunning(true)
	go p.loop(p.stopCh, p.doneCh)

	p.logger.Info("idle detection started", "threshold", p.threshold, "interval", p.interval)
	return nil
}

func (p *Poller) Run(ctx context.Context) error {
	return runUntilStopped(ctx, p, p.done)
}

func (p *Poller) done() <-chan struct{} {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.doneCh
}

func (p *Poller) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if !p.Running() {
		return nil
	}
	close(p.stopCh)
	<-p.doneCh
	p.setRunning(false)
	p.logger.Info("idle detection stopped")
	return nil
}

func (p *Poller) Restart(ctx context.Context) error {
	return restart(ctx, p, &p.state)
}

func (p *Poller) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sample(stopCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.sample(stopCh)
		}
	}
}

func (p *Poller) sample(stopCh <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	idleFor, err := p.probe(ctx)
	if err != nil {
		p.failures++
		// First failure and then every 60th, so a broken probe does not
		// flood the log.
		if p.failures == 1 || p.failures%60 == 0 {
			p.logger.Warn("idle probe failed", "err", err, "consecutive", p.failures)
		}
		return
	}
	if p.failures > 0 {
		p.logger.Info("idle probe recovered", "after_failures", p.failures)
		p.failures = 0
	}
	p.transition(idleFor >= p.threshold)
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
