// Package coordinator owns idle/active state and the table of unresolved
// permission requests. RemovePending is the only way to claim a request for
// resolution, so every request is answered exactly once no matter how many
// event sources race for it.
package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ErrDuplicateRequest is returned when a request id is already registered.
var ErrDuplicateRequest = errors.New("request already pending")

// Observer is called after every idle/active transition.
type Observer func(idle bool)

// Coordinator is the single owner of DaemonState.
type Coordinator struct {
	mu             sync.Mutex
	idle           bool
	lastTransition time.Time
	pending        map[string]*PendingRequest
	observers      []Observer

	// notifyMu serializes transitions with their observer calls so observers
	// see transitions in call order. It is never held together with mu
	// while observers run.
	notifyMu sync.Mutex

	logger *log.Logger
	now    func() time.Time
}

// New returns a Coordinator in the active state with an empty table.
func New(logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		lastTransition: time.Now(),
		pending:        make(map[string]*PendingRequest),
		logger:         logger.WithPrefix("coordinator"),
		now:            time.Now,
	}
}

// Idle reports the current idle flag.
func (c *Coordinator) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// IdleSince reports the idle flag and when it last changed.
func (c *Coordinator) IdleSince() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle, c.lastTransition
}

// SetIdle records a transition and notifies observers. Repeating the current
// value is a no-op. It reports whether the state changed.
//
// Observers must not call SetIdle synchronously.
func (c *Coordinator) SetIdle(idle bool) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.idle == idle {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	held := now.Sub(c.lastTransition)
	c.idle = idle
	c.lastTransition = now
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	if idle {
		c.logger.Info("user idle", "active_for", held.Round(time.Second))
	} else {
		c.logger.Info("user active", "idle_for", held.Round(time.Second))
	}

	for i, fn := range observers {
		c.notify(i, fn, idle)
	}
	return true
}

func (c *Coordinator) notify(index int, fn Observer, idle bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("idle observer failed", "observer", index, "panic", r)
		}
	}()
	fn(idle)
}

// RegisterIdleObserver appends fn to the observer list.
func (c *Coordinator) RegisterIdleObserver(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// AddPending registers req with the writer that will receive its response.
func (c *Coordinator) AddPending(req PermissionRequest, w ResponseWriter) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.addLocked(req, w)
	if err != nil {
		return Snapshot{}, err
	}
	return p.snapshot(), nil
}

// Admit registers req only if the user is idle, checking and inserting under
// one lock so the request cannot slip past an active transition. It reports
// the idle flag it observed; nothing is inserted when that flag is false.
func (c *Coordinator) Admit(req PermissionRequest, w ResponseWriter) (Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.idle {
		return Snapshot{}, false, nil
	}
	p, err := c.addLocked(req, w)
	if err != nil {
		return Snapshot{}, true, err
	}
	return p.snapshot(), true, nil
}

func (c *Coordinator) addLocked(req PermissionRequest, w ResponseWriter) (*PendingRequest, error) {
	if _, exists := c.pending[req.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	p := &PendingRequest{
		Request:      req,
		RegisteredAt: c.now(),
		writer:       w,
	}
	c.pending[req.ID] = p
	return p, nil
}

// GetPending returns a copy of the entry for id.
func (c *Coordinator) GetPending(id string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return Snapshot{}, false
	}
	return p.snapshot(), true
}

// RemovePending removes and returns the entry for id, or nil if it was
// already resolved or never existed. Only a caller that receives a non-nil
// entry may resolve it.
func (c *Coordinator) RemovePending(id string) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

// GetAllPending returns copies of every entry, oldest first.
func (c *Coordinator) GetAllPending() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.snapshot())
	}
	sortSnapshots(out)
	return out
}

// PendingCount returns the number of unresolved requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// AttachRemoteInfo records where the request was posted. It reports false
// when the entry is already gone.
func (c *Coordinator) AttachRemoteInfo(id string, msg RemoteMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	p.Remote = &msg
	return true
}

// AttachLivenessWatch stores the watch for id. It reports false when the
// entry is already gone; the caller then owns the watch and must stop it.
func (c *Coordinator) AttachLivenessWatch(id string, w Watch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	if p.watch != nil {
		p.watch.Stop()
	}
	p.watch = w
	return true
}

// MarkAbandoned flags the entry as having lost its local caller. It returns
// the updated copy and true only on the first call for a live entry.
func (c *Coordinator) MarkAbandoned(id string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok || p.Abandoned {
		return Snapshot{}, false
	}
	p.Abandoned = true
	return p.snapshot(), true
}

// ClearAll empties the table and returns every entry it held, oldest first.
func (c *Coordinator) ClearAll() []*PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	c.pending = make(map[string]*PendingRequest)
	sortPending(out)
	return out
}
