package daemon

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/permd/internal/coordinator"
)

// Passthrough reasons reported to the hook.
const (
	ReasonUserActive   = "User active locally"
	ReasonNoRemote     = "No remote channel configured"
	ReasonTimedOut     = "Request timed out"
	ReasonShuttingDown = "Daemon shutting down"
	ReasonDuplicate    = "Duplicate request"
)

// defaultUpdateTimeout bounds a single remote display update.
const defaultUpdateTimeout = 10 * time.Second

// RemoteChannel is where requests are posted while the user is away.
type RemoteChannel interface {
	Name() string
	// Available reports whether posts can currently be attempted.
	Available() bool
	PostRequest(ctx context.Context, req coordinator.PermissionRequest) (coordinator.RemoteMessage, error)
	UpdateRequest(ctx context.Context, msg coordinator.RemoteMessage, req coordinator.PermissionRequest, outcome coordinator.Outcome, actor string) error
	PostNotification(ctx context.Context, n coordinator.Notification) error
}

// Watchable is implemented by response writers that can detect a departed hook.
type Watchable interface {
	Watch(onDisconnect func()) coordinator.Watch
}

// NotificationPolicy decides which notifications are forwarded.
type NotificationPolicy struct {
	Enabled bool
	Ignored func(notificationType string) bool
}

// Dispatcher applies the resolution policy. Every path that answers a hook
// first claims the entry with RemovePending; losing that race means another
// path already answered and the caller does nothing more.
type Dispatcher struct {
	coord         *coordinator.Coordinator
	remote        RemoteChannel
	notify        NotificationPolicy
	logger        *log.Logger
	updateTimeout time.Duration

	approved    atomic.Int64
	denied      atomic.Int64
	passthrough atomic.Int64
}

// NewDispatcher wires the coordinator to an optional remote channel. A nil
// remote means every request passes through to the local prompt.
func NewDispatcher(coord *coordinator.Coordinator, remote RemoteChannel, notify NotificationPolicy, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		coord:         coord,
		remote:        remote,
		notify:        notify,
		logger:        logger.WithPrefix("dispatch"),
		updateTimeout: defaultUpdateTimeout,
	}
}

// Counts returns resolution tallies since start.
func (d *Dispatcher) Counts() Counts {
	return Counts{
		Approved:    d.approved.Load(),
		Denied:      d.denied.Load(),
		Passthrough: d.passthrough.Load(),
	}
}

// HandleRequest registers a hook request and, when the user is idle, posts
// it to the remote channel. It returns once the request is either answered
// or waiting on a remote decision; it never blocks for the decision.
func (d *Dispatcher) HandleRequest(ctx context.Context, req coordinator.PermissionRequest, w coordinator.ResponseWriter) {
	logger := d.logger.With("request_id", req.ID, "tool", req.ToolName)

	_, idle, err := d.coord.Admit(req, w)
	if err != nil {
		logger.Error("register request", "err", err)
		d.write(w, coordinator.Passthrough(ReasonDuplicate))
		return
	}
	if !idle {
		logger.Info("user active, passing through")
		d.write(w, coordinator.Passthrough(ReasonUserActive))
		return
	}
	if d.remote == nil {
		logger.Info("no remote channel, passing through")
		d.resolve(req.ID, coordinator.Passthrough(ReasonNoRemote))
		return
	}
	name := d.remote.Name()
	if !d.remote.Available() {
		logger.Warn("remote channel unavailable, passing through", "remote", name)
		d.resolve(req.ID, coordinator.Passthrough(name+" not available"))
		return
	}

	msg, err := d.remote.PostRequest(ctx, req)
	if err != nil {
		logger.Error("post request", "remote", name, "err", err)
		d.resolve(req.ID, coordinator.Passthrough("Failed to post to "+name))
		return
	}

	if !d.coord.AttachRemoteInfo(req.ID, msg) {
		// Answered while the post was in flight; take the buttons down.
		outcome := coordinator.OutcomeAnsweredLocally
		if ctx.Err() != nil {
			outcome = coordinator.OutcomeShutdown
		}
		logger.Info("request resolved before post completed", "outcome", outcome)
		d.updateRemote(msg, req, outcome, "")
		return
	}

	if wt, ok := w.(Watchable); ok {
		watch := wt.Watch(func() { d.handleDisconnect(req.ID) })
		if !d.coord.AttachLivenessWatch(req.ID, watch) {
			watch.Stop()
		}
	}
	logger.Info("posted, awaiting remote decision", "remote", name, "ts", msg.Timestamp)
}

// HandleRemoteAction resolves a request from an approve or deny on the
// remote channel. Actions for unknown or already answered requests are
// ignored.
func (d *Dispatcher) HandleRemoteAction(requestID string, action coordinator.Action, actor string) {
	logger := d.logger.With("request_id", requestID, "action", action, "actor", actor)

	var outcome coordinator.Outcome
	var verb string
	switch action {
	case coordinator.ActionApprove:
		outcome, verb = coordinator.OutcomeApproved, "Approved"
	case coordinator.ActionDeny:
		outcome, verb = coordinator.OutcomeDenied, "Denied"
	default:
		logger.Warn("ignoring unsupported remote action")
		return
	}

	p := d.coord.RemovePending(requestID)
	if p == nil {
		logger.Info("remote action for unknown or resolved request")
		return
	}

	resp := coordinator.PermissionResponse{Action: action, Reason: fmt.Sprintf("%s via %s", verb, d.remoteName())}
	d.deliver(p, resp)
	logger.Info("resolved by remote action")

	if p.Remote != nil {
		d.updateRemote(*p.Remote, p.Request, outcome, actor)
	}
}

// OnIdleChange is the coordinator observer. Returning to the keyboard hands
// every pending request back to the local prompt.
func (d *Dispatcher) OnIdleChange(idle bool) {
	if idle {
		d.logger.Debug("user idle, remote routing enabled")
		return
	}
	pending := d.coord.GetAllPending()
	if len(pending) == 0 {
		return
	}
	d.logger.Info("user active, returning pending requests", "count", len(pending))
	for _, snap := range pending {
		p := d.coord.RemovePending(snap.Request.ID)
		if p == nil {
			continue
		}
		d.deliver(p, coordinator.Passthrough(ReasonUserActive))
		if p.Remote != nil && !p.Abandoned {
			d.updateRemote(*p.Remote, p.Request, coordinator.OutcomeAnsweredLocally, "")
		}
	}
}

// ExpireOlderThan answers every request registered at or before cutoff with
// a passthrough and returns how many it expired.
func (d *Dispatcher) ExpireOlderThan(cutoff time.Time) int {
	expired := 0
	for _, snap := range d.coord.GetAllPending() {
		if snap.RegisteredAt.After(cutoff) {
			continue
		}
		p := d.coord.RemovePending(snap.Request.ID)
		if p == nil {
			continue
		}
		expired++
		d.logger.Info("request expired", "request_id", p.Request.ID, "age", time.Since(p.RegisteredAt).Round(time.Second))
		d.deliver(p, coordinator.Passthrough(ReasonTimedOut))
		if p.Remote != nil && !p.Abandoned {
			d.updateRemote(*p.Remote, p.Request, coordinator.OutcomeExpired, "")
		}
	}
	return expired
}

// Drain answers every pending request with a shutdown passthrough, then
// marks their remote displays until ctx expires. It returns how many
// requests were drained.
func (d *Dispatcher) Drain(ctx context.Context) int {
	drained := d.coord.ClearAll()
	for _, p := range drained {
		d.deliver(p, coordinator.Passthrough(ReasonShuttingDown))
	}
	for _, p := range drained {
		if p.Remote == nil || p.Abandoned {
			continue
		}
		if ctx.Err() != nil {
			d.logger.Warn("shutdown budget spent, leaving remote messages as posted")
			break
		}
		d.updateRemoteCtx(ctx, *p.Remote, p.Request, coordinator.OutcomeShutdown, "")
	}
	if len(drained) > 0 {
		d.logger.Info("drained pending requests", "count", len(drained))
	}
	return len(drained)
}

// HandleNotification forwards a hook notification when the user is away.
func (d *Dispatcher) HandleNotification(ctx context.Context, n coordinator.Notification) {
	logger := d.logger.With("notification_type", n.Type)
	switch {
	case !d.notify.Enabled:
		logger.Debug("notifications disabled, dropping")
		return
	case d.notify.Ignored != nil && d.notify.Ignored(n.Type):
		logger.Debug("ignored notification type")
		return
	case !d.coord.Idle():
		logger.Debug("user active, not forwarding notification")
		return
	case d.remote == nil || !d.remote.Available():
		logger.Debug("no remote channel available for notification")
		return
	}
	if err := d.remote.PostNotification(ctx, n); err != nil {
		logger.Error("post notification", "err", err)
		return
	}
	logger.Info("notification forwarded")
}

// handleDisconnect marks a request whose hook went away. The entry stays so
// that a remote decision already in flight, the user's return, expiry, or
// shutdown still resolves it.
func (d *Dispatcher) handleDisconnect(requestID string) {
	snap, ok := d.coord.MarkAbandoned(requestID)
	if !ok {
		return
	}
	d.logger.Info("hook disconnected before a decision", "request_id", requestID)
	if snap.Remote != nil {
		d.updateRemote(*snap.Remote, snap.Request, coordinator.OutcomeAnsweredElsewhere, "")
	}
}

func (d *Dispatcher) resolve(id string, resp coordinator.PermissionResponse) {
	if p := d.coord.RemovePending(id); p != nil {
		d.deliver(p, resp)
	}
}

func (d *Dispatcher) deliver(p *coordinator.PendingRequest, resp coordinator.PermissionResponse) {
	d.count(resp.Action)
	if err := p.Resolve(resp); err != nil {
		d.logger.Warn("deliver response", "request_id", p.Request.ID, "err", err)
	}
}

func (d *Dispatcher) write(w coordinator.ResponseWriter, resp coordinator.PermissionResponse) {
	d.count(resp.Action)
	if err := w.WriteResponse(resp); err != nil {
		d.logger.Warn("write response", "err", err)
	}
}

func (d *Dispatcher) count(a coordinator.Action) {
	switch a {
	case coordinator.ActionApprove:
		d.approved.Add(1)
	case coordinator.ActionDeny:
		d.denied.Add(1)
	default:
		d.passthrough.Add(1)
	}
}

func (d *Dispatcher) remoteName() string {
	if d.remote == nil {
		return "remote"
	}
	return d.remote.Name()
}

func (d *Dispatcher) updateRemote(msg coordinator.RemoteMessage, req coordinator.PermissionRequest, outcome coordinator.Outcome, actor string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.updateTimeout)
	defer cancel()
	d.updateRemoteCtx(ctx, msg, req, outcome, actor)
}

func (d *Dispatcher) updateRemoteCtx(ctx context.Context, msg coordinator.RemoteMessage, req coordinator.PermissionRequest, outcome coordinator.Outcome, actor string) {
	if d.remote == nil {
		return
	}
	if err := d.remote.UpdateRequest(ctx, msg, req, outcome, actor); err != nil {
		d.logger.Warn("update remote message", "request_id", req.ID, "outcome", outcome, "err", err)
	}
}
