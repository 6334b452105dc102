// Package slack relays permission requests to a Slack channel over Socket
// Mode and turns button clicks back into approve/deny actions.
package slack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"

	"github.com/Dicklesworthstone/permd/internal/coordinator"
)

// ErrNotStarted is returned by API calls made before Start succeeded.
var ErrNotStarted = errors.New("slack handler not started")

// ActionFunc receives an approve or deny click for a request id. user is
// the display name of whoever clicked.
type ActionFunc func(requestID string, action coordinator.Action, user string)

// Options configures a Handler.
type Options struct {
	BotToken string
	AppToken string
	Channel  string
	Debug    bool
	// APIURL overrides the Web API endpoint; tests point it at a local server.
	APIURL   string
}

// Handler owns the Web API client and the Socket Mode connection.
type Handler struct {
	api      *slack.Client
	socket   *socketmode.Client
	channel  string
	limiter  *rate.Limiter
	onAction ActionFunc
	logger   *log.Logger

	mu        sync.Mutex
	started   bool
	connected bool
	cancel    context.CancelFunc
	doneCh    chan struct{}

	retryMin time.Duration
	retryMax time.Duration
}

// New builds a Handler. Nothing touches the network until Start.
func New(opts Options, onAction ActionFunc, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	if onAction == nil {
		onAction = func(string, coordinator.Action, string) {}
	}
	clientOpts := []slack.Option{
		slack.OptionAppLevelToken(opts.AppToken),
		slack.OptionDebug(opts.Debug),
	}
	if opts.APIURL != "" {
		clientOpts = append(clientOpts, slack.OptionAPIURL(opts.APIURL))
	}
	api := slack.New(opts.BotToken, clientOpts...)
	return &Handler{
		api:      api,
		socket:   socketmode.New(api, socketmode.OptionDebug(opts.Debug)),
		channel:  opts.Channel,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 4),
		onAction: onAction,
		logger:   logger.WithPrefix("slack"),
		retryMin: 2 * time.Second,
		retryMax: time.Minute,
	}
}

// Name is used in response reasons ("Approved via Slack").
func (h *Handler) Name() string { return "Slack" }

// Available reports whether Start succeeded and the handler is not stopped.
func (h *Handler) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// Connected reports whether the Socket Mode connection is currently up.
func (h *Handler) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Start verifies the bot token and opens the Socket Mode connection in the
// background. If the first auth check fails, Start returns the error and
// keeps retrying in the background with a capped backoff until it succeeds
// or the handler is stopped. Reconnects after that are handled by the
// socketmode client.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started || h.cancel != nil {
		h.mu.Unlock()
		h.logger.Warn("slack handler already running")
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	h.cancel = cancel
	h.doneCh = done
	h.mu.Unlock()

	auth, err := h.authenticate(runCtx)
	if err != nil {
		go h.retryConnect(runCtx, done)
		return fmt.Errorf("slack auth (retrying in background): %w", err)
	}
	h.connect(runCtx, auth, done)
	return nil
}

func (h *Handler) authenticate(ctx context.Context) (*slack.AuthTestResponse, error) {
	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return h.api.AuthTestContext(authCtx)
}

// retryConnect repeats the auth check until it succeeds or ctx ends. done is
// closed here if the handler never connected.
func (h *Handler) retryConnect(ctx context.Context, done chan struct{}) {
	delay := h.retryMin
	for {
		select {
		case <-ctx.Done():
			close(done)
			return
		case <-time.After(delay):
		}
		auth, err := h.authenticate(ctx)
		if err == nil {
			h.connect(ctx, auth, done)
			return
		}
		if ctx.Err() != nil {
			close(done)
			return
		}
		delay = min(delay*2, h.retryMax)
		h.logger.Warn("slack auth failed", "err", err, "retry_in", delay)
	}
}

// connect marks the handler available and runs the Socket Mode loops until
// ctx ends, then closes done.
func (h *Handler) connect(ctx context.Context, auth *slack.AuthTestResponse, done chan struct{}) {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := h.socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("socket mode stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		h.listen(ctx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	h.logger.Info("slack connected", "team", auth.Team, "bot", auth.User, "channel", h.channel)
}

// Done is closed once the background loops have exited after Stop.
func (h *Handler) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doneCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.doneCh
}

// StopReceiving closes the Socket Mode connection so no further actions
// arrive. The Web API stays usable for final message updates.
func (h *Handler) StopReceiving(timeout time.Duration) {
	h.mu.Lock()
	cancel, done := h.cancel, h.doneCh
	h.cancel = nil
	h.connected = false
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		h.logger.Warn("slack socket close timed out", "timeout", timeout)
	}
}

// Stop closes the connection and marks the handler unavailable.
func (h *Handler) Stop() error {
	h.StopReceiving(5 * time.Second)
	h.mu.Lock()
	wasStarted := h.started
	h.started = false
	h.mu.Unlock()
	if wasStarted {
		h.logger.Info("slack disconnected")
	}
	return nil
}

func (h *Handler) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-h.socket.Events:
			if !ok {
				return
			}
			h.handleEvent(evt)
		}
	}
}

func (h *Handler) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		h.logger.Debug("socket mode connecting")
	case socketmode.EventTypeConnected:
		h.setConnected(true)
		h.logger.Info("socket mode connected")
	case socketmode.EventTypeConnectionError:
		h.setConnected(false)
		h.logger.Warn("socket mode connection error", "data", evt.Data)
	case socketmode.EventTypeDisconnect:
		h.setConnected(false)
		h.logger.Warn("socket mode disconnected")
	case socketmode.EventTypeInvalidAuth:
		h.setConnected(false)
		h.logger.Error("socket mode rejected the app token")
	case socketmode.EventTypeInteractive:
		if evt.Request != nil {
			h.socket.Ack(*evt.Request)
		}
		cb, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			h.logger.Warn("unexpected interactive payload", "type", fmt.Sprintf("%T", evt.Data))
			return
		}
		h.handleInteraction(cb)
	default:
		h.logger.Debug("ignored socket mode event", "type", evt.Type)
	}
}

func (h *Handler) setConnected(v bool) {
	h.mu.Lock()
	h.connected = v
	h.mu.Unlock()
}

// handleInteraction dispatches approve/deny button clicks. Each action runs
// on its own goroutine so a slow resolution never stalls the event loop.
func (h *Handler) handleInteraction(cb slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}
	user := cb.User.Name
	if user == "" {
		user = cb.User.ID
	}
	for _, a := range cb.ActionCallback.BlockActions {
		if a == nil {
			continue
		}
		switch a.ActionID {
		case ActionIDApprove:
			h.logger.Info("approve clicked", "request_id", a.Value, "user", user)
			go h.onAction(a.Value, coordinator.ActionApprove, user)
		case ActionIDDeny:
			h.logger.Info("deny clicked", "request_id", a.Value, "user", user)
			go h.onAction(a.Value, coordinator.ActionDeny, user)
		default:
			h.logger.Debug("ignored block action", "action_id", a.ActionID)
		}
	}
}

// PostRequest posts the request with its buttons and returns where it went.
func (h *Handler) PostRequest(ctx context.Context, req coordinator.PermissionRequest) (coordinator.RemoteMessage, error) {
	if !h.Available() {
		return coordinator.RemoteMessage{}, ErrNotStarted
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return coordinator.RemoteMessage{}, err
	}
	channel, ts, err := h.api.PostMessageContext(ctx, h.channel,
		slack.MsgOptionText(fmt.Sprintf("Permission request: %s", req.ToolName), false),
		slack.MsgOptionBlocks(RequestBlocks(req)...),
	)
	if err != nil {
		return coordinator.RemoteMessage{}, fmt.Errorf("post permission request: %w", err)
	}
	h.logger.Info("posted permission request", "request_id", req.ID, "channel", channel, "ts", ts)
	return coordinator.RemoteMessage{Channel: channel, Timestamp: ts}, nil
}

// UpdateRequest replaces the posted message with its final state.
func (h *Handler) UpdateRequest(ctx context.Context, msg coordinator.RemoteMessage, req coordinator.PermissionRequest, outcome coordinator.Outcome, actor string) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, _, err := h.api.UpdateMessageContext(ctx, msg.Channel, msg.Timestamp,
		slack.MsgOptionText(ResolvedFallback(req, outcome), false),
		slack.MsgOptionBlocks(ResolvedBlocks(req, outcome, actor)...),
	)
	if err != nil {
		return fmt.Errorf("update message (%s): %w", outcome, err)
	}
	h.logger.Debug("updated permission message", "request_id", req.ID, "outcome", outcome)
	return nil
}

// PostNotification posts an informational message.
func (h *Handler) PostNotification(ctx context.Context, n coordinator.Notification) error {
	if !h.Available() {
		return ErrNotStarted
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	_, _, err := h.api.PostMessageContext(ctx, h.channel,
		slack.MsgOptionText(fmt.Sprintf("Notification: %s", n.Type), false),
		slack.MsgOptionBlocks(NotificationBlocks(n)...),
	)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	h.logger.Info("posted notification", "notification_id", n.ID, "type", n.Type)
	return nil
}
