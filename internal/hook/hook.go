// Package hook implements the short-lived client Claude Code runs for every
// permission prompt and notification. It forwards the payload to the daemon
// and maps the decision to Claude Code's hook output. Every failure degrades
// to printing nothing, which leaves the prompt to the local UI.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/permd/internal/coordinator"
	"github.com/Dicklesworthstone/permd/internal/daemon"
)

// EventPermissionRequest is the hook event this client answers.
const EventPermissionRequest = "PermissionRequest"

const (
	maxPayloadSize = 1 << 20
	// expirySlack lets the daemon's own expiry answer before the hook gives up.
	expirySlack = 5 * time.Second
)

var (
	// ErrInteractive is returned when stdin is a terminal.
	ErrInteractive = errors.New("hook reads a JSON payload on stdin and is meant to be run by Claude Code")
	// ErrEmptyPayload is returned when stdin carried nothing.
	ErrEmptyPayload = errors.New("empty hook payload")
)

// Options configures Run.
type Options struct {
	SocketPath string
	// RequestTimeout is the daemon's request_timeout; the hook waits this
	// long plus a few seconds. Zero waits until ctx ends.
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	Logger         *log.Logger
}

// Decision is the permission verdict inside hook output.
type Decision struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// SpecificOutput is the hookSpecificOutput object.
type SpecificOutput struct {
	HookEventName string   `json:"hookEventName"`
	Decision      Decision `json:"decision"`
}

// Output is what the hook prints for an explicit decision.
type Output struct {
	HookSpecificOutput SpecificOutput `json:"hookSpecificOutput"`
}

// Result reports what Run did.
type Result struct {
	Kind     daemon.MessageKind
	Response coordinator.PermissionResponse
	// Output is nil when nothing was printed.
	Output *Output
}

// OutputFor maps a daemon decision to hook output. Passthrough and unknown
// actions map to nil.
func OutputFor(resp coordinator.PermissionResponse) *Output {
	var d Decision
	switch resp.Action {
	case coordinator.ActionApprove:
		d = Decision{Behavior: "allow"}
	case coordinator.ActionDeny:
		d = Decision{Behavior: "deny", Message: resp.Reason}
	default:
		return nil
	}
	return &Output{HookSpecificOutput: SpecificOutput{HookEventName: EventPermissionRequest, Decision: d}}
}

// Run reads one payload from stdin, forwards it, and writes any decision to
// stdout. The returned error is for logging only; callers exit 0 regardless.
func Run(ctx context.Context, stdin io.Reader, stdout io.Writer, opts Options) (Result, error) {
	res := Result{Response: coordinator.Passthrough("")}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	logger := opts.Logger.WithPrefix("hook")

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return res, ErrInteractive
	}

	payload, err := io.ReadAll(io.LimitReader(stdin, maxPayloadSize+1))
	if err != nil {
		return res, fmt.Errorf("read stdin: %w", err)
	}
	if len(payload) > maxPayloadSize {
		return res, fmt.Errorf("payload exceeds %d bytes", maxPayloadSize)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return res, ErrEmptyPayload
	}

	client := daemon.NewClient(
		daemon.WithSocketPath(opts.SocketPath),
		daemon.WithDialTimeout(opts.DialTimeout),
		daemon.WithLogger(logger),
	)

	if msg, err := daemon.DecodeMessage(payload); err == nil && msg.Kind == daemon.KindNotification {
		res.Kind = daemon.KindNotification
		if err := client.Notify(ctx, payload); err != nil {
			return res, err
		}
		logger.Debug("notification forwarded", "type", msg.Notification.Type)
		return res, nil
	}
	res.Kind = daemon.KindPermission

	if opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RequestTimeout+expirySlack)
		defer cancel()
	}

	line, err := client.Send(ctx, payload)
	if err != nil {
		return res, err
	}
	reply, err := daemon.DecodeReply(line)
	if err != nil {
		return res, err
	}
	if reply.Error != "" {
		return res, fmt.Errorf("daemon rejected payload: %s", reply.Error)
	}
	res.Response = reply.PermissionResponse
	logger.Debug("decision received", "action", reply.Action, "reason", reply.Reason)

	out := OutputFor(reply.PermissionResponse)
	if out == nil {
		return res, nil
	}
	if err := json.NewEncoder(stdout).Encode(out); err != nil {
		return res, fmt.Errorf("write hook output: %w", err)
	}
	res.Output = out
	return res, nil
}
