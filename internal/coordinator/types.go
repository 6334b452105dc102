package coordinator

import (
	"time"

	"github.com/google/uuid"
)

// Action is the decision carried by a PermissionResponse.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionDeny        Action = "deny"
	ActionPassthrough Action = "passthrough"
)

// ParseAction maps a wire string to an Action. Unknown values report false.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionApprove, ActionDeny, ActionPassthrough:
		return Action(s), true
	default:
		return "", false
	}
}

// PermissionRequest is a single tool-use prompt received from a hook.
type PermissionRequest struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewPermissionRequest stamps a request with a fresh id and the current time.
func NewPermissionRequest(toolName string, toolInput map[string]any) PermissionRequest {
	if toolInput == nil {
		toolInput = map[string]any{}
	}
	return PermissionRequest{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		ToolInput: toolInput,
		CreatedAt: time.Now(),
	}
}

// Notification is a one-way informational message from a hook.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"notification_type"`
	Message   string    `json:"message"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewNotification stamps a notification with a fresh id and the current time.
func NewNotification(notificationType, message, cwd string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Type:      notificationType,
		Message:   message,
		Cwd:       cwd,
		CreatedAt: time.Now(),
	}
}

// PermissionResponse is the final answer written back to the hook.
type PermissionResponse struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Passthrough builds a response that defers to local prompting.
func Passthrough(reason string) PermissionResponse {
	return PermissionResponse{Action: ActionPassthrough, Reason: reason}
}

// RemoteMessage locates a posted message on the remote channel.
type RemoteMessage struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

// ResponseWriter delivers the final response to the waiting hook and closes
// its connection. Implementations are called at most once.
type ResponseWriter interface {
	WriteResponse(resp PermissionResponse) error
}

// Watch is a background liveness watch on a hook connection.
type Watch interface {
	Stop()
}

// PendingRequest is an unresolved request. Only the Coordinator mutates it
// while it is in the table; after RemovePending the caller owns it.
type PendingRequest struct {
	Request      PermissionRequest
	Remote       *RemoteMessage
	Abandoned    bool
	RegisteredAt time.Time

	writer ResponseWriter
	watch  Watch
}

// Resolve stops the liveness watch and writes resp to the hook connection.
func (p *PendingRequest) Resolve(resp PermissionResponse) error {
	if p.watch != nil {
		p.watch.Stop()
	}
	if p.writer == nil {
		return nil
	}
	return p.writer.WriteResponse(resp)
}

// Snapshot is a read-only copy of a pending entry.
type Snapshot struct {
	Request      PermissionRequest
	Remote       *RemoteMessage
	Abandoned    bool
	RegisteredAt time.Time
}

func (p *PendingRequest) snapshot() Snapshot {
	s := Snapshot{
		Request:      p.Request,
		Abandoned:    p.Abandoned,
		RegisteredAt: p.RegisteredAt,
	}
	if p.Remote != nil {
		remote := *p.Remote
		s.Remote = &remote
	}
	return s
}

// Outcome is how a remotely posted request ended, for updating its display.
type Outcome int

const (
	OutcomeApproved Outcome = iota + 1
	OutcomeDenied
	OutcomeAnsweredLocally
	OutcomeAnsweredElsewhere
	OutcomeExpired
	OutcomeShutdown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeDenied:
		return "denied"
	case OutcomeAnsweredLocally:
		return "answered_locally"
	case OutcomeAnsweredElsewhere:
		return "answered_elsewhere"
	case OutcomeExpired:
		return "expired"
	case OutcomeShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
