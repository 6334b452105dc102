package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/permd/internal/coordinator"
)

// MessageKind tags a decoded hook payload.
type MessageKind int

const (
	KindPermission MessageKind = iota + 1
	KindNotification
	KindStatus
)

func (k MessageKind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindNotification:
		return "notification"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// QueryStatus is the only supported value of the "query" field.
const QueryStatus = "status"

// Message is one decoded payload. Exactly one of Request, Notification or
// Query is meaningful, selected by Kind.
type Message struct {
	Kind         MessageKind
	Request      coordinator.PermissionRequest
	Notification coordinator.Notification
	Query        string
}

// ProtocolError is reported back to the hook as {"error": ...}.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// ErrorResponse is the wire shape for malformed payloads.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse answers a {"query": "status"} payload.
type StatusResponse struct {
	Idle            bool      `json:"idle" yaml:"idle"`
	IdleSince       time.Time `json:"idle_since" yaml:"idle_since"`
	Pending         int       `json:"pending" yaml:"pending"`
	UptimeSeconds   int64     `json:"uptime_seconds" yaml:"uptime_seconds"`
	IdleBackend     string    `json:"idle_backend" yaml:"idle_backend"`
	Remote          string    `json:"remote" yaml:"remote"`
	RemoteAvailable bool      `json:"remote_available" yaml:"remote_available"`
	RemoteConnected bool      `json:"remote_connected" yaml:"remote_connected"`
	Resolved        Counts    `json:"resolved" yaml:"resolved"`
	PID             int       `json:"pid" yaml:"pid"`
	Version         string    `json:"version" yaml:"version"`
}

// Counts tallies resolutions by action since the daemon started.
type Counts struct {
	Approved    int64 `json:"approved" yaml:"approved"`
	Denied      int64 `json:"denied" yaml:"denied"`
	Passthrough int64 `json:"passthrough" yaml:"passthrough"`
}

type wireMessage struct {
	HookEventName    string          `json:"hook_event_name"`
	NotificationType *string         `json:"notification_type"`
	Message          string          `json:"message"`
	Cwd              string          `json:"cwd"`
	Query            string          `json:"query"`
	ToolName         *string         `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
}

// DecodeMessage classifies one payload line. A notification marker wins over
// a query, which wins over a tool name.
func DecodeMessage(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		if err := json.Unmarshal(line, new(any)); err != nil {
			return Message{}, &ProtocolError{Message: fmt.Sprintf("Invalid JSON: %v", err)}
		}
		return Message{}, &ProtocolError{Message: "Invalid JSON: expected an object"}
	}

	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, &ProtocolError{Message: fmt.Sprintf("Invalid JSON: %v", err)}
	}

	if w.HookEventName == "Notification" || w.NotificationType != nil {
		ntype := ""
		if w.NotificationType != nil {
			ntype = *w.NotificationType
		}
		return Message{
			Kind:         KindNotification,
			Notification: coordinator.NewNotification(ntype, w.Message, w.Cwd),
		}, nil
	}

	if w.Query != "" {
		if w.Query != QueryStatus {
			return Message{}, &ProtocolError{Message: fmt.Sprintf("Unknown query: %s", w.Query)}
		}
		return Message{Kind: KindStatus, Query: w.Query}, nil
	}

	if w.ToolName == nil || *w.ToolName == "" {
		return Message{}, &ProtocolError{Message: "Missing required field: tool_name"}
	}

	input := map[string]any{}
	if len(w.ToolInput) > 0 && !bytes.Equal(w.ToolInput, []byte("null")) {
		if err := json.Unmarshal(w.ToolInput, &input); err != nil {
			return Message{}, &ProtocolError{Message: "Invalid field: tool_input must be an object"}
		}
	}
	return Message{
		Kind:    KindPermission,
		Request: coordinator.NewPermissionRequest(*w.ToolName, input),
	}, nil
}

// encodeLine marshals v followed by a newline.
func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
