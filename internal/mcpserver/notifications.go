package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/sessionbridge/internal/session"
)

// notifier is the mcp-go surface used to push notifications
type notifier interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// notificationSink delivers session events to one MCP client
type notificationSink struct {
	server   notifier
	clientID string
}

var _ notifier = (*server.MCPServer)(nil)

// Send implements delivery.Sink
func (n *notificationSink) Send(_ context.Context, ev session.Event) error {
	return n.server.SendNotificationToSpecificClient(n.clientID, NotificationPrefix+ev.Name, eventParams(ev))
}

// eventParams flattens an event into notification params
func eventParams(ev session.Event) map[string]any {
	params := map[string]any{
		"session_id": ev.SessionID,
		"time":       ev.Time.Format(time.RFC3339Nano),
	}
	if ev.Profile != "" {
		params["profile"] = ev.Profile
	}
	if ev.PID != 0 {
		params["pid"] = ev.PID
	}
	if ev.Stream != "" {
		params["stream"] = ev.Stream
	}
	if ev.Data != "" {
		params["data"] = ev.Data
	}
	if ev.Reason != "" {
		params["reason"] = ev.Reason
	}
	if ev.ExitCode != nil {
		params["exit_code"] = *ev.ExitCode
	}
	if ev.Message != "" {
		params["message"] = ev.Message
	}
	return params
}
