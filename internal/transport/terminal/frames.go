package terminal

import (
	"time"

	"github.com/AltairaLabs/sessionbridge/internal/session"
)

// Client frame types
const (
	FrameStart   = "start"
	FrameInput   = "input"
	FrameResize  = "resize"
	FrameClose   = "close"
	FrameRestart = "restart"
	FramePing    = "ping"
)

// Server frame types
const (
	FrameSessionStarted = "session_started"
	FrameOutput         = "output"
	FrameInputEcho      = "input_echo"
	FrameTerminated     = "terminated"
	FrameError          = "error"
	FramePong           = "pong"
)

// ClientFrame is a message from the browser terminal
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Profile   string `json:"profile,omitempty"`
	Data      string `json:"data,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
}

// ServerFrame is a message to the browser terminal
type ServerFrame struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Profile   string    `json:"profile,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	Data      string    `json:"data,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

var eventFrameTypes = map[string]string{
	session.EventStarted:    FrameSessionStarted,
	session.EventOutput:     FrameOutput,
	session.EventInputEcho:  FrameInputEcho,
	session.EventTerminated: FrameTerminated,
	session.EventError:      FrameError,
}

// frameFromEvent converts a registry event to its wire frame
func frameFromEvent(ev session.Event) ServerFrame {
	typ, ok := eventFrameTypes[ev.Name]
	if !ok {
		typ = ev.Name
	}
	return ServerFrame{
		Type:      typ,
		SessionID: ev.SessionID,
		Profile:   ev.Profile,
		PID:       ev.PID,
		Stream:    ev.Stream,
		Data:      ev.Data,
		Reason:    ev.Reason,
		ExitCode:  ev.ExitCode,
		Message:   ev.Message,
		Time:      ev.Time,
	}
}
