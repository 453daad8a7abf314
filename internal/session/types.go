package session

import (
	"errors"
	"time"

	"github.com/AltairaLabs/sessionbridge/internal/supervisor"
)

// Errors returned by the registry
var (
	// ErrQuotaExceeded is returned when an owner is at their concurrent session cap
	ErrQuotaExceeded = errors.New("session quota exceeded")
	// ErrNotFound is returned for unknown or already removed sessions
	ErrNotFound = errors.New("session not found")
	// ErrForbidden is returned when the caller may not create or access a session
	ErrForbidden = errors.New("forbidden")
	// ErrSessionClosed is returned for operations on a session that is shutting down
	ErrSessionClosed = errors.New("session is closed")
)

// State represents the lifecycle state of a session
type State string

const (
	// StateStarting indicates the process is launching or handshaking
	StateStarting State = "starting"
	// StateActive indicates the session is live and recently used
	StateActive State = "active"
	// StateIdle indicates the session is live but has been quiet
	StateIdle State = "idle"
	// StateTerminating indicates teardown is in progress
	StateTerminating State = "terminating"
	// StateTerminated indicates the session ended and released its resources
	StateTerminated State = "terminated"
	// StateFailed indicates launch, handshake or teardown failed
	StateFailed State = "failed"
)

// Live reports whether the session owns a running process in this state
func (s State) Live() bool {
	return s == StateStarting || s == StateActive || s == StateIdle
}

// Final reports whether the state can no longer change
func (s State) Final() bool {
	return s == StateTerminated || s == StateFailed
}

// Termination reasons
const (
	ReasonClientClosed    = "client_closed"
	ReasonDisconnected    = "client_disconnected"
	ReasonProcessExited   = "process_exited"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonShutdown        = "shutdown"
	ReasonLaunchFailed    = "launch_failed"
	ReasonHandshakeFailed = "handshake_failed"
	ReasonRestarted       = "restarted"
)

// Framing names
const (
	FramingRaw     = "raw"
	FramingJSONRPC = "jsonrpc"
)

// CreateRequest is what a client asks for when starting a session. Client
// identifies the connection that receives the session's events.
type CreateRequest struct {
	Profile string
	Client  string
	Rows    uint16
	Cols    uint16
}

// LaunchSpec is the resolved description of what to run for a request
type LaunchSpec struct {
	Profile   string
	Process   supervisor.Spec
	Framing   string
	Handshake bool
}

// Info is a point-in-time snapshot of a session
type Info struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	Profile      string            `json:"profile"`
	IOMode       supervisor.IOMode `json:"io_mode"`
	Framing      string            `json:"framing"`
	State        State             `json:"state"`
	PID          int               `json:"pid"`
	Alive        bool              `json:"alive"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Reason       string            `json:"reason,omitempty"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	HistoryLen   int               `json:"history_len"`
	LogLines     int               `json:"log_lines"`
	Logs         []string          `json:"logs,omitempty"`
}
