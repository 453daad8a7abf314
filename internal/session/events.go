package session

import (
	"context"
	"time"
)

// Lifecycle event names
const (
	EventStarted    = "session_started"
	EventOutput     = "session_output"
	EventInputEcho  = "session_input_echo"
	EventTerminated = "session_terminated"
	EventError      = "session_error"
)

// Event is pushed to the client that owns a session
type Event struct {
	Name      string    `json:"event"`
	SessionID string    `json:"session_id"`
	Owner     string    `json:"owner"`
	Client    string    `json:"client,omitempty"`
	Time      time.Time `json:"time"`
	Profile   string    `json:"profile,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	Data      string    `json:"data,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Deliverer pushes events to connected clients. Failures are reported but
// never affect the session.
type Deliverer interface {
	Deliver(ctx context.Context, ev Event) error
}

// Audit record kinds
const (
	AuditCreated    = "created"
	AuditTerminated = "terminated"
	AuditInput      = "input"
	AuditFailed     = "failed"
)

// AuditRecord is a lifecycle or history entry for external persistence
type AuditRecord struct {
	Kind      string
	SessionID string
	Owner     string
	Profile   string
	Reason    string
	ExitCode  *int
	Input     string
	Time      time.Time
}

// Auditor persists audit records. Record must not block on the write.
type Auditor interface {
	Record(ctx context.Context, rec AuditRecord)
}

// Authorizer decides who may create and access sessions
type Authorizer interface {
	CanCreateSession(ctx context.Context, owner string) bool
	CanAccessSession(ctx context.Context, owner, sessionID string) bool
}

// Launcher resolves a client request into a launch specification
type Launcher interface {
	Resolve(req CreateRequest) (LaunchSpec, error)
}

// Observer receives counters for operational metrics
type Observer interface {
	SessionStarted(profile string)
	SessionEnded(reason string, lifetime time.Duration)
	SessionFailed(stage string)
	QuotaRejected()
	OrphanAlarm()
	OutputBytes(n int)
	InputBytes(n int)
	DeliveryFailed()
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(context.Context, Event) error { return nil }

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditRecord) {}

type allowAll struct{}

func (allowAll) CanCreateSession(context.Context, string) bool         { return true }
func (allowAll) CanAccessSession(context.Context, string, string) bool { return true }

type nopObserver struct{}

func (nopObserver) SessionStarted(string)              {}
func (nopObserver) SessionEnded(string, time.Duration) {}
func (nopObserver) SessionFailed(string)               {}
func (nopObserver) QuotaRejected()                     {}
func (nopObserver) OrphanAlarm()                       {}
func (nopObserver) OutputBytes(int)                    {}
func (nopObserver) InputBytes(int)                     {}
func (nopObserver) DeliveryFailed()                    {}
