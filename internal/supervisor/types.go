package supervisor

import (
	"errors"
	"fmt"
	"syscall"
)

// Errors returned by the supervisor
var (
	// ErrLaunch is returned when a child process could not be started
	ErrLaunch = errors.New("launch failed")
	// ErrTimedOut is returned when a wait expires before the process exits
	ErrTimedOut = errors.New("timed out")
	// ErrUnsupportedOperation is returned for operations the io mode cannot perform
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrOrphanProcess is returned when a process survives kill escalation
	ErrOrphanProcess = errors.New("process survived kill escalation")
	// ErrNotRunning is returned when signaling a process that has already exited
	ErrNotRunning = errors.New("process not running")
	// ErrSupervisorShutdown is returned by Spawn after Shutdown
	ErrSupervisorShutdown = errors.New("supervisor is shut down")
)

// IOMode selects how the child's standard streams are connected
type IOMode string

const (
	// IOModePipe connects stdin, stdout and stderr through anonymous pipes
	IOModePipe IOMode = "pipe"
	// IOModePTY connects all three streams to a pseudo-terminal
	IOModePTY IOMode = "pty"
)

// Valid reports whether the mode is known
func (m IOMode) Valid() bool {
	return m == IOModePipe || m == IOModePTY
}

// SignalKind is an abstract signal that maps onto an OS signal
type SignalKind int

const (
	// Interrupt maps to SIGINT
	Interrupt SignalKind = iota
	// Terminate maps to SIGTERM
	Terminate
	// Kill maps to SIGKILL
	Kill
)

func (k SignalKind) String() string {
	switch k {
	case Interrupt:
		return "interrupt"
	case Terminate:
		return "terminate"
	case Kill:
		return "kill"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

func (k SignalKind) osSignal() (syscall.Signal, error) {
	switch k {
	case Interrupt:
		return syscall.SIGINT, nil
	case Terminate:
		return syscall.SIGTERM, nil
	case Kill:
		return syscall.SIGKILL, nil
	default:
		return 0, fmt.Errorf("unknown signal kind %d", int(k))
	}
}

// Spec describes a process to launch
type Spec struct {
	Command string
	Args    []string
	// Env entries are KEY=VALUE and are appended to the supervisor's environment
	Env []string
	Dir string

	IOMode IOMode
	// MergeStderr sends stderr into the stdout stream in pipe mode
	MergeStderr bool

	// Rows and Cols set the initial terminal size in pty mode
	Rows uint16
	Cols uint16
}

// ExitStatus describes how a process ended
type ExitStatus struct {
	// Code is the exit code, or 128+signal number when killed by a signal
	Code     int
	Signaled bool
	Signal   string
}

func (s ExitStatus) String() string {
	if s.Signaled {
		return fmt.Sprintf("killed by %s (code %d)", s.Signal, s.Code)
	}
	return fmt.Sprintf("exited with code %d", s.Code)
}
