// Package supervisor spawns, signals and reaps session child processes.
//
// Every child runs in its own process group so signals sent during teardown
// reach any sub-processes it started and never the bridge itself.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Process is a running child owned by exactly one session
type Process struct {
	ID      string
	Spec    Spec
	Started time.Time

	cmd  *exec.Cmd
	pgid int

	// pipe mode
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	// pty mode
	pty *os.File

	done     chan struct{}
	waitOnce sync.Once

	mu     sync.RWMutex
	status ExitStatus

	releaseOnce sync.Once
}

func newProcess(id string, spec Spec, cmd *exec.Cmd) *Process {
	return &Process{
		ID:   id,
		Spec: spec,
		cmd:  cmd,
		done: make(chan struct{}),
	}
}

// PID returns the process id of the group leader
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Mode returns the io mode the process was launched with
func (p *Process) Mode() IOMode {
	return p.Spec.IOMode
}

// Done returns a channel closed once the process has been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsAlive reports whether the process has not yet been reaped. It never blocks.
func (p *Process) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitStatus returns the exit status once the process has been reaped
func (p *Process) ExitStatus() (ExitStatus, bool) {
	if p.IsAlive() {
		return ExitStatus{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status, true
}

// Signal delivers kind to the whole process group without blocking
func (p *Process) Signal(kind SignalKind) error {
	sig, err := kind.osSignal()
	if err != nil {
		return err
	}
	if p.pgid <= 0 {
		return ErrNotRunning
	}
	if err := unix.Kill(-p.pgid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("signal %s to group %d: %w", kind, p.pgid, err)
	}
	return nil
}

// Wait blocks until the process exits or timeout elapses
func (p *Process) Wait(timeout time.Duration) (ExitStatus, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		status, _ := p.ExitStatus()
		return status, nil
	case <-timer.C:
		return ExitStatus{}, ErrTimedOut
	}
}

// Resize changes the terminal window size. Only valid in pty mode.
func (p *Process) Resize(rows, cols uint16) error {
	if p.pty == nil {
		return fmt.Errorf("resize in %s mode: %w", p.Spec.IOMode, ErrUnsupportedOperation)
	}
	if err := pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Input returns the writer connected to the child's standard input.
// Closing it signals end of input to the child without killing it.
func (p *Process) Input() io.WriteCloser {
	if p.pty != nil {
		return &ptyInput{f: p.pty}
	}
	return p.stdin
}

// Output returns the reader carrying the child's standard output. In pty mode
// this is the terminal master and carries every stream.
func (p *Process) Output() io.Reader {
	if p.pty != nil {
		return p.pty
	}
	return p.stdout
}

// ErrOutput returns the separate stderr reader, or nil when stderr is merged
// or the process runs on a pseudo-terminal.
func (p *Process) ErrOutput() io.Reader {
	if p.stderr == nil {
		return nil
	}
	return p.stderr
}

// Release closes every descriptor the supervisor holds for the process.
// It is safe to call more than once.
func (p *Process) Release() error {
	var errs []error
	p.releaseOnce.Do(func() {
		for _, f := range []*os.File{p.stdin, p.stdout, p.stderr, p.pty} {
			if f == nil {
				continue
			}
			if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		status := exitStatusFrom(p.cmd.ProcessState, err)

		p.mu.Lock()
		p.status = status
		p.mu.Unlock()

		close(p.done)
	})
}

func exitStatusFrom(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return ExitStatus{Code: 128 + int(sig), Signaled: true, Signal: unix.SignalName(sig)}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{Code: state.ExitCode()}
}

// ptyInput closes the input direction of a terminal by sending EOF (^D)
// rather than closing the shared master descriptor.
type ptyInput struct {
	f *os.File
}

func (w *ptyInput) Write(b []byte) (int, error) {
	return w.f.Write(b)
}

func (w *ptyInput) Close() error {
	_, err := w.f.Write([]byte{4})
	return err
}

// SetWriteDeadline forwards to the terminal master when supported
func (w *ptyInput) SetWriteDeadline(t time.Time) error {
	return w.f.SetWriteDeadline(t)
}
