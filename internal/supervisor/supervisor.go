package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/AltairaLabs/sessionbridge/internal/config"
)

// Tracker records child PIDs outside the process so they can be cleaned up
// after a crash of the bridge itself.
type Tracker interface {
	Track(id string, pid int) error
	Untrack(id string)
}

// Supervisor launches child processes and tears them down with
// TERM/KILL escalation.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process
	shutdown  bool

	terminateGrace time.Duration
	killTimeout    time.Duration
	defaultRows    uint16
	defaultCols    uint16

	tracker Tracker
	logger  *slog.Logger
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithTerminateGrace sets how long a child gets to exit after SIGTERM
func WithTerminateGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.terminateGrace = d
	}
}

// WithKillTimeout sets how long to wait for a child after SIGKILL
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.killTimeout = d
	}
}

// WithTracker records launched PIDs through t
func WithTracker(t Tracker) Option {
	return func(s *Supervisor) {
		s.tracker = t
	}
}

// WithLogger sets the supervisor's logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// New creates a Supervisor
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		processes:      make(map[string]*Process),
		terminateGrace: config.DefaultTerminateGrace,
		killTimeout:    config.DefaultKillTimeout,
		defaultRows:    config.DefaultTerminalRows,
		defaultCols:    config.DefaultTerminalCols,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn launches spec under id. The context only bounds the launch itself;
// the child outlives it.
func (s *Supervisor) Spawn(ctx context.Context, id string, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrLaunch)
	}
	if spec.IOMode == "" {
		spec.IOMode = IOModePipe
	}
	if !spec.IOMode.Valid() {
		return nil, fmt.Errorf("%w: unknown io mode %q", ErrLaunch, spec.IOMode)
	}

	s.mu.RLock()
	closed := s.shutdown
	_, exists := s.processes[id]
	s.mu.RUnlock()
	if closed {
		return nil, ErrSupervisorShutdown
	}
	if exists {
		return nil, fmt.Errorf("%w: process id %s already in use", ErrLaunch, id)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.Dir

	p := newProcess(id, spec, cmd)

	var err error
	if spec.IOMode == IOModePTY {
		err = s.startPTY(p)
	} else {
		err = startPipes(p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLaunch, spec.Command, err)
	}

	p.Started = time.Now()
	p.pgid = cmd.Process.Pid
	go p.waitLoop()

	s.mu.Lock()
	s.processes[id] = p
	s.mu.Unlock()

	if s.tracker != nil {
		if err := s.tracker.Track(id, p.PID()); err != nil {
			s.logger.Warn("Failed to track child pid", "process_id", id, "pid", p.PID(), "error", err)
		}
	}

	go s.forgetOnExit(p)

	s.logger.Debug("Spawned child process",
		"process_id", id,
		"pid", p.PID(),
		"command", spec.Command,
		"io_mode", spec.IOMode,
	)
	return p, nil
}

func startPipes(p *Process) error {
	cmd := p.cmd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return fmt.Errorf("stdout pipe: %w", err)
	}

	var stderrR, stderrW *os.File
	if p.Spec.MergeStderr {
		cmd.Stderr = stdoutW
	} else {
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			closeAll(stdinR, stdinW, stdoutR, stdoutW)
			return fmt.Errorf("stderr pipe: %w", err)
		}
		cmd.Stderr = stderrW
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return err
	}

	// The child holds its own copies; keeping ours would hide EOF.
	closeAll(stdinR, stdoutW, stderrW)

	p.stdin = stdinW
	p.stdout = stdoutR
	p.stderr = stderrR
	return nil
}

func (s *Supervisor) startPTY(p *Process) error {
	rows, cols := p.Spec.Rows, p.Spec.Cols
	if rows == 0 {
		rows = s.defaultRows
	}
	if cols == 0 {
		cols = s.defaultCols
	}

	attrs := &syscall.SysProcAttr{Setsid: true, Setctty: true}
	ptmx, err := pty.StartWithAttrs(p.cmd, &pty.Winsize{Rows: rows, Cols: cols}, attrs)
	if err != nil {
		return err
	}
	p.pty = ptmx
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (s *Supervisor) forgetOnExit(p *Process) {
	<-p.Done()

	s.mu.Lock()
	if cur, ok := s.processes[p.ID]; ok && cur == p {
		delete(s.processes, p.ID)
	}
	s.mu.Unlock()

	if s.tracker != nil {
		s.tracker.Untrack(p.ID)
	}
}

// Teardown stops p: SIGTERM, wait up to the grace period, SIGKILL, wait up to
// the kill timeout. It returns ErrOrphanProcess if the process is still alive
// after that; this is the only outcome that leaves a live OS process behind.
func (s *Supervisor) Teardown(p *Process) (ExitStatus, error) {
	if status, ok := p.ExitStatus(); ok {
		s.killStragglers(p)
		return status, nil
	}

	if err := p.Signal(Terminate); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Warn("Failed to send SIGTERM", "process_id", p.ID, "pid", p.PID(), "error", err)
	}
	if status, err := p.Wait(s.terminateGrace); err == nil {
		s.killStragglers(p)
		return status, nil
	}

	s.logger.Info("Child ignored SIGTERM, escalating to SIGKILL",
		"process_id", p.ID,
		"pid", p.PID(),
		"grace", s.terminateGrace,
	)
	if err := p.Signal(Kill); err != nil && !errors.Is(err, ErrNotRunning) {
		s.logger.Warn("Failed to send SIGKILL", "process_id", p.ID, "pid", p.PID(), "error", err)
	}
	status, err := p.Wait(s.killTimeout)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("%w: pid %d", ErrOrphanProcess, p.PID())
	}
	return status, nil
}

// killStragglers sends SIGKILL to whatever is left of the process group once
// the leader has exited.
func (s *Supervisor) killStragglers(p *Process) {
	if err := p.Signal(Kill); err == nil {
		s.logger.Debug("Killed leftover group members", "process_id", p.ID, "pgid", p.pgid)
	}
}

// Get returns a live process by id
func (s *Supervisor) Get(id string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.processes[id]
	return p, ok
}

// Count returns the number of live processes
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// List returns the live processes ordered by id
func (s *Supervisor) List() []*Process {
	s.mu.RLock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	slices.SortFunc(procs, func(a, b *Process) int { return strings.Compare(a.ID, b.ID) })
	return procs
}

// Shutdown refuses new spawns and tears down every live process concurrently.
// It returns the orphan errors, if any, joined together.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	procs := s.List()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if _, err := s.Teardown(p); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			_ = p.Release()
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return errors.Join(errs...)
	case <-ctx.Done():
		return ctx.Err()
	}
}
