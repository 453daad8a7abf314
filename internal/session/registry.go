// Package session maps opaque session ids to their owner, child process and
// I/O bridge, and is the single source of truth for whether a session exists.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/sessionbridge/internal/bridge"
	"github.com/AltairaLabs/sessionbridge/internal/config"
	"github.com/AltairaLabs/sessionbridge/internal/supervisor"
)

// Options holds registry policy and I/O settings
type Options struct {
	MaxPerOwner      int
	HistoryCap       int
	LogLines         int
	EchoInput        bool
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	DrainTimeout     time.Duration
	ReadBufferSize   int
	ClientName       string
	ClientVersion    string
}

// DefaultOptions returns registry defaults
func DefaultOptions() Options {
	return Options{
		MaxPerOwner:      config.DefaultMaxSessionsPerOwner,
		HistoryCap:       config.DefaultHistoryCap,
		LogLines:         config.DefaultLogLines,
		WriteTimeout:     config.DefaultWriteTimeout,
		HandshakeTimeout: config.DefaultHandshakeTimeout,
		CallTimeout:      config.DefaultCallTimeout,
		DrainTimeout:     config.DefaultDrainTimeout,
		ReadBufferSize:   config.DefaultReadBufferSize,
		ClientName:       "sessionbridge",
		ClientVersion:    "0.1.0",
	}
}

// OptionsFromConfig builds registry options from the loaded configuration
func OptionsFromConfig(cfg config.Config) Options {
	opts := DefaultOptions()
	opts.MaxPerOwner = cfg.Sessions.MaxPerOwner
	opts.HistoryCap = cfg.Sessions.HistoryCap
	opts.LogLines = cfg.Sessions.LogLines
	opts.EchoInput = cfg.Sessions.EchoInput
	opts.WriteTimeout = cfg.Bridge.WriteTimeout
	opts.HandshakeTimeout = cfg.Bridge.HandshakeTimeout
	opts.CallTimeout = cfg.Bridge.CallTimeout
	opts.DrainTimeout = cfg.Bridge.DrainTimeout
	opts.ReadBufferSize = cfg.Bridge.ReadBufferSize
	opts.ClientName = cfg.Server.Name
	opts.ClientVersion = cfg.Server.Version
	return opts
}

// Option configures a Registry's collaborators
type Option func(*Registry)

// WithAuthorizer sets the authorization collaborator
func WithAuthorizer(a Authorizer) Option {
	return func(r *Registry) { r.auth = a }
}

// WithDeliverer sets the realtime delivery collaborator
func WithDeliverer(d Deliverer) Option {
	return func(r *Registry) { r.deliverer = d }
}

// WithAuditor sets the audit collaborator
func WithAuditor(a Auditor) Option {
	return func(r *Registry) { r.auditor = a }
}

// WithObserver sets the metrics observer
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithLogger sets the registry's logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns every session. The map is the only structure shared across
// sessions; per-session state is guarded by the session's own lock.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	ownerCount map[string]int
	closed     bool

	sup      *supervisor.Supervisor
	launcher Launcher
	opts     Options

	auth      Authorizer
	deliverer Deliverer
	auditor   Auditor
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry creates a registry that launches processes through sup
func NewRegistry(sup *supervisor.Supervisor, launcher Launcher, opts Options, options ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[string]*Session),
		ownerCount: make(map[string]int),
		sup:        sup,
		launcher:   launcher,
		opts:       opts,
		auth:       allowAll{},
		deliverer:  nopDeliverer{},
		auditor:    nopAuditor{},
		observer:   nopObserver{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Create launches a new session for owner. Quota and authorization are
// checked before anything is spawned.
func (r *Registry) Create(ctx context.Context, owner string, req CreateRequest) (*Session, error) {
	if owner == "" || !r.auth.CanCreateSession(ctx, owner) {
		return nil, fmt.Errorf("%w: %s may not create sessions", ErrForbidden, owner)
	}

	spec, err := r.launcher.Resolve(req)
	if err != nil {
		return nil, err
	}

	s, err := r.reserve(owner, req, spec)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With("session_id", s.ID, "owner", owner, "profile", spec.Profile)

	proc, err := r.sup.Spawn(ctx, s.ID, spec.Process)
	if err != nil {
		logger.Warn("Session launch failed", "error", err)
		if !r.fail(ctx, s, ReasonLaunchFailed, err) {
			return nil, fmt.Errorf("%w: closed during start: %v", ErrSessionClosed, err)
		}
		return nil, err
	}

	var framing bridge.Framing = bridge.NewRawFraming()
	if spec.Framing == FramingJSONRPC {
		framing = bridge.NewJSONRPCFraming()
	}
	b := bridge.Attach(proc, framing, r.callbacks(s), bridge.Options{
		WriteTimeout:   r.opts.WriteTimeout,
		DrainTimeout:   r.opts.DrainTimeout,
		ReadBufferSize: r.opts.ReadBufferSize,
		Logger:         logger,
	})

	if !s.setProcess(proc, b) {
		// Destroyed while spawning; teardown may have missed the process.
		r.releaseProcess(s, proc, b)
		return nil, fmt.Errorf("%w: closed during start", ErrSessionClosed)
	}

	if spec.Handshake {
		client := bridge.ClientInfo{Name: r.opts.ClientName, Version: r.opts.ClientVersion}
		if _, err := b.Handshake(ctx, r.opts.HandshakeTimeout, client); err != nil {
			logger.Warn("Session handshake failed", "error", err)
			if !r.fail(ctx, s, ReasonHandshakeFailed, err) {
				// Teardown already owns the process and reported the end.
				return nil, fmt.Errorf("%w: closed during handshake: %v", ErrSessionClosed, err)
			}
			return nil, err
		}
	}

	if !s.activate(r.now()) {
		return nil, fmt.Errorf("%w: closed during start", ErrSessionClosed)
	}

	r.observer.SessionStarted(spec.Profile)
	r.auditor.Record(ctx, AuditRecord{
		Kind:      AuditCreated,
		SessionID: s.ID,
		Owner:     owner,
		Profile:   spec.Profile,
		Time:      r.now(),
	})
	r.deliver(ctx, s, Event{
		Name:    EventStarted,
		Profile: spec.Profile,
		PID:     proc.PID(),
	})

	logger.Info("Session started", "pid", proc.PID(), "io_mode", spec.Process.IOMode, "framing", spec.Framing)
	return s, nil
}

// reserve registers a Starting session, taking a quota slot under the lock so
// concurrent creates cannot exceed the cap.
func (r *Registry) reserve(owner string, req CreateRequest, spec LaunchSpec) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: registry is shutting down", ErrSessionClosed)
	}
	if r.opts.MaxPerOwner > 0 && r.ownerCount[owner] >= r.opts.MaxPerOwner {
		r.observer.QuotaRejected()
		return nil, fmt.Errorf("%w: %s has %d/%d sessions", ErrQuotaExceeded, owner, r.ownerCount[owner], r.opts.MaxPerOwner)
	}

	id := uuid.NewString()
	for _, taken := r.sessions[id]; taken; _, taken = r.sessions[id] {
		id = uuid.NewString()
	}

	s := newSession(id, owner, req, spec, r.opts.HistoryCap, r.opts.LogLines, r.now())
	r.sessions[id] = s
	r.ownerCount[owner]++
	return s, nil
}

// remove drops a session from the map and frees its quota slot. Safe to call
// more than once.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; !ok || cur != s {
		return
	}
	delete(r.sessions, s.ID)
	r.ownerCount[s.Owner]--
	if r.ownerCount[s.Owner] <= 0 {
		delete(r.ownerCount, s.Owner)
	}
}

// fail ends a session that never went live. It claims the session only while
// it is still Starting and reports false if a concurrent teardown got there
// first, in which case nothing is recorded twice.
func (r *Registry) fail(ctx context.Context, s *Session, reason string, cause error) bool {
	if !s.beginFailure(reason) {
		return false
	}
	if proc, b := s.handles(); proc != nil {
		r.releaseProcess(s, proc, b)
	}

	r.remove(s)
	s.finalize(StateFailed, nil)
	r.observer.SessionFailed(reason)
	r.auditor.Record(ctx, AuditRecord{
		Kind:      AuditFailed,
		SessionID: s.ID,
		Owner:     s.Owner,
		Profile:   s.Profile,
		Reason:    reason,
		Time:      r.now(),
	})
	r.deliver(ctx, s, Event{
		Name:    EventError,
		Reason:  reason,
		Message: cause.Error(),
	})
	s.markDestroyed()
	return true
}

// releaseProcess stops a process that never became part of a live session
func (r *Registry) releaseProcess(s *Session, proc *supervisor.Process, b *bridge.Bridge) {
	if _, err := r.sup.Teardown(proc); err != nil {
		r.raiseOrphanAlarm(context.Background(), s, proc, err)
	}
	b.Detach()
	_ = proc.Release()
}

func (r *Registry) callbacks(s *Session) bridge.Callbacks {
	return bridge.Callbacks{
		OnOutput: func(c bridge.Chunk) {
			data := c.Data
			if s.Framing == FramingRaw {
				data = s.completeUTF8(c.Stream, data)
				if len(data) == 0 {
					return
				}
			}
			r.emitOutput(s, c.Stream, data)
		},
		OnDiagnostic: func(d bridge.Diagnostic) {
			if d.Kind == bridge.DiagStderr {
				s.recordOutput(bridge.StreamStderr, d.Data)
			}
			r.logger.Debug("Session diagnostic",
				"session_id", s.ID,
				"kind", d.Kind,
				"message", d.Message,
			)
			r.deliver(context.Background(), s, Event{
				Name:    EventError,
				Reason:  d.Kind,
				Message: d.Message,
				Data:    string(d.Data),
			})
		},
		OnClosed: func(info bridge.CloseInfo) {
			if info.Reason == bridge.CloseDetached {
				return
			}
			if s.Framing == FramingRaw {
				// A truncated rune at end of output is still output.
				for _, stream := range []bridge.Stream{bridge.StreamStdout, bridge.StreamStderr} {
					if rest := s.drainCarry(stream); len(rest) > 0 {
						r.emitOutput(s, stream, rest)
					}
				}
			}
			// Output ended on its own: the process exited or closed its
			// streams. Tear the session down without waiting for the reaper.
			if s.State().Live() {
				go func() {
					_ = r.Destroy(context.Background(), s.ID, ReasonProcessExited)
				}()
			}
		},
	}
}

func (r *Registry) emitOutput(s *Session, stream bridge.Stream, data []byte) {
	s.recordOutput(stream, data)
	_ = s.touch(r.now())
	r.observer.OutputBytes(len(data))
	r.deliver(context.Background(), s, Event{
		Name:   EventOutput,
		Stream: string(stream),
		Data:   string(data),
	})
}

// Get returns the session if requestingOwner may access it. Sessions belong
// exclusively to their creator; any other identity fails closed.
func (r *Registry) Get(ctx context.Context, id, requestingOwner string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Owner != requestingOwner || !r.auth.CanAccessSession(ctx, requestingOwner, id) {
		return nil, fmt.Errorf("%w: session %s", ErrForbidden, id)
	}
	return s, nil
}

// Touch records activity on a session
func (r *Registry) Touch(id string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.touch(r.now())
}

// WriteInput forwards client input to the session's process
func (r *Registry) WriteInput(ctx context.Context, id, owner string, data []byte) error {
	s, err := r.Get(ctx, id, owner)
	if err != nil {
		return err
	}
	if err := s.touch(r.now()); err != nil {
		return err
	}
	_, b := s.handles()
	if b == nil {
		return fmt.Errorf("%w: session %s is still starting", ErrSessionClosed, id)
	}

	if err := b.WriteInput(ctx, data); err != nil {
		if errors.Is(err, bridge.ErrBrokenPipe) {
			go func() {
				_ = r.Destroy(context.Background(), id, ReasonProcessExited)
			}()
		}
		return err
	}
	r.observer.InputBytes(len(data))

	for _, line := range s.recordInput(data, r.now()) {
		r.auditor.Record(ctx, AuditRecord{
			Kind:      AuditInput,
			SessionID: id,
			Owner:     owner,
			Profile:   s.Profile,
			Input:     line,
			Time:      r.now(),
		})
		// A terminal echoes its own input; pipes and framed sessions do not.
		if r.opts.EchoInput && s.IOMode == supervisor.IOModePipe {
			r.deliver(ctx, s, Event{
				Name: EventInputEcho,
				Data: config.MsgInputEcho + line,
			})
		}
	}
	return nil
}

// Resize changes a pseudo-terminal session's window. Pipe sessions are
// rejected before the process is touched.
func (r *Registry) Resize(ctx context.Context, id, owner string, rows, cols uint16) error {
	s, err := r.Get(ctx, id, owner)
	if err != nil {
		return err
	}
	if s.IOMode != supervisor.IOModePTY {
		return fmt.Errorf("resize on %s session: %w", s.IOMode, supervisor.ErrUnsupportedOperation)
	}
	if rows == 0 || cols == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", rows, cols)
	}
	proc, _ := s.handles()
	if proc == nil || !s.State().Live() {
		return fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	return proc.Resize(rows, cols)
}

// Call issues a JSON-RPC request to a framed session and returns the result
func (r *Registry) Call(ctx context.Context, id, owner, method string, params json.RawMessage) (json.RawMessage, error) {
	s, err := r.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if s.Framing != FramingJSONRPC {
		return nil, bridge.ErrUnsupportedFraming
	}
	if err := s.touch(r.now()); err != nil {
		return nil, err
	}
	_, b := s.handles()
	if b == nil {
		return nil, fmt.Errorf("%w: session %s is still starting", ErrSessionClosed, id)
	}

	s.recordInput([]byte(method+"\n"), r.now())

	if r.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
	}
	var args any
	if len(params) > 0 {
		args = params
	}
	result, err := b.Call(ctx, method, args)
	if errors.Is(err, bridge.ErrBrokenPipe) {
		go func() {
			_ = r.Destroy(context.Background(), id, ReasonProcessExited)
		}()
	}
	return result, err
}

// Logs returns up to n of a session's most recent output lines
func (r *Registry) Logs(ctx context.Context, id, owner string, n int) ([]string, error) {
	s, err := r.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	return s.Logs(n), nil
}

// Restart ends a session with reason restarted and launches a replacement
// from the same profile for the same client. Only one of several concurrent
// restarts of a session wins; the others get ErrSessionClosed.
func (r *Registry) Restart(ctx context.Context, id, owner string) (*Session, error) {
	s, err := r.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if !s.beginTeardown(ReasonRestarted) {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	r.teardown(s)

	next, err := r.Create(ctx, owner, s.request)
	if err != nil {
		return nil, fmt.Errorf("restart %s: %w", id, err)
	}
	r.logger.Info("Session restarted", "session_id", id, "new_session_id", next.ID, "owner", owner)
	return next, nil
}

// Close tears down a session on its owner's request
func (r *Registry) Close(ctx context.Context, id, owner string) error {
	if _, err := r.Get(ctx, id, owner); err != nil {
		return err
	}
	return r.Destroy(ctx, id, ReasonClientClosed)
}

// Destroy tears a session down. It is idempotent: unknown or finished
// sessions are a no-op, and concurrent callers wait for the single teardown.
func (r *Registry) Destroy(ctx context.Context, id, reason string) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if s.beginTeardown(reason) {
		r.teardown(s)
		return nil
	}

	select {
	case <-s.destroyed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReapIfIdle tears a session down if it has been quiet for idleTimeout. The
// check and the transition to Terminating happen under the session lock, so
// a concurrent Touch either lands first and saves the session, or is refused.
func (r *Registry) ReapIfIdle(id string, idleTimeout time.Duration) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || idleTimeout <= 0 {
		return false
	}

	s.mu.Lock()
	if s.state != StateActive && s.state != StateIdle {
		s.mu.Unlock()
		return false
	}
	if r.now().Sub(s.lastActivity) < idleTimeout {
		s.mu.Unlock()
		return false
	}
	s.beginTeardownLocked(ReasonIdleTimeout)
	s.mu.Unlock()

	r.teardown(s)
	return true
}

// MarkIdle moves a quiet active session to Idle
func (r *Registry) MarkIdle(id string, idleAfter time.Duration) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || idleAfter <= 0 {
		return false
	}
	return s.markIdleIfQuiet(idleAfter, r.now())
}

// teardown runs the escalation for a session already marked Terminating:
// stop the process, flush and detach the bridge, release descriptors, remove
// the entry, then report the outcome.
func (r *Registry) teardown(s *Session) {
	ctx := context.Background()
	proc, b := s.handles()

	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()

	var (
		exitCode *int
		orphan   error
	)
	if proc != nil {
		status, err := r.sup.Teardown(proc)
		if err != nil {
			orphan = err
		} else {
			code := status.Code
			exitCode = &code
		}
	}
	if b != nil {
		select {
		case <-b.Closed():
		case <-time.After(r.opts.DrainTimeout):
		}
		b.Detach()
	}
	if proc != nil {
		_ = proc.Release()
	}
	if b != nil && !b.WaitReaders(r.opts.DrainTimeout) {
		r.logger.Debug("Session readers still draining after release", "session_id", s.ID)
	}

	r.remove(s)

	if orphan != nil {
		s.finalize(StateFailed, nil)
		r.raiseOrphanAlarm(ctx, s, proc, orphan)
	} else {
		s.finalize(StateTerminated, exitCode)
	}

	r.observer.SessionEnded(reason, r.now().Sub(s.CreatedAt))
	r.auditor.Record(ctx, AuditRecord{
		Kind:      AuditTerminated,
		SessionID: s.ID,
		Owner:     s.Owner,
		Profile:   s.Profile,
		Reason:    reason,
		ExitCode:  exitCode,
		Time:      r.now(),
	})
	r.deliver(ctx, s, Event{
		Name:     EventTerminated,
		Reason:   reason,
		ExitCode: exitCode,
	})

	attrs := []any{"session_id", s.ID, "owner", s.Owner, "reason", reason}
	if exitCode != nil {
		attrs = append(attrs, "exit_code", *exitCode)
	}
	r.logger.Info("Session terminated", attrs...)

	s.markDestroyed()
}

// raiseOrphanAlarm reports a process that survived kill escalation. It is
// an operator alarm: logged at error level, counted and pushed to the owner.
func (r *Registry) raiseOrphanAlarm(ctx context.Context, s *Session, proc *supervisor.Process, err error) {
	pid := -1
	if proc != nil {
		pid = proc.PID()
	}
	r.observer.OrphanAlarm()
	r.logger.Error("Orphan process alarm",
		"alarm", "orphan_process",
		"session_id", s.ID,
		"owner", s.Owner,
		"pid", pid,
		"error", err,
	)
	r.deliver(ctx, s, Event{
		Name:    EventError,
		Reason:  "orphan_process",
		Message: err.Error(),
	})
}

// deliver addresses ev to the session's owning client
func (r *Registry) deliver(ctx context.Context, s *Session, ev Event) {
	ev.SessionID = s.ID
	ev.Owner = s.Owner
	ev.Client = s.Client
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}
	if err := r.deliverer.Deliver(ctx, ev); err != nil {
		r.observer.DeliveryFailed()
		r.logger.Debug("Event delivery failed",
			"session_id", ev.SessionID,
			"event", ev.Name,
			"error", err,
		)
	}
}

// List returns snapshots of owner's sessions
func (r *Registry) List(owner string) []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, r.ownerCount[owner])
	for _, s := range r.sessions {
		if s.Owner == owner {
			sessions = append(sessions, s)
		}
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// ListAll returns snapshots of every session
func (r *Registry) ListAll() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByOwner returns the number of sessions held by owner
func (r *Registry) CountByOwner(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ownerCount[owner]
}

// IsAlive reports whether a registered session's process is still running
func (r *Registry) IsAlive(id string) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	proc, _ := s.handles()
	return proc != nil && proc.IsAlive()
}

// DestroyOwner tears down every session held by owner
func (r *Registry) DestroyOwner(ctx context.Context, owner, reason string) int {
	infos := r.List(owner)
	r.destroyAll(ctx, infos, reason)
	return len(infos)
}

// Shutdown refuses new sessions and tears down every existing one
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.destroyAll(ctx, r.ListAll(), ReasonShutdown)
	return ctx.Err()
}

// Ready reports whether the registry accepts new sessions
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

func (r *Registry) destroyAll(ctx context.Context, infos []Info, reason string) {
	var wg sync.WaitGroup
	for _, info := range infos {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.Destroy(ctx, id, reason)
		}(info.ID)
	}
	wg.Wait()
}
