package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AltairaLabs/sessionbridge/internal/bridge"
	"github.com/AltairaLabs/sessionbridge/internal/supervisor"
)

// recordingDeliverer collects every delivered event
type recordingDeliverer struct {
	mu     sync.Mutex
	events []Event
}

func (d *recordingDeliverer) Deliver(_ context.Context, ev Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDeliverer) snapshot() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

func (d *recordingDeliverer) count(name, sessionID string) int {
	n := 0
	for _, ev := range d.snapshot() {
		if ev.Name == name && ev.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (d *recordingDeliverer) find(name, sessionID string) (Event, bool) {
	for _, ev := range d.snapshot() {
		if ev.Name == name && ev.SessionID == sessionID {
			return ev, true
		}
	}
	return Event{}, false
}

func (d *recordingDeliverer) output(sessionID string) string {
	var sb strings.Builder
	for _, ev := range d.snapshot() {
		if ev.Name == EventOutput && ev.SessionID == sessionID {
			sb.WriteString(ev.Data)
		}
	}
	return sb.String()
}

// staticLauncher resolves profiles from a fixed table
type staticLauncher map[string]LaunchSpec

func (l staticLauncher) Resolve(req CreateRequest) (LaunchSpec, error) {
	spec, ok := l[req.Profile]
	if !ok {
		return LaunchSpec{}, fmt.Errorf("unknown profile %q", req.Profile)
	}
	spec.Profile = req.Profile
	return spec, nil
}

type denyAll struct{}

func (denyAll) CanCreateSession(context.Context, string) bool         { return false }
func (denyAll) CanAccessSession(context.Context, string, string) bool { return false }

// fakeClock is a settable clock for idle tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLauncher() staticLauncher {
	return staticLauncher{
		"echo": {
			Process: supervisor.Spec{Command: "/bin/cat", IOMode: supervisor.IOModePipe},
			Framing: FramingRaw,
		},
		"shell": {
			Process: supervisor.Spec{Command: "/bin/sh", IOMode: supervisor.IOModePTY, Rows: 24, Cols: 80},
			Framing: FramingRaw,
		},
		"stubborn": {
			Process: supervisor.Spec{
				Command: "/bin/sh",
				Args:    []string{"-c", `trap "" TERM; while :; do sleep 0.1; done`},
				IOMode:  supervisor.IOModePipe,
			},
			Framing: FramingRaw,
		},
		"missing": {
			Process: supervisor.Spec{Command: "/nonexistent/sessionbridge-test", IOMode: supervisor.IOModePipe},
			Framing: FramingRaw,
		},
	}
}

func newTestRegistry(t *testing.T, mutate func(*Options), options ...Option) (*Registry, *recordingDeliverer) {
	t.Helper()
	sup := supervisor.New(
		supervisor.WithTerminateGrace(200*time.Millisecond),
		supervisor.WithKillTimeout(2*time.Second),
	)
	opts := DefaultOptions()
	opts.EchoInput = true
	if mutate != nil {
		mutate(&opts)
	}
	rec := &recordingDeliverer{}
	options = append([]Option{WithDeliverer(rec)}, options...)
	r := NewRegistry(sup, testLauncher(), opts, options...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestCreateAndEcho(t *testing.T) {
	r, rec := newTestRegistry(t, nil)
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("Expected active session, got %s", s.State())
	}
	started, ok := rec.find(EventStarted, s.ID)
	if !ok {
		t.Fatal("Expected session_started event")
	}
	if started.PID <= 0 || started.Profile != "echo" {
		t.Errorf("Expected pid and profile on started event, got %+v", started)
	}

	if err := r.WriteInput(ctx, s.ID, "alice", []byte("ping\n")); err != nil {
		t.Fatalf("WriteInput() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return strings.Contains(rec.output(s.ID), "ping") })

	echo, ok := rec.find(EventInputEcho, s.ID)
	if !ok {
		t.Fatal("Expected session_input_echo event")
	}
	if echo.Data != "> ping" {
		t.Errorf("Expected echo %q, got %q", "> ping", echo.Data)
	}
	if h := s.History(); len(h) != 1 || h[0].Input != "ping" {
		t.Errorf("Expected history [ping], got %+v", h)
	}
}

func TestCreateUnknownProfile(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if _, err := r.Create(context.Background(), "alice", CreateRequest{Profile: "nope"}); err == nil {
		t.Error("Expected error for unknown profile")
	}
	if r.Count() != 0 {
		t.Errorf("Expected no sessions, got %d", r.Count())
	}
}

func TestCreateLaunchFailureReleasesSlot(t *testing.T) {
	r, rec := newTestRegistry(t, func(o *Options) { o.MaxPerOwner = 1 })
	ctx := context.Background()

	_, err := r.Create(ctx, "alice", CreateRequest{Profile: "missing"})
	if !errors.Is(err, supervisor.ErrLaunch) {
		t.Fatalf("Expected ErrLaunch, got %v", err)
	}
	if r.Count() != 0 || r.CountByOwner("alice") != 0 {
		t.Errorf("Expected launch failure to free its slot, got %d sessions", r.Count())
	}

	var failed bool
	for _, ev := range rec.snapshot() {
		if ev.Name == EventError && ev.Reason == ReasonLaunchFailed {
			failed = true
		}
	}
	if !failed {
		t.Error("Expected session_error with launch_failed")
	}

	if _, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"}); err != nil {
		t.Errorf("Expected slot to be reusable, got %v", err)
	}
}

func TestQuotaRejectsWithoutSpawning(t *testing.T) {
	r, _ := newTestRegistry(t, func(o *Options) { o.MaxPerOwner = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"}); err != nil {
			t.Fatalf("Create() %d error = %v", i, err)
		}
	}
	spawned := r.sup.Count()

	_, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
	if r.sup.Count() != spawned {
		t.Errorf("Expected no process spawned, had %d now %d", spawned, r.sup.Count())
	}

	if _, err := r.Create(ctx, "bob", CreateRequest{Profile: "echo"}); err != nil {
		t.Errorf("Expected other owner unaffected, got %v", err)
	}
}

func TestQuotaUnderConcurrentCreate(t *testing.T) {
	r, _ := newTestRegistry(t, func(o *Options) { o.MaxPerOwner = 3 })

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(context.Background(), "alice", CreateRequest{Profile: "echo"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 3 || rejected != 7 {
		t.Errorf("Expected 3 created and 7 rejected, got %d and %d", created, rejected)
	}
}

func TestResizePipeSessionUnsupported(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	err = r.Resize(ctx, s.ID, "alice", 40, 120)
	if !errors.Is(err, supervisor.ErrUnsupportedOperation) {
		t.Errorf("Expected ErrUnsupportedOperation, got %v", err)
	}
	if !r.IsAlive(s.ID) {
		t.Error("Expected session process unaffected")
	}
}

func TestResizePTYSession(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "shell"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.Resize(ctx, s.ID, "alice", 40, 120); err != nil {
		t.Errorf("Resize() error = %v", err)
	}
	if err := r.Resize(ctx, s.ID, "alice", 0, 120); err == nil {
		t.Error("Expected zero size to be rejected")
	}
}

func TestCallRequiresJSONRPC(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.Call(ctx, s.ID, "alice", "tools/list", nil); !errors.Is(err, bridge.ErrUnsupportedFraming) {
		t.Errorf("Expected ErrUnsupportedFraming, got %v", err)
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	r, rec := newTestRegistry(t, nil)
	ctx := context.Background()

	a, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create(alice) error = %v", err)
	}
	b, err := r.Create(ctx, "bob", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create(bob) error = %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("Expected distinct session ids")
	}

	if _, err := r.Get(ctx, a.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for bob on alice's session, got %v", err)
	}
	if err := r.WriteInput(ctx, a.ID, "bob", []byte("x\n")); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden writing to another owner's session, got %v", err)
	}
	if err := r.Close(ctx, a.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden closing another owner's session, got %v", err)
	}

	_ = r.WriteInput(ctx, a.ID, "alice", []byte("from-alice\n"))
	_ = r.WriteInput(ctx, b.ID, "bob", []byte("from-bob\n"))
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(rec.output(a.ID), "from-alice") && strings.Contains(rec.output(b.ID), "from-bob")
	})

	if strings.Contains(rec.output(a.ID), "from-bob") || strings.Contains(rec.output(b.ID), "from-alice") {
		t.Error("Expected no cross-session output")
	}
	for _, ev := range rec.snapshot() {
		if ev.SessionID == a.ID && ev.Owner != "alice" {
			t.Errorf("Event for alice's session addressed to %s", ev.Owner)
		}
		if ev.SessionID == b.ID && ev.Owner != "bob" {
			t.Errorf("Event for bob's session addressed to %s", ev.Owner)
		}
	}

	if got := r.List("alice"); len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("Expected alice to list only her session, got %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	if _, err := r.Get(context.Background(), "missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := r.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from Touch, got %v", err)
	}
}

func TestCreateForbidden(t *testing.T) {
	r, _ := newTestRegistry(t, nil, WithAuthorizer(denyAll{}))
	if _, err := r.Create(context.Background(), "alice", CreateRequest{Profile: "echo"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}

	open, _ := newTestRegistry(t, nil)
	if _, err := open.Create(context.Background(), "", CreateRequest{Profile: "echo"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for empty owner, got %v", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	r, rec := newTestRegistry(t, nil)
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Destroy(ctx, s.ID, ReasonClientClosed); err != nil {
				t.Errorf("Destroy() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if err := r.Destroy(ctx, s.ID, ReasonClientClosed); err != nil {
		t.Errorf("Destroy() on removed session error = %v", err)
	}
	if n := rec.count(EventTerminated, s.ID); n != 1 {
		t.Errorf("Expected exactly one session_terminated, got %d", n)
	}
	if s.State() != StateTerminated {
		t.Errorf("Expected terminated, got %s", s.State())
	}
	if r.Count() != 0 || r.CountByOwner("alice") != 0 {
		t.Errorf("Expected session removed, got %d", r.Count())
	}
	if _, err := r.Get(ctx, s.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after destroy, got %v", err)
	}
}

func TestTeardownEscalatesToKill(t *testing.T) {
	r, rec := newTestRegistry(t, nil)
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "stubborn"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	// Let the shell install its trap before signalling.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := r.Close(ctx, s.ID, "alice"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected bounded teardown, took %v", elapsed)
	}

	ev, ok := rec.find(EventTerminated, s.ID)
	if !ok {
		t.Fatal("Expected session_terminated")
	}
	if ev.Reason != ReasonClientClosed {
		t.Errorf("Expected reason %s, got %s", ReasonClientClosed, ev.Reason)
	}
	if ev.ExitCode == nil || *ev.ExitCode != 137 {
		t.Errorf("Expected exit code 137 after SIGKILL, got %v", ev.ExitCode)
	}
}

func TestProcessExitDestroysSession(t *testing.T) {
	r, rec := newTestRegistry(t, nil)
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	proc, _ := s.handles()
	if err := proc.Signal(supervisor.Kill); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Expected session to be torn down after process exit")
	}
	ev, ok := rec.find(EventTerminated, s.ID)
	if !ok {
		t.Fatal("Expected session_terminated")
	}
	if ev.Reason != ReasonProcessExited {
		t.Errorf("Expected reason %s, got %s", ReasonProcessExited, ev.Reason)
	}
	if ev.ExitCode == nil {
		t.Error("Expected exit code on session_terminated")
	}
}

func TestReapIfIdleAndTouchRace(t *testing.T) {
	clock := &fakeClock{now: time.Unix(10_000, 0)}
	r, rec := newTestRegistry(t, nil, WithClock(clock.Now))
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	clock.Advance(30 * time.Second)
	if r.ReapIfIdle(s.ID, time.Minute) {
		t.Fatal("Expected recently active session to survive")
	}

	clock.Advance(45 * time.Second)
	if err := r.Touch(s.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if r.ReapIfIdle(s.ID, time.Minute) {
		t.Fatal("Expected touched session to survive")
	}

	clock.Advance(2 * time.Minute)
	if !r.MarkIdle(s.ID, time.Minute) {
		t.Error("Expected quiet session to go idle")
	}
	if !r.ReapIfIdle(s.ID, time.Minute) {
		t.Fatal("Expected idle session to be reaped")
	}
	if err := r.Touch(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected Touch after reap to fail, got %v", err)
	}

	ev, ok := rec.find(EventTerminated, s.ID)
	if !ok || ev.Reason != ReasonIdleTimeout {
		t.Errorf("Expected idle_timeout termination, got %+v", ev)
	}
}

func TestReapIfIdleDisabled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(10_000, 0)}
	r, _ := newTestRegistry(t, nil, WithClock(clock.Now))

	s, err := r.Create(context.Background(), "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	clock.Advance(24 * time.Hour)
	if r.ReapIfIdle(s.ID, 0) {
		t.Error("Expected zero idle timeout to disable reaping")
	}
}

func TestDestroyOwnerAndShutdown(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	for _, owner := range []string{"alice", "alice", "bob"} {
		if _, err := r.Create(ctx, owner, CreateRequest{Profile: "echo"}); err != nil {
			t.Fatalf("Create(%s) error = %v", owner, err)
		}
	}

	if n := r.DestroyOwner(ctx, "alice", ReasonDisconnected); n != 2 {
		t.Errorf("Expected 2 sessions destroyed, got %d", n)
	}
	if r.CountByOwner("alice") != 0 || r.CountByOwner("bob") != 1 {
		t.Errorf("Expected only bob's session left, got %+v", r.ListAll())
	}

	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("Expected no sessions after shutdown, got %d", r.Count())
	}
	if r.Ready() {
		t.Error("Expected registry not ready after shutdown")
	}
	if _, err := r.Create(ctx, "bob", CreateRequest{Profile: "echo"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after shutdown, got %v", err)
	}
}

func TestRestartReplacesSession(t *testing.T) {
	r, rec := newTestRegistry(t, func(o *Options) { o.MaxPerOwner = 1 })
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo", Client: "conn-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := r.Restart(ctx, s.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for another owner, got %v", err)
	}

	next, err := r.Restart(ctx, s.ID, "alice")
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if next.ID == s.ID {
		t.Error("Expected a new session id")
	}
	if next.Client != "conn-1" || next.Profile != "echo" {
		t.Errorf("Expected same client and profile, got %s/%s", next.Client, next.Profile)
	}
	if s.State() != StateTerminated {
		t.Errorf("Expected old session terminated, got %s", s.State())
	}
	if r.CountByOwner("alice") != 1 {
		t.Errorf("Expected one session after restart, got %d", r.CountByOwner("alice"))
	}

	ev, ok := rec.find(EventTerminated, s.ID)
	if !ok || ev.Reason != ReasonRestarted {
		t.Errorf("Expected restarted termination, got %+v", ev)
	}
	if _, ok := rec.find(EventStarted, next.ID); !ok {
		t.Error("Expected session_started for the replacement")
	}
	if started, _ := rec.find(EventStarted, next.ID); started.Client != "conn-1" {
		t.Errorf("Expected replacement events for conn-1, got %q", started.Client)
	}

	if _, err := r.Restart(ctx, s.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for the old id, got %v", err)
	}
}

func TestConcurrentRestartsHaveOneWinner(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		restarts int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Restart(ctx, s.ID, "alice"); err == nil {
				mu.Lock()
				restarts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if restarts != 1 {
		t.Errorf("Expected exactly one restart to win, got %d", restarts)
	}
	if r.CountByOwner("alice") != 1 {
		t.Errorf("Expected one live session, got %d", r.CountByOwner("alice"))
	}
}

func TestLogsReturnRecentOutput(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	s, err := r.Create(ctx, "alice", CreateRequest{Profile: "echo"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.WriteInput(ctx, s.ID, "alice", []byte("one\ntwo\n")); err != nil {
		t.Fatalf("WriteInput() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(s.Logs(0)) == 2 })

	lines, err := r.Logs(ctx, s.ID, "alice", 1)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(lines) != 1 || lines[0] != "two" {
		t.Errorf("Expected [two], got %q", lines)
	}
	if _, err := r.Logs(ctx, s.ID, "bob", 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
}

func TestTrailingPartialRuneDeliveredAtExit(t *testing.T) {
	sup := supervisor.New(supervisor.WithTerminateGrace(200 * time.Millisecond))
	launcher := testLauncher()
	launcher["partial"] = LaunchSpec{
		Process: supervisor.Spec{
			Command: "/bin/sh",
			Args:    []string{"-c", `printf 'ab\342\202'; sleep 0.3`},
			IOMode:  supervisor.IOModePipe,
		},
		Framing: FramingRaw,
	}
	rec := &recordingDeliverer{}
	r := NewRegistry(sup, launcher, DefaultOptions(), WithDeliverer(rec))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })

	s, err := r.Create(context.Background(), "alice", CreateRequest{Profile: "partial"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected session to end when the process exits")
	}

	if got := rec.output(s.ID); got != "ab\xe2\x82" {
		t.Errorf("Expected trailing bytes delivered, got %q", got)
	}
}
