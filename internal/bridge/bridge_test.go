package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/sessionbridge/internal/supervisor"
)

func spawn(t *testing.T, spec supervisor.Spec) (*supervisor.Supervisor, *supervisor.Process) {
	t.Helper()
	sup := supervisor.New(
		supervisor.WithTerminateGrace(300*time.Millisecond),
		supervisor.WithKillTimeout(2*time.Second),
	)
	p, err := sup.Spawn(context.Background(), t.Name(), spec)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	t.Cleanup(func() {
		_, _ = sup.Teardown(p)
		_ = p.Release()
	})
	return sup, p
}

func TestEchoRoundTrip(t *testing.T) {
	_, p := spawn(t, supervisor.Spec{Command: "/bin/cat", IOMode: supervisor.IOModePipe})
	rec := newRecorder()
	b := Attach(p, NewRawFraming(), rec.callbacks(), Options{})

	if err := b.WriteInput(context.Background(), []byte("ping\n")); err != nil {
		t.Fatalf("WriteInput() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return strings.Contains(rec.text(), "ping") })
}

func TestOutputOrderUnderConcurrentInput(t *testing.T) {
	const lines = 3000
	script := fmt.Sprintf(`i=0; while [ $i -lt %d ]; do echo $i; i=$((i+1)); done; cat >/dev/null`, lines)
	_, p := spawn(t, supervisor.Spec{Command: "/bin/sh", Args: []string{"-c", script}})
	rec := newRecorder()
	b := Attach(p, NewRawFraming(), rec.callbacks(), Options{ReadBufferSize: 64})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = b.WriteInput(context.Background(), []byte(fmt.Sprintf("writer %d line %d\n", w, i)))
			}
		}(w)
	}
	wg.Wait()

	waitFor(t, 5*time.Second, func() bool {
		return strings.Count(rec.text(), "\n") >= lines
	})

	got := strings.Split(strings.TrimSpace(rec.text()), "\n")
	for i := 0; i < lines; i++ {
		if got[i] != strconv.Itoa(i) {
			t.Fatalf("Output out of order at line %d: got %q", i, got[i])
		}
	}
}

func TestOnClosedExactlyOnceAfterOutput(t *testing.T) {
	_, p := spawn(t, supervisor.Spec{Command: "/bin/sh", Args: []string{"-c", "echo goodbye"}})
	rec := newRecorder()
	b := Attach(p, NewRawFraming(), rec.callbacks(), Options{})

	info := rec.waitClosed(t, 2*time.Second)
	if info.Reason != CloseEOF && info.Reason != CloseExited {
		t.Errorf("Unexpected close reason %q", info.Reason)
	}
	if !strings.Contains(rec.text(), "goodbye") {
		t.Errorf("Expected output before close, got %q", rec.text())
	}

	b.Detach()
	time.Sleep(50 * time.Millisecond)
	if n := rec.closeCount(); n != 1 {
		t.Errorf("Expected OnClosed once, got %d", n)
	}
}

func TestClosedWhenGrandchildHoldsOutput(t *testing.T) {
	// The leader exits while a background child keeps stdout open, so EOF
	// never arrives; process death must still close the bridge.
	_, p := spawn(t, supervisor.Spec{Command: "/bin/sh", Args: []string{"-c", "sleep 30 & exit 0"}})
	rec := newRecorder()
	Attach(p, NewRawFraming(), rec.callbacks(), Options{DrainTimeout: 50 * time.Millisecond})

	info := rec.waitClosed(t, 2*time.Second)
	if info.Reason != CloseExited {
		t.Errorf("Expected reason %q, got %q", CloseExited, info.Reason)
	}
}

func TestWriteAfterExitIsBrokenPipe(t *testing.T) {
	_, p := spawn(t, supervisor.Spec{Command: "/bin/sh", Args: []string{"-c", "exit 0"}})
	rec := newRecorder()
	b := Attach(p, NewRawFraming(), rec.callbacks(), Options{WriteTimeout: time.Second})

	<-p.Done()
	start := time.Now()
	err := b.WriteInput(context.Background(), []byte("hello\n"))
	if !errors.Is(err, ErrBrokenPipe) {
		t.Errorf("Expected ErrBrokenPipe, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("WriteInput took %v, longer than its timeout", elapsed)
	}
}

func TestWriteTimesOutOnStalledChild(t *testing.T) {
	// sleep never reads stdin; once the pipe buffer fills the write stalls.
	_, p := spawn(t, supervisor.Spec{Command: "/bin/sleep", Args: []string{"30"}})
	rec := newRecorder()
	b := Attach(p, NewRawFraming(), rec.callbacks(), Options{WriteTimeout: 200 * time.Millisecond})

	big := bytes.Repeat([]byte("x"), 1<<20)
	start := time.Now()
	err := b.WriteInput(context.Background(), big)
	if !errors.Is(err, ErrTimedOut) {
		t.Errorf("Expected ErrTimedOut, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("WriteInput blocked for %v", elapsed)
	}
	if !p.IsAlive() {
		t.Error("A write timeout must not kill the process")
	}
}

func TestCloseSignalsEOF(t *testing.T) {
	_, p := spawn(t, supervisor.Spec{Command: "/bin/cat", IOMode: supervisor.IOModePipe})
	rec := newRecorder()
	b := Attach(p, NewRawFraming(), rec.callbacks(), Options{})

	if err := b.WriteInput(context.Background(), []byte("last words\n")); err != nil {
		t.Fatalf("WriteInput() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Second Close() error = %v", err)
	}

	rec.waitClosed(t, 2*time.Second)
	if !strings.Contains(rec.text(), "last words") {
		t.Errorf("Expected buffered output to drain, got %q", rec.text())
	}
	if err := b.WriteInput(context.Background(), []byte("more\n")); !errors.Is(err, ErrBrokenPipe) {
		t.Errorf("Expected ErrBrokenPipe after Close, got %v", err)
	}
}

func TestDetachSuppressesOutput(t *testing.T) {
	_, p := spawn(t, supervisor.Spec{Command: "/bin/cat", IOMode: supervisor.IOModePipe})
	rec := newRecorder()
	b := Attach(p, NewRawFraming(), rec.callbacks(), Options{})

	b.Detach()
	info := rec.waitClosed(t, time.Second)
	if info.Reason != CloseDetached {
		t.Errorf("Expected reason %q, got %q", CloseDetached, info.Reason)
	}

	_ = b.WriteInput(context.Background(), []byte("after detach\n"))
	time.Sleep(100 * time.Millisecond)
	if rec.text() != "" {
		t.Errorf("Expected no output after detach, got %q", rec.text())
	}
}

func TestStderrDeliveredSeparately(t *testing.T) {
	_, p := spawn(t, supervisor.Spec{Command: "/bin/sh", Args: []string{"-c", "echo oops >&2; echo fine"}})
	rec := newRecorder()
	Attach(p, NewRawFraming(), rec.callbacks(), Options{})
	rec.waitClosed(t, 2*time.Second)

	waitFor(t, time.Second, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, c := range rec.chunks {
			if c.Stream == StreamStderr && strings.Contains(string(c.Data), "oops") {
				return true
			}
		}
		return false
	})
}

func TestPTYEchoAndEIO(t *testing.T) {
	_, p := spawn(t, supervisor.Spec{Command: "/bin/cat", IOMode: supervisor.IOModePTY})
	rec := newRecorder()
	b := Attach(p, NewRawFraming(), rec.callbacks(), Options{})

	if err := b.WriteInput(context.Background(), []byte("tty-ping\n")); err != nil {
		t.Fatalf("WriteInput() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return strings.Count(rec.text(), "tty-ping") >= 2 })

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	rec.waitClosed(t, 3*time.Second)
}

func TestCallRequiresJSONRPCFraming(t *testing.T) {
	_, p := spawn(t, supervisor.Spec{Command: "/bin/cat", IOMode: supervisor.IOModePipe})
	b := Attach(p, NewRawFraming(), newRecorder().callbacks(), Options{})

	if _, err := b.Call(context.Background(), "ping", nil); !errors.Is(err, ErrUnsupportedFraming) {
		t.Errorf("Expected ErrUnsupportedFraming, got %v", err)
	}
}

func TestJSONRPCHandshakeAndCall(t *testing.T) {
	_, p := spawn(t, helperSpec("normal"))
	rec := newRecorder()
	b := Attach(p, NewJSONRPCFraming(), rec.callbacks(), Options{})
	ctx := context.Background()

	result, err := b.Handshake(ctx, 5*time.Second, ClientInfo{Name: "test", Version: "1"})
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	if !strings.Contains(string(result), "helper") {
		t.Errorf("Unexpected initialize result %s", result)
	}
	if !strings.Contains(string(result), mcp.LATEST_PROTOCOL_VERSION) {
		t.Errorf("Expected protocol version %s in %s", mcp.LATEST_PROTOCOL_VERSION, result)
	}

	res, err := b.Call(ctx, "echo", map[string]string{"msg": "hi"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var echoed map[string]string
	if err := json.Unmarshal(res, &echoed); err != nil || echoed["msg"] != "hi" {
		t.Errorf("Expected echoed params, got %s (%v)", res, err)
	}

	_, err = b.Call(ctx, "nope", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Errorf("Expected method-not-found RPCError, got %v", err)
	}
	if !errors.Is(err, mcp.ErrMethodNotFound) {
		t.Errorf("Expected error to match mcp.ErrMethodNotFound, got %v", err)
	}

	if _, err := b.Call(ctx, "progress", nil); err != nil {
		t.Fatalf("Call(progress) error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return strings.Contains(rec.text(), "notifications/progress") })

	if n := b.Framing().(*JSONRPCFraming).Pending(); n != 0 {
		t.Errorf("Expected no pending requests, got %d", n)
	}
}

func TestJSONRPCConcurrentCalls(t *testing.T) {
	_, p := spawn(t, helperSpec("normal"))
	b := Attach(p, NewJSONRPCFraming(), newRecorder().callbacks(), Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := b.Call(context.Background(), "echo", []int{i})
			if err != nil {
				errs <- err
				return
			}
			if string(res) != fmt.Sprintf("[%d]", i) {
				errs <- fmt.Errorf("call %d got %s", i, res)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestJSONRPCDiagnostics(t *testing.T) {
	_, p := spawn(t, helperSpec("noisy"))
	rec := newRecorder()
	b := Attach(p, NewJSONRPCFraming(), rec.callbacks(), Options{})

	if _, err := b.Call(context.Background(), "echo", "x"); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	kinds := make(map[string]bool)
	for _, d := range rec.diags() {
		kinds[d.Kind] = true
	}
	if !kinds[DiagMalformed] {
		t.Error("Expected malformed diagnostic for non-JSON line")
	}
	if !kinds[DiagUnmatched] {
		t.Error("Expected unmatched diagnostic for stale response")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	_, p := spawn(t, helperSpec("silent"))
	b := Attach(p, NewJSONRPCFraming(), newRecorder().callbacks(), Options{})

	_, err := b.Handshake(context.Background(), 200*time.Millisecond, ClientInfo{Name: "test"})
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("Expected ErrHandshakeTimeout, got %v", err)
	}
	if n := b.Framing().(*JSONRPCFraming).Pending(); n != 0 {
		t.Errorf("Expected timed out request to be cancelled, %d pending", n)
	}
}

func TestPendingCallsFailWhenProcessDies(t *testing.T) {
	sup, p := spawn(t, helperSpec("silent"))
	b := Attach(p, NewJSONRPCFraming(), newRecorder().callbacks(), Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Call(context.Background(), "echo", nil)
		errCh <- err
	}()

	waitFor(t, time.Second, func() bool { return b.Framing().(*JSONRPCFraming).Pending() == 1 })
	if _, err := sup.Teardown(p); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrBrokenPipe) {
			t.Errorf("Expected ErrBrokenPipe, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Pending call not released after process death")
	}
}
