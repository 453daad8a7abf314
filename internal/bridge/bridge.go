// Package bridge streams a child process's output to callbacks and writes
// client input to it with bounded, serialized writes.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/sessionbridge/internal/config"
)

// Errors returned by the bridge
var (
	// ErrBrokenPipe is returned when the process no longer accepts input
	ErrBrokenPipe = errors.New("broken pipe")
	// ErrTimedOut is returned when a write or call does not complete in time
	ErrTimedOut = errors.New("timed out")
	// ErrHandshakeTimeout is returned when the initial protocol handshake does not complete in time
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrUnsupportedFraming is returned for request/response calls on a raw bridge
	ErrUnsupportedFraming = errors.New("operation requires jsonrpc framing")
)

// Close reasons reported through OnClosed
const (
	CloseEOF      = "eof"
	CloseExited   = "process_exited"
	CloseDetached = "detached"
)

// Process is the part of a supervised child the bridge works with
type Process interface {
	Input() io.WriteCloser
	Output() io.Reader
	ErrOutput() io.Reader
	Done() <-chan struct{}
	IsAlive() bool
}

// CloseInfo describes why output delivery ended
type CloseInfo struct {
	Reason string
	Err    error
}

// Callbacks receive bridge events. They run on the session's reader goroutine,
// so a slow OnOutput slows only that session's reads.
type Callbacks struct {
	OnOutput     func(Chunk)
	OnDiagnostic func(Diagnostic)
	OnClosed     func(CloseInfo)
}

// Options tune a bridge
type Options struct {
	WriteTimeout   time.Duration
	DrainTimeout   time.Duration
	ReadBufferSize int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = config.DefaultWriteTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = config.DefaultDrainTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = config.DefaultReadBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Bridge binds one process's streams to one set of callbacks
type Bridge struct {
	proc    Process
	input   io.WriteCloser
	framing Framing
	cb      Callbacks
	opts    Options
	logger  *slog.Logger

	// writeSem serializes input so concurrent writers never interleave
	writeSem    chan struct{}
	inputMu     sync.Mutex
	inputClosed bool

	// emitMu orders output delivery against the close transition
	emitMu     sync.Mutex
	closedFlag bool
	closeOnce  sync.Once
	closed     chan struct{}

	readers sync.WaitGroup
}

// Attach starts one reader goroutine per output stream of proc and returns
// the bridge. OnClosed fires exactly once, on end of output or on process
// death (after a short drain), whichever comes first.
func Attach(proc Process, framing Framing, cb Callbacks, opts Options) *Bridge {
	opts = opts.withDefaults()
	if framing == nil {
		framing = NewRawFraming()
	}
	b := &Bridge{
		proc:     proc,
		input:    proc.Input(),
		framing:  framing,
		cb:       cb,
		opts:     opts,
		logger:   opts.Logger,
		writeSem: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}

	b.readers.Add(1)
	go b.readLoop(StreamStdout, proc.Output())

	if errOut := proc.ErrOutput(); errOut != nil {
		b.readers.Add(1)
		go b.readLoop(StreamStderr, errOut)
	}

	readersDone := make(chan struct{})
	go func() {
		b.readers.Wait()
		close(readersDone)
	}()

	go b.watch(readersDone)
	return b
}

// Framing returns the bridge's framing strategy
func (b *Bridge) Framing() Framing {
	return b.framing
}

// Closed returns a channel closed after OnClosed has run
func (b *Bridge) Closed() <-chan struct{} {
	return b.closed
}

func (b *Bridge) readLoop(stream Stream, r io.Reader) {
	defer b.readers.Done()
	buf := make([]byte, b.opts.ReadBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.feed(stream, chunk)
		}
		if err != nil {
			if !isEndOfOutput(err) {
				b.logger.Debug("Output read ended", "stream", stream, "error", err)
			}
			return
		}
	}
}

// watch fires the close transition once every stream has reached end of
// output, or on process death once the drain window has passed.
func (b *Bridge) watch(readersDone <-chan struct{}) {
	select {
	case <-readersDone:
		b.finish(CloseInfo{Reason: CloseEOF})
		return
	case <-b.closed:
		return
	case <-b.proc.Done():
	}

	timer := time.NewTimer(b.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-readersDone:
		b.finish(CloseInfo{Reason: CloseEOF})
	case <-timer.C:
		b.finish(CloseInfo{Reason: CloseExited})
	case <-b.closed:
	}
}

func (b *Bridge) feed(stream Stream, chunk []byte) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	if b.closedFlag {
		return
	}
	b.framing.Feed(stream, chunk, (*emitter)(b))
}

func (b *Bridge) finish(info CloseInfo) {
	b.closeOnce.Do(func() {
		b.emitMu.Lock()
		b.framing.Flush((*emitter)(b))
		b.closedFlag = true
		b.emitMu.Unlock()

		b.framing.Close()
		if b.cb.OnClosed != nil {
			b.cb.OnClosed(info)
		}
		close(b.closed)
	})
}

// emitter adapts the bridge's callbacks for framings; callers hold emitMu.
type emitter Bridge

func (e *emitter) Output(c Chunk) {
	if e.cb.OnOutput != nil {
		e.cb.OnOutput(c)
	}
}

func (e *emitter) Diagnostic(d Diagnostic) {
	if e.cb.OnDiagnostic != nil {
		e.cb.OnDiagnostic(d)
		return
	}
	e.logger.Warn("Undelivered process output", "kind", d.Kind, "message", d.Message)
}

// WriteInput writes data to the process's input. The whole operation,
// including waiting behind other writers, is bounded by the write timeout.
func (b *Bridge) WriteInput(ctx context.Context, data []byte) error {
	if !b.proc.IsAlive() {
		return ErrBrokenPipe
	}
	b.inputMu.Lock()
	inputClosed := b.inputClosed
	b.inputMu.Unlock()
	if inputClosed {
		return fmt.Errorf("%w: input closed", ErrBrokenPipe)
	}

	deadline := time.Now().Add(b.opts.WriteTimeout)
	timer := time.NewTimer(b.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case b.writeSem <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("%w: waiting for previous write", ErrTimedOut)
	case <-ctx.Done():
		return ctx.Err()
	case <-b.proc.Done():
		return ErrBrokenPipe
	}

	result := make(chan error, 1)
	go func() {
		defer func() { <-b.writeSem }()
		if d, ok := b.input.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(deadline)
		}
		_, err := b.input.Write(data)
		result <- err
	}()

	select {
	case err := <-result:
		return b.mapWriteError(err)
	case <-timer.C:
		return ErrTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) mapWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimedOut
	case errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EIO),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	case !b.proc.IsAlive():
		return fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	default:
		return fmt.Errorf("write input: %w", err)
	}
}

// Close closes the process's input, signaling end of input without killing
// it. It is safe to call more than once.
func (b *Bridge) Close() error {
	b.inputMu.Lock()
	if b.inputClosed {
		b.inputMu.Unlock()
		return nil
	}
	b.inputClosed = true
	b.inputMu.Unlock()

	if err := b.input.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close input: %w", err)
	}
	return nil
}

// Detach stops output delivery immediately. Readers exit once the process's
// descriptors are released.
func (b *Bridge) Detach() {
	b.finish(CloseInfo{Reason: CloseDetached})
}

// WaitReaders waits up to timeout for every reader goroutine to exit
func (b *Bridge) WaitReaders(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.readers.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Call sends a JSON-RPC request and waits for the matching response
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rpc, ok := b.framing.(*JSONRPCFraming)
	if !ok {
		return nil, ErrUnsupportedFraming
	}
	if raw, isRaw := params.(json.RawMessage); isRaw && len(raw) == 0 {
		params = nil
	}

	id, ch, err := rpc.register()
	if err != nil {
		return nil, err
	}
	line, err := encodeRequest(id, method, params)
	if err != nil {
		rpc.cancel(id)
		return nil, err
	}
	if err := b.WriteInput(ctx, line); err != nil {
		rpc.cancel(id)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, &RPCError{Method: method, JSONRPCErrorDetails: *res.msg.Error}
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		rpc.cancel(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimedOut, method)
		}
		return nil, ctx.Err()
	}
}

// Notify sends a JSON-RPC notification
func (b *Bridge) Notify(ctx context.Context, method string, params any) error {
	if _, ok := b.framing.(*JSONRPCFraming); !ok {
		return ErrUnsupportedFraming
	}
	line, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	return b.WriteInput(ctx, line)
}

// ClientInfo identifies the bridge during the MCP handshake
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Handshake performs the MCP initialize exchange within timeout
func (b *Bridge) Handshake(ctx context.Context, timeout time.Duration, client ClientInfo) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = config.DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo:      mcp.Implementation{Name: client.Name, Version: client.Version},
	}
	result, err := b.Call(ctx, "initialize", params)
	if err != nil {
		if errors.Is(err, ErrTimedOut) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %v", ErrHandshakeTimeout, timeout)
		}
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if err := b.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return result, nil
}

func isEndOfOutput(err error) bool {
	// A pty master reports EIO once the terminal's last writer is gone.
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}
