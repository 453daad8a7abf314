package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// maxLineSize bounds a single buffered message line
const maxLineSize = 4 * 1024 * 1024

// Message is one JSON-RPC 2.0 line read from a child: a request,
// notification or response.
type Message struct {
	JSONRPC string                   `json:"jsonrpc"`
	ID      *mcp.RequestId           `json:"id,omitempty"`
	Method  string                   `json:"method,omitempty"`
	Params  json.RawMessage          `json:"params,omitempty"`
	Result  json.RawMessage          `json:"result,omitempty"`
	Error   *mcp.JSONRPCErrorDetails `json:"error,omitempty"`
}

// IsResponse reports whether the message answers a request
func (m *Message) IsResponse() bool {
	return m.ID != nil && !m.ID.IsNil() && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// RPCError is an error response to a call. It unwraps to the mcp sentinel
// for the code, so errors.Is(err, mcp.ErrMethodNotFound) works.
type RPCError struct {
	Method string
	mcp.JSONRPCErrorDetails
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	return e.AsError()
}

type callResult struct {
	msg *Message
	err error
}

// JSONRPCFraming parses line-delimited JSON-RPC output and matches responses
// to pending requests by id. Requests and notifications sent by the child are
// delivered as output; anything else becomes a diagnostic.
type JSONRPCFraming struct {
	mu      sync.Mutex
	buf     []byte
	nextID  int64
	pending map[string]chan callResult
	closed  bool
}

// NewJSONRPCFraming returns a request/response framing
func NewJSONRPCFraming() *JSONRPCFraming {
	return &JSONRPCFraming{
		pending: make(map[string]chan callResult),
	}
}

// Name implements Framing
func (f *JSONRPCFraming) Name() string { return "jsonrpc" }

// Feed implements Framing
func (f *JSONRPCFraming) Feed(stream Stream, chunk []byte, emit Emitter) {
	if stream == StreamStderr {
		emit.Diagnostic(Diagnostic{Kind: DiagStderr, Message: "child stderr", Data: chunk})
		return
	}

	f.buf = append(f.buf, chunk...)
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		f.buf = f.buf[i+1:]
		f.handleLine(line, emit)
	}

	if len(f.buf) > maxLineSize {
		emit.Diagnostic(Diagnostic{
			Kind:    DiagTooLong,
			Message: fmt.Sprintf("discarded %d bytes without a line break", len(f.buf)),
		})
		f.buf = nil
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
}

// Flush implements Framing
func (f *JSONRPCFraming) Flush(emit Emitter) {
	if len(bytes.TrimSpace(f.buf)) > 0 {
		emit.Diagnostic(Diagnostic{
			Kind:    DiagTruncated,
			Message: "output ended inside a message",
			Data:    append([]byte(nil), f.buf...),
		})
	}
	f.buf = nil
}

func (f *JSONRPCFraming) handleLine(line []byte, emit Emitter) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	raw := append([]byte(nil), line...)

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.JSONRPC != mcp.JSONRPC_VERSION {
		reason := "not a JSON-RPC 2.0 message"
		if err != nil {
			reason = err.Error()
		}
		emit.Diagnostic(Diagnostic{Kind: DiagMalformed, Message: reason, Data: raw})
		return
	}

	if !msg.IsResponse() {
		emit.Output(Chunk{Stream: StreamStdout, Data: append(raw, '\n')})
		return
	}

	key := msg.ID.String()
	f.mu.Lock()
	ch, ok := f.pending[key]
	if ok {
		delete(f.pending, key)
	}
	f.mu.Unlock()

	if !ok {
		emit.Diagnostic(Diagnostic{
			Kind:    DiagUnmatched,
			Message: fmt.Sprintf("no pending request with id %v", msg.ID.Value()),
			Data:    raw,
		})
		return
	}
	ch <- callResult{msg: &msg}
}

// register allocates a request id and the channel its response arrives on
func (f *JSONRPCFraming) register() (int64, chan callResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, nil, ErrBrokenPipe
	}
	f.nextID++
	id := f.nextID
	ch := make(chan callResult, 1)
	f.pending[requestKey(id)] = ch
	return id, ch, nil
}

func (f *JSONRPCFraming) cancel(id int64) {
	f.mu.Lock()
	delete(f.pending, requestKey(id))
	f.mu.Unlock()
}

// Pending returns the number of requests awaiting a response
func (f *JSONRPCFraming) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Close implements Framing
func (f *JSONRPCFraming) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for key, ch := range f.pending {
		ch <- callResult{err: ErrBrokenPipe}
		delete(f.pending, key)
	}
}

func requestKey(id int64) string {
	return mcp.NewRequestId(id).String()
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	return marshalLine(mcp.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(id),
		Params:  params,
		Request: mcp.Request{Method: method},
	})
}

func encodeNotification(method string, params any) ([]byte, error) {
	msg := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{mcp.JSONRPC_VERSION, method, params}
	return marshalLine(msg)
}

func marshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(data, '\n'), nil
}
