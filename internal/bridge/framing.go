package bridge

// Stream identifies which child stream a chunk came from
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Chunk is a piece of process output ready for delivery
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Diagnostic describes output that could not be delivered as a message
type Diagnostic struct {
	Kind    string
	Message string
	Data    []byte
}

// Diagnostic kinds
const (
	DiagMalformed = "malformed"
	DiagUnmatched = "unmatched_response"
	DiagTooLong   = "line_too_long"
	DiagStderr    = "stderr"
	DiagTruncated = "truncated"
)

// Emitter receives the results of framing process output
type Emitter interface {
	Output(Chunk)
	Diagnostic(Diagnostic)
}

// Framing turns raw process output into deliverable chunks. Feed is only
// ever called from one reader goroutine per stream.
type Framing interface {
	Name() string
	Feed(stream Stream, chunk []byte, emit Emitter)
	// Flush is called once when output ends, with any buffered remainder
	Flush(emit Emitter)
	// Close fails anything still waiting on the framing
	Close()
}

// RawFraming passes bytes through untouched
type RawFraming struct{}

// NewRawFraming returns the pass-through framing used for terminals
func NewRawFraming() *RawFraming {
	return &RawFraming{}
}

// Name implements Framing
func (RawFraming) Name() string { return "raw" }

// Feed implements Framing
func (RawFraming) Feed(stream Stream, chunk []byte, emit Emitter) {
	emit.Output(Chunk{Stream: stream, Data: chunk})
}

// Flush implements Framing
func (RawFraming) Flush(Emitter) {}

// Close implements Framing
func (RawFraming) Close() {}
