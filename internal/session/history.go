package session

import (
	"bytes"
	"time"

	"github.com/AltairaLabs/sessionbridge/internal/bridge"
)

// ring is a fixed-capacity buffer that evicts its oldest item when full.
// It is not safe for concurrent use; the owning session locks around it.
type ring[T any] struct {
	items []T
	start int
	size  int
}

func newRing[T any](capacity int) ring[T] {
	if capacity < 0 {
		capacity = 0
	}
	return ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) add(v T) {
	capacity := len(r.items)
	if capacity == 0 {
		return
	}
	if r.size < capacity {
		r.items[(r.start+r.size)%capacity] = v
		r.size++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % capacity
}

// last returns up to n of the newest items, oldest first. n <= 0 means all.
func (r *ring[T]) last(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)])
	}
	return out
}

// HistoryEntry is one recorded input
type HistoryEntry struct {
	Input string    `json:"input"`
	At    time.Time `json:"at"`
}

// History is a bounded record of recent inputs, oldest evicted first
type History struct {
	entries ring[HistoryEntry]
}

// NewHistory creates a history holding at most capacity entries
func NewHistory(capacity int) *History {
	return &History{entries: newRing[HistoryEntry](capacity)}
}

// Add appends an entry, evicting the oldest when full
func (h *History) Add(e HistoryEntry) {
	h.entries.add(e)
}

// Len returns the number of entries held
func (h *History) Len() int {
	return h.entries.size
}

// Entries returns the entries oldest first
func (h *History) Entries() []HistoryEntry {
	return h.entries.last(0)
}

// OutputLog keeps the most recent lines of a session's output. Each stream
// assembles its own lines; an unterminated line is held until its newline
// arrives and is reported after the completed ones.
type OutputLog struct {
	lines   ring[string]
	partial map[bridge.Stream][]byte
}

// NewOutputLog creates a log holding at most capacity lines
func NewOutputLog(capacity int) *OutputLog {
	return &OutputLog{
		lines:   newRing[string](capacity),
		partial: make(map[bridge.Stream][]byte),
	}
}

// Write appends output from stream
func (l *OutputLog) Write(stream bridge.Stream, data []byte) {
	if len(l.lines.items) == 0 {
		return
	}
	buf := l.partial[stream]
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			buf = appendBounded(buf, data)
			break
		}
		buf = appendBounded(buf, data[:i])
		l.lines.add(string(bytes.TrimSuffix(buf, []byte("\r"))))
		buf = buf[:0]
		data = data[i+1:]
	}
	if len(buf) == 0 {
		delete(l.partial, stream)
		return
	}
	l.partial[stream] = buf
}

// Len returns the number of completed lines held
func (l *OutputLog) Len() int {
	return l.lines.size
}

// Lines returns up to n of the most recent lines, oldest first, including
// any line still being written. n <= 0 returns everything held.
func (l *OutputLog) Lines(n int) []string {
	out := l.lines.last(0)
	for _, stream := range []bridge.Stream{bridge.StreamStdout, bridge.StreamStderr} {
		if p := l.partial[stream]; len(p) > 0 {
			out = append(out, string(p))
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// appendBounded grows a partial line up to maxLineBuffer bytes
func appendBounded(buf, data []byte) []byte {
	if room := maxLineBuffer - len(buf); room < len(data) {
		if room <= 0 {
			return buf
		}
		data = data[:room]
	}
	return append(buf, data...)
}
