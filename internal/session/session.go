package session

import (
	"bytes"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/AltairaLabs/sessionbridge/internal/bridge"
	"github.com/AltairaLabs/sessionbridge/internal/supervisor"
)

// maxLineBuffer bounds the partial input line kept for history
const maxLineBuffer = 4096

// Session is one client's bridged child process
type Session struct {
	ID        string
	Owner     string
	Client    string
	Profile   string
	IOMode    supervisor.IOMode
	Framing   string
	CreatedAt time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	reason       string
	exitCode     *int
	history      *History
	logs         *OutputLog
	lineBuf      []byte

	// request is what the session was launched from, kept for restarts
	request CreateRequest

	proc   *supervisor.Process
	bridge *bridge.Bridge

	// trailing partial UTF-8 sequences, one per output stream reader
	carryOut []byte
	carryErr []byte

	destroyed   chan struct{}
	destroyOnce sync.Once
}

func newSession(id, owner string, req CreateRequest, spec LaunchSpec, historyCap, logLines int, now time.Time) *Session {
	req.Profile = spec.Profile
	return &Session{
		ID:           id,
		Owner:        owner,
		Client:       req.Client,
		Profile:      spec.Profile,
		IOMode:       spec.Process.IOMode,
		Framing:      spec.Framing,
		CreatedAt:    now,
		state:        StateStarting,
		lastActivity: now,
		history:      NewHistory(historyCap),
		logs:         NewOutputLog(logLines),
		request:      req,
		destroyed:    make(chan struct{}),
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last input or output transfer
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// History returns recorded inputs, oldest first
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Entries()
}

// Logs returns up to n of the most recent output lines, oldest first.
// n <= 0 returns every retained line.
func (s *Session) Logs(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs.Lines(n)
}

func (s *Session) recordOutput(stream bridge.Stream, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs.Write(stream, data)
}

// Done returns a channel closed once the session has been torn down
func (s *Session) Done() <-chan struct{} {
	return s.destroyed
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:           s.ID,
		Owner:        s.Owner,
		Profile:      s.Profile,
		IOMode:       s.IOMode,
		Framing:      s.Framing,
		State:        s.state,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Reason:       s.reason,
		HistoryLen:   s.history.Len(),
		LogLines:     s.logs.Len(),
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	if s.proc != nil {
		info.PID = s.proc.PID()
		info.Alive = s.proc.IsAlive()
	}
	return info
}

// touch advances lastActivity and wakes an idle session. It refuses once
// teardown has begun so an in-flight transfer cannot revive a dying session.
func (s *Session) touch(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Live() {
		return ErrSessionClosed
	}
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	if s.state == StateIdle {
		s.state = StateActive
	}
	return nil
}

// beginTeardown moves a session to Terminating. It returns false if
// teardown already started.
func (s *Session) beginTeardown(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginTeardownLocked(reason)
}

func (s *Session) beginTeardownLocked(reason string) bool {
	if !s.state.Live() {
		return false
	}
	s.state = StateTerminating
	s.reason = reason
	return true
}

// beginFailure moves a Starting session to Terminating on behalf of a failed
// launch or handshake. It returns false once anything else moved it on.
func (s *Session) beginFailure(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		return false
	}
	s.state = StateTerminating
	s.reason = reason
	return true
}

// markIdleIfQuiet moves an active session to Idle when it has been quiet
// for at least idleAfter.
func (s *Session) markIdleIfQuiet(idleAfter time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || now.Sub(s.lastActivity) < idleAfter {
		return false
	}
	s.state = StateIdle
	return true
}

// recordInput assembles input into lines and returns the completed ones
func (s *Session) recordInput(data []byte, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lines []string
	for _, c := range data {
		switch c {
		case '\r', '\n':
			if line := string(bytes.TrimSpace(s.lineBuf)); line != "" {
				s.history.Add(HistoryEntry{Input: line, At: now})
				lines = append(lines, line)
			}
			s.lineBuf = s.lineBuf[:0]
		case 0x7f, '\b':
			if n := len(s.lineBuf); n > 0 {
				s.lineBuf = s.lineBuf[:n-1]
			}
		default:
			if len(s.lineBuf) < maxLineBuffer {
				s.lineBuf = append(s.lineBuf, c)
			}
		}
	}
	return lines
}

// completeUTF8 joins a chunk with the stream's held-back bytes and splits off
// a trailing incomplete rune. Only the stream's reader goroutine calls it.
func (s *Session) completeUTF8(stream bridge.Stream, chunk []byte) []byte {
	carry := s.carry(stream)
	if len(*carry) > 0 {
		chunk = append(*carry, chunk...)
		*carry = nil
	}
	cut := incompleteSuffix(chunk)
	if cut == 0 {
		return chunk
	}
	*carry = append([]byte(nil), chunk[len(chunk)-cut:]...)
	return chunk[:len(chunk)-cut]
}

// drainCarry returns and clears the bytes held back for stream. It is called
// once output has ended, when no reader can add to the carry.
func (s *Session) drainCarry(stream bridge.Stream) []byte {
	carry := s.carry(stream)
	rest := *carry
	*carry = nil
	return rest
}

func (s *Session) carry(stream bridge.Stream) *[]byte {
	if stream == bridge.StreamStderr {
		return &s.carryErr
	}
	return &s.carryOut
}

// incompleteSuffix returns the length of a truncated UTF-8 sequence at the
// end of b, or 0 if b ends on a rune boundary or in invalid bytes.
func incompleteSuffix(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return i
			}
			return 0
		}
	}
	return 0
}

func (s *Session) setProcess(p *supervisor.Process, b *bridge.Bridge) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = p
	s.bridge = b
	return s.state == StateStarting
}

func (s *Session) activate(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		return false
	}
	s.state = StateActive
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	return true
}

func (s *Session) finalize(state State, exitCode *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.exitCode = exitCode
}

// markDestroyed releases everyone waiting on Done
func (s *Session) markDestroyed() {
	s.destroyOnce.Do(func() { close(s.destroyed) })
}

func (s *Session) handles() (*supervisor.Process, *bridge.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc, s.bridge
}
