// Package audit records session lifecycle and input history off the hot path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/AltairaLabs/sessionbridge/internal/config"
	"github.com/AltairaLabs/sessionbridge/internal/session"
)

// Logger writes audit records to a structured logger from a background
// goroutine. Record never blocks; records are dropped when the buffer is full
// or the logger is closed.
type Logger struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	closed  bool
	records chan session.AuditRecord
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewLogger creates an audit logger with the given buffer size and starts
// its writer goroutine.
func NewLogger(logger *slog.Logger, buffer int) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = config.DefaultAuditBuffer
	}
	al := &Logger{
		logger:  logger,
		records: make(chan session.AuditRecord, buffer),
		done:    make(chan struct{}),
	}
	go al.run()
	return al
}

// Record implements session.Auditor
func (al *Logger) Record(_ context.Context, rec session.AuditRecord) {
	al.mu.RLock()
	defer al.mu.RUnlock()
	if al.closed {
		al.dropped.Add(1)
		return
	}
	select {
	case al.records <- rec:
	default:
		al.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded, either because the buffer
// was full or because they arrived after Close
func (al *Logger) Dropped() int64 {
	return al.dropped.Load()
}

// Close flushes buffered records and stops the writer. Records arriving
// afterwards are counted as dropped.
func (al *Logger) Close() {
	al.once.Do(func() {
		al.mu.Lock()
		al.closed = true
		close(al.records)
		al.mu.Unlock()
		<-al.done
	})
}

func (al *Logger) run() {
	defer close(al.done)
	for rec := range al.records {
		al.write(rec)
	}
}

func (al *Logger) write(rec session.AuditRecord) {
	attrs := []any{
		"kind", rec.Kind,
		"session_id", rec.SessionID,
		"owner", rec.Owner,
		"timestamp", rec.Time,
	}
	if rec.Profile != "" {
		attrs = append(attrs, "profile", rec.Profile)
	}

	switch rec.Kind {
	case session.AuditInput:
		attrs = append(attrs, "input", rec.Input)
		al.logger.Info("session_input", attrs...)
	case session.AuditTerminated:
		attrs = append(attrs, "reason", rec.Reason)
		if rec.ExitCode != nil {
			attrs = append(attrs, "exit_code", *rec.ExitCode)
		}
		al.logger.Info("session_terminated", attrs...)
	case session.AuditFailed:
		attrs = append(attrs, "reason", rec.Reason)
		al.logger.Warn("session_failed", attrs...)
	default:
		al.logger.Info("session_"+rec.Kind, attrs...)
	}
}
