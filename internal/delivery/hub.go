// Package delivery routes session events to the client connection that owns
// the session, and optionally mirrors them onto a message bus.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AltairaLabs/sessionbridge/internal/session"
)

// ErrNoSubscriber is returned when an event's client is not connected
var ErrNoSubscriber = errors.New("no subscriber for client")

// Sink receives events for one client connection
type Sink interface {
	Send(ctx context.Context, ev session.Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, ev session.Event) error

// Send implements Sink
func (f SinkFunc) Send(ctx context.Context, ev session.Event) error {
	return f(ctx, ev)
}

// Hub routes events to the sink registered for the event's client. Each
// session has exactly one client, so an event never reaches another
// connection.
type Hub struct {
	sinks map[string]Sink
	mu    sync.RWMutex
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		sinks: make(map[string]Sink),
	}
}

// Register attaches a sink for client, replacing any previous one
func (h *Hub) Register(client string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[client] = sink
}

// Unregister removes client's sink
func (h *Hub) Unregister(client string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, client)
}

// Has reports whether client has a sink
func (h *Hub) Has(client string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sinks[client]
	return ok
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Deliver implements session.Deliverer
func (h *Hub) Deliver(ctx context.Context, ev session.Event) error {
	h.mu.RLock()
	sink, ok := h.sinks[ev.Client]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q (session %s)", ErrNoSubscriber, ev.Client, ev.SessionID)
	}
	return sink.Send(ctx, ev)
}

// Multi fans an event out to several deliverers. Every deliverer is tried;
// the failures are joined.
type Multi []session.Deliverer

// Deliver implements session.Deliverer
func (m Multi) Deliver(ctx context.Context, ev session.Event) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
