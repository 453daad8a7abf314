package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/AltairaLabs/sessionbridge/internal/session"
)

// Publisher is the part of a NATS connection the deliverer uses
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSDeliverer mirrors session events onto NATS subjects of the form
// <prefix>.<session_id>.<event>.
type NATSDeliverer struct {
	pub    Publisher
	prefix string
}

// NewNATSDeliverer creates a deliverer publishing under prefix
func NewNATSDeliverer(pub Publisher, prefix string) *NATSDeliverer {
	return &NATSDeliverer{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
	}
}

// Subject returns the subject an event is published on
func (d *NATSDeliverer) Subject(ev session.Event) string {
	return d.prefix + "." + subjectToken(ev.SessionID) + "." + subjectToken(ev.Name)
}

// Deliver implements session.Deliverer
func (d *NATSDeliverer) Deliver(_ context.Context, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := d.pub.Publish(d.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Name, err)
	}
	return nil
}

// subjectToken makes s safe to use as a single NATS subject token
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// ConnectNATS dials a NATS server with reconnects enabled
func ConnectNATS(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return nc, nil
}
