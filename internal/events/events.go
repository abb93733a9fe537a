// Package events fans committed ledger events out to subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/atmx/cdp-engine/internal/model"
)

// Sink receives events after the transaction that produced them has
// committed. Publishing is best effort; the ledger is the source of truth.
type Sink interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Conn is the subset of *nats.Conn used by NATSSink.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// NATSSink publishes each event as JSON on "<prefix>.<action>".
type NATSSink struct {
	nc     Conn
	prefix string
}

// NewNATSSink creates a sink. An empty prefix defaults to "cdp.positions".
func NewNATSSink(nc Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "cdp.positions"
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

func (s *NATSSink) Subject(a model.Action) string {
	return s.prefix + "." + string(a)
}

func (s *NATSSink) Publish(_ context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	if err := s.nc.Publish(s.Subject(ev.Action), data); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	return nil
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, model.Event) error { return nil }
