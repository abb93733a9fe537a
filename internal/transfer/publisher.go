package transfer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Conn is the subset of *nats.Conn used by Publisher.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

var _ Conn = (*nats.Conn)(nil)

// Publisher hands committed batches to a settlement worker over NATS. Each
// batch is a single message on "<prefix>.batch", so a worker sees all of
// a batch or none of it. The batch ID is sent as Nats-Msg-Id; a JetStream
// stream with duplicate detection drops redeliveries.
type Publisher struct {
	nc     Conn
	prefix string
}

// NewPublisher creates a NATS batch publisher. An empty prefix defaults to
// "cdp.transfers".
func NewPublisher(nc Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "cdp.transfers"
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Subject returns the subject batches are published on.
func (p *Publisher) Subject() string {
	return p.prefix + ".batch"
}

// Publish sends b and waits for the server to acknowledge the flush.
func (p *Publisher) Publish(ctx context.Context, b Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	msg := nats.NewMsg(p.Subject())
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, b.ID)
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish batch %s: %w", b.ID, err)
	}
	return p.nc.FlushWithContext(ctx)
}
