// Package outbox settles transfers after the ledger commits.
//
// A Writer records an operation's instructions in the same store
// transaction as the ledger update, so a rolled back operation leaves
// nothing to settle. A Relay publishes committed batches in order and marks
// each one sent only after the publish succeeds. Delivery is at least once;
// consumers drop redeliveries by batch ID.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/cdp-engine/internal/metrics"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// DefaultBatchSize bounds the batches published per flush.
const DefaultBatchSize = 100

// Writer is a transfer.Executor that enqueues instructions instead of
// moving funds. Bind it to the transaction of the operation it settles.
type Writer struct {
	tx  store.Store
	now func() time.Time
}

var _ transfer.Executor = (*Writer)(nil)

// NewWriter returns a Writer enqueueing into tx.
func NewWriter(tx store.Store) *Writer {
	return &Writer{tx: tx, now: func() time.Time { return time.Now().UTC() }}
}

// Execute validates ins and enqueues it as one batch. An empty list
// enqueues nothing.
func (w *Writer) Execute(ctx context.Context, ins []transfer.Instruction) error {
	if len(ins) == 0 {
		return nil
	}
	b, err := transfer.NewBatch(ins, w.now())
	if err != nil {
		return err
	}
	return w.tx.EnqueueTransfers(ctx, &b)
}

// Publisher delivers one batch. *transfer.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, b transfer.Batch) error
}

var _ Publisher = (*transfer.Publisher)(nil)

// Relay drains the outbox into a Publisher.
type Relay struct {
	store     store.Store
	pub       Publisher
	interval  time.Duration
	batchSize int
	wake      chan struct{}
}

// NewRelay creates a relay that polls st every interval and whenever
// Notify is called.
func NewRelay(st store.Store, pub Publisher, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		store:     st,
		pub:       pub,
		interval:  interval,
		batchSize: DefaultBatchSize,
		wake:      make(chan struct{}, 1),
	}
}

// Notify schedules a flush without waiting for the next tick.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run flushes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
		n, err := r.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("transfer relay stalled", "relayed", n, "err", err)
		}
	}
}

// Flush publishes pending batches oldest first and returns how many were
// sent. It stops at the first failure so that later batches never
// overtake an earlier one.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	sent := 0
	for {
		pending, err := r.store.PendingTransfers(ctx, r.batchSize)
		if err != nil {
			return sent, fmt.Errorf("load pending transfers: %w", err)
		}
		if len(pending) == 0 {
			return sent, nil
		}
		for _, b := range pending {
			if err := r.pub.Publish(ctx, b); err != nil {
				metrics.TransferRelayFailures.Inc()
				return sent, fmt.Errorf("relay batch %s: %w", b.ID, err)
			}
			if err := r.store.MarkTransfersSent(ctx, b.ID); err != nil {
				return sent, fmt.Errorf("mark batch %s sent: %w", b.ID, err)
			}
			sent++
			metrics.TransferBatchesRelayed.Inc()
			slog.Debug("transfer batch relayed", "batch_id", b.ID, "instructions", len(b.Instructions))
		}
		if len(pending) < r.batchSize {
			return sent, nil
		}
	}
}
