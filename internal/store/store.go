// Package store defines the persistence interface for the CDP engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/transfer"
)

var (
	ErrConfigNotFound   = errors.New("store: config not initialized")
	ErrAssetNotFound    = errors.New("store: asset not registered")
	ErrAssetExists      = errors.New("store: asset already registered")
	ErrPositionNotFound = errors.New("store: position not found")
)

// Order is the idx ordering of a position page.
type Order string

const (
	Ascending  Order = "asc"
	Descending Order = "desc"
)

const (
	DefaultLimit = 10
	MaxLimit     = 30
)

// PositionFilter selects a page of positions. Owner and AssetToken are
// optional and combine with AND. StartAfter is exclusive in the direction
// of Order.
type PositionFilter struct {
	Owner      string
	AssetToken string
	StartAfter *uint64
	Limit      int
	Order      Order
}

// Normalize applies the default and maximum page size and the default
// ordering.
func (f PositionFilter) Normalize() PositionFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Order != Descending {
		f.Order = Ascending
	}
	return f
}

// Match reports whether p passes the owner, asset and cursor filters.
func (f PositionFilter) Match(p *model.Position) bool {
	if f.Owner != "" && p.Owner != f.Owner {
		return false
	}
	if f.AssetToken != "" && p.Asset.Info.ID() != f.AssetToken {
		return false
	}
	if f.StartAfter != nil {
		if f.Order == Descending && p.Idx >= *f.StartAfter {
			return false
		}
		if f.Order != Descending && p.Idx <= *f.StartAfter {
			return false
		}
	}
	return true
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Protocol configuration ---

	// Config returns the singleton configuration or ErrConfigNotFound.
	Config(ctx context.Context) (*model.Config, error)

	// SaveConfig creates or replaces the singleton configuration.
	SaveConfig(ctx context.Context, cfg *model.Config) error

	// --- Asset risk parameters ---

	// AssetConfig returns the parameters of a minted token or ErrAssetNotFound.
	AssetConfig(ctx context.Context, token string) (*model.AssetConfig, error)

	// CreateAssetConfig registers a new asset; ErrAssetExists if present.
	CreateAssetConfig(ctx context.Context, cfg *model.AssetConfig) error

	// UpdateAssetConfig replaces the parameters of a registered asset.
	UpdateAssetConfig(ctx context.Context, cfg *model.AssetConfig) error

	// ListAssetConfigs returns every registered asset ordered by token.
	ListAssetConfigs(ctx context.Context) ([]model.AssetConfig, error)

	// --- Position ledger ---

	// CreatePosition assigns the next idx to p and persists it.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition returns a position by idx or ErrPositionNotFound.
	GetPosition(ctx context.Context, idx uint64) (*model.Position, error)

	// UpdatePosition replaces the amounts of an existing position.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// ListPositions returns one page of positions.
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)

	// NextPositionIdx returns the idx the next position will receive.
	NextPositionIdx(ctx context.Context) (uint64, error)

	// --- Immutable event ledger ---

	// InsertEvent appends an immutable action record.
	InsertEvent(ctx context.Context, e *model.Event) error

	// EventsByPosition returns a position's events in insertion order.
	EventsByPosition(ctx context.Context, idx uint64) ([]model.Event, error)

	// --- Transfer outbox ---

	// EnqueueTransfers records a batch to be relayed once the surrounding
	// transaction commits.
	EnqueueTransfers(ctx context.Context, b *transfer.Batch) error

	// PendingTransfers returns up to limit unsent batches, oldest first.
	// A limit of zero or less returns all of them.
	PendingTransfers(ctx context.Context, limit int) ([]transfer.Batch, error)

	// MarkTransfersSent removes a batch from the pending set. Marking an
	// unknown or already sent batch is a no-op.
	MarkTransfersSent(ctx context.Context, id string) error

	// --- Transactions ---

	// WithTx runs fn against a transactional view of the store. Writes made
	// through that view are committed if fn returns nil and discarded
	// otherwise.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
