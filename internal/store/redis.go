package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for positions and asset configs. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Inside a transaction reads bypass the cache and invalidation is
// deferred until commit.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration

	inTx  bool
	dirty *[]string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	var dirty []string
	err := s.primary.WithTx(ctx, func(tx Store) error {
		return fn(&CachedStore{primary: tx, rdb: s.rdb, ttl: s.ttl, inTx: true, dirty: &dirty})
	})
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		s.rdb.Del(ctx, dirty...)
	}
	return nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveConfig(ctx context.Context, cfg *model.Config) error {
	return s.primary.SaveConfig(ctx, cfg)
}

func (s *CachedStore) CreateAssetConfig(ctx context.Context, cfg *model.AssetConfig) error {
	if err := s.primary.CreateAssetConfig(ctx, cfg); err != nil {
		return err
	}
	s.invalidate(ctx, assetKey(cfg.Token))
	return nil
}

func (s *CachedStore) UpdateAssetConfig(ctx context.Context, cfg *model.AssetConfig) error {
	if err := s.primary.UpdateAssetConfig(ctx, cfg); err != nil {
		return err
	}
	s.invalidate(ctx, assetKey(cfg.Token))
	return nil
}

func (s *CachedStore) CreatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.CreatePosition(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, positionKey(p.Idx))
	return nil
}

func (s *CachedStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpdatePosition(ctx, p); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.invalidate(ctx, positionKey(p.Idx))
	return nil
}

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.primary.InsertEvent(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, idx uint64) (*model.Position, error) {
	if s.inTx {
		return s.primary.GetPosition(ctx, idx)
	}

	// Try cache.
	data, err := s.rdb.Get(ctx, positionKey(idx)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, idx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionKey(idx), p)
	return p, nil
}

func (s *CachedStore) AssetConfig(ctx context.Context, token string) (*model.AssetConfig, error) {
	if s.inTx {
		return s.primary.AssetConfig(ctx, token)
	}

	data, err := s.rdb.Get(ctx, assetKey(token)).Bytes()
	if err == nil {
		var a model.AssetConfig
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.AssetConfig(ctx, token)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, assetKey(token), a)
	return a, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Config(ctx context.Context) (*model.Config, error) {
	return s.primary.Config(ctx)
}

func (s *CachedStore) ListAssetConfigs(ctx context.Context) ([]model.AssetConfig, error) {
	return s.primary.ListAssetConfigs(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, f)
}

func (s *CachedStore) NextPositionIdx(ctx context.Context) (uint64, error) {
	return s.primary.NextPositionIdx(ctx)
}

func (s *CachedStore) EventsByPosition(ctx context.Context, idx uint64) ([]model.Event, error) {
	return s.primary.EventsByPosition(ctx, idx)
}

func (s *CachedStore) EnqueueTransfers(ctx context.Context, b *transfer.Batch) error {
	return s.primary.EnqueueTransfers(ctx, b)
}

func (s *CachedStore) PendingTransfers(ctx context.Context, limit int) ([]transfer.Batch, error) {
	return s.primary.PendingTransfers(ctx, limit)
}

func (s *CachedStore) MarkTransfersSent(ctx context.Context, id string) error {
	return s.primary.MarkTransfersSent(ctx, id)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if s.inTx {
		*s.dirty = append(*s.dirty, keys...)
		return
	}
	s.rdb.Del(ctx, keys...)
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func positionKey(idx uint64) string { return fmt.Sprintf("cdp:position:%d", idx) }
func assetKey(token string) string  { return fmt.Sprintf("cdp:asset:%s", token) }
