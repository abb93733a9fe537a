package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// memState is the committed contents of a MemoryStore. Positions never
// change owner or asset after creation, so byOwner and byAsset only grow
// and stay in ascending idx order.
type memState struct {
	config     *model.Config
	assets     map[string]model.AssetConfig
	positions  map[uint64]model.Position
	byOwner    map[string][]uint64
	byAsset    map[string][]uint64
	nextIdx    uint64
	events     []model.Event
	byPosition map[uint64][]int
	outbox     []transfer.Batch
}

// memDelta holds the writes of one transaction. Reads consult it before
// the committed state; commit folds it in without copying the rest.
type memDelta struct {
	config    *model.Config
	assets    map[string]model.AssetConfig
	positions map[uint64]model.Position
	nextIdx   uint64 // zero until the transaction creates a position
	created   []uint64
	events    []model.Event
	outbox    []transfer.Batch
	sent      map[string]bool
}

func (d *memDelta) clone() *memDelta {
	c := &memDelta{
		assets:    maps.Clone(d.assets),
		positions: maps.Clone(d.positions),
		nextIdx:   d.nextIdx,
		created:   slices.Clone(d.created),
		events:    slices.Clone(d.events),
		outbox:    slices.Clone(d.outbox),
		sent:      maps.Clone(d.sent),
	}
	if d.config != nil {
		cfg := *d.config
		c.config = &cfg
	}
	return c
}

func (st *memState) apply(d *memDelta) {
	if d.config != nil {
		st.config = d.config
	}
	for k, v := range d.assets {
		st.assets[k] = v
	}
	for k, v := range d.positions {
		st.positions[k] = v
	}
	for _, idx := range d.created {
		p := d.positions[idx]
		st.byOwner[p.Owner] = append(st.byOwner[p.Owner], idx)
		token := p.Asset.Info.ID()
		st.byAsset[token] = append(st.byAsset[token], idx)
	}
	if d.nextIdx != 0 {
		st.nextIdx = d.nextIdx
	}
	for _, e := range d.events {
		st.byPosition[e.PositionIdx] = append(st.byPosition[e.PositionIdx], len(st.events))
		st.events = append(st.events, e)
	}
	st.outbox = append(st.outbox, d.outbox...)
	if len(d.sent) > 0 {
		st.outbox = slices.DeleteFunc(st.outbox, func(b transfer.Batch) bool { return d.sent[b.ID] })
	}
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *memState
}

// NewMemoryStore creates a new in-memory store. Position indexes start
// at 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			assets:     make(map[string]model.AssetConfig),
			positions:  make(map[uint64]model.Position),
			byOwner:    make(map[string][]uint64),
			byAsset:    make(map[string][]uint64),
			nextIdx:    1,
			byPosition: make(map[uint64][]int),
		},
	}
}

// WithTx runs fn against a write overlay and folds it into the committed
// state on success. Transactions are serialized; readers of s keep seeing
// the committed state until the fold.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{s: s, d: &memDelta{}}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state.apply(tx.d)
	s.mu.Unlock()
	return nil
}

// view reads the committed state.
func (s *MemoryStore) view() *memTx { return &memTx{s: s, d: &memDelta{}} }

func (s *MemoryStore) Config(ctx context.Context) (*model.Config, error) {
	return s.view().Config(ctx)
}

func (s *MemoryStore) SaveConfig(ctx context.Context, cfg *model.Config) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.SaveConfig(ctx, cfg) })
}

func (s *MemoryStore) AssetConfig(ctx context.Context, token string) (*model.AssetConfig, error) {
	return s.view().AssetConfig(ctx, token)
}

func (s *MemoryStore) CreateAssetConfig(ctx context.Context, cfg *model.AssetConfig) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.CreateAssetConfig(ctx, cfg) })
}

func (s *MemoryStore) UpdateAssetConfig(ctx context.Context, cfg *model.AssetConfig) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.UpdateAssetConfig(ctx, cfg) })
}

func (s *MemoryStore) ListAssetConfigs(ctx context.Context) ([]model.AssetConfig, error) {
	return s.view().ListAssetConfigs(ctx)
}

func (s *MemoryStore) CreatePosition(ctx context.Context, p *model.Position) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.CreatePosition(ctx, p) })
}

func (s *MemoryStore) GetPosition(ctx context.Context, idx uint64) (*model.Position, error) {
	return s.view().GetPosition(ctx, idx)
}

func (s *MemoryStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.UpdatePosition(ctx, p) })
}

func (s *MemoryStore) ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error) {
	return s.view().ListPositions(ctx, f)
}

func (s *MemoryStore) NextPositionIdx(ctx context.Context) (uint64, error) {
	return s.view().NextPositionIdx(ctx)
}

func (s *MemoryStore) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.InsertEvent(ctx, e) })
}

func (s *MemoryStore) EventsByPosition(ctx context.Context, idx uint64) ([]model.Event, error) {
	return s.view().EventsByPosition(ctx, idx)
}

func (s *MemoryStore) EnqueueTransfers(ctx context.Context, b *transfer.Batch) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.EnqueueTransfers(ctx, b) })
}

func (s *MemoryStore) PendingTransfers(ctx context.Context, limit int) ([]transfer.Batch, error) {
	return s.view().PendingTransfers(ctx, limit)
}

func (s *MemoryStore) MarkTransfersSent(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.MarkTransfersSent(ctx, id) })
}

// memTx is a transactional view of a MemoryStore. It is not safe for
// concurrent use.
type memTx struct {
	s *MemoryStore
	d *memDelta
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*memTx)(nil)
)

// WithTx on an open transaction behaves like a savepoint.
func (t *memTx) WithTx(_ context.Context, fn func(tx Store) error) error {
	saved := t.d.clone()
	if err := fn(t); err != nil {
		t.d = saved
		return err
	}
	return nil
}

func (t *memTx) Config(_ context.Context) (*model.Config, error) {
	if t.d.config != nil {
		cfg := *t.d.config
		return &cfg, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	if t.s.state.config == nil {
		return nil, ErrConfigNotFound
	}
	cfg := *t.s.state.config
	return &cfg, nil
}

func (t *memTx) SaveConfig(_ context.Context, cfg *model.Config) error {
	copy := *cfg
	t.d.config = &copy
	return nil
}

func (t *memTx) asset(token string) (model.AssetConfig, bool) {
	if a, ok := t.d.assets[token]; ok {
		return a, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	a, ok := t.s.state.assets[token]
	return a, ok
}

func (t *memTx) putAsset(cfg *model.AssetConfig) {
	if t.d.assets == nil {
		t.d.assets = make(map[string]model.AssetConfig)
	}
	t.d.assets[cfg.Token] = *cfg
}

func (t *memTx) AssetConfig(_ context.Context, token string) (*model.AssetConfig, error) {
	a, ok := t.asset(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, token)
	}
	return &a, nil
}

func (t *memTx) CreateAssetConfig(_ context.Context, cfg *model.AssetConfig) error {
	if _, ok := t.asset(cfg.Token); ok {
		return fmt.Errorf("%w: %s", ErrAssetExists, cfg.Token)
	}
	t.putAsset(cfg)
	return nil
}

func (t *memTx) UpdateAssetConfig(_ context.Context, cfg *model.AssetConfig) error {
	if _, ok := t.asset(cfg.Token); !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, cfg.Token)
	}
	t.putAsset(cfg)
	return nil
}

func (t *memTx) ListAssetConfigs(_ context.Context) ([]model.AssetConfig, error) {
	t.s.mu.RLock()
	merged := maps.Clone(t.s.state.assets)
	t.s.mu.RUnlock()
	if merged == nil {
		merged = make(map[string]model.AssetConfig)
	}
	maps.Copy(merged, t.d.assets)

	assets := make([]model.AssetConfig, 0, len(merged))
	for _, a := range merged {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Token < assets[j].Token })
	return assets, nil
}

// nextIdxLocked and positionLocked expect t.s.mu to be held.
func (t *memTx) nextIdxLocked() uint64 {
	if t.d.nextIdx != 0 {
		return t.d.nextIdx
	}
	return t.s.state.nextIdx
}

func (t *memTx) positionLocked(idx uint64) (model.Position, bool) {
	if p, ok := t.d.positions[idx]; ok {
		return p, true
	}
	p, ok := t.s.state.positions[idx]
	return p, ok
}

func (t *memTx) putPosition(p *model.Position) {
	if t.d.positions == nil {
		t.d.positions = make(map[uint64]model.Position)
	}
	t.d.positions[p.Idx] = *p
}

func (t *memTx) CreatePosition(_ context.Context, p *model.Position) error {
	t.s.mu.RLock()
	p.Idx = t.nextIdxLocked()
	t.s.mu.RUnlock()

	t.d.nextIdx = p.Idx + 1
	t.d.created = append(t.d.created, p.Idx)
	t.putPosition(p)
	return nil
}

func (t *memTx) GetPosition(_ context.Context, idx uint64) (*model.Position, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	p, ok := t.positionLocked(idx)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, idx)
	}
	return &p, nil
}

func (t *memTx) UpdatePosition(_ context.Context, p *model.Position) error {
	t.s.mu.RLock()
	_, ok := t.positionLocked(p.Idx)
	t.s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, p.Idx)
	}
	t.putPosition(p)
	return nil
}

// indexedLocked returns the ascending idx list for an owner or asset
// filter. The second result is false when neither is set.
func (t *memTx) indexedLocked(f PositionFilter) ([]uint64, bool) {
	var base []uint64
	var match func(p model.Position) bool
	switch {
	case f.Owner != "":
		base = t.s.state.byOwner[f.Owner]
		match = func(p model.Position) bool { return p.Owner == f.Owner }
	case f.AssetToken != "":
		base = t.s.state.byAsset[f.AssetToken]
		match = func(p model.Position) bool { return p.Asset.Info.ID() == f.AssetToken }
	default:
		return nil, false
	}
	if len(t.d.created) == 0 {
		return base, true
	}
	ids := slices.Clone(base)
	for _, idx := range t.d.created {
		if match(t.d.positions[idx]) {
			ids = append(ids, idx)
		}
	}
	return ids, true
}

func (t *memTx) ListPositions(_ context.Context, f PositionFilter) ([]model.Position, error) {
	f = f.Normalize()
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	result := make([]model.Position, 0, f.Limit)
	emit := func(idx uint64) bool {
		if p, ok := t.positionLocked(idx); ok && f.Match(&p) {
			result = append(result, p)
		}
		return len(result) < f.Limit
	}

	if ids, ok := t.indexedLocked(f); ok {
		if f.Order == Descending {
			end := len(ids)
			if f.StartAfter != nil {
				end = sort.Search(len(ids), func(i int) bool { return ids[i] >= *f.StartAfter })
			}
			for i := end - 1; i >= 0 && emit(ids[i]); i-- {
			}
		} else {
			start := 0
			if f.StartAfter != nil {
				start = sort.Search(len(ids), func(i int) bool { return ids[i] > *f.StartAfter })
			}
			for i := start; i < len(ids) && emit(ids[i]); i++ {
			}
		}
		return result, nil
	}

	// Idxs are dense from 1, so an unfiltered page walks the range.
	next := t.nextIdxLocked()
	if f.Order == Descending {
		idx := next - 1
		if f.StartAfter != nil && *f.StartAfter <= idx {
			if *f.StartAfter == 0 {
				return result, nil
			}
			idx = *f.StartAfter - 1
		}
		for ; idx >= 1 && emit(idx); idx-- {
		}
		return result, nil
	}
	idx := uint64(1)
	if f.StartAfter != nil {
		idx = *f.StartAfter + 1
	}
	for ; idx < next && emit(idx); idx++ {
	}
	return result, nil
}

func (t *memTx) NextPositionIdx(_ context.Context) (uint64, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	return t.nextIdxLocked(), nil
}

func (t *memTx) InsertEvent(_ context.Context, e *model.Event) error {
	t.d.events = append(t.d.events, *e)
	return nil
}

func (t *memTx) EventsByPosition(_ context.Context, idx uint64) ([]model.Event, error) {
	t.s.mu.RLock()
	var result []model.Event
	for _, i := range t.s.state.byPosition[idx] {
		result = append(result, t.s.state.events[i])
	}
	t.s.mu.RUnlock()

	for _, e := range t.d.events {
		if e.PositionIdx == idx {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memTx) EnqueueTransfers(_ context.Context, b *transfer.Batch) error {
	batch := *b
	batch.Instructions = slices.Clone(b.Instructions)
	t.d.outbox = append(t.d.outbox, batch)
	return nil
}

func (t *memTx) PendingTransfers(_ context.Context, limit int) ([]transfer.Batch, error) {
	t.s.mu.RLock()
	all := append(slices.Clone(t.s.state.outbox), t.d.outbox...)
	t.s.mu.RUnlock()

	pending := make([]transfer.Batch, 0, len(all))
	for _, b := range all {
		if t.d.sent[b.ID] {
			continue
		}
		pending = append(pending, b)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (t *memTx) MarkTransfersSent(_ context.Context, id string) error {
	if t.d.sent == nil {
		t.d.sent = make(map[string]bool)
	}
	t.d.sent[id] = true
	return nil
}
