// Package cdp is the position ledger of the CDP engine: it opens positions,
// moves collateral and minted assets in and out of them, runs liquidation
// auctions and administers the protocol and asset configuration.
//
// Engine methods are pure with respect to the outside world. Each one reads
// and writes only the store it is handed, which the caller scopes to a
// single transaction, and returns the asset movements to perform as
// transfer instructions. A returned error means nothing may be committed.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/cdp-engine/internal/collateral"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// DefaultPriceExpiry is how old an oracle quote may be before mutating
// operations refuse it.
const DefaultPriceExpiry = 60 * time.Second

// Env describes the caller of one operation.
type Env struct {
	// Sender is the authenticated principal.
	Sender string
	// Time is the execution time used for price freshness and timestamps.
	Time time.Time
	// Funds are native coins attached to the request.
	Funds []model.Asset
}

// Result is what a successful operation produced.
type Result struct {
	Action   model.Action           `json:"action"`
	Position *model.Position        `json:"position,omitempty"`
	Messages []transfer.Instruction `json:"messages"`
	Events   []model.Event          `json:"-"`
}

// Engine implements every CDP operation.
type Engine struct {
	oracle      oracle.Oracle
	priceExpiry time.Duration
}

// NewEngine creates an engine reading prices from o. A non-positive
// priceExpiry selects DefaultPriceExpiry.
func NewEngine(o oracle.Oracle, priceExpiry time.Duration) *Engine {
	if priceExpiry <= 0 {
		priceExpiry = DefaultPriceExpiry
	}
	return &Engine{oracle: o, priceExpiry: priceExpiry}
}

// PriceExpiry returns the configured quote validity window.
func (e *Engine) PriceExpiry() time.Duration { return e.priceExpiry }

// price returns the effective price of an asset. The base denom is always
// priced at 1. With fresh set, quotes older than the expiry are rejected.
func (e *Engine) price(ctx context.Context, cfg *model.Config, info model.AssetInfo, now time.Time, fresh bool) (fixedpoint.Decimal, error) {
	if info.IsNative() && info.Denom == cfg.BaseDenom {
		return fixedpoint.OneDecimal(), nil
	}
	q, err := e.oracle.Price(ctx, info)
	if err != nil {
		if errors.Is(err, oracle.ErrPriceNotFound) {
			return fixedpoint.Decimal{}, fmt.Errorf("%w: %v", ErrStalePrice, err)
		}
		return fixedpoint.Decimal{}, fmt.Errorf("%w: query %s: %v", ErrStalePrice, info, err)
	}
	if fresh && now.Sub(q.LastUpdateTime) > e.priceExpiry {
		return fixedpoint.Decimal{}, fmt.Errorf("%w: %s last updated %s", ErrStalePrice, info, q.LastUpdateTime.Format(time.RFC3339))
	}
	p, err := q.Effective()
	if err != nil {
		return fixedpoint.Decimal{}, err
	}
	if p.IsZero() {
		return fixedpoint.Decimal{}, fmt.Errorf("%w: zero price for %s", ErrDivisionByZero, info)
	}
	return p, nil
}

// prices loads the collateral and asset prices of a pair.
func (e *Engine) prices(ctx context.Context, cfg *model.Config, coll, asset model.AssetInfo, now time.Time, fresh bool) (collateral.Prices, error) {
	pc, err := e.price(ctx, cfg, coll, now, fresh)
	if err != nil {
		return collateral.Prices{}, err
	}
	pa, err := e.price(ctx, cfg, asset, now, fresh)
	if err != nil {
		return collateral.Prices{}, err
	}
	return collateral.Prices{Collateral: pc, Asset: pa}, nil
}

// loadPosition fetches a position that may still be mutated.
func loadPosition(ctx context.Context, st store.Store, idx uint64) (*model.Position, error) {
	p, err := st.GetPosition(ctx, idx)
	if err != nil {
		return nil, err
	}
	if p.Closed() {
		return nil, fmt.Errorf("%w: %d", ErrPositionClosed, idx)
	}
	return p, nil
}

// assetConfig fetches the risk parameters of the asset a position mints.
func assetConfig(ctx context.Context, st store.Store, info model.AssetInfo) (*model.AssetConfig, error) {
	if info.Kind != model.KindToken {
		return nil, fmt.Errorf("%w: minted asset must be a token, got %s", ErrInvalidAssetKind, info)
	}
	return st.AssetConfig(ctx, info.Contract)
}

// checkInfo validates an asset reference supplied by a caller.
func checkInfo(info model.AssetInfo) error {
	if err := transfer.ValidateAssetInfo(info); err != nil {
		if errors.Is(err, ErrInvalidAssetKind) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// checkFunds verifies that the native coins attached to a request contain
// exactly the declared amount of the declared denom.
func checkFunds(env Env, want model.Asset) error {
	if !want.Info.IsNative() {
		return fmt.Errorf("%w: %s must be sent through the token transfer hook", ErrInvalidAssetKind, want.Info)
	}
	var sent fixedpoint.Uint
	for _, f := range env.Funds {
		if !f.Info.Equal(want.Info) {
			continue
		}
		var err error
		if sent, err = sent.Add(f.Amount); err != nil {
			return err
		}
	}
	if !sent.Equal(want.Amount) {
		return fmt.Errorf("%w: declared %s but attached %s", ErrInvalidAmount, want, sent)
	}
	return nil
}

// record persists an event describing p after action and returns it.
func record(ctx context.Context, st store.Store, env Env, action model.Action, p *model.Position, attrs map[string]string) (model.Event, error) {
	ev := model.Event{
		ID:         uuid.New().String(),
		Action:     action,
		Sender:     env.Sender,
		Attributes: attrs,
		Timestamp:  env.Time,
	}
	if p != nil {
		ev.PositionIdx = p.Idx
		ev.Collateral = p.Collateral
		ev.Asset = p.Asset
	}
	if err := st.InsertEvent(ctx, &ev); err != nil {
		return model.Event{}, fmt.Errorf("record %s: %w", action, err)
	}
	return ev, nil
}

func idxAttr(p *model.Position) string {
	return strconv.FormatUint(p.Idx, 10)
}
