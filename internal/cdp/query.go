package cdp

import (
	"context"
	"time"

	"github.com/atmx/cdp-engine/internal/collateral"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/store"
)

// PositionView is a position with its status derived from current prices.
// Queries accept quotes of any age; the ratio and status are informational
// and mutating operations re-check with fresh prices.
type PositionView struct {
	model.Position
	Status                 model.PositionStatus `json:"status"`
	MinCollateralRatio     fixedpoint.Decimal   `json:"min_collateral_ratio"`
	CollateralRatio        *fixedpoint.Decimal  `json:"collateral_ratio,omitempty"`
	AssetValueInCollateral *fixedpoint.Uint     `json:"asset_value_in_collateral,omitempty"`
}

func (e *Engine) Config(ctx context.Context, st store.Store) (*model.Config, error) {
	return st.Config(ctx)
}

func (e *Engine) AssetConfig(ctx context.Context, st store.Store, token string) (*model.AssetConfig, error) {
	return st.AssetConfig(ctx, token)
}

func (e *Engine) Assets(ctx context.Context, st store.Store) ([]model.AssetConfig, error) {
	return st.ListAssetConfigs(ctx)
}

func (e *Engine) NextPositionIdx(ctx context.Context, st store.Store) (uint64, error) {
	return st.NextPositionIdx(ctx)
}

// Position returns one position, closed or not.
func (e *Engine) Position(ctx context.Context, st store.Store, idx uint64, now time.Time) (*PositionView, error) {
	cfg, err := st.Config(ctx)
	if err != nil {
		return nil, err
	}
	p, err := st.GetPosition(ctx, idx)
	if err != nil {
		return nil, err
	}
	v := e.view(ctx, st, cfg, *p, now)
	return &v, nil
}

// Positions lists positions matching f in idx order.
func (e *Engine) Positions(ctx context.Context, st store.Store, f store.PositionFilter, now time.Time) ([]PositionView, error) {
	cfg, err := st.Config(ctx)
	if err != nil {
		return nil, err
	}
	ps, err := st.ListPositions(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]PositionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, e.view(ctx, st, cfg, p, now))
	}
	return out, nil
}

// History returns the event ledger of a position, oldest first.
func (e *Engine) History(ctx context.Context, st store.Store, idx uint64) ([]model.Event, error) {
	if _, err := st.GetPosition(ctx, idx); err != nil {
		return nil, err
	}
	return st.EventsByPosition(ctx, idx)
}

func (e *Engine) view(ctx context.Context, st store.Store, cfg *model.Config, p model.Position, now time.Time) PositionView {
	v := PositionView{Position: p, Status: model.StatusUnknown}
	if p.Closed() {
		v.Status = model.StatusClosed
		return v
	}
	acfg, err := assetConfig(ctx, st, p.Asset.Info)
	if err != nil {
		return v
	}
	v.MinCollateralRatio = acfg.MinCollateralRatio

	prices, err := e.prices(ctx, cfg, p.Collateral.Info, p.Asset.Info, now, false)
	if err != nil {
		return v
	}
	if collateral.Liquidatable(p.Asset.Amount, p.Collateral.Amount, prices, acfg.MinCollateralRatio) {
		v.Status = model.StatusLiquidatable
	} else {
		v.Status = model.StatusHealthy
	}
	if r, err := collateral.Ratio(p.Asset.Amount, p.Collateral.Amount, prices); err == nil {
		v.CollateralRatio = &r
	}
	if val, err := collateral.AssetValueInCollateral(p.Asset.Amount, prices); err == nil {
		v.AssetValueInCollateral = &val
	}
	return v
}
