package cdp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/atmx/cdp-engine/internal/collateral"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// OpenRequest opens a position minting Asset against Collateral at the
// requested CollateralRatio.
type OpenRequest struct {
	Collateral      model.Asset        `json:"collateral"`
	Asset           model.AssetInfo    `json:"asset_info"`
	CollateralRatio fixedpoint.Decimal `json:"collateral_ratio"`
}

// OpenPosition opens a position backed by native collateral attached to
// the request. Token collateral must arrive through Receive.
func (e *Engine) OpenPosition(ctx context.Context, st store.Store, env Env, req OpenRequest) (*Result, error) {
	if err := checkFunds(env, req.Collateral); err != nil {
		return nil, err
	}
	res, err := e.openPosition(ctx, st, env, env.Sender, req)
	if err != nil {
		return nil, err
	}
	res.Messages = append([]transfer.Instruction{transfer.Receive(env.Sender, req.Collateral)}, res.Messages...)
	return res, nil
}

func (e *Engine) openPosition(ctx context.Context, st store.Store, env Env, owner string, req OpenRequest) (*Result, error) {
	if err := checkInfo(req.Collateral.Info); err != nil {
		return nil, err
	}
	if err := checkInfo(req.Asset); err != nil {
		return nil, err
	}
	if req.Collateral.Amount.IsZero() {
		return nil, fmt.Errorf("%w: collateral amount must be positive", ErrInvalidAmount)
	}
	if req.Collateral.Info.Equal(req.Asset) {
		return nil, fmt.Errorf("%w: collateral and minted asset are both %s", ErrWrongAsset, req.Asset)
	}

	cfg, err := st.Config(ctx)
	if err != nil {
		return nil, err
	}
	acfg, err := assetConfig(ctx, st, req.Asset)
	if err != nil {
		return nil, err
	}
	if req.CollateralRatio.LT(acfg.MinCollateralRatio) {
		return nil, fmt.Errorf("%w: requested %s, minimum %s",
			ErrInvalidCollateralRatio, req.CollateralRatio, acfg.MinCollateralRatio)
	}

	prices, err := e.prices(ctx, cfg, req.Collateral.Info, req.Asset, env.Time, true)
	if err != nil {
		return nil, err
	}
	minted, err := collateral.MaxMintable(req.Collateral.Amount, prices, req.CollateralRatio)
	if err != nil {
		return nil, err
	}
	if minted.IsZero() {
		return nil, fmt.Errorf("%w: collateral is too small", ErrInvalidAmount)
	}
	if err := collateral.Check(minted, req.Collateral.Amount, prices, acfg.MinCollateralRatio); err != nil {
		return nil, err
	}

	p := &model.Position{
		Owner:      owner,
		Collateral: req.Collateral,
		Asset:      model.Asset{Info: req.Asset, Amount: minted},
		CreatedAt:  env.Time,
		UpdatedAt:  env.Time,
	}
	if err := st.CreatePosition(ctx, p); err != nil {
		return nil, err
	}

	ev, err := record(ctx, st, env, model.ActionOpen, p, map[string]string{
		"position_idx":     idxAttr(p),
		"mint_amount":      minted.String(),
		"collateral":       req.Collateral.String(),
		"collateral_ratio": req.CollateralRatio.String(),
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Action:   model.ActionOpen,
		Position: p,
		Messages: []transfer.Instruction{transfer.Mint(owner, p.Asset)},
		Events:   []model.Event{ev},
	}, nil
}

// Deposit adds native collateral attached to the request. Anyone may top
// up any open position.
func (e *Engine) Deposit(ctx context.Context, st store.Store, env Env, idx uint64, coll model.Asset) (*Result, error) {
	if err := checkFunds(env, coll); err != nil {
		return nil, err
	}
	res, err := e.deposit(ctx, st, env, idx, coll)
	if err != nil {
		return nil, err
	}
	res.Messages = append([]transfer.Instruction{transfer.Receive(env.Sender, coll)}, res.Messages...)
	return res, nil
}

// deposit only ever raises the collateral side, so it never rejects on
// price: a liquidatable position can be rescued even while its quote is
// stale. The resulting ratio is still re-checked and recorded on the event.
func (e *Engine) deposit(ctx context.Context, st store.Store, env Env, idx uint64, coll model.Asset) (*Result, error) {
	if err := checkInfo(coll.Info); err != nil {
		return nil, err
	}
	if coll.Amount.IsZero() {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidAmount)
	}
	p, err := loadPosition(ctx, st, idx)
	if err != nil {
		return nil, err
	}
	if !p.Collateral.Info.Equal(coll.Info) {
		return nil, fmt.Errorf("%w: position %d holds %s collateral", ErrWrongAsset, idx, p.Collateral.Info)
	}
	if p.Collateral.Amount, err = p.Collateral.Amount.Add(coll.Amount); err != nil {
		return nil, err
	}
	p.UpdatedAt = env.Time
	if err := st.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}

	attrs := map[string]string{
		"position_idx":   idxAttr(p),
		"deposit_amount": coll.String(),
	}
	if ok, known := e.meetsMinimum(ctx, st, p, env.Time); known {
		attrs["meets_min_ratio"] = strconv.FormatBool(ok)
	}
	ev, err := record(ctx, st, env, model.ActionDeposit, p, attrs)
	if err != nil {
		return nil, err
	}
	return &Result{Action: model.ActionDeposit, Position: p, Events: []model.Event{ev}}, nil
}

// meetsMinimum re-checks the ratio of p with whatever quotes are at hand,
// stale or not. It never rejects; known is false when no price is
// available.
func (e *Engine) meetsMinimum(ctx context.Context, st store.Store, p *model.Position, now time.Time) (ok, known bool) {
	cfg, err := st.Config(ctx)
	if err != nil {
		return false, false
	}
	acfg, err := assetConfig(ctx, st, p.Asset.Info)
	if err != nil {
		return false, false
	}
	prices, err := e.prices(ctx, cfg, p.Collateral.Info, p.Asset.Info, now, false)
	if err != nil {
		return false, false
	}
	return collateral.Check(p.Asset.Amount, p.Collateral.Amount, prices, acfg.MinCollateralRatio) == nil, true
}

// Withdraw returns collateral to the owner. A nil amount withdraws all of
// it, which only succeeds if nothing is left to back.
func (e *Engine) Withdraw(ctx context.Context, st store.Store, env Env, idx uint64, coll *model.Asset) (*Result, error) {
	p, err := loadPosition(ctx, st, idx)
	if err != nil {
		return nil, err
	}
	if p.Owner != env.Sender {
		return nil, fmt.Errorf("%w: only the owner can withdraw from position %d", ErrUnauthorized, idx)
	}

	out := p.Collateral
	if coll != nil {
		if !coll.Info.Equal(p.Collateral.Info) {
			return nil, fmt.Errorf("%w: position %d holds %s collateral", ErrWrongAsset, idx, p.Collateral.Info)
		}
		out.Amount = coll.Amount
	}
	if out.Amount.IsZero() {
		return nil, fmt.Errorf("%w: withdraw amount must be positive", ErrInvalidAmount)
	}
	if out.Amount.GT(p.Collateral.Amount) {
		return nil, fmt.Errorf("%w: withdraw %s, position holds %s", ErrAmountExceedsAvailable, out.Amount, p.Collateral.Amount)
	}
	if p.Collateral.Amount, err = p.Collateral.Amount.Sub(out.Amount); err != nil {
		return nil, err
	}

	if err := e.checkSolvent(ctx, st, env, p); err != nil {
		return nil, err
	}
	p.UpdatedAt = env.Time
	if err := st.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}

	ev, err := record(ctx, st, env, model.ActionWithdraw, p, map[string]string{
		"position_idx":    idxAttr(p),
		"withdraw_amount": out.String(),
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Action:   model.ActionWithdraw,
		Position: p,
		Messages: []transfer.Instruction{transfer.Send(p.Owner, out)},
		Events:   []model.Event{ev},
	}, nil
}

// Mint issues more of the position's asset to its owner, up to the
// minimum collateral ratio inclusive.
func (e *Engine) Mint(ctx context.Context, st store.Store, env Env, idx uint64, asset model.Asset) (*Result, error) {
	p, err := loadPosition(ctx, st, idx)
	if err != nil {
		return nil, err
	}
	if p.Owner != env.Sender {
		return nil, fmt.Errorf("%w: only the owner can mint from position %d", ErrUnauthorized, idx)
	}
	if !asset.Info.Equal(p.Asset.Info) {
		return nil, fmt.Errorf("%w: position %d mints %s", ErrWrongAsset, idx, p.Asset.Info)
	}
	if asset.Amount.IsZero() {
		return nil, fmt.Errorf("%w: mint amount must be positive", ErrInvalidAmount)
	}
	if p.Asset.Amount, err = p.Asset.Amount.Add(asset.Amount); err != nil {
		return nil, err
	}

	if err := e.checkSolvent(ctx, st, env, p); err != nil {
		return nil, err
	}
	p.UpdatedAt = env.Time
	if err := st.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}

	ev, err := record(ctx, st, env, model.ActionMint, p, map[string]string{
		"position_idx": idxAttr(p),
		"mint_amount":  asset.String(),
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Action:   model.ActionMint,
		Position: p,
		Messages: []transfer.Instruction{transfer.Mint(p.Owner, asset)},
		Events:   []model.Event{ev},
	}, nil
}

// burn repays part or all of the liability with asset sent by burner.
// Repaying everything returns all collateral to the owner and closes the
// position.
func (e *Engine) burn(ctx context.Context, st store.Store, env Env, idx uint64, asset model.Asset) (*Result, error) {
	p, err := loadPosition(ctx, st, idx)
	if err != nil {
		return nil, err
	}
	if !asset.Info.Equal(p.Asset.Info) {
		return nil, fmt.Errorf("%w: position %d mints %s", ErrWrongAsset, idx, p.Asset.Info)
	}
	if asset.Amount.GT(p.Asset.Amount) {
		return nil, fmt.Errorf("%w: burn %s, position owes %s", ErrAmountExceedsAvailable, asset.Amount, p.Asset.Amount)
	}
	if p.Asset.Amount, err = p.Asset.Amount.Sub(asset.Amount); err != nil {
		return nil, err
	}

	msgs := []transfer.Instruction{transfer.Burn(asset)}
	attrs := map[string]string{
		"position_idx": idxAttr(p),
		"burn_amount":  asset.String(),
	}
	if p.Closed() {
		refund := p.Collateral
		msgs = append(msgs, transfer.Send(p.Owner, refund))
		attrs["refund_collateral"] = refund.String()
		p.Collateral.Amount = fixedpoint.Uint{}
	}
	p.UpdatedAt = env.Time
	if err := st.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}

	ev, err := record(ctx, st, env, model.ActionBurn, p, attrs)
	if err != nil {
		return nil, err
	}
	return &Result{Action: model.ActionBurn, Position: p, Messages: msgs, Events: []model.Event{ev}}, nil
}

// checkSolvent re-validates the collateral ratio of p with fresh prices.
func (e *Engine) checkSolvent(ctx context.Context, st store.Store, env Env, p *model.Position) error {
	cfg, err := st.Config(ctx)
	if err != nil {
		return err
	}
	acfg, err := assetConfig(ctx, st, p.Asset.Info)
	if err != nil {
		return err
	}
	prices, err := e.prices(ctx, cfg, p.Collateral.Info, p.Asset.Info, env.Time, true)
	if err != nil {
		return err
	}
	return collateral.Check(p.Asset.Amount, p.Collateral.Amount, prices, acfg.MinCollateralRatio)
}
