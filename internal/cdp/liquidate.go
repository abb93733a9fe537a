package cdp

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/atmx/cdp-engine/internal/auction"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// liquidate runs one auction bid of offered against position idx. The
// bidder has already transferred offered to the engine.
func (e *Engine) liquidate(ctx context.Context, st store.Store, env Env, idx uint64, offered model.Asset) (*Result, error) {
	p, err := loadPosition(ctx, st, idx)
	if err != nil {
		return nil, err
	}
	if !offered.Info.Equal(p.Asset.Info) {
		return nil, fmt.Errorf("%w: position %d mints %s", ErrWrongAsset, idx, p.Asset.Info)
	}
	if offered.Amount.IsZero() {
		return nil, fmt.Errorf("%w: offer must be positive", ErrInvalidAmount)
	}

	cfg, err := st.Config(ctx)
	if err != nil {
		return nil, err
	}
	acfg, err := assetConfig(ctx, st, p.Asset.Info)
	if err != nil {
		return nil, err
	}
	prices, err := e.prices(ctx, cfg, p.Collateral.Info, p.Asset.Info, env.Time, true)
	if err != nil {
		return nil, err
	}

	fill, err := auction.Quote(auction.Input{
		Asset:              p.Asset.Amount,
		Collateral:         p.Collateral.Amount,
		Prices:             prices,
		AuctionDiscount:    acfg.AuctionDiscount,
		MinCollateralRatio: acfg.MinCollateralRatio,
		Offered:            offered.Amount,
	})
	switch {
	case errors.Is(err, auction.ErrEmptyFill):
		return nil, fmt.Errorf("%w: offer of %s releases no collateral", ErrInvalidAmount, offered)
	case errors.Is(err, auction.ErrNotEligible):
		return nil, fmt.Errorf("%w: position %d", ErrAuctionNotEligible, idx)
	case err != nil:
		return nil, err
	}

	burned := model.Asset{Info: p.Asset.Info, Amount: fill.Consumed}
	released := model.Asset{Info: p.Collateral.Info, Amount: fill.Released}
	msgs := []transfer.Instruction{
		transfer.Burn(burned),
		transfer.Send(env.Sender, released),
	}
	attrs := map[string]string{
		"position_idx":     idxAttr(p),
		"liquidated_asset": burned.String(),
		"return_amount":    released.String(),
		"discounted_price": fill.DiscountedPrice.String(),
		"closed":           strconv.FormatBool(fill.Closed),
	}
	if !fill.Refund.IsZero() {
		refund := model.Asset{Info: p.Asset.Info, Amount: fill.Refund}
		msgs = append(msgs, transfer.Send(env.Sender, refund))
		attrs["refund_amount"] = refund.String()
	}
	if !fill.OwnerRefund.IsZero() {
		back := model.Asset{Info: p.Collateral.Info, Amount: fill.OwnerRefund}
		msgs = append(msgs, transfer.Send(p.Owner, back))
		attrs["owner_refund"] = back.String()
	}
	if !fill.WrittenOff.IsZero() {
		attrs["written_off"] = model.Asset{Info: p.Asset.Info, Amount: fill.WrittenOff}.String()
	}

	p.Asset.Amount = fill.RemainingAsset
	p.Collateral.Amount = fill.RemainingCollateral
	p.UpdatedAt = env.Time
	if err := st.UpdatePosition(ctx, p); err != nil {
		return nil, err
	}

	ev, err := record(ctx, st, env, model.ActionAuction, p, attrs)
	if err != nil {
		return nil, err
	}
	return &Result{Action: model.ActionAuction, Position: p, Messages: msgs, Events: []model.Event{ev}}, nil
}
