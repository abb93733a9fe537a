// Package auction prices the liquidation of under-collateralized positions.
//
// A bidder offers the minted asset; the position burns it and releases
// collateral at a discount:
//
//	discounted price = collateral price * (1 - auction discount)
//	released         = floor(consumed * asset price / discounted price)
//
// Release is capped at the position's collateral. When the cap applies,
// only the asset needed to buy the whole collateral is consumed (rounded
// up) and the rest of the offer is refunded to the bidder. A fill that
// takes all collateral closes the position; liability left over is written
// off.
package auction

import (
	"errors"
	"math/big"

	"github.com/atmx/cdp-engine/internal/collateral"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

var (
	// ErrNotEligible is returned for a position that is not strictly below
	// its minimum collateral ratio.
	ErrNotEligible = errors.New("auction: position is not eligible for auction")

	// ErrEmptyFill is returned when an offer would release no collateral.
	ErrEmptyFill = errors.New("auction: offer releases no collateral")
)

// Input is the position snapshot and offer a quote is computed from.
type Input struct {
	Asset              fixedpoint.Uint
	Collateral         fixedpoint.Uint
	Prices             collateral.Prices
	AuctionDiscount    fixedpoint.Decimal
	MinCollateralRatio fixedpoint.Decimal
	Offered            fixedpoint.Uint
}

// Fill is the outcome of one auction bid.
type Fill struct {
	// Consumed is the asset amount burned from the position's liability.
	Consumed fixedpoint.Uint `json:"consumed"`
	// Released is the collateral paid to the bidder.
	Released fixedpoint.Uint `json:"released"`
	// Refund is the part of the offer returned to the bidder.
	Refund fixedpoint.Uint `json:"refund"`

	RemainingAsset      fixedpoint.Uint `json:"remaining_asset"`
	RemainingCollateral fixedpoint.Uint `json:"remaining_collateral"`

	// OwnerRefund is the collateral returned to the position owner once the
	// liability is fully repaid. RemainingCollateral is then zero.
	OwnerRefund fixedpoint.Uint `json:"owner_refund"`
	// WrittenOff is the liability cancelled when the collateral runs out
	// before the debt does. RemainingAsset is then zero.
	WrittenOff fixedpoint.Uint `json:"written_off"`
	Closed     bool            `json:"closed"`

	DiscountedPrice fixedpoint.Decimal `json:"discounted_price"`
}

// Quote computes a fill without mutating anything.
func Quote(in Input) (Fill, error) {
	if err := in.Prices.Validate(); err != nil {
		return Fill{}, err
	}
	if !collateral.Liquidatable(in.Asset, in.Collateral, in.Prices, in.MinCollateralRatio) {
		return Fill{}, ErrNotEligible
	}

	factor, err := fixedpoint.OneDecimal().Sub(in.AuctionDiscount)
	if err != nil {
		return Fill{}, err
	}
	// discounted price as an exact rational: pc * factor / 10^18
	discNum := fixedpoint.Product(in.Prices.Collateral, factor)
	if discNum.Sign() == 0 {
		return Fill{}, fixedpoint.ErrDivisionByZero
	}
	discounted, err := in.Prices.Collateral.Mul(factor)
	if err != nil {
		return Fill{}, err
	}

	consumed := in.Offered.Min(in.Asset)

	// released = consumed * pa * 10^18 / (pc * factor)
	released, err := fixedpoint.QuoFloor(
		fixedpoint.Product(consumed, in.Prices.Asset, fixedpoint.ScaleOperand), discNum)
	if err != nil && !errors.Is(err, fixedpoint.ErrOverflow) {
		return Fill{}, err
	}
	if err != nil || released.GT(in.Collateral) {
		released = in.Collateral
		// consumed = ceil(collateral * pc * factor / (pa * 10^18))
		needed, err := fixedpoint.QuoCeil(
			fixedpoint.Product(in.Collateral, in.Prices.Collateral, factor),
			new(big.Int).Mul(in.Prices.Asset.Big(), fixedpoint.ScaleOperand.Big()))
		if err != nil {
			return Fill{}, err
		}
		consumed = needed.Min(consumed)
	}
	if released.IsZero() {
		return Fill{}, ErrEmptyFill
	}

	fill := Fill{
		Consumed:        consumed,
		Released:        released,
		DiscountedPrice: discounted,
	}
	if fill.Refund, err = in.Offered.Sub(consumed); err != nil {
		return Fill{}, err
	}
	if fill.RemainingAsset, err = in.Asset.Sub(consumed); err != nil {
		return Fill{}, err
	}
	if fill.RemainingCollateral, err = in.Collateral.Sub(released); err != nil {
		return Fill{}, err
	}
	switch {
	case fill.RemainingAsset.IsZero():
		fill.Closed = true
		fill.OwnerRefund = fill.RemainingCollateral
		fill.RemainingCollateral = fixedpoint.Uint{}
	case fill.RemainingCollateral.IsZero():
		fill.Closed = true
		fill.WrittenOff = fill.RemainingAsset
		fill.RemainingAsset = fixedpoint.Uint{}
	}
	return fill, nil
}
