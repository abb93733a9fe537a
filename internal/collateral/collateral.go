// Package collateral implements the solvency checks for CDP positions.
//
// A position holding asset amount a against collateral amount c is solvent
// under prices (pa, pc) and minimum ratio m when
//
//	a * pa * m <= c * pc
//
// The comparison is evaluated on exact integer products so no intermediate
// rounding can move a position across the boundary. The boundary itself is
// solvent: minting exactly to the minimum ratio is allowed, and a position
// sitting exactly on it cannot be auctioned.
package collateral

import (
	"errors"
	"math/big"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

var (
	// ErrInvalidCollateralRatio is returned when a mutation would leave a
	// position below its minimum collateral ratio.
	ErrInvalidCollateralRatio = errors.New("collateral: position would fall below the minimum collateral ratio")

	// ErrZeroPrice is returned when either side of a price pair is zero.
	ErrZeroPrice = errors.New("collateral: zero price")
)

// Prices is a pair of effective oracle prices, each quoted in the same
// reference unit.
type Prices struct {
	Collateral fixedpoint.Decimal
	Asset      fixedpoint.Decimal
}

// Validate rejects pairs that would divide by zero or make any liability
// worthless.
func (p Prices) Validate() error {
	if p.Collateral.IsZero() || p.Asset.IsZero() {
		return ErrZeroPrice
	}
	return nil
}

func lhs(asset fixedpoint.Uint, p Prices, ratio fixedpoint.Decimal) []fixedpoint.Operand {
	return []fixedpoint.Operand{asset, p.Asset, ratio}
}

func rhs(coll fixedpoint.Uint, p Prices) []fixedpoint.Operand {
	return []fixedpoint.Operand{coll, p.Collateral, fixedpoint.ScaleOperand}
}

// Check returns ErrInvalidCollateralRatio unless
// asset*assetPrice*minRatio <= collateral*collateralPrice.
func Check(asset, coll fixedpoint.Uint, p Prices, minRatio fixedpoint.Decimal) error {
	if fixedpoint.CmpProducts(lhs(asset, p, minRatio), rhs(coll, p)) > 0 {
		return ErrInvalidCollateralRatio
	}
	return nil
}

// Liquidatable reports whether the position is strictly below minRatio.
func Liquidatable(asset, coll fixedpoint.Uint, p Prices, minRatio fixedpoint.Decimal) bool {
	return fixedpoint.CmpProducts(lhs(asset, p, minRatio), rhs(coll, p)) > 0
}

// AssetValueInCollateral converts an asset amount into collateral units,
// floor(asset * assetPrice / collateralPrice).
func AssetValueInCollateral(asset fixedpoint.Uint, p Prices) (fixedpoint.Uint, error) {
	if err := p.Validate(); err != nil {
		return fixedpoint.Uint{}, err
	}
	return asset.MulRatio(p.Asset, p.Collateral)
}

// MaxMintable returns the largest asset amount that coll can back at the
// given ratio: floor(coll * pc / (pa * ratio)). The single floor at the end
// keeps the result on the protocol's side of the boundary, so
// Check(MaxMintable(...), coll, p, ratio) always passes.
func MaxMintable(coll fixedpoint.Uint, p Prices, ratio fixedpoint.Decimal) (fixedpoint.Uint, error) {
	if err := p.Validate(); err != nil {
		return fixedpoint.Uint{}, err
	}
	num := fixedpoint.Product(rhs(coll, p)...)
	den := fixedpoint.Product(p.Asset, ratio)
	return fixedpoint.QuoFloor(num, den)
}

// Ratio returns the current collateral ratio, collateral value divided by
// asset value, rounded down. A position with no liability has no ratio and
// yields fixedpoint.ErrDivisionByZero.
func Ratio(asset, coll fixedpoint.Uint, p Prices) (fixedpoint.Decimal, error) {
	if err := p.Validate(); err != nil {
		return fixedpoint.Decimal{}, err
	}
	num := fixedpoint.Product(coll, p.Collateral, fixedpoint.ScaleOperand)
	den := new(big.Int).Mul(asset.Big(), p.Asset.Big())
	return fixedpoint.DecimalQuoFloor(num, den)
}
