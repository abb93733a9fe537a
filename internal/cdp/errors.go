package cdp

import (
	"errors"

	"github.com/atmx/cdp-engine/internal/auction"
	"github.com/atmx/cdp-engine/internal/collateral"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// Every rejection the engine produces matches exactly one of these under
// errors.Is. Several are re-exports so callers need only this package.
var (
	ErrInvalidCollateralRatio = collateral.ErrInvalidCollateralRatio
	ErrAuctionNotEligible     = auction.ErrNotEligible
	ErrOverflow               = fixedpoint.ErrOverflow
	ErrDivisionByZero         = fixedpoint.ErrDivisionByZero
	ErrInvalidAssetKind       = transfer.ErrInvalidAssetKind
	ErrPositionNotFound       = store.ErrPositionNotFound
	ErrAssetNotFound          = store.ErrAssetNotFound
	ErrAssetAlreadyRegistered = store.ErrAssetExists
	ErrNotInitialized         = store.ErrConfigNotFound

	ErrUnauthorized           = errors.New("cdp: unauthorized")
	ErrStalePrice             = errors.New("cdp: price is stale or unavailable")
	ErrAmountExceedsAvailable = errors.New("cdp: amount exceeds available balance")
	ErrInvalidAmount          = errors.New("cdp: invalid amount")
	ErrWrongAsset             = errors.New("cdp: asset does not match position")
	ErrPositionClosed         = errors.New("cdp: position is closed")
	ErrInvalidConfig          = errors.New("cdp: invalid configuration")
	ErrInvalidMessage         = errors.New("cdp: invalid message")
)
