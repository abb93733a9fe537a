// Package model defines the core domain types shared across the CDP engine.
// All amounts are fixedpoint.Uint and all prices/ratios fixedpoint.Decimal;
// never float64 for money.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

// AssetKind discriminates the two ways an asset can be held.
type AssetKind string

const (
	// KindNative is a chain-level coin identified by denomination.
	KindNative AssetKind = "native"
	// KindToken is a contract-issued token identified by contract address.
	KindToken AssetKind = "token"
)

// ErrInvalidAssetInfo is returned for an asset reference with an unknown
// kind or an empty identifier.
var ErrInvalidAssetInfo = errors.New("model: invalid asset info")

// AssetInfo identifies an asset. Exactly one of Denom or Contract is set,
// matching Kind.
type AssetInfo struct {
	Kind     AssetKind `json:"kind"`
	Denom    string    `json:"denom,omitempty"`
	Contract string    `json:"contract,omitempty"`
}

// Native returns the AssetInfo of a native coin.
func Native(denom string) AssetInfo {
	return AssetInfo{Kind: KindNative, Denom: denom}
}

// Token returns the AssetInfo of a contract token.
func Token(contract string) AssetInfo {
	return AssetInfo{Kind: KindToken, Contract: contract}
}

// NewAssetInfo rebuilds an AssetInfo from its kind and identifier, as
// stored in flat columns.
func NewAssetInfo(kind, id string) (AssetInfo, error) {
	info := AssetInfo{Kind: AssetKind(kind)}
	switch info.Kind {
	case KindNative:
		info.Denom = id
	case KindToken:
		info.Contract = id
	}
	return info, info.Validate()
}

// ID returns the denomination or contract address.
func (a AssetInfo) ID() string {
	if a.Kind == KindToken {
		return a.Contract
	}
	return a.Denom
}

func (a AssetInfo) IsNative() bool { return a.Kind == KindNative }

func (a AssetInfo) Equal(o AssetInfo) bool {
	return a.Kind == o.Kind && a.ID() == o.ID()
}

// Validate checks that the kind is known and the identifier matches it.
func (a AssetInfo) Validate() error {
	switch a.Kind {
	case KindNative:
		if a.Denom == "" || a.Contract != "" {
			return fmt.Errorf("%w: native asset needs a denom", ErrInvalidAssetInfo)
		}
	case KindToken:
		if a.Contract == "" || a.Denom != "" {
			return fmt.Errorf("%w: token asset needs a contract", ErrInvalidAssetInfo)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAssetInfo, a.Kind)
	}
	return nil
}

// String renders "native:<denom>" or "token:<contract>".
func (a AssetInfo) String() string {
	return string(a.Kind) + ":" + a.ID()
}

// Asset is an amount of a specific asset.
type Asset struct {
	Info   AssetInfo       `json:"info"`
	Amount fixedpoint.Uint `json:"amount"`
}

func (a Asset) String() string {
	return a.Amount.String() + " " + a.Info.String()
}

// Position is one CDP: locked collateral backing a minted liability.
// Idx is assigned at creation from a monotonic counter and never reused.
type Position struct {
	Idx        uint64    `json:"idx" db:"idx"`
	Owner      string    `json:"owner" db:"owner"`
	Collateral Asset     `json:"collateral"`
	Asset      Asset     `json:"asset"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Closed reports whether the liability has been repaid or the collateral
// fully auctioned off. Closed positions are retained for history but
// accept no further mutation.
func (p *Position) Closed() bool {
	return p.Asset.Amount.IsZero() || p.Collateral.Amount.IsZero()
}

// PositionStatus is derived from a position and current prices; it is
// never stored.
type PositionStatus string

const (
	StatusHealthy      PositionStatus = "healthy"
	StatusLiquidatable PositionStatus = "liquidatable"
	StatusClosed       PositionStatus = "closed"
	// StatusUnknown is reported by queries when no price is available.
	StatusUnknown PositionStatus = "unknown"
)

// AssetConfig holds the per-asset risk parameters.
type AssetConfig struct {
	Token              string             `json:"token"`
	AuctionDiscount    fixedpoint.Decimal `json:"auction_discount"`
	MinCollateralRatio fixedpoint.Decimal `json:"min_collateral_ratio"`
}

// Info returns the AssetInfo of the minted token.
func (c *AssetConfig) Info() AssetInfo {
	return Token(c.Token)
}

// Config is the protocol-wide singleton configuration.
type Config struct {
	Owner       string `json:"owner"`
	Oracle      string `json:"oracle"`
	BaseDenom   string `json:"base_denom"`
	TokenCodeID uint64 `json:"token_code_id"`
}

// PriceQuote is one oracle answer. The effective price is
// Price * Multiplier. Quotes are never cached across operations.
type PriceQuote struct {
	Price          fixedpoint.Decimal `json:"price"`
	Multiplier     fixedpoint.Decimal `json:"multiplier"`
	LastUpdateTime time.Time          `json:"last_update_time"`
}

// Effective returns Price * Multiplier, rounded down.
func (q PriceQuote) Effective() (fixedpoint.Decimal, error) {
	return q.Price.Mul(q.Multiplier)
}

// Action names one ledger mutation.
type Action string

const (
	ActionOpen      Action = "open_position"
	ActionDeposit   Action = "deposit"
	ActionWithdraw  Action = "withdraw"
	ActionMint      Action = "mint"
	ActionBurn      Action = "burn"
	ActionAuction   Action = "auction"
	ActionRegister  Action = "register_asset"
	ActionUpdate    Action = "update_asset"
	ActionConfigure Action = "update_config"
)

// Event is an immutable record of an executed ledger action. Once created,
// events are never modified or deleted. Collateral and Asset hold the
// position state after the action.
type Event struct {
	ID          string            `json:"id" db:"id"`
	PositionIdx uint64            `json:"position_idx" db:"position_idx"`
	Action      Action            `json:"action" db:"action"`
	Sender      string            `json:"sender" db:"sender"`
	Collateral  Asset             `json:"collateral"`
	Asset       Asset             `json:"asset"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Timestamp   time.Time         `json:"timestamp" db:"timestamp"`
}

// ParseAssetInfo parses the "native:<denom>" / "token:<contract>" form
// produced by AssetInfo.String. A bare identifier is treated as a token.
func ParseAssetInfo(s string) (AssetInfo, error) {
	kind, id, found := strings.Cut(s, ":")
	if !found {
		return NewAssetInfo(string(KindToken), s)
	}
	return NewAssetInfo(kind, id)
}
