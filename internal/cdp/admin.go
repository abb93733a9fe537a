package cdp

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/store"
)

// ConfigUpdate changes the protocol configuration. Nil fields are kept.
// The base denom cannot change once positions may reference it.
type ConfigUpdate struct {
	Owner       *string `json:"owner,omitempty"`
	Oracle      *string `json:"oracle,omitempty"`
	TokenCodeID *uint64 `json:"token_code_id,omitempty"`
}

// AssetUpdate changes the risk parameters of a registered asset.
type AssetUpdate struct {
	AuctionDiscount    *fixedpoint.Decimal `json:"auction_discount,omitempty"`
	MinCollateralRatio *fixedpoint.Decimal `json:"min_collateral_ratio,omitempty"`
}

// Instantiate writes the initial configuration and registers the genesis
// assets. It fails if the store is already initialised.
func (e *Engine) Instantiate(ctx context.Context, st store.Store, cfg model.Config, assets []model.AssetConfig) error {
	if _, err := st.Config(ctx); err == nil {
		return fmt.Errorf("%w: already initialised", ErrInvalidConfig)
	} else if !errors.Is(err, ErrNotInitialized) {
		return err
	}
	if cfg.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidConfig)
	}
	if err := checkInfo(model.Native(cfg.BaseDenom)); err != nil {
		return fmt.Errorf("%w: base denom: %v", ErrInvalidConfig, err)
	}
	if err := st.SaveConfig(ctx, &cfg); err != nil {
		return err
	}
	for i := range assets {
		if err := registerAsset(ctx, st, &assets[i]); err != nil {
			return err
		}
	}
	return nil
}

// UpdateConfig changes the owner, oracle or token code id. Owner only.
func (e *Engine) UpdateConfig(ctx context.Context, st store.Store, env Env, upd ConfigUpdate) (*Result, error) {
	cfg, err := ownerConfig(ctx, st, env)
	if err != nil {
		return nil, err
	}
	attrs := map[string]string{}
	if upd.Owner != nil {
		if *upd.Owner == "" {
			return nil, fmt.Errorf("%w: owner cannot be empty", ErrInvalidConfig)
		}
		cfg.Owner = *upd.Owner
		attrs["owner"] = cfg.Owner
	}
	if upd.Oracle != nil {
		cfg.Oracle = *upd.Oracle
		attrs["oracle"] = cfg.Oracle
	}
	if upd.TokenCodeID != nil {
		cfg.TokenCodeID = *upd.TokenCodeID
		attrs["token_code_id"] = strconv.FormatUint(cfg.TokenCodeID, 10)
	}
	if err := st.SaveConfig(ctx, cfg); err != nil {
		return nil, err
	}
	ev, err := record(ctx, st, env, model.ActionConfigure, nil, attrs)
	if err != nil {
		return nil, err
	}
	return &Result{Action: model.ActionConfigure, Events: []model.Event{ev}}, nil
}

// RegisterAsset makes a token mintable. Owner only.
func (e *Engine) RegisterAsset(ctx context.Context, st store.Store, env Env, a model.AssetConfig) (*Result, error) {
	if _, err := ownerConfig(ctx, st, env); err != nil {
		return nil, err
	}
	if err := registerAsset(ctx, st, &a); err != nil {
		return nil, err
	}
	ev, err := record(ctx, st, env, model.ActionRegister, nil, assetAttrs(&a))
	if err != nil {
		return nil, err
	}
	return &Result{Action: model.ActionRegister, Events: []model.Event{ev}}, nil
}

// UpdateAssetConfig changes the risk parameters of token. Owner only.
// Existing positions are judged by the new parameters from the next
// operation on.
func (e *Engine) UpdateAssetConfig(ctx context.Context, st store.Store, env Env, token string, upd AssetUpdate) (*Result, error) {
	if _, err := ownerConfig(ctx, st, env); err != nil {
		return nil, err
	}
	a, err := st.AssetConfig(ctx, token)
	if err != nil {
		return nil, err
	}
	if upd.AuctionDiscount != nil {
		a.AuctionDiscount = *upd.AuctionDiscount
	}
	if upd.MinCollateralRatio != nil {
		a.MinCollateralRatio = *upd.MinCollateralRatio
	}
	if err := validateAssetParams(a); err != nil {
		return nil, err
	}
	if err := st.UpdateAssetConfig(ctx, a); err != nil {
		return nil, err
	}
	ev, err := record(ctx, st, env, model.ActionUpdate, nil, assetAttrs(a))
	if err != nil {
		return nil, err
	}
	return &Result{Action: model.ActionUpdate, Events: []model.Event{ev}}, nil
}

func ownerConfig(ctx context.Context, st store.Store, env Env) (*model.Config, error) {
	cfg, err := st.Config(ctx)
	if err != nil {
		return nil, err
	}
	if env.Sender != cfg.Owner {
		return nil, fmt.Errorf("%w: %s is not the protocol owner", ErrUnauthorized, env.Sender)
	}
	return cfg, nil
}

func registerAsset(ctx context.Context, st store.Store, a *model.AssetConfig) error {
	if err := checkInfo(a.Info()); err != nil {
		return err
	}
	if err := validateAssetParams(a); err != nil {
		return err
	}
	return st.CreateAssetConfig(ctx, a)
}

// validateAssetParams requires a discount below 1 and a minimum ratio of
// at least 1.
func validateAssetParams(a *model.AssetConfig) error {
	one := fixedpoint.OneDecimal()
	if !a.AuctionDiscount.LT(one) {
		return fmt.Errorf("%w: auction_discount must be less than 1, got %s", ErrInvalidConfig, a.AuctionDiscount)
	}
	if a.MinCollateralRatio.LT(one) {
		return fmt.Errorf("%w: min_collateral_ratio must be at least 1, got %s", ErrInvalidConfig, a.MinCollateralRatio)
	}
	return nil
}

func assetAttrs(a *model.AssetConfig) map[string]string {
	return map[string]string{
		"asset_token":          a.Token,
		"auction_discount":     a.AuctionDiscount.String(),
		"min_collateral_ratio": a.MinCollateralRatio.String(),
	}
}
