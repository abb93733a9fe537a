package cdp

import (
	"context"
	"fmt"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/store"
	"github.com/atmx/cdp-engine/internal/transfer"
)

// ReceiveMsg is the notification a token contract delivers after moving
// Amount of itself from Sender to the engine.
type ReceiveMsg struct {
	Sender string          `json:"sender"`
	Amount fixedpoint.Uint `json:"amount"`
	Msg    HookMsg         `json:"msg"`
}

// HookMsg selects what the received tokens are for. Exactly one field
// must be set.
type HookMsg struct {
	OpenPosition *OpenPositionHook `json:"open_position,omitempty"`
	Deposit      *PositionHook     `json:"deposit,omitempty"`
	Burn         *PositionHook     `json:"burn,omitempty"`
	Auction      *PositionHook     `json:"auction,omitempty"`
}

// OpenPositionHook opens a position with the received tokens as collateral.
type OpenPositionHook struct {
	AssetInfo       model.AssetInfo    `json:"asset_info"`
	CollateralRatio fixedpoint.Decimal `json:"collateral_ratio"`
}

// PositionHook targets an existing position.
type PositionHook struct {
	PositionIdx uint64 `json:"position_idx"`
}

func (h HookMsg) variants() int {
	n := 0
	for _, set := range []bool{h.OpenPosition != nil, h.Deposit != nil, h.Burn != nil, h.Auction != nil} {
		if set {
			n++
		}
	}
	return n
}

// Receive handles a token transfer notification. env.Sender is the token
// contract itself; msg.Sender is the account that sent the tokens and acts
// as the caller of the inner operation.
func (e *Engine) Receive(ctx context.Context, st store.Store, env Env, msg ReceiveMsg) (*Result, error) {
	token := model.Token(env.Sender)
	if err := checkInfo(token); err != nil {
		return nil, err
	}
	if msg.Sender == "" {
		return nil, fmt.Errorf("%w: missing token sender", ErrInvalidMessage)
	}
	if n := msg.Msg.variants(); n != 1 {
		return nil, fmt.Errorf("%w: expected exactly one hook, got %d", ErrInvalidMessage, n)
	}
	if msg.Amount.IsZero() {
		return nil, fmt.Errorf("%w: received amount must be positive", ErrInvalidAmount)
	}

	received := model.Asset{Info: token, Amount: msg.Amount}
	inner := Env{Sender: msg.Sender, Time: env.Time}

	var (
		res *Result
		err error
	)
	switch h := msg.Msg; {
	case h.OpenPosition != nil:
		res, err = e.openPosition(ctx, st, inner, msg.Sender, OpenRequest{
			Collateral:      received,
			Asset:           h.OpenPosition.AssetInfo,
			CollateralRatio: h.OpenPosition.CollateralRatio,
		})
	case h.Deposit != nil:
		res, err = e.deposit(ctx, st, inner, h.Deposit.PositionIdx, received)
	case h.Burn != nil:
		res, err = e.burn(ctx, st, inner, h.Burn.PositionIdx, received)
	case h.Auction != nil:
		res, err = e.liquidate(ctx, st, inner, h.Auction.PositionIdx, received)
	}
	if err != nil {
		return nil, err
	}
	res.Messages = append([]transfer.Instruction{transfer.Receive(msg.Sender, received)}, res.Messages...)
	return res, nil
}
