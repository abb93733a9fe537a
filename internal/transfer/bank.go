package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
)

// EscrowAccount is the holder name the Bank uses for funds locked by the
// engine.
const EscrowAccount = "cdp-escrow"

// Bank is an in-memory Executor that keeps balances per holder and asset.
// Used for testing and development.
type Bank struct {
	mu       sync.Mutex
	balances map[string]map[string]fixedpoint.Uint // holder -> asset key -> amount
	supply   map[string]fixedpoint.Uint            // token supply by asset key
}

// NewBank creates an empty bank.
func NewBank() *Bank {
	return &Bank{
		balances: make(map[string]map[string]fixedpoint.Uint),
		supply:   make(map[string]fixedpoint.Uint),
	}
}

// Credit adds funds to a holder out of thin air, for seeding. Credited
// tokens count towards their supply.
func (b *Bank) Credit(holder string, a model.Asset) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.balance(holder, a.Info).Add(a.Amount)
	if err != nil {
		return err
	}
	if a.Info.Kind == model.KindToken {
		s, err := b.supply[a.Info.String()].Add(a.Amount)
		if err != nil {
			return err
		}
		b.supply[a.Info.String()] = s
	}
	b.set(holder, a.Info, next)
	return nil
}

// Balance returns a holder's balance of an asset.
func (b *Bank) Balance(holder string, info model.AssetInfo) fixedpoint.Uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance(holder, info)
}

// Supply returns the outstanding supply of a token minted through the bank.
func (b *Bank) Supply(info model.AssetInfo) fixedpoint.Uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.supply[info.String()]
}

// Execute applies the batch against a scratch copy of the touched balances
// and commits only if every instruction succeeds.
func (b *Bank) Execute(_ context.Context, batch []Instruction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	type key struct{ holder, asset string }
	pending := make(map[key]fixedpoint.Uint)
	pendingSupply := make(map[string]fixedpoint.Uint)

	get := func(holder string, info model.AssetInfo) fixedpoint.Uint {
		if v, ok := pending[key{holder, info.String()}]; ok {
			return v
		}
		return b.balance(holder, info)
	}
	supply := func(info model.AssetInfo) fixedpoint.Uint {
		if v, ok := pendingSupply[info.String()]; ok {
			return v
		}
		return b.supply[info.String()]
	}
	move := func(from, to string, a model.Asset) error {
		if from != "" {
			next, err := get(from, a.Info).Sub(a.Amount)
			if err != nil {
				return fmt.Errorf("%w: %s holds less than %s", ErrInsufficientFunds, from, a)
			}
			pending[key{from, a.Info.String()}] = next
		}
		if to != "" {
			next, err := get(to, a.Info).Add(a.Amount)
			if err != nil {
				return err
			}
			pending[key{to, a.Info.String()}] = next
		}
		return nil
	}

	for _, ins := range batch {
		if err := ins.Validate(); err != nil {
			return err
		}
		var err error
		switch ins.Kind {
		case KindReceive:
			err = move(ins.From, EscrowAccount, ins.Asset)
		case KindSend:
			err = move(EscrowAccount, ins.To, ins.Asset)
		case KindMint:
			var s fixedpoint.Uint
			if s, err = supply(ins.Asset.Info).Add(ins.Asset.Amount); err == nil {
				pendingSupply[ins.Asset.Info.String()] = s
				err = move("", ins.To, ins.Asset)
			}
		case KindBurn:
			var s fixedpoint.Uint
			if s, err = supply(ins.Asset.Info).Sub(ins.Asset.Amount); err != nil {
				err = fmt.Errorf("%w: burn exceeds supply of %s", ErrInsufficientFunds, ins.Asset.Info)
			} else {
				pendingSupply[ins.Asset.Info.String()] = s
				err = move(EscrowAccount, "", ins.Asset)
			}
		}
		if err != nil {
			return err
		}
	}

	for k, v := range pending {
		if b.balances[k.holder] == nil {
			b.balances[k.holder] = make(map[string]fixedpoint.Uint)
		}
		b.balances[k.holder][k.asset] = v
	}
	for k, v := range pendingSupply {
		b.supply[k] = v
	}
	return nil
}

func (b *Bank) balance(holder string, info model.AssetInfo) fixedpoint.Uint {
	return b.balances[holder][info.String()]
}

func (b *Bank) set(holder string, info model.AssetInfo, v fixedpoint.Uint) {
	if b.balances[holder] == nil {
		b.balances[holder] = make(map[string]fixedpoint.Uint)
	}
	b.balances[holder][info.String()] = v
}
