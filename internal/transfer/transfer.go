// Package transfer turns ledger effects into asset movements.
//
// The CDP engine never moves value itself. Each operation returns a list of
// Instructions which an Executor carries out after the ledger update has
// been validated. Native coins and contract tokens move differently; this
// package is the only place that distinguishes them.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/cdp-engine/internal/model"
)

// Kind is the type of an instruction.
type Kind string

const (
	// KindReceive moves funds attached to a request from the sender into
	// escrow.
	KindReceive Kind = "receive"
	// KindSend pays an asset out of escrow to a recipient.
	KindSend Kind = "send"
	// KindMint creates new tokens for a recipient.
	KindMint Kind = "mint"
	// KindBurn destroys tokens held in escrow.
	KindBurn Kind = "burn"
)

var (
	// ErrInvalidAssetKind is returned when an operation is not defined for
	// the asset's kind, e.g. minting a native coin.
	ErrInvalidAssetKind = errors.New("transfer: operation not supported for asset kind")

	// ErrInsufficientFunds is returned by executors that track balances.
	ErrInsufficientFunds = errors.New("transfer: insufficient funds")

	// ErrInvalidIdentifier is returned for malformed denoms or addresses.
	ErrInvalidIdentifier = errors.New("transfer: invalid asset identifier")
)

// Instruction is one asset movement.
type Instruction struct {
	Kind  Kind        `json:"kind"`
	Asset model.Asset `json:"asset"`
	// From is the payer of a receive.
	From string `json:"from,omitempty"`
	// To is the recipient of a send or mint.
	To string `json:"to,omitempty"`
}

func (i Instruction) String() string {
	switch i.Kind {
	case KindReceive:
		return fmt.Sprintf("receive %s from %s", i.Asset, i.From)
	case KindBurn:
		return fmt.Sprintf("burn %s", i.Asset)
	default:
		return fmt.Sprintf("%s %s to %s", i.Kind, i.Asset, i.To)
	}
}

// Receive, Send, Mint and Burn build instructions.
func Receive(from string, a model.Asset) Instruction {
	return Instruction{Kind: KindReceive, Asset: a, From: from}
}

func Send(to string, a model.Asset) Instruction {
	return Instruction{Kind: KindSend, Asset: a, To: to}
}

func Mint(to string, a model.Asset) Instruction {
	return Instruction{Kind: KindMint, Asset: a, To: to}
}

func Burn(a model.Asset) Instruction {
	return Instruction{Kind: KindBurn, Asset: a}
}

// Validate checks that the instruction is defined for its asset kind.
// Both kinds can be received and sent; only tokens can be minted or burned.
func (i Instruction) Validate() error {
	if err := ValidateAssetInfo(i.Asset.Info); err != nil {
		return err
	}
	switch i.Asset.Info.Kind {
	case model.KindNative:
		switch i.Kind {
		case KindReceive, KindSend:
			return nil
		case KindMint, KindBurn:
			return fmt.Errorf("%w: cannot %s native %s", ErrInvalidAssetKind, i.Kind, i.Asset.Info.Denom)
		}
	case model.KindToken:
		switch i.Kind {
		case KindReceive, KindSend, KindMint, KindBurn:
			return nil
		}
	}
	return fmt.Errorf("%w: %s of %s", ErrInvalidAssetKind, i.Kind, i.Asset.Info)
}

// Executor carries out a batch of instructions. A batch is applied
// entirely or not at all.
type Executor interface {
	Execute(ctx context.Context, batch []Instruction) error
}

// Batch is the instruction list of one committed ledger operation. It is
// settled as a unit; ID lets a settlement worker drop redeliveries.
type Batch struct {
	ID           string        `json:"id"`
	Instructions []Instruction `json:"instructions"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NewBatch validates ins and wraps it in a Batch with a fresh ID.
func NewBatch(ins []Instruction, at time.Time) (Batch, error) {
	b := Batch{ID: uuid.New().String(), Instructions: ins, CreatedAt: at}
	return b, b.Validate()
}

func (b Batch) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("%w: batch without id", ErrInvalidIdentifier)
	}
	for _, ins := range b.Instructions {
		if err := ins.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// denomRegex follows the bank module's coin denomination rules.
var denomRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9/:._-]{2,127}$`)

// contractRegex accepts lower-case bech32-style or hex-style addresses.
var contractRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{2,89}$|^0x[0-9a-fA-F]{40}$`)

// ValidateAssetInfo checks the identifier format for the asset's kind.
func ValidateAssetInfo(info model.AssetInfo) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAssetKind, err)
	}
	switch info.Kind {
	case model.KindNative:
		if !denomRegex.MatchString(info.Denom) {
			return fmt.Errorf("%w: denom %q", ErrInvalidIdentifier, info.Denom)
		}
	case model.KindToken:
		if !contractRegex.MatchString(info.Contract) {
			return fmt.Errorf("%w: contract %q", ErrInvalidIdentifier, info.Contract)
		}
	}
	return nil
}
