// Package fixedpoint implements the checked unsigned arithmetic used for
// every amount, price and ratio in the CDP engine.
//
// Amounts are Uint values and ratios/prices are Decimal values with 18
// fractional digits. Both are bounded to 128 bits; intermediate products are
// computed at 512-bit width (holiman/uint256 MulDivOverflow) so a
// multiply-then-divide never loses precision before the final rounding.
// Division rounds toward zero unless a function is explicitly named Ceil.
// Nothing in this package ever wraps: every operation that could leave the
// 128-bit range returns ErrOverflow instead.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when a result does not fit in 128 bits.
	ErrOverflow = errors.New("fixedpoint: arithmetic overflow")

	// ErrUnderflow is returned when a subtraction would go below zero.
	// It matches ErrOverflow under errors.Is.
	ErrUnderflow = fmt.Errorf("%w: subtraction underflow", ErrOverflow)

	// ErrDivisionByZero is returned for any zero divisor.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrInvalidNumber is returned when parsing malformed or negative input.
	ErrInvalidNumber = errors.New("fixedpoint: invalid number")
)

// Places is the number of fractional digits carried by Decimal.
const Places = 18

var (
	scale      = uint256.NewInt(1_000_000_000_000_000_000)
	scaleBig   = scale.ToBig()
	maxUint128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))
)

// bounded reports whether x fits the 128-bit value range.
func bounded(x *uint256.Int) bool {
	return !x.Gt(maxUint128)
}

func checkedAdd(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(x, y); overflow || !bounded(&z) {
		return uint256.Int{}, ErrOverflow
	}
	return z, nil
}

func checkedSub(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, underflow := z.SubOverflow(x, y); underflow {
		return uint256.Int{}, ErrUnderflow
	}
	return z, nil
}

// mulDiv computes floor(x*y/d) with a 512-bit intermediate product.
func mulDiv(x, y, d *uint256.Int) (uint256.Int, error) {
	if d.IsZero() {
		return uint256.Int{}, ErrDivisionByZero
	}
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(x, y, d); overflow || !bounded(&z) {
		return uint256.Int{}, ErrOverflow
	}
	return z, nil
}

// mulDivCeil computes ceil(x*y/d).
func mulDivCeil(x, y, d *uint256.Int) (uint256.Int, error) {
	z, err := mulDiv(x, y, d)
	if err != nil {
		return uint256.Int{}, err
	}
	var rem uint256.Int
	if rem.MulMod(x, y, d); rem.IsZero() {
		return z, nil
	}
	return checkedAdd(&z, uint256.NewInt(1))
}

// Operand is any fixed-point value that can expose its raw integer form.
// For a Uint that is the amount itself; for a Decimal it is the atomics
// (value * 10^18).
type Operand interface {
	Big() *big.Int
}

// Product returns the exact product of the raw integer forms of vals.
func Product(vals ...Operand) *big.Int {
	p := big.NewInt(1)
	for _, v := range vals {
		p.Mul(p, v.Big())
	}
	return p
}

// CmpProducts compares the exact products of lhs and rhs without any
// intermediate rounding. It returns -1, 0 or +1.
func CmpProducts(lhs, rhs []Operand) int {
	return Product(lhs...).Cmp(Product(rhs...))
}

// QuoFloor returns floor(num/den) as a Uint.
func QuoFloor(num, den *big.Int) (Uint, error) {
	if den.Sign() == 0 {
		return Uint{}, ErrDivisionByZero
	}
	return uintFromBig(new(big.Int).Quo(num, den))
}

// QuoCeil returns ceil(num/den) as a Uint.
func QuoCeil(num, den *big.Int) (Uint, error) {
	if den.Sign() == 0 {
		return Uint{}, ErrDivisionByZero
	}
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return uintFromBig(q)
}

// DecimalQuoFloor returns floor(num/den) interpreted as Decimal atomics.
func DecimalQuoFloor(num, den *big.Int) (Decimal, error) {
	u, err := QuoFloor(num, den)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{atomics: u.v}, nil
}

func uintFromBig(b *big.Int) (Uint, error) {
	if b.Sign() < 0 {
		return Uint{}, ErrUnderflow
	}
	v, overflow := uint256.FromBig(b)
	if overflow || !bounded(v) {
		return Uint{}, ErrOverflow
	}
	return Uint{v: *v}, nil
}

// ScaleOperand is the raw form of 1.0 as a Decimal, for balancing product
// comparisons between sides carrying a different number of Decimals.
var ScaleOperand Operand = OneDecimal()
