package fixedpoint

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimal is an unsigned fixed-point number with 18 fractional digits.
// It is stored as atomics = value * 10^18, bounded to 128 bits.
type Decimal struct {
	atomics uint256.Int
}

// OneDecimal returns 1.0.
func OneDecimal() Decimal {
	return Decimal{atomics: *scale}
}

// DecimalFromUint64 returns n as a Decimal.
func DecimalFromUint64(n uint64) Decimal {
	d, err := NewUint(n).Decimal()
	if err != nil {
		panic(err) // a uint64 times 10^18 always fits in 128 bits
	}
	return d
}

// DecimalFromAtomics wraps raw atomics (value * 10^18).
func DecimalFromAtomics(a Uint) Decimal {
	return Decimal{atomics: a.v}
}

// Decimal converts an integer amount to a Decimal with the same value.
func (u Uint) Decimal() (Decimal, error) {
	var z uint256.Int
	if _, overflow := z.MulOverflow(&u.v, scale); overflow || !bounded(&z) {
		return Decimal{}, ErrOverflow
	}
	return Decimal{atomics: z}, nil
}

// ParseDecimal parses a non-negative decimal string such as "1.5" or "0.2".
// More than 18 fractional digits is rejected rather than silently rounded.
func ParseDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	dd, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	if dd.IsNegative() {
		return Decimal{}, fmt.Errorf("%w: negative value %q", ErrInvalidNumber, s)
	}
	shifted := dd.Shift(Places)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Decimal{}, fmt.Errorf("%w: more than %d fractional digits in %q", ErrInvalidNumber, Places, s)
	}
	u, err := uintFromBig(shifted.BigInt())
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{atomics: u.v}, nil
}

// MustParseDecimal is ParseDecimal for constants and tests; it panics on error.
func MustParseDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Atomics returns the raw value * 10^18.
func (d Decimal) Atomics() Uint { return Uint{v: d.atomics} }

func (d Decimal) IsZero() bool { return d.atomics.IsZero() }

// Cmp returns -1, 0 or +1 comparing d to o.
func (d Decimal) Cmp(o Decimal) int { return d.atomics.Cmp(&o.atomics) }

func (d Decimal) Equal(o Decimal) bool { return d.atomics.Eq(&o.atomics) }
func (d Decimal) LT(o Decimal) bool    { return d.atomics.Lt(&o.atomics) }
func (d Decimal) GT(o Decimal) bool    { return d.atomics.Gt(&o.atomics) }

func (d Decimal) Add(o Decimal) (Decimal, error) {
	z, err := checkedAdd(&d.atomics, &o.atomics)
	return Decimal{atomics: z}, err
}

func (d Decimal) Sub(o Decimal) (Decimal, error) {
	z, err := checkedSub(&d.atomics, &o.atomics)
	return Decimal{atomics: z}, err
}

// Mul returns floor(d * o).
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	z, err := mulDiv(&d.atomics, &o.atomics, scale)
	return Decimal{atomics: z}, err
}

// Quo returns floor(d / o).
func (d Decimal) Quo(o Decimal) (Decimal, error) {
	z, err := mulDiv(&d.atomics, scale, &o.atomics)
	return Decimal{atomics: z}, err
}

// Reverse returns floor(1 / d).
func (d Decimal) Reverse() (Decimal, error) {
	return OneDecimal().Quo(d)
}

// Big returns the atomics as a new big.Int.
func (d Decimal) Big() *big.Int { return d.atomics.ToBig() }

// Float64 returns an approximation of d, for metrics only.
func (d Decimal) Float64() float64 {
	f, _ := d.shopspring().Float64()
	return f
}

func (d Decimal) shopspring() decimal.Decimal {
	return decimal.NewFromBigInt(d.atomics.ToBig(), -Places)
}

// String formats d without trailing zeros, e.g. "1.5".
func (d Decimal) String() string {
	return d.shopspring().String()
}

func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted string or a bare JSON number.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "null" {
		*d = Decimal{}
		return nil
	}
	parsed, err := ParseDecimal(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalText lets Decimal be decoded from TOML and query strings.
func (d *Decimal) UnmarshalText(text []byte) error {
	parsed, err := ParseDecimal(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
