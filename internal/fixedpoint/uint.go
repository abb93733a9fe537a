package fixedpoint

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Uint is an unsigned integer token amount in the range [0, 2^128-1].
// The zero value is 0. Uint is a value type; copies are independent.
type Uint struct {
	v uint256.Int
}

// NewUint returns n as a Uint.
func NewUint(n uint64) Uint {
	return Uint{v: *uint256.NewInt(n)}
}

// MaxUint returns the largest representable amount, 2^128-1.
func MaxUint() Uint {
	return Uint{v: *maxUint128}
}

// ParseUint parses a base-10 integer string.
func ParseUint(s string) (Uint, error) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '-' || s[0] == '+' {
		return Uint{}, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Uint{}, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return uintFromBig(b)
}

// MustParseUint is ParseUint for constants and tests; it panics on error.
func MustParseUint(s string) Uint {
	u, err := ParseUint(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u Uint) IsZero() bool { return u.v.IsZero() }

// Cmp returns -1, 0 or +1 comparing u to o.
func (u Uint) Cmp(o Uint) int { return u.v.Cmp(&o.v) }

func (u Uint) Equal(o Uint) bool { return u.v.Eq(&o.v) }
func (u Uint) LT(o Uint) bool    { return u.v.Lt(&o.v) }
func (u Uint) GT(o Uint) bool    { return u.v.Gt(&o.v) }

// Min returns the smaller of u and o.
func (u Uint) Min(o Uint) Uint {
	if u.v.Gt(&o.v) {
		return o
	}
	return u
}

func (u Uint) Add(o Uint) (Uint, error) {
	z, err := checkedAdd(&u.v, &o.v)
	return Uint{v: z}, err
}

func (u Uint) Sub(o Uint) (Uint, error) {
	z, err := checkedSub(&u.v, &o.v)
	return Uint{v: z}, err
}

// MulDecimal returns floor(u * d).
func (u Uint) MulDecimal(d Decimal) (Uint, error) {
	z, err := mulDiv(&u.v, &d.atomics, scale)
	return Uint{v: z}, err
}

// MulDecimalCeil returns ceil(u * d).
func (u Uint) MulDecimalCeil(d Decimal) (Uint, error) {
	z, err := mulDivCeil(&u.v, &d.atomics, scale)
	return Uint{v: z}, err
}

// DivDecimal returns floor(u / d).
func (u Uint) DivDecimal(d Decimal) (Uint, error) {
	z, err := mulDiv(&u.v, scale, &d.atomics)
	return Uint{v: z}, err
}

// DivDecimalCeil returns ceil(u / d).
func (u Uint) DivDecimalCeil(d Decimal) (Uint, error) {
	z, err := mulDivCeil(&u.v, scale, &d.atomics)
	return Uint{v: z}, err
}

// MulRatio returns floor(u * num / den).
func (u Uint) MulRatio(num, den Decimal) (Uint, error) {
	z, err := mulDiv(&u.v, &num.atomics, &den.atomics)
	return Uint{v: z}, err
}

// MulRatioCeil returns ceil(u * num / den).
func (u Uint) MulRatioCeil(num, den Decimal) (Uint, error) {
	z, err := mulDivCeil(&u.v, &num.atomics, &den.atomics)
	return Uint{v: z}, err
}

// Big returns u as a new big.Int.
func (u Uint) Big() *big.Int { return u.v.ToBig() }

// Float64 returns an approximation of u, for metrics only.
func (u Uint) Float64() float64 {
	f, _ := new(big.Float).SetInt(u.v.ToBig()).Float64()
	return f
}

func (u Uint) String() string { return u.v.Dec() }

// MarshalJSON encodes u as a quoted decimal string so that values above
// 2^53 survive JavaScript clients.
func (u Uint) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.v.Dec() + `"`), nil
}

// UnmarshalJSON accepts either a quoted string or a bare integer.
func (u *Uint) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "null" {
		*u = Uint{}
		return nil
	}
	parsed, err := ParseUint(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// UnmarshalText lets Uint be decoded from TOML.
func (u *Uint) UnmarshalText(text []byte) error {
	parsed, err := ParseUint(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
