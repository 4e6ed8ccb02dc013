// Package fixedpoint provides the two scalar types the lending core does all
// fractional accounting with: Dec, a 128-bit quote-currency scalar, and
// BigDec, a 192-bit scalar for cumulative borrow indexes. Both carry a fixed
// 10^18 scale and make every rounding direction explicit at the call site.
package fixedpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when a result no longer fits the type's bit
	// bound. Callers treat it as a fatal math error.
	ErrOverflow = errors.New("fixedpoint: overflow")
	// ErrDivideByZero is returned on division by a zero scalar.
	ErrDivideByZero = errors.New("fixedpoint: division by zero")
)

const (
	// Scale is the fixed denominator shared by Dec and BigDec.
	Scale = 1_000_000_000_000_000_000 // 10^18

	decBits    = 128
	bigDecBits = 192
)

var (
	scaleInt = uint256.NewInt(Scale)
	tenInt   = uint256.NewInt(10)
)

// Dec is a non-negative fixed-point scalar bounded to 128 bits of scaled
// magnitude. It represents quote-currency values, prices and ratios.
type Dec struct {
	v uint256.Int
}

// Zero returns the zero scalar.
func Zero() Dec { return Dec{} }

// One returns the scalar 1.0.
func One() Dec { return FromInt(1) }

// FromInt converts an integer to a Dec. The scaled value of any uint64 fits
// 128 bits, so no error path exists.
func FromInt(u uint64) Dec {
	var d Dec
	d.v.Mul(uint256.NewInt(u), scaleInt)
	return d
}

// FromRatio builds num/den as a Dec.
func FromRatio(num, den uint64) (Dec, error) {
	if den == 0 {
		return Dec{}, ErrDivideByZero
	}
	var d Dec
	d.v.Mul(uint256.NewInt(num), scaleInt)
	d.v.Div(&d.v, uint256.NewInt(den))
	return d, nil
}

// FromBps converts basis points to a Dec fraction (10_000 bps == 1.0).
func FromBps(bps uint64) Dec {
	var d Dec
	d.v.Mul(uint256.NewInt(bps), scaleInt)
	d.v.Div(&d.v, uint256.NewInt(10_000))
	return d
}

// FromScaled interprets amount as a raw token quantity at the given mint
// decimals and returns the whole-token value.
func FromScaled(amount uint64, decimals uint8) (Dec, error) {
	var d Dec
	d.v.Mul(uint256.NewInt(amount), scaleInt)
	d.v.Div(&d.v, pow10(decimals))
	return d.bounded()
}

func pow10(n uint8) *uint256.Int {
	out := uint256.NewInt(1)
	for i := uint8(0); i < n; i++ {
		out.Mul(out, tenInt)
	}
	return out
}

func (d Dec) bounded() (Dec, error) {
	if d.v.BitLen() > decBits {
		return Dec{}, ErrOverflow
	}
	return d, nil
}

// Add returns d + o.
func (d Dec) Add(o Dec) (Dec, error) {
	var out Dec
	if _, carry := out.v.AddOverflow(&d.v, &o.v); carry {
		return Dec{}, ErrOverflow
	}
	return out.bounded()
}

// SubSat returns d - o, saturating at zero. This is the default subtraction
// direction for user-facing balances.
func (d Dec) SubSat(o Dec) Dec {
	var out Dec
	if _, underflow := out.v.SubOverflow(&d.v, &o.v); underflow {
		return Dec{}
	}
	return out
}

// SubChecked returns d - o, failing when the result would be negative. Used
// where an underflow indicates corrupted accounting rather than rounding.
func (d Dec) SubChecked(o Dec) (Dec, error) {
	var out Dec
	if _, underflow := out.v.SubOverflow(&d.v, &o.v); underflow {
		return Dec{}, ErrOverflow
	}
	return out, nil
}

// Mul returns d × o rounded down.
func (d Dec) Mul(o Dec) (Dec, error) {
	var out Dec
	if _, overflow := out.v.MulDivOverflow(&d.v, &o.v, scaleInt); overflow {
		return Dec{}, ErrOverflow
	}
	return out.bounded()
}

// Div returns d / o rounded down.
func (d Dec) Div(o Dec) (Dec, error) {
	if o.v.IsZero() {
		return Dec{}, ErrDivideByZero
	}
	var out Dec
	if _, overflow := out.v.MulDivOverflow(&d.v, scaleInt, &o.v); overflow {
		return Dec{}, ErrOverflow
	}
	return out.bounded()
}

// MulInt returns d × u rounded down.
func (d Dec) MulInt(u uint64) (Dec, error) {
	var out Dec
	if _, overflow := out.v.MulOverflow(&d.v, uint256.NewInt(u)); overflow {
		return Dec{}, ErrOverflow
	}
	return out.bounded()
}

// DivInt returns d / u rounded down.
func (d Dec) DivInt(u uint64) (Dec, error) {
	if u == 0 {
		return Dec{}, ErrDivideByZero
	}
	var out Dec
	out.v.Div(&d.v, uint256.NewInt(u))
	return out, nil
}

// Floor converts to an integer rounding down.
func (d Dec) Floor() (uint64, error) {
	var out uint256.Int
	out.Div(&d.v, scaleInt)
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}

// Ceil converts to an integer rounding up.
func (d Dec) Ceil() (uint64, error) {
	var quo, rem uint256.Int
	quo.DivMod(&d.v, scaleInt, &rem)
	if !rem.IsZero() {
		quo.AddUint64(&quo, 1)
	}
	if !quo.IsUint64() {
		return 0, ErrOverflow
	}
	return quo.Uint64(), nil
}

// ToScaledFloor converts a whole-token Dec back to a raw token amount at the
// given decimals, rounding down (the user's collateral direction).
func (d Dec) ToScaledFloor(decimals uint8) (uint64, error) {
	var out uint256.Int
	if _, overflow := out.MulDivOverflow(&d.v, pow10(decimals), scaleInt); overflow {
		return 0, ErrOverflow
	}
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}

// ToScaledCeil is ToScaledFloor rounding up (the user's liquidity-owed
// direction).
func (d Dec) ToScaledCeil(decimals uint8) (uint64, error) {
	var out uint256.Int
	if _, overflow := out.MulDivOverflow(&d.v, pow10(decimals), scaleInt); overflow {
		return 0, ErrOverflow
	}
	var rem uint256.Int
	rem.MulMod(&d.v, pow10(decimals), scaleInt)
	if !rem.IsZero() {
		out.AddUint64(&out, 1)
	}
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}

// Cmp compares d and o, returning -1, 0 or 1.
func (d Dec) Cmp(o Dec) int { return d.v.Cmp(&o.v) }

// IsZero reports whether d is exactly zero.
func (d Dec) IsZero() bool { return d.v.IsZero() }

// GT reports d > o.
func (d Dec) GT(o Dec) bool { return d.Cmp(o) > 0 }

// GTE reports d >= o.
func (d Dec) GTE(o Dec) bool { return d.Cmp(o) >= 0 }

// LT reports d < o.
func (d Dec) LT(o Dec) bool { return d.Cmp(o) < 0 }

// LTE reports d <= o.
func (d Dec) LTE(o Dec) bool { return d.Cmp(o) <= 0 }

func (d Dec) String() string { return formatScaled(&d.v) }

// MarshalText renders the scalar as a decimal string so JSON-encoded state
// records stay readable and precise.
func (d Dec) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses the decimal rendering produced by MarshalText.
func (d *Dec) UnmarshalText(text []byte) error {
	v, err := parseScaled(string(text), decBits)
	if err != nil {
		return err
	}
	d.v = *v
	return nil
}

func formatScaled(v *uint256.Int) string {
	var quo, rem uint256.Int
	quo.DivMod(v, scaleInt, &rem)
	if rem.IsZero() {
		return quo.Dec()
	}
	frac := fmt.Sprintf("%018s", rem.Dec())
	frac = strings.TrimRight(frac, "0")
	return quo.Dec() + "." + frac
}

func parseScaled(s string, bits int) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("fixedpoint: empty value")
	}
	intPart := s
	fracPart := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart, fracPart = s[:idx], s[idx+1:]
	}
	if len(fracPart) > 18 {
		return nil, fmt.Errorf("fixedpoint: more than 18 fractional digits in %q", s)
	}
	for len(fracPart) < 18 {
		fracPart += "0"
	}
	if intPart == "" {
		intPart = "0"
	}
	whole, err := uint256.FromDecimal(intPart)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: invalid value %q: %w", s, err)
	}
	frac, err := uint256.FromDecimal(fracPart)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: invalid value %q: %w", s, err)
	}
	var out uint256.Int
	if _, overflow := out.MulOverflow(whole, scaleInt); overflow {
		return nil, ErrOverflow
	}
	if _, carry := out.AddOverflow(&out, frac); carry {
		return nil, ErrOverflow
	}
	if out.BitLen() > bits {
		return nil, ErrOverflow
	}
	return &out, nil
}
