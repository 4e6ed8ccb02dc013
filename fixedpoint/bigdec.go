package fixedpoint

import "github.com/holiman/uint256"

// BigDec is the wide sibling of Dec: the same 10^18 scale with a 192-bit
// bound. It backs the cumulative borrow-rate index and obligation borrow
// ledger entries, where sub-integer precision must survive many compounding
// steps.
type BigDec struct {
	v uint256.Int
}

// BigZero returns the zero scalar.
func BigZero() BigDec { return BigDec{} }

// BigOne returns the scalar 1.0.
func BigOne() BigDec { return BigFromInt(1) }

// BigFromInt converts an integer to a BigDec.
func BigFromInt(u uint64) BigDec {
	var d BigDec
	d.v.Mul(uint256.NewInt(u), scaleInt)
	return d
}

// BigFromDec widens a Dec without loss.
func BigFromDec(d Dec) BigDec {
	var out BigDec
	out.v.Set(&d.v)
	return out
}

// BigFromRatio builds num/den as a BigDec.
func BigFromRatio(num, den uint64) (BigDec, error) {
	if den == 0 {
		return BigDec{}, ErrDivideByZero
	}
	var d BigDec
	d.v.Mul(uint256.NewInt(num), scaleInt)
	d.v.Div(&d.v, uint256.NewInt(den))
	return d, nil
}

func (d BigDec) bounded() (BigDec, error) {
	if d.v.BitLen() > bigDecBits {
		return BigDec{}, ErrOverflow
	}
	return d, nil
}

// Add returns d + o.
func (d BigDec) Add(o BigDec) (BigDec, error) {
	var out BigDec
	if _, carry := out.v.AddOverflow(&d.v, &o.v); carry {
		return BigDec{}, ErrOverflow
	}
	return out.bounded()
}

// SubSat returns d - o saturating at zero.
func (d BigDec) SubSat(o BigDec) BigDec {
	var out BigDec
	if _, underflow := out.v.SubOverflow(&d.v, &o.v); underflow {
		return BigDec{}
	}
	return out
}

// SubChecked returns d - o, failing on underflow.
func (d BigDec) SubChecked(o BigDec) (BigDec, error) {
	var out BigDec
	if _, underflow := out.v.SubOverflow(&d.v, &o.v); underflow {
		return BigDec{}, ErrOverflow
	}
	return out, nil
}

// Mul returns d × o rounded down.
func (d BigDec) Mul(o BigDec) (BigDec, error) {
	var out BigDec
	if _, overflow := out.v.MulDivOverflow(&d.v, &o.v, scaleInt); overflow {
		return BigDec{}, ErrOverflow
	}
	return out.bounded()
}

// Div returns d / o rounded down.
func (d BigDec) Div(o BigDec) (BigDec, error) {
	if o.v.IsZero() {
		return BigDec{}, ErrDivideByZero
	}
	var out BigDec
	if _, overflow := out.v.MulDivOverflow(&d.v, scaleInt, &o.v); overflow {
		return BigDec{}, ErrOverflow
	}
	return out.bounded()
}

// MulInt returns d × u rounded down.
func (d BigDec) MulInt(u uint64) (BigDec, error) {
	var out BigDec
	if _, overflow := out.v.MulOverflow(&d.v, uint256.NewInt(u)); overflow {
		return BigDec{}, ErrOverflow
	}
	return out.bounded()
}

// DivInt returns d / u rounded down.
func (d BigDec) DivInt(u uint64) (BigDec, error) {
	if u == 0 {
		return BigDec{}, ErrDivideByZero
	}
	var out BigDec
	out.v.Div(&d.v, uint256.NewInt(u))
	return out, nil
}

// PowInt raises d to the n-th power by repeated squaring. The cumulative
// index compounding `(1 + rate)^elapsed` runs through here, so the exponent
// can be any slot delta the host produces.
func (d BigDec) PowInt(n uint64) (BigDec, error) {
	result := BigOne()
	base := d
	var err error
	for n > 0 {
		if n&1 == 1 {
			if result, err = result.Mul(base); err != nil {
				return BigDec{}, err
			}
		}
		n >>= 1
		if n == 0 {
			break
		}
		if base, err = base.Mul(base); err != nil {
			return BigDec{}, err
		}
	}
	return result, nil
}

// Floor converts to an integer rounding down.
func (d BigDec) Floor() (uint64, error) {
	var out uint256.Int
	out.Div(&d.v, scaleInt)
	if !out.IsUint64() {
		return 0, ErrOverflow
	}
	return out.Uint64(), nil
}

// Ceil converts to an integer rounding up. Outstanding debt is always turned
// into a repayable token amount through this path so the protocol is never
// short.
func (d BigDec) Ceil() (uint64, error) {
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

// ToDec narrows to a Dec, failing when the value exceeds the 128-bit bound.
func (d BigDec) ToDec() (Dec, error) {
	var out Dec
	out.v.Set(&d.v)
	return out.bounded()
}

// Cmp compares d and o, returning -1, 0 or 1.
func (d BigDec) Cmp(o BigDec) int { return d.v.Cmp(&o.v) }

// IsZero reports whether d is exactly zero.
func (d BigDec) IsZero() bool { return d.v.IsZero() }

// GT reports d > o.
func (d BigDec) GT(o BigDec) bool { return d.Cmp(o) > 0 }

// GTE reports d >= o.
func (d BigDec) GTE(o BigDec) bool { return d.Cmp(o) >= 0 }

// LT reports d < o.
func (d BigDec) LT(o BigDec) bool { return d.Cmp(o) < 0 }

func (d BigDec) String() string { return formatScaled(&d.v) }

// MarshalText renders the scalar as a decimal string.
func (d BigDec) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses the decimal rendering produced by MarshalText.
func (d *BigDec) UnmarshalText(text []byte) error {
	v, err := parseScaled(string(text), bigDecBits)
	if err != nil {
		return err
	}
	d.v = *v
	return nil
}
