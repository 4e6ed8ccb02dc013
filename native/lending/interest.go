package lending

import "lendchain/fixedpoint"

// CurvePoint is one knot of the interest-rate curve: a utilization (bps) and
// the borrow APR (bps) charged at that utilization.
type CurvePoint struct {
	UtilizationBps uint32 `json:"utilizationBps"`
	RateBps        uint32 `json:"rateBps"`
}

// RateCurve is a piecewise-linear borrow-rate function of utilization.
// Utilizations must start at 0, end at 10_000 and be strictly increasing.
type RateCurve struct {
	Points []CurvePoint `json:"points"`
}

// DefaultRateCurve mirrors the shape governance usually starts from: cheap
// up to 80% utilization, steep beyond.
func DefaultRateCurve() RateCurve {
	return RateCurve{Points: []CurvePoint{
		{UtilizationBps: 0, RateBps: 50},
		{UtilizationBps: 8_000, RateBps: 800},
		{UtilizationBps: 10_000, RateBps: 10_000},
	}}
}

// Validate checks knot count, ordering and range.
func (c RateCurve) Validate() error {
	n := len(c.Points)
	if n < 2 || n > MaxCurvePoints {
		return ErrInvalidConfig
	}
	if c.Points[0].UtilizationBps != 0 {
		return ErrInvalidConfig
	}
	if c.Points[n-1].UtilizationBps != FullBps {
		return ErrInvalidConfig
	}
	for i := 1; i < n; i++ {
		if c.Points[i].UtilizationBps <= c.Points[i-1].UtilizationBps {
			return ErrInvalidConfig
		}
	}
	return nil
}

// BorrowRate evaluates the curve at the given utilization and returns the
// borrow APR as a fraction. Utilization beyond the final knot clamps to the
// terminal rate.
func (c RateCurve) BorrowRate(utilization fixedpoint.Dec) (fixedpoint.Dec, error) {
	if err := c.Validate(); err != nil {
		return fixedpoint.Dec{}, err
	}
	last := c.Points[len(c.Points)-1]
	if utilization.GTE(fixedpoint.FromBps(uint64(last.UtilizationBps))) {
		return fixedpoint.FromBps(uint64(last.RateBps)), nil
	}
	for i := 1; i < len(c.Points); i++ {
		lo, hi := c.Points[i-1], c.Points[i]
		hiU := fixedpoint.FromBps(uint64(hi.UtilizationBps))
		if utilization.GTE(hiU) {
			continue
		}
		loU := fixedpoint.FromBps(uint64(lo.UtilizationBps))
		loR := fixedpoint.FromBps(uint64(lo.RateBps))
		hiR := fixedpoint.FromBps(uint64(hi.RateBps))

		span, err := hiU.SubChecked(loU)
		if err != nil {
			return fixedpoint.Dec{}, mathErr(err)
		}
		offset := utilization.SubSat(loU)
		frac, err := offset.Div(span)
		if err != nil {
			return fixedpoint.Dec{}, mathErr(err)
		}
		if hiR.GTE(loR) {
			rise, err := hiR.SubChecked(loR)
			if err != nil {
				return fixedpoint.Dec{}, mathErr(err)
			}
			delta, err := rise.Mul(frac)
			if err != nil {
				return fixedpoint.Dec{}, mathErr(err)
			}
			out, err := loR.Add(delta)
			if err != nil {
				return fixedpoint.Dec{}, mathErr(err)
			}
			return out, nil
		}
		// Descending segment. Unusual but legal; interpolate downward.
		fall, err := loR.SubChecked(hiR)
		if err != nil {
			return fixedpoint.Dec{}, mathErr(err)
		}
		delta, err := fall.Mul(frac)
		if err != nil {
			return fixedpoint.Dec{}, mathErr(err)
		}
		return loR.SubSat(delta), nil
	}
	return fixedpoint.FromBps(uint64(last.RateBps)), nil
}

// SlotAccrualFactor converts a borrow APR into the compounded growth factor
// for elapsed slots: (1 + apr/SlotsPerYear)^elapsed, computed by binary
// exponentiation on the wide scalar.
func SlotAccrualFactor(apr fixedpoint.Dec, elapsedSlots uint64) (fixedpoint.BigDec, error) {
	if elapsedSlots == 0 || apr.IsZero() {
		return fixedpoint.BigOne(), nil
	}
	slotRate, err := fixedpoint.BigFromDec(apr).DivInt(SlotsPerYear)
	if err != nil {
		return fixedpoint.BigDec{}, mathErr(err)
	}
	base, err := fixedpoint.BigOne().Add(slotRate)
	if err != nil {
		return fixedpoint.BigDec{}, mathErr(err)
	}
	factor, err := base.PowInt(elapsedSlots)
	if err != nil {
		return fixedpoint.BigDec{}, mathErr(err)
	}
	return factor, nil
}
