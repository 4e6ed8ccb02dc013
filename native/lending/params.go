package lending

// Protocol-wide constants. Position counts and the knot cap are layout
// limits; changing them is a breaking state migration.
const (
	// SlotsPerYear converts an APR into a per-slot rate (2 slots/sec).
	SlotsPerYear = 63_072_000

	// MaxObligationDeposits bounds the collateral positions per obligation.
	MaxObligationDeposits = 8
	// MaxObligationBorrows bounds the borrow positions per obligation.
	MaxObligationBorrows = 5
	// MaxCurvePoints bounds the interest-rate curve knot count.
	MaxCurvePoints = 11
	// MaxElevationGroups bounds the per-market elevation-group table.
	MaxElevationGroups = 32

	// CloseFactorBps caps the share of an outstanding borrow a single
	// liquidation may repay while the obligation is above the dust
	// threshold.
	CloseFactorBps = 5_000

	// FullBps is the basis-point denominator.
	FullBps = 10_000
)
