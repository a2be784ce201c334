package lending

import "cipherlend/native/fhe"

// The risk engine is pure and stateless: it combines two encrypted scalars
// with two encrypted constants and returns encrypted predicates. It never
// decrypts; callers decide when a predicate bit crosses the trust boundary.

const basisPoints = 10_000

// collateralRatioBps computes 10000 * borrowed / collateral homomorphically.
// The denominator is clamped to at least one via c + 1 - min(c, 1), so zero
// collateral with outstanding debt reads as maximally unsafe instead of
// dividing by zero, and zero collateral with zero debt stays safe.
func collateralRatioBps(arith fhe.Arithmetic, collateral, borrowed fhe.Scalar) (fhe.Scalar, error) {
	one, err := arith.Lift(1)
	if err != nil {
		return fhe.Scalar{}, err
	}
	floor, err := arith.Min(collateral, one)
	if err != nil {
		return fhe.Scalar{}, err
	}
	denominator, err := arith.Add(collateral, one)
	if err != nil {
		return fhe.Scalar{}, err
	}
	denominator, err = arith.Sub(denominator, floor)
	if err != nil {
		return fhe.Scalar{}, err
	}
	scale, err := arith.Lift(basisPoints)
	if err != nil {
		return fhe.Scalar{}, err
	}
	numerator, err := arith.Mul(borrowed, scale)
	if err != nil {
		return fhe.Scalar{}, err
	}
	return arith.Div(numerator, denominator)
}

// IsSafe returns the encrypted predicate "collateral ratio <= maxLTV".
func IsSafe(arith fhe.Arithmetic, collateral, borrowed, maxLTV fhe.Scalar) (fhe.Bool, error) {
	ratio, err := collateralRatioBps(arith, collateral, borrowed)
	if err != nil {
		return fhe.Bool{}, err
	}
	return arith.Lte(ratio, maxLTV)
}

// IsLiquidatable returns the encrypted predicate "collateral ratio >
// liquidation threshold". The comparison is strict: a position sitting
// exactly on the threshold is not liquidatable.
func IsLiquidatable(arith fhe.Arithmetic, collateral, borrowed, threshold fhe.Scalar) (fhe.Bool, error) {
	ratio, err := collateralRatioBps(arith, collateral, borrowed)
	if err != nil {
		return fhe.Bool{}, err
	}
	return arith.Gt(ratio, threshold)
}
