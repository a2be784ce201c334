package lending

import (
	"cipherlend/crypto"
	"cipherlend/native/fhe"
)

// Market captures the aggregate state for one asset. All monetary totals are
// ciphertext handles; the only plaintext field is the activation flag.
type Market struct {
	// Asset identifies the underlying token this market serves.
	Asset string
	// TotalLiquidity is the encrypted amount currently available to borrow,
	// i.e. deposited minus borrowed-out.
	TotalLiquidity fhe.Scalar
	// TotalBorrowed is the encrypted outstanding borrow total across all
	// positions.
	TotalBorrowed fhe.Scalar
	// InterestRate stores the encrypted per-market rate. It is carried for
	// downstream consumers and never mechanically applied to balances here.
	InterestRate fhe.Scalar
	// Active gates every user operation. Markets are deactivated, never
	// deleted, so the enumerable asset list preserves history.
	Active bool
}

// Position maintains the confidential lending state for one (user, asset)
// pair. Positions are implicitly created zero-valued on first reference and
// never deleted.
type Position struct {
	// Address is the owning account. Only the owner mutates the position,
	// except through Liquidate.
	Address crypto.Address
	// Asset names the market this position belongs to.
	Asset string
	// Supplied is the encrypted raw supply balance.
	Supplied fhe.Scalar
	// Borrowed is the encrypted outstanding debt.
	Borrowed fhe.Scalar
	// Collateral is the encrypted collateral-eligible value backing the debt.
	// It tracks Supplied through the collateral factor conversion and may
	// diverge from it after liquidations.
	Collateral fhe.Scalar
}

// RiskParameters groups the fixed safety limits governing lending activity,
// all expressed in basis points.
type RiskParameters struct {
	// MaxLTVBps is the highest collateral ratio at which a position is still
	// considered safe.
	MaxLTVBps uint64
	// LiquidationThresholdBps is the collateral ratio above which a third
	// party may liquidate the position.
	LiquidationThresholdBps uint64
	// CollateralFactorBps converts supplied amounts into collateral-eligible
	// value. 10000 treats the full supply as collateral.
	CollateralFactorBps uint64
}
