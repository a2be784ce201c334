package lending

import "errors"

var (
	// ErrUnauthorized rejects non-administrator calls to the registry ops.
	ErrUnauthorized = errors.New("lending engine: caller is not the administrator")
	// ErrAlreadySupported rejects adding a market that is already active.
	ErrAlreadySupported = errors.New("lending engine: market already active")
	// ErrNotSupported rejects removing a market that is not active.
	ErrNotSupported = errors.New("lending engine: market not active")
	// ErrMarketInactive rejects user operations against an inactive market.
	ErrMarketInactive = errors.New("lending engine: market inactive")
	// ErrOutstandingLoans blocks market removal while encrypted debt remains.
	ErrOutstandingLoans = errors.New("lending engine: market has outstanding loans")
	// ErrInsufficientBalance rejects withdrawals beyond the supplied balance.
	ErrInsufficientBalance = errors.New("lending engine: insufficient balance")
	// ErrUnsafeWithdrawal rejects withdrawals that would breach the LTV limit.
	ErrUnsafeWithdrawal = errors.New("lending engine: withdrawal would make position unsafe")
	// ErrInsufficientLiquidity rejects draws beyond the market liquidity.
	ErrInsufficientLiquidity = errors.New("lending engine: insufficient liquidity")
	// ErrExceedsCollateralLimit rejects borrows that would breach the LTV limit.
	ErrExceedsCollateralLimit = errors.New("lending engine: borrow exceeds collateral limit")
	// ErrNoDebt rejects repayments when no debt is outstanding.
	ErrNoDebt = errors.New("lending engine: no outstanding debt to repay")
	// ErrNotLiquidatable rejects liquidations of positions at or below the
	// liquidation threshold.
	ErrNotLiquidatable = errors.New("lending engine: position not eligible for liquidation")
	// ErrNilState signals the engine was used before wiring its collaborators.
	ErrNilState = errors.New("lending engine: state not configured")
	// ErrNilCipherEngine signals a missing encrypted-arithmetic engine.
	ErrNilCipherEngine = errors.New("lending engine: cipher engine not configured")
	// ErrNilCustody signals a missing custody collaborator.
	ErrNilCustody = errors.New("lending engine: custody not configured")
)
