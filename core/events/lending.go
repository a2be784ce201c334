package events

import "cipherlend/native/fhe"

const (
	// TypeLendingMarketAdded is emitted when a new asset market is activated.
	TypeLendingMarketAdded = "lending.market.added"
	// TypeLendingMarketRemoved is emitted when a market is deactivated.
	TypeLendingMarketRemoved = "lending.market.removed"
	// TypeLendingDeposited is emitted after a supplier locks funds in a market.
	TypeLendingDeposited = "lending.deposited"
	// TypeLendingWithdrawn is emitted after a supplier reclaims funds.
	TypeLendingWithdrawn = "lending.withdrawn"
	// TypeLendingBorrowed is emitted after a borrow settles.
	TypeLendingBorrowed = "lending.borrowed"
	// TypeLendingRepaid is emitted after a repayment settles. The amount handle
	// references the capped repayment ciphertext, not the submitted one.
	TypeLendingRepaid = "lending.repaid"
	// TypeLendingLiquidated is emitted after a third party liquidates an
	// undercollateralised position.
	TypeLendingLiquidated = "lending.liquidated"
)

// Amounts are referenced by ciphertext handle only. Plaintext values never
// cross the event surface.

// LendingMarketAdded captures a newly activated asset market.
type LendingMarketAdded struct {
	Asset string
}

// EventType implements the Event interface.
func (LendingMarketAdded) EventType() string { return TypeLendingMarketAdded }

// LendingMarketRemoved captures a market deactivation. The asset remains in
// the enumerable market list.
type LendingMarketRemoved struct {
	Asset string
}

// EventType implements the Event interface.
func (LendingMarketRemoved) EventType() string { return TypeLendingMarketRemoved }

// LendingDeposited records a supply operation.
type LendingDeposited struct {
	User   [20]byte
	Asset  string
	Amount fhe.Handle
}

// EventType implements the Event interface.
func (LendingDeposited) EventType() string { return TypeLendingDeposited }

// LendingWithdrawn records a withdrawal operation.
type LendingWithdrawn struct {
	User   [20]byte
	Asset  string
	Amount fhe.Handle
}

// EventType implements the Event interface.
func (LendingWithdrawn) EventType() string { return TypeLendingWithdrawn }

// LendingBorrowed records a borrow operation.
type LendingBorrowed struct {
	User   [20]byte
	Asset  string
	Amount fhe.Handle
}

// EventType implements the Event interface.
func (LendingBorrowed) EventType() string { return TypeLendingBorrowed }

// LendingRepaid records a repayment operation.
type LendingRepaid struct {
	User   [20]byte
	Asset  string
	Amount fhe.Handle
}

// EventType implements the Event interface.
func (LendingRepaid) EventType() string { return TypeLendingRepaid }

// LendingLiquidated records a liquidation of an unsafe position.
type LendingLiquidated struct {
	Liquidator [20]byte
	Borrower   [20]byte
	Asset      string
	Amount     fhe.Handle
}

// EventType implements the Event interface.
func (LendingLiquidated) EventType() string { return TypeLendingLiquidated }
