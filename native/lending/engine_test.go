package lending

import (
	"errors"
	"math/big"
	"testing"

	"cipherlend/core/events"
	nativecommon "cipherlend/native/common"
	"cipherlend/native/fhe"
)

func TestDepositMovesFundsIntoCustodyAndState(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	position := rig.position(t, "cUSD", user)
	if got := rig.plaintext(t, position.Supplied); got != 200 {
		t.Fatalf("expected supplied 200, got %d", got)
	}
	if got := rig.plaintext(t, position.Collateral); got != 200 {
		t.Fatalf("expected collateral 200, got %d", got)
	}
	if got := rig.plaintext(t, rig.market(t, "cUSD").TotalLiquidity); got != 200 {
		t.Fatalf("expected liquidity 200, got %d", got)
	}

	if len(rig.custody.pulls) != 1 {
		t.Fatalf("expected one custody pull, got %d", len(rig.custody.pulls))
	}
	pull := rig.custody.pulls[0]
	if pull.asset != "cUSD" || pull.amount.Cmp(big.NewInt(200)) != 0 || !pull.account.Equal(user) {
		t.Fatalf("unexpected custody pull %+v", pull)
	}
}

func TestBorrowWithinCollateralLimit(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Ratio 10000*100/200 = 5000 <= 6000.
	if err := rig.engine.Borrow(user, "cUSD", rig.seal(t, 100, user)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	position := rig.position(t, "cUSD", user)
	if got := rig.plaintext(t, position.Borrowed); got != 100 {
		t.Fatalf("expected borrowed 100, got %d", got)
	}
	market := rig.market(t, "cUSD")
	if got := rig.plaintext(t, market.TotalLiquidity); got != 100 {
		t.Fatalf("expected liquidity 100, got %d", got)
	}
	if got := rig.plaintext(t, market.TotalBorrowed); got != 100 {
		t.Fatalf("expected total borrowed 100, got %d", got)
	}
	if len(rig.custody.pushes) != 1 || rig.custody.pushes[0].amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected one custody push of 100, got %+v", rig.custody.pushes)
	}
}

func TestBorrowBeyondCollateralLimitIsAtomic(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := rig.engine.Borrow(user, "cUSD", rig.seal(t, 100, user)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	before := rig.position(t, "cUSD", user)
	marketBefore := rig.market(t, "cUSD")
	pushes := len(rig.custody.pushes)

	// Ratio would be 10000*200/200 = 10000 > 6000.
	err := rig.engine.Borrow(user, "cUSD", rig.seal(t, 100, user))
	if !errors.Is(err, ErrExceedsCollateralLimit) {
		t.Fatalf("expected ErrExceedsCollateralLimit, got %v", err)
	}

	if !samePosition(before, rig.position(t, "cUSD", user)) {
		t.Fatal("position mutated by failed borrow")
	}
	if !sameMarket(marketBefore, rig.market(t, "cUSD")) {
		t.Fatal("market mutated by failed borrow")
	}
	if len(rig.custody.pushes) != pushes {
		t.Fatal("failed borrow must not settle")
	}
}

func TestBorrowRequiresLiquidity(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 100, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := rig.engine.Borrow(user, "cUSD", rig.seal(t, 150, user)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestWithdrawRejectsOverdraw(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 100, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before := rig.position(t, "cUSD", user)

	if err := rig.engine.Withdraw(user, "cUSD", rig.seal(t, 101, user)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if !samePosition(before, rig.position(t, "cUSD", user)) {
		t.Fatal("position mutated by failed withdrawal")
	}
	if len(rig.custody.pushes) != 0 {
		t.Fatal("failed withdrawal must not settle")
	}
}

func TestWithdrawRequiresMarketLiquidity(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 100, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := rig.engine.Borrow(user, "cUSD", rig.seal(t, 60, user)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Supplied covers the amount but only 40 remains in the pool.
	if err := rig.engine.Withdraw(user, "cUSD", rig.seal(t, 100, user)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestWithdrawKeepsPositionSafe(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := rig.engine.Borrow(user, "cUSD", rig.seal(t, 100, user)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Remaining collateral 150 would put the ratio at 6666 > 6000.
	if err := rig.engine.Withdraw(user, "cUSD", rig.seal(t, 50, user)); !errors.Is(err, ErrUnsafeWithdrawal) {
		t.Fatalf("expected ErrUnsafeWithdrawal, got %v", err)
	}

	// Collateral 180 keeps the ratio at 5555 <= 6000.
	if err := rig.engine.Withdraw(user, "cUSD", rig.seal(t, 20, user)); err != nil {
		t.Fatalf("safe withdrawal: %v", err)
	}
	position := rig.position(t, "cUSD", user)
	if got := rig.plaintext(t, position.Supplied); got != 180 {
		t.Fatalf("expected supplied 180, got %d", got)
	}
}

func TestConservationAcrossDepositsAndWithdrawals(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	alice := makeAddress(0x01)
	bob := makeAddress(0x02)

	for _, amount := range []int64{50, 70} {
		if err := rig.engine.Deposit(alice, "cUSD", rig.seal(t, amount, alice)); err != nil {
			t.Fatalf("deposit %d: %v", amount, err)
		}
	}
	if err := rig.engine.Deposit(bob, "cUSD", rig.seal(t, 80, bob)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := rig.engine.Withdraw(alice, "cUSD", rig.seal(t, 30, alice)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := rig.engine.Borrow(bob, "cUSD", rig.seal(t, 40, bob)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if got := rig.plaintext(t, rig.position(t, "cUSD", alice).Supplied); got != 90 {
		t.Fatalf("expected alice supplied 50+70-30=90, got %d", got)
	}
	// Net deposits 170 minus net borrows 40.
	if got := rig.plaintext(t, rig.market(t, "cUSD").TotalLiquidity); got != 130 {
		t.Fatalf("expected market liquidity 130, got %d", got)
	}
}

func TestRepayCapsAtOutstandingDebt(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := rig.engine.Borrow(user, "cUSD", rig.seal(t, 100, user)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := rig.engine.Repay(user, "cUSD", rig.seal(t, 150, user)); err != nil {
		t.Fatalf("repay: %v", err)
	}

	position := rig.position(t, "cUSD", user)
	if got := rig.plaintext(t, position.Borrowed); got != 0 {
		t.Fatalf("expected debt cleared, got %d", got)
	}
	market := rig.market(t, "cUSD")
	if got := rig.plaintext(t, market.TotalBorrowed); got != 0 {
		t.Fatalf("expected total borrowed 0, got %d", got)
	}
	if got := rig.plaintext(t, market.TotalLiquidity); got != 200 {
		t.Fatalf("expected liquidity restored to 200, got %d", got)
	}

	// The custody pull uses the capped amount, not the submitted one.
	last := rig.custody.pulls[len(rig.custody.pulls)-1]
	if last.amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected capped custody pull of 100, got %s", last.amount)
	}

	// So does the emitted handle.
	evt, ok := rig.emitter.events[len(rig.emitter.events)-1].(events.LendingRepaid)
	if !ok {
		t.Fatalf("expected LendingRepaid event, got %T", rig.emitter.events[len(rig.emitter.events)-1])
	}
	value, err := rig.sim.DecryptScalar(fhe.NewScalar(evt.Amount))
	if err != nil {
		t.Fatalf("decrypt event handle: %v", err)
	}
	if value.Int64() != 100 {
		t.Fatalf("expected event handle for capped amount 100, got %d", value.Int64())
	}
}

func TestRepayWithoutDebt(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := rig.engine.Repay(user, "cUSD", rig.seal(t, 50, user)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func liquidationParams() RiskParameters {
	return RiskParameters{
		MaxLTVBps:               9000,
		LiquidationThresholdBps: 8000,
		CollateralFactorBps:     10_000,
	}
}

func TestLiquidateSeizesBoundedAmount(t *testing.T) {
	rig := newTestRig(t, liquidationParams())
	rig.addMarket(t, "cUSD", 500)
	borrower := makeAddress(0x01)
	liquidator := makeAddress(0x02)

	if err := rig.engine.Deposit(borrower, "cUSD", rig.seal(t, 100, borrower)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Ratio 8100 > threshold 8000 but within the 9000 LTV limit.
	if err := rig.engine.Borrow(borrower, "cUSD", rig.seal(t, 81, borrower)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if err := rig.engine.Liquidate(liquidator, borrower, "cUSD"); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// Seized = min(81/2, 100) = 40.
	position := rig.position(t, "cUSD", borrower)
	if got := rig.plaintext(t, position.Borrowed); got != 41 {
		t.Fatalf("expected borrowed 41 after seizure, got %d", got)
	}
	if got := rig.plaintext(t, position.Collateral); got != 60 {
		t.Fatalf("expected collateral 60 after seizure, got %d", got)
	}
	if got := rig.plaintext(t, rig.market(t, "cUSD").TotalBorrowed); got != 41 {
		t.Fatalf("expected total borrowed 41, got %d", got)
	}

	push := rig.custody.pushes[len(rig.custody.pushes)-1]
	if push.amount.Cmp(big.NewInt(40)) != 0 || !push.account.Equal(liquidator) {
		t.Fatalf("expected push of 40 to liquidator, got %+v", push)
	}

	evt, ok := rig.emitter.events[len(rig.emitter.events)-1].(events.LendingLiquidated)
	if !ok {
		t.Fatalf("expected LendingLiquidated event, got %T", rig.emitter.events[len(rig.emitter.events)-1])
	}
	if evt.Borrower != addr20(borrower) || evt.Liquidator != addr20(liquidator) {
		t.Fatalf("unexpected liquidation event parties %+v", evt)
	}
}

func TestLiquidateBoundaryAndRecheck(t *testing.T) {
	rig := newTestRig(t, liquidationParams())
	rig.addMarket(t, "cUSD", 500)
	borrower := makeAddress(0x01)
	liquidator := makeAddress(0x02)

	if err := rig.engine.Deposit(borrower, "cUSD", rig.seal(t, 100, borrower)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Ratio exactly 8000 sits on the threshold and must not trigger.
	if err := rig.engine.Borrow(borrower, "cUSD", rig.seal(t, 80, borrower)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := rig.engine.Liquidate(liquidator, borrower, "cUSD"); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable at the boundary, got %v", err)
	}

	// One more unit crosses it; a second liquidation re-evaluates the
	// committed post-seizure state and must fail.
	if err := rig.engine.Borrow(borrower, "cUSD", rig.seal(t, 1, borrower)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := rig.engine.Liquidate(liquidator, borrower, "cUSD"); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if err := rig.engine.Liquidate(liquidator, borrower, "cUSD"); !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected second liquidation to fail, got %v", err)
	}
}

func TestInvalidProofRejected(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)
	other := makeAddress(0x02)

	input := rig.seal(t, 100, user)
	input.Proof[0] ^= 0xFF
	if err := rig.engine.Deposit(user, "cUSD", input); !errors.Is(err, fhe.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof for tampered proof, got %v", err)
	}

	// A proof bound to a different sender must not verify either.
	stolen := rig.seal(t, 100, other)
	stolen.Sender = user.Bytes()
	if err := rig.engine.Deposit(user, "cUSD", stolen); !errors.Is(err, fhe.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof for mismatched sender, got %v", err)
	}

	if position := rig.position(t, "cUSD", user); rig.plaintext(t, position.Supplied) != 0 {
		t.Fatal("rejected input must not mutate state")
	}
}

func TestCustodyFailureAbortsTransition(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	rig.custody.failPull = true
	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); !errors.Is(err, errCustodyDown) {
		t.Fatalf("expected custody failure to propagate, got %v", err)
	}
	if got := rig.plaintext(t, rig.position(t, "cUSD", user).Supplied); got != 0 {
		t.Fatalf("expected no supply after failed settlement, got %d", got)
	}
	if len(rig.emitter.events) != 1 { // only the market-added event
		t.Fatalf("failed deposit must not emit, got %d events", len(rig.emitter.events))
	}
}

func TestDecryptionOutageAbortsTransition(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before := rig.position(t, "cUSD", user)

	rig.sim.SetDecryptionAvailable(false)
	err := rig.engine.Withdraw(user, "cUSD", rig.seal(t, 50, user))
	if !errors.Is(err, fhe.ErrDecryptionUnavailable) {
		t.Fatalf("expected ErrDecryptionUnavailable, got %v", err)
	}
	rig.sim.SetDecryptionAvailable(true)

	if !samePosition(before, rig.position(t, "cUSD", user)) {
		t.Fatal("position mutated during decryption outage")
	}
}

func TestPauseGuardBlocksMutation(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	rig.engine.SetPauses(stubPauseView{modules: map[string]bool{moduleName: true}})
	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 100, user)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if got := rig.plaintext(t, rig.market(t, "cUSD").TotalLiquidity); got != 0 {
		t.Fatalf("expected market untouched while paused, got liquidity %d", got)
	}
}

func TestCommittedCiphertextsCarryComputeRights(t *testing.T) {
	rig := newTestRig(t, defaultParams())
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	position := rig.position(t, "cUSD", user)
	market := rig.market(t, "cUSD")
	for name, scalar := range map[string]fhe.Scalar{
		"supplied":   position.Supplied,
		"collateral": position.Collateral,
		"liquidity":  market.TotalLiquidity,
		"rate":       market.InterestRate,
	} {
		if !rig.sim.HasComputeRights(scalar) {
			t.Fatalf("expected compute rights on committed %s ciphertext", name)
		}
	}
}

func TestCollateralFactorConversion(t *testing.T) {
	params := defaultParams()
	params.CollateralFactorBps = 5000
	rig := newTestRig(t, params)
	rig.addMarket(t, "cUSD", 500)
	user := makeAddress(0x01)

	if err := rig.engine.Deposit(user, "cUSD", rig.seal(t, 200, user)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	position := rig.position(t, "cUSD", user)
	if got := rig.plaintext(t, position.Supplied); got != 200 {
		t.Fatalf("expected supplied 200, got %d", got)
	}
	if got := rig.plaintext(t, position.Collateral); got != 100 {
		t.Fatalf("expected collateral 200*5000/10000=100, got %d", got)
	}
}
