package lending

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"cipherlend/core/events"
	"cipherlend/crypto"
	nativecommon "cipherlend/native/common"
	"cipherlend/native/fhe"
)

const moduleName = "lending"

// Custody is the token-custody collaborator performing the plaintext
// settlement that accompanies each confidential transition. Both calls are
// atomic; a failure aborts the whole operation before any state is written.
type Custody interface {
	Pull(asset string, amount *big.Int, from crypto.Address) error
	Push(asset string, amount *big.Int, to crypto.Address) error
}

// Engine orchestrates the confidential position state machine. Transitions
// are strictly sequential: each handler runs to completion or aborts with no
// partial writes, and every decrypted bit or settlement amount flows through
// the decrypt helpers below, the sole plaintext-crossing boundary.
type Engine struct {
	state   engineState
	cipher  fhe.Engine
	custody Custody
	emitter events.Emitter
	pauses  nativecommon.PauseView
	admin   crypto.Address
	params  RiskParameters
}

// NewEngine constructs a lending engine bound to the administrator identity,
// the fixed risk parameters and the encrypted-arithmetic collaborator.
func NewEngine(admin crypto.Address, params RiskParameters, cipher fhe.Engine) *Engine {
	return &Engine{
		admin:  admin,
		params: params,
		cipher: cipher,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCustody wires the token-custody collaborator.
func (e *Engine) SetCustody(custody Custody) { e.custody = custody }

// SetEmitter wires the notification emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.emitter = emitter
}

// SetPauses wires the administrative pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// Params returns the fixed risk parameters the engine was constructed with.
func (e *Engine) Params() RiskParameters { return e.params }

// AddMarket activates a market for the asset and stores its encrypted
// interest rate. Restricted to the administrator; fails if the asset already
// has an active market. A previously deactivated asset is reactivated with
// freshly lifted zero totals and keeps its single entry in the asset list.
func (e *Engine) AddMarket(caller crypto.Address, asset string, initialRate fhe.EncryptedInput) error {
	if err := e.readyRegistry(); err != nil {
		return err
	}
	if !caller.Equal(e.admin) {
		return ErrUnauthorized
	}
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return fmt.Errorf("lending engine: asset identifier required")
	}

	existing, err := e.state.GetMarket(asset)
	if err != nil {
		return err
	}
	if existing != nil && existing.Active {
		return ErrAlreadySupported
	}

	rate, err := e.ingest(initialRate)
	if err != nil {
		return err
	}
	zero, err := e.cipher.Lift(0)
	if err != nil {
		return err
	}

	market := &Market{
		Asset:          asset,
		TotalLiquidity: zero,
		TotalBorrowed:  zero,
		InterestRate:   rate,
		Active:         true,
	}

	assets, err := e.state.AssetList()
	if err != nil {
		return err
	}
	listed := false
	for _, a := range assets {
		if a == asset {
			listed = true
			break
		}
	}
	if !listed {
		if err := e.state.PutAssetList(append(assets, asset)); err != nil {
			return err
		}
	}
	if err := e.state.PutMarket(asset, market); err != nil {
		return err
	}
	if err := e.grantRights(rate, zero); err != nil {
		return err
	}
	e.emit(events.LendingMarketAdded{Asset: asset})
	return nil
}

// RemoveMarket deactivates a market once its encrypted borrow total decrypts
// to zero. The asset stays in the enumerable list so history-preserving
// lookups keep working.
func (e *Engine) RemoveMarket(caller crypto.Address, asset string) error {
	if err := e.readyRegistry(); err != nil {
		return err
	}
	if !caller.Equal(e.admin) {
		return ErrUnauthorized
	}

	market, err := e.state.GetMarket(asset)
	if err != nil {
		return err
	}
	if market == nil || !market.Active {
		return ErrNotSupported
	}

	zero, err := e.cipher.Lift(0)
	if err != nil {
		return err
	}
	hasLoans, err := e.cipher.Gt(market.TotalBorrowed, zero)
	if err != nil {
		return err
	}
	outstanding, err := e.decryptGate(hasLoans)
	if err != nil {
		return err
	}
	if outstanding {
		return ErrOutstandingLoans
	}

	market.Active = false
	if err := e.state.PutMarket(asset, market); err != nil {
		return err
	}
	e.emit(events.LendingMarketRemoved{Asset: asset})
	return nil
}

// ListMarkets returns the insertion-ordered asset identities of every market
// ever added, including deactivated ones.
func (e *Engine) ListMarkets() ([]string, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.AssetList()
}

// MarketInfo returns a copy of the market state, or nil when the asset was
// never added.
func (e *Engine) MarketInfo(asset string) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.GetMarket(asset)
}

// PositionInfo returns a copy of the (user, asset) position, zero-valued when
// never touched.
func (e *Engine) PositionInfo(asset string, addr crypto.Address) (*Position, error) {
	if err := e.readyRegistry(); err != nil {
		return nil, err
	}
	return e.ensurePosition(asset, addr)
}

// Deposit locks caller funds in the market: supply and collateral grow by the
// encrypted amount and the plaintext settlement is pulled into custody.
func (e *Engine) Deposit(caller crypto.Address, asset string, input fhe.EncryptedInput) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	market, err := e.activeMarket(asset)
	if err != nil {
		return err
	}
	amount, err := e.ingest(input)
	if err != nil {
		return err
	}
	position, err := e.ensurePosition(asset, caller)
	if err != nil {
		return err
	}

	newSupplied, err := e.cipher.Add(position.Supplied, amount)
	if err != nil {
		return err
	}
	delta, err := e.collateralFromSupply(amount)
	if err != nil {
		return err
	}
	newCollateral, err := e.cipher.Add(position.Collateral, delta)
	if err != nil {
		return err
	}
	newLiquidity, err := e.cipher.Add(market.TotalLiquidity, amount)
	if err != nil {
		return err
	}

	settlement, err := e.decryptAmount(amount)
	if err != nil {
		return err
	}
	if err := e.custody.Pull(asset, settlement, caller); err != nil {
		return fmt.Errorf("lending engine: custody pull: %w", err)
	}

	position.Supplied = newSupplied
	position.Collateral = newCollateral
	market.TotalLiquidity = newLiquidity
	if err := e.commit(asset, position, market); err != nil {
		return err
	}
	if err := e.grantRights(newSupplied, newCollateral, newLiquidity); err != nil {
		return err
	}
	e.emit(events.LendingDeposited{User: addr20(caller), Asset: asset, Amount: amount.Handle()})
	return nil
}

// Withdraw releases supplied funds back to the caller provided the balance
// covers the amount, the market holds the liquidity, and the remaining
// position stays safe.
func (e *Engine) Withdraw(caller crypto.Address, asset string, input fhe.EncryptedInput) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	market, err := e.activeMarket(asset)
	if err != nil {
		return err
	}
	amount, err := e.ingest(input)
	if err != nil {
		return err
	}
	position, err := e.ensurePosition(asset, caller)
	if err != nil {
		return err
	}

	covered, err := e.cipher.Lte(amount, position.Supplied)
	if err != nil {
		return err
	}
	if ok, err := e.decryptGate(covered); err != nil {
		return err
	} else if !ok {
		return ErrInsufficientBalance
	}
	liquid, err := e.cipher.Lte(amount, market.TotalLiquidity)
	if err != nil {
		return err
	}
	if ok, err := e.decryptGate(liquid); err != nil {
		return err
	} else if !ok {
		return ErrInsufficientLiquidity
	}

	newSupplied, err := e.cipher.Sub(position.Supplied, amount)
	if err != nil {
		return err
	}
	delta, err := e.collateralFromSupply(amount)
	if err != nil {
		return err
	}
	// Clamp so collateral-factor rounding can never underflow the field.
	delta, err = e.cipher.Min(delta, position.Collateral)
	if err != nil {
		return err
	}
	newCollateral, err := e.cipher.Sub(position.Collateral, delta)
	if err != nil {
		return err
	}

	maxLTV, _, err := e.riskConstants()
	if err != nil {
		return err
	}
	safe, err := IsSafe(e.cipher, newCollateral, position.Borrowed, maxLTV)
	if err != nil {
		return err
	}
	if ok, err := e.decryptGate(safe); err != nil {
		return err
	} else if !ok {
		return ErrUnsafeWithdrawal
	}

	newLiquidity, err := e.cipher.Sub(market.TotalLiquidity, amount)
	if err != nil {
		return err
	}

	settlement, err := e.decryptAmount(amount)
	if err != nil {
		return err
	}
	if err := e.custody.Push(asset, settlement, caller); err != nil {
		return fmt.Errorf("lending engine: custody push: %w", err)
	}

	position.Supplied = newSupplied
	position.Collateral = newCollateral
	market.TotalLiquidity = newLiquidity
	if err := e.commit(asset, position, market); err != nil {
		return err
	}
	if err := e.grantRights(newSupplied, newCollateral, newLiquidity); err != nil {
		return err
	}
	e.emit(events.LendingWithdrawn{User: addr20(caller), Asset: asset, Amount: amount.Handle()})
	return nil
}

// Borrow draws liquidity against the caller's collateral, provided the market
// holds the amount and the projected debt keeps the position safe.
func (e *Engine) Borrow(caller crypto.Address, asset string, input fhe.EncryptedInput) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	market, err := e.activeMarket(asset)
	if err != nil {
		return err
	}
	amount, err := e.ingest(input)
	if err != nil {
		return err
	}
	position, err := e.ensurePosition(asset, caller)
	if err != nil {
		return err
	}

	liquid, err := e.cipher.Lte(amount, market.TotalLiquidity)
	if err != nil {
		return err
	}
	if ok, err := e.decryptGate(liquid); err != nil {
		return err
	} else if !ok {
		return ErrInsufficientLiquidity
	}

	newBorrowed, err := e.cipher.Add(position.Borrowed, amount)
	if err != nil {
		return err
	}
	maxLTV, _, err := e.riskConstants()
	if err != nil {
		return err
	}
	safe, err := IsSafe(e.cipher, position.Collateral, newBorrowed, maxLTV)
	if err != nil {
		return err
	}
	if ok, err := e.decryptGate(safe); err != nil {
		return err
	} else if !ok {
		return ErrExceedsCollateralLimit
	}

	newLiquidity, err := e.cipher.Sub(market.TotalLiquidity, amount)
	if err != nil {
		return err
	}
	newTotalBorrowed, err := e.cipher.Add(market.TotalBorrowed, amount)
	if err != nil {
		return err
	}

	settlement, err := e.decryptAmount(amount)
	if err != nil {
		return err
	}
	if err := e.custody.Push(asset, settlement, caller); err != nil {
		return fmt.Errorf("lending engine: custody push: %w", err)
	}

	position.Borrowed = newBorrowed
	market.TotalLiquidity = newLiquidity
	market.TotalBorrowed = newTotalBorrowed
	if err := e.commit(asset, position, market); err != nil {
		return err
	}
	if err := e.grantRights(newBorrowed, newLiquidity, newTotalBorrowed); err != nil {
		return err
	}
	e.emit(events.LendingBorrowed{User: addr20(caller), Asset: asset, Amount: amount.Handle()})
	return nil
}

// Repay settles outstanding debt. Over-payment is silently capped at the
// outstanding amount: the custody pull and the emitted handle both reference
// the capped ciphertext, never the submitted one.
func (e *Engine) Repay(caller crypto.Address, asset string, input fhe.EncryptedInput) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	market, err := e.activeMarket(asset)
	if err != nil {
		return err
	}
	amount, err := e.ingest(input)
	if err != nil {
		return err
	}
	position, err := e.ensurePosition(asset, caller)
	if err != nil {
		return err
	}

	zero, err := e.cipher.Lift(0)
	if err != nil {
		return err
	}
	hasDebt, err := e.cipher.Gt(position.Borrowed, zero)
	if err != nil {
		return err
	}
	if ok, err := e.decryptGate(hasDebt); err != nil {
		return err
	} else if !ok {
		return ErrNoDebt
	}

	repay, err := e.cipher.Min(amount, position.Borrowed)
	if err != nil {
		return err
	}
	newBorrowed, err := e.cipher.Sub(position.Borrowed, repay)
	if err != nil {
		return err
	}
	newLiquidity, err := e.cipher.Add(market.TotalLiquidity, repay)
	if err != nil {
		return err
	}
	newTotalBorrowed, err := e.cipher.Sub(market.TotalBorrowed, repay)
	if err != nil {
		return err
	}

	settlement, err := e.decryptAmount(repay)
	if err != nil {
		return err
	}
	if err := e.custody.Pull(asset, settlement, caller); err != nil {
		return fmt.Errorf("lending engine: custody pull: %w", err)
	}

	position.Borrowed = newBorrowed
	market.TotalLiquidity = newLiquidity
	market.TotalBorrowed = newTotalBorrowed
	if err := e.commit(asset, position, market); err != nil {
		return err
	}
	if err := e.grantRights(newBorrowed, newLiquidity, newTotalBorrowed); err != nil {
		return err
	}
	e.emit(events.LendingRepaid{User: addr20(caller), Asset: asset, Amount: repay.Handle()})
	return nil
}

// Liquidate lets a third party seize part of an undercollateralised
// position. The seized amount is capped at both half the outstanding debt and
// the full remaining collateral, so a single call can never over-seize. The
// post-condition is "less unsafe", not necessarily safe; a racing second
// liquidation re-evaluates the predicate against the committed state.
func (e *Engine) Liquidate(liquidator, borrower crypto.Address, asset string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	market, err := e.activeMarket(asset)
	if err != nil {
		return err
	}
	position, err := e.ensurePosition(asset, borrower)
	if err != nil {
		return err
	}

	_, threshold, err := e.riskConstants()
	if err != nil {
		return err
	}
	eligible, err := IsLiquidatable(e.cipher, position.Collateral, position.Borrowed, threshold)
	if err != nil {
		return err
	}
	if ok, err := e.decryptGate(eligible); err != nil {
		return err
	} else if !ok {
		return ErrNotLiquidatable
	}

	two, err := e.cipher.Lift(2)
	if err != nil {
		return err
	}
	halfDebt, err := e.cipher.Div(position.Borrowed, two)
	if err != nil {
		return err
	}
	seized, err := e.cipher.Min(halfDebt, position.Collateral)
	if err != nil {
		return err
	}

	newBorrowed, err := e.cipher.Sub(position.Borrowed, seized)
	if err != nil {
		return err
	}
	newCollateral, err := e.cipher.Sub(position.Collateral, seized)
	if err != nil {
		return err
	}
	newTotalBorrowed, err := e.cipher.Sub(market.TotalBorrowed, seized)
	if err != nil {
		return err
	}

	settlement, err := e.decryptAmount(seized)
	if err != nil {
		return err
	}
	if err := e.custody.Push(asset, settlement, liquidator); err != nil {
		return fmt.Errorf("lending engine: custody push: %w", err)
	}

	position.Borrowed = newBorrowed
	position.Collateral = newCollateral
	market.TotalBorrowed = newTotalBorrowed
	if err := e.commit(asset, position, market); err != nil {
		return err
	}
	if err := e.grantRights(newBorrowed, newCollateral, newTotalBorrowed); err != nil {
		return err
	}
	e.emit(events.LendingLiquidated{
		Liquidator: addr20(liquidator),
		Borrower:   addr20(borrower),
		Asset:      asset,
		Amount:     seized.Handle(),
	})
	return nil
}

func (e *Engine) ready() error {
	if err := e.readyRegistry(); err != nil {
		return err
	}
	if e.custody == nil {
		return ErrNilCustody
	}
	return nil
}

func (e *Engine) readyRegistry() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.cipher == nil {
		return ErrNilCipherEngine
	}
	return nil
}

func (e *Engine) activeMarket(asset string) (*Market, error) {
	market, err := e.state.GetMarket(asset)
	if err != nil {
		return nil, err
	}
	if market == nil || !market.Active {
		return nil, ErrMarketInactive
	}
	return market, nil
}

func (e *Engine) ensurePosition(asset string, addr crypto.Address) (*Position, error) {
	position, err := e.state.GetPosition(asset, addr)
	if err != nil {
		return nil, err
	}
	if position != nil {
		return position, nil
	}
	zero, err := e.cipher.Lift(0)
	if err != nil {
		return nil, err
	}
	return &Position{
		Address:    addr,
		Asset:      asset,
		Supplied:   zero,
		Borrowed:   zero,
		Collateral: zero,
	}, nil
}

// collateralFromSupply converts a supply delta into collateral-eligible
// value: amount * CollateralFactorBps / 10000. A factor of 10000 short-cuts
// to the amount itself.
func (e *Engine) collateralFromSupply(amount fhe.Scalar) (fhe.Scalar, error) {
	if e.params.CollateralFactorBps == basisPoints {
		return amount, nil
	}
	factor, err := e.cipher.Lift(e.params.CollateralFactorBps)
	if err != nil {
		return fhe.Scalar{}, err
	}
	scale, err := e.cipher.Lift(basisPoints)
	if err != nil {
		return fhe.Scalar{}, err
	}
	scaled, err := e.cipher.Mul(amount, factor)
	if err != nil {
		return fhe.Scalar{}, err
	}
	return e.cipher.Div(scaled, scale)
}

func (e *Engine) riskConstants() (maxLTV, threshold fhe.Scalar, err error) {
	maxLTV, err = e.cipher.Lift(e.params.MaxLTVBps)
	if err != nil {
		return fhe.Scalar{}, fhe.Scalar{}, err
	}
	threshold, err = e.cipher.Lift(e.params.LiquidationThresholdBps)
	if err != nil {
		return fhe.Scalar{}, fhe.Scalar{}, err
	}
	return maxLTV, threshold, nil
}

// ingest verifies and imports a caller-submitted ciphertext. Engine-side
// verification failures are surfaced uniformly as ErrInvalidProof so callers
// cannot distinguish malformed input from mismatched proofs.
func (e *Engine) ingest(input fhe.EncryptedInput) (fhe.Scalar, error) {
	scalar, err := e.cipher.FromExternal(input)
	if err != nil {
		if errors.Is(err, fhe.ErrInvalidProof) {
			return fhe.Scalar{}, err
		}
		return fhe.Scalar{}, fmt.Errorf("%w: %v", fhe.ErrInvalidProof, err)
	}
	return scalar, nil
}

// decryptGate reveals a single predicate bit. Together with decryptAmount it
// is the only place plaintext leaves the cipher engine.
func (e *Engine) decryptGate(b fhe.Bool) (bool, error) {
	ok, err := e.cipher.DecryptBool(b)
	if err != nil {
		return false, fmt.Errorf("lending engine: gate decryption: %w", err)
	}
	return ok, nil
}

// decryptAmount reveals a settlement amount for the custody layer. Callers
// must pass the exact ciphertext that was committed (e.g. the capped repay
// scalar) so the settlement is bound to the stored handle.
func (e *Engine) decryptAmount(s fhe.Scalar) (*big.Int, error) {
	amount, err := e.cipher.DecryptScalar(s)
	if err != nil {
		return nil, fmt.Errorf("lending engine: settlement decryption: %w", err)
	}
	return amount, nil
}

func (e *Engine) commit(asset string, position *Position, market *Market) error {
	if err := e.state.PutPosition(asset, position); err != nil {
		return err
	}
	return e.state.PutMarket(asset, market)
}

func (e *Engine) grantRights(scalars ...fhe.Scalar) error {
	for _, s := range scalars {
		if err := e.cipher.GrantComputeRights(s); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emit(event events.Event) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func addr20(a crypto.Address) [20]byte {
	var out [20]byte
	copy(out[:], a.Bytes())
	return out
}
