package lending

import (
	"errors"
	"math/big"
	"testing"

	"cipherlend/core/events"
	"cipherlend/crypto"
	"cipherlend/native/fhe"
	"cipherlend/native/fhe/fhesim"
)

type custodyCall struct {
	asset   string
	amount  *big.Int
	account crypto.Address
}

type stubCustody struct {
	pulls    []custodyCall
	pushes   []custodyCall
	failPull bool
	failPush bool
}

var errCustodyDown = errors.New("custody unavailable")

func (c *stubCustody) Pull(asset string, amount *big.Int, from crypto.Address) error {
	if c.failPull {
		return errCustodyDown
	}
	c.pulls = append(c.pulls, custodyCall{asset: asset, amount: new(big.Int).Set(amount), account: from})
	return nil
}

func (c *stubCustody) Push(asset string, amount *big.Int, to crypto.Address) error {
	if c.failPush {
		return errCustodyDown
	}
	c.pushes = append(c.pushes, custodyCall{asset: asset, amount: new(big.Int).Set(amount), account: to})
	return nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	if s.modules == nil {
		return false
	}
	return s.modules[module]
}

func makeAddress(b byte) crypto.Address {
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = b
	}
	return crypto.NewAddress(crypto.CipherPrefix, buf)
}

func defaultParams() RiskParameters {
	return RiskParameters{
		MaxLTVBps:               6000,
		LiquidationThresholdBps: 8000,
		CollateralFactorBps:     10_000,
	}
}

type testRig struct {
	engine  *Engine
	sim     *fhesim.Engine
	state   *MemoryState
	custody *stubCustody
	emitter *captureEmitter
	admin   crypto.Address
}

func newTestRig(t *testing.T, params RiskParameters) *testRig {
	t.Helper()
	sim := fhesim.New([32]byte{0x42})
	admin := makeAddress(0xAA)
	engine := NewEngine(admin, params, sim)
	state := NewMemoryState()
	custody := &stubCustody{}
	emitter := &captureEmitter{}
	engine.SetState(state)
	engine.SetCustody(custody)
	engine.SetEmitter(emitter)
	return &testRig{engine: engine, sim: sim, state: state, custody: custody, emitter: emitter, admin: admin}
}

func (r *testRig) seal(t *testing.T, value int64, sender crypto.Address) fhe.EncryptedInput {
	t.Helper()
	input, err := r.sim.Seal(big.NewInt(value), sender.Bytes())
	if err != nil {
		t.Fatalf("seal %d: %v", value, err)
	}
	return input
}

func (r *testRig) addMarket(t *testing.T, asset string, rateBps int64) {
	t.Helper()
	if err := r.engine.AddMarket(r.admin, asset, r.seal(t, rateBps, r.admin)); err != nil {
		t.Fatalf("add market %s: %v", asset, err)
	}
}

func (r *testRig) plaintext(t *testing.T, s fhe.Scalar) int64 {
	t.Helper()
	value, err := r.sim.DecryptScalar(s)
	if err != nil {
		t.Fatalf("decrypt scalar: %v", err)
	}
	return value.Int64()
}

func (r *testRig) position(t *testing.T, asset string, addr crypto.Address) *Position {
	t.Helper()
	position, err := r.engine.PositionInfo(asset, addr)
	if err != nil {
		t.Fatalf("position info: %v", err)
	}
	return position
}

func (r *testRig) market(t *testing.T, asset string) *Market {
	t.Helper()
	market, err := r.engine.MarketInfo(asset)
	if err != nil {
		t.Fatalf("market info: %v", err)
	}
	if market == nil {
		t.Fatalf("market %s not found", asset)
	}
	return market
}

func samePosition(a, b *Position) bool {
	return a.Asset == b.Asset &&
		a.Supplied.Handle() == b.Supplied.Handle() &&
		a.Borrowed.Handle() == b.Borrowed.Handle() &&
		a.Collateral.Handle() == b.Collateral.Handle()
}

func sameMarket(a, b *Market) bool {
	return a.Asset == b.Asset &&
		a.Active == b.Active &&
		a.TotalLiquidity.Handle() == b.TotalLiquidity.Handle() &&
		a.TotalBorrowed.Handle() == b.TotalBorrowed.Handle() &&
		a.InterestRate.Handle() == b.InterestRate.Handle()
}
