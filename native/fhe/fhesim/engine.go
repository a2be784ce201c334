// Package fhesim provides a software stand-in for the external
// encrypted-arithmetic engine. Values are held in process memory behind
// keyed-hash handles and arithmetic follows the contract's 256-bit saturating
// laws. It implements the behaviour of the fhe.Engine contract for tests and
// development deployments; it is not a cryptographic implementation.
package fhesim

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"cipherlend/native/fhe"
)

const (
	ciphertextLen = 40 // 32-byte big-endian value || 8-byte nonce
	proofLen      = 32
)

// AuditFunc observes every decryption the engine performs. Decryption is the
// sole point where plaintext crosses the trust boundary, so deployments hook
// this for audit logging and metrics.
type AuditFunc func(kind string, handle fhe.Handle)

// Engine is an in-memory fhe.Engine implementation.
type Engine struct {
	mu          sync.Mutex
	key         [32]byte
	nonce       uint64
	scalars     map[fhe.Handle]*uint256.Int
	bools       map[fhe.Handle]bool
	rights      map[fhe.Handle]bool
	audit       AuditFunc
	decryptDown bool
}

// New constructs an engine bound to the given secret key. The key doubles as
// the sealing key clients use to produce well-formed encrypted inputs.
func New(key [32]byte) *Engine {
	return &Engine{
		key:     key,
		scalars: make(map[fhe.Handle]*uint256.Int),
		bools:   make(map[fhe.Handle]bool),
		rights:  make(map[fhe.Handle]bool),
	}
}

// NewRandom constructs an engine with a freshly generated key.
func NewRandom() (*Engine, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generate engine key: %w", err)
	}
	return New(key), nil
}

// SetAuditHook registers the decryption observer. Passing nil disables it.
func (e *Engine) SetAuditHook(fn AuditFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audit = fn
}

// SetDecryptionAvailable toggles the decryption service, used to exercise
// ErrDecryptionUnavailable paths.
func (e *Engine) SetDecryptionAvailable(up bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decryptDown = !up
}

func (e *Engine) sum(domain string, parts ...[]byte) [32]byte {
	h := blake3.New(32, e.key[:])
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (e *Engine) mintScalarLocked(v *uint256.Int) fhe.Scalar {
	e.nonce++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], e.nonce)
	handle := fhe.Handle(e.sum("scalar", n[:]))
	e.scalars[handle] = v.Clone()
	return fhe.NewScalar(handle)
}

func (e *Engine) mintBoolLocked(v bool) fhe.Bool {
	e.nonce++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], e.nonce)
	handle := fhe.Handle(e.sum("bool", n[:]))
	e.bools[handle] = v
	return fhe.NewBool(handle)
}

func (e *Engine) valueLocked(s fhe.Scalar) (*uint256.Int, error) {
	v, ok := e.scalars[s.Handle()]
	if !ok {
		return nil, fhe.ErrUnknownHandle
	}
	return v, nil
}

// Seal produces a well-formed EncryptedInput for the given plaintext, bound
// to the sender identity. This is the client-side counterpart of
// FromExternal.
func (e *Engine) Seal(value *big.Int, sender []byte) (fhe.EncryptedInput, error) {
	if value == nil || value.Sign() < 0 {
		return fhe.EncryptedInput{}, fmt.Errorf("fhesim: plaintext must be non-negative")
	}
	v, overflow := uint256.FromBig(value)
	if overflow {
		return fhe.EncryptedInput{}, fmt.Errorf("fhesim: plaintext exceeds 256 bits")
	}
	ciphertext := make([]byte, ciphertextLen)
	word := v.Bytes32()
	copy(ciphertext[:32], word[:])
	if _, err := rand.Read(ciphertext[32:]); err != nil {
		return fhe.EncryptedInput{}, fmt.Errorf("seal nonce: %w", err)
	}
	proof := e.sum("input", ciphertext, sender)
	return fhe.EncryptedInput{
		Ciphertext: ciphertext,
		Proof:      proof[:],
		Sender:     append([]byte(nil), sender...),
	}, nil
}

// FromExternal verifies the proof binding ciphertext and sender, then ingests
// the value. Any mismatch is surfaced as ErrInvalidProof.
func (e *Engine) FromExternal(input fhe.EncryptedInput) (fhe.Scalar, error) {
	if len(input.Ciphertext) != ciphertextLen || len(input.Proof) != proofLen {
		return fhe.Scalar{}, fhe.ErrInvalidProof
	}
	want := e.sum("input", input.Ciphertext, input.Sender)
	if subtle.ConstantTimeCompare(want[:], input.Proof) != 1 {
		return fhe.Scalar{}, fhe.ErrInvalidProof
	}
	v := new(uint256.Int).SetBytes(input.Ciphertext[:32])

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mintScalarLocked(v), nil
}

// Lift deterministically encrypts a public constant.
func (e *Engine) Lift(value uint64) (fhe.Scalar, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	handle := fhe.Handle(e.sum("lift", buf[:]))

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.scalars[handle]; !ok {
		e.scalars[handle] = uint256.NewInt(value)
	}
	return fhe.NewScalar(handle), nil
}

// Add returns a+b, saturating at the 256-bit ceiling.
func (e *Engine) Add(a, b fhe.Scalar) (fhe.Scalar, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	av, err := e.valueLocked(a)
	if err != nil {
		return fhe.Scalar{}, err
	}
	bv, err := e.valueLocked(b)
	if err != nil {
		return fhe.Scalar{}, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(av, bv)
	if overflow {
		sum = maxUint256()
	}
	return e.mintScalarLocked(sum), nil
}

// Sub returns a-b, saturating at zero.
func (e *Engine) Sub(a, b fhe.Scalar) (fhe.Scalar, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	av, err := e.valueLocked(a)
	if err != nil {
		return fhe.Scalar{}, err
	}
	bv, err := e.valueLocked(b)
	if err != nil {
		return fhe.Scalar{}, err
	}
	diff, underflow := new(uint256.Int).SubOverflow(av, bv)
	if underflow {
		diff = uint256.NewInt(0)
	}
	return e.mintScalarLocked(diff), nil
}

// Mul returns a*b, saturating at the 256-bit ceiling.
func (e *Engine) Mul(a, b fhe.Scalar) (fhe.Scalar, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	av, err := e.valueLocked(a)
	if err != nil {
		return fhe.Scalar{}, err
	}
	bv, err := e.valueLocked(b)
	if err != nil {
		return fhe.Scalar{}, err
	}
	product, overflow := new(uint256.Int).MulOverflow(av, bv)
	if overflow {
		product = maxUint256()
	}
	return e.mintScalarLocked(product), nil
}

// Div returns floor(a/b); division by zero yields zero, matching the 256-bit
// machine-word convention.
func (e *Engine) Div(a, b fhe.Scalar) (fhe.Scalar, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	av, err := e.valueLocked(a)
	if err != nil {
		return fhe.Scalar{}, err
	}
	bv, err := e.valueLocked(b)
	if err != nil {
		return fhe.Scalar{}, err
	}
	return e.mintScalarLocked(new(uint256.Int).Div(av, bv)), nil
}

// Min returns the smaller operand.
func (e *Engine) Min(a, b fhe.Scalar) (fhe.Scalar, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	av, err := e.valueLocked(a)
	if err != nil {
		return fhe.Scalar{}, err
	}
	bv, err := e.valueLocked(b)
	if err != nil {
		return fhe.Scalar{}, err
	}
	min := av
	if bv.Lt(av) {
		min = bv
	}
	return e.mintScalarLocked(min), nil
}

// Gt returns the encrypted bit a > b.
func (e *Engine) Gt(a, b fhe.Scalar) (fhe.Bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	av, err := e.valueLocked(a)
	if err != nil {
		return fhe.Bool{}, err
	}
	bv, err := e.valueLocked(b)
	if err != nil {
		return fhe.Bool{}, err
	}
	return e.mintBoolLocked(av.Gt(bv)), nil
}

// Lte returns the encrypted bit a <= b.
func (e *Engine) Lte(a, b fhe.Scalar) (fhe.Bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	av, err := e.valueLocked(a)
	if err != nil {
		return fhe.Bool{}, err
	}
	bv, err := e.valueLocked(b)
	if err != nil {
		return fhe.Bool{}, err
	}
	return e.mintBoolLocked(!av.Gt(bv)), nil
}

// DecryptScalar reveals the plaintext behind a scalar handle.
func (e *Engine) DecryptScalar(s fhe.Scalar) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.decryptDown {
		return nil, fhe.ErrDecryptionUnavailable
	}
	v, err := e.valueLocked(s)
	if err != nil {
		return nil, err
	}
	if e.audit != nil {
		e.audit("scalar", s.Handle())
	}
	return v.ToBig(), nil
}

// DecryptBool reveals a predicate bit.
func (e *Engine) DecryptBool(b fhe.Bool) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.decryptDown {
		return false, fhe.ErrDecryptionUnavailable
	}
	v, ok := e.bools[b.Handle()]
	if !ok {
		return false, fhe.ErrUnknownHandle
	}
	if e.audit != nil {
		e.audit("bool", b.Handle())
	}
	return v, nil
}

// GrantComputeRights marks a ciphertext durable for later transitions.
func (e *Engine) GrantComputeRights(s fhe.Scalar) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.scalars[s.Handle()]; !ok {
		return fhe.ErrUnknownHandle
	}
	e.rights[s.Handle()] = true
	return nil
}

// HasComputeRights reports whether a ciphertext was granted durable rights.
func (e *Engine) HasComputeRights(s fhe.Scalar) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rights[s.Handle()]
}

func maxUint256() *uint256.Int {
	max := new(uint256.Int)
	max.SetAllOne()
	return max
}
