// Package fhe defines the contract the confidential ledger consumes from the
// external encrypted-arithmetic engine. Ciphertexts are modelled as opaque
// capability handles: the only operations available on them are the algebraic
// ones enumerated on the Engine interface, so no caller can branch on or leak
// the underlying plaintext.
package fhe

import (
	"errors"
	"math/big"
)

var (
	// ErrInvalidProof is returned when an external ciphertext fails
	// well-formedness verification.
	ErrInvalidProof = errors.New("fhe: invalid ciphertext proof")
	// ErrDecryptionUnavailable is returned when the engine cannot service a
	// decryption request.
	ErrDecryptionUnavailable = errors.New("fhe: decryption unavailable")
	// ErrUnknownHandle is returned when an operation references a ciphertext
	// the engine does not hold.
	ErrUnknownHandle = errors.New("fhe: unknown ciphertext handle")
)

// Handle is a unique identifier for an engine-held ciphertext.
type Handle [32]byte

// Scalar is an opaque reference to an encrypted non-negative 256-bit integer.
// The zero value references no ciphertext.
type Scalar struct {
	h Handle
}

// NewScalar wraps an engine-issued handle. Only engine implementations should
// mint scalars; holding a Scalar grants no access to the plaintext.
func NewScalar(h Handle) Scalar { return Scalar{h: h} }

// Handle returns the ciphertext identifier, e.g. for event emission.
func (s Scalar) Handle() Handle { return s.h }

// IsZero reports whether the scalar references no ciphertext.
func (s Scalar) IsZero() bool { return s.h == Handle{} }

// Bool is an opaque reference to an encrypted single bit, produced by the
// comparison operations. It must be explicitly decrypted before it can gate
// control flow.
type Bool struct {
	h Handle
}

// NewBool wraps an engine-issued handle onto an encrypted bit.
func NewBool(h Handle) Bool { return Bool{h: h} }

// Handle returns the ciphertext identifier.
func (b Bool) Handle() Handle { return b.h }

// EncryptedInput carries a caller-submitted ciphertext together with the
// zero-knowledge proof of well-formed encryption and the sender identity the
// proof is bound to.
type EncryptedInput struct {
	Ciphertext []byte
	Proof      []byte
	Sender     []byte
}

// Arithmetic enumerates the homomorphic operations. Implementations operate
// on ciphertexts only; nothing here reveals plaintext. Add and Mul saturate
// at the 256-bit ceiling, Sub saturates at zero (callers must establish
// non-negativity with Lte/Gt before subtracting), Div is floor division.
type Arithmetic interface {
	Lift(value uint64) (Scalar, error)
	Add(a, b Scalar) (Scalar, error)
	Sub(a, b Scalar) (Scalar, error)
	Mul(a, b Scalar) (Scalar, error)
	Div(a, b Scalar) (Scalar, error)
	Min(a, b Scalar) (Scalar, error)
	Gt(a, b Scalar) (Bool, error)
	Lte(a, b Scalar) (Bool, error)
}

// Engine is the full contract with the encrypted-arithmetic collaborator.
// Decrypt calls are the sole points where plaintext crosses the trust
// boundary and implementations are expected to keep them auditable.
type Engine interface {
	Arithmetic

	// FromExternal verifies the input proof and ingests the ciphertext,
	// failing with ErrInvalidProof on any verification mismatch.
	FromExternal(input EncryptedInput) (Scalar, error)

	// DecryptScalar reveals the plaintext behind a scalar, typically to
	// produce a settlement amount for the custody layer.
	DecryptScalar(s Scalar) (*big.Int, error)

	// DecryptBool reveals a single predicate bit so a state transition can
	// branch on it.
	DecryptBool(b Bool) (bool, error)

	// GrantComputeRights marks a freshly produced ciphertext as durably
	// computable so subsequent operations may keep operating on it after the
	// producing transition commits.
	GrantComputeRights(s Scalar) error
}
