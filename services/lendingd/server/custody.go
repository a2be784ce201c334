package server

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"cipherlend/crypto"
)

// ErrInsufficientFunds is returned when a custody pull exceeds the account
// balance.
var ErrInsufficientFunds = errors.New("custody: insufficient funds")

// MemoryCustody is an in-process stand-in for the external token-custody
// layer, used by the daemon in development deployments and by tests. Balances
// are plaintext: custody sits outside the confidential boundary and only ever
// sees already-revealed settlement amounts.
type MemoryCustody struct {
	mu       sync.Mutex
	balances map[string]map[string]*big.Int
}

// NewMemoryCustody returns an empty custody ledger.
func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{balances: make(map[string]map[string]*big.Int)}
}

// Credit funds an account out of thin air. Development faucet only.
func (c *MemoryCustody) Credit(asset string, account crypto.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	balance := c.balance(asset, account)
	balance.Add(balance, amount)
}

// Pull debits the account, moving funds into the custody pool.
func (c *MemoryCustody) Pull(asset string, amount *big.Int, from crypto.Address) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("custody: invalid pull amount")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	balance := c.balance(asset, from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	balance.Sub(balance, amount)
	return nil
}

// Push credits the account out of the custody pool.
func (c *MemoryCustody) Push(asset string, amount *big.Int, to crypto.Address) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("custody: invalid push amount")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	balance := c.balance(asset, to)
	balance.Add(balance, amount)
	return nil
}

// Balance returns a copy of the account balance for the asset.
func (c *MemoryCustody) Balance(asset string, account crypto.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance(asset, account))
}

func (c *MemoryCustody) balance(asset string, account crypto.Address) *big.Int {
	accounts, ok := c.balances[asset]
	if !ok {
		accounts = make(map[string]*big.Int)
		c.balances[asset] = accounts
	}
	key := fmt.Sprintf("%x", account.Bytes())
	balance, ok := accounts[key]
	if !ok {
		balance = new(big.Int)
		accounts[key] = balance
	}
	return balance
}
