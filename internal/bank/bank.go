// Package bank keeps the quote-asset balances backing every position, fee
// pool and fund. It is a pure in-memory ledger: the engine is the custodian
// and every margin flow, fee flow and payout moves through named accounts.
//
// All monetary values use shopspring/decimal — never float64 for money.
package bank

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the
	// sender's balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")

	// ErrInvalidAmount is returned when an amount is negative or finer
	// than the supported granularity.
	ErrInvalidAmount = errors.New("bank: invalid amount")
)

// System accounts. Trader accounts are arbitrary strings; these names are
// reserved for engine-held pools.
const (
	AccountVaultPrefix = "vault:" // vault:<market symbol>, holds trader margin
	AccountFeePool     = "sys:fee-pool"
	AccountInsurance   = "sys:insurance"
	AccountStaking     = "sys:staking"
)

// granularity is the smallest representable amount, 1e-9 quote units.
var granularity = decimal.New(1, -9)

// Ledger is a thread-safe balance map.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]decimal.Decimal)}
}

// ValidAmount reports whether amount is non-negative and representable at
// the ledger granularity.
func ValidAmount(amount decimal.Decimal) bool {
	if amount.IsNegative() {
		return false
	}
	return amount.Mod(granularity).IsZero()
}

// Round rounds amount to the nearest ledger granularity step.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.DivRound(granularity, 0).Mul(granularity)
}

// BalanceOf returns the balance of an account, zero when unknown.
func (l *Ledger) BalanceOf(account string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Mint credits an account out of thin air. Used for deposits arriving from
// the settlement layer and for test funding.
func (l *Ledger) Mint(account string, amount decimal.Decimal) error {
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = l.balances[account].Add(amount)
	return nil
}

// Burn debits an account, used for withdrawals leaving the engine.
func (l *Ledger) Burn(account string, amount decimal.Decimal) error {
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account].LessThan(amount) {
		return ErrInsufficientBalance
	}
	l.balances[account] = l.balances[account].Sub(amount)
	return nil
}

// Transfer moves amount from one account to another. A zero amount is a
// no-op.
func (l *Ledger) Transfer(from, to string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from].LessThan(amount) {
		return ErrInsufficientBalance
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// TotalSupply returns the sum of all balances, used by conservation checks.
func (l *Ledger) TotalSupply() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, b := range l.balances {
		total = total.Add(b)
	}
	return total
}

// VaultAccount returns the vault account name for a market symbol.
func VaultAccount(symbol string) string {
	return AccountVaultPrefix + symbol
}
