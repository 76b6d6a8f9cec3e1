// Package waterfall manages the loss-absorption backstop: the insurance fund
// and the staking pool, plus the per-market fee attribution that decides how
// much budget each market may spend on funding and recentering.
//
// Physical quote balances live in the bank ledger; this package is the
// bookkeeping and sequencing layer on top of it.
//
// Distribution of revenue (fees and funding gains), in order:
//  1. top the active staking pool back up to its principal,
//  2. fill the insurance fund until it matches the market vault balance,
//  3. pay the surplus to the staking pool as reward (insurance fund when
//     the staking pool is inactive).
//
// Draws to cover costs run the other way: staking reward first, then the
// insurance fund, then staking principal. An inactive staking pool is
// skipped entirely and the uncoverable remainder accrues as deficit.
package waterfall

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/bank"
)

var (
	// ErrUnknownMarket is returned for a symbol never registered.
	ErrUnknownMarket = errors.New("waterfall: unknown market")

	// ErrInsufficientBudget is returned when a draw cannot be covered in
	// full by reward, insurance and staking principal.
	ErrInsufficientBudget = errors.New("waterfall: insufficient budget")

	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("waterfall: invalid amount")

	// ErrStakingBalance is returned when an unstake exceeds principal or
	// the pool's liquid balance.
	ErrStakingBalance = errors.New("waterfall: amount exceeds staking principal or balance")
)

// marketAccount is the per-market bookkeeping slice of the fund.
type marketAccount struct {
	// feePool is the revenue attributed to this market that the fund still
	// holds; it is the market-specific part of the available budget.
	feePool decimal.Decimal
	// netRevenue is revenue minus draws since the last funding settlement.
	netRevenue decimal.Decimal
	// prepaidBadDebt is bad debt the fund already paid into the market
	// vault; later realized bad debt nets against it.
	prepaidBadDebt decimal.Decimal
	hasExposure    bool
}

// Fund is the insurance fund plus staking pool. Safe for concurrent use.
type Fund struct {
	mu     sync.Mutex
	ledger *bank.Ledger

	stakingPrincipal decimal.Decimal
	stakingActive    bool
	deficit          decimal.Decimal

	markets map[string]*marketAccount
}

// New returns a fund with an active, empty staking pool.
func New(ledger *bank.Ledger) *Fund {
	return &Fund{
		ledger:        ledger,
		stakingActive: true,
		markets:       make(map[string]*marketAccount),
	}
}

// RegisterMarket adds bookkeeping for a market symbol.
func (f *Fund) RegisterMarket(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.markets[symbol]; !ok {
		f.markets[symbol] = &marketAccount{}
	}
}

// SetExposure marks whether a market currently carries open interest.
// Markets without exposure get no share of the common budget.
func (f *Fund) SetExposure(symbol string, has bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc, ok := f.markets[symbol]; ok {
		acc.hasExposure = has
	}
}

// Stake moves amount from the staker's account into the staking pool and
// grows the principal.
func (f *Fund) Stake(staker string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ledger.Transfer(staker, bank.AccountStaking, amount); err != nil {
		return err
	}
	f.stakingPrincipal = f.stakingPrincipal.Add(amount)
	return nil
}

// Unstake returns amount of principal to the staker, bounded by both the
// recorded principal and the pool's liquid balance.
func (f *Fund) Unstake(staker string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount.GreaterThan(f.stakingPrincipal) ||
		amount.GreaterThan(f.ledger.BalanceOf(bank.AccountStaking)) {
		return ErrStakingBalance
	}
	if err := f.ledger.Transfer(bank.AccountStaking, staker, amount); err != nil {
		return err
	}
	f.stakingPrincipal = f.stakingPrincipal.Sub(amount)
	return nil
}

// ActivateStaking puts the staking pool back into the waterfall.
func (f *Fund) ActivateStaking() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stakingActive = true
}

// DeactivateStaking removes the staking pool from both distribution and
// draws; the insurance fund stands alone afterwards.
func (f *Fund) DeactivateStaking() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stakingActive = false
}

// DistributeRevenue routes amount from the payer account through the
// distribution waterfall and attributes it to the market's fee pool.
func (f *Fund) DistributeRevenue(symbol, payer string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.markets[symbol]
	if !ok {
		return ErrUnknownMarket
	}

	remaining := amount

	// 1. Top the active staking pool back up to its principal.
	if f.stakingActive {
		stakingBal := f.ledger.BalanceOf(bank.AccountStaking)
		if stakingBal.LessThan(f.stakingPrincipal) {
			topUp := decimal.Min(remaining, f.stakingPrincipal.Sub(stakingBal))
			if err := f.ledger.Transfer(payer, bank.AccountStaking, topUp); err != nil {
				return err
			}
			remaining = remaining.Sub(topUp)
		}
	}

	// 2. Fill the insurance fund until it matches the market vault.
	if remaining.IsPositive() {
		insuranceBal := f.ledger.BalanceOf(bank.AccountInsurance)
		vaultBal := f.ledger.BalanceOf(bank.VaultAccount(symbol))
		if insuranceBal.LessThan(vaultBal) {
			fill := decimal.Min(remaining, vaultBal.Sub(insuranceBal))
			if err := f.ledger.Transfer(payer, bank.AccountInsurance, fill); err != nil {
				return err
			}
			remaining = remaining.Sub(fill)
		}
	}

	// 3. Surplus becomes staking reward, or insurance when inactive.
	if remaining.IsPositive() {
		dest := bank.AccountInsurance
		if f.stakingActive {
			dest = bank.AccountStaking
		}
		if err := f.ledger.Transfer(payer, dest, remaining); err != nil {
			return err
		}
	}

	acc.feePool = acc.feePool.Add(amount)
	acc.netRevenue = acc.netRevenue.Add(amount)
	return nil
}

// Draw covers amount out of the waterfall and pays it to the destination
// account: staking reward first, then insurance, then staking principal.
// Fails without moving funds when the three together cannot cover it.
func (f *Fund) Draw(symbol, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.markets[symbol]
	if !ok {
		return ErrUnknownMarket
	}

	insuranceBal := f.ledger.BalanceOf(bank.AccountInsurance)
	stakingBal := decimal.Zero
	if f.stakingActive {
		stakingBal = f.ledger.BalanceOf(bank.AccountStaking)
	}
	if amount.GreaterThan(insuranceBal.Add(stakingBal)) {
		return ErrInsufficientBudget
	}

	remaining := amount

	// Staking reward (balance above principal) goes first.
	if f.stakingActive {
		reward := stakingBal.Sub(f.stakingPrincipal)
		if reward.IsPositive() {
			take := decimal.Min(remaining, reward)
			if err := f.ledger.Transfer(bank.AccountStaking, to, take); err != nil {
				return err
			}
			remaining = remaining.Sub(take)
		}
	}

	// Insurance fund next.
	if remaining.IsPositive() {
		take := decimal.Min(remaining, insuranceBal)
		if err := f.ledger.Transfer(bank.AccountInsurance, to, take); err != nil {
			return err
		}
		remaining = remaining.Sub(take)
	}

	// Staking principal last.
	if remaining.IsPositive() {
		if err := f.ledger.Transfer(bank.AccountStaking, to, remaining); err != nil {
			return err
		}
	}

	acc.feePool = decimal.Max(decimal.Zero, acc.feePool.Sub(amount))
	acc.netRevenue = acc.netRevenue.Sub(amount)
	return nil
}

// Prepay moves amount from the insurance side into the market vault ahead of
// realization and records it as prepaid bad debt.
func (f *Fund) Prepay(symbol string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	f.mu.Lock()
	acc, ok := f.markets[symbol]
	f.mu.Unlock()
	if !ok {
		return ErrUnknownMarket
	}
	if err := f.Draw(symbol, bank.VaultAccount(symbol), amount); err != nil {
		return err
	}
	f.mu.Lock()
	acc.prepaidBadDebt = acc.prepaidBadDebt.Add(amount)
	f.mu.Unlock()
	return nil
}

// RealizeBadDebt settles bad debt into the market vault. It nets against the
// market's prepaid bad debt first; the remainder is drawn from the waterfall
// as far as its balances reach, and whatever they cannot cover accrues as
// deficit. The settlement always succeeds for a registered market: bad debt
// has already happened by the time it is realized.
func (f *Fund) RealizeBadDebt(symbol string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	f.mu.Lock()
	acc, ok := f.markets[symbol]
	if !ok {
		f.mu.Unlock()
		return ErrUnknownMarket
	}
	netted := decimal.Min(amount, acc.prepaidBadDebt)
	acc.prepaidBadDebt = acc.prepaidBadDebt.Sub(netted)
	remainder := amount.Sub(netted)

	available := f.ledger.BalanceOf(bank.AccountInsurance)
	if f.stakingActive {
		available = available.Add(f.ledger.BalanceOf(bank.AccountStaking))
	}
	covered := decimal.Min(remainder, available)
	uncovered := remainder.Sub(covered)
	f.mu.Unlock()

	if covered.IsPositive() {
		if err := f.Draw(symbol, bank.VaultAccount(symbol), covered); err != nil {
			return err
		}
	}
	if uncovered.IsPositive() {
		f.mu.Lock()
		f.deficit = f.deficit.Add(uncovered)
		f.mu.Unlock()
	}
	return nil
}

// AvailableBudgetFor returns the budget a market may spend on funding and
// recentering: its own fee pool plus an equal share of the common excess
// (insurance plus active staking balance, minus all attributed fee pools)
// split across markets with open interest. Markets without exposure get
// nothing.
func (f *Fund) AvailableBudgetFor(symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.markets[symbol]
	if !ok {
		return decimal.Zero, ErrUnknownMarket
	}
	if !acc.hasExposure {
		return decimal.Zero, nil
	}

	common := f.ledger.BalanceOf(bank.AccountInsurance)
	if f.stakingActive {
		common = common.Add(f.ledger.BalanceOf(bank.AccountStaking))
	}
	exposed := 0
	for _, a := range f.markets {
		common = common.Sub(a.feePool)
		if a.hasExposure {
			exposed++
		}
	}
	budget := acc.feePool
	if common.IsPositive() && exposed > 0 {
		budget = budget.Add(common.Div(decimal.NewFromInt(int64(exposed))))
	}
	return budget, nil
}

// NetRevenueSince returns revenue minus draws since the last reset.
func (f *Fund) NetRevenueSince(symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.markets[symbol]
	if !ok {
		return decimal.Zero, ErrUnknownMarket
	}
	return acc.netRevenue, nil
}

// ResetNetRevenue zeroes the per-window revenue counter after a funding
// settlement.
func (f *Fund) ResetNetRevenue(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc, ok := f.markets[symbol]; ok {
		acc.netRevenue = decimal.Zero
	}
}

// PrepaidBadDebt returns the market's outstanding prepaid bad debt.
func (f *Fund) PrepaidBadDebt(symbol string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc, ok := f.markets[symbol]; ok {
		return acc.prepaidBadDebt
	}
	return decimal.Zero
}

// Deficit returns the accumulated uncovered bad debt.
func (f *Fund) Deficit() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deficit
}

// InsuranceBalance returns the insurance fund's liquid balance.
func (f *Fund) InsuranceBalance() decimal.Decimal {
	return f.ledger.BalanceOf(bank.AccountInsurance)
}

// StakingBalance returns the staking pool's liquid balance.
func (f *Fund) StakingBalance() decimal.Decimal {
	return f.ledger.BalanceOf(bank.AccountStaking)
}

// StakingActive reports whether the staking pool participates in the
// waterfall.
func (f *Fund) StakingActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stakingActive
}
