package waterfall

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/bank"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	m1 = "BAYC-ETH-PERP"
	m2 = "AZUKI-ETH-PERP"
)

// newFund seeds a ledger with a staker holding 10 and a trader account used
// as fee payer, and registers two markets.
func newFund(t *testing.T) (*Fund, *bank.Ledger) {
	t.Helper()
	l := bank.NewLedger()
	f := New(l)
	f.RegisterMarket(m1)
	f.RegisterMarket(m2)
	if err := l.Mint("staker", d(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Mint("trader", d(1000)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return f, l
}

// --- Budget tests ---

func TestAvailableBudget_ZeroWithoutExposure(t *testing.T) {
	f, _ := newFund(t)
	if err := f.Stake("staker", d(10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := f.AvailableBudgetFor(m1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.IsZero() {
		t.Errorf("expected zero budget without exposure, got %s", b)
	}
}

func TestAvailableBudget_SplitsCommonExcess(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	f.SetExposure(m1, true)
	f.SetExposure(m2, true)
	// Both markets carry 120 margin; only the first collected a 0.6 fee.
	l.Mint(bank.VaultAccount(m1), d(120))
	l.Mint(bank.VaultAccount(m2), d(120))
	if err := f.DistributeRevenue(m1, "trader", d(0.6)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b1, _ := f.AvailableBudgetFor(m1)
	b2, _ := f.AvailableBudgetFor(m2)
	if !b1.Equal(d(5.6)) {
		t.Errorf("expected budget 5.6, got %s", b1)
	}
	if !b2.Equal(d(5)) {
		t.Errorf("expected budget 5, got %s", b2)
	}
}

func TestAvailableBudget_UnknownMarket(t *testing.T) {
	f, _ := newFund(t)
	if _, err := f.AvailableBudgetFor("DOGE-ETH-PERP"); err != ErrUnknownMarket {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
}

// --- Distribution waterfall ---

func TestDistribute_ToInsuranceWhenStakingInactive(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	f.DeactivateStaking()
	l.Mint(bank.VaultAccount(m1), d(60))
	if err := f.DistributeRevenue(m1, "trader", d(6)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.StakingBalance().Equal(d(10)) {
		t.Errorf("staking pool should be untouched, got %s", f.StakingBalance())
	}
	if !f.InsuranceBalance().Equal(d(6)) {
		t.Errorf("expected insurance 6, got %s", f.InsuranceBalance())
	}
}

func TestDistribute_ToInsuranceBelowVault(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	l.Mint(bank.VaultAccount(m1), d(60))
	if err := f.DistributeRevenue(m1, "trader", d(6)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.StakingBalance().Equal(d(10)) || !f.InsuranceBalance().Equal(d(6)) {
		t.Errorf("expected staking 10 / insurance 6, got %s / %s",
			f.StakingBalance(), f.InsuranceBalance())
	}
}

func TestDistribute_TopsUpDepletedStakingFirst(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	l.Mint(bank.VaultAccount(m1), d(60))
	f.SetExposure(m1, true)
	// Small fee, then a draw of 3.75 eats it and 3.15 of staking principal.
	f.DistributeRevenue(m1, "trader", d(0.6))
	if err := f.Draw(m1, bank.VaultAccount(m1), d(3.75)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.StakingBalance().Equal(d(6.85)) || !f.InsuranceBalance().IsZero() {
		t.Errorf("expected staking 6.85 / insurance 0, got %s / %s",
			f.StakingBalance(), f.InsuranceBalance())
	}
	// The next fee tops the staking pool back up before anything else.
	f.DistributeRevenue(m1, "trader", d(0.6))
	if !f.StakingBalance().Equal(d(7.45)) || !f.InsuranceBalance().IsZero() {
		t.Errorf("expected staking 7.45 / insurance 0, got %s / %s",
			f.StakingBalance(), f.InsuranceBalance())
	}
}

func TestDistribute_SurplusBecomesStakingReward(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	l.Mint(bank.VaultAccount(m1), d(60))
	// 120 fee: 60 fills insurance up to the vault, 60 is reward.
	if err := f.DistributeRevenue(m1, "trader", d(120)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.InsuranceBalance().Equal(d(60)) {
		t.Errorf("expected insurance 60, got %s", f.InsuranceBalance())
	}
	if !f.StakingBalance().Equal(d(70)) {
		t.Errorf("expected staking 70, got %s", f.StakingBalance())
	}
}

// --- Draw waterfall ---

func TestDraw_InsuranceOnlyWhenEnough(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	l.Mint(bank.VaultAccount(m1), d(60))
	f.DistributeRevenue(m1, "trader", d(6))
	if err := f.Draw(m1, bank.VaultAccount(m1), d(3.75)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.StakingBalance().Equal(d(10)) {
		t.Errorf("staking should be untouched, got %s", f.StakingBalance())
	}
	if !f.InsuranceBalance().Equal(d(2.25)) {
		t.Errorf("expected insurance 2.25, got %s", f.InsuranceBalance())
	}
}

func TestDraw_RewardBeforeInsurance(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	l.Mint(bank.VaultAccount(m1), d(60))
	f.DistributeRevenue(m1, "trader", d(60))   // fills insurance to the vault
	f.DistributeRevenue(m1, "trader", d(3.75)) // surplus becomes reward
	if !f.StakingBalance().Equal(d(13.75)) {
		t.Fatalf("expected staking 13.75, got %s", f.StakingBalance())
	}
	if err := f.Draw(m1, bank.VaultAccount(m1), d(7.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 3.75 reward first, then 3.75 insurance.
	if !f.StakingBalance().Equal(d(10)) {
		t.Errorf("expected staking back at 10, got %s", f.StakingBalance())
	}
	if !f.InsuranceBalance().Equal(d(56.25)) {
		t.Errorf("expected insurance 56.25, got %s", f.InsuranceBalance())
	}
}

func TestDraw_PrincipalAfterInsurance(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	l.Mint(bank.VaultAccount(m1), d(60))
	f.DistributeRevenue(m1, "trader", d(60))
	f.DistributeRevenue(m1, "trader", d(3.75))
	if err := f.Draw(m1, bank.VaultAccount(m1), d(67.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.StakingBalance().Equal(d(6.25)) {
		t.Errorf("expected staking 6.25, got %s", f.StakingBalance())
	}
	if !f.InsuranceBalance().IsZero() {
		t.Errorf("expected insurance 0, got %s", f.InsuranceBalance())
	}
}

func TestDraw_SkipsInactiveStaking(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	f.DeactivateStaking()
	l.Mint(bank.VaultAccount(m1), d(60))
	f.DistributeRevenue(m1, "trader", d(6))
	if err := f.Draw(m1, bank.VaultAccount(m1), d(7)); err != ErrInsufficientBudget {
		t.Errorf("expected ErrInsufficientBudget, got %v", err)
	}
	if !f.StakingBalance().Equal(d(10)) || !f.InsuranceBalance().Equal(d(6)) {
		t.Errorf("failed draw must not move funds, got staking %s / insurance %s",
			f.StakingBalance(), f.InsuranceBalance())
	}
}

// --- Bad debt ---

func TestRealizeBadDebt_NetsAgainstPrepaid(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	l.Mint(bank.VaultAccount(m1), d(60))
	f.DistributeRevenue(m1, "trader", d(6))
	if err := f.Prepay(m1, d(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.PrepaidBadDebt(m1).Equal(d(2)) {
		t.Fatalf("expected prepaid 2, got %s", f.PrepaidBadDebt(m1))
	}
	insuranceAfterPrepay := f.InsuranceBalance()
	// 1.5 realized nets fully against prepaid, no further draw.
	if err := f.RealizeBadDebt(m1, d(1.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.PrepaidBadDebt(m1).Equal(d(0.5)) {
		t.Errorf("expected prepaid 0.5, got %s", f.PrepaidBadDebt(m1))
	}
	if !f.InsuranceBalance().Equal(insuranceAfterPrepay) {
		t.Errorf("netting must not touch insurance, got %s", f.InsuranceBalance())
	}
	// 1.5 more nets 0.5 and draws 1.
	if err := f.RealizeBadDebt(m1, d(1.5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.PrepaidBadDebt(m1).IsZero() {
		t.Errorf("expected prepaid 0, got %s", f.PrepaidBadDebt(m1))
	}
	if !f.InsuranceBalance().Equal(insuranceAfterPrepay.Sub(d(1))) {
		t.Errorf("expected insurance down by 1, got %s", f.InsuranceBalance())
	}
}

func TestRealizeBadDebt_TracksDeficit(t *testing.T) {
	f, _ := newFund(t)
	f.DeactivateStaking()
	if err := f.RealizeBadDebt(m1, d(5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Deficit().Equal(d(5)) {
		t.Errorf("expected deficit 5, got %s", f.Deficit())
	}
	// Further settlements accrue on top; none of them fail.
	if err := f.RealizeBadDebt(m1, d(3)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Deficit().Equal(d(8)) {
		t.Errorf("expected deficit 8, got %s", f.Deficit())
	}
}

func TestRealizeBadDebt_PartialCover(t *testing.T) {
	f, l := newFund(t)
	f.DeactivateStaking()
	l.Mint(bank.AccountInsurance, d(2))
	if err := f.RealizeBadDebt(m1, d(5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Insurance pays what it holds into the vault; the rest is deficit.
	if !f.InsuranceBalance().IsZero() {
		t.Errorf("expected insurance 0, got %s", f.InsuranceBalance())
	}
	if !l.BalanceOf(bank.VaultAccount(m1)).Equal(d(2)) {
		t.Errorf("expected vault 2, got %s", l.BalanceOf(bank.VaultAccount(m1)))
	}
	if !f.Deficit().Equal(d(3)) {
		t.Errorf("expected deficit 3, got %s", f.Deficit())
	}
}

// --- Staking ---

func TestUnstake_Bounds(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	f.SetExposure(m1, true)
	l.Mint(bank.VaultAccount(m1), d(60))
	// Burn part of the principal through a draw.
	if err := f.Draw(m1, bank.VaultAccount(m1), d(4)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Unstake("staker", d(8)); err != ErrStakingBalance {
		t.Errorf("expected ErrStakingBalance, got %v", err)
	}
	if err := f.Unstake("staker", d(6)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !l.BalanceOf("staker").Equal(d(6)) {
		t.Errorf("expected staker balance 6, got %s", l.BalanceOf("staker"))
	}
}

func TestNetRevenue_TracksAndResets(t *testing.T) {
	f, l := newFund(t)
	f.Stake("staker", d(10))
	l.Mint(bank.VaultAccount(m1), d(60))
	f.DistributeRevenue(m1, "trader", d(6))
	f.Draw(m1, bank.VaultAccount(m1), d(2))
	nr, err := f.NetRevenueSince(m1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !nr.Equal(d(4)) {
		t.Errorf("expected net revenue 4, got %s", nr)
	}
	f.ResetNetRevenue(m1)
	nr, _ = f.NetRevenueSince(m1)
	if !nr.IsZero() {
		t.Errorf("expected net revenue 0 after reset, got %s", nr)
	}
}
