package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/bank"
	"github.com/tribevault/clearing-engine/internal/model"
	"github.com/tribevault/clearing-engine/internal/waterfall"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)

const (
	symbol = "BAYC-ETH-PERP"
	alice  = "alice"
	bob    = "bob"
	tol    = 1e-9
)

type env struct {
	engine *Engine
	fund   *waterfall.Fund
	ledger *bank.Ledger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	l := bank.NewLedger()
	f := waterfall.New(l)
	f.RegisterMarket(symbol)
	l.Mint(alice, d(2000))
	l.Mint(bob, d(2000))
	return &env{engine: NewEngine(l, f), fund: f, ledger: l}
}

// newMarket mirrors the genesis book: reserves (1000, 100), 5% margin
// requirements, no fees.
func newMarket() *model.Market {
	m := &model.Market{
		Symbol:                 symbol,
		QuoteReserve:           d(1000),
		BaseReserve:            d(100),
		TradeLimitRatio:        d(0.9),
		InitMarginRatio:        d(0.05),
		MaintenanceMarginRatio: d(0.05),
		LiquidationFeeRatio:    d(0.05),
		Open:                   true,
	}
	m.Snapshot(t0)
	return m
}

func pos(trader string) *model.Position {
	return &model.Position{MarketSymbol: symbol, Trader: trader}
}

func approx(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(d(tol)) {
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}

// --- Open: new and increase ---

func TestOpenPosition_NewLong(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	p := pos(alice)

	ch, err := e.engine.OpenPosition(m, p, model.SideBuy, d(600), d(10), decimal.Zero, false, t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "size", p.Size, d(37.5))
	approx(t, "margin", p.Margin, d(60))
	approx(t, "open notional", p.OpenNotional, d(600))
	approx(t, "quote reserve", m.QuoteReserve, d(1600))
	approx(t, "base reserve", m.BaseReserve, d(62.5))
	approx(t, "base asset delta", m.BaseAssetDelta, d(37.5))
	approx(t, "open interest", m.OpenInterestNotional, d(600))
	approx(t, "exchanged size", ch.ExchangedSize, d(37.5))
	approx(t, "alice balance", e.ledger.BalanceOf(alice), d(1940))
	approx(t, "vault", e.ledger.BalanceOf(bank.VaultAccount(symbol)), d(60))
}

func TestOpenPosition_NewShort(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	p := pos(alice)

	if _, err := e.engine.OpenPosition(m, p, model.SideSell, d(200), d(5), decimal.Zero, false, t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "size", p.Size, d(-25))
	approx(t, "margin", p.Margin, d(40))
	approx(t, "quote reserve", m.QuoteReserve, d(800))
	approx(t, "base reserve", m.BaseReserve, d(125))
	approx(t, "base asset delta", m.BaseAssetDelta, d(-25))
}

func TestOpenPosition_IncreaseSameSide(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	ap, bp := pos(alice), pos(bob)

	e.engine.OpenPosition(m, ap, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)
	e.engine.OpenPosition(m, bp, model.SideSell, d(250), d(1), decimal.Zero, false, t1)
	if _, err := e.engine.OpenPosition(m, ap, model.SideBuy, d(100), d(1), decimal.Zero, false, t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "margin", ap.Margin, d(125))
	approx(t, "size", ap.Size, d(29.090909090909090909))
	notional, _, err := NotionalAndPnl(m, ap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "position notional", notional, d(266.666666666666666667))
}

func TestOpenPosition_Validation(t *testing.T) {
	e := newEnv(t)
	m := newMarket()

	m.Open = false
	if _, err := e.engine.OpenPosition(m, pos(alice), model.SideBuy, d(100), d(1), decimal.Zero, false, t1); err != ErrMarketClosed {
		t.Errorf("expected ErrMarketClosed, got %v", err)
	}
	m.Open = true
	if _, err := e.engine.OpenPosition(m, pos(alice), model.SideBuy, decimal.Zero, d(1), decimal.Zero, false, t1); err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.engine.OpenPosition(m, pos(alice), model.SideBuy, d(100), decimal.Zero, decimal.Zero, false, t1); err != ErrInvalidLeverage {
		t.Errorf("expected ErrInvalidLeverage, got %v", err)
	}
	// 25x against a 5% initial margin requirement.
	if _, err := e.engine.OpenPosition(m, pos(alice), model.SideBuy, d(100), d(25), decimal.Zero, false, t1); err != ErrInvalidLeverage {
		t.Errorf("expected ErrInvalidLeverage, got %v", err)
	}
}

// --- Margin ratio ---

func TestMarginRatio_FreshPosition(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	p := pos(alice)
	e.engine.OpenPosition(m, p, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)

	ratio, err := MarginRatio(m, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "margin ratio", ratio, d(0.1))
}

func TestMarginRatio_LongUnderwater(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	ap, bp := pos(alice), pos(bob)
	e.engine.OpenPosition(m, ap, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)
	e.engine.OpenPosition(m, bp, model.SideSell, d(150), d(10), decimal.Zero, false, t1)

	ratio, err := MarginRatio(m, ap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "margin ratio", ratio, d(-0.134297520661157024))
}

func TestMarginRatio_ShortUnderwater(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	ap, bp := pos(alice), pos(bob)
	e.engine.OpenPosition(m, ap, model.SideSell, d(250), d(10), decimal.Zero, false, t1)
	e.engine.OpenPosition(m, bp, model.SideBuy, d(150), d(10), decimal.Zero, false, t1)

	ratio, err := MarginRatio(m, ap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "margin ratio", ratio, d(-0.287037037037037037))
}

func TestMarginRatio_WithFunding(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	p := pos(alice)
	e.engine.OpenPosition(m, p, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)

	// One settled window where longs pay 0.125 per base.
	m.CumulativePremiumFractions = append(m.CumulativePremiumFractions, d(0.125))

	ratio, err := MarginRatio(m, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "margin ratio", ratio, d(0.09))
}

// --- Lazy funding settlement ---

func TestSettleFunding_LongPays(t *testing.T) {
	m := newMarket()
	m.CumulativePremiumFractions = []decimal.Decimal{d(0.01)}
	p := &model.Position{MarketSymbol: symbol, Trader: alice, Size: d(37.5), Margin: d(300)}

	payment := SettleFunding(m, p)
	approx(t, "payment", payment, d(0.375))
	approx(t, "margin", p.Margin, d(299.625))
	if !p.LastPremiumFraction.Equal(d(0.01)) {
		t.Errorf("expected last fraction 0.01, got %s", p.LastPremiumFraction)
	}
}

func TestSettleFunding_ShortReceives(t *testing.T) {
	m := newMarket()
	m.CumulativePremiumFractions = []decimal.Decimal{d(0.01)}
	p := &model.Position{MarketSymbol: symbol, Trader: bob, Size: d(-187.5), Margin: d(1200)}

	payment := SettleFunding(m, p)
	approx(t, "payment", payment, d(-1.875))
	approx(t, "margin", p.Margin, d(1201.875))
}

func TestSettleFunding_MarginMayGoNegative(t *testing.T) {
	m := newMarket()
	m.CumulativePremiumFractions = []decimal.Decimal{d(-0.5)}
	p := &model.Position{MarketSymbol: symbol, Trader: alice, Size: d(-150), Margin: d(300)}

	payment := SettleFunding(m, p)
	approx(t, "payment", payment, d(75))
	approx(t, "margin", p.Margin, d(225))

	m.CumulativePremiumFractions = append(m.CumulativePremiumFractions, d(-2))
	SettleFunding(m, p)
	approx(t, "margin", p.Margin, d(0))
	if !p.VisibleMargin().IsZero() {
		t.Errorf("expected visible margin 0, got %s", p.VisibleMargin())
	}
}

// --- Reduce ---

func TestOpenPosition_ReduceShort(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	p := pos(alice)
	e.engine.OpenPosition(m, p, model.SideSell, d(200), d(5), decimal.Zero, false, t1)

	if _, err := e.engine.OpenPosition(m, p, model.SideBuy, d(100), d(5), decimal.Zero, false, t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "size", p.Size, d(-11.111111111111111111))
	approx(t, "margin", p.Margin, d(40))
	approx(t, "open notional", p.OpenNotional, d(100))
	approx(t, "open interest", m.OpenInterestNotional, d(100))
	approx(t, "quote reserve", m.QuoteReserve, d(900))
}

func TestOpenPosition_ReduceUnderwaterLong(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	ap, bp := pos(alice), pos(bob)
	e.engine.OpenPosition(m, ap, model.SideBuy, d(250.008), d(2.841), decimal.Zero, false, t1)
	approx(t, "margin after open", ap.Margin, d(88))
	e.engine.OpenPosition(m, bp, model.SideSell, d(250), d(1), decimal.Zero, false, t1)

	// Underwater but the reduction leaves the ratio above maintenance.
	ch, err := e.engine.OpenPosition(m, ap, model.SideSell, d(150), d(1), decimal.Zero, false, t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "size", ap.Size, d(2.353760435608511085))
	approx(t, "margin", ap.Margin, d(14.471986140208919751))
	approx(t, "realized pnl", ch.RealizedPnl, d(-73.528013859791080249))
	notional, _, err := NotionalAndPnl(m, ap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "position notional", notional, d(16.672666683555438214))
}

func TestOpenPosition_UnderwaterRejected(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	ap, bp := pos(alice), pos(bob)
	e.engine.OpenPosition(m, ap, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)
	e.engine.OpenPosition(m, bp, model.SideSell, d(250), d(1), decimal.Zero, false, t1)

	if _, err := e.engine.OpenPosition(m.Clone(), ap.Clone(), model.SideBuy, d(1), d(1), decimal.Zero, false, t1); err != ErrBelowInitMargin {
		t.Errorf("expected ErrBelowInitMargin, got %v", err)
	}
	if _, err := e.engine.OpenPosition(m.Clone(), ap.Clone(), model.SideSell, d(1), d(1), decimal.Zero, false, t1); err != ErrBelowMaintenance {
		t.Errorf("expected ErrBelowMaintenance, got %v", err)
	}
}

// --- Reverse ---

func TestOpenPosition_Reverse(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	p := pos(alice)
	e.engine.OpenPosition(m, p, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)

	if _, err := e.engine.OpenPosition(m, p, model.SideSell, d(450), d(1), decimal.Zero, false, t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "size", p.Size, d(-25))
	approx(t, "margin", p.Margin, d(200))
	approx(t, "open notional", p.OpenNotional, d(200))
	approx(t, "open interest", m.OpenInterestNotional, d(200))
	approx(t, "base asset delta", m.BaseAssetDelta, d(-25))
	// 25 freed from the long, 200 posted for the new short.
	approx(t, "alice balance", e.ledger.BalanceOf(alice), d(1800))
}

// --- Caps ---

func TestOpenPosition_OpenInterestCap(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	m.OpenInterestCap = d(600)
	ap := pos(alice)

	if _, err := e.engine.OpenPosition(m, ap, model.SideBuy, d(600), d(1), decimal.Zero, false, t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.engine.OpenPosition(m.Clone(), pos(bob), model.SideBuy, d(1), d(1), decimal.Zero, false, t1); err != ErrOverLimit {
		t.Errorf("expected ErrOverLimit, got %v", err)
	}
	// Whitelisted traders bypass the cap.
	if _, err := e.engine.OpenPosition(m.Clone(), pos(bob), model.SideBuy, d(50), d(1), decimal.Zero, true, t1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// Reducing is always allowed above the cap.
	if _, err := e.engine.OpenPosition(m, ap, model.SideSell, d(300), d(1), decimal.Zero, false, t1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	approx(t, "open interest", m.OpenInterestNotional, d(300))
}

func TestOpenPosition_HoldingCap(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	m.MaxHoldingBase = d(37.5)
	p := pos(alice)

	// Exactly at the cap.
	if _, err := e.engine.OpenPosition(m, p, model.SideBuy, d(600), d(10), decimal.Zero, false, t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.engine.OpenPosition(m, p, model.SideBuy, d(10), d(1), decimal.Zero, false, t1); err != ErrOverLimit {
		t.Errorf("expected ErrOverLimit, got %v", err)
	}
}

// --- Close ---

func TestClosePosition(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	ap, bp := pos(alice), pos(bob)
	e.engine.OpenPosition(m, ap, model.SideSell, d(100), d(2), d(11.12), false, t1)
	e.engine.OpenPosition(m, bp, model.SideBuy, d(60), d(6), decimal.Zero, false, t1)
	approx(t, "quote reserve", m.QuoteReserve, d(960))

	ch, err := e.engine.ClosePosition(m, ap, decimal.Zero, t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ap.Size.IsZero() || !ap.Margin.IsZero() || !ap.OpenNotional.IsZero() {
		t.Errorf("expected flat position, got size=%s margin=%s notional=%s", ap.Size, ap.Margin, ap.OpenNotional)
	}
	approx(t, "realized pnl", ch.RealizedPnl, d(-14.626865671641791))
	approx(t, "quote reserve", m.QuoteReserve, d(1074.626865671641791))
	approx(t, "alice balance", e.ledger.BalanceOf(alice), d(1985.373134328358209))
}

func TestClosePosition_SlippageLong(t *testing.T) {
	setup := func() (*env, *model.Market, *model.Position) {
		e := newEnv(t)
		m := newMarket()
		ap := pos(alice)
		e.engine.OpenPosition(m, ap, model.SideBuy, d(100), d(1), decimal.Zero, false, t1)
		e.engine.OpenPosition(m, pos(bob), model.SideBuy, d(100), d(1), decimal.Zero, false, t1)
		return e, m, ap
	}

	e, m, ap := setup()
	ch, err := e.engine.ClosePosition(m, ap, d(118), t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "exchanged quote", ch.PositionNotional, d(118.032786885245902))

	e, m, ap = setup()
	if _, err := e.engine.ClosePosition(m, ap, d(119), t1); err == nil {
		t.Error("expected slippage error closing long below limit")
	}
}

func TestClosePosition_SlippageShort(t *testing.T) {
	setup := func() (*env, *model.Market, *model.Position) {
		e := newEnv(t)
		m := newMarket()
		ap := pos(alice)
		e.engine.OpenPosition(m, ap, model.SideSell, d(100), d(1), decimal.Zero, false, t1)
		e.engine.OpenPosition(m, pos(bob), model.SideSell, d(100), d(1), decimal.Zero, false, t1)
		return e, m, ap
	}

	e, m, ap := setup()
	ch, err := e.engine.ClosePosition(m, ap, d(79), t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "exchanged quote", ch.PositionNotional, d(78.048780487804878))

	e, m, ap = setup()
	if _, err := e.engine.ClosePosition(m, ap, d(78), t1); err == nil {
		t.Error("expected slippage error closing short above limit")
	}
}

func TestClosePosition_BadDebtRefused(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	ap, bp := pos(alice), pos(bob)
	e.engine.OpenPosition(m, ap, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)
	e.engine.OpenPosition(m, bp, model.SideSell, d(250), d(1), decimal.Zero, false, t1)

	if _, err := e.engine.ClosePosition(m, ap, decimal.Zero, t1); err != ErrBadDebt {
		t.Errorf("expected ErrBadDebt, got %v", err)
	}
}

// --- Margin ops ---

func TestAddMargin(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	p := pos(alice)
	e.engine.OpenPosition(m, p, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)

	if _, err := e.engine.AddMargin(m, p, d(80), t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "margin", p.Margin, d(105))
	approx(t, "vault", e.ledger.BalanceOf(bank.VaultAccount(symbol)), d(105))
}

func TestAddMargin_NetsLatentDebt(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	p := &model.Position{MarketSymbol: symbol, Trader: alice, Size: d(-150), Margin: d(-2550), OpenNotional: d(7500)}

	if _, err := e.engine.AddMargin(m, p, d(10), t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "internal margin", p.Margin, d(-2540))
	if !p.VisibleMargin().IsZero() {
		t.Errorf("expected visible margin 0, got %s", p.VisibleMargin())
	}
}

func TestRemoveMargin(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	p := pos(alice)
	e.engine.OpenPosition(m, p, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)

	// A settled window where longs received a large funding gain; the vault
	// was credited when the window settled.
	m.CumulativePremiumFractions = append(m.CumulativePremiumFractions, d(-51.25))
	e.ledger.Mint(bank.VaultAccount(symbol), d(1025))

	if _, err := e.engine.RemoveMargin(m, p, d(400), t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "margin", p.Margin, d(650))
	approx(t, "alice balance", e.ledger.BalanceOf(alice), d(2375))
}

func TestRemoveMargin_Rejections(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	ap, bp := pos(alice), pos(bob)
	e.engine.OpenPosition(m, ap, model.SideBuy, d(250), d(10), decimal.Zero, false, t1)

	if _, err := e.engine.RemoveMargin(m, ap, d(26), t1); err != ErrMarginNotEnough {
		t.Errorf("expected ErrMarginNotEnough, got %v", err)
	}

	e.engine.OpenPosition(m, bp, model.SideSell, d(250), d(1), decimal.Zero, false, t1)
	if _, err := e.engine.RemoveMargin(m, ap, d(1), t1); err != ErrMarginNotEnough {
		t.Errorf("expected ErrMarginNotEnough for underwater position, got %v", err)
	}
}

// --- Fees ---

func TestOpenPosition_SpreadFee(t *testing.T) {
	e := newEnv(t)
	m := newMarket()
	m.SpreadRatio = d(0.003)
	p := pos(alice)

	ch, err := e.engine.OpenPosition(m, p, model.SideBuy, d(600), d(10), decimal.Zero, false, t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	approx(t, "fee", ch.Fee, d(1.8))
	approx(t, "alice balance", e.ledger.BalanceOf(alice), d(1938.2))
	nr, _ := e.fund.NetRevenueSince(symbol)
	approx(t, "net revenue", nr, d(1.8))
	approx(t, "insurance", e.fund.InsuranceBalance(), d(1.8))
}
