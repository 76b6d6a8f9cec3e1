package vamm

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// newMarket returns a market with the genesis reserves and no limits.
func newMarket() *model.Market {
	m := &model.Market{
		Symbol:       "BAYC-ETH-PERP",
		QuoteReserve: d(1000),
		BaseReserve:  d(100),
		Open:         true,
	}
	m.Snapshot(t0)
	return m
}

// --- Swap tests ---

func TestSwapInput_BuyMovesReserves(t *testing.T) {
	m := newMarket()
	base, err := SwapInput(m, model.SideBuy, d(600), decimal.Zero, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !base.Equal(d(37.5)) {
		t.Errorf("expected base out 37.5, got %s", base)
	}
	if !m.QuoteReserve.Equal(d(1600)) || !m.BaseReserve.Equal(d(62.5)) {
		t.Errorf("expected reserves (1600, 62.5), got (%s, %s)", m.QuoteReserve, m.BaseReserve)
	}
}

func TestSwapInput_PreservesK(t *testing.T) {
	m := newMarket()
	k := m.K()
	if _, err := SwapInput(m, model.SideBuy, d(600), decimal.Zero, t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.K().Equal(k) {
		t.Errorf("K changed by swap: before=%s after=%s", k, m.K())
	}
}

func TestSwapInput_SellPullsQuote(t *testing.T) {
	m := newMarket()
	base, err := SwapInput(m, model.SideSell, d(200), decimal.Zero, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 1000 -> 800 quote; base 100 -> 125, trader shorts 25.
	if !base.Equal(d(25)) {
		t.Errorf("expected base in 25, got %s", base)
	}
	if !m.QuoteReserve.Equal(d(800)) || !m.BaseReserve.Equal(d(125)) {
		t.Errorf("expected reserves (800, 125), got (%s, %s)", m.QuoteReserve, m.BaseReserve)
	}
}

func TestSwapInput_RoundTrip(t *testing.T) {
	m := newMarket()
	base, err := SwapInput(m, model.SideBuy, d(600), decimal.Zero, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	quote, err := SwapOutput(m, model.SideSell, base, decimal.Zero, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !quote.Equal(d(600)) {
		t.Errorf("round trip should return 600 quote, got %s", quote)
	}
	if !m.QuoteReserve.Equal(d(1000)) || !m.BaseReserve.Equal(d(100)) {
		t.Errorf("reserves should return to genesis, got (%s, %s)", m.QuoteReserve, m.BaseReserve)
	}
}

func TestSwapInput_ZeroAmount(t *testing.T) {
	m := newMarket()
	if _, err := SwapInput(m, model.SideBuy, d(0), decimal.Zero, t0); err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSwapInput_DrainsQuote(t *testing.T) {
	m := newMarket()
	if _, err := SwapInput(m, model.SideSell, d(1000), decimal.Zero, t0); err != ErrInsufficientLiquidity {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestSwapOutput_DrainsBase(t *testing.T) {
	m := newMarket()
	if _, err := SwapOutput(m, model.SideBuy, d(100), decimal.Zero, t0); err != ErrInsufficientLiquidity {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestSwapInput_SlippageLimit(t *testing.T) {
	m := newMarket()
	// Buying 600 yields 37.5 base; demanding at least 40 must fail.
	if _, err := SwapInput(m, model.SideBuy, d(600), d(40), t0); err != ErrSlippageLimitBreached {
		t.Errorf("expected ErrSlippageLimitBreached, got %v", err)
	}
	// Selling 200 quote takes 25 base; capping at 20 must fail.
	if _, err := SwapInput(m, model.SideSell, d(200), d(20), t0); err != ErrSlippageLimitBreached {
		t.Errorf("expected ErrSlippageLimitBreached, got %v", err)
	}
	// Within limits both pass.
	if _, err := SwapInput(m, model.SideBuy, d(600), d(37.5), t0); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSwapInput_TradeLimit(t *testing.T) {
	m := newMarket()
	m.TradeLimitRatio = d(0.5)
	if _, err := SwapInput(m, model.SideBuy, d(600), decimal.Zero, t0); err != ErrOverTradeLimit {
		t.Errorf("expected ErrOverTradeLimit, got %v", err)
	}
	if _, err := SwapInput(m, model.SideBuy, d(500), decimal.Zero, t0); err != nil {
		t.Errorf("trade at the limit should pass, got %v", err)
	}
}

func TestSwapInput_FluctuationLimit(t *testing.T) {
	m := newMarket()
	m.FluctuationLimitRatio = d(0.1)
	// 600 quote in moves spot 10 -> 25.6, far past 10%.
	if _, err := SwapInput(m, model.SideBuy, d(600), decimal.Zero, t0); err != ErrFluctuationLimitExceeded {
		t.Errorf("expected ErrFluctuationLimitExceeded, got %v", err)
	}
	// A small trade stays inside the band.
	if _, err := SwapInput(m, model.SideBuy, d(40), decimal.Zero, t0); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestQuoteOutputForBase_DoesNotMutate(t *testing.T) {
	m := newMarket()
	quote, err := QuoteOutputForBase(m, model.SideSell, d(25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !quote.Equal(d(200)) {
		t.Errorf("expected 200 quote for 25 base in, got %s", quote)
	}
	if !m.QuoteReserve.Equal(d(1000)) || !m.BaseReserve.Equal(d(100)) {
		t.Errorf("reserves mutated by quote call: (%s, %s)", m.QuoteReserve, m.BaseReserve)
	}
}

// --- TWAP tests ---

func TestMarkTwap_NoSnapshots(t *testing.T) {
	m := &model.Market{QuoteReserve: d(1000), BaseReserve: d(100)}
	twap := MarkTwap(m, time.Hour, t0)
	if !twap.Equal(d(10)) {
		t.Errorf("expected spot fallback 10, got %s", twap)
	}
}

func TestMarkTwap_WeightsByDuration(t *testing.T) {
	m := newMarket()
	// Price 10 for 30m, then price 16 for 30m.
	if _, err := SwapInput(m, model.SideBuy, d(600), decimal.Zero, t0.Add(30*time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := t0.Add(time.Hour)
	twap := MarkTwap(m, time.Hour, now)
	expected := d(10).Add(d(25.6)).Div(d(2))
	if !twap.Equal(expected) {
		t.Errorf("expected twap %s, got %s", expected, twap)
	}
}

func TestMarkTwap_ClipsAtInterval(t *testing.T) {
	m := newMarket()
	// Old price 10 outside the window, price 25.6 for the whole window.
	if _, err := SwapInput(m, model.SideBuy, d(600), decimal.Zero, t0.Add(time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := t0.Add(2 * time.Hour)
	twap := MarkTwap(m, time.Hour, now)
	if !twap.Equal(d(25.6)) {
		t.Errorf("expected twap 25.6, got %s", twap)
	}
}

// --- Recentering tests ---

// Fixture: after a 200-quote short from genesis the reserves sit at
// (800, 125) and traders are net short 25 base.
func recenterMarket() *model.Market {
	m := newMarket()
	m.QuoteReserve = d(800)
	m.BaseReserve = d(125)
	m.BaseAssetDelta = d(-25)
	return m
}

func TestExposureValue(t *testing.T) {
	// K/(B+d) - Q = 100000/100 - 800 = 200.
	v := ExposureValue(d(800), d(125), d(-25))
	if !v.Equal(d(200)) {
		t.Errorf("expected exposure value 200, got %s", v)
	}
}

func TestRepeg_CostAgainstNetShort(t *testing.T) {
	m := recenterMarket()
	cost, err := Repeg(m, d(900), t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Raising the price against net shorts is a gain for the system.
	if !cost.Equal(d(-25)) {
		t.Errorf("expected cost -25, got %s", cost)
	}
	if !m.QuoteReserve.Equal(d(900)) || !m.BaseReserve.Equal(d(125)) {
		t.Errorf("expected reserves (900, 125), got (%s, %s)", m.QuoteReserve, m.BaseReserve)
	}
}

func TestRepegToPrice_SetsSpotExactly(t *testing.T) {
	m := recenterMarket()
	if _, err := RepegToPrice(m, d(7.2), t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.SpotPrice().Equal(d(7.2)) {
		t.Errorf("expected spot 7.2, got %s", m.SpotPrice())
	}
}

func TestScaleReserves_Cost(t *testing.T) {
	m := recenterMarket()
	cost, err := ScaleReserves(m, d(1.1), t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Deepening the curve against net shorts costs 40/9.
	expected := d(40).Div(d(9))
	if cost.Sub(expected).Abs().GreaterThan(d(0.000000000001)) {
		t.Errorf("expected cost %s, got %s", expected, cost)
	}
	if !m.QuoteReserve.Equal(d(880)) || !m.BaseReserve.Equal(d(137.5)) {
		t.Errorf("expected reserves (880, 137.5), got (%s, %s)", m.QuoteReserve, m.BaseReserve)
	}
}

func TestScaleReserves_PreservesSpot(t *testing.T) {
	m := recenterMarket()
	spot := m.SpotPrice()
	if _, err := ScaleReserves(m, d(1.1), t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.SpotPrice().Equal(spot) {
		t.Errorf("scale changed spot: before=%s after=%s", spot, m.SpotPrice())
	}
}

func TestScaleReserves_InvalidScale(t *testing.T) {
	m := recenterMarket()
	if _, err := ScaleReserves(m, d(0), t0); err != ErrInvalidScale {
		t.Errorf("expected ErrInvalidScale, got %v", err)
	}
}
