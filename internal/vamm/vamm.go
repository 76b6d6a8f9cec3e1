// Package vamm implements the virtual constant-product market maker used to
// price perpetual futures against virtual reserves.
//
// The curve holds no custody: reserves Q (quote) and B (base) are bookkeeping
// values satisfying Q * B = K. Swaps move along the curve; fees never touch
// the reserves; K changes only through explicit repeg or K adjustment.
//
// All monetary values use shopspring/decimal — never float64 for money.
package vamm

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned when a swap amount is zero or negative.
	ErrInvalidAmount = errors.New("vamm: swap amount must be positive")

	// ErrInsufficientLiquidity is returned when a swap would drain a
	// reserve to zero or below.
	ErrInsufficientLiquidity = errors.New("vamm: insufficient virtual liquidity")

	// ErrOverTradeLimit is returned when a single swap exceeds the
	// per-trade reserve fraction limit.
	ErrOverTradeLimit = errors.New("vamm: amount exceeds trade limit")

	// ErrFluctuationLimitExceeded is returned when a swap would move the
	// spot price beyond the fluctuation limit relative to the last snapshot.
	ErrFluctuationLimitExceeded = errors.New("vamm: price fluctuation limit exceeded")

	// ErrSlippageLimitBreached is returned when the swap result falls
	// outside the caller's limit amount.
	ErrSlippageLimitBreached = errors.New("vamm: slippage limit breached")

	// ErrInvalidScale is returned when a K adjustment scale is not positive.
	ErrInvalidScale = errors.New("vamm: scale must be positive")
)

// SwapInput trades an exact quote amount against the curve and returns the
// base amount moved. SideBuy pushes quote in and pulls base out (long);
// SideSell pulls quote out and pushes base in (short).
//
// baseLimit bounds slippage when non-zero: minimum base received on a buy,
// maximum base given on a sell. Reserves are mutated and a snapshot appended
// on success.
func SwapInput(m *model.Market, side string, quoteAmount, baseLimit decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !quoteAmount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := checkTradeLimit(m, quoteAmount, m.QuoteReserve); err != nil {
		return decimal.Zero, err
	}

	k := m.K()
	var newQuote decimal.Decimal
	if side == model.SideBuy {
		newQuote = m.QuoteReserve.Add(quoteAmount)
	} else {
		newQuote = m.QuoteReserve.Sub(quoteAmount)
		if !newQuote.IsPositive() {
			return decimal.Zero, ErrInsufficientLiquidity
		}
	}
	newBase := k.Div(newQuote)
	baseDelta := m.BaseReserve.Sub(newBase).Abs()

	if !baseLimit.IsZero() {
		if side == model.SideBuy && baseDelta.LessThan(baseLimit) {
			return decimal.Zero, ErrSlippageLimitBreached
		}
		if side == model.SideSell && baseDelta.GreaterThan(baseLimit) {
			return decimal.Zero, ErrSlippageLimitBreached
		}
	}

	if err := checkFluctuation(m, newQuote, newBase); err != nil {
		return decimal.Zero, err
	}

	m.QuoteReserve = newQuote
	m.BaseReserve = newBase
	m.Snapshot(now)
	return baseDelta, nil
}

// SwapOutput trades an exact base amount against the curve and returns the
// quote amount moved. SideBuy pulls base out of the curve (used to close a
// short); SideSell pushes base in (used to close a long).
//
// quoteLimit bounds slippage when non-zero: maximum quote paid on a buy,
// minimum quote received on a sell.
func SwapOutput(m *model.Market, side string, baseAmount, quoteLimit decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !baseAmount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := checkTradeLimit(m, baseAmount, m.BaseReserve); err != nil {
		return decimal.Zero, err
	}

	k := m.K()
	var newBase decimal.Decimal
	if side == model.SideBuy {
		newBase = m.BaseReserve.Sub(baseAmount)
		if !newBase.IsPositive() {
			return decimal.Zero, ErrInsufficientLiquidity
		}
	} else {
		newBase = m.BaseReserve.Add(baseAmount)
	}
	newQuote := k.Div(newBase)
	quoteDelta := m.QuoteReserve.Sub(newQuote).Abs()

	if !quoteLimit.IsZero() {
		if side == model.SideBuy && quoteDelta.GreaterThan(quoteLimit) {
			return decimal.Zero, ErrSlippageLimitBreached
		}
		if side == model.SideSell && quoteDelta.LessThan(quoteLimit) {
			return decimal.Zero, ErrSlippageLimitBreached
		}
	}

	if err := checkFluctuation(m, newQuote, newBase); err != nil {
		return decimal.Zero, err
	}

	m.QuoteReserve = newQuote
	m.BaseReserve = newBase
	m.Snapshot(now)
	return quoteDelta, nil
}

// QuoteOutputForBase quotes the quote amount a base-side swap would move
// without mutating the reserves. Used for mark-to-market valuation.
func QuoteOutputForBase(m *model.Market, side string, baseAmount decimal.Decimal) (decimal.Decimal, error) {
	if !baseAmount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	k := m.K()
	var newBase decimal.Decimal
	if side == model.SideBuy {
		newBase = m.BaseReserve.Sub(baseAmount)
		if !newBase.IsPositive() {
			return decimal.Zero, ErrInsufficientLiquidity
		}
	} else {
		newBase = m.BaseReserve.Add(baseAmount)
	}
	return m.QuoteReserve.Sub(k.Div(newBase)).Abs(), nil
}

// checkTradeLimit enforces the per-trade size bound: amount must not exceed
// TradeLimitRatio of the reserve it trades against. Zero ratio disables it.
func checkTradeLimit(m *model.Market, amount, reserve decimal.Decimal) error {
	if m.TradeLimitRatio.IsZero() {
		return nil
	}
	if amount.GreaterThan(m.TradeLimitRatio.Mul(reserve)) {
		return ErrOverTradeLimit
	}
	return nil
}

// checkFluctuation enforces the price fluctuation bound relative to the
// latest reserve snapshot. Zero ratio disables it.
func checkFluctuation(m *model.Market, newQuote, newBase decimal.Decimal) error {
	if m.FluctuationLimitRatio.IsZero() || len(m.ReserveSnapshots) == 0 {
		return nil
	}
	last := m.ReserveSnapshots[len(m.ReserveSnapshots)-1]
	basePrice := last.QuoteReserve.Div(last.BaseReserve)
	newPrice := newQuote.Div(newBase)
	move := newPrice.Sub(basePrice).Abs().Div(basePrice)
	if move.GreaterThan(m.FluctuationLimitRatio) {
		return ErrFluctuationLimitExceeded
	}
	return nil
}

// MarkTwap returns the time-weighted mark price over the trailing interval,
// computed from reserve snapshots. Each snapshot's price is weighted by how
// long it stood; the window is clipped at interval. Falls back to spot when
// no snapshots exist.
func MarkTwap(m *model.Market, interval time.Duration, now time.Time) decimal.Decimal {
	if len(m.ReserveSnapshots) == 0 || interval <= 0 {
		return m.SpotPrice()
	}
	cutoff := now.Add(-interval)

	weightedSum := decimal.Zero
	totalWeight := decimal.Zero
	end := now
	for i := len(m.ReserveSnapshots) - 1; i >= 0; i-- {
		snap := m.ReserveSnapshots[i]
		price := snap.QuoteReserve.Div(snap.BaseReserve)
		start := snap.Timestamp
		if start.Before(cutoff) {
			start = cutoff
		}
		if !end.After(start) {
			break
		}
		weight := decimal.NewFromInt(int64(end.Sub(start) / time.Second))
		weightedSum = weightedSum.Add(price.Mul(weight))
		totalWeight = totalWeight.Add(weight)
		if !snap.Timestamp.After(cutoff) {
			break
		}
		end = snap.Timestamp
	}
	if totalWeight.IsZero() {
		return m.SpotPrice()
	}
	return weightedSum.Div(totalWeight)
}

// ExposureValue returns the quote value owed to traders by reserves (q, b)
// given the traders' aggregate signed base exposure delta: the quote the
// curve would pay out if the entire net exposure were closed at once.
//
//	value = q*b/(b + delta) - q
func ExposureValue(quote, base, delta decimal.Decimal) decimal.Decimal {
	return quote.Mul(base).Div(base.Add(delta)).Sub(quote)
}

// RecenterCost returns the quote cost of moving the market's reserves to
// (newQuote, newBase) while traders hold the current aggregate exposure.
// Positive cost means the move is paid for by the system; negative cost is
// a gain.
func RecenterCost(m *model.Market, newQuote, newBase decimal.Decimal) decimal.Decimal {
	before := ExposureValue(m.QuoteReserve, m.BaseReserve, m.BaseAssetDelta)
	after := ExposureValue(newQuote, newBase, m.BaseAssetDelta)
	return before.Sub(after)
}

// RepegCost returns the cost of setting the quote reserve to newQuote while
// holding the base reserve fixed.
func RepegCost(m *model.Market, newQuote decimal.Decimal) (decimal.Decimal, error) {
	if !newQuote.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return RecenterCost(m, newQuote, m.BaseReserve), nil
}

// Repeg moves the quote reserve to newQuote, keeping the base reserve, and
// returns the cost. The caller funds a positive cost before committing.
func Repeg(m *model.Market, newQuote decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	cost, err := RepegCost(m, newQuote)
	if err != nil {
		return decimal.Zero, err
	}
	m.QuoteReserve = newQuote
	m.Snapshot(now)
	return cost, nil
}

// RepegToPrice moves the quote reserve so the spot price equals price,
// keeping the base reserve.
func RepegToPrice(m *model.Market, price decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return Repeg(m, price.Mul(m.BaseReserve), now)
}

// ScaleCost returns the cost of multiplying both reserves by scale, which
// scales K by scale squared and leaves the spot price unchanged.
func ScaleCost(m *model.Market, scale decimal.Decimal) (decimal.Decimal, error) {
	if !scale.IsPositive() {
		return decimal.Zero, ErrInvalidScale
	}
	return RecenterCost(m, m.QuoteReserve.Mul(scale), m.BaseReserve.Mul(scale)), nil
}

// ScaleReserves multiplies both reserves by scale and returns the cost.
func ScaleReserves(m *model.Market, scale decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	cost, err := ScaleCost(m, scale)
	if err != nil {
		return decimal.Zero, err
	}
	m.QuoteReserve = m.QuoteReserve.Mul(scale)
	m.BaseReserve = m.BaseReserve.Mul(scale)
	m.Snapshot(now)
	return cost, nil
}
