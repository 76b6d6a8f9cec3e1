// Package funding settles funding windows: it computes the premium fraction
// between the mark TWAP and the oracle TWAP, books the curve's funding gain
// or loss against the waterfall, and recenters the curve when policy allows.
//
// Positions are NOT touched here. They settle lazily against the appended
// cumulative premium fraction the next time they are mutated.
package funding

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/bank"
	"github.com/tribevault/clearing-engine/internal/model"
	"github.com/tribevault/clearing-engine/internal/oracle"
	"github.com/tribevault/clearing-engine/internal/vamm"
	"github.com/tribevault/clearing-engine/internal/waterfall"
)

var (
	// ErrTooEarly is returned when the funding window has not elapsed.
	ErrTooEarly = errors.New("funding: next funding time not reached")

	// ErrMarketClosed is returned for markets flagged closed.
	ErrMarketClosed = errors.New("funding: market is closed")
)

// defaultReferencePeriod normalizes the premium to a daily rate when the
// market does not set its own reference period.
const defaultReferencePeriod = 24 * time.Hour

// lowerKScale is the reserve scale applied when a funding loss cannot be
// covered and the market may shrink its curve.
var lowerKScale = decimal.NewFromFloat(0.999)

var one = decimal.NewFromInt(1)

// Engine wires the waterfall and the oracle feed into funding settlement.
type Engine struct {
	fund *waterfall.Fund
	feed *oracle.Feed
}

// NewEngine returns a funding engine.
func NewEngine(fund *waterfall.Fund, feed *oracle.Feed) *Engine {
	return &Engine{fund: fund, feed: feed}
}

// Settle runs one funding window for the market at the given time. It
// mutates the market (cumulative premium fractions, possibly reserves) and
// moves quote through the waterfall; the caller is responsible for working
// on a clone and committing it afterwards.
func (e *Engine) Settle(m *model.Market, now time.Time) (*model.FundingRecord, error) {
	if !m.Open {
		return nil, ErrMarketClosed
	}
	if now.Before(m.NextFundingTime) {
		return nil, ErrTooEarly
	}

	markTwap := vamm.MarkTwap(m, m.FundingPeriod, now)
	oracleTwap, err := e.feed.Twap(m.OracleKey, m.FundingPeriod, now)
	if err != nil {
		return nil, fmt.Errorf("funding: oracle twap for %s: %w", m.Symbol, err)
	}
	vault := bank.VaultAccount(m.Symbol)

	// Divergence guard: when the oracle has run away from the mark, repeg
	// the curve onto the oracle price before pricing the premium.
	if m.RepegPriceGapRatio.IsPositive() && markTwap.IsPositive() {
		gap := oracleTwap.Sub(markTwap).Abs().Div(markTwap)
		if gap.GreaterThan(m.RepegPriceGapRatio) {
			if err := e.repegToOracle(m, vault, oracleTwap, now); err != nil {
				return nil, err
			}
		}
	}

	ref := m.ReferencePeriod
	if ref <= 0 {
		ref = defaultReferencePeriod
	}
	fraction := markTwap.Sub(oracleTwap).
		Mul(decimal.NewFromInt(int64(m.FundingPeriod / time.Second))).
		Div(decimal.NewFromInt(int64(ref / time.Second)))

	// Net quote traders owe the system this window. Negative is a loss the
	// waterfall has to carry.
	pnl := fraction.Mul(m.BaseAssetDelta)

	switch {
	case pnl.IsPositive():
		if err := e.settleGain(m, vault, pnl, now); err != nil {
			return nil, err
		}
	case pnl.IsNegative():
		fraction, err = e.settleLoss(m, vault, fraction, pnl.Neg(), now)
		if err != nil {
			return nil, err
		}
		pnl = fraction.Mul(m.BaseAssetDelta)
	}

	m.CumulativePremiumFractions = append(m.CumulativePremiumFractions,
		m.LatestCumulativePremiumFraction().Add(fraction))
	m.NextFundingTime = now.Add(m.FundingPeriod)
	e.fund.ResetNetRevenue(m.Symbol)

	return &model.FundingRecord{
		MarketSymbol:    m.Symbol,
		PremiumFraction: fraction,
		MarkTwap:        markTwap,
		OracleTwap:      oracleTwap,
		CurvePnl:        pnl,
		Timestamp:       now,
	}, nil
}

// repegToOracle moves the spot price onto the oracle TWAP. A positive cost
// is drawn from the waterfall; when it cannot be covered the repeg is
// skipped. A negative cost is distributed as revenue.
func (e *Engine) repegToOracle(m *model.Market, vault string, oracleTwap decimal.Decimal, now time.Time) error {
	newQuote := oracleTwap.Mul(m.BaseReserve)
	cost, err := vamm.RepegCost(m, newQuote)
	if err != nil {
		return fmt.Errorf("funding: repeg %s: %w", m.Symbol, err)
	}
	if cost.IsPositive() {
		if err := e.fund.Draw(m.Symbol, vault, bank.Round(cost)); err != nil {
			if errors.Is(err, waterfall.ErrInsufficientBudget) {
				return nil
			}
			return err
		}
	}
	if _, err := vamm.Repeg(m, newQuote, now); err != nil {
		return err
	}
	if cost.IsNegative() {
		return e.fund.DistributeRevenue(m.Symbol, vault, bank.Round(cost.Neg()))
	}
	return nil
}

// settleGain books a funding gain. Adjustable markets plough it into a
// deeper curve; the rest is distributed as revenue.
func (e *Engine) settleGain(m *model.Market, vault string, gain decimal.Decimal, now time.Time) error {
	spent := decimal.Zero
	if m.Adjustable {
		budget := gain.Mul(m.FundingRevenueTakeRate)
		if scale := increaseScale(m, budget); scale.GreaterThan(one) {
			cost, err := vamm.ScaleReserves(m, scale, now)
			if err != nil {
				return err
			}
			spent = cost
		}
	}
	remainder := bank.Round(gain.Sub(spent))
	if remainder.IsPositive() {
		return e.fund.DistributeRevenue(m.Symbol, vault, remainder)
	}
	return nil
}

// settleLoss books a funding loss and returns the (possibly capped) premium
// fraction. The loss budget is the market's fee revenue this window for
// adjustable markets, and the whole available waterfall budget otherwise.
// A loss beyond the budget caps the fraction proportionally; adjustable
// markets that may lower K shrink the curve in compensation.
func (e *Engine) settleLoss(m *model.Market, vault string, fraction, loss decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	var budget decimal.Decimal
	if m.Adjustable {
		nr, err := e.fund.NetRevenueSince(m.Symbol)
		if err != nil {
			return fraction, err
		}
		budget = decimal.Max(decimal.Zero, nr).Mul(m.FundingCostCoverRate)
	} else {
		var err error
		budget, err = e.fund.AvailableBudgetFor(m.Symbol)
		if err != nil {
			return fraction, err
		}
	}

	if loss.LessThanOrEqual(budget) {
		return fraction, e.fund.Draw(m.Symbol, vault, bank.Round(loss))
	}

	capped := decimal.Zero
	if budget.IsPositive() {
		capped = fraction.Mul(budget).Div(loss)
		if err := e.fund.Draw(m.Symbol, vault, bank.Round(budget)); err != nil {
			return fraction, err
		}
	}
	if m.Adjustable && m.CanLowerK {
		cost, err := vamm.ScaleReserves(m, lowerKScale, now)
		if err != nil {
			return fraction, err
		}
		if revenue := bank.Round(cost.Neg()); revenue.IsPositive() {
			if err := e.fund.DistributeRevenue(m.Symbol, vault, revenue); err != nil {
				return fraction, err
			}
		}
	}
	return capped, nil
}

// increaseScale solves for the reserve scale whose recentering cost equals
// budget given the current trader exposure, so a funding gain is converted
// into curve depth without changing the spot price. Returns 1 when no
// profitable scale exists.
func increaseScale(m *model.Market, budget decimal.Decimal) decimal.Decimal {
	delta := m.BaseAssetDelta
	if delta.IsZero() || !budget.IsPositive() {
		return one
	}
	v := vamm.ExposureValue(m.QuoteReserve, m.BaseReserve, delta).Sub(budget)
	den := m.QuoteReserve.Mul(delta).Add(v.Mul(m.BaseReserve))
	if den.IsZero() {
		return one
	}
	s := v.Neg().Mul(delta).Div(den)
	if s.LessThanOrEqual(one) {
		return one
	}
	return s
}
