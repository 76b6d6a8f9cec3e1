// Package liquidation force-closes positions whose margin ratio has fallen
// below the maintenance requirement. Healthy-enough positions are trimmed
// partially; bankrupt ones are closed whole, their bad debt realized against
// the waterfall. Positions already carrying bad debt may only be taken over
// by backstop liquidity providers.
package liquidation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/auth"
	"github.com/tribevault/clearing-engine/internal/bank"
	"github.com/tribevault/clearing-engine/internal/ledger"
	"github.com/tribevault/clearing-engine/internal/model"
	"github.com/tribevault/clearing-engine/internal/vamm"
	"github.com/tribevault/clearing-engine/internal/waterfall"
)

var (
	// ErrNotLiquidatable is returned when the margin ratio still meets the
	// maintenance requirement.
	ErrNotLiquidatable = errors.New("liquidation: margin ratio above maintenance requirement")

	// ErrNoPosition is returned for flat positions.
	ErrNoPosition = errors.New("liquidation: no open position")

	// ErrBadDebt is returned by the slippage-bounded entry point when the
	// liquidation would realize bad debt.
	ErrBadDebt = errors.New("liquidation: position carries bad debt")
)

var two = decimal.NewFromInt(2)

// Result pairs the position change with the liquidation record.
type Result struct {
	Change *model.PositionChange
	Record *model.LiquidationRecord
}

// Engine force-closes undercollateralized positions.
type Engine struct {
	bank *bank.Ledger
	fund *waterfall.Fund
	auth *auth.Registry
}

// NewEngine returns a liquidation engine.
func NewEngine(b *bank.Ledger, f *waterfall.Fund, a *auth.Registry) *Engine {
	return &Engine{bank: b, fund: f, auth: a}
}

// Liquidate force-closes the position. When the market configures a partial
// liquidation ratio and the position still covers its own penalty, only that
// fraction of the size is closed; otherwise the whole position goes, and any
// shortfall is realized as bad debt. Bad-debt takeovers require the backstop
// capability.
func (e *Engine) Liquidate(m *model.Market, p *model.Position, liquidator string, now time.Time) (*Result, error) {
	return e.liquidate(m, p, liquidator, decimal.Zero, false, now)
}

// LiquidateWithSlippage is Liquidate with a quote slippage bound on the
// closing swap. It refuses positions whose closure would realize bad debt.
func (e *Engine) LiquidateWithSlippage(m *model.Market, p *model.Position, liquidator string, quoteLimit decimal.Decimal, now time.Time) (*Result, error) {
	return e.liquidate(m, p, liquidator, quoteLimit, true, now)
}

func (e *Engine) liquidate(m *model.Market, p *model.Position, liquidator string, quoteLimit decimal.Decimal, refuseBadDebt bool, now time.Time) (*Result, error) {
	if !p.IsOpen() {
		return nil, ErrNoPosition
	}
	ratio, err := ledger.MarginRatio(m, p)
	if err != nil {
		return nil, err
	}
	if ratio.GreaterThanOrEqual(m.MaintenanceMarginRatio) {
		return nil, ErrNotLiquidatable
	}

	partialRatio := m.PartialLiquidationRatio
	if partialRatio.IsPositive() && partialRatio.LessThan(decimal.NewFromInt(1)) &&
		ratio.GreaterThan(m.LiquidationFeeRatio) {
		return e.liquidatePartial(m, p, liquidator, quoteLimit, now)
	}
	return e.liquidateFull(m, p, liquidator, quoteLimit, refuseBadDebt, now)
}

// liquidatePartial closes partialRatio of the size, realizes pnl pro rata
// and charges the penalty against the remaining margin.
func (e *Engine) liquidatePartial(m *model.Market, p *model.Position, liquidator string, quoteLimit decimal.Decimal, now time.Time) (*Result, error) {
	payment := ledger.SettleFunding(m, p)
	oldNotional, upnl, err := ledger.NotionalAndPnl(m, p)
	if err != nil {
		return nil, err
	}

	side := model.SideSell
	if p.Size.IsNegative() {
		side = model.SideBuy
	}
	closeSize := p.Size.Abs().Mul(m.PartialLiquidationRatio)
	exchangedQuote, err := vamm.SwapOutput(m, side, closeSize, quoteLimit, now)
	if err != nil {
		return nil, err
	}

	realized := upnl.Mul(m.PartialLiquidationRatio)
	upnlAfter := upnl.Sub(realized)
	penalty := exchangedQuote.Mul(m.LiquidationFeeRatio)
	liquidatorFee := penalty.Div(two)
	backstopFee := penalty.Sub(liquidatorFee)

	if p.Size.IsPositive() {
		p.OpenNotional = oldNotional.Sub(exchangedQuote).Sub(upnlAfter)
		p.Size = p.Size.Sub(closeSize)
		m.BaseAssetDelta = m.BaseAssetDelta.Sub(closeSize)
	} else {
		p.OpenNotional = oldNotional.Sub(exchangedQuote).Add(upnlAfter)
		p.Size = p.Size.Add(closeSize)
		m.BaseAssetDelta = m.BaseAssetDelta.Add(closeSize)
	}
	p.Margin = p.Margin.Add(realized).Sub(penalty)
	p.UpdatedAt = now
	subOpenInterest(m, exchangedQuote)

	vault := bank.VaultAccount(m.Symbol)
	if err := e.bank.Transfer(vault, liquidator, bank.Round(liquidatorFee)); err != nil {
		return nil, err
	}
	if err := e.fund.DistributeRevenue(m.Symbol, vault, bank.Round(backstopFee)); err != nil {
		return nil, err
	}

	return &Result{
		Change: change(m, p, exchangedQuote, closeSize, realized, upnlAfter, decimal.Zero, penalty, payment, now),
		Record: record(m, p, liquidator, liquidatorFee, backstopFee, exchangedQuote, decimal.Zero, now),
	}, nil
}

// liquidateFull closes the whole position. The remaining margin pays the
// liquidator's half of the penalty and the rest accrues to the insurance
// side; a negative remainder is realized as bad debt.
func (e *Engine) liquidateFull(m *model.Market, p *model.Position, liquidator string, quoteLimit decimal.Decimal, refuseBadDebt bool, now time.Time) (*Result, error) {
	payment := ledger.SettleFunding(m, p)

	side := model.SideSell
	if p.Size.IsNegative() {
		side = model.SideBuy
	}
	closedSize := p.Size
	exchangedQuote, err := vamm.SwapOutput(m, side, p.Size.Abs(), quoteLimit, now)
	if err != nil {
		return nil, err
	}
	realized := exchangedQuote.Sub(p.OpenNotional)
	if p.Size.IsNegative() {
		realized = p.OpenNotional.Sub(exchangedQuote)
	}

	remain := p.Margin.Add(realized)
	penalty := exchangedQuote.Mul(m.LiquidationFeeRatio)
	liquidatorFee := penalty.Div(two)

	badDebt := decimal.Zero
	if remain.IsNegative() {
		badDebt = remain.Neg()
		remain = decimal.Zero
	}
	if badDebt.IsPositive() {
		if refuseBadDebt {
			return nil, ErrBadDebt
		}
		if err := e.auth.Require(liquidator, auth.CapBackstop); err != nil {
			return nil, err
		}
	}

	m.BaseAssetDelta = m.BaseAssetDelta.Sub(closedSize)
	subOpenInterest(m, exchangedQuote)
	p.Size = decimal.Zero
	p.Margin = decimal.Zero
	p.OpenNotional = decimal.Zero
	p.UpdatedAt = now

	vault := bank.VaultAccount(m.Symbol)
	backstopFee := decimal.Zero
	if badDebt.IsPositive() {
		// Backstop takeovers earn no bounty; the fund keeps the whole
		// penalty against the debt it absorbs.
		liquidatorFee = decimal.Zero
		if err := e.fund.RealizeBadDebt(m.Symbol, bank.Round(badDebt)); err != nil {
			return nil, err
		}
	} else {
		if liquidatorFee.GreaterThan(remain) {
			liquidatorFee = remain
		}
		backstopFee = remain.Sub(liquidatorFee)
		if err := e.bank.Transfer(vault, liquidator, bank.Round(liquidatorFee)); err != nil {
			return nil, err
		}
		if err := e.fund.DistributeRevenue(m.Symbol, vault, bank.Round(backstopFee)); err != nil {
			return nil, err
		}
	}

	return &Result{
		Change: change(m, p, exchangedQuote, closedSize.Abs(), realized, decimal.Zero, badDebt, penalty, payment, now),
		Record: record(m, p, liquidator, liquidatorFee, backstopFee, exchangedQuote, badDebt, now),
	}, nil
}

func change(m *model.Market, p *model.Position, notional, closedSize, realized, upnlAfter, badDebt, penalty, payment decimal.Decimal, now time.Time) *model.PositionChange {
	return &model.PositionChange{
		Trader:             p.Trader,
		MarketSymbol:       m.Symbol,
		Margin:             p.VisibleMargin(),
		PositionNotional:   notional,
		ExchangedSize:      closedSize,
		SizeAfter:          p.Size,
		RealizedPnl:        realized,
		UnrealizedPnlAfter: upnlAfter,
		BadDebt:            badDebt,
		LiquidationPenalty: penalty,
		SpotPriceAfter:     m.SpotPrice(),
		FundingPayment:     payment,
		Timestamp:          now,
	}
}

func record(m *model.Market, p *model.Position, liquidator string, liquidatorFee, backstopFee, closedNotional, badDebt decimal.Decimal, now time.Time) *model.LiquidationRecord {
	return &model.LiquidationRecord{
		Trader:         p.Trader,
		MarketSymbol:   m.Symbol,
		Liquidator:     liquidator,
		LiquidatorFee:  liquidatorFee,
		BackstopFee:    backstopFee,
		ClosedNotional: closedNotional,
		BadDebt:        badDebt,
		Timestamp:      now,
	}
}

func subOpenInterest(m *model.Market, amount decimal.Decimal) {
	m.OpenInterestNotional = m.OpenInterestNotional.Sub(amount)
	if m.OpenInterestNotional.IsNegative() {
		m.OpenInterestNotional = decimal.Zero
	}
}
