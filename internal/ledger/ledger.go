// Package ledger maintains trader positions against the virtual curve:
// opening, increasing, reducing, reversing and closing exposure, margin
// top-ups and withdrawals, and the margin-ratio guards around all of them.
//
// Funding settles lazily: every mutation first applies the payment implied
// by the cumulative premium fractions appended since the position last
// settled. Margin may go negative inside the engine when funding outruns the
// collateral; the debt is netted on the next top-up or realized at
// liquidation.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/bank"
	"github.com/tribevault/clearing-engine/internal/model"
	"github.com/tribevault/clearing-engine/internal/vamm"
	"github.com/tribevault/clearing-engine/internal/waterfall"
)

var (
	// ErrMarketClosed is returned for markets flagged closed.
	ErrMarketClosed = errors.New("ledger: market is closed")

	// ErrNoPosition is returned when an operation needs an open position.
	ErrNoPosition = errors.New("ledger: no open position")

	// ErrInvalidAmount is returned for zero or negative notional and margin
	// amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidLeverage is returned when leverage is out of range for the
	// market's initial margin requirement.
	ErrInvalidLeverage = errors.New("ledger: leverage out of range")

	// ErrOverLimit is returned when a trade would breach the per-trader
	// holding cap or the market open interest cap.
	ErrOverLimit = errors.New("ledger: position over limit")

	// ErrBelowInitMargin is returned when the post-trade margin ratio falls
	// below the initial margin requirement.
	ErrBelowInitMargin = errors.New("ledger: margin ratio below initial requirement")

	// ErrBelowMaintenance is returned when a reducing trade would leave the
	// margin ratio below the maintenance requirement.
	ErrBelowMaintenance = errors.New("ledger: margin ratio below maintenance requirement")

	// ErrMarginNotEnough is returned when a withdrawal exceeds the free
	// collateral.
	ErrMarginNotEnough = errors.New("ledger: margin is not enough")

	// ErrBadDebt is returned when a voluntary close cannot repay its open
	// notional. Such positions are left for liquidation.
	ErrBadDebt = errors.New("ledger: close would realize bad debt")

	// ErrReduceTooLarge is returned when a reducing trade would flip more
	// base than the position holds without qualifying as a reversal.
	ErrReduceTooLarge = errors.New("ledger: reduce exceeds position size")
)

var one = decimal.NewFromInt(1)

// Engine mutates positions and markets and moves the resulting cash through
// the bank ledger and the waterfall. Callers pass clones and commit them
// only when the call succeeds.
type Engine struct {
	bank *bank.Ledger
	fund *waterfall.Fund
}

// NewEngine returns a position ledger engine.
func NewEngine(b *bank.Ledger, f *waterfall.Fund) *Engine {
	return &Engine{bank: b, fund: f}
}

// PendingFunding returns the funding payment the position owes against the
// market's latest cumulative premium fraction. Positive means the trader
// pays.
func PendingFunding(m *model.Market, p *model.Position) decimal.Decimal {
	if !p.IsOpen() {
		return decimal.Zero
	}
	return p.Size.Mul(m.LatestCumulativePremiumFraction().Sub(p.LastPremiumFraction))
}

// SettleFunding applies the pending funding payment to the position margin
// and returns the payment. Margin may go negative.
func SettleFunding(m *model.Market, p *model.Position) decimal.Decimal {
	payment := PendingFunding(m, p)
	p.Margin = p.Margin.Sub(payment)
	p.LastPremiumFraction = m.LatestCumulativePremiumFraction()
	return payment
}

// NotionalAndPnl returns the position's current notional at the spot curve
// and its unrealized pnl. Both are zero for a flat position.
func NotionalAndPnl(m *model.Market, p *model.Position) (notional, upnl decimal.Decimal, err error) {
	if !p.IsOpen() {
		return decimal.Zero, decimal.Zero, nil
	}
	if p.Size.IsPositive() {
		notional, err = vamm.QuoteOutputForBase(m, model.SideSell, p.Size)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return notional, notional.Sub(p.OpenNotional), nil
	}
	notional, err = vamm.QuoteOutputForBase(m, model.SideBuy, p.Size.Neg())
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return notional, p.OpenNotional.Sub(notional), nil
}

// MarginRatio returns (margin - pending funding + unrealized pnl) divided by
// the position notional at spot.
func MarginRatio(m *model.Market, p *model.Position) (decimal.Decimal, error) {
	if !p.IsOpen() {
		return decimal.Zero, ErrNoPosition
	}
	notional, upnl, err := NotionalAndPnl(m, p)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Margin.Sub(PendingFunding(m, p)).Add(upnl).Div(notional), nil
}

// OpenPosition trades notional quote at the given leverage. Depending on the
// current position it opens, increases, reduces or reverses exposure.
// capExempt bypasses the holding and open interest caps for whitelisted
// traders; reducing trades are always exempt.
func (e *Engine) OpenPosition(m *model.Market, p *model.Position, side string, notional, leverage, baseLimit decimal.Decimal, capExempt bool, now time.Time) (*model.PositionChange, error) {
	if !m.Open {
		return nil, ErrMarketClosed
	}
	if !notional.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !leverage.IsPositive() || (m.InitMarginRatio.IsPositive() && one.Div(leverage).LessThan(m.InitMarginRatio)) {
		return nil, ErrInvalidLeverage
	}
	if side != model.SideBuy && side != model.SideSell {
		return nil, ErrInvalidAmount
	}

	payment := SettleFunding(m, p)

	increasing := !p.IsOpen() ||
		(side == model.SideBuy && p.Size.IsPositive()) ||
		(side == model.SideSell && p.Size.IsNegative())
	if increasing {
		return e.increasePosition(m, p, side, notional, leverage, baseLimit, capExempt, payment, now)
	}

	oldNotional, upnl, err := NotionalAndPnl(m, p)
	if err != nil {
		return nil, err
	}
	if notional.GreaterThan(oldNotional) {
		return e.reversePosition(m, p, side, notional, leverage, baseLimit, oldNotional, upnl, payment, now)
	}
	return e.reducePosition(m, p, side, notional, baseLimit, oldNotional, upnl, payment, now)
}

func (e *Engine) increasePosition(m *model.Market, p *model.Position, side string, notional, leverage, baseLimit decimal.Decimal, capExempt bool, payment decimal.Decimal, now time.Time) (*model.PositionChange, error) {
	baseDelta, err := vamm.SwapInput(m, side, notional, baseLimit, now)
	if err != nil {
		return nil, err
	}
	signed := baseDelta
	if side == model.SideSell {
		signed = baseDelta.Neg()
	}

	marginDelta := notional.Div(leverage)
	p.Size = p.Size.Add(signed)
	p.OpenNotional = p.OpenNotional.Add(notional)
	p.Margin = p.Margin.Add(marginDelta)
	p.UpdatedAt = now
	m.BaseAssetDelta = m.BaseAssetDelta.Add(signed)
	m.OpenInterestNotional = m.OpenInterestNotional.Add(notional)

	if !capExempt {
		if m.MaxHoldingBase.IsPositive() && p.Size.Abs().GreaterThan(m.MaxHoldingBase) {
			return nil, ErrOverLimit
		}
		if m.OpenInterestCap.IsPositive() && m.OpenInterestNotional.GreaterThan(m.OpenInterestCap) {
			return nil, ErrOverLimit
		}
	}

	ratio, err := MarginRatio(m, p)
	if err != nil {
		return nil, err
	}
	if ratio.LessThan(m.InitMarginRatio) {
		return nil, ErrBelowInitMargin
	}

	fee := e.tradeFee(m, notional)
	if err := e.collect(m, p.Trader, bank.Round(marginDelta), fee); err != nil {
		return nil, err
	}

	_, upnlAfter, err := NotionalAndPnl(m, p)
	if err != nil {
		return nil, err
	}
	return e.change(m, p, notional, signed, fee, decimal.Zero, upnlAfter, decimal.Zero, payment, now), nil
}

func (e *Engine) reducePosition(m *model.Market, p *model.Position, side string, notional, baseLimit, oldNotional, upnl, payment decimal.Decimal, now time.Time) (*model.PositionChange, error) {
	baseDelta, err := vamm.SwapInput(m, side, notional, baseLimit, now)
	if err != nil {
		return nil, err
	}
	absSize := p.Size.Abs()
	if baseDelta.GreaterThan(absSize) {
		return nil, ErrReduceTooLarge
	}

	closedRatio := baseDelta.Div(absSize)
	realized := upnl.Mul(closedRatio)
	upnlAfter := upnl.Sub(realized)

	// Remaining open notional keeps the unrealized pnl consistent with the
	// notional left on the curve.
	if p.Size.IsPositive() {
		p.OpenNotional = oldNotional.Sub(notional).Sub(upnlAfter)
		p.Size = p.Size.Sub(baseDelta)
		m.BaseAssetDelta = m.BaseAssetDelta.Sub(baseDelta)
	} else {
		p.OpenNotional = oldNotional.Sub(notional).Add(upnlAfter)
		p.Size = p.Size.Add(baseDelta)
		m.BaseAssetDelta = m.BaseAssetDelta.Add(baseDelta)
	}
	p.Margin = p.Margin.Add(realized)
	p.UpdatedAt = now
	subOpenInterest(m, notional)

	fee := e.tradeFee(m, notional)

	if !p.IsOpen() {
		// Reduced to exactly flat; pay the remaining margin out.
		payout := p.Margin
		if payout.IsNegative() {
			return nil, ErrBadDebt
		}
		p.Margin = decimal.Zero
		p.OpenNotional = decimal.Zero
		if err := e.payout(m, p.Trader, bank.Round(payout), fee); err != nil {
			return nil, err
		}
		return e.change(m, p, notional, baseDelta.Neg(), fee, realized, decimal.Zero, decimal.Zero, payment, now), nil
	}

	ratio, err := MarginRatio(m, p)
	if err != nil {
		return nil, err
	}
	if ratio.LessThan(m.MaintenanceMarginRatio) {
		return nil, ErrBelowMaintenance
	}
	if err := e.collect(m, p.Trader, decimal.Zero, fee); err != nil {
		return nil, err
	}

	signed := baseDelta
	if side == model.SideSell {
		signed = baseDelta.Neg()
	}
	return e.change(m, p, notional, signed, fee, realized, upnlAfter, decimal.Zero, payment, now), nil
}

func (e *Engine) reversePosition(m *model.Market, p *model.Position, side string, notional, leverage, baseLimit, oldNotional, upnl, payment decimal.Decimal, now time.Time) (*model.PositionChange, error) {
	baseDelta, err := vamm.SwapInput(m, side, notional, baseLimit, now)
	if err != nil {
		return nil, err
	}
	signed := baseDelta
	if side == model.SideSell {
		signed = baseDelta.Neg()
	}

	// The whole old position is realized; the surplus notional opens a new
	// one on the other side at the requested leverage.
	freed := p.Margin.Add(upnl)
	remainNotional := notional.Sub(oldNotional)
	newMargin := remainNotional.Div(leverage)

	badDebt := decimal.Zero
	if freed.IsNegative() {
		badDebt = freed.Neg()
		freed = decimal.Zero
	}

	p.Size = p.Size.Add(signed)
	p.OpenNotional = remainNotional
	p.Margin = newMargin
	p.UpdatedAt = now
	m.BaseAssetDelta = m.BaseAssetDelta.Add(signed)
	subOpenInterest(m, oldNotional)
	m.OpenInterestNotional = m.OpenInterestNotional.Add(remainNotional)

	ratio, err := MarginRatio(m, p)
	if err != nil {
		return nil, err
	}
	if ratio.LessThan(m.InitMarginRatio) {
		return nil, ErrBelowInitMargin
	}

	fee := e.tradeFee(m, notional)
	if badDebt.IsPositive() {
		if err := e.fund.RealizeBadDebt(m.Symbol, bank.Round(badDebt)); err != nil {
			return nil, err
		}
	}
	switch diff := bank.Round(freed.Sub(newMargin)); {
	case diff.IsPositive():
		if err := e.payout(m, p.Trader, diff, fee); err != nil {
			return nil, err
		}
	case diff.IsNegative():
		if err := e.collect(m, p.Trader, diff.Neg(), fee); err != nil {
			return nil, err
		}
	default:
		if err := e.collect(m, p.Trader, decimal.Zero, fee); err != nil {
			return nil, err
		}
	}

	_, upnlAfter, err := NotionalAndPnl(m, p)
	if err != nil {
		return nil, err
	}
	return e.change(m, p, notional, signed, fee, upnl, upnlAfter, badDebt, payment, now), nil
}

// ClosePosition closes the whole position at market. quoteLimit bounds
// slippage when non-zero: minimum quote received closing a long, maximum
// quote paid closing a short. Positions whose margin cannot absorb the loss
// are refused and left for liquidation.
func (e *Engine) ClosePosition(m *model.Market, p *model.Position, quoteLimit decimal.Decimal, now time.Time) (*model.PositionChange, error) {
	if !m.Open {
		return nil, ErrMarketClosed
	}
	if !p.IsOpen() {
		return nil, ErrNoPosition
	}
	payment := SettleFunding(m, p)

	side := model.SideSell
	if p.Size.IsNegative() {
		side = model.SideBuy
	}
	exchangedQuote, err := vamm.SwapOutput(m, side, p.Size.Abs(), quoteLimit, now)
	if err != nil {
		return nil, err
	}
	realized := exchangedQuote.Sub(p.OpenNotional)
	if p.Size.IsNegative() {
		realized = p.OpenNotional.Sub(exchangedQuote)
	}
	payout := p.Margin.Add(realized)
	if payout.IsNegative() {
		return nil, ErrBadDebt
	}

	closedSize := p.Size
	m.BaseAssetDelta = m.BaseAssetDelta.Sub(closedSize)
	subOpenInterest(m, exchangedQuote)
	p.Size = decimal.Zero
	p.Margin = decimal.Zero
	p.OpenNotional = decimal.Zero
	p.UpdatedAt = now

	fee := e.tradeFee(m, exchangedQuote)
	if err := e.payout(m, p.Trader, bank.Round(payout), fee); err != nil {
		return nil, err
	}
	return e.change(m, p, exchangedQuote, closedSize.Neg(), fee, realized, decimal.Zero, decimal.Zero, payment, now), nil
}

// AddMargin tops the position's margin up. A latent funding debt is netted
// before the deposit counts toward visible margin.
func (e *Engine) AddMargin(m *model.Market, p *model.Position, amount decimal.Decimal, now time.Time) (*model.MarginChange, error) {
	if !p.IsOpen() {
		return nil, ErrNoPosition
	}
	if !amount.IsPositive() || !bank.ValidAmount(amount) {
		return nil, ErrInvalidAmount
	}
	SettleFunding(m, p)
	p.Margin = p.Margin.Add(amount)
	p.UpdatedAt = now
	if err := e.bank.Transfer(p.Trader, bank.VaultAccount(m.Symbol), amount); err != nil {
		return nil, err
	}
	return &model.MarginChange{
		Trader:       p.Trader,
		MarketSymbol: m.Symbol,
		Amount:       amount,
		Timestamp:    now,
	}, nil
}

// RemoveMargin withdraws margin. The withdrawal must leave the margin ratio
// at or above the initial requirement.
func (e *Engine) RemoveMargin(m *model.Market, p *model.Position, amount decimal.Decimal, now time.Time) (*model.MarginChange, error) {
	if !p.IsOpen() {
		return nil, ErrNoPosition
	}
	if !amount.IsPositive() || !bank.ValidAmount(amount) {
		return nil, ErrInvalidAmount
	}
	SettleFunding(m, p)
	if amount.GreaterThan(p.Margin) {
		return nil, ErrMarginNotEnough
	}
	p.Margin = p.Margin.Sub(amount)
	p.UpdatedAt = now

	ratio, err := MarginRatio(m, p)
	if err != nil {
		return nil, err
	}
	if ratio.LessThan(m.InitMarginRatio) {
		return nil, ErrMarginNotEnough
	}
	if err := e.bank.Transfer(bank.VaultAccount(m.Symbol), p.Trader, amount); err != nil {
		return nil, err
	}
	return &model.MarginChange{
		Trader:       p.Trader,
		MarketSymbol: m.Symbol,
		Amount:       amount.Neg(),
		Timestamp:    now,
	}, nil
}

// tradeFee is the toll plus spread charge on a traded notional.
func (e *Engine) tradeFee(m *model.Market, notional decimal.Decimal) decimal.Decimal {
	return bank.Round(notional.Mul(m.TollRatio.Add(m.SpreadRatio)))
}

// collect moves margin into the vault and the fee through the waterfall,
// checking the trader's balance first so a partial transfer never happens.
func (e *Engine) collect(m *model.Market, trader string, margin, fee decimal.Decimal) error {
	if e.bank.BalanceOf(trader).LessThan(margin.Add(fee)) {
		return bank.ErrInsufficientBalance
	}
	if margin.IsPositive() {
		if err := e.bank.Transfer(trader, bank.VaultAccount(m.Symbol), margin); err != nil {
			return err
		}
	}
	if fee.IsPositive() {
		return e.fund.DistributeRevenue(m.Symbol, trader, fee)
	}
	return nil
}

// payout pays the trader out of the vault and charges the fee from the
// payout side.
func (e *Engine) payout(m *model.Market, trader string, amount, fee decimal.Decimal) error {
	if amount.IsPositive() {
		if err := e.bank.Transfer(bank.VaultAccount(m.Symbol), trader, amount); err != nil {
			return err
		}
	}
	if fee.IsPositive() {
		return e.fund.DistributeRevenue(m.Symbol, trader, fee)
	}
	return nil
}

func (e *Engine) change(m *model.Market, p *model.Position, notional, exchangedSize, fee, realized, upnlAfter, badDebt, payment decimal.Decimal, now time.Time) *model.PositionChange {
	return &model.PositionChange{
		Trader:             p.Trader,
		MarketSymbol:       m.Symbol,
		Margin:             p.VisibleMargin(),
		PositionNotional:   notional,
		ExchangedSize:      exchangedSize,
		Fee:                fee,
		SizeAfter:          p.Size,
		RealizedPnl:        realized,
		UnrealizedPnlAfter: upnlAfter,
		BadDebt:            badDebt,
		SpotPriceAfter:     m.SpotPrice(),
		FundingPayment:     payment,
		Timestamp:          now,
	}
}

// subOpenInterest decreases the aggregate open notional, floored at zero.
func subOpenInterest(m *model.Market, amount decimal.Decimal) {
	m.OpenInterestNotional = m.OpenInterestNotional.Sub(amount)
	if m.OpenInterestNotional.IsNegative() {
		m.OpenInterestNotional = decimal.Zero
	}
}
