// Package model defines the core domain types shared across the clearing engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Side of a trade relative to the base asset.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// symbolRegex matches perpetual market symbols: {BASE}-{QUOTE}-PERP.
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]+)-([A-Z0-9]+)-PERP$`)

// ValidateSymbol checks a market symbol and returns its base and quote legs.
func ValidateSymbol(symbol string) (base, quote string, err error) {
	m := symbolRegex.FindStringSubmatch(symbol)
	if m == nil {
		return "", "", fmt.Errorf("model: invalid market symbol %q (expected BASE-QUOTE-PERP)", symbol)
	}
	return m[1], m[2], nil
}

// ReserveSnapshot records the virtual reserves at a point in time.
// The per-market snapshot history backs the mark TWAP calculation.
type ReserveSnapshot struct {
	QuoteReserve decimal.Decimal `json:"quote_reserve" db:"quote_reserve"`
	BaseReserve  decimal.Decimal `json:"base_reserve" db:"base_reserve"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Market holds all per-market state: the virtual constant-product reserves,
// fee and risk parameters, the funding schedule, and the append-only
// cumulative premium fraction history.
//
// Invariant: QuoteReserve * BaseReserve == K. K changes only through repeg
// or explicit K adjustment, never through swaps.
type Market struct {
	Symbol    string `json:"symbol" db:"symbol"`
	OracleKey string `json:"oracle_key" db:"oracle_key"`

	QuoteReserve decimal.Decimal `json:"quote_reserve" db:"quote_reserve"`
	BaseReserve  decimal.Decimal `json:"base_reserve" db:"base_reserve"`

	TollRatio             decimal.Decimal `json:"toll_ratio" db:"toll_ratio"`
	SpreadRatio           decimal.Decimal `json:"spread_ratio" db:"spread_ratio"`
	TradeLimitRatio       decimal.Decimal `json:"trade_limit_ratio" db:"trade_limit_ratio"`
	FluctuationLimitRatio decimal.Decimal `json:"fluctuation_limit_ratio" db:"fluctuation_limit_ratio"`

	InitMarginRatio         decimal.Decimal `json:"init_margin_ratio" db:"init_margin_ratio"`
	MaintenanceMarginRatio  decimal.Decimal `json:"maintenance_margin_ratio" db:"maintenance_margin_ratio"`
	LiquidationFeeRatio     decimal.Decimal `json:"liquidation_fee_ratio" db:"liquidation_fee_ratio"`
	PartialLiquidationRatio decimal.Decimal `json:"partial_liquidation_ratio" db:"partial_liquidation_ratio"`

	// MaxHoldingBase caps a single trader's absolute base size; zero = no cap.
	MaxHoldingBase decimal.Decimal `json:"max_holding_base" db:"max_holding_base"`
	// OpenInterestCap caps the market's aggregate open notional; zero = no cap.
	OpenInterestCap decimal.Decimal `json:"open_interest_cap" db:"open_interest_cap"`

	FundingPeriod   time.Duration `json:"funding_period" db:"funding_period"`
	ReferencePeriod time.Duration `json:"reference_period" db:"reference_period"`
	NextFundingTime time.Time     `json:"next_funding_time" db:"next_funding_time"`

	// RepegPriceGapRatio is the oracle-mark divergence beyond which funding
	// settlement force-repegs the curve to the oracle price before computing
	// the premium fraction.
	RepegPriceGapRatio decimal.Decimal `json:"repeg_price_gap_ratio" db:"repeg_price_gap_ratio"`

	// Adjustable enables funding-driven K recentering. CanLowerK additionally
	// allows shrinking curve depth when the fee pool cannot fund a loss.
	Adjustable bool `json:"adjustable" db:"adjustable"`
	CanLowerK  bool `json:"can_lower_k" db:"can_lower_k"`

	FundingCostCoverRate   decimal.Decimal `json:"funding_cost_cover_rate" db:"funding_cost_cover_rate"`
	FundingRevenueTakeRate decimal.Decimal `json:"funding_revenue_take_rate" db:"funding_revenue_take_rate"`

	// BaseAssetDelta is the traders' aggregate signed base exposure
	// (positive = net long against the curve).
	BaseAssetDelta decimal.Decimal `json:"base_asset_delta" db:"base_asset_delta"`
	// OpenInterestNotional is the aggregate open notional across positions.
	OpenInterestNotional decimal.Decimal `json:"open_interest_notional" db:"open_interest_notional"`

	// CumulativePremiumFractions is append-only, one entry per settled
	// funding window. Positions settle lazily against the latest entry.
	CumulativePremiumFractions []decimal.Decimal `json:"cumulative_premium_fractions" db:"-"`

	ReserveSnapshots []ReserveSnapshot `json:"reserve_snapshots,omitempty" db:"-"`

	Open      bool      `json:"open" db:"open"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SpotPrice returns QuoteReserve / BaseReserve.
func (m *Market) SpotPrice() decimal.Decimal {
	return m.QuoteReserve.Div(m.BaseReserve)
}

// K returns the constant product of the reserves.
func (m *Market) K() decimal.Decimal {
	return m.QuoteReserve.Mul(m.BaseReserve)
}

// LatestCumulativePremiumFraction returns the most recent settled cumulative
// premium fraction, or zero before the first funding event.
func (m *Market) LatestCumulativePremiumFraction() decimal.Decimal {
	if n := len(m.CumulativePremiumFractions); n > 0 {
		return m.CumulativePremiumFractions[n-1]
	}
	return decimal.Zero
}

// Snapshot appends a reserve snapshot at the given time.
func (m *Market) Snapshot(now time.Time) {
	m.ReserveSnapshots = append(m.ReserveSnapshots, ReserveSnapshot{
		QuoteReserve: m.QuoteReserve,
		BaseReserve:  m.BaseReserve,
		Timestamp:    now,
	})
}

// Clone returns a deep copy. Mutating entry points work on clones and commit
// them back to the store only after the whole call succeeds.
func (m *Market) Clone() *Market {
	c := *m
	c.CumulativePremiumFractions = append([]decimal.Decimal(nil), m.CumulativePremiumFractions...)
	c.ReserveSnapshots = append([]ReserveSnapshot(nil), m.ReserveSnapshots...)
	return &c
}

// Position is a trader's open exposure in one market.
//
// Size is signed base (positive = long). Margin may temporarily go negative
// inside the engine when funding settlement outruns the collateral; reads
// through the API report it clamped at zero, and the latent debt is netted
// on the next margin top-up or liquidation.
//
// Invariant: Size == 0 implies Margin == 0 and OpenNotional == 0.
type Position struct {
	MarketSymbol string          `json:"market_symbol" db:"market_symbol"`
	Trader       string          `json:"trader" db:"trader"`
	Size         decimal.Decimal `json:"size" db:"size"`
	Margin       decimal.Decimal `json:"margin" db:"margin"`
	OpenNotional decimal.Decimal `json:"open_notional" db:"open_notional"`
	// LastPremiumFraction is the cumulative premium fraction this position
	// last settled against.
	LastPremiumFraction decimal.Decimal `json:"last_premium_fraction" db:"last_premium_fraction"`
	UpdatedAt           time.Time       `json:"updated_at" db:"updated_at"`
}

// IsOpen reports whether the position carries exposure.
func (p *Position) IsOpen() bool { return !p.Size.IsZero() }

// VisibleMargin is the externally reported margin, clamped at zero.
func (p *Position) VisibleMargin() decimal.Decimal {
	if p.Margin.IsNegative() {
		return decimal.Zero
	}
	return p.Margin
}

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// PositionChange is the immutable record emitted on every position mutation.
// Once created, these are never modified or deleted.
type PositionChange struct {
	ID                 string          `json:"id" db:"id"`
	Trader             string          `json:"trader" db:"trader"`
	MarketSymbol       string          `json:"market_symbol" db:"market_symbol"`
	Margin             decimal.Decimal `json:"margin" db:"margin"`
	PositionNotional   decimal.Decimal `json:"position_notional" db:"position_notional"`
	ExchangedSize      decimal.Decimal `json:"exchanged_size" db:"exchanged_size"`
	Fee                decimal.Decimal `json:"fee" db:"fee"`
	SizeAfter          decimal.Decimal `json:"size_after" db:"size_after"`
	RealizedPnl        decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnlAfter decimal.Decimal `json:"unrealized_pnl_after" db:"unrealized_pnl_after"`
	BadDebt            decimal.Decimal `json:"bad_debt" db:"bad_debt"`
	LiquidationPenalty decimal.Decimal `json:"liquidation_penalty" db:"liquidation_penalty"`
	SpotPriceAfter     decimal.Decimal `json:"spot_price_after" db:"spot_price_after"`
	FundingPayment     decimal.Decimal `json:"funding_payment" db:"funding_payment"`
	Timestamp          time.Time       `json:"timestamp" db:"timestamp"`
}

// LiquidationRecord is emitted alongside a PositionChange on liquidations.
type LiquidationRecord struct {
	ID             string          `json:"id" db:"id"`
	Trader         string          `json:"trader" db:"trader"`
	MarketSymbol   string          `json:"market_symbol" db:"market_symbol"`
	Liquidator     string          `json:"liquidator" db:"liquidator"`
	LiquidatorFee  decimal.Decimal `json:"liquidator_fee" db:"liquidator_fee"`
	BackstopFee    decimal.Decimal `json:"backstop_fee" db:"backstop_fee"`
	ClosedNotional decimal.Decimal `json:"closed_notional" db:"closed_notional"`
	BadDebt        decimal.Decimal `json:"bad_debt" db:"bad_debt"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// RecenterRecord is emitted on repeg and K adjustment.
type RecenterRecord struct {
	ID           string          `json:"id" db:"id"`
	MarketSymbol string          `json:"market_symbol" db:"market_symbol"`
	Kind         string          `json:"kind" db:"kind"` // "repeg" or "adjust_k"
	NewQuote     decimal.Decimal `json:"new_quote" db:"new_quote"`
	NewBase      decimal.Decimal `json:"new_base" db:"new_base"`
	Cost         decimal.Decimal `json:"cost" db:"cost"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// MarginChange is emitted on margin add and remove.
type MarginChange struct {
	ID           string          `json:"id" db:"id"`
	Trader       string          `json:"trader" db:"trader"`
	MarketSymbol string          `json:"market_symbol" db:"market_symbol"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed: +add, -remove
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// FundingRecord is emitted after each settled funding window.
type FundingRecord struct {
	ID              string          `json:"id" db:"id"`
	MarketSymbol    string          `json:"market_symbol" db:"market_symbol"`
	PremiumFraction decimal.Decimal `json:"premium_fraction" db:"premium_fraction"`
	MarkTwap        decimal.Decimal `json:"mark_twap" db:"mark_twap"`
	OracleTwap      decimal.Decimal `json:"oracle_twap" db:"oracle_twap"`
	CurvePnl        decimal.Decimal `json:"curve_pnl" db:"curve_pnl"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}
