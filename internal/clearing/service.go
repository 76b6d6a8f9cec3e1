// Package clearing is the HTTP service tying the engines together: it
// serializes every state-mutating call, settles funding lazily before trades,
// and commits market, position and record state only after an operation fully
// succeeds.
//
// All monetary values use shopspring/decimal — never float64 for money.
package clearing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/archive"
	"github.com/tribevault/clearing-engine/internal/auth"
	"github.com/tribevault/clearing-engine/internal/bank"
	"github.com/tribevault/clearing-engine/internal/funding"
	"github.com/tribevault/clearing-engine/internal/ledger"
	"github.com/tribevault/clearing-engine/internal/liquidation"
	"github.com/tribevault/clearing-engine/internal/metrics"
	"github.com/tribevault/clearing-engine/internal/model"
	"github.com/tribevault/clearing-engine/internal/oracle"
	"github.com/tribevault/clearing-engine/internal/store"
	"github.com/tribevault/clearing-engine/internal/vamm"
	"github.com/tribevault/clearing-engine/internal/waterfall"
)

// ErrInsufficientFeePool is returned when a manual repeg or K adjustment
// costs more than half the market's available fee budget.
var ErrInsufficientFeePool = errors.New("clearing: insufficient fee pool")

var two = decimal.NewFromInt(2)

// Service handles clearing operations. A single mutex serializes every
// state-mutating entry point (single-instance). For horizontal scaling,
// replace with distributed locking or database-level optimistic concurrency.
type Service struct {
	mu    sync.Mutex
	store store.Store
	bank  *bank.Ledger
	fund  *waterfall.Fund
	reg   *auth.Registry
	feed  *oracle.Feed

	trades     *ledger.Engine
	liquidator *liquidation.Engine
	funding    *funding.Engine

	hub  *Hub             // optional WebSocket hub for real-time broadcasts
	sink *archive.Archive // optional ClickHouse analytics sink

	now func() time.Time
}

// NewService creates a clearing service. Pass nil for hub and sink when
// WebSocket broadcasting or archival is not needed.
func NewService(st store.Store, bk *bank.Ledger, fund *waterfall.Fund, reg *auth.Registry, feed *oracle.Feed, hub *Hub, sink *archive.Archive) *Service {
	return &Service{
		store:      st,
		bank:       bk,
		fund:       fund,
		reg:        reg,
		feed:       feed,
		trades:     ledger.NewEngine(bk, fund),
		liquidator: liquidation.NewEngine(bk, fund, reg),
		funding:    funding.NewEngine(fund, feed),
		hub:        hub,
		sink:       sink,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// loadPosition returns the trader's position, or a fresh zero position when
// none exists yet.
func (s *Service) loadPosition(ctx context.Context, symbol, trader string) (*model.Position, error) {
	p, err := s.store.GetPosition(ctx, symbol, trader)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Position{MarketSymbol: symbol, Trader: trader}, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// settleFundingIfDue runs a funding window on the market when the schedule
// has elapsed, committing the settled market state immediately so the cash
// already moved through the waterfall can never outrun the recorded premium
// fractions. Failures (no oracle price yet, empty budget) skip settlement;
// the explicit funding endpoint surfaces them.
func (s *Service) settleFundingIfDue(ctx context.Context, m *model.Market, now time.Time) {
	if !m.Open || now.Before(m.NextFundingTime) {
		return
	}
	trial := m.Clone()
	rec, err := s.funding.Settle(trial, now)
	if err != nil {
		slog.Warn("lazy funding settlement skipped", "market", m.Symbol, "err", err)
		return
	}
	*m = *trial

	rec.ID = uuid.New().String()
	if err := s.store.UpdateMarket(ctx, m); err != nil {
		slog.Error("funding commit failed", "market", m.Symbol, "err", err)
		return
	}
	if err := s.store.InsertFundingRecord(ctx, rec); err != nil {
		slog.Error("funding record insert failed", "market", m.Symbol, "err", err)
	}
	s.afterFunding(m, rec)
}

func (s *Service) afterFunding(m *model.Market, rec *model.FundingRecord) {
	metrics.FundingSettlementsTotal.WithLabelValues(m.Symbol).Inc()
	if s.sink != nil {
		s.sink.Funding(rec)
	}
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:    "funding",
			Market:  m.Symbol,
			Price:   m.SpotPrice().String(),
			Payload: rec,
		})
	}
}

// commitTrade persists market, position and change record after a successful
// position mutation and fans out to metrics, archive and WebSocket clients.
func (s *Service) commitTrade(ctx context.Context, kind string, m *model.Market, p *model.Position, change *model.PositionChange) error {
	change.ID = uuid.New().String()
	if err := s.store.UpdateMarket(ctx, m); err != nil {
		return err
	}
	if err := s.store.UpsertPosition(ctx, p); err != nil {
		return err
	}
	if err := s.store.InsertPositionChange(ctx, change); err != nil {
		return err
	}

	metrics.PositionChangesTotal.WithLabelValues(kind).Inc()
	if change.BadDebt.IsPositive() {
		debt, _ := change.BadDebt.Float64()
		metrics.BadDebtTotal.Add(debt)
	}
	if s.sink != nil {
		s.sink.PositionChange(change)
	}
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:    "position_change",
			Market:  m.Symbol,
			Trader:  p.Trader,
			Price:   m.SpotPrice().String(),
			Payload: change,
		})
	}
	return nil
}

// openPosition executes an open/increase/reduce/reverse trade.
func (s *Service) openPosition(ctx context.Context, trader, symbol, side string, notional, leverage, baseLimit decimal.Decimal) (*model.PositionChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()

	m, err := s.store.GetMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.settleFundingIfDue(ctx, m, now)

	p, err := s.loadPosition(ctx, symbol, trader)
	if err != nil {
		return nil, err
	}

	capExempt := s.reg.Has(trader, auth.CapWhitelisted)
	change, err := s.trades.OpenPosition(m, p, side, notional, leverage, baseLimit, capExempt, now)
	if err != nil {
		if errors.Is(err, ledger.ErrOverLimit) {
			metrics.CapRejections.Inc()
		}
		return nil, err
	}
	if err := s.commitTrade(ctx, "open", m, p, change); err != nil {
		return nil, err
	}
	s.fund.SetExposure(symbol, m.OpenInterestNotional.IsPositive())

	vol, _ := notional.Float64()
	metrics.MarketVolume.WithLabelValues(symbol, side).Add(vol)
	metrics.TradeLatency.WithLabelValues("open").Observe(time.Since(start).Seconds())
	return change, nil
}

// closePosition closes the trader's whole position.
func (s *Service) closePosition(ctx context.Context, trader, symbol string, quoteLimit decimal.Decimal) (*model.PositionChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()

	m, err := s.store.GetMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.settleFundingIfDue(ctx, m, now)

	p, err := s.loadPosition(ctx, symbol, trader)
	if err != nil {
		return nil, err
	}

	change, err := s.trades.ClosePosition(m, p, quoteLimit, now)
	if err != nil {
		return nil, err
	}
	if err := s.commitTrade(ctx, "close", m, p, change); err != nil {
		return nil, err
	}
	s.fund.SetExposure(symbol, m.OpenInterestNotional.IsPositive())
	metrics.TradeLatency.WithLabelValues("close").Observe(time.Since(start).Seconds())
	return change, nil
}

// adjustMargin adds or removes collateral on an open position.
func (s *Service) adjustMargin(ctx context.Context, trader, symbol string, amount decimal.Decimal, add bool) (*model.MarginChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	m, err := s.store.GetMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.settleFundingIfDue(ctx, m, now)

	p, err := s.loadPosition(ctx, symbol, trader)
	if err != nil {
		return nil, err
	}

	var change *model.MarginChange
	if add {
		change, err = s.trades.AddMargin(m, p, amount, now)
	} else {
		change, err = s.trades.RemoveMargin(m, p, amount, now)
	}
	if err != nil {
		return nil, err
	}
	change.ID = uuid.New().String()

	if err := s.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	if err := s.store.UpsertPosition(ctx, p); err != nil {
		return nil, err
	}
	if err := s.store.InsertMarginChange(ctx, change); err != nil {
		return nil, err
	}
	return change, nil
}

// liquidate closes an unsafe position. With a positive quoteLimit the
// slippage-bounded path is used, which also refuses bad-debt closes.
func (s *Service) liquidate(ctx context.Context, liquidator, symbol, trader string, quoteLimit decimal.Decimal, withSlippage bool) (*liquidation.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()

	m, err := s.store.GetMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.settleFundingIfDue(ctx, m, now)

	p, err := s.loadPosition(ctx, symbol, trader)
	if err != nil {
		return nil, err
	}

	var res *liquidation.Result
	if withSlippage {
		res, err = s.liquidator.LiquidateWithSlippage(m, p, liquidator, quoteLimit, now)
	} else {
		res, err = s.liquidator.Liquidate(m, p, liquidator, now)
	}
	if err != nil {
		return nil, err
	}

	if err := s.commitTrade(ctx, "liquidate", m, p, res.Change); err != nil {
		return nil, err
	}
	res.Record.ID = uuid.New().String()
	if err := s.store.InsertLiquidation(ctx, res.Record); err != nil {
		return nil, err
	}
	s.fund.SetExposure(symbol, m.OpenInterestNotional.IsPositive())

	outcome := "full"
	switch {
	case res.Record.BadDebt.IsPositive():
		outcome = "bad_debt"
	case !res.Change.SizeAfter.IsZero():
		outcome = "partial"
	}
	metrics.LiquidationsTotal.WithLabelValues(outcome).Inc()
	metrics.TradeLatency.WithLabelValues("liquidate").Observe(time.Since(start).Seconds())

	if s.sink != nil {
		s.sink.Liquidation(res.Record)
	}
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:    "liquidation",
			Market:  symbol,
			Trader:  trader,
			Price:   m.SpotPrice().String(),
			Payload: res.Record,
		})
	}
	return res, nil
}

// settleFunding runs a funding window on operator request.
func (s *Service) settleFunding(ctx context.Context, caller, symbol string) (*model.FundingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reg.Require(caller, auth.CapOperator); err != nil {
		return nil, err
	}
	now := s.now()

	m, err := s.store.GetMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rec, err := s.funding.Settle(m, now)
	if err != nil {
		return nil, err
	}
	rec.ID = uuid.New().String()

	if err := s.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	if err := s.store.InsertFundingRecord(ctx, rec); err != nil {
		return nil, err
	}
	s.afterFunding(m, rec)
	return rec, nil
}

// guardRecenterCost enforces the manual recentering budget: a positive cost
// may spend at most half the market's available fee budget.
func (s *Service) guardRecenterCost(symbol string, cost decimal.Decimal) error {
	if !cost.IsPositive() {
		return nil
	}
	budget, err := s.fund.AvailableBudgetFor(symbol)
	if err != nil {
		return err
	}
	if cost.GreaterThan(budget.Div(two)) {
		return ErrInsufficientFeePool
	}
	return nil
}

// recenter applies a manual repeg or K adjustment on operator request. The
// mutate callback returns the realized cost; a positive cost has already been
// budget-checked against checkCost and is drawn from the waterfall before the
// reserves move, a negative cost is distributed as revenue afterwards.
func (s *Service) recenter(ctx context.Context, caller, symbol, kind string, checkCost func(m *model.Market) (decimal.Decimal, error), mutate func(m *model.Market, now time.Time) (decimal.Decimal, error)) (*model.RecenterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reg.Require(caller, auth.CapOperator); err != nil {
		return nil, err
	}
	now := s.now()

	m, err := s.store.GetMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.settleFundingIfDue(ctx, m, now)

	cost, err := checkCost(m)
	if err != nil {
		return nil, err
	}
	if err := s.guardRecenterCost(symbol, cost); err != nil {
		return nil, err
	}
	vault := bank.VaultAccount(symbol)
	if cost.IsPositive() {
		if err := s.fund.Draw(symbol, vault, bank.Round(cost)); err != nil {
			return nil, err
		}
	}
	if _, err := mutate(m, now); err != nil {
		return nil, err
	}
	if cost.IsNegative() {
		if err := s.fund.DistributeRevenue(symbol, vault, bank.Round(cost.Neg())); err != nil {
			return nil, err
		}
	}

	rec := &model.RecenterRecord{
		ID:           uuid.New().String(),
		MarketSymbol: symbol,
		Kind:         kind,
		NewQuote:     m.QuoteReserve,
		NewBase:      m.BaseReserve,
		Cost:         cost,
		Timestamp:    now,
	}
	if err := s.store.UpdateMarket(ctx, m); err != nil {
		return nil, err
	}
	if err := s.store.InsertRecenterRecord(ctx, rec); err != nil {
		return nil, err
	}
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:    kind,
			Market:  symbol,
			Price:   m.SpotPrice().String(),
			Payload: rec,
		})
	}
	return rec, nil
}

// repeg moves the market's quote reserve so the spot price lands on price.
func (s *Service) repeg(ctx context.Context, caller, symbol string, price decimal.Decimal) (*model.RecenterRecord, error) {
	return s.recenter(ctx, caller, symbol, "repeg",
		func(m *model.Market) (decimal.Decimal, error) {
			return vamm.RepegCost(m, price.Mul(m.BaseReserve))
		},
		func(m *model.Market, now time.Time) (decimal.Decimal, error) {
			return vamm.RepegToPrice(m, price, now)
		})
}

// adjustK scales both reserves by numerator/denominator, moving K by the
// square of the ratio while holding the spot price.
func (s *Service) adjustK(ctx context.Context, caller, symbol string, numerator, denominator decimal.Decimal) (*model.RecenterRecord, error) {
	scale := numerator.Div(denominator)
	return s.recenter(ctx, caller, symbol, "adjust_k",
		func(m *model.Market) (decimal.Decimal, error) {
			return vamm.ScaleCost(m, scale)
		},
		func(m *model.Market, now time.Time) (decimal.Decimal, error) {
			return vamm.ScaleReserves(m, scale, now)
		})
}
