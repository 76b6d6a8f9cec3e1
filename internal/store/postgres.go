package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/model"
)

// snapshotWindow bounds how much reserve history is loaded with a market.
// Only the trailing funding window is ever needed for the mark TWAP.
const snapshotWindow = 128

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// round-tripped through TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const marketColumns = `symbol, oracle_key,
	quote_reserve::TEXT, base_reserve::TEXT,
	toll_ratio::TEXT, spread_ratio::TEXT, trade_limit_ratio::TEXT, fluctuation_limit_ratio::TEXT,
	init_margin_ratio::TEXT, maintenance_margin_ratio::TEXT, liquidation_fee_ratio::TEXT, partial_liquidation_ratio::TEXT,
	max_holding_base::TEXT, open_interest_cap::TEXT,
	funding_period_sec, reference_period_sec, next_funding_time,
	repeg_price_gap_ratio::TEXT, adjustable, can_lower_k,
	funding_cost_cover_rate::TEXT, funding_revenue_take_rate::TEXT,
	base_asset_delta::TEXT, open_interest_notional::TEXT,
	premium_fractions, open, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	fractions, err := json.Marshal(m.CumulativePremiumFractions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (symbol, oracle_key,
			quote_reserve, base_reserve,
			toll_ratio, spread_ratio, trade_limit_ratio, fluctuation_limit_ratio,
			init_margin_ratio, maintenance_margin_ratio, liquidation_fee_ratio, partial_liquidation_ratio,
			max_holding_base, open_interest_cap,
			funding_period_sec, reference_period_sec, next_funding_time,
			repeg_price_gap_ratio, adjustable, can_lower_k,
			funding_cost_cover_rate, funding_revenue_take_rate,
			base_asset_delta, open_interest_notional,
			premium_fractions, open, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			$9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
			$15, $16, $17, $18::NUMERIC, $19, $20, $21::NUMERIC, $22::NUMERIC,
			$23::NUMERIC, $24::NUMERIC, $25::JSONB, $26, $27)`,
		m.Symbol, m.OracleKey,
		m.QuoteReserve.String(), m.BaseReserve.String(),
		m.TollRatio.String(), m.SpreadRatio.String(), m.TradeLimitRatio.String(), m.FluctuationLimitRatio.String(),
		m.InitMarginRatio.String(), m.MaintenanceMarginRatio.String(), m.LiquidationFeeRatio.String(), m.PartialLiquidationRatio.String(),
		m.MaxHoldingBase.String(), m.OpenInterestCap.String(),
		int64(m.FundingPeriod/time.Second), int64(m.ReferencePeriod/time.Second), m.NextFundingTime,
		m.RepegPriceGapRatio.String(), m.Adjustable, m.CanLowerK,
		m.FundingCostCoverRate.String(), m.FundingRevenueTakeRate.String(),
		m.BaseAssetDelta.String(), m.OpenInterestNotional.String(),
		fractions, m.Open, m.CreatedAt,
	)
	if err != nil {
		return err
	}
	return s.insertSnapshots(ctx, m)
}

func (s *PostgresStore) GetMarket(ctx context.Context, symbol string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE symbol = $1`, symbol)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get market %s: %w", symbol, err)
	}
	if err := s.loadSnapshots(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	fractions, err := json.Marshal(m.CumulativePremiumFractions)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET
			quote_reserve = $2::NUMERIC, base_reserve = $3::NUMERIC,
			next_funding_time = $4,
			base_asset_delta = $5::NUMERIC, open_interest_notional = $6::NUMERIC,
			premium_fractions = $7::JSONB, open = $8,
			max_holding_base = $9::NUMERIC, open_interest_cap = $10::NUMERIC,
			maintenance_margin_ratio = $11::NUMERIC, partial_liquidation_ratio = $12::NUMERIC
		 WHERE symbol = $1`,
		m.Symbol,
		m.QuoteReserve.String(), m.BaseReserve.String(),
		m.NextFundingTime,
		m.BaseAssetDelta.String(), m.OpenInterestNotional.String(),
		fractions, m.Open,
		m.MaxHoldingBase.String(), m.OpenInterestCap.String(),
		m.MaintenanceMarginRatio.String(), m.PartialLiquidationRatio.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return s.insertSnapshots(ctx, m)
}

// insertSnapshots writes the market's most recent reserve snapshot; older
// rows are already persisted.
func (s *PostgresStore) insertSnapshots(ctx context.Context, m *model.Market) error {
	if len(m.ReserveSnapshots) == 0 {
		return nil
	}
	snap := m.ReserveSnapshots[len(m.ReserveSnapshots)-1]
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reserve_snapshots (symbol, quote_reserve, base_reserve, timestamp)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (symbol, timestamp) DO NOTHING`,
		m.Symbol, snap.QuoteReserve.String(), snap.BaseReserve.String(), snap.Timestamp,
	)
	return err
}

func (s *PostgresStore) loadSnapshots(ctx context.Context, m *model.Market) error {
	rows, err := s.pool.Query(ctx,
		`SELECT quote_reserve::TEXT, base_reserve::TEXT, timestamp
		 FROM (SELECT * FROM reserve_snapshots WHERE symbol = $1
		       ORDER BY timestamp DESC LIMIT $2) recent
		 ORDER BY timestamp`,
		m.Symbol, snapshotWindow)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var q, b string
		var snap model.ReserveSnapshot
		if err := rows.Scan(&q, &b, &snap.Timestamp); err != nil {
			return err
		}
		snap.QuoteReserve = dec(q)
		snap.BaseReserve = dec(b)
		m.ReserveSnapshots = append(m.ReserveSnapshots, snap)
	}
	return rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (market_symbol, trader, size, margin, open_notional, last_premium_fraction, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (market_symbol, trader) DO UPDATE SET
			size = EXCLUDED.size, margin = EXCLUDED.margin,
			open_notional = EXCLUDED.open_notional,
			last_premium_fraction = EXCLUDED.last_premium_fraction,
			updated_at = EXCLUDED.updated_at`,
		p.MarketSymbol, p.Trader,
		p.Size.String(), p.Margin.String(), p.OpenNotional.String(),
		p.LastPremiumFraction.String(), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, symbol, trader string) (*model.Position, error) {
	var p model.Position
	var size, margin, notional, fraction string
	err := s.pool.QueryRow(ctx,
		`SELECT market_symbol, trader, size::TEXT, margin::TEXT, open_notional::TEXT,
		        last_premium_fraction::TEXT, updated_at
		 FROM positions WHERE market_symbol = $1 AND trader = $2`, symbol, trader).
		Scan(&p.MarketSymbol, &p.Trader, &size, &margin, &notional, &fraction, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get position %s/%s: %w", symbol, trader, err)
	}
	p.Size = dec(size)
	p.Margin = dec(margin)
	p.OpenNotional = dec(notional)
	p.LastPremiumFraction = dec(fraction)
	return &p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, symbol string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT market_symbol, trader, size::TEXT, margin::TEXT, open_notional::TEXT,
		        last_premium_fraction::TEXT, updated_at
		 FROM positions WHERE market_symbol = $1 AND size <> 0 ORDER BY updated_at`, symbol)
}

func (s *PostgresStore) ListPositionsByTrader(ctx context.Context, trader string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT market_symbol, trader, size::TEXT, margin::TEXT, open_notional::TEXT,
		        last_premium_fraction::TEXT, updated_at
		 FROM positions WHERE trader = $1 AND size <> 0 ORDER BY updated_at`, trader)
}

func (s *PostgresStore) listPositions(ctx context.Context, query string, arg any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var size, margin, notional, fraction string
		if err := rows.Scan(&p.MarketSymbol, &p.Trader, &size, &margin, &notional, &fraction, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Size = dec(size)
		p.Margin = dec(margin)
		p.OpenNotional = dec(notional)
		p.LastPremiumFraction = dec(fraction)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) InsertPositionChange(ctx context.Context, c *model.PositionChange) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO position_changes (id, trader, market_symbol, margin, position_notional,
			exchanged_size, fee, size_after, realized_pnl, unrealized_pnl_after,
			bad_debt, liquidation_penalty, spot_price_after, funding_payment, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			$9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15)`,
		c.ID, c.Trader, c.MarketSymbol,
		c.Margin.String(), c.PositionNotional.String(),
		c.ExchangedSize.String(), c.Fee.String(), c.SizeAfter.String(),
		c.RealizedPnl.String(), c.UnrealizedPnlAfter.String(),
		c.BadDebt.String(), c.LiquidationPenalty.String(),
		c.SpotPriceAfter.String(), c.FundingPayment.String(), c.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListPositionChangesByTrader(ctx context.Context, trader string) ([]model.PositionChange, error) {
	return s.listChanges(ctx,
		`SELECT id, trader, market_symbol, margin::TEXT, position_notional::TEXT,
			exchanged_size::TEXT, fee::TEXT, size_after::TEXT, realized_pnl::TEXT,
			unrealized_pnl_after::TEXT, bad_debt::TEXT, liquidation_penalty::TEXT,
			spot_price_after::TEXT, funding_payment::TEXT, timestamp
		 FROM position_changes WHERE trader = $1 ORDER BY timestamp`, trader)
}

func (s *PostgresStore) ListPositionChangesByMarket(ctx context.Context, symbol string) ([]model.PositionChange, error) {
	return s.listChanges(ctx,
		`SELECT id, trader, market_symbol, margin::TEXT, position_notional::TEXT,
			exchanged_size::TEXT, fee::TEXT, size_after::TEXT, realized_pnl::TEXT,
			unrealized_pnl_after::TEXT, bad_debt::TEXT, liquidation_penalty::TEXT,
			spot_price_after::TEXT, funding_payment::TEXT, timestamp
		 FROM position_changes WHERE market_symbol = $1 ORDER BY timestamp`, symbol)
}

func (s *PostgresStore) listChanges(ctx context.Context, query string, arg any) ([]model.PositionChange, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []model.PositionChange
	for rows.Next() {
		var c model.PositionChange
		var vals [11]string
		if err := rows.Scan(&c.ID, &c.Trader, &c.MarketSymbol,
			&vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5],
			&vals[6], &vals[7], &vals[8], &vals[9], &vals[10], &c.Timestamp); err != nil {
			return nil, err
		}
		c.Margin = dec(vals[0])
		c.PositionNotional = dec(vals[1])
		c.ExchangedSize = dec(vals[2])
		c.Fee = dec(vals[3])
		c.SizeAfter = dec(vals[4])
		c.RealizedPnl = dec(vals[5])
		c.UnrealizedPnlAfter = dec(vals[6])
		c.BadDebt = dec(vals[7])
		c.LiquidationPenalty = dec(vals[8])
		c.SpotPriceAfter = dec(vals[9])
		c.FundingPayment = dec(vals[10])
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (s *PostgresStore) InsertLiquidation(ctx context.Context, r *model.LiquidationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO liquidations (id, trader, market_symbol, liquidator,
			liquidator_fee, backstop_fee, closed_notional, bad_debt, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		r.ID, r.Trader, r.MarketSymbol, r.Liquidator,
		r.LiquidatorFee.String(), r.BackstopFee.String(),
		r.ClosedNotional.String(), r.BadDebt.String(), r.Timestamp,
	)
	return err
}

func (s *PostgresStore) InsertFundingRecord(ctx context.Context, r *model.FundingRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO funding_records (id, market_symbol, premium_fraction, mark_twap, oracle_twap, curve_pnl, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		r.ID, r.MarketSymbol,
		r.PremiumFraction.String(), r.MarkTwap.String(), r.OracleTwap.String(),
		r.CurvePnl.String(), r.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListFundingRecords(ctx context.Context, symbol string) ([]model.FundingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_symbol, premium_fraction::TEXT, mark_twap::TEXT,
		        oracle_twap::TEXT, curve_pnl::TEXT, timestamp
		 FROM funding_records WHERE market_symbol = $1 ORDER BY timestamp`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.FundingRecord
	for rows.Next() {
		var r model.FundingRecord
		var fraction, mark, oracle, pnl string
		if err := rows.Scan(&r.ID, &r.MarketSymbol, &fraction, &mark, &oracle, &pnl, &r.Timestamp); err != nil {
			return nil, err
		}
		r.PremiumFraction = dec(fraction)
		r.MarkTwap = dec(mark)
		r.OracleTwap = dec(oracle)
		r.CurvePnl = dec(pnl)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) InsertRecenterRecord(ctx context.Context, r *model.RecenterRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recenter_records (id, market_symbol, kind, new_quote, new_base, cost, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		r.ID, r.MarketSymbol, r.Kind,
		r.NewQuote.String(), r.NewBase.String(), r.Cost.String(), r.Timestamp,
	)
	return err
}

func (s *PostgresStore) InsertMarginChange(ctx context.Context, r *model.MarginChange) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO margin_changes (id, trader, market_symbol, amount, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		r.ID, r.Trader, r.MarketSymbol, r.Amount.String(), r.Timestamp,
	)
	return err
}

// scanMarket reads one market row, excluding reserve snapshots.
func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var quote, base, toll, spread, tradeLimit, fluctuation string
	var initMargin, maintMargin, liqFee, partialLiq, maxHolding, oiCap string
	var fundingSec, referenceSec int64
	var gapRatio, coverRate, takeRate, delta, oi string
	var fractions []byte

	if err := row.Scan(&m.Symbol, &m.OracleKey,
		&quote, &base,
		&toll, &spread, &tradeLimit, &fluctuation,
		&initMargin, &maintMargin, &liqFee, &partialLiq,
		&maxHolding, &oiCap,
		&fundingSec, &referenceSec, &m.NextFundingTime,
		&gapRatio, &m.Adjustable, &m.CanLowerK,
		&coverRate, &takeRate,
		&delta, &oi,
		&fractions, &m.Open, &m.CreatedAt); err != nil {
		return nil, err
	}

	m.QuoteReserve = dec(quote)
	m.BaseReserve = dec(base)
	m.TollRatio = dec(toll)
	m.SpreadRatio = dec(spread)
	m.TradeLimitRatio = dec(tradeLimit)
	m.FluctuationLimitRatio = dec(fluctuation)
	m.InitMarginRatio = dec(initMargin)
	m.MaintenanceMarginRatio = dec(maintMargin)
	m.LiquidationFeeRatio = dec(liqFee)
	m.PartialLiquidationRatio = dec(partialLiq)
	m.MaxHoldingBase = dec(maxHolding)
	m.OpenInterestCap = dec(oiCap)
	m.FundingPeriod = time.Duration(fundingSec) * time.Second
	m.ReferencePeriod = time.Duration(referenceSec) * time.Second
	m.RepegPriceGapRatio = dec(gapRatio)
	m.FundingCostCoverRate = dec(coverRate)
	m.FundingRevenueTakeRate = dec(takeRate)
	m.BaseAssetDelta = dec(delta)
	m.OpenInterestNotional = dec(oi)
	if err := json.Unmarshal(fractions, &m.CumulativePremiumFractions); err != nil {
		return nil, err
	}
	return &m, nil
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}
