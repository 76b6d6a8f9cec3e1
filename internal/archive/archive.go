// Package archive streams the engine's immutable records into ClickHouse for
// analytics. The archive is fire-and-forget: the clearing path never blocks
// on it, and a full buffer drops records rather than stalling trades. The
// transactional source of truth stays in PostgreSQL.
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/tribevault/clearing-engine/internal/model"
)

const (
	bufferSize    = 4096
	flushInterval = 5 * time.Second
	flushTimeout  = 10 * time.Second
)

// Decimals travel as strings; ClickHouse parses them into Decimal128 columns
// and no precision is lost on the way.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS position_changes (
		id                   String,
		trader               String,
		market_symbol        String,
		margin               Decimal128(18),
		position_notional    Decimal128(18),
		exchanged_size       Decimal128(18),
		fee                  Decimal128(18),
		size_after           Decimal128(18),
		realized_pnl         Decimal128(18),
		unrealized_pnl_after Decimal128(18),
		bad_debt             Decimal128(18),
		liquidation_penalty  Decimal128(18),
		spot_price_after     Decimal128(18),
		funding_payment      Decimal128(18),
		timestamp            DateTime64(9, 'UTC')
	) ENGINE = MergeTree ORDER BY (market_symbol, timestamp)`,
	`CREATE TABLE IF NOT EXISTS liquidations (
		id              String,
		trader          String,
		market_symbol   String,
		liquidator      String,
		liquidator_fee  Decimal128(18),
		backstop_fee    Decimal128(18),
		closed_notional Decimal128(18),
		bad_debt        Decimal128(18),
		timestamp       DateTime64(9, 'UTC')
	) ENGINE = MergeTree ORDER BY (market_symbol, timestamp)`,
	`CREATE TABLE IF NOT EXISTS funding_records (
		id               String,
		market_symbol    String,
		premium_fraction Decimal128(18),
		mark_twap        Decimal128(18),
		oracle_twap      Decimal128(18),
		curve_pnl        Decimal128(18),
		timestamp        DateTime64(9, 'UTC')
	) ENGINE = MergeTree ORDER BY (market_symbol, timestamp)`,
}

// record is the union of archivable types, one non-nil field per entry.
type record struct {
	change      *model.PositionChange
	liquidation *model.LiquidationRecord
	funding     *model.FundingRecord
}

// Archive is a buffered ClickHouse sink. Create with Open, stop with Close.
type Archive struct {
	conn driver.Conn
	in   chan record
	done chan struct{}
}

// Open connects to ClickHouse, creates the tables, and starts the flusher.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, err
	}
	for _, stmt := range ddl {
		if err := conn.Exec(ctx, stmt); err != nil {
			return nil, err
		}
	}

	a := &Archive{
		conn: conn,
		in:   make(chan record, bufferSize),
		done: make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// PositionChange queues a position change for archival.
func (a *Archive) PositionChange(c *model.PositionChange) { a.enqueue(record{change: c}) }

// Liquidation queues a liquidation record for archival.
func (a *Archive) Liquidation(r *model.LiquidationRecord) { a.enqueue(record{liquidation: r}) }

// Funding queues a funding record for archival.
func (a *Archive) Funding(r *model.FundingRecord) { a.enqueue(record{funding: r}) }

func (a *Archive) enqueue(rec record) {
	select {
	case a.in <- rec:
	default:
		slog.Warn("archive buffer full, dropping record")
	}
}

// Close flushes pending records and closes the connection.
func (a *Archive) Close() error {
	close(a.in)
	<-a.done
	return a.conn.Close()
}

func (a *Archive) run() {
	defer close(a.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var pending []record
	for {
		select {
		case rec, ok := <-a.in:
			if !ok {
				a.flush(pending)
				return
			}
			pending = append(pending, rec)
			if len(pending) >= bufferSize/2 {
				a.flush(pending)
				pending = nil
			}
		case <-ticker.C:
			a.flush(pending)
			pending = nil
		}
	}
}

func (a *Archive) flush(pending []record) {
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	var changes, liquidations, fundings []record
	for _, rec := range pending {
		switch {
		case rec.change != nil:
			changes = append(changes, rec)
		case rec.liquidation != nil:
			liquidations = append(liquidations, rec)
		case rec.funding != nil:
			fundings = append(fundings, rec)
		}
	}

	if err := a.flushChanges(ctx, changes); err != nil {
		slog.Error("archive flush position_changes failed", "err", err, "count", len(changes))
	}
	if err := a.flushLiquidations(ctx, liquidations); err != nil {
		slog.Error("archive flush liquidations failed", "err", err, "count", len(liquidations))
	}
	if err := a.flushFundings(ctx, fundings); err != nil {
		slog.Error("archive flush funding_records failed", "err", err, "count", len(fundings))
	}
}

func (a *Archive) flushChanges(ctx context.Context, recs []record) error {
	if len(recs) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO position_changes")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		c := rec.change
		if err := batch.Append(
			c.ID, c.Trader, c.MarketSymbol,
			c.Margin.String(), c.PositionNotional.String(), c.ExchangedSize.String(),
			c.Fee.String(), c.SizeAfter.String(), c.RealizedPnl.String(),
			c.UnrealizedPnlAfter.String(), c.BadDebt.String(), c.LiquidationPenalty.String(),
			c.SpotPriceAfter.String(), c.FundingPayment.String(), c.Timestamp,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (a *Archive) flushLiquidations(ctx context.Context, recs []record) error {
	if len(recs) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO liquidations")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		r := rec.liquidation
		if err := batch.Append(
			r.ID, r.Trader, r.MarketSymbol, r.Liquidator,
			r.LiquidatorFee.String(), r.BackstopFee.String(),
			r.ClosedNotional.String(), r.BadDebt.String(), r.Timestamp,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (a *Archive) flushFundings(ctx context.Context, recs []record) error {
	if len(recs) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO funding_records")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		r := rec.funding
		if err := batch.Append(
			r.ID, r.MarketSymbol,
			r.PremiumFraction.String(), r.MarkTwap.String(), r.OracleTwap.String(),
			r.CurvePnl.String(), r.Timestamp,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}
