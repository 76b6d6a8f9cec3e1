// Package store defines the persistence interface for the clearing engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/tribevault/clearing-engine/internal/model"
)

// ErrNotFound is returned when a market or position does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. All record inserts are
// append-only.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by symbol.
	GetMarket(ctx context.Context, symbol string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarket commits mutated market state: reserves, exposure, the
	// funding schedule and the premium fraction history.
	UpdateMarket(ctx context.Context, market *model.Market) error

	// --- Positions ---

	// UpsertPosition writes a position; flat positions are kept with zero
	// size so history queries stay simple.
	UpsertPosition(ctx context.Context, position *model.Position) error

	// GetPosition retrieves a trader's position in one market.
	GetPosition(ctx context.Context, symbol, trader string) (*model.Position, error)

	// ListPositionsByMarket returns all open positions in a market.
	ListPositionsByMarket(ctx context.Context, symbol string) ([]model.Position, error)

	// ListPositionsByTrader returns all open positions of a trader.
	ListPositionsByTrader(ctx context.Context, trader string) ([]model.Position, error)

	// --- Immutable records ---

	// InsertPositionChange appends a position change record.
	InsertPositionChange(ctx context.Context, change *model.PositionChange) error

	// ListPositionChangesByTrader returns a trader's change history.
	ListPositionChangesByTrader(ctx context.Context, trader string) ([]model.PositionChange, error)

	// ListPositionChangesByMarket returns a market's change history.
	ListPositionChangesByMarket(ctx context.Context, symbol string) ([]model.PositionChange, error)

	// InsertLiquidation appends a liquidation record.
	InsertLiquidation(ctx context.Context, rec *model.LiquidationRecord) error

	// InsertFundingRecord appends a settled funding window.
	InsertFundingRecord(ctx context.Context, rec *model.FundingRecord) error

	// ListFundingRecords returns a market's funding history.
	ListFundingRecords(ctx context.Context, symbol string) ([]model.FundingRecord, error)

	// InsertRecenterRecord appends a repeg or K adjustment record.
	InsertRecenterRecord(ctx context.Context, rec *model.RecenterRecord) error

	// InsertMarginChange appends a margin add or remove record.
	InsertMarginChange(ctx context.Context, rec *model.MarginChange) error
}
