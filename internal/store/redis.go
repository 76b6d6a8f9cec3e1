package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tribevault/clearing-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Reserve snapshots and premium fraction history are part of the market
// payload, so cached markets stay usable for TWAP and funding math.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.UpdateMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the snapshot window applied.
	s.rdb.Del(ctx, marketKey(m.Symbol))
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKeyRedis(p.MarketSymbol, p.Trader))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, symbol string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(symbol)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, symbol, trader string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKeyRedis(symbol, trader)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, symbol, trader)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKeyRedis(symbol, trader), data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, symbol string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, symbol)
}

func (s *CachedStore) ListPositionsByTrader(ctx context.Context, trader string) ([]model.Position, error) {
	return s.primary.ListPositionsByTrader(ctx, trader)
}

func (s *CachedStore) InsertPositionChange(ctx context.Context, c *model.PositionChange) error {
	return s.primary.InsertPositionChange(ctx, c)
}

func (s *CachedStore) ListPositionChangesByTrader(ctx context.Context, trader string) ([]model.PositionChange, error) {
	return s.primary.ListPositionChangesByTrader(ctx, trader)
}

func (s *CachedStore) ListPositionChangesByMarket(ctx context.Context, symbol string) ([]model.PositionChange, error) {
	return s.primary.ListPositionChangesByMarket(ctx, symbol)
}

func (s *CachedStore) InsertLiquidation(ctx context.Context, r *model.LiquidationRecord) error {
	return s.primary.InsertLiquidation(ctx, r)
}

func (s *CachedStore) InsertFundingRecord(ctx context.Context, r *model.FundingRecord) error {
	return s.primary.InsertFundingRecord(ctx, r)
}

func (s *CachedStore) ListFundingRecords(ctx context.Context, symbol string) ([]model.FundingRecord, error) {
	return s.primary.ListFundingRecords(ctx, symbol)
}

func (s *CachedStore) InsertRecenterRecord(ctx context.Context, r *model.RecenterRecord) error {
	return s.primary.InsertRecenterRecord(ctx, r)
}

func (s *CachedStore) InsertMarginChange(ctx context.Context, r *model.MarginChange) error {
	return s.primary.InsertMarginChange(ctx, r)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.Symbol), data, s.ttl)
	}
}

func marketKey(symbol string) string { return fmt.Sprintf("market:%s", symbol) }

func positionKeyRedis(symbol, trader string) string {
	return fmt.Sprintf("position:%s:%s", symbol, trader)
}
