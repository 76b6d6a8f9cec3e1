package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/tribevault/clearing-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	positions map[string]*model.Position // keyed by symbol + "/" + trader

	changes      []model.PositionChange
	liquidations []model.LiquidationRecord
	fundings     []model.FundingRecord
	recenters    []model.RecenterRecord
	margins      []model.MarginChange
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
	}
}

func positionKey(symbol, trader string) string {
	return symbol + "/" + trader
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markets[m.Symbol]; exists {
		return fmt.Errorf("store: market %s already exists", m.Symbol)
	}
	s.markets[m.Symbol] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, symbol string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m.Clone())
	}
	return markets, nil
}

func (s *MemoryStore) UpdateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.Symbol]; !ok {
		return ErrNotFound
	}
	s.markets[m.Symbol] = m.Clone()
	return nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[positionKey(p.MarketSymbol, p.Trader)] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, symbol, trader string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(symbol, trader)]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, symbol string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.MarketSymbol == symbol && p.IsOpen() {
			result = append(result, *p.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPositionsByTrader(_ context.Context, trader string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Trader == trader && p.IsOpen() {
			result = append(result, *p.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertPositionChange(_ context.Context, c *model.PositionChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.changes = append(s.changes, *c)
	return nil
}

func (s *MemoryStore) ListPositionChangesByTrader(_ context.Context, trader string) ([]model.PositionChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionChange
	for _, c := range s.changes {
		if c.Trader == trader {
			result = append(result, c)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListPositionChangesByMarket(_ context.Context, symbol string) ([]model.PositionChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionChange
	for _, c := range s.changes {
		if c.MarketSymbol == symbol {
			result = append(result, c)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertLiquidation(_ context.Context, r *model.LiquidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.liquidations = append(s.liquidations, *r)
	return nil
}

func (s *MemoryStore) InsertFundingRecord(_ context.Context, r *model.FundingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fundings = append(s.fundings, *r)
	return nil
}

func (s *MemoryStore) ListFundingRecords(_ context.Context, symbol string) ([]model.FundingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FundingRecord
	for _, r := range s.fundings {
		if r.MarketSymbol == symbol {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertRecenterRecord(_ context.Context, r *model.RecenterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recenters = append(s.recenters, *r)
	return nil
}

func (s *MemoryStore) InsertMarginChange(_ context.Context, r *model.MarginChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.margins = append(s.margins, *r)
	return nil
}
