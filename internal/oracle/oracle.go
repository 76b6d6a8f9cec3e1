// Package oracle provides the index price feed consumed by funding
// settlement and liquidation checks.
//
// Prices are pushed by an operator and stored as timestamped points per key,
// so consumers can read both the latest price and a trailing TWAP.
package oracle

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownKey is returned when no price has been posted for a key.
	ErrUnknownKey = errors.New("oracle: unknown price key")

	// ErrInvalidPrice is returned when a posted price is not positive.
	ErrInvalidPrice = errors.New("oracle: price must be positive")
)

// PricePoint is one posted observation.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Feed is an in-memory price feed keyed by oracle key (e.g. "BAYC-ETH").
// Safe for concurrent use.
type Feed struct {
	mu     sync.RWMutex
	points map[string][]PricePoint
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{points: make(map[string][]PricePoint)}
}

// Post records a price observation for key at the given time.
func (f *Feed) Post(key string, price decimal.Decimal, now time.Time) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[key] = append(f.points[key], PricePoint{Price: price, Timestamp: now})
	return nil
}

// Latest returns the most recent price for key.
func (f *Feed) Latest(key string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pts := f.points[key]
	if len(pts) == 0 {
		return decimal.Zero, ErrUnknownKey
	}
	return pts[len(pts)-1].Price, nil
}

// Twap returns the time-weighted average price for key over the trailing
// interval. Each observation is weighted by how long it stood; the window is
// clipped at interval. With a single observation it returns that price.
func (f *Feed) Twap(key string, interval time.Duration, now time.Time) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pts := f.points[key]
	if len(pts) == 0 {
		return decimal.Zero, ErrUnknownKey
	}
	if interval <= 0 {
		return pts[len(pts)-1].Price, nil
	}
	cutoff := now.Add(-interval)

	weightedSum := decimal.Zero
	totalWeight := decimal.Zero
	end := now
	for i := len(pts) - 1; i >= 0; i-- {
		pt := pts[i]
		start := pt.Timestamp
		if start.Before(cutoff) {
			start = cutoff
		}
		if !end.After(start) {
			break
		}
		weight := decimal.NewFromInt(int64(end.Sub(start) / time.Second))
		weightedSum = weightedSum.Add(pt.Price.Mul(weight))
		totalWeight = totalWeight.Add(weight)
		if !pt.Timestamp.After(cutoff) {
			break
		}
		end = pt.Timestamp
	}
	if totalWeight.IsZero() {
		return pts[len(pts)-1].Price, nil
	}
	return weightedSum.Div(totalWeight), nil
}
