// Package oracle defines the price-feed collaborator of the CDP engine and
// two implementations: an in-memory table and a Redis-backed reader for
// quotes written by an external feeder.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/cdp-engine/internal/model"
)

// ErrPriceNotFound is returned when no quote exists for an asset.
var ErrPriceNotFound = errors.New("oracle: price not found")

// Oracle answers price queries. Implementations return the latest quote
// as stored; freshness is judged by the caller.
type Oracle interface {
	Price(ctx context.Context, asset model.AssetInfo) (model.PriceQuote, error)
}

// Static is an in-memory Oracle. Used for testing and development.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]model.PriceQuote
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{quotes: make(map[string]model.PriceQuote)}
}

// Set stores the quote for an asset, replacing any previous one.
func (s *Static) Set(asset model.AssetInfo, q model.PriceQuote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[asset.String()] = q
}

func (s *Static) Price(_ context.Context, asset model.AssetInfo) (model.PriceQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[asset.String()]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("%w: %s", ErrPriceNotFound, asset)
	}
	return q, nil
}

// Touch restamps every stored quote with at. The static oracle has no
// feeder, so the server touches it periodically to keep dev prices fresh.
func (s *Static) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, q := range s.quotes {
		q.LastUpdateTime = at
		s.quotes[k] = q
	}
}
