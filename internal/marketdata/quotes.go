// Package marketdata holds the in-process last-traded-price store fed by
// the fill simulator's random-walk publisher. Orders are filled against an
// internal simulator, not a live exchange; these quotes are the working
// prices for MARKET orders and the marks for unrealized P&L.
package marketdata

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// QuoteSource is what the order and risk engines need from market data.
type QuoteSource interface {
	Last(symbol string) (decimal.Decimal, bool)
}

type Quotes struct {
	mu   sync.RWMutex
	last map[string]decimal.Decimal
}

func NewQuotes(seeds map[string]decimal.Decimal) *Quotes {
	last := make(map[string]decimal.Decimal, len(seeds))
	for sym, price := range seeds {
		last[sym] = price
	}
	return &Quotes{last: last}
}

func (q *Quotes) Last(symbol string) (decimal.Decimal, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	price, ok := q.last[symbol]
	return price, ok
}

func (q *Quotes) Set(symbol string, price decimal.Decimal) {
	if !price.GreaterThan(decimal.Zero) {
		return
	}
	q.mu.Lock()
	q.last[symbol] = price
	q.mu.Unlock()
}

func (q *Quotes) Symbols() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.last))
	for sym := range q.last {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// StartPublisher runs a random-walk tick loop over every seeded symbol
// until ctx is cancelled. Step size is bounded to ±0.2% per tick.
func StartPublisher(ctx context.Context, quotes *Quotes, interval time.Duration, log *slog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	step := func() {
		for _, sym := range quotes.Symbols() {
			price, ok := quotes.Last(sym)
			if !ok {
				continue
			}
			drift := decimal.NewFromFloat((rng.Float64() - 0.5) * 0.004)
			next := price.Mul(decimal.NewFromInt(1).Add(drift)).Round(2)
			if next.GreaterThan(decimal.Zero) {
				quotes.Set(sym, next)
			}
		}
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Info("quote publisher started", "symbols", len(quotes.Symbols()), "interval", interval.String())
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				step()
			}
		}
	}()
}
