// Package price provides the SOL/USD spot-price oracle with a time-bounded
// cache in front of the external feed.
package price

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"curve-indexer/internal/observability"
)

// PairSOLUSD identifies the quote served by the oracle.
const PairSOLUSD = "SOL/USD"

// Default cache windows.
const (
	DefaultStaleness   = 30 * time.Second
	DefaultHardCeiling = 5 * DefaultStaleness
)

// ErrPriceUnavailable is returned when no quote can be served: the fetch
// failed and the cached quote is absent or older than the hard ceiling.
var ErrPriceUnavailable = errors.New("price unavailable")

// Fetcher retrieves a spot price from the external feed.
type Fetcher interface {
	// FetchSpotPrice returns the current quote for the pair.
	FetchSpotPrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

// quote is one cached spot price.
type quote struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Oracle caches the SOL/USD quote with a staleness window. A request that
// finds the cache absent or stale triggers one synchronous fetch; concurrent
// callers share that fetch. On fetch failure the last known quote is served
// while younger than the hard ceiling.
type Oracle struct {
	fetcher     Fetcher
	staleness   time.Duration
	hardCeiling time.Duration
	now         func() time.Time
	metrics     *observability.Metrics
	logger      *log.Logger

	group singleflight.Group

	mu     sync.RWMutex
	cached *quote
}

// OracleOptions configures an Oracle.
type OracleOptions struct {
	Fetcher     Fetcher
	Staleness   time.Duration // default 30s
	HardCeiling time.Duration // default 5 staleness windows
	Now         func() time.Time
	Metrics     *observability.Metrics
	Logger      *log.Logger
}

// NewOracle creates a price oracle backed by the given fetcher.
func NewOracle(opts OracleOptions) *Oracle {
	staleness := opts.Staleness
	if staleness == 0 {
		staleness = DefaultStaleness
	}
	ceiling := opts.HardCeiling
	if ceiling == 0 {
		ceiling = 5 * staleness
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	return &Oracle{
		fetcher:     opts.Fetcher,
		staleness:   staleness,
		hardCeiling: ceiling,
		now:         now,
		metrics:     metrics,
		logger:      logger,
	}
}

// SolUSD returns the current SOL/USD quote, refreshing the cache when it is
// absent or older than the staleness window.
func (o *Oracle) SolUSD(ctx context.Context) (decimal.Decimal, error) {
	if q := o.fresh(); q != nil {
		return q.price, nil
	}

	// Single-flight: concurrent callers during a refresh share one fetch.
	v, err, _ := o.group.Do(PairSOLUSD, func() (interface{}, error) {
		// The cache may have been refreshed while this caller waited
		// for the flight slot.
		if q := o.fresh(); q != nil {
			return q.price, nil
		}

		p, err := o.fetcher.FetchSpotPrice(ctx, PairSOLUSD)
		if err != nil {
			return decimal.Decimal{}, err
		}

		o.mu.Lock()
		o.cached = &quote{price: p, fetchedAt: o.now()}
		o.mu.Unlock()
		o.metrics.PriceCacheStale.Set(0)
		return p, nil
	})
	if err == nil {
		return v.(decimal.Decimal), nil
	}

	// Fetch failed: serve the last known quote while it is younger than
	// the hard ceiling, otherwise fail explicitly.
	o.mu.RLock()
	cached := o.cached
	o.mu.RUnlock()
	if cached != nil && o.now().Sub(cached.fetchedAt) <= o.hardCeiling {
		o.metrics.PriceCacheStale.Set(1)
		o.logger.Printf("price fetch failed, serving stale quote (age %v): %v",
			o.now().Sub(cached.fetchedAt).Round(time.Second), err)
		return cached.price, nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
}

// fresh returns the cached quote when it is younger than the staleness
// window, or nil.
func (o *Oracle) fresh() *quote {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.cached == nil {
		return nil
	}
	if o.now().Sub(o.cached.fetchedAt) >= o.staleness {
		return nil
	}
	return o.cached
}
