package price

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"curve-indexer/internal/observability"
)

// stubFetcher returns scripted prices and counts calls.
type stubFetcher struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls atomic.Int64
	block chan struct{} // when non-nil, FetchSpotPrice waits on it
}

func (s *stubFetcher) FetchSpotPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return decimal.Decimal{}, s.err
	}
	return s.price, nil
}

func (s *stubFetcher) set(price decimal.Decimal, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.err = err
}

// fakeClock is a controllable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestOracle(f Fetcher, clock *fakeClock) *Oracle {
	return NewOracle(OracleOptions{
		Fetcher:   f,
		Staleness: 30 * time.Second,
		Now:       clock.now,
	})
}

func TestOracle_CachesWithinStalenessWindow(t *testing.T) {
	fetcher := &stubFetcher{price: decimal.NewFromInt(150)}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	oracle := newTestOracle(fetcher, clock)

	for i := 0; i < 5; i++ {
		p, err := oracle.SolUSD(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !p.Equal(decimal.NewFromInt(150)) {
			t.Fatalf("expected 150, got %s", p)
		}
		clock.advance(5 * time.Second)
	}

	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("expected 1 fetch within the staleness window, got %d", got)
	}
}

func TestOracle_RefreshesAfterStaleness(t *testing.T) {
	fetcher := &stubFetcher{price: decimal.NewFromInt(150)}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	oracle := newTestOracle(fetcher, clock)

	if _, err := oracle.SolUSD(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fetcher.set(decimal.NewFromInt(155), nil)
	clock.advance(31 * time.Second)

	p, err := oracle.SolUSD(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(155)) {
		t.Errorf("expected refreshed price 155, got %s", p)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Errorf("expected 2 fetches, got %d", got)
	}
}

func TestOracle_ServesStaleOnFetchFailure(t *testing.T) {
	fetcher := &stubFetcher{price: decimal.NewFromInt(150)}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	oracle := newTestOracle(fetcher, clock)

	if _, err := oracle.SolUSD(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fetcher.set(decimal.Decimal{}, errors.New("feed down"))
	clock.advance(60 * time.Second) // stale but under the 150s ceiling

	p, err := oracle.SolUSD(context.Background())
	if err != nil {
		t.Fatalf("expected stale quote, got error: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(150)) {
		t.Errorf("expected last known price 150, got %s", p)
	}
}

func TestOracle_StaleServeFlipsGauge(t *testing.T) {
	metrics := observability.NewMetrics("oracle_stale_gauge_test")
	fetcher := &stubFetcher{price: decimal.NewFromInt(150)}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	oracle := NewOracle(OracleOptions{
		Fetcher:   fetcher,
		Staleness: 30 * time.Second,
		Now:       clock.now,
		Metrics:   metrics,
	})

	if _, err := oracle.SolUSD(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(metrics.PriceCacheStale); got != 0 {
		t.Errorf("gauge after fresh fetch: got %v, want 0", got)
	}

	fetcher.set(decimal.Decimal{}, errors.New("feed down"))
	clock.advance(60 * time.Second)
	if _, err := oracle.SolUSD(context.Background()); err != nil {
		t.Fatalf("expected stale quote, got error: %v", err)
	}
	if got := testutil.ToFloat64(metrics.PriceCacheStale); got != 1 {
		t.Errorf("gauge while serving stale: got %v, want 1", got)
	}

	fetcher.set(decimal.NewFromInt(155), nil)
	if _, err := oracle.SolUSD(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(metrics.PriceCacheStale); got != 0 {
		t.Errorf("gauge after recovery: got %v, want 0", got)
	}
}

func TestOracle_FailsBeyondHardCeiling(t *testing.T) {
	fetcher := &stubFetcher{price: decimal.NewFromInt(150)}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	oracle := newTestOracle(fetcher, clock)

	if _, err := oracle.SolUSD(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fetcher.set(decimal.Decimal{}, errors.New("feed down"))
	clock.advance(151 * time.Second) // beyond 5 staleness windows

	_, err := oracle.SolUSD(context.Background())
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestOracle_FailsWithNoCachedQuote(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("feed down")}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	oracle := newTestOracle(fetcher, clock)

	_, err := oracle.SolUSD(context.Background())
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestOracle_SingleFlightUnderContention(t *testing.T) {
	fetcher := &stubFetcher{price: decimal.NewFromInt(150), block: make(chan struct{})}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	oracle := newTestOracle(fetcher, clock)

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if _, err := oracle.SolUSD(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	// Let the callers pile up on the in-flight fetch, then release it.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.block)
	wg.Wait()

	// All callers must share a small number of flights; with the pile-up
	// above, one. Never one fetch per caller.
	if got := fetcher.calls.Load(); got > 2 {
		t.Errorf("expected shared in-flight fetch, got %d fetches for %d callers", got, callers)
	}
}
