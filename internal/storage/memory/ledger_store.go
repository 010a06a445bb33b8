// Package memory implements the ledger store with in-process maps. It
// mirrors the Postgres semantics (duplicate detection, COALESCE metadata,
// slot guard, transactional rollback) for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"curve-indexer/internal/domain"
	"curve-indexer/internal/storage"
)

type tradeKey struct {
	ts  int64
	sig string
}

type holderKey struct {
	mint   string
	wallet string
}

// LedgerStore implements storage.LedgerStore in memory.
type LedgerStore struct {
	mu      sync.Mutex
	tokens  map[string]domain.Token
	trades  map[tradeKey]domain.Trade
	holders map[holderKey]domain.TokenHolder
	audits  map[tradeKey]domain.TransactionRecord

	now func() time.Time
}

// NewLedgerStore creates an empty in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		tokens:  make(map[string]domain.Token),
		trades:  make(map[tradeKey]domain.Trade),
		holders: make(map[holderKey]domain.TokenHolder),
		audits:  make(map[tradeKey]domain.TransactionRecord),
		now:     time.Now,
	}
}

// Compile-time interface checks.
var (
	_ storage.LedgerStore = (*LedgerStore)(nil)
	_ storage.Ledger      = (*memLedger)(nil)
)

// WithinTx runs fn under the store lock; on error every write made by fn
// is rolled back.
func (s *LedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, l storage.Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapTokens := cloneMap(s.tokens)
	snapTrades := cloneMap(s.trades)
	snapHolders := cloneMap(s.holders)
	snapAudits := cloneMap(s.audits)

	if err := fn(ctx, &memLedger{store: s}); err != nil {
		s.tokens = snapTokens
		s.trades = snapTrades
		s.holders = snapHolders
		s.audits = snapAudits
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// memLedger performs writes directly on the locked store.
type memLedger struct {
	store *LedgerStore
}

func (l *memLedger) InsertTrade(_ context.Context, t *domain.Trade) error {
	key := tradeKey{ts: t.Timestamp.UnixNano(), sig: t.Signature}
	if _, exists := l.store.trades[key]; exists {
		return storage.ErrDuplicateKey
	}
	l.store.trades[key] = *t
	return nil
}

func (l *memLedger) UpsertToken(_ context.Context, t *domain.Token) error {
	now := l.store.now()
	existing, exists := l.store.tokens[t.MintAddress]
	if !exists {
		stored := *t
		stored.UpdatedAt = &now
		l.store.tokens[t.MintAddress] = stored
		return nil
	}

	// Metadata is first-write-wins, derived state latest-wins.
	existing.Name = coalesce(existing.Name, t.Name)
	existing.Symbol = coalesce(existing.Symbol, t.Symbol)
	existing.URI = coalesce(existing.URI, t.URI)
	existing.BondingCurveAddress = coalesce(existing.BondingCurveAddress, t.BondingCurveAddress)
	existing.CreatorWallet = coalesce(existing.CreatorWallet, t.CreatorWallet)
	existing.VirtualTokenReserves = t.VirtualTokenReserves
	existing.VirtualSolReserves = t.VirtualSolReserves
	existing.RealTokenReserves = t.RealTokenReserves
	existing.TokenTotalSupply = t.TokenTotalSupply
	existing.MarketCapUSD = t.MarketCapUSD
	existing.BondingCurveProgress = t.BondingCurveProgress
	existing.Complete = existing.Complete || t.Complete
	existing.UpdatedAt = &now
	l.store.tokens[t.MintAddress] = existing
	return nil
}

func (l *memLedger) ApplyHolderDelta(_ context.Context, d *domain.HolderDelta) (bool, error) {
	now := l.store.now()
	key := holderKey{mint: d.TokenMint, wallet: d.UserWallet}

	existing, exists := l.store.holders[key]
	if exists && existing.LastUpdatedSlot > d.Slot {
		return false, nil
	}

	balance := d.Delta
	if exists {
		balance = existing.Balance.Add(d.Delta)
	}
	if balance.IsNegative() {
		balance = decimal.Zero
	}

	l.store.holders[key] = domain.TokenHolder{
		TokenMint:       d.TokenMint,
		UserWallet:      d.UserWallet,
		Balance:         balance,
		LastUpdatedSlot: d.Slot,
		UpdatedAt:       &now,
	}
	return true, nil
}

func (l *memLedger) InsertTransaction(_ context.Context, r *domain.TransactionRecord) error {
	key := tradeKey{ts: r.BlockTime.UnixNano(), sig: r.Signature}
	if _, exists := l.store.audits[key]; exists {
		return nil
	}
	now := l.store.now()
	stored := *r
	stored.CreatedAt = &now
	l.store.audits[key] = stored
	return nil
}

func coalesce(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}

// GetToken retrieves a token by mint.
func (s *LedgerStore) GetToken(_ context.Context, mint string) (*domain.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[mint]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := t
	return &out, nil
}

// RecentTrades retrieves the latest trades for a mint, newest first.
func (s *LedgerStore) RecentTrades(_ context.Context, mint string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var trades []*domain.Trade
	for _, t := range s.trades {
		if t.TokenMint != mint {
			continue
		}
		out := t
		trades = append(trades, &out)
	}
	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].Timestamp.Equal(trades[j].Timestamp) {
			return trades[i].Timestamp.After(trades[j].Timestamp)
		}
		return trades[i].Signature < trades[j].Signature
	})
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// TopHolders retrieves holders with positive balance, largest first.
func (s *LedgerStore) TopHolders(_ context.Context, mint string, limit int) ([]*domain.TokenHolder, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var holders []*domain.TokenHolder
	for _, h := range s.holders {
		if h.TokenMint != mint || !h.Balance.IsPositive() {
			continue
		}
		out := h
		holders = append(holders, &out)
	}
	sort.Slice(holders, func(i, j int) bool {
		if !holders[i].Balance.Equal(holders[j].Balance) {
			return holders[i].Balance.GreaterThan(holders[j].Balance)
		}
		return holders[i].UserWallet < holders[j].UserWallet
	})
	if len(holders) > limit {
		holders = holders[:limit]
	}
	return holders, nil
}

// GetHolder retrieves one holder row.
func (s *LedgerStore) GetHolder(_ context.Context, mint, wallet string) (*domain.TokenHolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holders[holderKey{mint: mint, wallet: wallet}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := h
	return &out, nil
}

// TradeCount returns the number of trades recorded for a mint.
func (s *LedgerStore) TradeCount(_ context.Context, mint string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, t := range s.trades {
		if t.TokenMint == mint {
			count++
		}
	}
	return count, nil
}

// Volume24h returns volume-tracked SOL turnover of the last 24 hours.
func (s *LedgerStore) Volume24h(_ context.Context, mint string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-24 * time.Hour)
	volume := decimal.Zero
	for _, t := range s.trades {
		if t.TokenMint == mint && t.TrackVolume && !t.Timestamp.Before(cutoff) {
			volume = volume.Add(t.SolAmount)
		}
	}
	return volume, nil
}

// TransactionCount reports the number of audit rows, for tests.
func (s *LedgerStore) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audits)
}
