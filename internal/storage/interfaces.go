package storage

import (
	"context"

	"github.com/shopspring/decimal"

	"curve-indexer/internal/domain"
)

// Ledger is the transactional write surface the applier works against. All
// methods called within one WithinTx closure commit or roll back together.
type Ledger interface {
	// InsertTrade appends one trade row. Returns ErrDuplicateKey when the
	// (timestamp, signature) pair already exists; the row is never updated.
	InsertTrade(ctx context.Context, t *domain.Trade) error

	// UpsertToken inserts or updates a token row. Derived fields (reserves,
	// market cap, progress) are latest-processed-wins; metadata fields are
	// first-write-wins; the complete flag is set once and never cleared.
	UpsertToken(ctx context.Context, t *domain.Token) error

	// ApplyHolderDelta adjusts one holder balance by the signed delta,
	// floored at zero. The write is accepted only when the delta's slot is
	// >= the stored last-updated slot; a stale delta returns (false, nil).
	ApplyHolderDelta(ctx context.Context, d *domain.HolderDelta) (applied bool, err error)

	// InsertTransaction appends one audit row. A duplicate
	// (block_time, signature) pair is a silent no-op.
	InsertTransaction(ctx context.Context, r *domain.TransactionRecord) error
}

// LedgerStore opens ledger transactions and serves the read-side query
// surface. Queries are never used by the derivation path.
type LedgerStore interface {
	// WithinTx runs fn inside one storage transaction. fn returning an
	// error rolls every write back; ErrDuplicateKey from InsertTrade must
	// be propagated unchanged so callers can distinguish replay from fault.
	WithinTx(ctx context.Context, fn func(ctx context.Context, l Ledger) error) error

	// GetToken retrieves a token by mint. Returns ErrNotFound if unseen.
	GetToken(ctx context.Context, mint string) (*domain.Token, error)

	// RecentTrades retrieves the latest trades for a mint, newest first.
	RecentTrades(ctx context.Context, mint string, limit int) ([]*domain.Trade, error)

	// TopHolders retrieves holders of a mint with positive balance,
	// largest first.
	TopHolders(ctx context.Context, mint string, limit int) ([]*domain.TokenHolder, error)

	// GetHolder retrieves one holder row. Returns ErrNotFound if absent.
	GetHolder(ctx context.Context, mint, wallet string) (*domain.TokenHolder, error)

	// TradeCount returns the number of trades recorded for a mint.
	TradeCount(ctx context.Context, mint string) (int64, error)

	// Volume24h returns the SOL volume traded in the last 24 hours,
	// in lamports, counting only volume-tracked trades.
	Volume24h(ctx context.Context, mint string) (decimal.Decimal, error)
}

// TradeArchive is the analytics sink fed after a successful apply. Archive
// failures are logged by callers, never surfaced into the pipeline.
type TradeArchive interface {
	ArchiveTrade(ctx context.Context, t *domain.Trade) error
}
