package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"curve-indexer/internal/domain"
	"curve-indexer/internal/storage"
)

// LedgerStore implements storage.LedgerStore using PostgreSQL. Writes issued
// through WithinTx share one database transaction.
type LedgerStore struct {
	pool *Pool
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(pool *Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LedgerStore = (*LedgerStore)(nil)

// WithinTx runs fn inside one database transaction.
func (s *LedgerStore) WithinTx(ctx context.Context, fn func(ctx context.Context, l storage.Ledger) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &txLedger{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// txLedger implements storage.Ledger over one open transaction.
type txLedger struct {
	tx pgx.Tx
}

var _ storage.Ledger = (*txLedger)(nil)

// InsertTrade appends one trade row; conflict on (timestamp, signature) is
// reported as ErrDuplicateKey without touching the existing row.
func (l *txLedger) InsertTrade(ctx context.Context, t *domain.Trade) error {
	query := `
		INSERT INTO trades (
			timestamp, signature, token_mint, sol_amount, token_amount, is_buy, user_wallet,
			virtual_sol_reserves, virtual_token_reserves, price_sol, price_usd,
			track_volume, ix_name, slot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (timestamp, signature) DO NOTHING
	`

	tag, err := l.tx.Exec(ctx, query,
		t.Timestamp,
		t.Signature,
		t.TokenMint,
		t.SolAmount,
		t.TokenAmount,
		t.IsBuy,
		t.UserWallet,
		t.VirtualSolReserves,
		t.VirtualTokenReserves,
		t.PriceSOL,
		t.PriceUSD,
		t.TrackVolume,
		t.IxName,
		t.Slot,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

// UpsertToken writes the token row. Derived fields overwrite unconditionally;
// metadata columns keep their first non-null value; complete is OR-latched.
func (l *txLedger) UpsertToken(ctx context.Context, t *domain.Token) error {
	query := `
		INSERT INTO tokens (
			mint_address, name, symbol, uri, bonding_curve_address, creator_wallet,
			virtual_token_reserves, virtual_sol_reserves, real_token_reserves, token_total_supply,
			market_cap_usd, bonding_curve_progress, complete, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		ON CONFLICT (mint_address) DO UPDATE SET
			name = COALESCE(tokens.name, EXCLUDED.name),
			symbol = COALESCE(tokens.symbol, EXCLUDED.symbol),
			uri = COALESCE(tokens.uri, EXCLUDED.uri),
			bonding_curve_address = COALESCE(tokens.bonding_curve_address, EXCLUDED.bonding_curve_address),
			creator_wallet = COALESCE(tokens.creator_wallet, EXCLUDED.creator_wallet),
			virtual_token_reserves = EXCLUDED.virtual_token_reserves,
			virtual_sol_reserves = EXCLUDED.virtual_sol_reserves,
			real_token_reserves = EXCLUDED.real_token_reserves,
			token_total_supply = EXCLUDED.token_total_supply,
			market_cap_usd = EXCLUDED.market_cap_usd,
			bonding_curve_progress = EXCLUDED.bonding_curve_progress,
			complete = tokens.complete OR EXCLUDED.complete,
			updated_at = NOW()
	`

	_, err := l.tx.Exec(ctx, query,
		t.MintAddress,
		t.Name,
		t.Symbol,
		t.URI,
		t.BondingCurveAddress,
		t.CreatorWallet,
		t.VirtualTokenReserves,
		t.VirtualSolReserves,
		t.RealTokenReserves,
		t.TokenTotalSupply,
		t.MarketCapUSD,
		t.BondingCurveProgress,
		t.Complete,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// ApplyHolderDelta adjusts one holder balance. The slot guard accepts
// writes at or above the stored slot; a stale write affects no rows.
func (l *txLedger) ApplyHolderDelta(ctx context.Context, d *domain.HolderDelta) (bool, error) {
	query := `
		INSERT INTO token_holders (token_mint, user_wallet, balance, last_updated_slot, updated_at)
		VALUES ($1, $2, GREATEST($3::NUMERIC, 0), $4, NOW())
		ON CONFLICT (token_mint, user_wallet) DO UPDATE SET
			balance = GREATEST(token_holders.balance + $3::NUMERIC, 0),
			last_updated_slot = EXCLUDED.last_updated_slot,
			updated_at = NOW()
		WHERE token_holders.last_updated_slot <= EXCLUDED.last_updated_slot
	`

	tag, err := l.tx.Exec(ctx, query, d.TokenMint, d.UserWallet, d.Delta, d.Slot)
	if err != nil {
		return false, fmt.Errorf("apply holder delta: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertTransaction appends one audit row; duplicates are silent.
func (l *txLedger) InsertTransaction(ctx context.Context, r *domain.TransactionRecord) error {
	query := `
		INSERT INTO transactions (block_time, signature, slot, signer, success, instruction_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (block_time, signature) DO NOTHING
	`

	_, err := l.tx.Exec(ctx, query,
		r.BlockTime,
		r.Signature,
		r.Slot,
		r.Signer,
		r.Success,
		r.InstructionCount,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const tokenColumns = `
	mint_address, name, symbol, uri, bonding_curve_address, creator_wallet,
	virtual_token_reserves, virtual_sol_reserves, real_token_reserves, token_total_supply,
	market_cap_usd, bonding_curve_progress, complete, created_at, updated_at
`

// GetToken retrieves a token by mint. Returns ErrNotFound if unseen.
func (s *LedgerStore) GetToken(ctx context.Context, mint string) (*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE mint_address = $1`

	var t domain.Token
	err := s.pool.QueryRow(ctx, query, mint).Scan(
		&t.MintAddress,
		&t.Name,
		&t.Symbol,
		&t.URI,
		&t.BondingCurveAddress,
		&t.CreatorWallet,
		&t.VirtualTokenReserves,
		&t.VirtualSolReserves,
		&t.RealTokenReserves,
		&t.TokenTotalSupply,
		&t.MarketCapUSD,
		&t.BondingCurveProgress,
		&t.Complete,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

// RecentTrades retrieves the latest trades for a mint, newest first.
func (s *LedgerStore) RecentTrades(ctx context.Context, mint string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT timestamp, signature, token_mint, sol_amount, token_amount, is_buy, user_wallet,
		       virtual_sol_reserves, virtual_token_reserves, price_sol, price_usd,
		       track_volume, ix_name, slot
		FROM trades
		WHERE token_mint = $1
		ORDER BY timestamp DESC, signature ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, mint, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// TopHolders retrieves holders with positive balance, largest first.
func (s *LedgerStore) TopHolders(ctx context.Context, mint string, limit int) ([]*domain.TokenHolder, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT token_mint, user_wallet, balance, last_updated_slot, updated_at
		FROM token_holders
		WHERE token_mint = $1 AND balance > 0
		ORDER BY balance DESC, user_wallet ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, mint, limit)
	if err != nil {
		return nil, fmt.Errorf("get top holders: %w", err)
	}
	defer rows.Close()

	var holders []*domain.TokenHolder
	for rows.Next() {
		var h domain.TokenHolder
		if err := rows.Scan(&h.TokenMint, &h.UserWallet, &h.Balance, &h.LastUpdatedSlot, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan holder row: %w", err)
		}
		holders = append(holders, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holder rows: %w", err)
	}
	return holders, nil
}

// GetHolder retrieves one holder row. Returns ErrNotFound if absent.
func (s *LedgerStore) GetHolder(ctx context.Context, mint, wallet string) (*domain.TokenHolder, error) {
	query := `
		SELECT token_mint, user_wallet, balance, last_updated_slot, updated_at
		FROM token_holders
		WHERE token_mint = $1 AND user_wallet = $2
	`

	var h domain.TokenHolder
	err := s.pool.QueryRow(ctx, query, mint, wallet).Scan(
		&h.TokenMint, &h.UserWallet, &h.Balance, &h.LastUpdatedSlot, &h.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get holder: %w", err)
	}
	return &h, nil
}

// TradeCount returns the number of trades recorded for a mint.
func (s *LedgerStore) TradeCount(ctx context.Context, mint string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trades WHERE token_mint = $1`, mint).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return count, nil
}

// Volume24h returns the volume-tracked SOL turnover of the last 24 hours.
func (s *LedgerStore) Volume24h(ctx context.Context, mint string) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(sol_amount), 0)
		FROM trades
		WHERE token_mint = $1 AND track_volume AND timestamp >= NOW() - INTERVAL '24 hours'
	`

	var volume decimal.Decimal
	if err := s.pool.QueryRow(ctx, query, mint).Scan(&volume); err != nil {
		return decimal.Decimal{}, fmt.Errorf("sum 24h volume: %w", err)
	}
	return volume, nil
}

// scanTrades scans multiple rows into a slice of Trade.
func scanTrades(rows pgx.Rows) ([]*domain.Trade, error) {
	var trades []*domain.Trade

	for rows.Next() {
		var t domain.Trade

		err := rows.Scan(
			&t.Timestamp,
			&t.Signature,
			&t.TokenMint,
			&t.SolAmount,
			&t.TokenAmount,
			&t.IsBuy,
			&t.UserWallet,
			&t.VirtualSolReserves,
			&t.VirtualTokenReserves,
			&t.PriceSOL,
			&t.PriceUSD,
			&t.TrackVolume,
			&t.IxName,
			&t.Slot,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}

		trades = append(trades, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}

	return trades, nil
}
