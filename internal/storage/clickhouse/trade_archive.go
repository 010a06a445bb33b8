package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"curve-indexer/internal/domain"
	"curve-indexer/internal/storage"
)

// TradeArchiveStore implements storage.TradeArchive using ClickHouse.
type TradeArchiveStore struct {
	conn *Conn
}

// NewTradeArchiveStore creates a new TradeArchiveStore.
func NewTradeArchiveStore(conn *Conn) *TradeArchiveStore {
	return &TradeArchiveStore{conn: conn}
}

// Compile-time interface check.
var _ storage.TradeArchive = (*TradeArchiveStore)(nil)

// ArchiveTrade appends one trade row. MergeTree does not deduplicate;
// replay-level idempotency is the Postgres ledger's job, and the archive
// is only fed after a first successful apply.
func (s *TradeArchiveStore) ArchiveTrade(ctx context.Context, t *domain.Trade) error {
	query := `
		INSERT INTO trade_archive (
			timestamp, signature, token_mint, sol_amount, token_amount, is_buy, user_wallet,
			virtual_sol_reserves, virtual_token_reserves, price_sol, price_usd, ix_name, slot
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := s.conn.Exec(ctx, query,
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
		t.IxName,
		t.Slot,
	)
	if err != nil {
		return fmt.Errorf("archive trade: %w", err)
	}
	return nil
}

// DailyVolume returns the per-day volume-tracked SOL turnover for a mint
// within [start, end), oldest day first.
func (s *TradeArchiveStore) DailyVolume(ctx context.Context, mint string, start, end time.Time) (map[time.Time]decimal.Decimal, error) {
	query := `
		SELECT toStartOfDay(timestamp) AS day, sum(sol_amount)
		FROM trade_archive
		WHERE token_mint = ? AND timestamp >= ? AND timestamp < ?
		GROUP BY day
		ORDER BY day ASC
	`

	rows, err := s.conn.Query(ctx, query, mint, start, end)
	if err != nil {
		return nil, fmt.Errorf("query daily volume: %w", err)
	}
	defer rows.Close()

	volumes := make(map[time.Time]decimal.Decimal)
	for rows.Next() {
		var (
			day time.Time
			vol decimal.Decimal
		)
		if err := rows.Scan(&day, &vol); err != nil {
			return nil, fmt.Errorf("scan daily volume row: %w", err)
		}
		volumes[day.UTC()] = vol
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily volume rows: %w", err)
	}
	return volumes, nil
}
