package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curve-indexer/internal/domain"
	"curve-indexer/internal/storage"
	pgstore "curve-indexer/internal/storage/postgres"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func sampleTrade(sig string, ts time.Time) *domain.Trade {
	return &domain.Trade{
		Signature:            sig,
		TokenMint:            "MintA",
		SolAmount:            dec(500_000_000),
		TokenAmount:          dec(1_000_000),
		IsBuy:                true,
		UserWallet:           "walletA",
		Timestamp:            ts,
		VirtualSolReserves:   dec(30_500_000_000),
		VirtualTokenReserves: dec(1_072_999_000_000_000),
		PriceSOL:             ptr(dec(500)),
		PriceUSD:             ptr(dec(50_000)),
		TrackVolume:          true,
		IxName:               domain.IxNameBuy,
		Slot:                 100,
	}
}

func TestLedgerStore_Postgres(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := pgstore.NewLedgerStore(pool)

	t.Run("insert trade and read back", func(t *testing.T) {
		truncateAll(t, ctx, pool)

		ts := time.Now().UTC().Truncate(time.Microsecond)
		err := store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
			return l.InsertTrade(ctx, sampleTrade("sig1", ts))
		})
		require.NoError(t, err)

		trades, err := store.RecentTrades(ctx, "MintA", 10)
		require.NoError(t, err)
		require.Len(t, trades, 1)

		got := trades[0]
		assert.Equal(t, "sig1", got.Signature)
		assert.True(t, got.SolAmount.Equal(dec(500_000_000)))
		assert.True(t, got.IsBuy)
		require.NotNil(t, got.PriceSOL)
		assert.True(t, got.PriceSOL.Equal(dec(500)))
		assert.Equal(t, int64(100), got.Slot)
	})

	t.Run("duplicate trade insert returns ErrDuplicateKey", func(t *testing.T) {
		truncateAll(t, ctx, pool)

		ts := time.Now().UTC().Truncate(time.Microsecond)
		err := store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
			return l.InsertTrade(ctx, sampleTrade("sig1", ts))
		})
		require.NoError(t, err)

		err = store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
			return l.InsertTrade(ctx, sampleTrade("sig1", ts))
		})
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)

		count, err := store.TradeCount(ctx, "MintA")
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("token upsert semantics", func(t *testing.T) {
		truncateAll(t, ctx, pool)

		created := time.Now().UTC().Truncate(time.Microsecond)
		upsert := func(tok *domain.Token) {
			t.Helper()
			err := store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
				return l.UpsertToken(ctx, tok)
			})
			require.NoError(t, err)
		}

		upsert(&domain.Token{
			MintAddress:          "MintA",
			Name:                 ptr("Original"),
			VirtualTokenReserves: dec(1_073_000_000_000_000),
			VirtualSolReserves:   dec(30_000_000_000),
			RealTokenReserves:    dec(793_100_000_000_000),
			TokenTotalSupply:     dec(1_000_000_000_000_000),
			MarketCapUSD:         ptr(dec(4000)),
			BondingCurveProgress: decimal.RequireFromString("35.29"),
			CreatedAt:            created,
		})

		upsert(&domain.Token{
			MintAddress:          "MintA",
			Name:                 ptr("Overwrite Attempt"),
			Symbol:               ptr("SYM"),
			VirtualTokenReserves: dec(1_000_000_000_000_000),
			VirtualSolReserves:   dec(40_000_000_000),
			TokenTotalSupply:     dec(1_000_000_000_000_000),
			BondingCurveProgress: decimal.RequireFromString("47.06"),
			Complete:             true,
			CreatedAt:            created,
		})

		// A later update without metadata or completion.
		upsert(&domain.Token{
			MintAddress:          "MintA",
			VirtualTokenReserves: dec(900_000_000_000_000),
			VirtualSolReserves:   dec(41_000_000_000),
			TokenTotalSupply:     dec(1_000_000_000_000_000),
			BondingCurveProgress: decimal.RequireFromString("48.24"),
			CreatedAt:            created,
		})

		got, err := store.GetToken(ctx, "MintA")
		require.NoError(t, err)

		require.NotNil(t, got.Name)
		assert.Equal(t, "Original", *got.Name, "first-write-wins metadata")
		require.NotNil(t, got.Symbol)
		assert.Equal(t, "SYM", *got.Symbol)
		assert.True(t, got.VirtualSolReserves.Equal(dec(41_000_000_000)), "latest-wins derived state")
		assert.Nil(t, got.MarketCapUSD, "latest derivation had no USD quote")
		assert.True(t, got.Complete, "complete latches")
	})

	t.Run("holder slot guard", func(t *testing.T) {
		truncateAll(t, ctx, pool)

		apply := func(delta, slot int64) bool {
			t.Helper()
			var applied bool
			err := store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
				var err error
				applied, err = l.ApplyHolderDelta(ctx, &domain.HolderDelta{
					TokenMint:  "MintA",
					UserWallet: "walletA",
					Delta:      dec(delta),
					Slot:       slot,
				})
				return err
			})
			require.NoError(t, err)
			return applied
		}

		assert.True(t, apply(1000, 100))
		assert.True(t, apply(500, 100), "equal slot is accepted")
		assert.False(t, apply(-400, 99), "stale slot is a no-op")

		h, err := store.GetHolder(ctx, "MintA", "walletA")
		require.NoError(t, err)
		assert.True(t, h.Balance.Equal(dec(1500)), "got %s", h.Balance)
		assert.Equal(t, int64(100), h.LastUpdatedSlot)

		// Sell below zero floors at zero.
		assert.True(t, apply(-9999, 101))
		h, err = store.GetHolder(ctx, "MintA", "walletA")
		require.NoError(t, err)
		assert.True(t, h.Balance.IsZero(), "got %s", h.Balance)
	})

	t.Run("atomic rollback", func(t *testing.T) {
		truncateAll(t, ctx, pool)

		boom := errors.New("boom")
		ts := time.Now().UTC().Truncate(time.Microsecond)
		err := store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
			require.NoError(t, l.InsertTrade(ctx, sampleTrade("sig1", ts)))
			require.NoError(t, l.UpsertToken(ctx, &domain.Token{
				MintAddress: "MintA",
				CreatedAt:   ts,
			}))
			_, err := l.ApplyHolderDelta(ctx, &domain.HolderDelta{
				TokenMint: "MintA", UserWallet: "walletA", Delta: dec(10), Slot: 1,
			})
			require.NoError(t, err)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		count, err := store.TradeCount(ctx, "MintA")
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
		_, err = store.GetToken(ctx, "MintA")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.GetHolder(ctx, "MintA", "walletA")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("audit insert is write-once", func(t *testing.T) {
		truncateAll(t, ctx, pool)

		rec := &domain.TransactionRecord{
			Signature: "sig1",
			Slot:      10,
			BlockTime: time.Now().UTC().Truncate(time.Microsecond),
			Signer:    "walletA",
			Success:   false,
		}
		for i := 0; i < 2; i++ {
			err := store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
				return l.InsertTransaction(ctx, rec)
			})
			require.NoError(t, err)
		}

		var count int64
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count))
		assert.Equal(t, int64(1), count)
	})

	t.Run("top holders and 24h volume", func(t *testing.T) {
		truncateAll(t, ctx, pool)

		now := time.Now().UTC().Truncate(time.Microsecond)
		err := store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
			for _, h := range []struct {
				wallet string
				delta  int64
			}{{"walletA", 100}, {"walletB", 300}, {"walletC", 0}} {
				if _, err := l.ApplyHolderDelta(ctx, &domain.HolderDelta{
					TokenMint: "MintA", UserWallet: h.wallet, Delta: dec(h.delta), Slot: 1,
				}); err != nil {
					return err
				}
			}

			old := sampleTrade("sigOld", now.Add(-48*time.Hour))
			recent := sampleTrade("sigRecent", now.Add(-time.Hour))
			untracked := sampleTrade("sigUntracked", now.Add(-time.Minute))
			untracked.TrackVolume = false
			for _, tr := range []*domain.Trade{old, recent, untracked} {
				if err := l.InsertTrade(ctx, tr); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		holders, err := store.TopHolders(ctx, "MintA", 10)
		require.NoError(t, err)
		require.Len(t, holders, 2, "zero balances are excluded")
		assert.Equal(t, "walletB", holders[0].UserWallet)
		assert.Equal(t, "walletA", holders[1].UserWallet)

		volume, err := store.Volume24h(ctx, "MintA")
		require.NoError(t, err)
		assert.True(t, volume.Equal(dec(500_000_000)), "got %s", volume)
	})
}
