package memory

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
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func strPtr(s string) *string { return &s }

func sampleTrade(sig string, ts time.Time) *domain.Trade {
	return &domain.Trade{
		Signature:   sig,
		TokenMint:   "MintA",
		SolAmount:   dec(500_000_000),
		TokenAmount: dec(1_000_000),
		IsBuy:       true,
		UserWallet:  "walletA",
		Timestamp:   ts,
		TrackVolume: true,
		IxName:      domain.IxNameBuy,
		Slot:        100,
	}
}

func TestLedgerStore_InsertTradeDuplicate(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()
	ts := time.Now().UTC()

	err := s.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
		return l.InsertTrade(ctx, sampleTrade("sig1", ts))
	})
	require.NoError(t, err)

	err = s.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
		return l.InsertTrade(ctx, sampleTrade("sig1", ts))
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	count, err := s.TradeCount(ctx, "MintA")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLedgerStore_WithinTxRollsBackOnError(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
		require.NoError(t, l.InsertTrade(ctx, sampleTrade("sig1", time.Now().UTC())))
		require.NoError(t, l.UpsertToken(ctx, &domain.Token{MintAddress: "MintA"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := s.TradeCount(ctx, "MintA")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	_, err = s.GetToken(ctx, "MintA")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedgerStore_UpsertTokenMetadataFirstWriteWins(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()

	first := &domain.Token{
		MintAddress:          "MintA",
		Name:                 strPtr("Original"),
		VirtualSolReserves:   dec(30_000_000_000),
		BondingCurveProgress: dec(0),
	}
	second := &domain.Token{
		MintAddress:          "MintA",
		Name:                 strPtr("Overwrite Attempt"),
		Symbol:               strPtr("SYM"),
		VirtualSolReserves:   dec(31_000_000_000),
		BondingCurveProgress: dec(1),
		Complete:             true,
	}
	third := &domain.Token{
		MintAddress:          "MintA",
		VirtualSolReserves:   dec(32_000_000_000),
		BondingCurveProgress: dec(2),
	}

	for _, tok := range []*domain.Token{first, second, third} {
		err := s.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
			return l.UpsertToken(ctx, tok)
		})
		require.NoError(t, err)
	}

	got, err := s.GetToken(ctx, "MintA")
	require.NoError(t, err)

	// First non-null metadata sticks; later values never overwrite it.
	require.NotNil(t, got.Name)
	assert.Equal(t, "Original", *got.Name)
	require.NotNil(t, got.Symbol)
	assert.Equal(t, "SYM", *got.Symbol)

	// Derived state is latest-processed-wins.
	assert.True(t, got.VirtualSolReserves.Equal(dec(32_000_000_000)))

	// Complete latches even when a later update omits it.
	assert.True(t, got.Complete)
}

func TestLedgerStore_ApplyHolderDeltaSlotGuard(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()

	apply := func(delta int64, slot int64) (bool, error) {
		var applied bool
		err := s.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
			var err error
			applied, err = l.ApplyHolderDelta(ctx, &domain.HolderDelta{
				TokenMint:  "MintA",
				UserWallet: "walletA",
				Delta:      dec(delta),
				Slot:       slot,
			})
			return err
		})
		return applied, err
	}

	applied, err := apply(1000, 100)
	require.NoError(t, err)
	assert.True(t, applied)

	// Same slot is accepted.
	applied, err = apply(500, 100)
	require.NoError(t, err)
	assert.True(t, applied)

	// Older slot is a silent no-op.
	applied, err = apply(-400, 99)
	require.NoError(t, err)
	assert.False(t, applied)

	h, err := s.GetHolder(ctx, "MintA", "walletA")
	require.NoError(t, err)
	assert.True(t, h.Balance.Equal(dec(1500)), "stale delta must not apply, got %s", h.Balance)
	assert.Equal(t, int64(100), h.LastUpdatedSlot)
}

func TestLedgerStore_ApplyHolderDeltaFloorsAtZero(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
		_, err := l.ApplyHolderDelta(ctx, &domain.HolderDelta{
			TokenMint: "MintA", UserWallet: "walletA", Delta: dec(100), Slot: 1,
		})
		require.NoError(t, err)
		_, err = l.ApplyHolderDelta(ctx, &domain.HolderDelta{
			TokenMint: "MintA", UserWallet: "walletA", Delta: dec(-250), Slot: 2,
		})
		return err
	})
	require.NoError(t, err)

	h, err := s.GetHolder(ctx, "MintA", "walletA")
	require.NoError(t, err)
	assert.True(t, h.Balance.IsZero(), "balance must floor at zero, got %s", h.Balance)
}

func TestLedgerStore_RecentTradesOrderAndLimit(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()
	base := time.Now().UTC()

	err := s.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
		for i, sig := range []string{"sigA", "sigB", "sigC"} {
			tr := sampleTrade(sig, base.Add(time.Duration(i)*time.Minute))
			if err := l.InsertTrade(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	trades, err := s.RecentTrades(ctx, "MintA", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "sigC", trades[0].Signature)
	assert.Equal(t, "sigB", trades[1].Signature)
}

func TestLedgerStore_NonPositiveLimitRejected(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()

	_, err := s.RecentTrades(ctx, "MintA", 0)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = s.TopHolders(ctx, "MintA", -1)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestLedgerStore_Volume24hSkipsOldAndUntracked(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := sampleTrade("sigOld", now.Add(-48*time.Hour))
	untracked := sampleTrade("sigUntracked", now.Add(-time.Hour))
	untracked.TrackVolume = false
	recent := sampleTrade("sigRecent", now.Add(-time.Minute))

	err := s.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
		for _, tr := range []*domain.Trade{old, untracked, recent} {
			if err := l.InsertTrade(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	volume, err := s.Volume24h(ctx, "MintA")
	require.NoError(t, err)
	assert.True(t, volume.Equal(dec(500_000_000)), "got %s", volume)
}

func TestLedgerStore_InsertTransactionIdempotent(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()
	rec := &domain.TransactionRecord{
		Signature: "sig1",
		BlockTime: time.Now().UTC(),
		Slot:      10,
		Signer:    "walletA",
		Success:   true,
	}

	for i := 0; i < 2; i++ {
		err := s.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
			return l.InsertTransaction(ctx, rec)
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, s.TransactionCount())
}
