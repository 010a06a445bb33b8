// Package apply commits derived updates to the ledger as atomic,
// replay-safe units.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log"

	"curve-indexer/internal/domain"
	"curve-indexer/internal/observability"
	"curve-indexer/internal/storage"
)

// Outcome classifies what an apply did.
type Outcome int

const (
	// OutcomeApplied means every row was written and committed.
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate means the trade was already recorded; nothing was
	// mutated and the transaction can be acknowledged as done.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result reports the outcome of one trade apply.
type Result struct {
	Outcome Outcome

	// HolderStale is true when the holder delta targeted a slot older than
	// the stored balance and was skipped. The rest of the unit still commits.
	HolderStale bool
}

// Applier writes derived updates through a LedgerStore transaction and
// mirrors committed trades into the analytics archive.
type Applier struct {
	store   storage.LedgerStore
	archive storage.TradeArchive
	metrics *observability.Metrics
	logger  *log.Logger
}

// Options configures an Applier.
type Options struct {
	// Archive receives a copy of every committed trade. Optional; archive
	// failures are logged and never fail the apply.
	Archive storage.TradeArchive

	Metrics *observability.Metrics
	Logger  *log.Logger
}

// New creates an Applier on top of the given ledger store.
func New(store storage.LedgerStore, opts Options) *Applier {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	return &Applier{
		store:   store,
		archive: opts.Archive,
		metrics: metrics,
		logger:  logger,
	}
}

// ApplyTrade commits one trade unit: the trade row, the recomputed token
// state, the holder delta, and the audit record, all in one transaction.
// A replayed trade aborts before any other write and returns
// OutcomeDuplicate with a nil error.
func (a *Applier) ApplyTrade(ctx context.Context, u *domain.TradeUpdate) (Result, error) {
	var res Result
	err := a.store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
		// The trade insert goes first: its (timestamp, signature) key is
		// the replay sentinel for the whole unit.
		if err := l.InsertTrade(ctx, &u.Trade); err != nil {
			return err
		}
		if err := l.UpsertToken(ctx, &u.Token); err != nil {
			return err
		}
		applied, err := l.ApplyHolderDelta(ctx, &u.Holder)
		if err != nil {
			return err
		}
		res.HolderStale = !applied
		return l.InsertTransaction(ctx, &u.Audit)
	})
	if errors.Is(err, storage.ErrDuplicateKey) {
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		a.metrics.DBQueryErrors.WithLabelValues("ledger", "apply_trade").Inc()
		return Result{}, fmt.Errorf("apply trade %s: %w", u.Trade.Signature, err)
	}

	res.Outcome = OutcomeApplied
	a.archiveTrade(ctx, &u.Trade)
	return res, nil
}

// ApplyCreate commits a token creation: the initial token row plus the
// audit record. Replays are absorbed by the upsert semantics, so a repeat
// apply is a harmless no-op.
func (a *Applier) ApplyCreate(ctx context.Context, u *domain.TokenUpdate) error {
	err := a.store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
		if err := l.UpsertToken(ctx, &u.Token); err != nil {
			return err
		}
		return l.InsertTransaction(ctx, &u.Audit)
	})
	if err != nil {
		a.metrics.DBQueryErrors.WithLabelValues("ledger", "apply_create").Inc()
		return fmt.Errorf("apply create %s: %w", u.Token.MintAddress, err)
	}
	return nil
}

// ApplyAudit records only the audit row for a transaction that produced no
// ledger writes, such as one that failed on chain.
func (a *Applier) ApplyAudit(ctx context.Context, r *domain.TransactionRecord) error {
	err := a.store.WithinTx(ctx, func(ctx context.Context, l storage.Ledger) error {
		return l.InsertTransaction(ctx, r)
	})
	if err != nil {
		a.metrics.DBQueryErrors.WithLabelValues("ledger", "apply_audit").Inc()
		return fmt.Errorf("apply audit %s: %w", r.Signature, err)
	}
	return nil
}

func (a *Applier) archiveTrade(ctx context.Context, t *domain.Trade) {
	if a.archive == nil {
		return
	}
	if err := a.archive.ArchiveTrade(ctx, t); err != nil {
		a.metrics.DBQueryErrors.WithLabelValues("archive", "archive_trade").Inc()
		a.logger.Printf("archive trade %s: %v", t.Signature, err)
	}
}
