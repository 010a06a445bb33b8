// Package pipeline drives queued signatures through resolution, parsing,
// derivation, and the ledger apply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"curve-indexer/internal/apply"
	"curve-indexer/internal/derive"
	"curve-indexer/internal/domain"
	"curve-indexer/internal/observability"
	"curve-indexer/internal/parser"
	"curve-indexer/internal/queue"
	"curve-indexer/internal/solana"
	"curve-indexer/internal/storage"
)

// Terminal outcomes recorded per transaction.
const (
	outcomeApplied     = "applied"
	outcomeDuplicate   = "duplicate"
	outcomeAuditOnly   = "audit_only"
	outcomeNoEvents    = "no_events"
	outcomeNotFound    = "not_found"
	outcomeParseFailed = "parse_failed"
	outcomeDeriveError = "derive_failed"
	outcomeFailed      = "failed_permanent"
)

// Config tunes driver concurrency and retry behavior.
type Config struct {
	// FetchWorkers is the number of concurrent RPC resolution workers.
	FetchWorkers int
	// ApplyShards is the number of apply workers. Work is routed to a
	// shard by mint, so state for one token is always applied serially.
	ApplyShards int
	// MaxAttempts bounds retries of transient failures per operation.
	MaxAttempts int
	// RetryDelay is the initial backoff, doubled per attempt up to
	// MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FetchWorkers:  8,
		ApplyShards:   4,
		MaxAttempts:   5,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = def.FetchWorkers
	}
	if c.ApplyShards <= 0 {
		c.ApplyShards = def.ApplyShards
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	return c
}

// PriceSource serves the cached SOL/USD quote.
type PriceSource interface {
	SolUSD(ctx context.Context) (decimal.Decimal, error)
}

// Options wires a Driver's collaborators.
type Options struct {
	Consumer queue.Consumer
	RPC      solana.RPCClient
	Parser   *parser.Parser
	Deriver  *derive.Deriver
	Applier  *apply.Applier
	Store    storage.LedgerStore

	// Price is optional; without it USD metrics stay nil.
	Price PriceSource

	Metrics *observability.Metrics
	Logger  *log.Logger
	Config  Config
}

// Driver consumes signature jobs and moves each to a terminal state:
// applied, audited-only, or permanently failed. Deliveries are
// acknowledged only at a terminal state.
type Driver struct {
	consumer queue.Consumer
	rpc      solana.RPCClient
	parser   *parser.Parser
	deriver  *derive.Deriver
	applier  *apply.Applier
	store    storage.LedgerStore
	price    PriceSource
	metrics  *observability.Metrics
	logger   *log.Logger
	cfg      Config
}

// New creates a Driver.
func New(opts Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	return &Driver{
		consumer: opts.Consumer,
		rpc:      opts.RPC,
		parser:   opts.Parser,
		deriver:  opts.Deriver,
		applier:  opts.Applier,
		store:    opts.Store,
		price:    opts.Price,
		metrics:  metrics,
		logger:   logger,
		cfg:      opts.Config.withDefaults(),
	}
}

// applyTask is one resolved transaction handed from a fetch worker to an
// apply shard.
type applyTask struct {
	delivery *queue.Delivery
	tx       *solana.Transaction
	events   []domain.Event
}

// Run processes jobs until ctx is cancelled. In-flight work finishes its
// current transaction before the workers drain.
func (d *Driver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	fetchCh := make(chan *queue.Delivery)
	shards := make([]chan *applyTask, d.cfg.ApplyShards)
	for i := range shards {
		shards[i] = make(chan *applyTask, 1)
	}

	g.Go(func() error {
		defer close(fetchCh)
		return d.receiveLoop(ctx, fetchCh)
	})

	var fetchWG sync.WaitGroup
	for i := 0; i < d.cfg.FetchWorkers; i++ {
		fetchWG.Add(1)
		g.Go(func() error {
			defer fetchWG.Done()
			for delivery := range fetchCh {
				d.resolve(ctx, delivery, shards)
			}
			return nil
		})
	}

	g.Go(func() error {
		fetchWG.Wait()
		for _, ch := range shards {
			close(ch)
		}
		return nil
	})

	for i := range shards {
		ch := shards[i]
		g.Go(func() error {
			for task := range ch {
				d.applyEvents(ctx, task)
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Driver) receiveLoop(ctx context.Context, out chan<- *queue.Delivery) error {
	for {
		delivery, err := d.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A malformed queue entry is dropped by the consumer; keep
			// reading.
			d.logger.Printf("receive: %v", err)
			continue
		}
		d.metrics.QueueLag.Inc()
		select {
		case out <- delivery:
		case <-ctx.Done():
			return nil
		}
	}
}

// resolve fetches and parses one transaction, then either finishes it here
// (audit-only and permanent failures) or hands it to an apply shard.
func (d *Driver) resolve(ctx context.Context, delivery *queue.Delivery, shards []chan *applyTask) {
	sig := delivery.Job.Signature
	start := time.Now()
	defer func() {
		d.metrics.StageLatency.WithLabelValues("resolve").Observe(time.Since(start).Seconds())
	}()

	tx, err := d.fetchTransaction(ctx, sig)
	if err != nil {
		d.failPermanent(ctx, delivery, "fetch", err)
		return
	}
	if tx == nil {
		// The node never saw this signature land; nothing to index.
		d.logger.Printf("transaction %s not found, dropping", sig)
		d.finish(ctx, delivery, outcomeNotFound)
		return
	}
	if tx.Slot > 0 {
		d.metrics.HighestSlotSeen.Set(float64(tx.Slot))
	}

	if delivery.Job.Failed() || !tx.Meta.Succeeded() {
		// Failed on-chain transactions never touch token state; they are
		// recorded for audit and done.
		d.auditOnly(ctx, delivery, tx, false, outcomeAuditOnly)
		return
	}

	events, err := d.parser.Parse(tx)
	if err != nil {
		// Malformed instructions never become parseable; record and move on.
		d.logger.Printf("parse %s: %v", sig, err)
		d.metrics.ParseFailures.WithLabelValues(parseFailureKind(err)).Inc()
		d.auditOnly(ctx, delivery, tx, true, outcomeParseFailed)
		return
	}
	if len(events) == 0 {
		d.auditOnly(ctx, delivery, tx, true, outcomeNoEvents)
		return
	}

	for _, ev := range events {
		d.metrics.EventsParsed.WithLabelValues(string(ev.Kind())).Inc()
	}

	task := &applyTask{delivery: delivery, tx: tx, events: events}
	// A transaction's curve events all target one mint, so the first event
	// picks the shard and per-mint ordering holds. A mixed bundle still
	// applies safely; the holder slot guard covers the interleaving.
	shard := shards[shardFor(events[0], len(shards))]
	select {
	case shard <- task:
	case <-ctx.Done():
	}
}

// fetchTransaction retries transient RPC failures and short not-found
// windows. A nil transaction with nil error means the signature is
// definitively unknown.
func (d *Driver) fetchTransaction(ctx context.Context, sig string) (*solana.Transaction, error) {
	var tx *solana.Transaction
	err := d.withRetry(ctx, func() error {
		var err error
		start := time.Now()
		tx, err = d.rpc.GetTransaction(ctx, sig)
		d.metrics.RPCCallLatency.WithLabelValues("getTransaction").Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		if tx == nil {
			// Confirmed-commitment lag; worth a few more attempts.
			return errTransactionPending
		}
		return nil
	})
	if errors.Is(err, errTransactionPending) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

var errTransactionPending = errors.New("transaction not yet available")

func (d *Driver) auditOnly(ctx context.Context, delivery *queue.Delivery, tx *solana.Transaction, success bool, outcome string) {
	rec := auditRecord(tx, success)
	err := d.withRetry(ctx, func() error {
		return d.applier.ApplyAudit(ctx, rec)
	})
	if err != nil {
		d.failPermanent(ctx, delivery, "audit", err)
		return
	}
	d.finish(ctx, delivery, outcome)
}

// applyEvents derives and applies every event of one transaction in
// instruction order. Transient failures are retried with backoff; an
// exhausted budget is terminal. Every apply is idempotent, so a replay
// after a shutdown mid-transaction converges.
func (d *Driver) applyEvents(ctx context.Context, task *applyTask) {
	solUSD := d.solUSD(ctx)
	start := time.Now()
	defer func() {
		d.metrics.StageLatency.WithLabelValues("apply").Observe(time.Since(start).Seconds())
	}()

	for _, ev := range task.events {
		switch ev := ev.(type) {
		case *domain.TokenCreatedEvent:
			update := d.deriver.DeriveCreate(ev, solUSD)
			err := d.withRetry(ctx, func() error {
				return d.timedApply(func() error {
					return d.applier.ApplyCreate(ctx, update)
				})
			})
			if err != nil {
				d.failPermanent(ctx, task.delivery, "apply create", err)
				return
			}
			d.metrics.TokensCreated.Inc()

		case *domain.TradeEvent:
			update, derr := d.deriveTrade(ctx, ev, solUSD)
			if derr != nil {
				// Zero or inconsistent amounts can never derive a price.
				d.logger.Printf("derive %s: %v", ev.Signature, derr)
				d.auditOnly(ctx, task.delivery, task.tx, true, outcomeDeriveError)
				return
			}

			var res apply.Result
			err := d.withRetry(ctx, func() error {
				return d.timedApply(func() error {
					var err error
					res, err = d.applier.ApplyTrade(ctx, update)
					return err
				})
			})
			if err != nil {
				d.failPermanent(ctx, task.delivery, "apply trade", err)
				return
			}
			if res.Outcome == apply.OutcomeDuplicate {
				d.metrics.DuplicateReplays.Inc()
			} else {
				d.metrics.TradesApplied.Inc()
			}
			if res.HolderStale {
				d.metrics.StaleHolderDeltas.Inc()
			}
		}
	}

	d.metrics.LastSuccessfulApply.SetToCurrentTime()
	d.finish(ctx, task.delivery, outcomeApplied)
}

func (d *Driver) deriveTrade(ctx context.Context, ev *domain.TradeEvent, solUSD *decimal.Decimal) (*domain.TradeUpdate, error) {
	var current *domain.Token
	err := d.withRetry(ctx, func() error {
		tok, err := d.store.GetToken(ctx, ev.Mint)
		if errors.Is(err, storage.ErrNotFound) {
			current = nil
			return nil
		}
		if err != nil {
			d.metrics.DBQueryErrors.WithLabelValues("ledger", "get_token").Inc()
			return err
		}
		current = tok
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", ev.Mint, err)
	}
	return d.deriver.DeriveTrade(ev, current, solUSD)
}

// solUSD returns the cached quote, or nil when no feed is configured or
// the cache is unusable. Trades still index without USD metrics.
func (d *Driver) solUSD(ctx context.Context) *decimal.Decimal {
	if d.price == nil {
		return nil
	}
	quote, err := d.price.SolUSD(ctx)
	if err != nil {
		d.metrics.PriceFeedFailures.Inc()
		return nil
	}
	d.metrics.SolPriceUSD.Set(quote.InexactFloat64())
	return &quote
}

// withRetry runs fn with capped exponential backoff. The last error is
// returned after MaxAttempts failures or context cancellation.
func (d *Driver) withRetry(ctx context.Context, fn func() error) error {
	delay := d.cfg.RetryDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= d.cfg.MaxAttempts {
			return err
		}
		d.metrics.TransactionRetries.Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > d.cfg.MaxRetryDelay {
			delay = d.cfg.MaxRetryDelay
		}
	}
}

// finish acknowledges a delivery at its terminal state.
func (d *Driver) finish(ctx context.Context, delivery *queue.Delivery, outcome string) {
	d.metrics.QueueLag.Dec()
	d.metrics.TransactionsProcessed.WithLabelValues(outcome).Inc()
	if err := d.consumer.Ack(ctx, delivery.ID); err != nil && ctx.Err() == nil {
		d.logger.Printf("ack %s: %v", delivery.ID, err)
	}
}

// failPermanent acknowledges a delivery whose transient failures exhausted
// the retry budget. The signature is logged and dropped for good; the queue
// must not spin on a persistently failing entry. A shutdown mid-retry
// instead leaves the delivery pending for redelivery on restart.
func (d *Driver) failPermanent(ctx context.Context, delivery *queue.Delivery, stage string, err error) {
	if ctx.Err() != nil {
		d.metrics.QueueLag.Dec()
		return
	}
	d.logger.Printf("%s %s: permanent failure after %d attempts: %v",
		stage, delivery.Job.Signature, d.cfg.MaxAttempts, err)
	d.finish(ctx, delivery, outcomeFailed)
}

// timedApply runs one ledger transaction attempt and records its duration.
func (d *Driver) timedApply(fn func() error) error {
	start := time.Now()
	err := fn()
	d.metrics.ApplyTxDuration.Observe(time.Since(start).Seconds())
	return err
}

func auditRecord(tx *solana.Transaction, success bool) *domain.TransactionRecord {
	signer := ""
	var ixCount *int32
	if tx.Message != nil {
		signer = tx.Message.Signer()
		n := int32(len(tx.Message.Instructions))
		ixCount = &n
	}
	return &domain.TransactionRecord{
		Signature:        tx.Signature,
		Slot:             tx.Slot,
		BlockTime:        time.Unix(tx.BlockTime, 0).UTC(),
		Signer:           signer,
		Success:          success,
		InstructionCount: ixCount,
	}
}

func parseFailureKind(err error) string {
	switch {
	case errors.Is(err, parser.ErrMalformedCreateEvent):
		return "create"
	case errors.Is(err, parser.ErrMalformedTradeEvent):
		return "trade"
	default:
		return "other"
	}
}

func shardFor(ev domain.Event, n int) int {
	mint := ""
	switch ev := ev.(type) {
	case *domain.TokenCreatedEvent:
		mint = ev.Mint
	case *domain.TradeEvent:
		mint = ev.Mint
	}
	h := fnv.New32a()
	h.Write([]byte(mint))
	return int(h.Sum32() % uint32(n))
}
