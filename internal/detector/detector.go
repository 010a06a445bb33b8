// Package detector subscribes to the bonding-curve program's log stream
// and publishes every mentioned transaction signature to the work queue.
package detector

import (
	"context"
	"encoding/json"
	"log"

	"curve-indexer/internal/observability"
	"curve-indexer/internal/parser"
	"curve-indexer/internal/queue"
	"curve-indexer/internal/solana"
)

// defaultDedupeWindow bounds the recent-signature set. logsSubscribe
// redelivers notifications around reconnects; the downstream apply is
// idempotent, so the window only exists to keep queue traffic down.
const defaultDedupeWindow = 4096

// Options configures a Detector.
type Options struct {
	Streamer  solana.LogStreamer
	Publisher queue.Publisher

	// ProgramID defaults to the pump.fun program.
	ProgramID string

	// DedupeWindow is the number of recent signatures suppressed from
	// re-publishing. Zero means the default.
	DedupeWindow int

	Metrics *observability.Metrics
	Logger  *log.Logger
}

// Detector bridges a log stream to the signature queue.
type Detector struct {
	streamer  solana.LogStreamer
	publisher queue.Publisher
	programID string
	metrics   *observability.Metrics
	logger    *log.Logger

	seen     map[string]struct{}
	seenRing []string
	seenPos  int
}

// New creates a Detector.
func New(opts Options) *Detector {
	if opts.ProgramID == "" {
		opts.ProgramID = parser.PumpProgramID
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = defaultDedupeWindow
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.DefaultMetrics
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Detector{
		streamer:  opts.Streamer,
		publisher: opts.Publisher,
		programID: opts.ProgramID,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		seen:      make(map[string]struct{}, opts.DedupeWindow),
		seenRing:  make([]string, opts.DedupeWindow),
	}
}

// Run subscribes and publishes until ctx is cancelled or the stream closes.
func (d *Detector) Run(ctx context.Context) error {
	logs, err := d.streamer.Subscribe(ctx, d.programID)
	if err != nil {
		return err
	}
	d.logger.Printf("watching program %s", d.programID)

	for {
		select {
		case notif, ok := <-logs:
			if !ok {
				return nil
			}
			d.handle(ctx, &notif)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Detector) handle(ctx context.Context, notif *solana.LogNotification) {
	if notif.Signature == "" {
		return
	}
	d.metrics.SignaturesDetected.Inc()
	if notif.Slot > 0 {
		d.metrics.HighestSlotSeen.Set(float64(notif.Slot))
	}

	if d.recentlySeen(notif.Signature) {
		return
	}

	job := &queue.SignatureJob{
		Signature: notif.Signature,
		Slot:      notif.Slot,
	}
	if notif.Err != nil {
		if raw, err := json.Marshal(notif.Err); err == nil {
			s := string(raw)
			job.TxError = &s
		}
	}

	if err := d.publisher.Publish(ctx, job); err != nil {
		if ctx.Err() == nil {
			d.logger.Printf("publish %s: %v", notif.Signature, err)
		}
		return
	}
	d.metrics.SignaturesPublished.Inc()
}

// recentlySeen records the signature and reports whether it was already in
// the window.
func (d *Detector) recentlySeen(sig string) bool {
	if _, ok := d.seen[sig]; ok {
		return true
	}
	if old := d.seenRing[d.seenPos]; old != "" {
		delete(d.seen, old)
	}
	d.seenRing[d.seenPos] = sig
	d.seenPos = (d.seenPos + 1) % len(d.seenRing)
	d.seen[sig] = struct{}{}
	return false
}
