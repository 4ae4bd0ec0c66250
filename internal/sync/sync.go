// Package sync implements the incremental sync orchestrator (C8): the
// per-table state machine idle -> leased -> reading -> writing -> advancing
// -> done | aborted, driving C2/C3/C4/C6/C7 through one run. Grounded on the
// teacher's internal/lifecycle FSM for the state transitions and on
// internal/engine.Evaluate's WaitGroup fan-out/fan-in idiom, extended with a
// semaphore, for the bounded-concurrency enrichment window.
package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/oakhealth/syncpipe/internal/ai"
	"github.com/oakhealth/syncpipe/internal/lifecycle"
	"github.com/oakhealth/syncpipe/internal/metadata"
	"github.com/oakhealth/syncpipe/internal/pii"
	"github.com/oakhealth/syncpipe/internal/retry"
	"github.com/oakhealth/syncpipe/internal/sink"
	"github.com/oakhealth/syncpipe/internal/source"
	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Reporter is the C10 capability the orchestrator reports batch progress
// through. Defined locally (rather than importing internal/progress
// directly) so C8 depends on a narrow interface, matching spec §4.10's
// "the core uses it as a capability, not a dependency on any specific
// backend."
type Reporter interface {
	Report(ctx context.Context, counters domain.Counters, rate float64)
}

// NopReporter discards every report.
type NopReporter struct{}

func (NopReporter) Report(context.Context, domain.Counters, float64) {}

// EnrichmentGate decides whether a row requires AI enrichment. The default
// (nil) enriches every row.
type EnrichmentGate func(domain.WorkOrder) bool

// Config tunes one orchestrator instance.
type Config struct {
	BatchSize      int
	MaxInFlightAI  int // bounded concurrency window for scrub->extract->embed, per §5
	RetryPolicy    retry.Policy
	NeedsEnrichment EnrichmentGate
	Logger         *slog.Logger
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxInFlightAI <= 0 {
		c.MaxInFlightAI = 2
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		c.RetryPolicy = retry.DefaultPolicy(3, time.Second)
	}
	if c.NeedsEnrichment == nil {
		c.NeedsEnrichment = func(domain.WorkOrder) bool { return true }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator runs the incremental sync algorithm (§4.8) for one table per
// RunTable call. Incremental runs use max_workers=1 per table (§5): callers
// must not invoke RunTable concurrently for the same table.
type Orchestrator struct {
	metadata metadata.Store
	source   source.Reader
	sink     sink.Writer
	ai       ai.Client
	reporter Reporter
	cfg      Config
}

// New builds an Orchestrator. Zero-value fields in cfg take the documented
// defaults.
func New(metadataStore metadata.Store, sourceReader source.Reader, sinkWriter sink.Writer, aiClient ai.Client, reporter Reporter, cfg Config) *Orchestrator {
	cfg.setDefaults()
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &Orchestrator{
		metadata: metadataStore,
		source:   sourceReader,
		sink:     sinkWriter,
		ai:       aiClient,
		reporter: reporter,
		cfg:      cfg,
	}
}

// RunTable executes one full incremental sync run against table, per the
// six-step algorithm in spec §4.8. It drives the run through the
// idle -> leased -> reading -> (writing -> advancing)* -> done | aborted
// state machine; an invalid transition is a programming error in this
// orchestrator and panics rather than silently corrupting progress.
func (o *Orchestrator) RunTable(ctx context.Context, table string) error {
	state := domain.RunIdle
	advance := func(to domain.RunState) {
		if err := lifecycle.Transition(state, to); err != nil {
			panic(err)
		}
		state = to
	}
	abort := func(reason string, lease *domain.Lease) error {
		advance(domain.RunAborted)
		_ = o.metadata.AbortRun(ctx, lease, reason)
		return errors.New(reason)
	}

	lease, err := o.metadata.BeginRun(ctx, table)
	if err != nil {
		o.cfg.Logger.Warn("sync: lease not acquired", "table", table, "error", err)
		return err
	}
	advance(domain.RunLeased)

	since := domain.WatermarkCursor{Watermark: lease.Metadata.LastWatermark, ID: lease.Metadata.CheckpointBlob.LastID}

	advance(domain.RunReading)
	cursor, err := o.source.OpenStream(ctx, table, since, o.cfg.BatchSize)
	if err != nil {
		return abort(err.Error(), lease)
	}
	defer cursor.Close(ctx)

	var total domain.Counters
	highWatermark := since

	for {
		batchStart := time.Now()

		var batch []domain.WorkOrder
		fetchErr := retry.Do(ctx, o.cfg.RetryPolicy, domain.Category, func(ctx context.Context) error {
			var err error
			batch, err = cursor.FetchBatch(ctx)
			return err
		})
		if fetchErr != nil {
			return abort(fetchErr.Error(), lease)
		}
		if len(batch) == 0 {
			advance(domain.RunAdvancing)
			break
		}

		// Defensive clock-skew filter: rows at or behind the already-advanced
		// boundary are dropped rather than re-upserted (§4.8 edge-case policy).
		filtered := batch[:0]
		for _, row := range batch {
			if highWatermark.Less(row.Cursor()) {
				filtered = append(filtered, row)
			}
		}
		batch = filtered
		if len(batch) == 0 {
			continue
		}

		advance(domain.RunWriting)

		counters, err := o.enrichBatch(ctx, batch)
		if err != nil {
			return abort(err.Error(), lease)
		}

		upsertErr := retry.Do(ctx, o.cfg.RetryPolicy, domain.Category, func(ctx context.Context) error {
			result, err := o.sink.UpsertBatch(ctx, table, batch)
			if err != nil {
				return err
			}
			counters.RowsUpserted += int64(result.Inserted + result.Updated)
			counters.RowsQuarantined += int64(result.Quarantined)
			return nil
		})
		if upsertErr != nil {
			return abort(upsertErr.Error(), lease)
		}

		for _, row := range batch {
			if highWatermark.Less(row.Cursor()) {
				highWatermark = row.Cursor()
			}
		}

		advance(domain.RunAdvancing)

		blob := domain.Checkpoint{LastWatermark: highWatermark.Watermark, LastID: highWatermark.ID, BatchSizeInEffect: o.cfg.BatchSize}
		if err := o.metadata.Checkpoint(ctx, lease, highWatermark.Watermark, counters, blob); err != nil {
			return abort(err.Error(), lease)
		}

		total.Add(counters)
		elapsed := time.Since(batchStart).Seconds()
		rate := 0.0
		if elapsed > 0 {
			rate = float64(len(batch)) / elapsed
		}
		o.reporter.Report(ctx, counters, rate)

		advance(domain.RunReading)
	}

	advance(domain.RunDone)
	return o.metadata.CommitRun(ctx, lease, highWatermark.Watermark, total)
}

// enrichBatch runs scrub -> extract -> embed for every row in batch that
// NeedsEnrichment selects, bounded to MaxInFlightAI concurrent rows via a
// semaphore channel, and persists the resulting extractions/embeddings
// before returning. Fan-out follows the engine package's WaitGroup idiom
// (one goroutine per item, results written to a pre-sized slice by index,
// joined with a single Wait), extended with the semaphore since nothing in
// the teacher bounds its own fan-out. A single row's enrichment failure
// does not abort the batch: it is logged and counted, and the row is still
// upserted without enrichment (soft degradation at the row level, distinct
// from the budget policy's soft_degrade/hard_gate choice at the client
// level).
func (o *Orchestrator) enrichBatch(ctx context.Context, batch []domain.WorkOrder) (domain.Counters, error) {
	var counters domain.Counters
	toEnrich := make([]domain.WorkOrder, 0, len(batch))
	for _, row := range batch {
		if o.cfg.NeedsEnrichment(row) {
			toEnrich = append(toEnrich, row)
		}
	}
	if len(toEnrich) == 0 {
		return counters, nil
	}

	extractions := make([]domain.Extraction, len(toEnrich))
	embeddings := make([]domain.Embedding, len(toEnrich))
	ok := make([]bool, len(toEnrich))

	sem := make(chan struct{}, o.cfg.MaxInFlightAI)
	var wg stdsync.WaitGroup

	for i, row := range toEnrich {
		wg.Add(1)
		go func(idx int, row domain.WorkOrder) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			scrubbed, _ := pii.Scrub(row.LongText)

			var extraction domain.Extraction
			extractErr := retry.Do(ctx, o.cfg.RetryPolicy, domain.Category, func(ctx context.Context) error {
				var err error
				extraction, err = o.ai.Extract(ctx, row.ID, scrubbed)
				return err
			})
			if extractErr != nil {
				// Enrichment is supplementary: a row that exhausts retries still
				// gets upserted without it, per sync's graceful-degradation policy.
				o.cfg.Logger.Warn("sync: row enrichment failed, upserting without enrichment", "notification_id", row.ID, "error", extractErr)
				return
			}

			var vector []float32
			embedErr := retry.Do(ctx, o.cfg.RetryPolicy, domain.Category, func(ctx context.Context) error {
				var err error
				vector, err = o.ai.Embed(ctx, scrubbed)
				return err
			})
			if embedErr != nil {
				o.cfg.Logger.Warn("sync: embedding failed, keeping extraction", "notification_id", row.ID, "error", embedErr)
				extractions[idx] = extraction
				ok[idx] = true
				return
			}

			extractions[idx] = extraction
			embeddings[idx] = domain.Embedding{NotificationID: row.ID, SourceText: scrubbed, ModelVersion: extraction.ModelVersion, Vector: vector, CreatedAt: extraction.ExtractedAt}
			ok[idx] = true
		}(i, row)
	}
	wg.Wait()

	var successfulExtractions []domain.Extraction
	for i, v := range ok {
		if !v {
			continue
		}
		successfulExtractions = append(successfulExtractions, extractions[i])
		counters.RowsExtracted++
		if embeddings[i].NotificationID != "" {
			if err := o.sink.Embeddings().Put(ctx, embeddings[i]); err != nil {
				return counters, err
			}
		}
	}
	if len(successfulExtractions) > 0 {
		if err := o.sink.UpsertExtractions(ctx, successfulExtractions); err != nil {
			return counters, err
		}
	}

	return counters, nil
}
