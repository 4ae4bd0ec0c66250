// Package backfill implements the historical backfill orchestrator (C9): a
// bounded worker pool that replays a [from, to) date range through the same
// scrub/extract/embed/upsert sub-pipeline as incremental sync, with
// resumable checkpoints and memory-aware batch sizing.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"

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
// through, mirroring internal/sync.Reporter.
type Reporter interface {
	Report(ctx context.Context, counters domain.Counters, rate float64)
}

// NopReporter discards every report.
type NopReporter struct{}

func (NopReporter) Report(context.Context, domain.Counters, float64) {}

// EnrichmentGate decides whether a row requires AI enrichment. A nil gate
// enriches every row.
type EnrichmentGate func(domain.WorkOrder) bool

// batchesPerSlice bounds how many batches are drawn from one open cursor
// before the orchestrator reassesses memory pressure and, if needed,
// reopens the cursor with an adjusted batch size for the next slice.
const batchesPerSlice = 8

// Config tunes one Orchestrator instance.
type Config struct {
	MaxWorkers      int // bounded worker pool width (§5 inter-batch envelope)
	MaxInFlightAI   int // bounded AI fan-out within one worker's batch
	BatchSize       int
	MaxMemoryMB     int
	RetryPolicy     retry.Policy
	NeedsEnrichment EnrichmentGate
	Logger          *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.MaxInFlightAI <= 0 {
		c.MaxInFlightAI = c.MaxWorkers * 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = 1024
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

// Orchestrator runs the historical backfill algorithm (§4.9) for one table
// per RunBackfill call.
type Orchestrator struct {
	metadata metadata.Store
	source   source.Reader
	sink     sink.Writer
	ai       ai.Client
	reporter Reporter
	memOpt   *MemoryOptimizer
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
		memOpt:   NewMemoryOptimizer(cfg.MaxMemoryMB),
		cfg:      cfg,
	}
}

// batchResult is what one worker reports back for a single fetched batch.
type batchResult struct {
	seq       int
	boundary  domain.WatermarkCursor
	rangeStart domain.WatermarkCursor
	counters  domain.Counters
	failed    *domain.FailedRange
}

// taskHandle pairs a submitted pond task with the sequence number the
// checkpoint serializer needs to apply results strictly in fetch order,
// even though the pool itself runs them out of order.
type taskHandle struct {
	seq  int
	task pond.ResultTask[batchResult]
}

// RunBackfill replays table's rows in [from, to) through scrub/extract/
// embed/upsert, resuming from the table's checkpoint boundary when it lies
// within the requested range. Up to cfg.MaxWorkers batches are upserted
// concurrently (§5); checkpoint writes are applied by a single goroutine, in
// fetch order, so the persisted boundary is always monotonic despite
// out-of-order batch completion.
func (o *Orchestrator) RunBackfill(ctx context.Context, table string, from, to time.Time) error {
	state := domain.RunIdle
	advance := func(s domain.RunState) {
		if err := lifecycle.Transition(state, s); err != nil {
			panic(err)
		}
		state = s
	}
	abort := func(reason string, lease *domain.Lease) error {
		advance(domain.RunAborted)
		_ = o.metadata.AbortRun(ctx, lease, reason)
		return errors.New(reason)
	}

	lease, err := o.metadata.BeginRun(ctx, table)
	if err != nil {
		o.cfg.Logger.Warn("backfill: lease not acquired", "table", table, "error", err)
		return err
	}
	advance(domain.RunLeased)

	committed := domain.WatermarkCursor{Watermark: from}
	if ckpt := lease.Metadata.CheckpointBlob; ckpt.LastWatermark.After(from) {
		committed = domain.WatermarkCursor{Watermark: ckpt.LastWatermark, ID: ckpt.LastID}
	}

	var total domain.Counters
	var failedRanges []domain.FailedRange
	batchSize := o.cfg.BatchSize
	if bs := lease.Metadata.CheckpointBlob.BatchSizeInEffect; bs > 0 {
		batchSize = bs
	}

	advance(domain.RunReading)
	for {
		if !committed.Watermark.Before(to) {
			break
		}

		cursor, err := o.source.OpenStream(ctx, table, committed, batchSize)
		if err != nil {
			return abort(err.Error(), lease)
		}

		sliceCounters, sliceFailed, reachedEnd, eof, err := o.runSlice(ctx, table, lease, cursor, &committed, batchSize, to)
		cursor.Close(ctx)
		if err != nil {
			return abort(err.Error(), lease)
		}
		total.Add(sliceCounters)
		failedRanges = append(failedRanges, sliceFailed...)

		if reachedEnd || eof {
			break
		}

		batchSize = o.memOpt.NextBatchSize(batchSize, o.memOpt.SampledMemoryMB())
	}

	advance(domain.RunAdvancing)
	blob := domain.Checkpoint{LastWatermark: committed.Watermark, LastID: committed.ID, FailedRanges: failedRanges, BatchSizeInEffect: batchSize}
	if err := o.metadata.Checkpoint(ctx, lease, committed.Watermark, total, blob); err != nil {
		return abort(err.Error(), lease)
	}

	advance(domain.RunDone)
	return o.metadata.CommitRun(ctx, lease, committed.Watermark, total)
}

// runSlice drains up to batchesPerSlice batches from one open cursor through
// a bounded worker pool, applying checkpoints in fetch order as each
// batch's worker completes. It returns once the slice budget is spent, the
// cursor reaches EOF, or a fetched batch crosses the requested end boundary.
func (o *Orchestrator) runSlice(ctx context.Context, table string, lease *domain.Lease, cursor source.Cursor, committed *domain.WatermarkCursor, batchSize int, to time.Time) (domain.Counters, []domain.FailedRange, bool, bool, error) {
	pool := pond.NewResultPool[batchResult](o.cfg.MaxWorkers)
	sem := make(chan struct{}, o.cfg.MaxWorkers*2)
	handles := make(chan taskHandle, o.cfg.MaxWorkers*2)

	collectorDone := make(chan struct{})
	var collectedCounters domain.Counters
	var collectedFailed []domain.FailedRange
	var collectErr error

	go func() {
		defer close(collectorDone)
		for h := range handles {
			result, err := h.task.Wait()
			<-sem
			if err != nil {
				collectErr = err
				return
			}
			if result.failed != nil {
				collectedFailed = append(collectedFailed, *result.failed)
				o.cfg.Logger.Warn("backfill: batch quarantined", "table", table, "range_start", result.failed.Start, "range_end", result.failed.End, "reason", result.failed.Reason)
				continue
			}
			if committed.Less(result.boundary) {
				*committed = result.boundary
			}
			collectedCounters.Add(result.counters)
			blob := domain.Checkpoint{LastWatermark: committed.Watermark, LastID: committed.ID, BatchSizeInEffect: batchSize}
			if err := o.metadata.Checkpoint(ctx, lease, committed.Watermark, result.counters, blob); err != nil {
				collectErr = err
				return
			}
			o.reporter.Report(ctx, result.counters, 0)
		}
	}()

	eof := false
	reachedEnd := false
	seq := 0
	for seq < batchesPerSlice {
		batch, err := cursor.FetchBatch(ctx)
		if err != nil {
			close(handles)
			<-collectorDone
			return collectedCounters, collectedFailed, false, false, err
		}
		if len(batch) == 0 {
			eof = true
			break
		}

		rangeStart := *committed
		filtered := batch[:0]
		for _, row := range batch {
			if row.NotifiedAt.Before(to) && rangeStart.Less(row.Cursor()) {
				filtered = append(filtered, row)
			} else if !row.NotifiedAt.Before(to) {
				reachedEnd = true
			}
		}
		batch = filtered
		if len(batch) == 0 {
			if reachedEnd {
				break
			}
			continue
		}

		boundary := rangeStart
		for _, row := range batch {
			if boundary.Less(row.Cursor()) {
				boundary = row.Cursor()
			}
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			close(handles)
			<-collectorDone
			return collectedCounters, collectedFailed, false, false, ctx.Err()
		}

		thisSeq := seq
		task := pool.Submit(func() batchResult {
			return o.processBatch(ctx, table, thisSeq, rangeStart, boundary, batch)
		})
		handles <- taskHandle{seq: thisSeq, task: task}
		seq++

		if reachedEnd {
			break
		}
	}

	close(handles)
	<-collectorDone
	pool.Stop()

	if collectErr != nil {
		return collectedCounters, collectedFailed, false, false, collectErr
	}
	return collectedCounters, collectedFailed, reachedEnd, eof, nil
}

// processBatch runs scrub -> extract -> embed -> upsert for one batch,
// retried as a unit up to cfg.RetryPolicy.MaxAttempts times. A batch that
// exhausts retries is quarantined as a domain.FailedRange rather than
// aborting the run, per §4.9's failure-containment policy.
func (o *Orchestrator) processBatch(ctx context.Context, table string, seq int, rangeStart, boundary domain.WatermarkCursor, batch []domain.WorkOrder) batchResult {
	var counters domain.Counters
	err := retry.Do(ctx, o.cfg.RetryPolicy, domain.Category, func(ctx context.Context) error {
		counters = domain.Counters{}
		return o.enrichAndUpsert(ctx, table, batch, &counters)
	})
	if err != nil {
		return batchResult{
			seq:        seq,
			rangeStart: rangeStart,
			failed: &domain.FailedRange{
				Start:  rangeStart,
				End:    boundary,
				Reason: err.Error(),
			},
		}
	}
	return batchResult{seq: seq, rangeStart: rangeStart, boundary: boundary, counters: counters}
}

// enrichAndUpsert scrubs, extracts, and embeds every enrichment-eligible row
// in batch, then upserts the whole batch. A single row's enrichment failure
// degrades that row rather than the batch, matching internal/sync's policy;
// the batch only fails (and becomes retry-eligible) on a sink or embedding
// store error.
func (o *Orchestrator) enrichAndUpsert(ctx context.Context, table string, batch []domain.WorkOrder, counters *domain.Counters) error {
	sem := make(chan struct{}, o.cfg.MaxInFlightAI)
	type enriched struct {
		extraction domain.Extraction
		embedding  domain.Embedding
		ok         bool
	}
	results := make([]enriched, len(batch))

	done := make(chan struct{}, len(batch))
	for i, row := range batch {
		if !o.cfg.NeedsEnrichment(row) {
			done <- struct{}{}
			continue
		}
		go func(idx int, row domain.WorkOrder) {
			defer func() { done <- struct{}{} }()
			sem <- struct{}{}
			defer func() { <-sem }()

			scrubbed, _ := pii.Scrub(row.LongText)
			var extraction domain.Extraction
			if err := retry.Do(ctx, o.cfg.RetryPolicy, domain.Category, func(ctx context.Context) error {
				var err error
				extraction, err = o.ai.Extract(ctx, row.ID, scrubbed)
				return err
			}); err != nil {
				o.cfg.Logger.Warn("backfill: row enrichment failed, upserting without enrichment", "notification_id", row.ID, "error", err)
				return
			}

			var vector []float32
			if err := retry.Do(ctx, o.cfg.RetryPolicy, domain.Category, func(ctx context.Context) error {
				var err error
				vector, err = o.ai.Embed(ctx, scrubbed)
				return err
			}); err != nil {
				results[idx] = enriched{extraction: extraction, ok: true}
				return
			}

			results[idx] = enriched{
				extraction: extraction,
				embedding: domain.Embedding{
					NotificationID: row.ID,
					SourceText:     scrubbed,
					ModelVersion:   extraction.ModelVersion,
					Vector:         vector,
					CreatedAt:      extraction.ExtractedAt,
				},
				ok: true,
			}
		}(i, row)
	}
	for range batch {
		<-done
	}

	var extractions []domain.Extraction
	for i, r := range results {
		if !r.ok {
			continue
		}
		extractions = append(extractions, r.extraction)
		counters.RowsExtracted++
		if r.embedding.NotificationID != "" {
			if err := o.sink.Embeddings().Put(ctx, r.embedding); err != nil {
				return fmt.Errorf("backfill: put embedding for %s: %w", batch[i].ID, err)
			}
		}
	}
	if len(extractions) > 0 {
		if err := o.sink.UpsertExtractions(ctx, extractions); err != nil {
			return fmt.Errorf("backfill: upsert extractions: %w", err)
		}
	}

	result, err := o.sink.UpsertBatch(ctx, table, batch)
	if err != nil {
		return fmt.Errorf("backfill: upsert batch: %w", err)
	}
	counters.RowsUpserted += int64(result.Inserted + result.Updated)
	counters.RowsQuarantined += int64(result.Quarantined)
	return nil
}
