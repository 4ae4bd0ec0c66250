package sync

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakhealth/syncpipe/internal/ai"
	"github.com/oakhealth/syncpipe/internal/retry"
	"github.com/oakhealth/syncpipe/internal/sink"
	"github.com/oakhealth/syncpipe/internal/source"
	"github.com/oakhealth/syncpipe/pkg/domain"
)

// fakeMetadata is an in-memory metadata.Store fake: single-table, no
// concurrency, good enough to exercise the orchestrator's lease/checkpoint
// sequencing without a real backend.
type fakeMetadata struct {
	row          domain.ETLMetadata
	leased       bool
	checkpoints  int
	committed    bool
	aborted      bool
	abortReason  string
	conflictNext bool
}

func (f *fakeMetadata) Read(ctx context.Context, table string) (*domain.ETLMetadata, error) {
	row := f.row
	return &row, nil
}

func (f *fakeMetadata) BeginRun(ctx context.Context, table string) (*domain.Lease, error) {
	if f.conflictNext {
		return nil, &domain.MetadataConflict{TableName: table}
	}
	f.leased = true
	f.row.Status = domain.SyncInProgress
	return &domain.Lease{TableName: table, Version: f.row.Version, Metadata: f.row}, nil
}

func (f *fakeMetadata) Checkpoint(ctx context.Context, lease *domain.Lease, watermark time.Time, counters domain.Counters, blob domain.Checkpoint) error {
	f.checkpoints++
	f.row.LastWatermark = watermark
	f.row.CheckpointBlob = blob
	f.row.RowsProcessed += counters.RowsUpserted
	return nil
}

func (f *fakeMetadata) CommitRun(ctx context.Context, lease *domain.Lease, finalWatermark time.Time, counters domain.Counters) error {
	f.committed = true
	f.row.Status = domain.SyncCompleted
	f.row.LastWatermark = finalWatermark
	return nil
}

func (f *fakeMetadata) AbortRun(ctx context.Context, lease *domain.Lease, errMsg string) error {
	f.aborted = true
	f.abortReason = errMsg
	f.row.Status = domain.SyncFailed
	return nil
}

func (f *fakeMetadata) Close() {}

// fakeCursor serves pre-built batches in order, one per FetchBatch call,
// then an empty slice to mark EOF.
type fakeCursor struct {
	batches [][]domain.WorkOrder
	next    int
}

func (c *fakeCursor) FetchBatch(ctx context.Context) ([]domain.WorkOrder, error) {
	if c.next >= len(c.batches) {
		return []domain.WorkOrder{}, nil
	}
	b := c.batches[c.next]
	c.next++
	return b, nil
}

func (c *fakeCursor) Close(ctx context.Context) {}

type fakeReader struct {
	cursor *fakeCursor
	since  domain.WatermarkCursor
}

func (r *fakeReader) OpenStream(ctx context.Context, table string, since domain.WatermarkCursor, batchSize int) (source.Cursor, error) {
	r.since = since
	return r.cursor, nil
}

func (r *fakeReader) Close() {}

type fakeEmbeddingStore struct {
	puts []domain.Embedding
}

func (s *fakeEmbeddingStore) Put(ctx context.Context, emb domain.Embedding) error {
	s.puts = append(s.puts, emb)
	return nil
}
func (s *fakeEmbeddingStore) Get(ctx context.Context, notificationID, modelVersion string) (*domain.Embedding, error) {
	return nil, nil
}
func (s *fakeEmbeddingStore) ANNSearch(ctx context.Context, query []float32, modelVersion string, k int) ([]string, error) {
	return nil, nil
}

type fakeSink struct {
	embeddings  fakeEmbeddingStore
	upserted    []domain.WorkOrder
	extractions []domain.Extraction
	quarantined []domain.DeadLetterRecord
}

func (s *fakeSink) UpsertBatch(ctx context.Context, table string, rows []domain.WorkOrder) (domain.UpsertResult, error) {
	s.upserted = append(s.upserted, rows...)
	return domain.UpsertResult{Inserted: len(rows)}, nil
}
func (s *fakeSink) UpsertExtractions(ctx context.Context, extractions []domain.Extraction) error {
	s.extractions = append(s.extractions, extractions...)
	return nil
}
func (s *fakeSink) Embeddings() sink.EmbeddingStore {
	return &s.embeddings
}
func (s *fakeSink) Quarantine(ctx context.Context, rec domain.DeadLetterRecord) error {
	s.quarantined = append(s.quarantined, rec)
	return nil
}
func (s *fakeSink) Close() {}

type fakeAI struct {
	extractFn func(ctx context.Context, notificationID, text string) (domain.Extraction, error)
}

func (f *fakeAI) Extract(ctx context.Context, notificationID, text string) (domain.Extraction, error) {
	return f.extractFn(ctx, notificationID, text)
}
func (f *fakeAI) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 2, 3}, nil
}
func (f *fakeAI) ExtractBatch(ctx context.Context, items []ai.BatchItem) ([]domain.Extraction, []error) {
	return nil, nil
}
func (f *fakeAI) EmbedBatch(ctx context.Context, items []ai.BatchItem) ([][]float32, []error) {
	return nil, nil
}

func row(id string, notifiedAt time.Time) domain.WorkOrder {
	return domain.WorkOrder{ID: id, NotifiedAt: notifiedAt, LongText: "unit failed, contact a@b.com"}
}

func TestRunTable_SingleBatchAdvancesWatermarkAndCommits(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cursor := &fakeCursor{batches: [][]domain.WorkOrder{
		{row("wo-1", base), row("wo-2", base.Add(time.Minute))},
	}}
	md := &fakeMetadata{}
	sinkW := &fakeSink{}
	aiClient := &fakeAI{extractFn: func(ctx context.Context, id, text string) (domain.Extraction, error) {
		return domain.Extraction{NotificationID: id, ModelVersion: "v1", SolutionType: domain.SolutionRepair, Confidence: 0.8}, nil
	}}

	o := newOrchestratorForTest(md, cursor, sinkW, aiClient)

	err := o.RunTable(context.Background(), "notification_text")
	require.NoError(t, err)
	assert.True(t, md.committed)
	assert.False(t, md.aborted)
	assert.Len(t, sinkW.upserted, 2)
	assert.Len(t, sinkW.extractions, 2)
	assert.Len(t, sinkW.embeddings.puts, 2)
	assert.True(t, md.row.LastWatermark.Equal(base.Add(time.Minute)))
}

func TestRunTable_MetadataConflictReturnsWithoutUpsert(t *testing.T) {
	md := &fakeMetadata{conflictNext: true}
	cursor := &fakeCursor{}
	sinkW := &fakeSink{}
	aiClient := &fakeAI{extractFn: func(ctx context.Context, id, text string) (domain.Extraction, error) {
		return domain.Extraction{}, nil
	}}

	o := newOrchestratorForTest(md, cursor, sinkW, aiClient)

	err := o.RunTable(context.Background(), "notification_text")
	require.Error(t, err)
	var conflict *domain.MetadataConflict
	require.ErrorAs(t, err, &conflict)
	assert.False(t, md.committed)
	assert.Empty(t, sinkW.upserted)
}

func TestRunTable_EmptySourceStillCommitsCompleted(t *testing.T) {
	md := &fakeMetadata{}
	cursor := &fakeCursor{} // no batches at all: first FetchBatch returns EOF
	sinkW := &fakeSink{}
	aiClient := &fakeAI{extractFn: func(ctx context.Context, id, text string) (domain.Extraction, error) {
		return domain.Extraction{}, nil
	}}

	o := newOrchestratorForTest(md, cursor, sinkW, aiClient)

	err := o.RunTable(context.Background(), "notification_text")
	require.NoError(t, err)
	assert.True(t, md.committed)
	assert.Equal(t, int64(0), md.row.RowsProcessed)
	assert.Empty(t, sinkW.upserted)
}

func TestRunTable_EnrichmentFailureDegradesRowButStillCommitsRun(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cursor := &fakeCursor{batches: [][]domain.WorkOrder{{row("wo-1", base)}}}
	md := &fakeMetadata{}
	sinkW := &fakeSink{}
	sentinel := errors.New("upstream exploded")
	aiClient := &fakeAI{extractFn: func(ctx context.Context, id, text string) (domain.Extraction, error) {
		return domain.Extraction{}, &domain.AIPersistent{Err: sentinel}
	}}

	o := newOrchestratorForTest(md, cursor, sinkW, aiClient)

	err := o.RunTable(context.Background(), "notification_text")
	require.NoError(t, err)
	assert.True(t, md.committed)
	assert.False(t, md.aborted)
	assert.Len(t, sinkW.upserted, 1, "the row is still upserted even though enrichment failed")
	assert.Empty(t, sinkW.extractions, "a failed extraction must not be persisted")
}

func TestRunTable_EqualWatermarkAcrossBatchesIsNotReprocessed(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cursor := &fakeCursor{batches: [][]domain.WorkOrder{
		{row("wo-1", base)},
		{row("wo-1", base), row("wo-2", base.Add(time.Second))}, // wo-1 repeated at the same watermark
	}}
	md := &fakeMetadata{}
	sinkW := &fakeSink{}
	aiClient := &fakeAI{extractFn: func(ctx context.Context, id, text string) (domain.Extraction, error) {
		return domain.Extraction{NotificationID: id, ModelVersion: "v1"}, nil
	}}

	o := newOrchestratorForTest(md, cursor, sinkW, aiClient)

	err := o.RunTable(context.Background(), "notification_text")
	require.NoError(t, err)
	assert.Len(t, sinkW.upserted, 2, "the repeated wo-1 row at an already-advanced watermark must be dropped")
}

func newOrchestratorForTest(md *fakeMetadata, cursor *fakeCursor, sinkW *fakeSink, aiClient *fakeAI) *Orchestrator {
	return New(md, &fakeReader{cursor: cursor}, sinkW, aiClient, NopReporter{}, Config{
		BatchSize:     10,
		MaxInFlightAI: 2,
		RetryPolicy:   retry.DefaultPolicy(2, time.Millisecond),
		Logger:        slog.Default(),
	})
}
