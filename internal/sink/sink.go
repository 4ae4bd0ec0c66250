// Package sink defines the idempotent batch writer contract (C3): upsert
// work orders within one transaction per batch, quarantine constraint
// violations by bisection, and expose an embedding store that is agnostic to
// whether the backend has a native vector column.
package sink

import (
	"context"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Writer is the sink contract. A batch either commits atomically or is
// retried wholly — partial commits are never visible to callers.
type Writer interface {
	// UpsertBatch writes rows within a single transaction, matching by
	// identity. On conflict, every non-identity column is refreshed from the
	// incoming row and updated_at is set to the transaction time.
	UpsertBatch(ctx context.Context, table string, rows []domain.WorkOrder) (domain.UpsertResult, error)

	// UpsertExtractions persists AI extraction rows, replace-by-version.
	UpsertExtractions(ctx context.Context, extractions []domain.Extraction) error

	// Embeddings exposes the capability-probed embedding store.
	Embeddings() EmbeddingStore

	// Quarantine records a row that failed UpsertBatch with a constraint
	// violation into the dead-letter log.
	Quarantine(ctx context.Context, rec domain.DeadLetterRecord) error

	Close()
}

// EmbeddingStore abstracts over native-vector and bytea-backed embedding
// storage — callers never observe which one is in effect.
type EmbeddingStore interface {
	Put(ctx context.Context, emb domain.Embedding) error
	Get(ctx context.Context, notificationID, modelVersion string) (*domain.Embedding, error)
	ANNSearch(ctx context.Context, query []float32, modelVersion string, k int) ([]string, error)
}
