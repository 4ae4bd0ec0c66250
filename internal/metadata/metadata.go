// Package metadata defines the watermark/metadata store contract (C4): the
// per-table row tracking sync progress, guarded by an exclusive lease held
// for the duration of a run.
package metadata

import (
	"context"
	"time"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Store is the per-table metadata and lease backend. Two implementations
// satisfy it: postgres (advisory lock + CAS on a row) and dynamodb
// (conditional UpdateItem), mirroring the spec's "watermark advances
// monotonically" invariant regardless of backend.
type Store interface {
	// Read returns the current metadata row, creating it with
	// sync_status=pending and a zero watermark if absent.
	Read(ctx context.Context, table string) (*domain.ETLMetadata, error)

	// BeginRun acquires the table's exclusive lease and flips sync_status
	// to in_progress. Returns *domain.MetadataConflict if another run
	// already holds the lease.
	BeginRun(ctx context.Context, table string) (*domain.Lease, error)

	// Checkpoint persists incremental progress without ending the run.
	// The lease's version is advanced in place so the caller's next
	// Checkpoint/CommitRun/AbortRun call continues the same CAS chain.
	Checkpoint(ctx context.Context, lease *domain.Lease, watermark time.Time, counters domain.Counters, blob domain.Checkpoint) error

	// CommitRun sets sync_status=completed and releases the lease. The
	// final watermark must be >= the lease's watermark at acquisition —
	// implementations never allow a commit to rewind it.
	CommitRun(ctx context.Context, lease *domain.Lease, finalWatermark time.Time, counters domain.Counters) error

	// AbortRun sets sync_status=failed, records errMsg, and releases the
	// lease without advancing the committed watermark.
	AbortRun(ctx context.Context, lease *domain.Lease, errMsg string) error

	Close()
}
