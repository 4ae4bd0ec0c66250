// Package source defines the warehouse source reader contract (C2): a
// server-side, batch-bounded stream over rows whose watermark column
// strictly exceeds a given cursor, ordered by (watermark, identity) so
// pagination is total.
package source

import (
	"context"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Reader opens streaming cursors over a managed table.
type Reader interface {
	// OpenStream opens a cursor reading rows whose watermark strictly
	// exceeds since, ordered ascending by (watermark, identity).
	OpenStream(ctx context.Context, table string, since domain.WatermarkCursor, batchSize int) (Cursor, error)

	Close()
}

// Cursor streams batches from a single open_stream call. It is not safe for
// concurrent use — one cursor per sync run per table.
type Cursor interface {
	// FetchBatch returns up to batchSize rows; an empty, non-nil slice marks EOF.
	FetchBatch(ctx context.Context) ([]domain.WorkOrder, error)

	// Close releases server resources. Idempotent.
	Close(ctx context.Context)
}
