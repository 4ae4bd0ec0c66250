// Package ai defines the AI enrichment client contract (C7): structured
// extraction and embedding over scrubbed work-order text, with the shared
// rate limiting, caching, circuit breaking, and cost accounting every
// implementation must provide.
package ai

import (
	"context"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Client calls an external model for structured extraction and embedding.
// Every outbound call is rate-limited, circuit-breaker-protected, and
// accounted for against the configured cost budget.
type Client interface {
	// Extract returns the fixed-shape structured enrichment for one work
	// order's (already scrubbed) text.
	Extract(ctx context.Context, notificationID, text string) (domain.Extraction, error)

	// Embed returns a dimension-D vector for one (already scrubbed) text at
	// the client's configured embedding model version. Cache hits bypass
	// both the network call and the rate limiter.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ExtractBatch runs Extract over every item, honoring the same shared
	// rate limiter, breaker, and budget gate as single calls. A failure on
	// one item does not abort the rest of the batch; its slot in the
	// returned slice holds the zero value and the corresponding error is
	// reported via errs, indexed identically to items.
	ExtractBatch(ctx context.Context, items []BatchItem) ([]domain.Extraction, []error)

	// EmbedBatch runs Embed over every item under the same sharing rules as
	// ExtractBatch.
	EmbedBatch(ctx context.Context, items []BatchItem) ([][]float32, []error)
}

// BatchItem is one unit of work passed to the batch entry points.
type BatchItem struct {
	NotificationID string
	Text           string
}

// Alerter is the capability C7 uses to raise alerts through the progress
// reporter (C10); the cost accountant's budget check is the only place C7
// raises one. C7 depends on this narrow
// interface rather than on any concrete delivery backend, matching spec
// §4.10's "the core uses it as a capability, not a dependency."
type Alerter interface {
	Alert(ctx context.Context, kind, detail string)
}

// NopAlerter discards every alert. Used where no progress reporter is wired
// (e.g. unit tests, or a CLI invocation that only needs the ETL core).
type NopAlerter struct{}

func (NopAlerter) Alert(context.Context, string, string) {}
