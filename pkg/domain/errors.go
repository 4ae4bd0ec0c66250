package domain

import (
	"errors"
	"fmt"
)

// ConfigError reports a fail-fast configuration validation failure (C1).
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: field %q: %s", e.Field, e.Reason)
}

// Source reader failures (C2).
type SourceConnectError struct{ Err error }

func (e *SourceConnectError) Error() string { return fmt.Sprintf("source connect: %v", e.Err) }
func (e *SourceConnectError) Unwrap() error { return e.Err }

type SourceQueryError struct{ Err error }

func (e *SourceQueryError) Error() string { return fmt.Sprintf("source query: %v", e.Err) }
func (e *SourceQueryError) Unwrap() error { return e.Err }

type SourceReadTimeout struct{ Err error }

func (e *SourceReadTimeout) Error() string { return fmt.Sprintf("source read timeout: %v", e.Err) }
func (e *SourceReadTimeout) Unwrap() error { return e.Err }

// Sink writer failures (C3).
type SinkConnectError struct{ Err error }

func (e *SinkConnectError) Error() string { return fmt.Sprintf("sink connect: %v", e.Err) }
func (e *SinkConnectError) Unwrap() error { return e.Err }

type SinkConstraintError struct {
	RecordID string
	Code     string
	Err      error
}

func (e *SinkConstraintError) Error() string {
	return fmt.Sprintf("sink constraint violation on %q (code=%s): %v", e.RecordID, e.Code, e.Err)
}
func (e *SinkConstraintError) Unwrap() error { return e.Err }

type SinkTimeout struct{ Err error }

func (e *SinkTimeout) Error() string { return fmt.Sprintf("sink timeout: %v", e.Err) }
func (e *SinkTimeout) Unwrap() error { return e.Err }

type SinkTransient struct{ Err error }

func (e *SinkTransient) Error() string { return fmt.Sprintf("sink transient: %v", e.Err) }
func (e *SinkTransient) Unwrap() error { return e.Err }

// MetadataConflict reports a failed lease acquisition (C4): another run
// already owns the table.
type MetadataConflict struct {
	TableName string
}

func (e *MetadataConflict) Error() string {
	return fmt.Sprintf("metadata conflict: table %q is already leased", e.TableName)
}

// AI enrichment client failures (C7).
type AIRateLimited struct{ RetryAfter string }

func (e *AIRateLimited) Error() string { return fmt.Sprintf("ai rate limited, retry after %s", e.RetryAfter) }

type AITimeout struct{ Err error }

func (e *AITimeout) Error() string { return fmt.Sprintf("ai timeout: %v", e.Err) }
func (e *AITimeout) Unwrap() error { return e.Err }

type AITransient struct{ Err error }

func (e *AITransient) Error() string { return fmt.Sprintf("ai transient: %v", e.Err) }
func (e *AITransient) Unwrap() error { return e.Err }

type AIPersistent struct{ Err error }

func (e *AIPersistent) Error() string { return fmt.Sprintf("ai persistent: %v", e.Err) }
func (e *AIPersistent) Unwrap() error { return e.Err }

// AIBudgetExceeded is returned once cost accounting trips the configured
// cost_alert_usd threshold under a hard_gate policy.
var AIBudgetExceeded = errors.New("ai budget exceeded")

// AICircuitOpen is returned when the AI endpoint's circuit breaker is open.
var AICircuitOpen = errors.New("ai circuit open")

// Category classifies err into the C5 taxonomy. Unrecognized errors
// default to FailurePersistent — the conservative choice, since retrying
// an unknown failure mode risks masking a real outage.
func Category(err error) FailureCategory {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, AICircuitOpen):
		return FailureCircuitOpen
	case errors.Is(err, AIBudgetExceeded):
		return FailureBudget
	}

	var sourceTimeout *SourceReadTimeout
	var sinkTimeout *SinkTimeout
	var sinkTransient *SinkTransient
	var aiTimeout *AITimeout
	var aiTransient *AITransient
	var aiRateLimited *AIRateLimited
	switch {
	case errors.As(err, &sourceTimeout), errors.As(err, &sinkTimeout), errors.As(err, &sinkTransient),
		errors.As(err, &aiTimeout), errors.As(err, &aiTransient), errors.As(err, &aiRateLimited):
		return FailureTransient
	}

	var sinkConstraint *SinkConstraintError
	if errors.As(err, &sinkConstraint) {
		return FailureData
	}

	var cfgErr *ConfigError
	var metaConflict *MetadataConflict
	var sourceConnect *SourceConnectError
	var sinkConnect *SinkConnectError
	var aiPersistent *AIPersistent
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &metaConflict), errors.As(err, &sourceConnect),
		errors.As(err, &sinkConnect), errors.As(err, &aiPersistent):
		return FailurePersistent
	}

	var sourceQuery *SourceQueryError
	if errors.As(err, &sourceQuery) {
		return FailureTransient
	}

	return FailurePersistent
}
