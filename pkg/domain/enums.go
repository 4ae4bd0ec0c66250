// Package domain defines the public data model shared by every stage of the
// sync pipeline: work orders, AI extraction, embeddings, and ETL metadata.
package domain

// SyncStatus is the lifecycle state of a managed table's ETL metadata row.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// FailureCategory classifies why an operation failed, driving retry and
// escalation policy in the error handler.
type FailureCategory string

const (
	FailureTransient FailureCategory = "TRANSIENT"
	FailurePersistent FailureCategory = "PERSISTENT"
	FailureData       FailureCategory = "DATA"
	FailureCircuitOpen FailureCategory = "CIRCUIT_OPEN"
	FailureBudget      FailureCategory = "BUDGET"
)

// AuthMode selects how the source reader authenticates against the warehouse.
type AuthMode string

const (
	AuthPassword       AuthMode = "password"
	AuthExternalBrowser AuthMode = "externalbrowser"
	AuthOAuth          AuthMode = "oauth"
)

// BudgetPolicy decides what happens once the AI cost threshold is exceeded.
type BudgetPolicy string

const (
	BudgetHardGate    BudgetPolicy = "hard_gate"
	BudgetSoftDegrade BudgetPolicy = "soft_degrade"
)

// RunState is the per-table-per-run state machine driven by the incremental
// sync orchestrator (C8).
type RunState string

const (
	RunIdle      RunState = "idle"
	RunLeased    RunState = "leased"
	RunReading   RunState = "reading"
	RunWriting   RunState = "writing"
	RunAdvancing RunState = "advancing"
	RunDone      RunState = "done"
	RunAborted   RunState = "aborted"
)

// RequestState is the per-AI-request state machine (C7).
type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestInFlight RequestState = "in_flight"
	RequestSucceeded RequestState = "succeeded"
	RequestRetrying RequestState = "retrying"
	RequestFailed   RequestState = "failed"
)

// AlertLevel classifies the severity of a progress-reporter alert.
type AlertLevel string

const (
	AlertLevelInfo    AlertLevel = "info"
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelError   AlertLevel = "error"
)

// AlertSinkType selects which delivery backend an alert sink config targets.
type AlertSinkType string

const (
	AlertSinkConsole AlertSinkType = "console"
	AlertSinkWebhook AlertSinkType = "webhook"
	AlertSinkFile    AlertSinkType = "file"
	AlertSinkSQS     AlertSinkType = "sqs"
)

// SolutionType enumerates the coarse-grained resolution categories an
// extraction may assign to a work order.
type SolutionType string

const (
	SolutionRepair      SolutionType = "repair"
	SolutionReplacement SolutionType = "replacement"
	SolutionSoftware    SolutionType = "software"
	SolutionNoFault     SolutionType = "no_fault_found"
	SolutionOther       SolutionType = "other"
)
