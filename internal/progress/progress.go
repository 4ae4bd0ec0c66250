// Package progress implements the progress reporter (C10): the component
// every other orchestrator reports batch counters and rates through, and
// the sole place cost, error-rate, circuit-breaker, and SLO alerts are
// decided and dispatched. Components depend on it only through the narrow
// Reporter/Alerter capability interfaces they each declare locally (C8's
// sync.Reporter, C9's backfill.Reporter, C7's ai.Alerter) — this package
// is the one concrete implementation wired in at the command layer.
//
// Metrics follow the flow-enricher teacher's promauto.With(reg) factory
// idiom. Alert delivery is delegated to the already-adapted internal/alert
// Dispatcher rather than reimplemented here.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Dispatcher is the capability Reporter delivers alerts through. Satisfied
// by *alert.Dispatcher; narrowed to one method so the real multi-sink
// delivery mechanics stay in internal/alert and this package only depends
// on the capability it needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert domain.Alert)
}

// errorRateWindow is the rolling window the reporter sums quarantined vs.
// extracted rows over before comparing against Config.ErrorRateThreshold.
const errorRateWindow = 5 * time.Minute

// Config tunes one Reporter instance. A Reporter is scoped to a single run
// (one incremental sync pass or one backfill range): SLODuration is
// measured from the Reporter's construction time, so the command layer
// constructs a fresh Reporter per run rather than sharing one across runs.
type Config struct {
	Table              string
	SLODuration        time.Duration
	CostAlertUSD       float64
	ErrorRateThreshold float64 // e.g. 0.10 for 10%; zero disables the check
}

// Metrics holds the optional Prometheus instruments, built once per process
// and shared across every Reporter when AI.EnablePrometheus is set.
type Metrics struct {
	RowsExtracted    prometheus.Counter
	RowsUpserted     prometheus.Counter
	RowsQuarantined  prometheus.Counter
	AICalls          prometheus.Counter
	AITokensPrompt   prometheus.Counter
	AITokensComplete prometheus.Counter
	AICostUSD        prometheus.Counter
	BatchDuration    prometheus.Histogram
	RowsPerSecond    prometheus.Gauge
	ETASeconds       prometheus.Gauge
}

// NewMetrics registers the progress instruments against reg, grounded on
// the flow-enricher teacher's promauto.With(reg) factory pattern.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RowsExtracted: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncpipe_rows_extracted_total",
			Help: "Total work order rows read from the source.",
		}),
		RowsUpserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncpipe_rows_upserted_total",
			Help: "Total work order rows written to the sink.",
		}),
		RowsQuarantined: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncpipe_rows_quarantined_total",
			Help: "Total rows that failed validation or exhausted retries and were quarantined.",
		}),
		AICalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncpipe_ai_calls_total",
			Help: "Total AI enrichment calls issued.",
		}),
		AITokensPrompt: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncpipe_ai_tokens_prompt_total",
			Help: "Total prompt tokens billed by the AI client.",
		}),
		AITokensComplete: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncpipe_ai_tokens_completion_total",
			Help: "Total completion tokens billed by the AI client.",
		}),
		AICostUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncpipe_ai_cost_usd_total",
			Help: "Total estimated AI spend in USD.",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "syncpipe_batch_duration_seconds",
			Help: "Wall-clock duration of one reported batch.",
		}),
		RowsPerSecond: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncpipe_rows_per_second",
			Help: "Most recently reported row processing rate.",
		}),
		ETASeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncpipe_eta_seconds",
			Help: "Estimated seconds remaining, when known by the caller.",
		}),
	}
}

// sample is one Report call's contribution to the rolling error-rate window.
type sample struct {
	at          time.Time
	quarantined int64
	extracted   int64
}

// Reporter implements sync.Reporter, backfill.Reporter, and ai.Alerter
// simultaneously: the same value is threaded into the incremental sync
// orchestrator, the backfill orchestrator, and the AI client as each
// component's respective capability interface.
type Reporter struct {
	cfg        Config
	dispatcher Dispatcher
	metrics    *Metrics
	logger     *slog.Logger

	startedAt time.Time

	mu          sync.Mutex
	total       domain.Counters
	samples     []sample
	costAlerted bool
	sloAlerted  bool
}

// New creates a Reporter for one run. dispatcher and metrics may be nil:
// a nil dispatcher drops alerts on the floor after logging them, and a nil
// metrics disables Prometheus instrumentation (mirrors AI.EnablePrometheus).
func New(cfg Config, dispatcher Dispatcher, metrics *Metrics, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		cfg:        cfg,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Report records one batch's counters and rate, logs a structured line,
// updates Prometheus instruments, and evaluates the cost/error-rate/SLO
// alert triggers. Satisfies sync.Reporter and backfill.Reporter.
func (r *Reporter) Report(ctx context.Context, counters domain.Counters, rate float64) {
	now := time.Now()

	r.mu.Lock()
	r.total.Add(counters)
	r.samples = append(r.samples, sample{at: now, quarantined: counters.RowsQuarantined, extracted: counters.RowsExtracted})
	r.samples = pruneSamples(r.samples, now)
	errRate := errorRate(r.samples)
	total := r.total
	elapsed := now.Sub(r.startedAt)

	triggerCost := r.cfg.CostAlertUSD > 0 && total.AICostUSD > r.cfg.CostAlertUSD && !r.costAlerted
	if triggerCost {
		r.costAlerted = true
	}
	triggerSLO := r.cfg.SLODuration > 0 && elapsed > r.cfg.SLODuration && !r.sloAlerted
	if triggerSLO {
		r.sloAlerted = true
	}
	r.mu.Unlock()

	r.logger.Info("batch progress",
		"table", r.cfg.Table,
		"rows_extracted", counters.RowsExtracted,
		"rows_upserted", counters.RowsUpserted,
		"rows_quarantined", counters.RowsQuarantined,
		"ai_calls", counters.AICalls,
		"rate_rows_per_sec", rate,
		"total_rows_upserted", total.RowsUpserted,
		"total_cost_usd", total.AICostUSD,
	)

	if r.metrics != nil {
		r.metrics.RowsExtracted.Add(float64(counters.RowsExtracted))
		r.metrics.RowsUpserted.Add(float64(counters.RowsUpserted))
		r.metrics.RowsQuarantined.Add(float64(counters.RowsQuarantined))
		r.metrics.AICalls.Add(float64(counters.AICalls))
		r.metrics.AITokensPrompt.Add(float64(counters.AITokensPrompt))
		r.metrics.AITokensComplete.Add(float64(counters.AITokensComplete))
		r.metrics.AICostUSD.Add(counters.AICostUSD)
		r.metrics.RowsPerSecond.Set(rate)
	}

	threshold := r.cfg.ErrorRateThreshold
	if threshold > 0 && errRate > threshold {
		r.Alert(ctx, "error_rate", fmt.Sprintf(
			"error rate %.1f%% over the last %s exceeds the %.0f%% threshold",
			errRate*100, errorRateWindow, threshold*100))
	}
	if triggerCost {
		r.Alert(ctx, "ai_cost", fmt.Sprintf(
			"cumulative AI spend $%.4f exceeds the $%.2f alert threshold",
			total.AICostUSD, r.cfg.CostAlertUSD))
	}
	if triggerSLO {
		r.Alert(ctx, "slo_breach", fmt.Sprintf(
			"run for %q has been active for %s, past its %s SLO",
			r.cfg.Table, elapsed.Round(time.Second), r.cfg.SLODuration))
	}
}

// SetETA updates the estimated-seconds-remaining gauge. Callers that know
// their own remaining backlog (e.g. the backfill orchestrator, which knows
// the [from, to) range and current progress through it) call this directly;
// Report does not infer an ETA on its own since it has no notion of total
// work remaining.
func (r *Reporter) SetETA(seconds float64) {
	if r.metrics != nil {
		r.metrics.ETASeconds.Set(seconds)
	}
}

// Alert dispatches one alert through every configured sink after logging
// it. Satisfies ai.Alerter, so it can be passed directly as the alerter
// dependency of the AI enrichment client (C7), which already calls this for
// budget-threshold crossings.
func (r *Reporter) Alert(ctx context.Context, kind, detail string) {
	level := domain.AlertLevelWarning
	switch kind {
	case "slo_breach", "ai_cost", "circuit_open":
		level = domain.AlertLevelError
	}

	a := domain.Alert{
		Level:     level,
		Kind:      kind,
		Table:     r.cfg.Table,
		Message:   detail,
		Timestamp: time.Now(),
	}

	r.logger.Warn("alert", "kind", kind, "table", r.cfg.Table, "detail", detail)

	if r.dispatcher != nil {
		r.dispatcher.Dispatch(ctx, a)
	}
}

// WatchBreaker polls state at interval and raises a circuit_open alert on
// every transition into gobreaker.StateOpen, satisfying the "alert when...
// circuit breaker opens" trigger without internal/breaker needing to know
// about alerting itself. Run in its own goroutine; returns when ctx is
// done. state is typically breaker.Registry.State bound to one dependency
// name, e.g. func() gobreaker.State { return registry.State("ai") }.
func (r *Reporter) WatchBreaker(ctx context.Context, name string, state func() gobreaker.State, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := state()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := state()
			if current == gobreaker.StateOpen && last != gobreaker.StateOpen {
				r.Alert(ctx, "circuit_open", fmt.Sprintf("circuit breaker %q opened", name))
			}
			last = current
		}
	}
}

func pruneSamples(samples []sample, now time.Time) []sample {
	cutoff := now.Add(-errorRateWindow)
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	return samples[i:]
}

func errorRate(samples []sample) float64 {
	var quarantined, extracted int64
	for _, s := range samples {
		quarantined += s.quarantined
		extracted += s.extracted
	}
	if extracted == 0 {
		return 0
	}
	return float64(quarantined) / float64(extracted)
}
