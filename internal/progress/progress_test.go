package progress

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// recordSink is a fake Dispatcher capturing every alert it receives.
type recordSink struct {
	alerts []domain.Alert
}

func (s *recordSink) Dispatch(_ context.Context, a domain.Alert) {
	s.alerts = append(s.alerts, a)
}

func TestReporter_Report_AccumulatesCountersAndSetsMetrics(t *testing.T) {
	sink := &recordSink{}
	dispatcher := sink
	metrics := NewMetrics(prometheus.NewRegistry())

	r := New(Config{Table: "notification_text"}, dispatcher, metrics, nil)

	r.Report(context.Background(), domain.Counters{RowsExtracted: 10, RowsUpserted: 9, RowsQuarantined: 1}, 5.0)
	r.Report(context.Background(), domain.Counters{RowsExtracted: 20, RowsUpserted: 20}, 10.0)

	assert.Equal(t, int64(30), r.total.RowsExtracted)
	assert.Equal(t, int64(29), r.total.RowsUpserted)
	assert.Equal(t, int64(1), r.total.RowsQuarantined)
}

func TestReporter_Report_ErrorRateAboveThresholdAlerts(t *testing.T) {
	sink := &recordSink{}
	dispatcher := sink

	r := New(Config{Table: "notification_text", ErrorRateThreshold: 0.10}, dispatcher, nil, nil)

	// 5 of 20 rows quarantined this batch: 25% error rate, above the 10% threshold.
	r.Report(context.Background(), domain.Counters{RowsExtracted: 20, RowsUpserted: 15, RowsQuarantined: 5}, 1.0)

	require.NotEmpty(t, sink.alerts)
	assert.Equal(t, "error_rate", sink.alerts[len(sink.alerts)-1].Kind)
}

func TestReporter_Report_ErrorRateWithinThresholdDoesNotAlert(t *testing.T) {
	sink := &recordSink{}
	dispatcher := sink

	r := New(Config{Table: "notification_text", ErrorRateThreshold: 0.10}, dispatcher, nil, nil)

	r.Report(context.Background(), domain.Counters{RowsExtracted: 100, RowsUpserted: 99, RowsQuarantined: 1}, 1.0)

	assert.Empty(t, sink.alerts)
}

func TestReporter_Report_CostThresholdAlertsOnce(t *testing.T) {
	sink := &recordSink{}
	dispatcher := sink

	r := New(Config{Table: "notification_text", CostAlertUSD: 1.0}, dispatcher, nil, nil)

	r.Report(context.Background(), domain.Counters{RowsExtracted: 1, AICostUSD: 0.8}, 1.0)
	r.Report(context.Background(), domain.Counters{RowsExtracted: 1, AICostUSD: 0.8}, 1.0)
	r.Report(context.Background(), domain.Counters{RowsExtracted: 1, AICostUSD: 0.8}, 1.0)

	costAlerts := 0
	for _, a := range sink.alerts {
		if a.Kind == "ai_cost" {
			costAlerts++
		}
	}
	assert.Equal(t, 1, costAlerts, "cost alert should only fire once per run")
}

func TestReporter_Report_SLOBreachAlertsOnce(t *testing.T) {
	sink := &recordSink{}
	dispatcher := sink

	r := New(Config{Table: "notification_text", SLODuration: 10 * time.Millisecond}, dispatcher, nil, nil)
	time.Sleep(20 * time.Millisecond)

	r.Report(context.Background(), domain.Counters{RowsExtracted: 1}, 1.0)
	r.Report(context.Background(), domain.Counters{RowsExtracted: 1}, 1.0)

	sloAlerts := 0
	for _, a := range sink.alerts {
		if a.Kind == "slo_breach" {
			sloAlerts++
		}
	}
	assert.Equal(t, 1, sloAlerts)
}

func TestReporter_Alert_SatisfiesAIAlerterShape(t *testing.T) {
	sink := &recordSink{}
	dispatcher := sink

	r := New(Config{Table: "notification_text"}, dispatcher, nil, nil)
	r.Alert(context.Background(), "ai_budget", "projected spend exceeds threshold")

	require.Len(t, sink.alerts, 1)
	assert.Equal(t, "ai_budget", sink.alerts[0].Kind)
	assert.Equal(t, domain.AlertLevelWarning, sink.alerts[0].Level)
}

func TestReporter_WatchBreaker_AlertsOnTransitionToOpen(t *testing.T) {
	sink := &recordSink{}
	dispatcher := sink
	r := New(Config{Table: "ai"}, dispatcher, nil, nil)

	states := []gobreaker.State{gobreaker.StateClosed, gobreaker.StateOpen, gobreaker.StateOpen}
	idx := 0
	state := func() gobreaker.State {
		s := states[idx]
		if idx < len(states)-1 {
			idx++
		}
		return s
	}

	ctx, cancel := context.WithCancel(context.Background())
	go r.WatchBreaker(ctx, "ai", state, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()

	circuitAlerts := 0
	for _, a := range sink.alerts {
		if a.Kind == "circuit_open" {
			circuitAlerts++
		}
	}
	assert.Equal(t, 1, circuitAlerts, "should alert exactly once on the closed->open transition")
}
