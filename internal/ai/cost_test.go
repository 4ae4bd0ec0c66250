package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

type recordingAlerter struct {
	alerts []string
}

func (r *recordingAlerter) Alert(_ context.Context, kind, detail string) {
	r.alerts = append(r.alerts, kind+": "+detail)
}

func TestAccountant_RecordAccumulatesCostAndTokens(t *testing.T) {
	a := NewAccountant(Pricing{PromptPer1K: 1, CompletionPer1K: 2, EmbeddingPer1K: 0.5}, domain.BudgetSoftDegrade, 1000)

	delta := a.Record(1000, 500, 0)
	assert.Equal(t, 1.0+1.0, delta.AICostUSD) // 1000/1000*1 + 500/1000*2
	assert.Equal(t, int64(1000), delta.AITokensPrompt)
	assert.Equal(t, int64(500), delta.AITokensComplete)
	assert.Equal(t, 2.0, a.TotalCostUSD())
}

func TestAccountant_HardGateBlocksOnceProjectedSpendCrossesThreshold(t *testing.T) {
	alerter := &recordingAlerter{}
	a := NewAccountant(Pricing{PromptPer1K: 1}, domain.BudgetHardGate, 5)

	require.NoError(t, a.CheckBudget(context.Background(), alerter, 4))
	a.Record(4000, 0, 0) // actual spend now 4.0

	// projected 4 + 2 = 6 > 5: this call itself is rejected pre-flight, before
	// any network activity, per §4.7.
	err := a.CheckBudget(context.Background(), alerter, 2)
	assert.ErrorIs(t, err, domain.AIBudgetExceeded)
	assert.Len(t, alerter.alerts, 1)

	err = a.CheckBudget(context.Background(), alerter, 0)
	assert.ErrorIs(t, err, domain.AIBudgetExceeded)
	assert.Len(t, alerter.alerts, 1, "alert fires once, not on every subsequent gated call")
}

func TestAccountant_SoftDegradeNeverGates(t *testing.T) {
	alerter := &recordingAlerter{}
	a := NewAccountant(Pricing{PromptPer1K: 1}, domain.BudgetSoftDegrade, 1)

	require.NoError(t, a.CheckBudget(context.Background(), alerter, 10))
	assert.Len(t, alerter.alerts, 1)

	require.NoError(t, a.CheckBudget(context.Background(), alerter, 10), "soft_degrade must never return AIBudgetExceeded")
}

func TestEstimateTokens_RoughlyFourCharsPerToken(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 3, EstimateTokens("123456789012"))
}
