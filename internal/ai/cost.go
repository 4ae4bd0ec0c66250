package ai

import (
	"context"
	"fmt"
	"sync"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Pricing is the per-1K-token cost used to estimate spend before and after
// each call. Grounded on the project's original Pricing/CostTracker split
// (prompt, completion, and embedding tracked as distinct accumulators).
type Pricing struct {
	PromptPer1K     float64
	CompletionPer1K float64
	EmbeddingPer1K  float64
}

// Accountant tracks cumulative token usage and cost against cost_alert_usd,
// gating further calls once the threshold is crossed under a hard_gate
// policy. One Accountant is shared process-wide per AI dependency, matching
// §5's "process-wide singletons per external dependency."
type Accountant struct {
	mu      sync.Mutex
	pricing Pricing
	policy  domain.BudgetPolicy
	alertAt float64

	promptTokens     int64
	completionTokens int64
	embeddingTokens  int64
	totalCostUSD     float64
	alerted          bool
	gated            bool
}

// NewAccountant builds an Accountant for one AI dependency's pricing,
// budget policy, and alert threshold.
func NewAccountant(pricing Pricing, policy domain.BudgetPolicy, alertAtUSD float64) *Accountant {
	return &Accountant{pricing: pricing, policy: policy, alertAt: alertAtUSD}
}

// Estimate pre-computes the USD cost of a request with promptTokens already
// known and no completion/embedding tokens yet, so the caller can reject an
// over-budget request before any network activity (§4.7's "token counting
// is performed before the call").
func (a *Accountant) Estimate(promptTokens int) float64 {
	return (float64(promptTokens) / 1000.0) * a.pricing.PromptPer1K
}

// EstimateEmbedding is Estimate's embedding-tier counterpart.
func (a *Accountant) EstimateEmbedding(promptTokens int) float64 {
	return (float64(promptTokens) / 1000.0) * a.pricing.EmbeddingPer1K
}

// CheckBudget reports AIBudgetExceeded under a hard_gate policy once spend
// plus estimatedUSD first crosses the threshold (that call alerts and gates),
// and for every later call while gated, whatever its estimate. Soft-degrade
// never gates; it only alerts once.
func (a *Accountant) CheckBudget(ctx context.Context, alerter Alerter, estimatedUSD float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.gated && a.policy == domain.BudgetHardGate {
		return domain.AIBudgetExceeded
	}
	if a.totalCostUSD+estimatedUSD > a.alertAt && !a.alerted {
		a.alerted = true
		if a.policy == domain.BudgetHardGate {
			a.gated = true
		}
		alerter.Alert(ctx, "ai_budget", fmt.Sprintf("projected spend %.4f exceeds alert threshold %.4f", a.totalCostUSD+estimatedUSD, a.alertAt))
	}
	if a.gated && a.policy == domain.BudgetHardGate {
		return domain.AIBudgetExceeded
	}
	return nil
}

// Record folds a completed call's actual usage into the running totals and
// returns the resulting Counters delta for the caller to merge into its run
// counters.
func (a *Accountant) Record(promptTokens, completionTokens, embeddingTokens int64) domain.Counters {
	a.mu.Lock()
	defer a.mu.Unlock()

	promptCost := (float64(promptTokens) / 1000.0) * a.pricing.PromptPer1K
	completionCost := (float64(completionTokens) / 1000.0) * a.pricing.CompletionPer1K
	embeddingCost := (float64(embeddingTokens) / 1000.0) * a.pricing.EmbeddingPer1K
	cost := promptCost + completionCost + embeddingCost

	a.promptTokens += promptTokens
	a.completionTokens += completionTokens
	a.embeddingTokens += embeddingTokens
	a.totalCostUSD += cost

	return domain.Counters{
		AICalls:          1,
		AITokensPrompt:   promptTokens,
		AITokensComplete: completionTokens,
		AICostUSD:        cost,
	}
}

// TotalCostUSD reports cumulative spend so far, for status reporting (C10).
func (a *Accountant) TotalCostUSD() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalCostUSD
}

// EstimateTokens is a fast, conservative pre-call token estimate. Anthropic
// does not expose a local tokenizer in anthropic-sdk-go, so spend is
// pre-estimated with the same rule of thumb the original cost tracker's
// callers used upstream of it: roughly four characters per token, rounded
// up so the estimate never under-counts.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
