// Package anthropic implements the AI enrichment client (C7) against the
// Anthropic Messages API for structured extraction, and a generic HTTP
// embeddings endpoint for vectors. Both operations share one rate limiter,
// one circuit breaker entry per dependency, an embedding cache, and a cost
// accountant, matching the shared-resource policy in spec §5.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/oakhealth/syncpipe/internal/ai"
	"github.com/oakhealth/syncpipe/internal/breaker"
	"github.com/oakhealth/syncpipe/pkg/domain"
)

const (
	breakerDependency = "ai"

	maxExtractionAttempts = 3 // initial try + 2 stiffened retries, per §4.7

	defaultEmbeddingCacheCapacity = 10000
	rateLimiterWait               = 5 * time.Second
)

// messagesAPI is the narrow surface of anthropic.Client.Messages this
// package depends on, so tests can substitute a fake without a live API key
// or network access.
type messagesAPI interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// Embedder is the narrow HTTP-calling surface Client needs for embed(); see
// embed.go for the concrete httpEmbedder grounded on the teacher's
// WebhookSink POST idiom.
type Embedder interface {
	Embed(ctx context.Context, text string) (vector []float32, promptTokens int64, err error)
}

// Config configures the Anthropic-backed extraction model and the process-
// wide limits shared by every call through one Client.
type Config struct {
	Model        anthropicsdk.Model
	MaxTokens    int64
	RateLimitRPS float64
	Pricing      ai.Pricing
	BudgetPolicy domain.BudgetPolicy
	CostAlertUSD float64
	ModelVersion string // stamped onto every Extraction/Embedding as model_version
}

// Client implements ai.Client against Anthropic (extract) and a pluggable
// HTTP embeddings endpoint (embed), sharing one rate limiter, breaker
// registry entry, embedding cache, and cost accountant across both.
type Client struct {
	cfg      Config
	messages messagesAPI
	embedder Embedder
	breakers *breaker.Registry
	alerter  ai.Alerter
	limiter  *rate.Limiter
	cost     *ai.Accountant
	cache    *ttlcache.Cache[string, []float32]
}

// New builds a Client from an anthropic.Client's Messages service, an
// Embedder implementation, and the shared breaker registry. cfg.RateLimitRPS
// of zero disables limiting (used in tests).
func New(cfg Config, anthropicClient anthropicsdk.Client, embedder Embedder, breakers *breaker.Registry, alerter ai.Alerter) *Client {
	return newClient(cfg, &anthropicClient.Messages, embedder, breakers, alerter)
}

func newClient(cfg Config, messages messagesAPI, embedder Embedder, breakers *breaker.Registry, alerter ai.Alerter) *Client {
	if alerter == nil {
		alerter = ai.NopAlerter{}
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	cache := ttlcache.New(ttlcache.WithCapacity[string, []float32](defaultEmbeddingCacheCapacity))

	return &Client{
		cfg:      cfg,
		messages: messages,
		embedder: embedder,
		breakers: breakers,
		alerter:  alerter,
		limiter:  rate.NewLimiter(limit, 1),
		cost:     ai.NewAccountant(cfg.Pricing, cfg.BudgetPolicy, cfg.CostAlertUSD),
		cache:    cache,
	}
}

// waitForRateLimiter blocks up to rateLimiterWait for the token bucket, then
// fails with AIRateLimited rather than blocking the caller indefinitely
// (§4.7: "callers block up to a bounded wait and then fail").
func (c *Client) waitForRateLimiter(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, rateLimiterWait)
	defer cancel()
	if err := c.limiter.Wait(waitCtx); err != nil {
		return &domain.AIRateLimited{RetryAfter: rateLimiterWait.String()}
	}
	return nil
}

// Extract runs the forced-tool structured-extraction call, retrying up to
// two times with an instruction-stiffened prompt when the response fails
// JSON validation, and finally returning the last validation error wrapped
// in *domain.AIPersistent so the caller can quarantine the row.
func (c *Client) Extract(ctx context.Context, notificationID, text string) (domain.Extraction, error) {
	promptTokens := ai.EstimateTokens(text)
	estimatedUSD := c.cost.Estimate(promptTokens)
	if err := c.cost.CheckBudget(ctx, c.alerter, estimatedUSD); err != nil {
		return domain.Extraction{}, err
	}

	if err := c.waitForRateLimiter(ctx); err != nil {
		return domain.Extraction{}, err
	}

	var lastErr error
	stiffen := false
	for attempt := 0; attempt < maxExtractionAttempts; attempt++ {
		wire, usage, err := c.callExtract(ctx, text, stiffen)
		if err != nil {
			return domain.Extraction{}, err
		}
		c.cost.Record(usage.InputTokens, usage.OutputTokens, 0)

		if verr := wire.validate(); verr != nil {
			lastErr = verr
			stiffen = true
			continue
		}

		return domain.Extraction{
			NotificationID: notificationID,
			Keywords:       wire.Keywords,
			PrimarySymptom: wire.PrimarySymptom,
			RootCause:      wire.RootCause,
			Summary:        wire.Summary,
			Solution:       wire.Solution,
			SolutionType:   domain.SolutionType(wire.SolutionType),
			Components:     wire.Components,
			Processes:      wire.Processes,
			MainComponent:  wire.MainComponent,
			MainProcess:    wire.MainProcess,
			Confidence:     wire.Confidence,
			ModelVersion:   c.cfg.ModelVersion,
		}, nil
	}

	return domain.Extraction{}, &domain.AIPersistent{Err: fmt.Errorf("extraction failed validation after %d attempts: %w", maxExtractionAttempts, lastErr)}
}

func (c *Client) callExtract(ctx context.Context, text string, stiffen bool) (extractionWire, anthropicsdk.Usage, error) {
	system := "You analyze medical equipment work order notifications and record a structured extraction by calling " + extractToolName + ". Always call the tool exactly once."
	if stiffen {
		system += " Your previous attempt returned an incomplete or malformed result. Every required field must be a non-empty string and confidence must be a number between 0 and 1 inclusive."
	}

	result, err := c.breakers.Do(ctx, breakerDependency, func(ctx context.Context) (any, error) {
		return c.messages.New(ctx, anthropicsdk.MessageNewParams{
			Model:     c.cfg.Model,
			MaxTokens: c.cfg.MaxTokens,
			System:    []anthropicsdk.TextBlockParam{{Type: "text", Text: system}},
			Messages: []anthropicsdk.MessageParam{
				anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(text)),
			},
			Tools:      []anthropicsdk.ToolUnionParam{extractTool()},
			ToolChoice: anthropicsdk.ToolChoiceUnionParam{OfTool: &anthropicsdk.ToolChoiceToolParam{Name: extractToolName}},
		})
	})
	if err != nil {
		return extractionWire{}, anthropicsdk.Usage{}, classifyAnthropicErr(err)
	}

	msg := result.(*anthropicsdk.Message)
	for _, block := range msg.Content {
		tu := block.AsToolUse()
		if tu.Name != extractToolName {
			continue
		}
		var wire extractionWire
		if err := json.Unmarshal(tu.Input, &wire); err != nil {
			return extractionWire{}, msg.Usage, nil // surfaced as a validation failure, not a hard error
		}
		return wire, msg.Usage, nil
	}
	return extractionWire{}, msg.Usage, nil
}

// classifyAnthropicErr maps a transport/API-level failure to the C5
// taxonomy. The SDK does not expose a typed timeout vs. transient
// distinction beyond its own APIError, so a conservative default of
// AITransient is used — retryable, since domain.Category/retry.Policy will
// still cap total attempts via max_retries.
func classifyAnthropicErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.AICircuitOpen) {
		return err
	}
	return &domain.AITransient{Err: err}
}

// Embed returns a dimension-D vector for text, checked against the cache
// first under the client's configured embedding model version.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text, c.cfg.ModelVersion)
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	promptTokens := ai.EstimateTokens(text)
	estimatedUSD := c.cost.EstimateEmbedding(promptTokens)
	if err := c.cost.CheckBudget(ctx, c.alerter, estimatedUSD); err != nil {
		return nil, err
	}

	if err := c.waitForRateLimiter(ctx); err != nil {
		return nil, err
	}

	result, err := c.breakers.Do(ctx, breakerDependency, func(ctx context.Context) (any, error) {
		vec, tokens, err := c.embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return embedResult{vector: vec, tokens: tokens}, nil
	})
	if err != nil {
		if errors.Is(err, domain.AICircuitOpen) {
			return nil, err
		}
		return nil, &domain.AITransient{Err: err}
	}

	er := result.(embedResult)
	c.cost.Record(0, 0, er.tokens)
	c.cache.Set(key, er.vector, ttlcache.DefaultTTL)
	return er.vector, nil
}

type embedResult struct {
	vector []float32
	tokens int64
}

// ExtractBatch runs Extract over every item independently; a per-item
// failure does not abort the rest of the batch.
func (c *Client) ExtractBatch(ctx context.Context, items []ai.BatchItem) ([]domain.Extraction, []error) {
	out := make([]domain.Extraction, len(items))
	errs := make([]error, len(items))
	for i, item := range items {
		out[i], errs[i] = c.Extract(ctx, item.NotificationID, item.Text)
	}
	return out, errs
}

// EmbedBatch runs Embed over every item independently.
func (c *Client) EmbedBatch(ctx context.Context, items []ai.BatchItem) ([][]float32, []error) {
	out := make([][]float32, len(items))
	errs := make([]error, len(items))
	for i, item := range items {
		out[i], errs[i] = c.Embed(ctx, item.Text)
	}
	return out, errs
}

var _ ai.Client = (*Client)(nil)
