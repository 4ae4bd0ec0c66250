package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakhealth/syncpipe/internal/ai"
	"github.com/oakhealth/syncpipe/internal/breaker"
	"github.com/oakhealth/syncpipe/pkg/domain"
)

// mockMessages is a function-field mock for messagesAPI, mirroring the
// teacher's DDBAPI/mockDDB pattern.
type mockMessages struct {
	newFn func(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

func (m *mockMessages) New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error) {
	return m.newFn(ctx, params, opts...)
}

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, int64, error)
	calls   int
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, int64, error) {
	m.calls++
	return m.embedFn(ctx, text)
}

func toolUseMessage(t *testing.T, wire extractionWire) *anthropicsdk.Message {
	t.Helper()
	input, err := json.Marshal(wire)
	require.NoError(t, err)

	raw := fmt.Sprintf(`{
		"type": "tool_use",
		"id": "toolu_1",
		"name": %q,
		"input": %s
	}`, extractToolName, input)

	var block anthropicsdk.ContentBlockUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &block))

	return &anthropicsdk.Message{
		Content: []anthropicsdk.ContentBlockUnion{block},
		Usage:   anthropicsdk.Usage{InputTokens: 100, OutputTokens: 40},
	}
}

func newTestClient(t *testing.T, messages messagesAPI, embedder Embedder) *Client {
	t.Helper()
	cfg := Config{
		Model:        anthropicsdk.ModelClaudeSonnet4_5_20250929,
		MaxTokens:    1024,
		RateLimitRPS: 0, // unlimited, so tests never block
		Pricing:      ai.Pricing{PromptPer1K: 0.003, CompletionPer1K: 0.015, EmbeddingPer1K: 0.0001},
		BudgetPolicy: domain.BudgetHardGate,
		CostAlertUSD: 1000,
		ModelVersion: "claude-sonnet-4-5",
	}
	return newClient(cfg, messages, embedder, breaker.NewRegistry(breaker.DefaultConfig()), ai.NopAlerter{})
}

func TestExtract_ValidResponseOnFirstTry(t *testing.T) {
	wire := extractionWire{
		PrimarySymptom: "overheating",
		RootCause:      "fan failure",
		Summary:        "unit overheated during cycle",
		Solution:       "replaced fan assembly",
		SolutionType:   "repair",
		Confidence:     0.9,
	}
	calls := 0
	messages := &mockMessages{newFn: func(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error) {
		calls++
		return toolUseMessage(t, wire), nil
	}}
	c := newTestClient(t, messages, nil)

	extraction, err := c.Extract(context.Background(), "wo-1", "the unit overheated")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "overheating", extraction.PrimarySymptom)
	assert.Equal(t, domain.SolutionType("repair"), extraction.SolutionType)
	assert.Equal(t, "claude-sonnet-4-5", extraction.ModelVersion)
}

func TestExtract_RetriesOnInvalidJSONThenSucceeds(t *testing.T) {
	attempt := 0
	messages := &mockMessages{newFn: func(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error) {
		attempt++
		if attempt == 1 {
			return toolUseMessage(t, extractionWire{Confidence: 0.5}), nil // missing required fields
		}
		return toolUseMessage(t, extractionWire{
			PrimarySymptom: "ok", RootCause: "ok", Summary: "ok", Solution: "ok",
			SolutionType: "repair", Confidence: 0.5,
		}), nil
	}}
	c := newTestClient(t, messages, nil)

	_, err := c.Extract(context.Background(), "wo-1", "text")
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
}

func TestExtract_QuarantinesAfterExhaustingRetries(t *testing.T) {
	attempts := 0
	messages := &mockMessages{newFn: func(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error) {
		attempts++
		return toolUseMessage(t, extractionWire{Confidence: 0.5}), nil // always invalid
	}}
	c := newTestClient(t, messages, nil)

	_, err := c.Extract(context.Background(), "wo-1", "text")
	require.Error(t, err)
	var persistent *domain.AIPersistent
	require.ErrorAs(t, err, &persistent)
	assert.Equal(t, maxExtractionAttempts, attempts)
}

func TestExtract_BudgetGateRejectsWithoutNetworkCall(t *testing.T) {
	calls := 0
	messages := &mockMessages{newFn: func(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error) {
		calls++
		return toolUseMessage(t, extractionWire{
			PrimarySymptom: "ok", RootCause: "ok", Summary: "ok", Solution: "ok",
			SolutionType: "repair", Confidence: 0.5,
		}), nil
	}}
	c := newTestClient(t, messages, nil)
	c.cfg.CostAlertUSD = 0 // any nonzero projected spend already crosses the threshold
	c.cost = ai.NewAccountant(c.cfg.Pricing, domain.BudgetHardGate, 0)

	_, err := c.Extract(context.Background(), "wo-1", "text")
	assert.ErrorIs(t, err, domain.AIBudgetExceeded)
	assert.Equal(t, 0, calls, "a call that would already cross the budget must not reach the network")

	_, err = c.Extract(context.Background(), "wo-1", "text")
	assert.ErrorIs(t, err, domain.AIBudgetExceeded)
	assert.Equal(t, 0, calls, "once gated, later calls must not reach the network either")
}

func TestEmbed_CacheHitBypassesNetworkCall(t *testing.T) {
	embedder := &mockEmbedder{embedFn: func(ctx context.Context, text string) ([]float32, int64, error) {
		return []float32{0.1, 0.2, 0.3}, 10, nil
	}}
	c := newTestClient(t, nil, embedder)

	first, err := c.Embed(context.Background(), "scrubbed text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, first)
	assert.Equal(t, 1, embedder.calls)

	second, err := c.Embed(context.Background(), "scrubbed text")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, embedder.calls, "cache hit must not call the embedder again")
}

func TestEmbed_DifferentTextMisses(t *testing.T) {
	embedder := &mockEmbedder{embedFn: func(ctx context.Context, text string) ([]float32, int64, error) {
		return []float32{float32(len(text))}, 5, nil
	}}
	c := newTestClient(t, nil, embedder)

	_, err := c.Embed(context.Background(), "short")
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "a longer string")
	require.NoError(t, err)
	assert.Equal(t, 2, embedder.calls)
}
