// Package commands wires the config-driven component graph (C1-C10) into
// runnable cobra subcommands, mirroring the teacher's one-file-per-
// subcommand layout: a shared dependency builder here, and run_etl.go,
// backfill.go, status.go each owning one cobra.Command.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oakhealth/syncpipe/internal/ai"
	"github.com/oakhealth/syncpipe/internal/ai/anthropic"
	"github.com/oakhealth/syncpipe/internal/alert"
	"github.com/oakhealth/syncpipe/internal/breaker"
	"github.com/oakhealth/syncpipe/internal/config"
	"github.com/oakhealth/syncpipe/internal/metadata"
	metadatapg "github.com/oakhealth/syncpipe/internal/metadata/postgres"
	"github.com/oakhealth/syncpipe/internal/progress"
	"github.com/oakhealth/syncpipe/internal/sink"
	sinkpg "github.com/oakhealth/syncpipe/internal/sink/postgres"
	"github.com/oakhealth/syncpipe/internal/source"
	"github.com/oakhealth/syncpipe/internal/source/snowflake"
)

// sharedDeps holds the process-wide components every table's run reuses: one
// warehouse connection, one sink pool, one metadata store, one AI client with
// its shared rate limiter/breaker/cache, and one alert dispatcher/metrics
// registry. Only the per-table progress.Reporter is built fresh per run
// (progress.Config's doc comment: "the command layer constructs a fresh
// Reporter per run rather than sharing one across runs").
type sharedDeps struct {
	cfg        *config.Config
	metadata   metadata.Store
	source     source.Reader
	sink       sink.Writer
	ai         ai.Client
	dispatcher *alert.Dispatcher
	metrics    *progress.Metrics
	logger     *slog.Logger
}

// buildShared connects every backend named in cfg. Callers must call
// close() exactly once, however the run ends.
func buildShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sharedDeps, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	metaStore, err := metadatapg.New(ctx, cfg.Sink.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("connecting metadata store: %w", err)
	}

	sinkStore, err := sinkpg.New(ctx, cfg.Sink.DSN(), cfg.AI.EmbeddingDim)
	if err != nil {
		metaStore.Close()
		return nil, nil, fmt.Errorf("connecting sink: %w", err)
	}

	srcReader, err := snowflake.New(cfg.Source)
	if err != nil {
		sinkStore.Close()
		metaStore.Close()
		return nil, nil, fmt.Errorf("connecting source: %w", err)
	}

	dispatcher, err := alert.NewDispatcher(ctx, alertSinkConfigs(cfg.Progress), logger)
	if err != nil {
		srcReader.Close()
		sinkStore.Close()
		metaStore.Close()
		return nil, nil, fmt.Errorf("building alert dispatcher: %w", err)
	}

	var metrics *progress.Metrics
	if cfg.AI.EnablePrometheus {
		metrics = progress.NewMetrics(prometheus.DefaultRegisterer)
	}

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	// The AI alerter is a narrow capability (Alert(ctx, kind, detail)), so a
	// single process-scoped reporter covers every AI-dependency alert; it is
	// distinct from the fresh per-table reporter used for sync progress.
	aiAlerter := progress.New(progress.Config{Table: "ai"}, dispatcher, metrics, logger)

	anthropicClient := anthropicsdk.NewClient(option.WithAPIKey(cfg.AI.APIKey))
	embedder := anthropic.NewHTTPEmbedder(cfg.AI.EmbeddingEndpoint, cfg.AI.APIKey, cfg.AI.EmbeddingModel)
	aiClient := anthropic.New(anthropic.Config{
		Model:        anthropicsdk.Model(cfg.AI.Deployment),
		MaxTokens:    1024,
		RateLimitRPS: cfg.AI.RateLimitRPS,
		Pricing: ai.Pricing{
			PromptPer1K:     cfg.AI.PromptPricePer1K,
			CompletionPer1K: cfg.AI.CompletionPricePer1K,
			EmbeddingPer1K:  cfg.AI.EmbeddingPricePer1K,
		},
		BudgetPolicy: cfg.AI.BudgetPolicy,
		CostAlertUSD: cfg.AI.CostAlertUSD,
		ModelVersion: cfg.AI.ModelVersion,
	}, anthropicClient, embedder, breakers, aiAlerter)

	deps := &sharedDeps{
		cfg:        cfg,
		metadata:   metaStore,
		source:     srcReader,
		sink:       sinkStore,
		ai:         aiClient,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}

	closeFn := func() {
		srcReader.Close()
		sinkStore.Close()
		metaStore.Close()
	}
	return deps, closeFn, nil
}

// reporterFor builds a fresh progress.Reporter scoped to one table's run,
// sharing the process-wide dispatcher and metrics registry.
func (d *sharedDeps) reporterFor(table string) *progress.Reporter {
	return progress.New(progress.Config{
		Table:              table,
		SLODuration:        time.Duration(d.cfg.Progress.SLOSeconds) * time.Second,
		CostAlertUSD:       d.cfg.AI.CostAlertUSD,
		ErrorRateThreshold: d.cfg.Progress.ErrorRateThreshold,
	}, d.dispatcher, d.metrics, d.logger)
}

func alertSinkConfigs(cfg config.ProgressConfig) []alert.Config {
	return []alert.Config{{
		Type:     cfg.AlertSink,
		URL:      cfg.AlertWebhookURL,
		Path:     cfg.AlertFilePath,
		QueueURL: cfg.AlertSQSQueueURL,
	}}
}
