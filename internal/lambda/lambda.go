// Package lambda provides the AWS Lambda entrypoint for a scheduled run-etl
// invocation, grounded on the teacher's internal/lambda Deps/Init(ctx)
// pattern: build the shared component graph once per cold start from
// process environment variables, then run one or more tables per
// invocation. Unlike the teacher's DynamoDB-stream-triggered handlers, this
// package is driven by an EventBridge scheduled rule invoking run-etl
// directly, so there is no stream router or lifecycle-event publisher here.
package lambda

import (
	"context"
	"fmt"
	"log/slog"
	"os"
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
	"github.com/oakhealth/syncpipe/internal/retry"
	"github.com/oakhealth/syncpipe/internal/sink"
	sinkpg "github.com/oakhealth/syncpipe/internal/sink/postgres"
	"github.com/oakhealth/syncpipe/internal/source"
	"github.com/oakhealth/syncpipe/internal/source/snowflake"
	"github.com/oakhealth/syncpipe/internal/sync"
)

// Deps holds the component graph built once per Lambda cold start and
// reused across every invocation the execution environment serves.
type Deps struct {
	Config     *config.Config
	Metadata   metadata.Store
	Source     source.Reader
	Sink       sink.Writer
	AI         ai.Client
	Dispatcher *alert.Dispatcher
	Metrics    *progress.Metrics
	Logger     *slog.Logger
}

// Init builds Deps from config.Load(), which reads the same SOURCE_*/SINK_*/
// ETL_*/AI_*/PROGRESS_* variables as the CLI. The Lambda execution
// environment sets these the same way an ECS task definition or systemd
// unit would.
func Init(ctx context.Context) (*Deps, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	metaStore, err := metadatapg.New(ctx, cfg.Sink.DSN())
	if err != nil {
		return nil, fmt.Errorf("connecting metadata store: %w", err)
	}
	sinkStore, err := sinkpg.New(ctx, cfg.Sink.DSN(), cfg.AI.EmbeddingDim)
	if err != nil {
		metaStore.Close()
		return nil, fmt.Errorf("connecting sink: %w", err)
	}
	srcReader, err := snowflake.New(cfg.Source)
	if err != nil {
		sinkStore.Close()
		metaStore.Close()
		return nil, fmt.Errorf("connecting source: %w", err)
	}

	dispatcher, err := alert.NewDispatcher(ctx, []alert.Config{{
		Type:     cfg.Progress.AlertSink,
		URL:      cfg.Progress.AlertWebhookURL,
		Path:     cfg.Progress.AlertFilePath,
		QueueURL: cfg.Progress.AlertSQSQueueURL,
	}}, logger)
	if err != nil {
		srcReader.Close()
		sinkStore.Close()
		metaStore.Close()
		return nil, fmt.Errorf("building alert dispatcher: %w", err)
	}

	var metrics *progress.Metrics
	if cfg.AI.EnablePrometheus {
		metrics = progress.NewMetrics(prometheus.DefaultRegisterer)
	}
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
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

	return &Deps{
		Config: cfg, Metadata: metaStore, Source: srcReader, Sink: sinkStore,
		AI: aiClient, Dispatcher: dispatcher, Metrics: metrics, Logger: logger,
	}, nil
}

// Close releases every pooled connection Init opened.
func (d *Deps) Close() {
	d.Source.Close()
	d.Sink.Close()
	d.Metadata.Close()
}

// Request is the EventBridge scheduled-rule input. Tables defaults to the
// configured watermark table when empty.
type Request struct {
	Tables []string `json:"tables,omitempty"`
}

// Response summarizes one invocation's outcome per table.
type Response struct {
	TablesSucceeded []string `json:"tablesSucceeded"`
	TablesFailed    []string `json:"tablesFailed"`
	DurationSeconds float64  `json:"durationSeconds"`
}

// Handle runs one incremental sync pass (C8) per requested table, the same
// algorithm cmd/syncpipe's run-etl subcommand drives, and never returns an
// error for a partial failure — the caller inspects Response.TablesFailed
// instead, since a Lambda handler error triggers the platform's own retry/
// DLQ policy, which this domain's per-row dead-lettering already subsumes.
func (d *Deps) Handle(ctx context.Context, req Request) (Response, error) {
	tables := req.Tables
	if len(tables) == 0 {
		tables = []string{d.Config.ETL.WatermarkTable}
	}

	start := time.Now()
	resp := Response{}
	for _, table := range tables {
		reporter := progress.New(progress.Config{
			Table:              table,
			SLODuration:        time.Duration(d.Config.Progress.SLOSeconds) * time.Second,
			CostAlertUSD:       d.Config.AI.CostAlertUSD,
			ErrorRateThreshold: d.Config.Progress.ErrorRateThreshold,
		}, d.Dispatcher, d.Metrics, d.Logger)

		orch := sync.New(d.Metadata, d.Source, d.Sink, d.AI, reporter, sync.Config{
			BatchSize:   d.Config.ETL.BatchSize,
			RetryPolicy: retry.DefaultPolicy(d.Config.ETL.MaxRetries, time.Duration(d.Config.ETL.RetryDelaySeconds)*time.Second),
			Logger:      d.Logger,
		})

		if err := orch.RunTable(ctx, table); err != nil {
			d.Logger.Error("lambda: table run failed", "table", table, "error", err)
			resp.TablesFailed = append(resp.TablesFailed, table)
			continue
		}
		resp.TablesSucceeded = append(resp.TablesSucceeded, table)
	}
	resp.DurationSeconds = time.Since(start).Seconds()
	return resp, nil
}
