package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oakhealth/syncpipe/internal/config"
	"github.com/oakhealth/syncpipe/internal/retry"
	"github.com/oakhealth/syncpipe/internal/sync"
)

// exit codes, per the run-etl/backfill external interface: 0 success, 1
// partial (some tables failed while others succeeded), 2 configuration
// error, 3 persistent infrastructure error (no table could even start).
const (
	exitSuccess = 0
	exitPartial = 1
	exitConfig  = 2
	exitInfra   = 3
)

// cliError carries the process exit code a cobra RunE failure should
// produce; NewRunETLCmd and NewBackfillCmd's Execute callers inspect it via
// ExitCode instead of always exiting 1.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

// ExitCode extracts the process exit code intended for err, defaulting to 1
// for any error that did not originate from this package's commands.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ce *cliError
	if ok := asCliError(err, &ce); ok {
		return ce.code
	}
	return 1
}

func asCliError(err error, target **cliError) bool {
	for {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
		if err == nil {
			return false
		}
	}
}

// NewRunETLCmd builds the "run-etl" subcommand: one incremental sync pass
// (C8) per table in --tables, run sequentially since each table's lease is
// exclusive and the spec's max_workers=1 per table applies to incremental
// runs (§5).
func NewRunETLCmd() *cobra.Command {
	var tables string
	var batchSize int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run-etl",
		Short: "Run one incremental sync pass over the configured tables",
		Long: `run-etl streams every work-order table's rows notified since its last
committed watermark, enriches them with the AI extraction/embedding client,
and upserts the batch into the sink. Each table commits its own watermark
independently: a failure on one table does not block the others.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runETL(cmd, tables, batchSize, dryRun)
		},
	}

	cmd.Flags().StringVar(&tables, "tables", "", "comma-separated table names to sync (default: notification_text)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "override the configured batch size")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate configuration and connectivity without writing any rows")

	return cmd
}

func runETL(cmd *cobra.Command, tables string, batchSize int, dryRun bool) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return &cliError{code: exitConfig, err: err}
	}
	if batchSize > 0 {
		cfg.ETL.BatchSize = batchSize
	}

	tableList := splitTables(tables, cfg.ETL.WatermarkTable)

	deps, closeFn, err := buildShared(ctx, cfg, nil)
	if err != nil {
		return &cliError{code: exitInfra, err: err}
	}
	defer closeFn()

	if dryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "config and connectivity OK for %s\n", strings.Join(tableList, ", "))
		return nil
	}

	var failed []string
	for _, table := range tableList {
		orch := sync.New(deps.metadata, deps.source, deps.sink, deps.ai, deps.reporterFor(table), sync.Config{
			BatchSize:   cfg.ETL.BatchSize,
			RetryPolicy: retry.DefaultPolicy(cfg.ETL.MaxRetries, time.Duration(cfg.ETL.RetryDelaySeconds)*time.Second),
			Logger:      deps.logger,
		})

		start := time.Now()
		runErr := orch.RunTable(ctx, table)
		elapsed := time.Since(start).Round(time.Millisecond)

		if runErr != nil {
			failed = append(failed, table)
			color.Red("%s: failed after %s: %v\n", table, elapsed, runErr)
			continue
		}
		color.Green("%s: completed in %s\n", table, elapsed)
	}

	if len(failed) == len(tableList) && len(tableList) > 0 {
		return &cliError{code: exitInfra, err: fmt.Errorf("run-etl: every table failed: %s", strings.Join(failed, ", "))}
	}
	if len(failed) > 0 {
		return &cliError{code: exitPartial, err: fmt.Errorf("run-etl: %d of %d tables failed: %s", len(failed), len(tableList), strings.Join(failed, ", "))}
	}
	return nil
}

func splitTables(tables, fallback string) []string {
	if tables == "" {
		return []string{fallback}
	}
	parts := strings.Split(tables, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{fallback}
	}
	return out
}

