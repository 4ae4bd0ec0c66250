package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oakhealth/syncpipe/internal/config"
)

// deadLetterCounter is satisfied by sink backends that expose a dead-letter
// log; a status command built against a backend without one just omits the
// quarantined-row count rather than failing.
type deadLetterCounter interface {
	DeadLetterCount(ctx context.Context, table string) (int64, error)
}

// NewStatusCmd builds the "status" subcommand: a read-only introspection of
// each configured table's etl_metadata row plus its dead-letter count,
// printed one summary line per table in the teacher's plain fmt.Fprintf
// style (no table-rendering library).
func NewStatusCmd() *cobra.Command {
	var tables string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync progress and dead-letter counts for the configured tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, tables)
		},
	}
	cmd.Flags().StringVar(&tables, "tables", "", "comma-separated table names to inspect (default: the configured watermark table)")
	return cmd
}

func runStatus(cmd *cobra.Command, tables string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return &cliError{code: exitConfig, err: err}
	}
	tableList := splitTables(tables, cfg.ETL.WatermarkTable)

	deps, closeFn, err := buildShared(ctx, cfg, nil)
	if err != nil {
		return &cliError{code: exitInfra, err: err}
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	counter, hasDeadLetter := deps.sink.(deadLetterCounter)

	for _, table := range tableList {
		meta, err := deps.metadata.Read(ctx, table)
		if err != nil {
			fmt.Fprintf(out, "%s: error reading metadata: %v\n", table, err)
			continue
		}

		quarantined := "n/a"
		if hasDeadLetter {
			count, err := counter.DeadLetterCount(ctx, table)
			if err == nil {
				quarantined = fmt.Sprintf("%d", count)
			}
		}

		fmt.Fprintf(out, "%s: status=%s watermark=%s rows_processed=%d quarantined=%s",
			table, meta.Status, meta.LastWatermark.Format("2006-01-02T15:04:05Z"), meta.RowsProcessed, quarantined)
		if meta.ErrorMessage != "" {
			fmt.Fprintf(out, " error=%q", meta.ErrorMessage)
		}
		fmt.Fprintln(out)
	}

	return nil
}

