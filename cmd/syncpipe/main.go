package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oakhealth/syncpipe/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "syncpipe",
		Short:   "Sync medical work-order data from the warehouse into the operational store",
		Long:    `syncpipe streams work-order rows from the source warehouse, enriches them with an AI extraction/embedding client, and upserts them into the sink database, tracking per-table watermarks so every run resumes from where the last one left off.`,
		Version: version,
	}

	root.AddCommand(
		commands.NewRunETLCmd(),
		commands.NewBackfillCmd(),
		commands.NewStatusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
