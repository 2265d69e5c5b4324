package main

import (
	"fmt"
	"io"
	"os"

	"github.com/oceanbase/powermem-hotcold/pkg/core"
	"github.com/oceanbase/powermem-hotcold/pkg/ingest"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay JSONL conversation history into the store",
		Long: "Replay events (one JSON object per line) through redaction, the decider, " +
			"embedding and upsert. With --dry-run nothing is embedded or written.",
		Args: cobra.NoArgs,
		Run:  runBackfill,
	}

	cmd.Flags().String("file", "-", "Input file, - for stdin")
	cmd.Flags().Bool("dry-run", false, "Report what would be stored without writing")
	cmd.Flags().IntP("concurrency", "c", 1, "Parallel lanes (per-user order is kept)")
	cmd.Flags().BoolP("verbose", "v", false, "Print every record that was not stored")

	rootCmd.AddCommand(cmd)
}

func runBackfill(cmd *cobra.Command, args []string) {
	path, _ := cmd.Flags().GetString("file")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	verbose, _ := cmd.Flags().GetBool("verbose")

	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			exitErr("open input", err)
		}
		defer f.Close()
		in = f
	}

	client := openClient()
	defer client.Close()

	opts := []core.BackfillOption{core.WithDryRun(dryRun), core.WithConcurrency(concurrency)}
	report := &core.BackfillReport{DryRun: dryRun}
	for res := range client.BackfillStream(cmd.Context(), ingest.ReadJSONL(in), opts...) {
		report.Add(res)
		if verbose && res.Outcome.State != ingest.StateUpserted {
			printOutcome(res)
		}
	}
	if err := cmd.Context().Err(); err != nil {
		exitErr("backfill interrupted", err)
	}

	if formatFlag == "text" {
		fmt.Printf("total=%d stored=%d skipped=%d dead_lettered=%d errors=%d dry_run=%t\n",
			report.Total, report.Stored, report.Skipped, report.DeadLettered, report.Errors, report.DryRun)
		return
	}
	printJSON(report)
}

func printOutcome(res core.BackfillResult) {
	reason := ""
	if res.Outcome.Decision != nil {
		reason = res.Outcome.Decision.Reason
	}
	errText := ""
	if res.Outcome.Err != nil {
		errText = res.Outcome.Err.Error()
	}
	fmt.Fprintf(os.Stderr, "line %d: event=%q state=%s reason=%s %s\n",
		res.Line, res.Outcome.EventID, res.Outcome.State, reason, errText)
}
