package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var runAll bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process the next batch at the cursor",
	Run:   runNext,
}

func init() {
	runCmd.Flags().BoolVar(&runAll, "all", false, "keep running batches until the end of the row store")
	rootCmd.AddCommand(runCmd)
}

func runNext(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	for {
		runCtx, cancel := context.WithTimeout(ctx, app.Config.Pipeline.RunTimeout)
		res, err := app.Pipeline.RunNextBatch(runCtx)
		cancel()
		if err != nil {
			fail(app, "Run failed", err)
		}
		if res.Span.Count == 0 {
			fmt.Println("Nothing to process")
			return
		}
		fmt.Printf("Rows %d-%d: %d submitted, %d written, position %d/%d\n",
			res.Span.Start, res.Span.End()-1, res.Outcome.Submitted, res.Outcome.Report.Written,
			res.Cursor.LastProcessedIndex, res.Cursor.TotalRows)
		if !runAll || res.IsLast {
			return
		}
	}
}
