package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show progress of the configured pipeline",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	s, err := app.Pipeline.GetStatus(ctx)
	if err != nil {
		fail(app, "Failed to get status", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PIPELINE\tPROCESSED\tTOTAL\tSUCCEEDED\tFAILED\tIN FLIGHT\tROWS/MIN\tCOMPLETE")
	_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.1f\t%t\n",
		s.Pipeline, s.Processed, s.Total, s.Succeeded, s.FailedCount, s.Pending, s.RowsPerMinute, s.Complete)
	_ = w.Flush()
}
