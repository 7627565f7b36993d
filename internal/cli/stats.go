package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/core/ledger"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Break recorded results down by status and label value",
	Long: `Show how many cases are in each ledger status, and for every label value
how often the suggestion matched, conflicted with or filled in the value that
was in the sheet before.`,
	Run: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

var statusOrder = []domain.ResultStatus{
	domain.StatusSuccess,
	domain.StatusFailed,
	domain.StatusMalformed,
	domain.StatusPending,
	domain.StatusSubmitted,
}

func runStats(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	stats, err := app.Pipeline.GetStats(ctx)
	if err != nil {
		fail(app, "Failed to get stats", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATUS\tCASES\tMEANING")
	for _, s := range statusOrder {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", s, stats.Statuses[s], ledger.StatusDescription(s))
	}
	_ = w.Flush()

	if len(stats.Labels) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "LABEL\tVALUE\tTOTAL\tMATCH\tCONFLICT\tNEW")
	for _, l := range stats.Labels {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", l.Label, l.Value, l.Total, l.Match, l.Conflict, l.New)
	}
	_ = w.Flush()
}
