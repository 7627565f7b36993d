package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/supportersimulator/categorizer/internal/core/domain"
	"github.com/supportersimulator/categorizer/internal/pipeline/recovery"
)

var (
	retryDue   bool
	retryLimit int
)

var retryCmd = &cobra.Command{
	Use:   "retry [case_id...]",
	Short: "Resubmit failed and malformed cases",
	Long: `Resubmit the given cases, or one batch of failed and malformed cases when
none are given. With --due only cases whose backoff has elapsed are
resubmitted. Run it again to work through the next batch.`,
	Run: runRetry,
}

func init() {
	retryCmd.Flags().BoolVar(&retryDue, "due", false, "only retry cases whose backoff has elapsed")
	retryCmd.Flags().IntVar(&retryLimit, "limit", 0, "maximum cases to retry with --due (0 = one batch)")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	var (
		summary recovery.Summary
		err     error
	)
	if retryDue {
		summary, err = app.Pipeline.RetryDue(ctx, retryLimit)
	} else {
		ids := make([]domain.CaseID, len(args))
		for i, a := range args {
			ids[i] = domain.CaseID(a)
		}
		summary, err = app.Pipeline.RetryFailed(ctx, ids)
	}
	if err != nil {
		fail(app, "Retry failed", err)
	}

	fmt.Printf("Requested %d, queued %d, skipped %d, not found %d\n",
		summary.Requested, summary.Queued, len(summary.Skipped), len(summary.NotFound))
	fmt.Printf("Success %d, failed %d, malformed %d\n",
		summary.Count(domain.StatusSuccess),
		summary.Count(domain.StatusFailed),
		summary.Count(domain.StatusMalformed))
}
