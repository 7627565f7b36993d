package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Move the cursor back to the first row",
	Long:  `Reset the primary-pass cursor. Recorded results and written labels are kept.`,
	Run:   runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	if err := app.Pipeline.ResetProgress(ctx); err != nil {
		fail(app, "Failed to reset cursor", err)
	}
	fmt.Printf("Successfully reset cursor for %s\n", app.Pipeline.Name())
}
