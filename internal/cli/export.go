package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every recorded result as CSV",
	Run:   runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "file to write (default stdout)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	var out io.Writer = os.Stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			fail(app, "Failed to create export file", err)
		}
		defer f.Close()
		out = f
	}

	n, err := app.Pipeline.Export(ctx, out)
	if err != nil {
		fail(app, "Export failed", err)
	}
	slog.Info("Export complete", "cases", n, "output", exportOutput)
}
