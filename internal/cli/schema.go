package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/supportersimulator/categorizer/internal/core/domain"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and refresh the cached header",
}

var schemaRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-read the header row and cache it under a new version",
	Run:   runSchemaRefresh,
}

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Show or override the field selection",
	Run:   runFieldsShow,
}

var (
	fieldsID     string
	fieldsInputs []string
	fieldsOutput map[string]string
)

var fieldsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Persist a field selection override",
	Example: `  categorizer fields set --id "Case ID" --input Subject --input Description \
    --output symptomCode=Symptom --output systemCode=System`,
	Run: runFieldsSet,
}

var fieldsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the override and use the configured selection",
	Run:   runFieldsClear,
}

func init() {
	fieldsSetCmd.Flags().StringVar(&fieldsID, "id", "", "case ID column")
	fieldsSetCmd.Flags().StringArrayVar(&fieldsInputs, "input", nil, "input column, repeatable")
	fieldsSetCmd.Flags().StringToStringVar(&fieldsOutput, "output", nil, "label=column output mapping, repeatable")
	_ = fieldsSetCmd.MarkFlagRequired("id")

	schemaCmd.AddCommand(schemaRefreshCmd)
	fieldsCmd.AddCommand(fieldsSetCmd, fieldsClearCmd)
	rootCmd.AddCommand(schemaCmd, fieldsCmd)
}

func runSchemaRefresh(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	snap, err := app.Pipeline.RefreshSchema(ctx)
	if err != nil {
		fail(app, "Failed to refresh header", err)
	}
	fmt.Printf("Header version %d: %s\n", snap.Version, strings.Join(snap.Fields, ", "))
}

func runFieldsShow(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	sel, err := app.Pipeline.Selection(ctx)
	if err != nil {
		fail(app, "Failed to read field selection", err)
	}
	printSelection(sel)
}

func runFieldsSet(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	sel := domain.FieldSelection{
		IDColumn:      fieldsID,
		InputColumns:  fieldsInputs,
		OutputColumns: fieldsOutput,
	}
	if err := app.Pipeline.SetFieldSelection(ctx, &sel); err != nil {
		fail(app, "Failed to set field selection", err)
	}
	printSelection(sel)
}

func runFieldsClear(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	if err := app.Pipeline.SetFieldSelection(ctx, nil); err != nil {
		fail(app, "Failed to clear field selection", err)
	}
	fmt.Println("Field selection override cleared")
}

func printSelection(sel domain.FieldSelection) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID\t%s\n", sel.IDColumn)
	_, _ = fmt.Fprintf(w, "INPUT\t%s\n", strings.Join(sel.InputColumns, ", "))
	for _, label := range sel.LabelKeys() {
		_, _ = fmt.Fprintf(w, "OUTPUT\t%s -> %s\n", label, sel.OutputColumns[label])
	}
	_ = w.Flush()
}
