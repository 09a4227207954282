package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pipeline-backend/internal/intake"
)

// ImportSheetCmd returns the import-sheet command.
func ImportSheetCmd(open Opener) *cobra.Command {
	var (
		spreadsheetID string
		readRange     string
	)

	cmd := &cobra.Command{
		Use:   "import-sheet",
		Short: "Create subjects from the rows of a Google Sheet",
		Long: `Read a sheet range once and create one subject per data row.

The first row holds column titles; they become payload keys in snake_case.
Empty rows are skipped. A failing row is reported and the import continues.
Running the same import twice creates the subjects twice.

Requires GOOGLE_APPLICATION_CREDENTIALS pointing at a service account key with
read access to the sheet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(b *Backend) error {
				if b.Rows == nil || b.Intake == nil {
					return errors.New("sheet import is not configured")
				}
				reader, err := b.Rows(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to open sheets client: %w", err)
				}

				importer := &intake.Importer{Rows: reader, Intake: b.Intake}
				res, err := importer.Import(cmd.Context(), spreadsheetID, readRange)
				if err != nil {
					return fmt.Errorf("failed to import sheet: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s Created %d subjects\n", okMark(), len(res.Created))
				for _, id := range res.Created {
					fmt.Fprintf(out, "    %s\n", id)
				}
				if len(res.Skipped) > 0 {
					fmt.Fprintf(out, "Skipped %d empty rows: %v\n", len(res.Skipped), res.Skipped)
				}
				for _, f := range res.Failed {
					fmt.Fprintf(out, "%s Row %d: %s\n", failMark(), f.Row, f.Err)
				}
				if len(res.Failed) > 0 {
					return fmt.Errorf("%d rows failed to import", len(res.Failed))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&spreadsheetID, "spreadsheet", "", "Spreadsheet ID (required)")
	cmd.Flags().StringVar(&readRange, "range", "A1:Z", "Range to read, in A1 notation")
	_ = cmd.MarkFlagRequired("spreadsheet")

	return cmd
}
