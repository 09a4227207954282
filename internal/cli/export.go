package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"pipeline-backend/internal/export"
)

// ExportCmd returns the export command.
func ExportCmd(open Opener) *cobra.Command {
	var (
		outDir  string
		archive bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write subjects and their histories to an xlsx workbook",
		Long: `Write every matching subject and its full history to an xlsx workbook.

By default the workbook is saved under --out. With --archive it is stored in
the configured export archive (EXPORT_BUCKET or EXPORT_DIR) instead.

Examples:
  pipelinectl export
  pipelinectl export --phase ongoing --out ./exports
  pipelinectl export --status closed --archive`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}
			return withBackend(cmd, open, func(b *Backend) error {
				ctx := cmd.Context()
				actor := operator(cmd)

				if archive {
					if b.Archive == nil {
						return errors.New("no export archive configured; set EXPORT_BUCKET or EXPORT_DIR")
					}
					res, err := b.Exporter.Archive(ctx, b.Archive, actor, filter)
					if err != nil {
						return fmt.Errorf("failed to archive export: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s Archived %d subjects to %s (%d bytes)\n", okMark(), res.Subjects, res.Key, res.SizeBytes)
					return nil
				}

				rows, err := b.Exporter.Collect(ctx, actor, filter)
				if err != nil {
					return fmt.Errorf("failed to collect subjects: %w", err)
				}
				at := time.Now().UTC()
				if b.Exporter.Now != nil {
					at = b.Exporter.Now().UTC()
				}
				path, err := export.SaveWorkbook(filepath.Join(outDir, export.FileName(at)), rows, at)
				if err != nil {
					return fmt.Errorf("failed to write workbook: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d subjects to %s\n", okMark(), len(rows), path)
				return nil
			})
		},
	}

	filterFlags(cmd)
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write the workbook to")
	cmd.Flags().BoolVar(&archive, "archive", false, "Store the workbook in the export archive")

	return cmd
}
