package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pipeline-backend/internal/pipeline"
)

// ErrLedgerViolations is returned by verify when any subject fails a check.
var ErrLedgerViolations = errors.New("ledger violations found")

const verifyPageSize = 100

// VerifyCmd returns the verify command.
func VerifyCmd(open Opener) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "verify [subject-id...]",
		Short: "Check stored history against the ledger invariants",
		Long: `Check that each subject's history is contiguous, chained, ordered and
agrees with the subject's last-action fields.

With no arguments every subject in the store is checked.

Examples:
  pipelinectl verify
  pipelinectl verify 5b0c... 91fe...
  pipelinectl verify --quiet   # exit code only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(b *Backend) error {
				ctx := cmd.Context()
				actor := operator(cmd)
				out := cmd.OutOrStdout()
				if quiet {
					out = io.Discard
				}

				ids := args
				if len(ids) == 0 {
					all, err := allSubjectIDs(ctx, b.Query, actor)
					if err != nil {
						return err
					}
					ids = all
				}

				failed := 0
				for _, id := range ids {
					ok, err := verifySubject(ctx, out, b.Query, actor, id)
					if err != nil {
						return err
					}
					if !ok {
						failed++
					}
				}

				fmt.Fprintf(out, "\nChecked %d subjects, %d with violations\n", len(ids), failed)
				if failed > 0 {
					return fmt.Errorf("%w: %d of %d subjects", ErrLedgerViolations, failed, len(ids))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress output; report through the exit code")

	return cmd
}

func allSubjectIDs(ctx context.Context, q *pipeline.QueryService, actor pipeline.Actor) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += verifyPageSize {
		page, err := q.ListFor(ctx, actor, pipeline.ListFilter{Limit: verifyPageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("failed to list subjects: %w", err)
		}
		for _, s := range page {
			ids = append(ids, s.ID)
		}
		if len(page) < verifyPageSize {
			return ids, nil
		}
	}
}

func verifySubject(ctx context.Context, out io.Writer, q *pipeline.QueryService, actor pipeline.Actor, id string) (bool, error) {
	subj, err := q.Get(ctx, id, actor)
	if err != nil {
		return false, fmt.Errorf("failed to load subject %s: %w", id, err)
	}
	entries, err := q.HistoryFor(ctx, id, actor)
	if err != nil {
		return false, fmt.Errorf("failed to load history for %s: %w", id, err)
	}

	violations := pipeline.Verify(subj, entries)
	if len(violations) == 0 {
		fmt.Fprintf(out, "%s %s  %s  %d entries\n", okMark(), subj.ID, subj.CurrentPhase, len(entries))
		return true, nil
	}
	fmt.Fprintf(out, "%s %s  %s  %d entries\n", failMark(), subj.ID, subj.CurrentPhase, len(entries))
	for _, v := range violations {
		fmt.Fprintf(out, "    %s\n", v)
	}
	return false, nil
}
