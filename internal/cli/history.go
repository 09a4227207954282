package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pipeline-backend/internal/pipeline"
)

const historyTimeLayout = "2006-01-02 15:04"

// HistoryCmd returns the history command.
func HistoryCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <subject-id>",
		Short: "Print a subject's audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(b *Backend) error {
				actor := operator(cmd)
				subj, err := b.Query.Get(cmd.Context(), args[0], actor)
				if err != nil {
					return fmt.Errorf("failed to load subject: %w", err)
				}
				entries, err := b.Query.HistoryFor(cmd.Context(), subj.ID, actor)
				if err != nil {
					return fmt.Errorf("failed to load history: %w", err)
				}
				return writeHistory(cmd.OutOrStdout(), subj, entries)
			})
		},
	}

	return cmd
}

func writeHistory(out io.Writer, subj pipeline.Subject, entries []pipeline.HistoryEntry) error {
	phase := string(subj.CurrentPhase)
	if subj.Round > 0 {
		phase = fmt.Sprintf("%s (round %d, %s)", phase, subj.Round, subj.RoundLabel)
	}
	fmt.Fprintf(out, "Phase:  %s\n", phase)
	fmt.Fprintf(out, "Status: %s\n\n", subj.Status)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tAT\tACTION\tFROM\tTO\tACTOR\tNOTES")
	for _, e := range entries {
		from := "-"
		if e.FromPhase != nil {
			from = string(*e.FromPhase)
		}
		actor := ""
		if e.ActorRef != nil {
			actor = *e.ActorRef
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq,
			e.CreatedAt.UTC().Format(historyTimeLayout),
			e.ActionKind,
			from,
			e.ToPhase,
			dash(actor),
			dash(e.Notes),
		)
	}
	return w.Flush()
}
