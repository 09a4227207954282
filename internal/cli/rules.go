package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pipeline-backend/internal/pipeline"
)

// RulesCmd returns the rules command.
func RulesCmd(open Opener) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the transition table in effect",
		Long: `Print every phase, whether it is terminal, and the phases it may move to
with their required and optional fields.

The table is loaded from PIPELINE_RULES_FILE when set, otherwise the built-in
table is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, open, func(b *Backend) error {
				rules := b.Rules
				if rules == nil {
					rules = pipeline.DefaultRules()
				}
				desc := pipeline.DescribeRules(rules)
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(desc)
				}
				return writeRules(cmd.OutOrStdout(), desc)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the table as JSON")

	return cmd
}

func writeRules(out io.Writer, desc pipeline.RulesDescription) error {
	fmt.Fprintf(out, "Start phase: %s\n\n", desc.Start)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tLABEL\tTERMINAL\tNEXT")
	for _, p := range desc.Phases {
		terminal := "no"
		if p.Terminal {
			terminal = "yes"
		}
		if len(p.Next) == 0 {
			fmt.Fprintf(w, "%s\t%s\t%s\t-\n", p.Name, p.Label, terminal)
			continue
		}
		for i, edge := range p.Next {
			if i == 0 {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Label, terminal, describeEdge(edge))
				continue
			}
			fmt.Fprintf(w, "\t\t\t%s\n", describeEdge(edge))
		}
	}
	return w.Flush()
}

// describeEdge renders "ongoing (requires a, b; optional c)".
func describeEdge(e pipeline.Edge) string {
	var parts []string
	if len(e.Required) > 0 {
		parts = append(parts, "requires "+strings.Join(e.Required, ", "))
	}
	if len(e.Optional) > 0 {
		parts = append(parts, "optional "+strings.Join(e.Optional, ", "))
	}
	if len(parts) == 0 {
		return string(e.To)
	}
	return fmt.Sprintf("%s (%s)", e.To, strings.Join(parts, "; "))
}
