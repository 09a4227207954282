package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pipeline-backend/internal/export"
	"pipeline-backend/internal/intake"
	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/shared/storage/object"
)

const defaultActor = "operator:cli"

// Backend is everything the operator commands read from or write to.
type Backend struct {
	Rules    *pipeline.Rules
	Query    *pipeline.QueryService
	Exporter *export.Exporter
	// Archive is nil when no export destination is configured.
	Archive object.Store
	Intake  *intake.Intake
	// Rows opens the spreadsheet reader on demand so commands that never
	// import do not need Google credentials.
	Rows  func(ctx context.Context) (intake.RowReader, error)
	Close func() error
}

// Opener builds a Backend. It is called once per command invocation.
type Opener func(ctx context.Context) (*Backend, error)

func okMark() string   { return color.New(color.FgGreen).Sprint("✓") }
func failMark() string { return color.New(color.FgRed).Sprint("✗") }

// RootCmd returns the pipelinectl command tree.
func RootCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Operator tools for the hiring pipeline",
		Long: `pipelinectl inspects and maintains the hiring pipeline store.

Examples:
  pipelinectl rules
  pipelinectl history 5b0c...
  pipelinectl verify
  pipelinectl export --phase ongoing --out ./exports
  pipelinectl import-sheet --spreadsheet 1AbC... --range "Responses!A1:Z"`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("actor", defaultActor, "Actor reference recorded for operator actions")

	cmd.AddCommand(RulesCmd(open))
	cmd.AddCommand(HistoryCmd(open))
	cmd.AddCommand(VerifyCmd(open))
	cmd.AddCommand(ExportCmd(open))
	cmd.AddCommand(ImportSheetCmd(open))

	return cmd
}

// withBackend opens the backend, runs fn and closes it.
func withBackend(cmd *cobra.Command, open Opener, fn func(b *Backend) error) error {
	if open == nil {
		return errors.New("no backend configured")
	}
	b, err := open(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to open pipeline store: %w", err)
	}
	if b.Close != nil {
		defer b.Close()
	}
	return fn(b)
}

// operator is the privileged identity CLI commands act as.
func operator(cmd *cobra.Command) pipeline.Actor {
	ref, _ := cmd.Flags().GetString("actor")
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = defaultActor
	}
	return pipeline.Actor{Ref: ref, Privileged: true}
}

// filterFlags adds --phase and --status to cmd.
func filterFlags(cmd *cobra.Command) {
	cmd.Flags().String("phase", "", "Only subjects in this phase")
	cmd.Flags().String("status", "", "Only subjects with this status (active, closed)")
}

func filterFromFlags(cmd *cobra.Command) (pipeline.ListFilter, error) {
	var f pipeline.ListFilter
	status, _ := cmd.Flags().GetString("status")
	f.Status = strings.TrimSpace(status)

	raw, _ := cmd.Flags().GetString("phase")
	if raw = strings.TrimSpace(raw); raw != "" {
		phase, _, ok := pipeline.ParsePhase(raw)
		if !ok {
			return f, fmt.Errorf("unknown phase %q", raw)
		}
		f.Phase = phase
	}
	return f, nil
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
