package main

import (
	"context"
	"fmt"
	"os"

	"pipeline-backend/internal/bootstrap"
	"pipeline-backend/internal/cli"
	"pipeline-backend/internal/intake"
	"pipeline-backend/internal/shared/config"
	"pipeline-backend/internal/shared/storage/db"
)

func main() {
	rootCmd := cli.RootCmd(open)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func open(ctx context.Context) (*cli.Backend, error) {
	cfg := config.Load()
	app, err := bootstrap.BuildCore(ctx, cfg, db.OptionsFromEnv(db.DefaultCLIOptions()))
	if err != nil {
		return nil, err
	}
	return &cli.Backend{
		Rules:    app.Rules,
		Query:    app.Query,
		Exporter: app.Exporter,
		Archive:  app.Archive,
		Intake:   app.Intake,
		Rows: func(ctx context.Context) (intake.RowReader, error) {
			return intake.NewSheetsReader(ctx, cfg.GoogleCredentials)
		},
		Close: app.Close,
	}, nil
}
