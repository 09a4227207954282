package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	googleauth "pipeline-backend/internal/auth"
	"pipeline-backend/internal/export"
	"pipeline-backend/internal/intake"
	"pipeline-backend/internal/notify"
	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/queue"
	"pipeline-backend/internal/services/health"
	"pipeline-backend/internal/shared/config"
	"pipeline-backend/internal/shared/server"
	"pipeline-backend/internal/shared/storage/db"
	"pipeline-backend/internal/shared/storage/object"
	localstore "pipeline-backend/internal/shared/storage/object/local"
	s3store "pipeline-backend/internal/shared/storage/object/s3"
	"pipeline-backend/internal/shared/telemetry"
)

// App holds shared dependencies.
type App struct {
	Config   config.Config
	Router   *gin.Engine
	DB       *sql.DB
	Dialect  db.Dialect
	Store    pipeline.Store
	Rules    *pipeline.Rules
	Notifier *notify.Dispatcher
	Service  *pipeline.Service
	Query    *pipeline.QueryService
	Exporter *export.Exporter
	Archive  object.Store
	Intake   *intake.Intake
}

// Build prepares every dependency of the API server and wires the router.
func Build(cfg config.Config) (*App, error) {
	app, err := BuildCore(context.Background(), cfg, db.OptionsFromEnv(db.DefaultServerOptions()))
	if err != nil {
		return nil, err
	}

	googleAuth := googleauth.NewGoogleService(googleauth.GoogleConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		UIRedirect:   cfg.UIRedirectURL,
		StaffDomains: cfg.StaffEmailDomains,
	})

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          app.Config,
		Health:          health.NewService(pinger(app.DB)),
		PipelineHandler: pipeline.NewHandler(app.Service, app.Query),
		ExportHandler:   export.NewHandler(app.Exporter, app.Archive),
		IntakeHandler:   intake.NewWebhookHandler(app.Intake, cfg.IntakeWebhookSecret),
		GoogleAuth:      googleAuth,
	})
	return app, nil
}

// BuildCore prepares the store, services and collaborators without a router.
// pipelinectl uses it with CLI pool options.
func BuildCore(ctx context.Context, cfg config.Config, opts db.Options) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}

	rules, err := pipeline.LoadRulesFile(cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	sqlDB, dialect, err := buildDB(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	var store pipeline.Store
	if sqlDB != nil {
		store = &pipeline.SQLStore{DB: sqlDB, Dialect: dialect}
	} else {
		store = pipeline.NewMemoryStore()
	}

	dispatcher, err := buildNotifier(ctx, cfg)
	if err != nil {
		closeDB(sqlDB)
		return nil, fmt.Errorf("notifier: %w", err)
	}

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		closeDB(sqlDB)
		return nil, fmt.Errorf("export archive: %w", err)
	}

	svc := &pipeline.Service{
		Store:       store,
		Rules:       rules,
		MaxAttempts: cfg.TransitionMaxAttempts,
		LockTimeout: cfg.LockTimeout,
	}
	if dispatcher.Len() > 0 {
		svc.Notifier = dispatcher
	}
	query := &pipeline.QueryService{Store: store}

	return &App{
		Config:   cfg,
		DB:       sqlDB,
		Dialect:  dialect,
		Store:    store,
		Rules:    rules,
		Notifier: dispatcher,
		Service:  svc,
		Query:    query,
		Exporter: &export.Exporter{Reader: query},
		Archive:  archive,
		Intake:   &intake.Intake{Creator: svc, OwnerRef: cfg.IntakeOwnerRef},
	}, nil
}

// Close releases the database pool, if any.
func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

func buildDB(ctx context.Context, cfg config.Config, opts db.Options) (*sql.DB, db.Dialect, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_store", map[string]any{"reason": "DATABASE_URL empty"})
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("DATABASE_URL is required")
	}

	dialect := db.DialectFor(cfg.DatabaseURL)
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			telemetry.Warn("bootstrap.memory_store", map[string]any{"reason": "database connect failed", "error": err})
			return nil, "", nil
		}
		return nil, "", err
	}

	// Production schemas are managed with cmd/migrate.
	if isDevLike(cfg.Env) {
		if err := db.RunMigrations(ctx, sqlDB, dialect); err != nil {
			_ = sqlDB.Close()
			return nil, "", fmt.Errorf("run migrations: %w", err)
		}
	}
	return sqlDB, dialect, nil
}

// buildNotifier publishes to the queue when one is configured and otherwise
// mails directly. With neither the dispatcher is empty.
func buildNotifier(ctx context.Context, cfg config.Config) (*notify.Dispatcher, error) {
	d := notify.NewDispatcher()
	if strings.TrimSpace(cfg.NotifyQueueURL) != "" {
		client, err := queue.NewSQSClient(ctx, cfg.NotifyQueueURL, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return d.Add("queue", notify.QueueSink{Client: client}), nil
	}
	if cfg.SMTP.Enabled() {
		d.Add("email", notify.EmailSink{
			Mailer:     notify.NewSMTPMailer(cfg.SMTP),
			Recipients: cfg.SMTP.To,
		})
	}
	return d, nil
}

func buildArchive(ctx context.Context, cfg config.Config) (object.Store, error) {
	switch {
	case cfg.Export.Bucket != "":
		return s3store.New(ctx, cfg.AWSRegion, cfg.Export.Bucket, cfg.Export.Prefix, cfg.Export.KMSKeyID)
	case cfg.Export.Dir != "":
		return localstore.New(cfg.Export.Dir), nil
	default:
		return nil, nil
	}
}

func closeDB(sqlDB *sql.DB) {
	if sqlDB != nil {
		_ = sqlDB.Close()
	}
}

// pinger avoids handing the health service a typed nil.
func pinger(sqlDB *sql.DB) health.Pinger {
	if sqlDB == nil {
		return nil
	}
	return sqlDB
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local", "test":
		return true
	default:
		return false
	}
}
