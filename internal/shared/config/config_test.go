package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"ENV", "PORT", "LOCK_TIMEOUT", "TRANSITION_MAX_ATTEMPTS", "SMTP_PORT", "CORS_ALLOW_ORIGINS", "EXPORT_BUCKET", "EXPORT_DIR", "EXPORT_PREFIX"} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())

	cfg := Load()
	if cfg.Env != "dev" || cfg.Port != "8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LockTimeout != 5*time.Second || cfg.TransitionMaxAttempts != 3 {
		t.Fatalf("unexpected pipeline defaults: %s %d", cfg.LockTimeout, cfg.TransitionMaxAttempts)
	}
	if cfg.SMTP.Port != 587 || cfg.SMTP.Enabled() {
		t.Fatalf("unexpected smtp defaults: %+v", cfg.SMTP)
	}
	if len(cfg.CORSAllowOrigin) != 1 || cfg.CORSAllowOrigin[0] != "http://localhost:5173" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSAllowOrigin)
	}
	if cfg.Export.Enabled() || cfg.Export.Prefix != "pipeline/" {
		t.Fatalf("unexpected export defaults: %+v", cfg.Export)
	}
}

func TestLoadReadsOverridesAndFallsBackOnBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENV", "prod")
	t.Setenv("DATABASE_URL", "sqlite://pipeline.db")
	t.Setenv("LOCK_TIMEOUT", "250ms")
	t.Setenv("TRANSITION_MAX_ATTEMPTS", "zero")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_FROM", "Pipeline <no-reply@example.com>")
	t.Setenv("NOTIFY_EMAIL_TO", "a@example.com, b@example.com")
	t.Setenv("EXPORT_DIR", "./exports")

	cfg := Load()
	if cfg.Env != "production" {
		t.Fatalf("expected production, got %q", cfg.Env)
	}
	if cfg.LockTimeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", cfg.LockTimeout)
	}
	if cfg.TransitionMaxAttempts != 3 {
		t.Fatalf("expected fallback to 3, got %d", cfg.TransitionMaxAttempts)
	}
	if !cfg.SMTP.Enabled() || len(cfg.SMTP.To) != 2 {
		t.Fatalf("expected smtp enabled with 2 recipients: %+v", cfg.SMTP)
	}
	if !cfg.Export.Enabled() || cfg.Export.Dir != "./exports" {
		t.Fatalf("expected local export archive: %+v", cfg.Export)
	}
}

func TestLoadEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PORT=9999\nINTAKE_WEBHOOK_SECRET=\"from-file\"\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("PORT", "7000")
	t.Setenv("INTAKE_WEBHOOK_SECRET", "")
	os.Unsetenv("INTAKE_WEBHOOK_SECRET")

	cfg := Load()
	if cfg.Port != "7000" {
		t.Fatalf("environment should win, got %q", cfg.Port)
	}
	if cfg.IntakeWebhookSecret != "from-file" {
		t.Fatalf("expected secret from .env, got %q", cfg.IntakeWebhookSecret)
	}
}
