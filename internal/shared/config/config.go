package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pipeline-backend/internal/shared/telemetry"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	DatabaseURL     string
	Env             string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	UIRedirectURL      string
	StaffEmailDomains  []string

	RulesFile             string
	LockTimeout           time.Duration
	TransitionMaxAttempts int

	SMTP SMTPConfig

	NotifyQueueURL string
	AWSRegion      string

	IntakeWebhookSecret string
	IntakeOwnerRef      string
	GoogleCredentials   string

	Export ExportConfig
}

// ExportConfig selects where archived workbooks are written. A bucket wins
// over a local directory; with neither set archiving is disabled.
type ExportConfig struct {
	Bucket   string
	Prefix   string
	KMSKeyID string
	Dir      string
}

// Enabled reports whether an archive destination is configured.
func (e ExportConfig) Enabled() bool {
	return e.Bucket != "" || e.Dir != ""
}

// SMTPConfig configures outgoing notification email.
type SMTPConfig struct {
	Host          string
	Port          int
	User          string
	Pass          string
	From          string
	To            []string
	SkipTLSVerify bool
}

// Enabled reports whether enough is configured to send mail.
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.From != "" && len(s.To) > 0
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience. Variables
	// already set in the environment win.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		telemetry.Warn("config.missing", map[string]any{"key": "DATABASE_URL", "env": env})
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		DatabaseURL:     dbURL,
		Env:             env,

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),
		UIRedirectURL:      getEnv("UI_REDIRECT_URL", ""),
		StaffEmailDomains:  splitAndTrim(getEnv("STAFF_EMAIL_DOMAINS", "")),

		RulesFile:             getEnv("PIPELINE_RULES_FILE", ""),
		LockTimeout:           getDuration("LOCK_TIMEOUT", 5*time.Second),
		TransitionMaxAttempts: getInt("TRANSITION_MAX_ATTEMPTS", 3),

		SMTP: SMTPConfig{
			Host:          getEnv("SMTP_HOST", ""),
			Port:          getInt("SMTP_PORT", 587),
			User:          getEnv("SMTP_USER", ""),
			Pass:          getEnv("SMTP_PASS", ""),
			From:          getEnv("SMTP_FROM", ""),
			To:            splitAndTrim(getEnv("NOTIFY_EMAIL_TO", "")),
			SkipTLSVerify: getEnv("SMTP_SKIP_TLS_VERIFY", "") == "1",
		},

		NotifyQueueURL: getEnv("NOTIFY_QUEUE_URL", ""),
		AWSRegion:      getEnv("AWS_REGION", ""),

		IntakeWebhookSecret: getEnv("INTAKE_WEBHOOK_SECRET", ""),
		IntakeOwnerRef:      getEnv("INTAKE_OWNER_REF", ""),
		GoogleCredentials:   getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		Export: ExportConfig{
			Bucket:   getEnv("EXPORT_BUCKET", ""),
			Prefix:   getEnv("EXPORT_PREFIX", "pipeline/"),
			KMSKeyID: getEnv("EXPORT_KMS_KEY_ID", ""),
			Dir:      getEnv("EXPORT_DIR", ""),
		},
	}
}

func loadEnvFiles(paths ...string) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			telemetry.Warn("config.env_file_ignored", map[string]any{"path": path, "error": err})
		}
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		telemetry.Warn("config.invalid", map[string]any{"key": key, "value": raw, "default": def})
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		telemetry.Warn("config.invalid", map[string]any{"key": key, "value": raw, "default": def.String()})
		return def
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "test":
		return "test"
	default:
		return "dev"
	}
}
