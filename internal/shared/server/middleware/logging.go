package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pipeline-backend/internal/shared/telemetry"
)

// Handlers set these so the request line names the subject and the phase
// change it caused.
const (
	SubjectIDKey        = "subjectId"
	StatusTransitionKey = "statusTransition"
)

// Logging emits one request.complete line per request. Probe routes are
// logged only when they fail.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if isProbe(c.Request.URL.Path) && status < http.StatusInternalServerError {
			return
		}

		fields := map[string]any{
			"request_id":  RequestIDFromContext(c),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"route":       c.FullPath(),
			"status":      status,
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
			"user_id":     UserIDFromContext(c),
			"privileged":  PrivilegedFromContext(c),
			"client_ip":   c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
		}
		if isGuest, ok := c.Get(isGuestKey); ok {
			fields["is_guest"] = isGuest
		}
		if id := contextString(c, SubjectIDKey); id != "" {
			fields["subject_id"] = id
		}
		if tr := contextString(c, StatusTransitionKey); tr != "" {
			fields["status_transition"] = tr
		}

		if status >= http.StatusInternalServerError {
			telemetry.Error("request.complete", fields)
			return
		}
		telemetry.Info("request.complete", fields)
	}
}

func isProbe(path string) bool {
	return strings.HasSuffix(path, "/health") || strings.HasSuffix(path, "/metrics")
}
