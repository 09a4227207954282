package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"pipeline-backend/internal/shared/metrics"
	"pipeline-backend/internal/shared/server/respond"
	"pipeline-backend/internal/shared/telemetry"
)

// Recovery turns a handler panic into a 500. A panic mid-transition leaves
// the store transaction to roll back on its own, so only the request context
// is logged here.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			subjectID, _ := c.Get(SubjectIDKey)
			userID, _ := c.Get(userIDKey)
			telemetry.Error("request.panic", map[string]any{
				"request_id": RequestIDFromContext(c),
				"route":      c.FullPath(),
				"method":     c.Request.Method,
				"user_id":    userID,
				"subject_id": subjectID,
				"error":      rec,
				"stack":      string(debug.Stack()),
			})
			metrics.IncPanic(c.FullPath())
			if !c.Writer.Written() {
				respond.Error(c, http.StatusInternalServerError, "internal_error", "Unexpected server error", nil)
			}
			c.Abort()
		}()
		c.Next()
	}
}
