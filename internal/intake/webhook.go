package intake

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/shared/metrics"
	"pipeline-backend/internal/shared/server/middleware"
	"pipeline-backend/internal/shared/server/respond"
	"pipeline-backend/internal/shared/telemetry"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives signed form submissions.
type WebhookHandler struct {
	Intake *Intake
	Secret string
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(in *Intake, secret string) *WebhookHandler {
	return &WebhookHandler{Intake: in, Secret: secret}
}

// RegisterRoutes attaches intake routes to the router group.
func (h *WebhookHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/intake/forms/:source", h.receive)
}

func (h *WebhookHandler) receive(c *gin.Context) {
	if h.Secret == "" {
		respond.Error(c, http.StatusServiceUnavailable, "intake_disabled", "webhook intake is not configured", nil)
		return
	}
	source, ok := NormalizeSource(c.Param("source"))
	if !ok {
		metrics.IncIntake("unknown", "rejected")
		respond.Error(c, http.StatusNotFound, "unknown_source", "unknown intake source", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "could not read body", nil)
		return
	}
	if len(body) > maxWebhookBody {
		respond.Error(c, http.StatusRequestEntityTooLarge, "payload_too_large", "body exceeds 1MB", nil)
		return
	}

	if !VerifySignature(h.Secret, body, c.GetHeader(SignatureHeader(source))) {
		metrics.IncIntake(source, "bad_signature")
		telemetry.Warn("intake.bad_signature", map[string]any{
			"source":     source,
			"request_id": c.GetString("requestId"),
		})
		respond.Error(c, http.StatusForbidden, "invalid_signature", "invalid signature", nil)
		return
	}

	payload, notes, err := ParseWebhookBody(body)
	if err != nil {
		pipeline.WriteError(c, err)
		return
	}

	subj, err := h.Intake.Submit(c.Request.Context(), source, payload, notes)
	if err != nil {
		if errors.Is(err, ErrUnknownSource) {
			respond.Error(c, http.StatusNotFound, "unknown_source", err.Error(), nil)
			return
		}
		pipeline.WriteError(c, err)
		return
	}

	c.Set(middleware.SubjectIDKey, subj.ID)
	c.Set(middleware.StatusTransitionKey, "->"+string(subj.CurrentPhase))
	respond.Accepted(c, gin.H{"subjectId": subj.ID, "phase": subj.CurrentPhase})
}
