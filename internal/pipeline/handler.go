package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"pipeline-backend/internal/shared/server/middleware"
	"pipeline-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the transition and query services.
type Handler struct {
	Svc   *Service
	Query *QueryService
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, query *QueryService) *Handler {
	return &Handler{Svc: svc, Query: query}
}

// RegisterRoutes attaches pipeline routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/pipeline/rules", h.rules)
	rg.POST("/subjects", h.create)
	rg.GET("/subjects", h.list)
	rg.POST("/subjects/bulk-transitions", h.bulkTransition)
	rg.GET("/subjects/:id", h.get)
	rg.PATCH("/subjects/:id/payload", h.patchPayload)
	rg.POST("/subjects/:id/transitions", h.transition)
	rg.POST("/subjects/:id/rollback", h.rollback)
	rg.POST("/subjects/:id/assign", h.assign)
	rg.POST("/subjects/:id/comments", h.comment)
	rg.GET("/subjects/:id/history", h.history)
}

// ActorFromContext builds the caller identity resolved by the auth middleware.
func ActorFromContext(c *gin.Context) Actor {
	return Actor{
		Ref:        middleware.UserIDFromContext(c),
		Privileged: middleware.PrivilegedFromContext(c),
	}
}

func (h *Handler) rules(c *gin.Context) {
	respond.OK(c, DescribeRules(h.Svc.rules()))
}

func (h *Handler) create(c *gin.Context) {
	actor := ActorFromContext(c)

	var req createSubjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	owner := actor.Ref
	if ref := strings.TrimSpace(req.OwnerRef); ref != "" && ref != actor.Ref {
		if !actor.Privileged {
			respond.Error(c, http.StatusForbidden, string(KindPermissionDenied), "only staff may create subjects for another owner", nil)
			return
		}
		owner = ref
	}

	subj, entry, err := h.Svc.CreateSubject(c.Request.Context(), CreateRequest{
		Payload:  req.Payload,
		OwnerRef: owner,
		ActorRef: actor.Ref,
		Source:   req.Source,
		Notes:    req.Notes,
	})
	if err != nil {
		WriteError(c, err)
		return
	}

	c.Set(middleware.SubjectIDKey, subj.ID)
	c.Set(middleware.StatusTransitionKey, "->"+string(entry.ToPhase))
	respond.Created(c, SubjectChange{Subject: subj, Entry: entry})
}

func (h *Handler) list(c *gin.Context) {
	filter := ListFilter{Status: strings.TrimSpace(c.Query("status"))}
	if raw := strings.TrimSpace(c.Query("phase")); raw != "" {
		phase, _, ok := ParsePhase(raw)
		if !ok {
			respond.Error(c, http.StatusBadRequest, "validation_error", "unknown phase "+strconv.Quote(raw), nil)
			return
		}
		filter.Phase = phase
	}
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "limit must be an integer", nil)
			return
		}
		filter.Limit = parsed
	}
	if v := c.Query("offset"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "offset must be an integer", nil)
			return
		}
		filter.Offset = parsed
	}

	items, err := h.Query.ListFor(c.Request.Context(), ActorFromContext(c), filter)
	if err != nil {
		WriteError(c, err)
		return
	}
	limit, offset := listWindow(filter.Limit, filter.Offset)
	respond.OK(c, listResponse{Items: items, Limit: limit, Offset: offset})
}

func (h *Handler) get(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.SubjectIDKey, id)

	subj, err := h.Query.Get(c.Request.Context(), id, ActorFromContext(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	respond.OK(c, subj)
}

func (h *Handler) patchPayload(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.SubjectIDKey, id)

	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "body must be a JSON object", nil)
		return
	}

	subj, err := h.Svc.PatchPayload(c.Request.Context(), id, patch, ActorFromContext(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	respond.OK(c, subj)
}

func (h *Handler) transition(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.SubjectIDKey, id)

	var body transitionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	req, err := body.resolve()
	if err != nil {
		WriteError(c, err)
		return
	}

	subj, entry, err := h.Svc.Transition(c.Request.Context(), id, req, ActorFromContext(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	writeChange(c, subj, entry)
}

func (h *Handler) bulkTransition(c *gin.Context) {
	var body bulkTransitionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	req, err := body.resolve()
	if err != nil {
		WriteError(c, err)
		return
	}

	results, err := h.Svc.BulkTransition(c.Request.Context(), body.SubjectIDs, req, ActorFromContext(c))
	if err != nil {
		WriteError(c, err)
		return
	}

	items := make([]BulkItem, 0, len(results))
	for _, r := range results {
		item := BulkItem{SubjectID: r.SubjectID, OK: r.Err == nil, Subject: r.Subject, Entry: r.Entry}
		if r.Err != nil {
			_, view := errorView(r.Err)
			item.Error = &view
		}
		items = append(items, item)
	}
	respond.OK(c, gin.H{"results": items})
}

func (h *Handler) rollback(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.SubjectIDKey, id)

	var body rollbackRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	subj, entry, err := h.Svc.Rollback(c.Request.Context(), id, ActorFromContext(c), body.Notes)
	if err != nil {
		WriteError(c, err)
		return
	}
	writeChange(c, subj, entry)
}

func (h *Handler) assign(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.SubjectIDKey, id)

	var body assignRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	if body.AssigneeRef == nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "assigneeRef is required", nil)
		return
	}

	subj, entry, err := h.Svc.Assign(c.Request.Context(), id, *body.AssigneeRef, ActorFromContext(c), body.Notes)
	if err != nil {
		WriteError(c, err)
		return
	}
	writeChange(c, subj, entry)
}

func (h *Handler) comment(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.SubjectIDKey, id)

	var body commentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	subj, entry, err := h.Svc.Comment(c.Request.Context(), id, ActorFromContext(c), body.Notes, body.Metadata)
	if err != nil {
		WriteError(c, err)
		return
	}
	respond.Created(c, SubjectChange{Subject: subj, Entry: entry})
}

func (h *Handler) history(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.SubjectIDKey, id)

	entries, err := h.Query.HistoryFor(c.Request.Context(), id, ActorFromContext(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	respond.OK(c, historyResponse{SubjectID: id, Entries: entries})
}

func (r transitionRequest) resolve() (TransitionRequest, error) {
	to, fields, err := ResolveTarget(r.To, r.Fields)
	if err != nil {
		return TransitionRequest{}, err
	}
	req := TransitionRequest{To: to, Fields: fields, Notes: r.Notes}
	if raw := strings.TrimSpace(r.ExpectedPhase); raw != "" {
		expected, _, ok := ParsePhase(raw)
		if !ok {
			return TransitionRequest{}, fmt.Errorf("%w: unknown expectedPhase %q", ErrInvalidInput, raw)
		}
		req.ExpectedPhase = expected
	}
	return req, nil
}

func writeChange(c *gin.Context, subj Subject, entry HistoryEntry) {
	from := ""
	if entry.FromPhase != nil {
		from = string(*entry.FromPhase)
	}
	c.Set(middleware.StatusTransitionKey, from+"->"+string(entry.ToPhase))
	respond.OK(c, SubjectChange{Subject: subj, Entry: entry})
}

// WriteError maps a pipeline error onto the standard error response.
func WriteError(c *gin.Context, err error) {
	status, view := errorView(err)
	var details any
	if len(view.Details) > 0 {
		details = view.Details
	}
	respond.Error(c, status, view.Code, view.Message, details)
}

func errorView(err error) (int, ErrorView) {
	var pe *Error
	if errors.As(err, &pe) {
		details := map[string]any{}
		if pe.SubjectID != "" {
			details["subjectId"] = pe.SubjectID
		}
		if pe.From != "" {
			details["from"] = pe.From
		}
		if pe.To != "" {
			details["to"] = pe.To
		}
		if pe.Field != "" {
			details["field"] = pe.Field
		}
		return statusForKind(pe.Kind), ErrorView{Code: string(pe.Kind), Message: pe.Error(), Details: details}
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, ErrorView{Code: "not_found", Message: "subject not found"}
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, ErrorView{Code: "validation_error", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, ErrorView{Code: "timeout", Message: "request timed out waiting for the subject"}
	default:
		return http.StatusInternalServerError, ErrorView{Code: "internal_error", Message: "unexpected pipeline error"}
	}
}

func statusForKind(kind ErrorKind) int {
	switch kind {
	case KindMissingField:
		return http.StatusUnprocessableEntity
	case KindInvalidTransition, KindTerminalState, KindNoHistory, KindConcurrentModification:
		return http.StatusConflict
	case KindPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
