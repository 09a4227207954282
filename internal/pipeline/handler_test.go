package pipeline

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

type testCaller struct {
	ref        string
	privileged bool
}

func newTestRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, store := newTestService(t)
	h := NewHandler(svc, &QueryService{Store: store})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if ref := c.GetHeader("X-Test-User"); ref != "" {
			c.Set("userId", ref)
			c.Set("privileged", c.GetHeader("X-Test-Staff") == "1")
		}
		c.Next()
	})
	h.RegisterRoutes(r.Group("/api/v1"))
	return r, svc
}

func doJSON(t *testing.T, r *gin.Engine, caller testCaller, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller.ref != "" {
		req.Header.Set("X-Test-User", caller.ref)
	}
	if caller.privileged {
		req.Header.Set("X-Test-Staff", "1")
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

type errorPayload struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var payload errorPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload
}

func createViaAPI(t *testing.T, r *gin.Engine, caller testCaller) string {
	t.Helper()
	resp := doJSON(t, r, caller, http.MethodPost, "/api/v1/subjects", map[string]any{
		"payload": map[string]any{"name": "Grace"},
		"source":  "typeform",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created SubjectChange
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if created.Subject.CurrentPhase != PhaseScouting || created.Entry.ActionKind != ActionSubmitted {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.Subject.OwnerRef == nil || *created.Subject.OwnerRef != caller.ref {
		t.Fatalf("owner should default to caller")
	}
	return created.Subject.ID
}

func TestHandlerTransitionFlow(t *testing.T) {
	r, _ := newTestRouter(t)
	me := testCaller{ref: "rec-1"}
	id := createViaAPI(t, r, me)
	base := "/api/v1/subjects/" + id

	resp := doJSON(t, r, me, http.MethodPost, base+"/transitions", map[string]any{"to": "ongoing"})
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	if payload := decodeError(t, resp); payload.Error.Code != "missing_field" || payload.Error.Details["field"] != "interview_date" {
		t.Fatalf("unexpected error: %+v", payload)
	}

	resp = doJSON(t, r, me, http.MethodPost, base+"/transitions", map[string]any{
		"to":     "second_round",
		"fields": interviewFields(),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var change SubjectChange
	if err := json.NewDecoder(resp.Body).Decode(&change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.Subject.CurrentPhase != PhaseOngoing || change.Subject.RoundLabel != "second_round" {
		t.Fatalf("unexpected subject: %+v", change.Subject)
	}

	resp = doJSON(t, r, me, http.MethodPost, base+"/transitions", map[string]any{"to": "scouting"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for disallowed edge, got %d", resp.Code)
	}

	resp = doJSON(t, r, me, http.MethodPost, base+"/transitions", map[string]any{
		"to":     "rejected",
		"fields": map[string]any{"reject_reason": "salary"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected reject alias to work, got %d", resp.Code)
	}

	resp = doJSON(t, r, me, http.MethodPost, base+"/transitions", map[string]any{"to": "hired"})
	if resp.Code != http.StatusConflict || decodeError(t, resp).Error.Code != "terminal_state" {
		t.Fatalf("expected terminal_state 409, got %d", resp.Code)
	}

	resp = doJSON(t, r, me, http.MethodPost, base+"/rollback", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected rollback 200, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = doJSON(t, r, me, http.MethodGet, base+"/history", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected history 200, got %d", resp.Code)
	}
	var hist struct {
		Entries []HistoryEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	kinds := []ActionKind{ActionSubmitted, ActionPhaseChange, ActionPhaseChange, ActionRollback}
	if len(hist.Entries) != len(kinds) {
		t.Fatalf("expected %d entries, got %d", len(kinds), len(hist.Entries))
	}
	for i, k := range kinds {
		if hist.Entries[i].ActionKind != k {
			t.Fatalf("entry %d: expected %s, got %s", i, k, hist.Entries[i].ActionKind)
		}
	}
}

func TestHandlerAccessAndLookupErrors(t *testing.T) {
	r, _ := newTestRouter(t)
	id := createViaAPI(t, r, testCaller{ref: "rec-1"})

	resp := doJSON(t, r, testCaller{ref: "rec-2"}, http.MethodGet, "/api/v1/subjects/"+id, nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
	resp = doJSON(t, r, testCaller{ref: "admin", privileged: true}, http.MethodGet, "/api/v1/subjects/"+id, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected staff 200, got %d", resp.Code)
	}
	resp = doJSON(t, r, testCaller{ref: "admin", privileged: true}, http.MethodGet, "/api/v1/subjects/missing/history", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	resp = doJSON(t, r, testCaller{ref: "rec-1"}, http.MethodPost, "/api/v1/subjects/"+id+"/transitions", map[string]any{"to": "limbo"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown phase, got %d", resp.Code)
	}
	resp = doJSON(t, r, testCaller{ref: "rec-1"}, http.MethodPost, "/api/v1/subjects", map[string]any{"ownerRef": "someone"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 creating for another owner, got %d", resp.Code)
	}
	resp = doJSON(t, r, testCaller{ref: "rec-1"}, http.MethodGet, "/api/v1/subjects?limit=abc", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.Code)
	}
}

func TestHandlerAssignCommentAndPatch(t *testing.T) {
	r, _ := newTestRouter(t)
	me := testCaller{ref: "rec-1"}
	id := createViaAPI(t, r, me)
	base := "/api/v1/subjects/" + id

	resp := doJSON(t, r, me, http.MethodPost, base+"/assign", map[string]any{"notes": "x"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without assigneeRef, got %d", resp.Code)
	}
	resp = doJSON(t, r, me, http.MethodPost, base+"/assign", map[string]any{"assigneeRef": "rec-2"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected assign 200, got %d", resp.Code)
	}

	other := testCaller{ref: "rec-2"}
	resp = doJSON(t, r, other, http.MethodPost, base+"/comments", map[string]any{"notes": "spoke to candidate"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected assignee comment 201, got %d", resp.Code)
	}

	resp = doJSON(t, r, other, http.MethodPatch, base+"/payload", map[string]any{"phone": "555", "name": nil})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected patch 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var subj Subject
	if err := json.NewDecoder(resp.Body).Decode(&subj); err != nil {
		t.Fatalf("decode subject: %v", err)
	}
	if subj.Payload["phone"] != "555" {
		t.Fatalf("phone not patched: %v", subj.Payload)
	}
	if _, ok := subj.Payload["name"]; ok {
		t.Fatalf("name should be removed")
	}

	resp = doJSON(t, r, other, http.MethodPatch, base+"/payload", map[string]any{"joining_date": "2025-01-01"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 patching a transition field, got %d", resp.Code)
	}

	resp = doJSON(t, r, other, http.MethodGet, "/api/v1/subjects", nil)
	var list struct {
		Items []Subject `json:"items"`
		Limit int       `json:"limit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Limit != defaultListLimit {
		t.Fatalf("assignee should see the subject: %+v", list)
	}
}

func TestHandlerBulkTransition(t *testing.T) {
	r, _ := newTestRouter(t)
	me := testCaller{ref: "rec-1"}
	a := createViaAPI(t, r, me)
	b := createViaAPI(t, r, testCaller{ref: "rec-9"})

	resp := doJSON(t, r, me, http.MethodPost, "/api/v1/subjects/bulk-transitions", map[string]any{
		"subjectIds": []string{a, b},
		"to":         "ongoing",
		"fields":     interviewFields(),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var out struct {
		Results []BulkItem `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode bulk: %v", err)
	}
	if len(out.Results) != 2 || !out.Results[0].OK || out.Results[1].OK {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
	if out.Results[1].Error == nil || out.Results[1].Error.Code != "permission_denied" {
		t.Fatalf("expected permission_denied for foreign subject, got %+v", out.Results[1].Error)
	}

	resp = doJSON(t, r, me, http.MethodPost, "/api/v1/subjects/bulk-transitions", map[string]any{"to": "ongoing"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without ids, got %d", resp.Code)
	}
}

func TestHandlerRules(t *testing.T) {
	r, _ := newTestRouter(t)
	resp := doJSON(t, r, testCaller{ref: "rec-1"}, http.MethodGet, "/api/v1/pipeline/rules", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var desc RulesDescription
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	if desc.Start != PhaseScouting || len(desc.Phases) != 4 {
		t.Fatalf("unexpected rules: %+v", desc)
	}
	if !desc.Phases[2].Terminal || desc.Phases[0].Next[0].Required[0] != "interview_date" {
		t.Fatalf("unexpected phase detail: %+v", desc.Phases)
	}
}
