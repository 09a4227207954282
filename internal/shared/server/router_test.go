package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"pipeline-backend/internal/export"
	"pipeline-backend/internal/intake"
	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/services/health"
	"pipeline-backend/internal/shared/config"
	"pipeline-backend/internal/shared/server/middleware"
	"pipeline-backend/internal/shared/telemetry"
)

const webhookSecret = "whsec-router"

func newTestEngine(t *testing.T, limits map[string]middleware.RateLimitRule) http.Handler {
	t.Helper()
	t.Cleanup(telemetry.SetOutput(io.Discard))

	store := pipeline.NewMemoryStore()
	svc := &pipeline.Service{Store: store}
	query := &pipeline.QueryService{Store: store}
	return NewRouter(RouterDeps{
		Config:          config.Config{Env: "dev", CORSAllowOrigin: []string{"http://localhost:5173"}},
		Health:          health.NewService(nil),
		PipelineHandler: pipeline.NewHandler(svc, query),
		ExportHandler:   export.NewHandler(&export.Exporter{Reader: query}, nil),
		IntakeHandler:   intake.NewWebhookHandler(&intake.Intake{Creator: svc, OwnerRef: "recruiting"}, webhookSecret),
		RateLimits:      limits,
	})
}

func serve(h http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestRouterHealthIsPublic(t *testing.T) {
	h := newTestEngine(t, nil)

	resp := serve(h, http.MethodGet, "/api/v1/health", nil, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var report health.Report
	if err := json.Unmarshal(resp.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.OK || report.Database != "memory" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if resp.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestRouterPipelineRoutesNeedIdentity(t *testing.T) {
	h := newTestEngine(t, nil)
	body := []byte(`{"payload":{"name":"Ada"}}`)

	if resp := serve(h, http.MethodPost, "/api/v1/subjects", body, nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	guest := map[string]string{"X-Guest-Id": "g-1"}
	resp := serve(h, http.MethodPost, "/api/v1/subjects", body, guest)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var change pipeline.SubjectChange
	if err := json.Unmarshal(resp.Body.Bytes(), &change); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp = serve(h, http.MethodGet, "/api/v1/subjects/"+change.Subject.ID+"/history", nil, guest)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = serve(h, http.MethodGet, "/api/v1/subjects/export", nil, guest)
	if resp.Code != http.StatusOK || resp.Header().Get("Content-Type") != export.ContentType {
		t.Fatalf("expected workbook, got %d %q", resp.Code, resp.Header().Get("Content-Type"))
	}
}

func TestRouterIntakeWebhookSkipsAuth(t *testing.T) {
	h := newTestEngine(t, nil)
	body := []byte(`{"payload":{"name":"Grace"},"notes":"from the careers page"}`)

	resp := serve(h, http.MethodPost, "/api/v1/intake/forms/web_form", body, map[string]string{
		"X-Intake-Signature": intake.Sign(webhookSecret, body),
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestRouterRateLimitsBulkSeparately(t *testing.T) {
	h := newTestEngine(t, map[string]middleware.RateLimitRule{
		middleware.GroupDefault: {Rate: 100, Burst: 100},
		middleware.GroupBulk:    {Rate: 0.001, Burst: 1},
	})
	guest := map[string]string{"X-Guest-Id": "g-2"}
	body := []byte(`{"subjectIds":["a"],"to":"reject","fields":{"reject_reason":"x"}}`)

	if resp := serve(h, http.MethodPost, "/api/v1/subjects/bulk-transitions", body, guest); resp.Code == http.StatusTooManyRequests {
		t.Fatalf("first bulk call should pass the limiter")
	}
	if resp := serve(h, http.MethodPost, "/api/v1/subjects/bulk-transitions", body, guest); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp := serve(h, http.MethodGet, "/api/v1/subjects", nil, guest); resp.Code != http.StatusOK {
		t.Fatalf("default group should be unaffected, got %d", resp.Code)
	}
}

func TestRouterMeReportsScope(t *testing.T) {
	h := newTestEngine(t, nil)

	resp := serve(h, http.MethodGet, "/api/v1/me", nil, map[string]string{"X-Guest-Id": "g-me"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var me meResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.UserID == "" || me.Privileged || me.Scope != "assigned" {
		t.Fatalf("unexpected me response: %+v", me)
	}
}
