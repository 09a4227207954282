package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRenderIncludesLabelledCounters(t *testing.T) {
	IncTransition("phase_change", "ongoing")
	IncTransition("phase_change", "ongoing")
	IncTransitionRejected("missing_field")

	out := Render()
	if !strings.Contains(out, `pipeline_transitions_total{action="phase_change",to="ongoing"}`) {
		t.Fatalf("missing labelled transition counter:\n%s", out)
	}
	if !strings.Contains(out, `pipeline_transition_rejections_total{kind="missing_field"}`) {
		t.Fatalf("missing rejection counter:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE pipeline_transition_duration_ms histogram") {
		t.Fatalf("missing histogram:\n%s", out)
	}
}

func TestPanicWithoutRouteUsesFixedLabel(t *testing.T) {
	IncPanic("")

	if out := Render(); !strings.Contains(out, `pipeline_http_panics_total{route="unmatched"}`) {
		t.Fatalf("expected unmatched route label:\n%s", out)
	}
}

func TestHandlerServesPrometheusText(t *testing.T) {
	ObserveTransitionDurationMs(12)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(resp.Body.String(), `pipeline_transition_duration_ms_bucket{le="25"}`) {
		t.Fatalf("expected histogram buckets in scrape:\n%s", resp.Body.String())
	}
}
