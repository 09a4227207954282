package object

import (
	"strings"
	"testing"
	"time"
)

func TestExportKey(t *testing.T) {
	at := time.Date(2025, 4, 1, 8, 30, 0, 0, time.FixedZone("CET", 3600))
	key, err := ExportKey("rec-1", "subjects/all.xlsx", at)
	if err != nil {
		t.Fatalf("ExportKey: %v", err)
	}
	if !strings.HasPrefix(key, "exports/") || !strings.HasSuffix(key, "/20250401T073000Z_subjects_all.xlsx") {
		t.Fatalf("unexpected key %q", key)
	}
	if strings.Contains(key, "rec-1") {
		t.Fatalf("actor ref leaked into key %q", key)
	}
	if _, err := ExportKey("rec-1", "../x.xlsx", at); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
}
