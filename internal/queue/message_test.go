package queue

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		SubjectID:  "subject-123",
		EntryID:    "entry-456",
		Seq:        3,
		FromPhase:  "scouting",
		ToPhase:    "ongoing",
		ActionKind: "phase_change",
		ActorRef:   "rec-1",
		OccurredAt: time.Date(2026, 1, 30, 22, 0, 0, 0, time.UTC),
		Version:    1,
	}

	payload, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}

	got, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}

	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, msg)
	}
}

func TestEncodeStampsVersionAndOmitsEmptyRefs(t *testing.T) {
	payload, err := EncodeMessage(Message{SubjectID: "s-1", ToPhase: "scouting", ActionKind: "submitted"})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	body := string(payload)
	if !strings.Contains(body, `"version":1`) {
		t.Fatalf("expected version stamp, got %s", body)
	}
	if strings.Contains(body, "fromPhase") || strings.Contains(body, "actorRef") {
		t.Fatalf("expected empty refs to be omitted, got %s", body)
	}
}
