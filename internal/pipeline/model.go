package pipeline

import "time"

// ActionKind categorizes a history entry.
type ActionKind string

const (
	ActionSubmitted   ActionKind = "submitted"
	ActionPhaseChange ActionKind = "phase_change"
	ActionRollback    ActionKind = "rollback"
	ActionComment     ActionKind = "comment"
	ActionAssigned    ActionKind = "assigned"
)

// Sources a subject may be created from.
const (
	SourceWebForm      = "web_form"
	SourceTypeform     = "typeform"
	SourceGoogleSheet  = "google_sheet"
	SourceSurveyMonkey = "surveymonkey"
	SourceAPI          = "api"
)

// Actor is a resolved caller identity. The core never authenticates.
type Actor struct {
	Ref        string
	Privileged bool
}

// Subject is a candidate/application tracked through the pipeline.
type Subject struct {
	ID              string         `json:"id"`
	CurrentPhase    Phase          `json:"currentPhase"`
	Status          string         `json:"status"`
	Round           int            `json:"round"`
	RoundLabel      string         `json:"roundLabel,omitempty"`
	Source          string         `json:"source,omitempty"`
	Payload         map[string]any `json:"payload"`
	OwnerRef        *string        `json:"ownerRef"`
	AssignedToRef   *string        `json:"assignedToRef"`
	LastActionByRef *string        `json:"lastActionByRef"`
	LastActionAt    *time.Time     `json:"lastActionAt"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// HistoryEntry is one immutable audit record.
type HistoryEntry struct {
	ID         string         `json:"id"`
	SubjectID  string         `json:"subjectId"`
	Seq        int64          `json:"seq"`
	FromPhase  *Phase         `json:"fromPhase"`
	ToPhase    Phase          `json:"toPhase"`
	ActorRef   *string        `json:"actorRef"`
	ActionKind ActionKind     `json:"actionKind"`
	Notes      string         `json:"notes"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// visibleTo reports whether the actor may read or act on the subject.
func (s Subject) visibleTo(actor Actor) bool {
	if actor.Privileged {
		return true
	}
	if actor.Ref == "" {
		return false
	}
	if s.OwnerRef != nil && *s.OwnerRef == actor.Ref {
		return true
	}
	return s.AssignedToRef != nil && *s.AssignedToRef == actor.Ref
}

func (s Subject) clone() Subject {
	out := s
	out.Payload = cloneMap(s.Payload)
	out.OwnerRef = cloneString(s.OwnerRef)
	out.AssignedToRef = cloneString(s.AssignedToRef)
	out.LastActionByRef = cloneString(s.LastActionByRef)
	if s.LastActionAt != nil {
		t := *s.LastActionAt
		out.LastActionAt = &t
	}
	return out
}

func (e HistoryEntry) clone() HistoryEntry {
	out := e
	if e.FromPhase != nil {
		p := *e.FromPhase
		out.FromPhase = &p
	}
	out.ActorRef = cloneString(e.ActorRef)
	out.Metadata = cloneMap(e.Metadata)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func stringRef(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func phaseRef(p Phase) *Phase {
	return &p
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
