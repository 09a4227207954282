package pipeline

import "fmt"

// Violation is one broken ledger invariant.
type Violation struct {
	Seq     int64  `json:"seq"`
	Check   string `json:"check"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Seq > 0 {
		return fmt.Sprintf("seq %d: %s: %s", v.Seq, v.Check, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Check, v.Message)
}

// Verify checks a subject against its full history and reports every broken
// invariant. It does no I/O.
func Verify(subj Subject, entries []HistoryEntry) []Violation {
	var out []Violation
	add := func(seq int64, check, format string, args ...any) {
		out = append(out, Violation{Seq: seq, Check: check, Message: fmt.Sprintf(format, args...)})
	}

	if len(entries) == 0 {
		add(0, "non_empty", "subject %s has no history", subj.ID)
		return out
	}

	first := entries[0]
	if first.ActionKind != ActionSubmitted {
		add(first.Seq, "first_submitted", "first entry is %q", first.ActionKind)
	}
	if first.FromPhase != nil {
		add(first.Seq, "first_from_null", "first entry has from phase %q", *first.FromPhase)
	}

	for i, e := range entries {
		want := int64(i + 1)
		if e.Seq != want {
			add(e.Seq, "contiguous_seq", "expected seq %d", want)
		}
		if e.SubjectID != subj.ID {
			add(e.Seq, "subject_ref", "entry belongs to %q", e.SubjectID)
		}
		if i == 0 {
			continue
		}
		prev := entries[i-1]
		if e.FromPhase == nil {
			add(e.Seq, "chain", "from phase is null after seq %d", prev.Seq)
		} else if *e.FromPhase != prev.ToPhase {
			add(e.Seq, "chain", "from phase %q does not follow %q", *e.FromPhase, prev.ToPhase)
		}
		if !e.CreatedAt.After(prev.CreatedAt) {
			add(e.Seq, "created_at_order", "created_at %s is not after %s", e.CreatedAt, prev.CreatedAt)
		}
	}

	tail := entries[len(entries)-1]
	if tail.ToPhase != subj.CurrentPhase {
		add(tail.Seq, "tail_phase", "tail phase %q but subject is in %q", tail.ToPhase, subj.CurrentPhase)
	}
	if derefString(tail.ActorRef) != derefString(subj.LastActionByRef) {
		add(tail.Seq, "last_action_by", "tail actor %q but subject says %q", derefString(tail.ActorRef), derefString(subj.LastActionByRef))
	}
	if subj.LastActionAt == nil || !subj.LastActionAt.Equal(tail.CreatedAt) {
		add(tail.Seq, "last_action_at", "subject last_action_at does not match tail created_at %s", tail.CreatedAt)
	}
	return out
}
