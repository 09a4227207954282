package pipeline

import (
	"context"
	"errors"
	"testing"
)

func TestListForScopesByOwnerAndAssignee(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	q := &QueryService{Store: store}

	mine := createSubject(t, svc)
	other, _, err := svc.CreateSubject(ctx, CreateRequest{OwnerRef: "owner-2", ActorRef: "owner-2"})
	if err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}
	if _, _, err := svc.Assign(ctx, other.ID, owner.Ref, staffUser, ""); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, _, err := svc.CreateSubject(ctx, CreateRequest{OwnerRef: "owner-3"}); err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}

	got, err := q.ListFor(ctx, owner, ListFilter{})
	if err != nil {
		t.Fatalf("ListFor: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected owned + assigned subjects, got %d", len(got))
	}
	if got[0].ID != other.ID || got[1].ID != mine.ID {
		t.Fatalf("expected newest first, got %s, %s", got[0].ID, got[1].ID)
	}

	all, err := q.ListFor(ctx, staffUser, ListFilter{})
	if err != nil {
		t.Fatalf("ListFor privileged: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("privileged actor should see all subjects, got %d", len(all))
	}

	if _, err := q.ListFor(ctx, Actor{}, ListFilter{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for anonymous actor, got %v", err)
	}
}

func TestListForFiltersAndLimits(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	q := &QueryService{Store: store}

	for i := 0; i < 25; i++ {
		createSubject(t, svc)
	}
	rejected := createSubject(t, svc)
	if _, _, err := svc.Transition(ctx, rejected.ID, TransitionRequest{To: PhaseReject, Fields: map[string]any{"reject_reason": "x"}}, owner); err != nil {
		t.Fatalf("reject: %v", err)
	}

	page, err := q.ListFor(ctx, owner, ListFilter{})
	if err != nil {
		t.Fatalf("ListFor: %v", err)
	}
	if len(page) != defaultListLimit {
		t.Fatalf("expected default limit %d, got %d", defaultListLimit, len(page))
	}

	rest, err := q.ListFor(ctx, owner, ListFilter{Limit: 1000, Offset: 20})
	if err != nil {
		t.Fatalf("ListFor: %v", err)
	}
	if len(rest) != 6 {
		t.Fatalf("expected 6 remaining, got %d", len(rest))
	}

	closed, err := q.ListFor(ctx, owner, ListFilter{Status: StatusClosed})
	if err != nil {
		t.Fatalf("ListFor closed: %v", err)
	}
	if len(closed) != 1 || closed[0].ID != rejected.ID {
		t.Fatalf("expected only the rejected subject, got %+v", closed)
	}

	scouting, err := q.ListFor(ctx, owner, ListFilter{Phase: PhaseScouting, Limit: 100})
	if err != nil {
		t.Fatalf("ListFor phase: %v", err)
	}
	if len(scouting) != 25 {
		t.Fatalf("expected 25 scouting subjects, got %d", len(scouting))
	}

	if _, err := q.ListFor(ctx, owner, ListFilter{Status: "archived"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}
}

func TestHistoryForRequiresAccess(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	q := &QueryService{Store: store, PageSize: 2}
	subj := createSubject(t, svc)

	for i := 0; i < 4; i++ {
		if _, _, err := svc.Comment(ctx, subj.ID, owner, "note", nil); err != nil {
			t.Fatalf("Comment: %v", err)
		}
	}

	entries, err := q.HistoryFor(ctx, subj.ID, owner)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries across pages, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("entries out of order at %d: seq %d", i, e.Seq)
		}
	}

	if _, err := q.HistoryFor(ctx, subj.ID, stranger); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := q.HistoryFor(ctx, "missing", staffUser); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryAllCanStopEarlyAndRestart(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	subj := createSubject(t, svc)
	for i := 0; i < 3; i++ {
		if _, _, err := svc.Comment(ctx, subj.ID, owner, "note", nil); err != nil {
			t.Fatalf("Comment: %v", err)
		}
	}

	log := HistoryLog{Store: store, PageSize: 1}
	seen := 0
	for _, err := range log.All(ctx, subj.ID) {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected early stop at 2, got %d", seen)
	}

	total := 0
	for _, err := range log.All(ctx, subj.ID) {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		total++
	}
	if total != 4 {
		t.Fatalf("expected 4 entries on restart, got %d", total)
	}
}

func TestAppendRejectsBrokenChain(t *testing.T) {
	svc, store := newTestService(t)
	subj := createSubject(t, svc)
	log := HistoryLog{Store: store}

	err := store.InTx(context.Background(), func(tx Tx) error {
		_, err := log.Append(context.Background(), tx, HistoryEntry{
			ID:        "bad",
			SubjectID: subj.ID,
			FromPhase: phaseRef(PhaseOngoing),
			ToPhase:   PhaseHired,
		})
		return err
	})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out_of_order, got %v", err)
	}

	err = store.InTx(context.Background(), func(tx Tx) error {
		_, err := log.Append(context.Background(), tx, HistoryEntry{
			ID:        "fresh",
			SubjectID: "new-subject",
			FromPhase: phaseRef(PhaseScouting),
			ToPhase:   PhaseOngoing,
		})
		return err
	})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out_of_order on empty log, got %v", err)
	}
	if n := len(assertLedger(t, store, subj.ID)); n != 1 {
		t.Fatalf("rejected appends must not persist, got %d", n)
	}
}

func TestVerifyDetectsBrokenLedger(t *testing.T) {
	svc, store := newTestService(t)
	subj := createSubject(t, svc)
	entries := historyOf(t, store, subj.ID)

	subj.CurrentPhase = PhaseOngoing
	entries = append(entries, HistoryEntry{
		SubjectID:  subj.ID,
		Seq:        3,
		FromPhase:  phaseRef(PhaseOngoing),
		ToPhase:    PhaseOngoing,
		ActionKind: ActionComment,
		CreatedAt:  entries[0].CreatedAt,
	})

	checks := map[string]bool{}
	for _, v := range Verify(subj, entries) {
		checks[v.Check] = true
	}
	for _, want := range []string{"contiguous_seq", "chain", "created_at_order", "last_action_by", "last_action_at"} {
		if !checks[want] {
			t.Fatalf("expected %s violation, got %v", want, checks)
		}
	}
	if violations := Verify(subj, nil); len(violations) != 1 || violations[0].Check != "non_empty" {
		t.Fatalf("expected non_empty violation, got %v", violations)
	}
}
