package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pipeline-backend/internal/shared/metrics"
	"pipeline-backend/internal/shared/telemetry"
)

const (
	defaultMaxAttempts = 3
	maxBulkSubjects    = 100
)

// Notifier receives committed changes. Delivery errors are logged by the
// service and never returned to the caller.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Event describes one committed history entry and the resulting subject.
type Event struct {
	Subject Subject
	Entry   HistoryEntry
}

// Service orchestrates every write to a subject. Each call is one atomic unit:
// the subject lock is held while the rules are evaluated, the history entry is
// appended and the subject row is updated.
type Service struct {
	Store       Store
	Rules       *Rules
	Notifier    Notifier
	MaxAttempts int
	LockTimeout time.Duration
	Now         func() time.Time
	NewID       func() string
}

// CreateRequest describes a new submission.
type CreateRequest struct {
	Payload  map[string]any
	OwnerRef string
	ActorRef string
	Source   string
	Notes    string
}

// TransitionRequest asks to move a subject to To. When ExpectedPhase is set
// the request only applies if the subject is still in that phase.
type TransitionRequest struct {
	To            Phase
	Fields        map[string]any
	Notes         string
	ExpectedPhase Phase
}

// BulkResult is the outcome for one subject of a bulk transition.
type BulkResult struct {
	SubjectID string
	Subject   *Subject
	Entry     *HistoryEntry
	Err       error
}

type unitResult struct {
	subject Subject
	entry   HistoryEntry
}

// CreateSubject stores a subject in the start phase together with its
// submitted entry.
func (s *Service) CreateSubject(ctx context.Context, req CreateRequest) (Subject, HistoryEntry, error) {
	rules := s.rules()
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = SourceAPI
	}
	owner := strings.TrimSpace(req.OwnerRef)
	actorRef := strings.TrimSpace(req.ActorRef)
	subjectID := s.newID()

	attempt := func(tx Tx) (unitResult, error) {
		now := s.now()
		start := rules.Start()
		entry := HistoryEntry{
			ID:         s.newID(),
			SubjectID:  subjectID,
			ToPhase:    start,
			ActorRef:   stringRef(actorRef),
			ActionKind: ActionSubmitted,
			Notes:      req.Notes,
			Metadata:   map[string]any{"source": source},
			CreatedAt:  now,
		}
		subj := Subject{
			ID:              subjectID,
			CurrentPhase:    start,
			Status:          statusFor(start, rules),
			Source:          source,
			Payload:         cloneMap(req.Payload),
			OwnerRef:        stringRef(owner),
			LastActionByRef: stringRef(actorRef),
			LastActionAt:    &now,
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertSubject(ctx, subj); err != nil {
			return unitResult{}, err
		}
		appended, err := s.history().Append(ctx, tx, entry)
		if err != nil {
			return unitResult{}, err
		}
		return unitResult{subject: subj, entry: appended}, nil
	}

	res, err := s.execute(ctx, subjectID, attempt, s.verifyTail(subjectID))
	if err != nil {
		return Subject{}, HistoryEntry{}, s.fail("create", subjectID, err)
	}
	s.committed(ctx, res)
	return res.subject, res.entry, nil
}

// Transition moves a subject to req.To if the rules allow it.
func (s *Service) Transition(ctx context.Context, subjectID string, req TransitionRequest, actor Actor) (Subject, HistoryEntry, error) {
	if strings.TrimSpace(subjectID) == "" {
		return Subject{}, HistoryEntry{}, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	rules := s.rules()
	fields := cloneMap(req.Fields)

	return s.apply(ctx, "transition", subjectID, actor, req.ExpectedPhase, func(subj Subject, _ HistoryEntry, _ bool) (Subject, HistoryEntry, error) {
		if err := rules.Evaluate(subj.CurrentPhase, req.To, fields); err != nil {
			var pe *Error
			if errors.As(err, &pe) {
				pe.SubjectID = subj.ID
			}
			return Subject{}, HistoryEntry{}, err
		}
		edge, _ := rules.Edge(subj.CurrentPhase, req.To)

		next := subj.clone()
		next.CurrentPhase = req.To
		for k, v := range fields {
			if edge.declares(k) && present(v) {
				next.Payload[k] = v
			}
		}
		s.advanceRound(&next, subj.CurrentPhase, req.To, fields)
		metadata := cloneMap(fields)
		recordRoundBefore(metadata, subj, next)

		return next, HistoryEntry{
			ToPhase:    req.To,
			ActionKind: ActionPhaseChange,
			Notes:      req.Notes,
			Metadata:   metadata,
		}, nil
	})
}

// Rollback returns a subject to the phase it held before its latest entry.
// The allow-list is not consulted.
func (s *Service) Rollback(ctx context.Context, subjectID string, actor Actor, notes string) (Subject, HistoryEntry, error) {
	return s.apply(ctx, "rollback", subjectID, actor, "", func(subj Subject, tail HistoryEntry, hasTail bool) (Subject, HistoryEntry, error) {
		if !hasTail {
			return Subject{}, HistoryEntry{}, &Error{
				Kind:      KindNoHistory,
				SubjectID: subj.ID,
				Reason:    "nothing to roll back",
			}
		}
		prev := subj.CurrentPhase
		if tail.FromPhase != nil {
			prev = *tail.FromPhase
		}
		next := subj.clone()
		next.CurrentPhase = prev
		s.restoreRound(&next, tail, prev)

		metadata := map[string]any{
			"rollback_of":     tail.ID,
			"rollback_of_seq": tail.Seq,
		}
		recordRoundBefore(metadata, subj, next)

		return next, HistoryEntry{
			ToPhase:    prev,
			ActionKind: ActionRollback,
			Notes:      rollbackNotes(notes),
			Metadata:   metadata,
		}, nil
	})
}

// Assign sets or clears the subject's assignee. The phase is unchanged.
func (s *Service) Assign(ctx context.Context, subjectID, assigneeRef string, actor Actor, notes string) (Subject, HistoryEntry, error) {
	assignee := strings.TrimSpace(assigneeRef)
	return s.apply(ctx, "assign", subjectID, actor, "", func(subj Subject, _ HistoryEntry, _ bool) (Subject, HistoryEntry, error) {
		next := subj.clone()
		next.AssignedToRef = stringRef(assignee)
		metadata := map[string]any{"assigned_to": nil, "previous_assignee": nil}
		if assignee != "" {
			metadata["assigned_to"] = assignee
		}
		if subj.AssignedToRef != nil {
			metadata["previous_assignee"] = *subj.AssignedToRef
		}
		return next, HistoryEntry{
			ToPhase:    subj.CurrentPhase,
			ActionKind: ActionAssigned,
			Notes:      notes,
			Metadata:   metadata,
		}, nil
	})
}

// Comment appends a note without changing the phase.
func (s *Service) Comment(ctx context.Context, subjectID string, actor Actor, notes string, metadata map[string]any) (Subject, HistoryEntry, error) {
	if strings.TrimSpace(notes) == "" {
		return Subject{}, HistoryEntry{}, fmt.Errorf("%w: comment notes are required", ErrInvalidInput)
	}
	return s.apply(ctx, "comment", subjectID, actor, "", func(subj Subject, _ HistoryEntry, _ bool) (Subject, HistoryEntry, error) {
		return subj.clone(), HistoryEntry{
			ToPhase:    subj.CurrentPhase,
			ActionKind: ActionComment,
			Notes:      notes,
			Metadata:   cloneMap(metadata),
		}, nil
	})
}

// PatchPayload merges patch into the subject payload. A nil value removes the
// key. Keys carried by transitions are refused. No history entry is written.
func (s *Service) PatchPayload(ctx context.Context, subjectID string, patch map[string]any, actor Actor) (Subject, error) {
	if len(patch) == 0 {
		return Subject{}, fmt.Errorf("%w: patch is empty", ErrInvalidInput)
	}
	rules := s.rules()
	for key := range patch {
		if strings.TrimSpace(key) == "" {
			return Subject{}, fmt.Errorf("%w: empty payload key", ErrInvalidInput)
		}
		if rules.TransitionField(key) {
			return Subject{}, fmt.Errorf("%w: %s can only change through a transition", ErrInvalidInput, key)
		}
	}

	attempt := func(tx Tx) (unitResult, error) {
		subj, err := tx.LockSubject(ctx, subjectID)
		if err != nil {
			return unitResult{}, err
		}
		if !subj.visibleTo(actor) {
			return unitResult{}, permissionDenied(subjectID, actor.Ref)
		}
		next := subj.clone()
		for k, v := range patch {
			if v == nil {
				delete(next.Payload, k)
				continue
			}
			next.Payload[k] = v
		}
		next.Version = subj.Version + 1
		next.UpdatedAt = s.now()
		if err := tx.UpdateSubject(ctx, next, subj.Version); err != nil {
			return unitResult{}, err
		}
		return unitResult{subject: next}, nil
	}
	verify := func(ctx context.Context, res unitResult) (bool, error) {
		current, err := s.Store.GetSubject(ctx, subjectID)
		if err != nil {
			return false, err
		}
		return current.Version == res.subject.Version && current.UpdatedAt.Equal(res.subject.UpdatedAt), nil
	}

	res, err := s.execute(ctx, subjectID, attempt, verify)
	if err != nil {
		return Subject{}, s.fail("patch_payload", subjectID, err)
	}
	return res.subject, nil
}

// BulkTransition applies req to each subject independently. One subject's
// failure does not affect the others.
func (s *Service) BulkTransition(ctx context.Context, subjectIDs []string, req TransitionRequest, actor Actor) ([]BulkResult, error) {
	seen := make(map[string]bool, len(subjectIDs))
	ids := make([]string, 0, len(subjectIDs))
	for _, id := range subjectIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no subject ids", ErrInvalidInput)
	}
	if len(ids) > maxBulkSubjects {
		return nil, fmt.Errorf("%w: at most %d subjects per request", ErrInvalidInput, maxBulkSubjects)
	}

	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			results = append(results, BulkResult{SubjectID: id, Err: err})
			continue
		}
		subj, entry, err := s.Transition(ctx, id, req, actor)
		if err != nil {
			results = append(results, BulkResult{SubjectID: id, Err: err})
			continue
		}
		results = append(results, BulkResult{SubjectID: id, Subject: &subj, Entry: &entry})
	}
	return results, nil
}

type changeFunc func(subj Subject, tail HistoryEntry, hasTail bool) (Subject, HistoryEntry, error)

// apply runs a history-producing change under the subject lock. The change
// decides the new phase and entry; apply fills in identity, ordering and the
// last-action mirror.
func (s *Service) apply(ctx context.Context, op, subjectID string, actor Actor, expected Phase, change changeFunc) (Subject, HistoryEntry, error) {
	rules := s.rules()
	attempt := func(tx Tx) (unitResult, error) {
		subj, err := tx.LockSubject(ctx, subjectID)
		if err != nil {
			return unitResult{}, err
		}
		if !subj.visibleTo(actor) {
			return unitResult{}, permissionDenied(subjectID, actor.Ref)
		}
		if expected != "" && subj.CurrentPhase != expected {
			return unitResult{}, &Error{
				Kind:         KindConcurrentModification,
				SubjectID:    subjectID,
				From:         subj.CurrentPhase,
				Reason:       fmt.Sprintf("expected phase %q but subject is in %q", expected, subj.CurrentPhase),
				precondition: true,
			}
		}
		tail, hasTail, err := tx.HistoryTail(ctx, subjectID)
		if err != nil {
			return unitResult{}, err
		}

		next, entry, err := change(subj, tail, hasTail)
		if err != nil {
			return unitResult{}, err
		}
		entry.ID = s.newID()
		entry.SubjectID = subjectID
		entry.FromPhase = phaseRef(subj.CurrentPhase)
		entry.ActorRef = stringRef(actor.Ref)
		entry.CreatedAt = s.now()

		appended, err := s.history().Append(ctx, tx, entry)
		if err != nil {
			return unitResult{}, err
		}

		at := appended.CreatedAt
		next.Status = statusFor(next.CurrentPhase, rules)
		next.LastActionByRef = cloneString(appended.ActorRef)
		next.LastActionAt = &at
		next.UpdatedAt = at
		next.Version = subj.Version + 1
		if err := tx.UpdateSubject(ctx, next, subj.Version); err != nil {
			return unitResult{}, err
		}
		return unitResult{subject: next, entry: appended}, nil
	}

	res, err := s.execute(ctx, subjectID, attempt, s.verifyTail(subjectID))
	if err != nil {
		return Subject{}, HistoryEntry{}, s.fail(op, subjectID, err)
	}
	s.committed(ctx, res)
	return res.subject, res.entry, nil
}

type attemptFunc func(tx Tx) (unitResult, error)

type verifyFunc func(ctx context.Context, res unitResult) (bool, error)

// execute runs attempt in a fresh store transaction until it commits, fails
// validation, or the attempt budget runs out. Version conflicts and unapplied
// commits are retried; a commit whose outcome cannot be read back is a fault.
func (s *Service) execute(ctx context.Context, subjectID string, attempt attemptFunc, verify verifyFunc) (unitResult, error) {
	started := time.Now()
	defer func() {
		metrics.ObserveTransitionDurationMs(float64(time.Since(started).Microseconds()) / 1000.0)
	}()

	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		var res unitResult
		err := s.inTx(ctx, func(tx Tx) error {
			out, err := attempt(tx)
			if err != nil {
				return err
			}
			res = out
			return nil
		})
		if err == nil {
			return res, nil
		}

		switch {
		case errors.Is(err, errVersionConflict):
			lastErr = err
		case errors.Is(err, errCommit):
			applied, verr := verify(ctx, res)
			if verr != nil {
				return unitResult{}, &Error{
					Kind:      KindTransitionCommit,
					SubjectID: subjectID,
					Reason:    "commit outcome could not be verified",
					Err:       errors.Join(err, verr),
				}
			}
			if applied {
				return res, nil
			}
			lastErr = err
		default:
			return unitResult{}, err
		}

		metrics.IncTransitionRetry()
		telemetry.Warn("pipeline.retry", map[string]any{
			"subject_id": subjectID,
			"attempt":    n,
			"error":      err.Error(),
		})
	}

	if errors.Is(lastErr, errCommit) {
		return unitResult{}, &Error{
			Kind:      KindTransitionCommit,
			SubjectID: subjectID,
			Reason:    fmt.Sprintf("commit failed after %d attempts", maxAttempts),
			Err:       lastErr,
		}
	}
	return unitResult{}, &Error{
		Kind:      KindConcurrentModification,
		SubjectID: subjectID,
		Reason:    fmt.Sprintf("lost the write race %d times", maxAttempts),
		Err:       lastErr,
	}
}

func (s *Service) inTx(ctx context.Context, fn func(tx Tx) error) error {
	if s.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.LockTimeout)
		defer cancel()
	}
	return s.Store.InTx(ctx, fn)
}

// verifyTail reports whether the attempted entry is now the subject's tail.
func (s *Service) verifyTail(subjectID string) verifyFunc {
	return func(ctx context.Context, res unitResult) (bool, error) {
		if res.entry.ID == "" {
			return false, nil
		}
		tail, ok, err := s.Store.HistoryTail(ctx, subjectID)
		if err != nil {
			return false, err
		}
		return ok && tail.ID == res.entry.ID, nil
	}
}

// advanceRound maintains the interview round. Entering a phase that can loop
// onto itself starts round 1; each self-transition adds one.
func (s *Service) advanceRound(next *Subject, from, to Phase, fields map[string]any) {
	if _, loops := s.rules().Edge(to, to); !loops {
		return
	}
	if from == to {
		next.Round++
	} else {
		next.Round = 1
	}
	next.RoundLabel = fmt.Sprintf("round_%d", next.Round)
	if label, ok := fields["round_label"].(string); ok && strings.TrimSpace(label) != "" {
		next.RoundLabel = strings.TrimSpace(label)
	}
}

// Entries that move the round keep the prior value so a rollback can put it
// back.
const (
	metaRoundBefore      = "round_before"
	metaRoundLabelBefore = "round_label_before"
)

func recordRoundBefore(metadata map[string]any, before, after Subject) {
	if before.Round == after.Round && before.RoundLabel == after.RoundLabel {
		return
	}
	metadata[metaRoundBefore] = before.Round
	metadata[metaRoundLabelBefore] = before.RoundLabel
}

// restoreRound undoes the round change made by tail. Without a recorded
// value, a target phase that cannot loop has no round at all.
func (s *Service) restoreRound(next *Subject, tail HistoryEntry, target Phase) {
	if round, ok := metadataInt(tail.Metadata[metaRoundBefore]); ok {
		next.Round = round
		next.RoundLabel, _ = tail.Metadata[metaRoundLabelBefore].(string)
		return
	}
	if _, loops := s.rules().Edge(target, target); !loops {
		next.Round = 0
		next.RoundLabel = ""
	}
}

// metadataInt reads an int that may have come back from JSON as float64.
func metadataInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (s *Service) committed(ctx context.Context, res unitResult) {
	entry := res.entry
	from := ""
	if entry.FromPhase != nil {
		from = string(*entry.FromPhase)
	}
	metrics.IncTransition(string(entry.ActionKind), string(entry.ToPhase))
	telemetry.Info("pipeline.entry_committed", map[string]any{
		"subject_id":        entry.SubjectID,
		"seq":               entry.Seq,
		"action_kind":       entry.ActionKind,
		"status_transition": from + "->" + string(entry.ToPhase),
		"actor_ref":         derefString(entry.ActorRef),
	})

	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, Event{Subject: res.subject.clone(), Entry: entry.clone()}); err != nil {
		metrics.IncNotificationFailed()
		telemetry.Error("pipeline.notify_failed", map[string]any{
			"subject_id": entry.SubjectID,
			"seq":        entry.Seq,
			"error":      err.Error(),
		})
	}
}

// fail records the outcome of a refused or failed call and returns err.
// Faults are logged; validation outcomes are only counted.
func (s *Service) fail(op, subjectID string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Kind.Fault() && !pe.precondition {
			metrics.IncTransitionFault(string(pe.Kind))
			telemetry.Error("pipeline.fault", map[string]any{
				"op":         op,
				"subject_id": subjectID,
				"kind":       pe.Kind,
				"from_phase": pe.From,
				"to_phase":   pe.To,
				"error":      err.Error(),
			})
			return err
		}
		metrics.IncTransitionRejected(string(pe.Kind))
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		telemetry.Warn("pipeline.aborted", map[string]any{
			"op":         op,
			"subject_id": subjectID,
			"error":      err.Error(),
		})
	default:
		telemetry.Error("pipeline.error", map[string]any{
			"op":         op,
			"subject_id": subjectID,
			"error":      err.Error(),
		})
	}
	return err
}

func (s *Service) rules() *Rules {
	if s.Rules == nil {
		return DefaultRules()
	}
	return s.Rules
}

func (s *Service) history() HistoryLog {
	return HistoryLog{Store: s.Store}
}

func (s *Service) now() time.Time {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Truncate(time.Microsecond)
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func rollbackNotes(notes string) string {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return "Rollback"
	}
	return "Rollback: " + notes
}
