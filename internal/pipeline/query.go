package pipeline

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListFilter narrows ListFor results.
type ListFilter struct {
	Phase  Phase
	Status string
	Limit  int
	Offset int
}

// QueryService answers ownership-scoped reads. It never takes subject locks.
type QueryService struct {
	Store    Store
	PageSize int
}

// ListFor returns subjects the actor owns or is assigned to, or every subject
// for a privileged actor, newest first.
func (q *QueryService) ListFor(ctx context.Context, actor Actor, f ListFilter) ([]Subject, error) {
	if !actor.Privileged && strings.TrimSpace(actor.Ref) == "" {
		return nil, permissionDenied("", actor.Ref)
	}
	switch f.Status {
	case "", StatusActive, StatusClosed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}

	limit, offset := listWindow(f.Limit, f.Offset)
	return q.Store.ListSubjects(ctx, ListQuery{
		VisibleTo: actor.Ref,
		All:       actor.Privileged,
		Phase:     f.Phase,
		Status:    f.Status,
		Limit:     limit,
		Offset:    offset,
	})
}

// Get returns one subject if the actor may see it.
func (q *QueryService) Get(ctx context.Context, subjectID string, actor Actor) (Subject, error) {
	subj, err := q.Store.GetSubject(ctx, subjectID)
	if err != nil {
		return Subject{}, err
	}
	if !subj.visibleTo(actor) {
		return Subject{}, permissionDenied(subjectID, actor.Ref)
	}
	return subj, nil
}

// HistoryFor returns a subject's full history in sequence order.
func (q *QueryService) HistoryFor(ctx context.Context, subjectID string, actor Actor) ([]HistoryEntry, error) {
	if _, err := q.Get(ctx, subjectID, actor); err != nil {
		return nil, err
	}
	return HistoryLog{Store: q.Store, PageSize: q.PageSize}.Collect(ctx, subjectID)
}

// listWindow applies the default and maximum page size.
func listWindow(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
