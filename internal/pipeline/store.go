package pipeline

import (
	"context"
	"errors"
)

// errCommit marks a failure reported by the commit step itself. The write may
// or may not have been applied.
var errCommit = errors.New("commit failed")

// ListQuery selects subjects for listing. Unless All is set, only subjects
// owned by or assigned to VisibleTo are returned.
type ListQuery struct {
	VisibleTo string
	All       bool
	Phase     Phase
	Status    string
	Limit     int
	Offset    int
}

// Store persists subjects and their histories. Reads outside InTx never take
// the subject lock and observe either pre- or post-commit state.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetSubject(ctx context.Context, id string) (Subject, error)
	ListSubjects(ctx context.Context, q ListQuery) ([]Subject, error)
	HistoryTail(ctx context.Context, subjectID string) (HistoryEntry, bool, error)
	HistoryPage(ctx context.Context, subjectID string, afterSeq int64, limit int) ([]HistoryEntry, error)
}

// Tx is one atomic unit of work. History entries can only be inserted.
type Tx interface {
	InsertSubject(ctx context.Context, s Subject) error
	// LockSubject loads the subject and holds its exclusive lock until the
	// unit ends.
	LockSubject(ctx context.Context, id string) (Subject, error)
	HistoryTail(ctx context.Context, subjectID string) (HistoryEntry, bool, error)
	InsertHistory(ctx context.Context, e HistoryEntry) error
	// UpdateSubject writes s if the stored version still equals
	// expectedVersion, otherwise it returns errVersionConflict.
	UpdateSubject(ctx context.Context, s Subject, expectedVersion int64) error
}
