package pipeline

import (
	"context"
	"fmt"
	"iter"
	"time"
)

const defaultHistoryPageSize = 100

// HistoryLog is the append-only ledger view over a Store.
type HistoryLog struct {
	Store    Store
	PageSize int
}

// Append validates entry against the current tail, assigns its sequence
// number and inserts it inside tx. CreatedAt is clamped so that it is strictly
// after the tail's.
func (h HistoryLog) Append(ctx context.Context, tx Tx, entry HistoryEntry) (HistoryEntry, error) {
	tail, ok, err := tx.HistoryTail(ctx, entry.SubjectID)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("load history tail: %w", err)
	}

	switch {
	case !ok && entry.FromPhase != nil:
		return HistoryEntry{}, &Error{
			Kind:      KindOutOfOrder,
			SubjectID: entry.SubjectID,
			From:      *entry.FromPhase,
			To:        entry.ToPhase,
			Reason:    "first entry must not have a from phase",
		}
	case ok && (entry.FromPhase == nil || *entry.FromPhase != tail.ToPhase):
		from := Phase("")
		if entry.FromPhase != nil {
			from = *entry.FromPhase
		}
		return HistoryEntry{}, &Error{
			Kind:      KindOutOfOrder,
			SubjectID: entry.SubjectID,
			From:      from,
			To:        entry.ToPhase,
			Reason:    fmt.Sprintf("from phase %q does not match tail phase %q", from, tail.ToPhase),
		}
	}

	entry.Seq = 1
	if ok {
		entry.Seq = tail.Seq + 1
		if !entry.CreatedAt.After(tail.CreatedAt) {
			entry.CreatedAt = tail.CreatedAt.Add(time.Microsecond)
		}
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}

	if err := tx.InsertHistory(ctx, entry); err != nil {
		return HistoryEntry{}, err
	}
	return entry, nil
}

// Tail returns the most recent entry for a subject.
func (h HistoryLog) Tail(ctx context.Context, subjectID string) (HistoryEntry, bool, error) {
	return h.Store.HistoryTail(ctx, subjectID)
}

// All yields every entry for a subject in sequence order, fetching one page at
// a time. The sequence can be ranged over more than once.
func (h HistoryLog) All(ctx context.Context, subjectID string) iter.Seq2[HistoryEntry, error] {
	size := h.PageSize
	if size <= 0 {
		size = defaultHistoryPageSize
	}
	return func(yield func(HistoryEntry, error) bool) {
		var after int64
		for {
			page, err := h.Store.HistoryPage(ctx, subjectID, after, size)
			if err != nil {
				yield(HistoryEntry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.Seq
			}
			if len(page) < size {
				return
			}
		}
	}
}

// Collect drains All into a slice.
func (h HistoryLog) Collect(ctx context.Context, subjectID string) ([]HistoryEntry, error) {
	out := []HistoryEntry{}
	for e, err := range h.All(ctx, subjectID) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
