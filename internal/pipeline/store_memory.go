package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in dev and tests. Each subject has its
// own lock; committed state is swapped in under a single write lock so readers
// never observe a half-applied unit.
type MemoryStore struct {
	mu       sync.RWMutex
	subjects map[string]Subject
	history  map[string][]HistoryEntry

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	// Test hooks around the commit step.
	beforeCommit func() error
	afterCommit  func() error
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects: make(map[string]Subject),
		history:  make(map[string][]HistoryEntry),
		locks:    make(map[string]chan struct{}),
	}
}

// InTx runs fn against staged state and commits it if fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:    s,
		subjects: make(map[string]memoryWrite),
		history:  make(map[string][]HistoryEntry),
		locked:   make(map[string]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if s.beforeCommit != nil {
		if err := s.beforeCommit(); err != nil {
			return fmt.Errorf("%w: %v", errCommit, err)
		}
	}
	if err := tx.commit(); err != nil {
		return err
	}
	if s.afterCommit != nil {
		if err := s.afterCommit(); err != nil {
			return fmt.Errorf("%w: %v", errCommit, err)
		}
	}
	return nil
}

// GetSubject returns the committed subject.
func (s *MemoryStore) GetSubject(ctx context.Context, id string) (Subject, error) {
	if err := ctx.Err(); err != nil {
		return Subject{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	subj, ok := s.subjects[id]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return subj.clone(), nil
}

// ListSubjects returns committed subjects newest first.
func (s *MemoryStore) ListSubjects(ctx context.Context, q ListQuery) ([]Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := make([]Subject, 0, len(s.subjects))
	for _, subj := range s.subjects {
		if !q.All && !subj.visibleTo(Actor{Ref: q.VisibleTo}) {
			continue
		}
		if q.Phase != "" && subj.CurrentPhase != q.Phase {
			continue
		}
		if q.Status != "" && subj.Status != q.Status {
			continue
		}
		matched = append(matched, subj.clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if q.Offset >= len(matched) {
		return []Subject{}, nil
	}
	end := len(matched)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], nil
}

// HistoryTail returns the committed tail for a subject.
func (s *MemoryStore) HistoryTail(ctx context.Context, subjectID string) (HistoryEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return HistoryEntry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[subjectID]
	if len(entries) == 0 {
		return HistoryEntry{}, false, nil
	}
	return entries[len(entries)-1].clone(), true, nil
}

// HistoryPage returns up to limit committed entries with seq > afterSeq.
func (s *MemoryStore) HistoryPage(ctx context.Context, subjectID string, afterSeq int64, limit int) ([]HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []HistoryEntry{}
	for _, e := range s.history[subjectID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e.clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) acquire(ctx context.Context, id string) error {
	for {
		s.locksMu.Lock()
		held, busy := s.locks[id]
		if !busy {
			s.locks[id] = make(chan struct{})
			s.locksMu.Unlock()
			return nil
		}
		s.locksMu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *MemoryStore) releaseLock(id string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if ch, ok := s.locks[id]; ok {
		delete(s.locks, id)
		close(ch)
	}
}

type memoryWrite struct {
	subject         Subject
	expectedVersion int64
	insert          bool
}

type memoryTx struct {
	store    *MemoryStore
	subjects map[string]memoryWrite
	history  map[string][]HistoryEntry
	locked   map[string]bool
}

func (tx *memoryTx) InsertSubject(ctx context.Context, subj Subject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.store.mu.RLock()
	_, exists := tx.store.subjects[subj.ID]
	tx.store.mu.RUnlock()
	if _, staged := tx.subjects[subj.ID]; exists || staged {
		return fmt.Errorf("%w: subject %s already exists", ErrInvalidInput, subj.ID)
	}
	tx.subjects[subj.ID] = memoryWrite{subject: subj.clone(), insert: true}
	return nil
}

func (tx *memoryTx) LockSubject(ctx context.Context, id string) (Subject, error) {
	if !tx.locked[id] {
		if err := tx.store.acquire(ctx, id); err != nil {
			return Subject{}, err
		}
		tx.locked[id] = true
	}
	if w, ok := tx.subjects[id]; ok {
		return w.subject.clone(), nil
	}
	return tx.store.GetSubject(ctx, id)
}

func (tx *memoryTx) HistoryTail(ctx context.Context, subjectID string) (HistoryEntry, bool, error) {
	if staged := tx.history[subjectID]; len(staged) > 0 {
		return staged[len(staged)-1].clone(), true, nil
	}
	return tx.store.HistoryTail(ctx, subjectID)
}

func (tx *memoryTx) InsertHistory(ctx context.Context, e HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.history[e.SubjectID] = append(tx.history[e.SubjectID], e.clone())
	return nil
}

func (tx *memoryTx) UpdateSubject(ctx context.Context, subj Subject, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w, ok := tx.subjects[subj.ID]; ok {
		if w.subject.Version != expectedVersion {
			return errVersionConflict
		}
		w.subject = subj.clone()
		tx.subjects[subj.ID] = w
		return nil
	}
	current, err := tx.store.GetSubject(ctx, subj.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return errVersionConflict
	}
	tx.subjects[subj.ID] = memoryWrite{subject: subj.clone(), expectedVersion: expectedVersion}
	return nil
}

// commit re-checks versions and sequence numbers against committed state and
// applies every staged write under one lock.
func (tx *memoryTx) commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range tx.subjects {
		current, exists := s.subjects[id]
		switch {
		case w.insert && exists:
			return fmt.Errorf("%w: subject %s already exists", ErrInvalidInput, id)
		case !w.insert && (!exists || current.Version != w.expectedVersion):
			return errVersionConflict
		}
	}
	for id, staged := range tx.history {
		committed := s.history[id]
		next := int64(len(committed)) + 1
		for _, e := range staged {
			if e.Seq != next {
				return errVersionConflict
			}
			next++
		}
	}

	for id, w := range tx.subjects {
		s.subjects[id] = w.subject
	}
	for id, staged := range tx.history {
		s.history[id] = append(s.history[id], staged...)
	}
	return nil
}

func (tx *memoryTx) release() {
	for id := range tx.locked {
		tx.store.releaseLock(id)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)
