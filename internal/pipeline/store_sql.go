package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pipeline-backend/internal/shared/storage/db"
)

const subjectColumns = `id, current_phase, status, round, round_label, source, payload, owner_ref, assigned_to_ref, last_action_by_ref, last_action_at, version, created_at, updated_at`

const historyColumns = `id, subject_id, seq, from_phase, to_phase, actor_ref, action_kind, notes, metadata, created_at`

// SQLStore implements Store on PostgreSQL or SQLite through database/sql.
type SQLStore struct {
	DB      *sql.DB
	Dialect db.Dialect
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InTx runs fn inside a database transaction. A failed COMMIT is reported as
// errCommit because the outcome is unknown to the caller.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&sqlTxAdapter{tx: sqlTx, dialect: s.Dialect}); err != nil {
		return err
	}
	if cerr := sqlTx.Commit(); cerr != nil {
		return fmt.Errorf("%w: %v", errCommit, cerr)
	}
	return nil
}

// GetSubject fetches a subject by id.
func (s *SQLStore) GetSubject(ctx context.Context, id string) (Subject, error) {
	query := s.Dialect.Rebind(`SELECT ` + subjectColumns + ` FROM subjects WHERE id = ?`)
	subj, err := scanSubject(s.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		return Subject{}, err
	}
	return subj, nil
}

// ListSubjects lists subjects newest first.
func (s *SQLStore) ListSubjects(ctx context.Context, q ListQuery) ([]Subject, error) {
	var (
		where []string
		args  []any
	)
	if !q.All {
		where = append(where, "(owner_ref = ? OR assigned_to_ref = ?)")
		args = append(args, q.VisibleTo, q.VisibleTo)
	}
	if q.Phase != "" {
		where = append(where, "current_phase = ?")
		args = append(args, string(q.Phase))
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}

	query := `SELECT ` + subjectColumns + ` FROM subjects`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Subject{}
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, subj)
	}
	return out, rows.Err()
}

// HistoryTail returns the most recent committed entry.
func (s *SQLStore) HistoryTail(ctx context.Context, subjectID string) (HistoryEntry, bool, error) {
	return historyTail(ctx, s.DB, s.Dialect, subjectID)
}

// HistoryPage returns entries with seq > afterSeq in ascending order.
func (s *SQLStore) HistoryPage(ctx context.Context, subjectID string, afterSeq int64, limit int) ([]HistoryEntry, error) {
	query := s.Dialect.Rebind(`SELECT ` + historyColumns + ` FROM subject_history WHERE subject_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`)
	rows, err := s.DB.QueryContext(ctx, query, subjectID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type sqlTxAdapter struct {
	tx      *sql.Tx
	dialect db.Dialect
}

func (t *sqlTxAdapter) InsertSubject(ctx context.Context, subj Subject) error {
	payload, err := json.Marshal(subj.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	query := t.dialect.Rebind(`
INSERT INTO subjects (` + subjectColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = t.tx.ExecContext(ctx, query,
		subj.ID,
		string(subj.CurrentPhase),
		subj.Status,
		subj.Round,
		subj.RoundLabel,
		subj.Source,
		string(payload),
		nullString(subj.OwnerRef),
		nullString(subj.AssignedToRef),
		nullString(subj.LastActionByRef),
		nullTime(subj),
		subj.Version,
		subj.CreatedAt,
		subj.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: subject %s already exists", ErrInvalidInput, subj.ID)
		}
		return err
	}
	return nil
}

func (t *sqlTxAdapter) LockSubject(ctx context.Context, id string) (Subject, error) {
	query := t.dialect.Rebind(`SELECT ` + subjectColumns + ` FROM subjects WHERE id = ?` + t.dialect.LockClause())
	subj, err := scanSubject(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		return Subject{}, err
	}
	return subj, nil
}

func (t *sqlTxAdapter) HistoryTail(ctx context.Context, subjectID string) (HistoryEntry, bool, error) {
	return historyTail(ctx, t.tx, t.dialect, subjectID)
}

func (t *sqlTxAdapter) InsertHistory(ctx context.Context, e HistoryEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var from sql.NullString
	if e.FromPhase != nil {
		from = sql.NullString{String: string(*e.FromPhase), Valid: true}
	}
	query := t.dialect.Rebind(`
INSERT INTO subject_history (` + historyColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = t.tx.ExecContext(ctx, query,
		e.ID,
		e.SubjectID,
		e.Seq,
		from,
		string(e.ToPhase),
		nullString(e.ActorRef),
		string(e.ActionKind),
		e.Notes,
		string(metadata),
		e.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errVersionConflict
		}
		return err
	}
	return nil
}

func (t *sqlTxAdapter) UpdateSubject(ctx context.Context, subj Subject, expectedVersion int64) error {
	payload, err := json.Marshal(subj.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	query := t.dialect.Rebind(`
UPDATE subjects
SET current_phase = ?, status = ?, round = ?, round_label = ?, payload = ?, assigned_to_ref = ?,
    last_action_by_ref = ?, last_action_at = ?, version = ?, updated_at = ?
WHERE id = ? AND version = ?`)
	res, err := t.tx.ExecContext(ctx, query,
		string(subj.CurrentPhase),
		subj.Status,
		subj.Round,
		subj.RoundLabel,
		string(payload),
		nullString(subj.AssignedToRef),
		nullString(subj.LastActionByRef),
		nullTime(subj),
		subj.Version,
		subj.UpdatedAt,
		subj.ID,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errVersionConflict
	}
	return nil
}

func historyTail(ctx context.Context, q queryer, dialect db.Dialect, subjectID string) (HistoryEntry, bool, error) {
	query := dialect.Rebind(`SELECT ` + historyColumns + ` FROM subject_history WHERE subject_id = ? ORDER BY seq DESC LIMIT 1`)
	e, err := scanHistory(q.QueryRowContext(ctx, query, subjectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HistoryEntry{}, false, nil
		}
		return HistoryEntry{}, false, err
	}
	return e, true, nil
}

func scanSubject(row rowScanner) (Subject, error) {
	var (
		subj         Subject
		phase        string
		payload      string
		owner        sql.NullString
		assignee     sql.NullString
		lastActionBy sql.NullString
		lastActionAt sql.NullTime
	)
	if err := row.Scan(
		&subj.ID,
		&phase,
		&subj.Status,
		&subj.Round,
		&subj.RoundLabel,
		&subj.Source,
		&payload,
		&owner,
		&assignee,
		&lastActionBy,
		&lastActionAt,
		&subj.Version,
		&subj.CreatedAt,
		&subj.UpdatedAt,
	); err != nil {
		return Subject{}, err
	}
	subj.CurrentPhase = Phase(phase)
	subj.Payload = map[string]any{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &subj.Payload); err != nil {
			return Subject{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if owner.Valid {
		subj.OwnerRef = &owner.String
	}
	if assignee.Valid {
		subj.AssignedToRef = &assignee.String
	}
	if lastActionBy.Valid {
		subj.LastActionByRef = &lastActionBy.String
	}
	if lastActionAt.Valid {
		t := lastActionAt.Time.UTC()
		subj.LastActionAt = &t
	}
	subj.CreatedAt = subj.CreatedAt.UTC()
	subj.UpdatedAt = subj.UpdatedAt.UTC()
	return subj, nil
}

func scanHistory(row rowScanner) (HistoryEntry, error) {
	var (
		e        HistoryEntry
		from     sql.NullString
		to       string
		actor    sql.NullString
		kind     string
		metadata string
	)
	if err := row.Scan(
		&e.ID,
		&e.SubjectID,
		&e.Seq,
		&from,
		&to,
		&actor,
		&kind,
		&e.Notes,
		&metadata,
		&e.CreatedAt,
	); err != nil {
		return HistoryEntry{}, err
	}
	if from.Valid {
		e.FromPhase = phaseRef(Phase(from.String))
	}
	e.ToPhase = Phase(to)
	if actor.Valid {
		e.ActorRef = &actor.String
	}
	e.ActionKind = ActionKind(kind)
	e.Metadata = map[string]any{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return HistoryEntry{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(subj Subject) sql.NullTime {
	if subj.LastActionAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *subj.LastActionAt, Valid: true}
}

var (
	_ Store   = (*SQLStore)(nil)
	_ Tx      = (*sqlTxAdapter)(nil)
	_ queryer = (*sql.DB)(nil)
	_ queryer = (*sql.Tx)(nil)
)
