// Package export renders subjects and their history as an XLSX workbook.
package export

import (
	"context"
	"errors"
	"time"

	"pipeline-backend/internal/pipeline"
)

const (
	pageSize           = 100
	defaultMaxSubjects = 5000
)

// ErrTooMany is returned when a filter matches more subjects than an export allows.
var ErrTooMany = errors.New("export exceeds subject limit")

// Reader is the read side an export needs.
type Reader interface {
	ListFor(ctx context.Context, actor pipeline.Actor, f pipeline.ListFilter) ([]pipeline.Subject, error)
	HistoryFor(ctx context.Context, subjectID string, actor pipeline.Actor) ([]pipeline.HistoryEntry, error)
}

// Row is one subject with its full history.
type Row struct {
	Subject pipeline.Subject
	History []pipeline.HistoryEntry
}

// Exporter collects rows visible to an actor and renders them.
type Exporter struct {
	Reader      Reader
	MaxSubjects int
	Now         func() time.Time
}

// Collect pages through every subject matching f that the actor may see.
// Limit and Offset on f are ignored.
func (e *Exporter) Collect(ctx context.Context, actor pipeline.Actor, f pipeline.ListFilter) ([]Row, error) {
	limit := e.MaxSubjects
	if limit <= 0 {
		limit = defaultMaxSubjects
	}

	var rows []Row
	for offset := 0; ; offset += pageSize {
		page, err := e.Reader.ListFor(ctx, actor, pipeline.ListFilter{
			Phase:  f.Phase,
			Status: f.Status,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		for _, subj := range page {
			if len(rows) == limit {
				return nil, ErrTooMany
			}
			history, err := e.Reader.HistoryFor(ctx, subj.ID, actor)
			if err != nil {
				return nil, err
			}
			rows = append(rows, Row{Subject: subj, History: history})
		}
		if len(page) < pageSize {
			return rows, nil
		}
	}
}

func (e *Exporter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}
