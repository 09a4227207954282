package export

import (
	"bytes"
	"context"
	"fmt"

	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/shared/storage/object"
)

// Archived describes a workbook stored in object storage.
type Archived struct {
	Key       string `json:"key"`
	SizeBytes int64  `json:"sizeBytes"`
	Subjects  int    `json:"subjects"`
}

// Archive renders the actor's export and stores it under an actor-scoped key.
func (e *Exporter) Archive(ctx context.Context, store object.Store, actor pipeline.Actor, f pipeline.ListFilter) (Archived, error) {
	rows, err := e.Collect(ctx, actor, f)
	if err != nil {
		return Archived{}, err
	}

	at := e.now()
	var buf bytes.Buffer
	if err := WriteWorkbook(&buf, rows, at); err != nil {
		return Archived{}, err
	}

	key, err := object.ExportKey(actor.Ref, FileName(at), at)
	if err != nil {
		return Archived{}, err
	}
	n, err := store.Put(ctx, key, ContentType, &buf)
	if err != nil {
		return Archived{}, fmt.Errorf("store export: %w", err)
	}
	return Archived{Key: key, SizeBytes: n, Subjects: len(rows)}, nil
}
