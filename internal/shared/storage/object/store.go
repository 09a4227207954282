package object

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"pipeline-backend/internal/shared/util"
)

// Store defines the contract for saving and retrieving archived exports.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (sizeBytes int64, err error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ExportKey builds the storage key for an export made by actorRef. Keys are
// namespaced by a hash of the actor so refs never appear in paths.
func ExportKey(actorRef, fileName string, at time.Time) (string, error) {
	name, err := util.SafeFileName(fileName)
	if err != nil {
		return "", fmt.Errorf("sanitize file name: %w", err)
	}
	stamp := at.UTC().Format("20060102T150405Z")
	return path.Join("exports", util.ActorKey(actorRef), stamp+"_"+name), nil
}
