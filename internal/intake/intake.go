// Package intake turns external form submissions into pipeline subjects.
// It only ever calls CreateSubject; it never polls a provider.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/shared/metrics"
)

// ErrUnknownSource is returned for a source name intake does not accept.
var ErrUnknownSource = errors.New("unknown intake source")

var knownSources = map[string]struct{}{
	pipeline.SourceWebForm:      {},
	pipeline.SourceTypeform:     {},
	pipeline.SourceGoogleSheet:  {},
	pipeline.SourceSurveyMonkey: {},
}

// NormalizeSource lowercases a source name and reports whether intake
// accepts it. Unknown names must not reach metric labels.
func NormalizeSource(raw string) (string, bool) {
	source := strings.ToLower(strings.TrimSpace(raw))
	_, ok := knownSources[source]
	return source, ok
}

// Creator is the single pipeline operation intake depends on.
type Creator interface {
	CreateSubject(ctx context.Context, req pipeline.CreateRequest) (pipeline.Subject, pipeline.HistoryEntry, error)
}

// Intake records submissions as new subjects in the start phase.
type Intake struct {
	Creator Creator
	// OwnerRef owns every ingested subject. Empty leaves subjects unowned
	// until staff assign them.
	OwnerRef string
}

// Submit creates one subject from an already-normalized payload.
func (in *Intake) Submit(ctx context.Context, source string, payload map[string]any, notes string) (pipeline.Subject, error) {
	source, ok := NormalizeSource(source)
	if !ok {
		metrics.IncIntake("unknown", "rejected")
		return pipeline.Subject{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	if len(payload) == 0 {
		metrics.IncIntake(source, "rejected")
		return pipeline.Subject{}, fmt.Errorf("%w: empty submission", pipeline.ErrInvalidInput)
	}

	subj, _, err := in.Creator.CreateSubject(ctx, pipeline.CreateRequest{
		Payload:  payload,
		OwnerRef: in.OwnerRef,
		ActorRef: "intake:" + source,
		Source:   source,
		Notes:    notes,
	})
	if err != nil {
		metrics.IncIntake(source, "failed")
		return pipeline.Subject{}, err
	}
	metrics.IncIntake(source, "created")
	return subj, nil
}
