package notify

import (
	"context"

	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/queue"
)

// QueueSink publishes every committed change to a queue.
type QueueSink struct {
	Client queue.Client
}

// Deliver implements Sink.
func (s QueueSink) Deliver(ctx context.Context, ev pipeline.Event) error {
	return s.Client.Send(ctx, MessageFromEvent(ev))
}

// MessageFromEvent flattens a committed change into its queue form.
func MessageFromEvent(ev pipeline.Event) queue.Message {
	msg := queue.Message{
		SubjectID:  ev.Entry.SubjectID,
		EntryID:    ev.Entry.ID,
		Seq:        ev.Entry.Seq,
		ToPhase:    string(ev.Entry.ToPhase),
		ActionKind: string(ev.Entry.ActionKind),
		Notes:      ev.Entry.Notes,
		OccurredAt: ev.Entry.CreatedAt,
		Version:    queue.MessageVersion,
	}
	if ev.Entry.FromPhase != nil {
		msg.FromPhase = string(*ev.Entry.FromPhase)
	}
	if ev.Entry.ActorRef != nil {
		msg.ActorRef = *ev.Entry.ActorRef
	}
	if ev.Subject.OwnerRef != nil {
		msg.OwnerRef = *ev.Subject.OwnerRef
	}
	if ev.Subject.AssignedToRef != nil {
		msg.AssigneeRef = *ev.Subject.AssignedToRef
	}
	return msg
}
