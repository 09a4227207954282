package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Client publishes pipeline change messages.
type Client interface {
	Send(ctx context.Context, msg Message) error
}

// MessageVersion is the schema version stamped on every published message.
const MessageVersion = 1

// Message is a committed pipeline change published for downstream consumers.
type Message struct {
	SubjectID   string    `json:"subjectId"`
	EntryID     string    `json:"entryId"`
	Seq         int64     `json:"seq"`
	FromPhase   string    `json:"fromPhase,omitempty"`
	ToPhase     string    `json:"toPhase"`
	ActionKind  string    `json:"actionKind"`
	ActorRef    string    `json:"actorRef,omitempty"`
	OwnerRef    string    `json:"ownerRef,omitempty"`
	AssigneeRef string    `json:"assigneeRef,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
	Version     int       `json:"version"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.Version == 0 {
		msg.Version = MessageVersion
	}
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
