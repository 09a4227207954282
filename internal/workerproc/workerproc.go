// Package workerproc validates and handles queued pipeline change messages.
// It is shared by the long-polling worker and any other queue consumer.
package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"pipeline-backend/internal/queue"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

func (e ErrDecode) Unwrap() error { return e.Err }

// ErrInvalidMessage indicates a decoded message without a subject or action.
type ErrInvalidMessage struct {
	Meta    MessageMeta
	EntryID string
	Reason  string
}

func (e ErrInvalidMessage) Error() string { return "invalid message: " + e.Reason }

// ErrProcess indicates delivery failed after successful parsing.
type ErrProcess struct {
	SubjectID string
	EntryID   string
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process message"
	}
	return "process message: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// Processor handles one decoded change message.
type Processor interface {
	Send(ctx context.Context, msg queue.Message) error
}

// Unrecoverable reports whether a message can never succeed and should be
// removed from the queue instead of redelivered.
func Unrecoverable(err error) bool {
	var empty ErrEmptyBody
	var decode ErrDecode
	var invalid ErrInvalidMessage
	return errors.As(err, &empty) || errors.As(err, &decode) || errors.As(err, &invalid)
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.SubjectID) == "" {
		return msg, meta, ErrInvalidMessage{Meta: meta, EntryID: msg.EntryID, Reason: "missing subject id"}
	}
	if strings.TrimSpace(msg.ActionKind) == "" {
		return msg, meta, ErrInvalidMessage{Meta: meta, EntryID: msg.EntryID, Reason: "missing action kind"}
	}
	if msg.Version > queue.MessageVersion {
		return msg, meta, ErrInvalidMessage{Meta: meta, EntryID: msg.EntryID, Reason: "unsupported version"}
	}
	return msg, meta, nil
}

type parsedMessageKey struct{}

// WithParsedMessage stores a decoded message in the context for reuse.
func WithParsedMessage(ctx context.Context, msg queue.Message) context.Context {
	return context.WithValue(ctx, parsedMessageKey{}, msg)
}

func parsedMessageFromContext(ctx context.Context) (queue.Message, bool) {
	if ctx == nil {
		return queue.Message{}, false
	}
	msg, ok := ctx.Value(parsedMessageKey{}).(queue.Message)
	return msg, ok
}

// HandleMessage parses, validates, and processes a message payload.
func HandleMessage(ctx context.Context, proc Processor, body string) error {
	if proc == nil {
		return errors.New("message processor not configured")
	}

	msg, ok := parsedMessageFromContext(ctx)
	if !ok {
		var err error
		msg, _, err = ParseMessage(body)
		if err != nil {
			return err
		}
	}

	if err := proc.Send(ctx, msg); err != nil {
		return ErrProcess{SubjectID: msg.SubjectID, EntryID: msg.EntryID, Err: err}
	}
	return nil
}
