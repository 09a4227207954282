package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/queue"
)

// ErrNoRecipients is returned when an email sink has nobody to write to.
var ErrNoRecipients = errors.New("no notification recipients")

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, html string) error
}

// EmailSink renders a short HTML summary of a change and mails it.
type EmailSink struct {
	Mailer     Mailer
	Recipients []string
	// Kinds limits which actions send mail. Empty means phase changes,
	// rollbacks and assignments.
	Kinds []pipeline.ActionKind
}

var defaultEmailKinds = []pipeline.ActionKind{
	pipeline.ActionPhaseChange,
	pipeline.ActionRollback,
	pipeline.ActionAssigned,
}

var emailTemplate = template.Must(template.New("change").Parse(`<p>Subject <strong>{{.SubjectID}}</strong>: {{.Headline}}</p>
<table>
<tr><td>Action</td><td>{{.ActionKind}}</td></tr>
{{if .From}}<tr><td>From</td><td>{{.From}}</td></tr>
{{end}}<tr><td>To</td><td>{{.To}}</td></tr>
{{if .ActorRef}}<tr><td>By</td><td>{{.ActorRef}}</td></tr>
{{end}}{{if .AssigneeRef}}<tr><td>Assignee</td><td>{{.AssigneeRef}}</td></tr>
{{end}}<tr><td>At</td><td>{{.OccurredAt}}</td></tr>
</table>
{{if .Notes}}<p>{{.Notes}}</p>
{{end}}`))

type emailView struct {
	SubjectID   string
	Headline    string
	ActionKind  string
	From        string
	To          string
	ActorRef    string
	AssigneeRef string
	Notes       string
	OccurredAt  string
}

// Deliver implements Sink.
func (s EmailSink) Deliver(ctx context.Context, ev pipeline.Event) error {
	return s.Send(ctx, MessageFromEvent(ev))
}

// Send mails a change that arrived as a queue message. Actions outside Kinds
// are skipped without error.
func (s EmailSink) Send(ctx context.Context, msg queue.Message) error {
	if !s.wants(pipeline.ActionKind(msg.ActionKind)) {
		return nil
	}
	if len(s.Recipients) == 0 {
		return ErrNoRecipients
	}
	subject, body, err := RenderEmail(msg)
	if err != nil {
		return err
	}
	return s.Mailer.Send(ctx, s.Recipients, subject, body)
}

func (s EmailSink) wants(kind pipeline.ActionKind) bool {
	kinds := s.Kinds
	if len(kinds) == 0 {
		kinds = defaultEmailKinds
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RenderEmail builds the subject line and HTML body for a change.
func RenderEmail(msg queue.Message) (string, string, error) {
	view := emailView{
		SubjectID:   msg.SubjectID,
		ActionKind:  msg.ActionKind,
		From:        phaseLabel(msg.FromPhase),
		To:          phaseLabel(msg.ToPhase),
		ActorRef:    msg.ActorRef,
		AssigneeRef: msg.AssigneeRef,
		Notes:       msg.Notes,
		OccurredAt:  msg.OccurredAt.UTC().Format("2006-01-02 15:04 MST"),
	}

	switch pipeline.ActionKind(msg.ActionKind) {
	case pipeline.ActionAssigned:
		if msg.AssigneeRef == "" {
			view.Headline = "assignment cleared"
		} else {
			view.Headline = "assigned to " + msg.AssigneeRef
		}
	case pipeline.ActionRollback:
		view.Headline = fmt.Sprintf("rolled back to %s", view.To)
	case pipeline.ActionSubmitted:
		view.Headline = "new submission"
	case pipeline.ActionComment:
		view.Headline = "new comment"
	default:
		view.Headline = fmt.Sprintf("moved from %s to %s", view.From, view.To)
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, view); err != nil {
		return "", "", fmt.Errorf("render email: %w", err)
	}
	subject := fmt.Sprintf("[Pipeline] %s %s", shortID(msg.SubjectID), view.Headline)
	return subject, buf.String(), nil
}

func phaseLabel(raw string) string {
	if raw == "" {
		return ""
	}
	return pipeline.Phase(raw).Label()
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
