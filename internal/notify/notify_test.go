package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mail "github.com/go-mail/mail/v2"

	"pipeline-backend/internal/pipeline"
	"pipeline-backend/internal/queue"
	"pipeline-backend/internal/shared/config"
)

var eventTime = time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func phasePtr(p pipeline.Phase) *pipeline.Phase { return &p }

func sampleEvent(kind pipeline.ActionKind) pipeline.Event {
	return pipeline.Event{
		Subject: pipeline.Subject{
			ID:            "0f8fad5b-d9cb-469f-a165-70867728950e",
			CurrentPhase:  pipeline.PhaseOngoing,
			OwnerRef:      strPtr("owner-1"),
			AssignedToRef: strPtr("rec-2"),
		},
		Entry: pipeline.HistoryEntry{
			ID:         "entry-2",
			SubjectID:  "0f8fad5b-d9cb-469f-a165-70867728950e",
			Seq:        2,
			FromPhase:  phasePtr(pipeline.PhaseScouting),
			ToPhase:    pipeline.PhaseOngoing,
			ActorRef:   strPtr("owner-1"),
			ActionKind: kind,
			Notes:      "first interview <booked>",
			CreatedAt:  eventTime,
		},
	}
}

type recordingClient struct {
	sent []queue.Message
	err  error
}

func (r *recordingClient) Send(ctx context.Context, msg queue.Message) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

type recordingMailer struct {
	to      []string
	subject string
	html    string
	calls   int
}

func (r *recordingMailer) Send(ctx context.Context, to []string, subject, html string) error {
	r.calls++
	r.to, r.subject, r.html = to, subject, html
	return nil
}

func TestMessageFromEventFlattensRefs(t *testing.T) {
	msg := MessageFromEvent(sampleEvent(pipeline.ActionPhaseChange))
	if msg.FromPhase != "scouting" || msg.ToPhase != "ongoing" || msg.Seq != 2 {
		t.Fatalf("unexpected phases: %+v", msg)
	}
	if msg.ActorRef != "owner-1" || msg.OwnerRef != "owner-1" || msg.AssigneeRef != "rec-2" {
		t.Fatalf("unexpected refs: %+v", msg)
	}
	if msg.Version != queue.MessageVersion || !msg.OccurredAt.Equal(eventTime) {
		t.Fatalf("unexpected envelope: %+v", msg)
	}

	submitted := sampleEvent(pipeline.ActionSubmitted)
	submitted.Entry.FromPhase = nil
	submitted.Entry.ActorRef = nil
	if msg := MessageFromEvent(submitted); msg.FromPhase != "" || msg.ActorRef != "" {
		t.Fatalf("nil refs should flatten to empty: %+v", msg)
	}
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	failing := &recordingClient{err: errors.New("queue down")}
	ok := &recordingClient{}
	mailer := &recordingMailer{}

	d := NewDispatcher().
		Add("queue", QueueSink{Client: failing}).
		Add("email", EmailSink{Mailer: mailer, Recipients: []string{"hr@example.com"}}).
		Add("audit", QueueSink{Client: ok})

	err := d.Notify(context.Background(), sampleEvent(pipeline.ActionPhaseChange))
	if err == nil || !strings.Contains(err.Error(), "queue: queue down") {
		t.Fatalf("expected the failing sink to be reported, got %v", err)
	}
	if mailer.calls != 1 || len(ok.sent) != 1 {
		t.Fatalf("other sinks should still run: mail=%d queue=%d", mailer.calls, len(ok.sent))
	}
	if d.Len() != 3 {
		t.Fatalf("expected 3 sinks, got %d", d.Len())
	}
}

func TestEmptyDispatcherIsNoop(t *testing.T) {
	if err := NewDispatcher().Add("nil", nil).Notify(context.Background(), sampleEvent(pipeline.ActionComment)); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestEmailSinkFiltersKinds(t *testing.T) {
	mailer := &recordingMailer{}
	sink := EmailSink{Mailer: mailer, Recipients: []string{"hr@example.com"}}

	if err := sink.Deliver(context.Background(), sampleEvent(pipeline.ActionComment)); err != nil {
		t.Fatalf("Deliver comment: %v", err)
	}
	if mailer.calls != 0 {
		t.Fatalf("comments should not send mail by default")
	}

	sink.Kinds = []pipeline.ActionKind{pipeline.ActionComment}
	if err := sink.Deliver(context.Background(), sampleEvent(pipeline.ActionComment)); err != nil {
		t.Fatalf("Deliver comment: %v", err)
	}
	if mailer.calls != 1 || mailer.subject != "[Pipeline] 0f8fad5b new comment" {
		t.Fatalf("unexpected mail: calls=%d subject=%q", mailer.calls, mailer.subject)
	}

	if err := (EmailSink{Mailer: mailer}).Deliver(context.Background(), sampleEvent(pipeline.ActionRollback)); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestRenderEmailEscapesNotes(t *testing.T) {
	subject, body, err := RenderEmail(MessageFromEvent(sampleEvent(pipeline.ActionPhaseChange)))
	if err != nil {
		t.Fatalf("RenderEmail: %v", err)
	}
	if subject != "[Pipeline] 0f8fad5b moved from Scouting to Ongoing" {
		t.Fatalf("unexpected subject %q", subject)
	}
	for _, want := range []string{"first interview &lt;booked&gt;", "<td>owner-1</td>", "2025-03-04 10:30 UTC"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in body:\n%s", want, body)
		}
	}

	_, body, err = RenderEmail(queue.Message{SubjectID: "s-1", ToPhase: "reject", ActionKind: "rollback"})
	if err != nil {
		t.Fatalf("RenderEmail rollback: %v", err)
	}
	if !strings.Contains(body, "rolled back to Reject") || strings.Contains(body, "<td>From</td>") {
		t.Fatalf("unexpected rollback body:\n%s", body)
	}
}

func TestSMTPMailerBuildsMessage(t *testing.T) {
	m := NewSMTPMailer(config.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "Pipeline <no-reply@example.com>"})
	var gotDialer *mail.Dialer
	var gotMsg *mail.Message
	m.send = func(d *mail.Dialer, msg *mail.Message) error {
		gotDialer, gotMsg = d, msg
		return nil
	}

	if err := m.Send(context.Background(), []string{"a@example.com", "b@example.com"}, "hello", "<p>hi</p>"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotDialer.StartTLSPolicy != mail.MandatoryStartTLS || gotDialer.TLSConfig.ServerName != "smtp.example.com" {
		t.Fatalf("unexpected dialer: %+v", gotDialer)
	}
	if to := gotMsg.GetHeader("To"); len(to) != 2 {
		t.Fatalf("unexpected recipients %v", to)
	}
	if subj := gotMsg.GetHeader("Subject"); len(subj) != 1 || subj[0] != "hello" {
		t.Fatalf("unexpected subject %v", subj)
	}
}

func TestSMTPMailerRequiresHost(t *testing.T) {
	m := NewSMTPMailer(config.SMTPConfig{})
	if err := m.Send(context.Background(), []string{"a@example.com"}, "s", "b"); err == nil {
		t.Fatalf("expected configuration error")
	}
	if err := m.Send(context.Background(), nil, "s", "b"); err != nil {
		t.Fatalf("no recipients should be a no-op, got %v", err)
	}
}
