package queue

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type fakeSender struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSClientSendsEncodedBody(t *testing.T) {
	fake := &fakeSender{}
	client := newSQSClient(fake, "https://sqs.example/queue")

	if err := client.Send(context.Background(), Message{SubjectID: "s-1", EntryID: "e-1", ToPhase: "ongoing", ActionKind: "phase_change"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 send, got %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.example/queue" {
		t.Fatalf("unexpected queue url %q", aws.ToString(in.QueueUrl))
	}
	if !strings.Contains(aws.ToString(in.MessageBody), `"subjectId":"s-1"`) {
		t.Fatalf("unexpected body %s", aws.ToString(in.MessageBody))
	}
	if in.MessageGroupId != nil {
		t.Fatalf("standard queues must not set a message group")
	}
}

func TestSQSClientFIFOGroupsBySubject(t *testing.T) {
	fake := &fakeSender{}
	client := newSQSClient(fake, "https://sqs.example/pipeline.fifo")

	if err := client.Send(context.Background(), Message{SubjectID: "s-1", EntryID: "e-9", ActionKind: "rollback"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	in := fake.inputs[0]
	if aws.ToString(in.MessageGroupId) != "s-1" || aws.ToString(in.MessageDeduplicationId) != "e-9" {
		t.Fatalf("unexpected fifo attributes: group=%q dedup=%q", aws.ToString(in.MessageGroupId), aws.ToString(in.MessageDeduplicationId))
	}
}

func TestSQSClientWrapsSendError(t *testing.T) {
	boom := errors.New("throttled")
	client := newSQSClient(&fakeSender{err: boom}, "https://sqs.example/queue")

	err := client.Send(context.Background(), Message{SubjectID: "s-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
