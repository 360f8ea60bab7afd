package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

func textEvent(id, text string) conversation.InboundEvent {
	return conversation.InboundEvent{SenderID: "5511999990000", Text: &text, MessageID: id, ReceivedAt: time.Now().UTC()}
}

func TestMemoryQueue_ReceiveBatches(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, q.Send(ctx, body))
	}

	msgs, err := q.Receive(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Body)
	assert.NotEmpty(t, msgs[0].ReceiptHandle)
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueue_ReceiveTimesOutEmpty(t *testing.T) {
	q := NewMemoryQueue(1)
	msgs, err := q.Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryQueue_CancelledContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Receive(ctx, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Send(context.Background(), "fills buffer"))
	assert.ErrorIs(t, q.Send(ctx, "blocked"), context.Canceled)
}

func TestPublisher_EnqueueSuppressesRedeliveredWebhooks(t *testing.T) {
	q := NewMemoryQueue(4)
	runs := NewMemoryRunStore()
	pub := NewPublisher(q, runs, logging.Discard())
	ctx := context.Background()

	runID, err := pub.Enqueue(ctx, textEvent("wamid.1", "oi"))
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", runID)

	_, err = pub.Enqueue(ctx, textEvent("wamid.1", "oi"))
	assert.ErrorIs(t, err, ErrRunExists)
	assert.Equal(t, 1, q.Len())

	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	var p payload
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &p))
	assert.Equal(t, "wamid.1", p.RunID)
	assert.Equal(t, "oi", p.Event.Body())
	assert.False(t, p.EnqueuedAt.IsZero())

	run, err := runs.Get(ctx, "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusPending, run.Status)
}

type failingQueue struct{ MemoryQueue }

func (failingQueue) Send(context.Context, string) error { return errors.New("queue down") }

func TestPublisher_EnqueueFailureMarksRunFailed(t *testing.T) {
	runs := NewMemoryRunStore()
	pub := NewPublisher(&failingQueue{}, runs, logging.Discard())

	_, err := pub.Enqueue(context.Background(), textEvent("wamid.2", "oi"))
	require.ErrorContains(t, err, "queue down")

	run, err := runs.Get(context.Background(), "wamid.2")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
}

func TestPublisher_EventWithoutMessageIDSkipsLedger(t *testing.T) {
	q := NewMemoryQueue(2)
	pub := NewPublisher(q, NewMemoryRunStore(), nil)

	first, err := pub.Enqueue(context.Background(), textEvent("", "oi"))
	require.NoError(t, err)
	second, err := pub.Enqueue(context.Background(), textEvent("", "oi"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, q.Len())
}

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	received *sqs.ReceiveMessageInput
	deleted  []string
	messages []sqstypes.Message
	err      error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, f.err
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, f.err
}

func TestSQSQueue(t *testing.T) {
	client := &fakeSQS{messages: []sqstypes.Message{{
		MessageId:     aws.String("m-1"),
		Body:          aws.String(`{"run_id":"r"}`),
		ReceiptHandle: aws.String("rh-1"),
	}}}
	q := NewSQSQueue(client, "https://sqs.local/inbound")
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "body"))
	require.Len(t, client.sent, 1)
	assert.Equal(t, "https://sqs.local/inbound", aws.ToString(client.sent[0].QueueUrl))

	msgs, err := q.Receive(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, []Message{{ID: "m-1", Body: `{"run_id":"r"}`, ReceiptHandle: "rh-1"}}, msgs)
	assert.Equal(t, int32(5), client.received.MaxNumberOfMessages)
	assert.Equal(t, int32(10), client.received.WaitTimeSeconds)

	require.NoError(t, q.Delete(ctx, ""))
	require.NoError(t, q.Delete(ctx, "rh-1"))
	assert.Equal(t, []string{"rh-1"}, client.deleted)
}

func TestSQSQueue_WrapsErrors(t *testing.T) {
	q := NewSQSQueue(&fakeSQS{err: errors.New("throttled")}, "url")
	assert.ErrorContains(t, q.Send(context.Background(), "x"), "inbound: send SQS message")
	_, err := q.Receive(context.Background(), 1, 0)
	assert.ErrorContains(t, err, "throttled")
}

func TestNewSQSQueue_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { NewSQSQueue(nil, "url") })
	assert.Panics(t, func() { NewSQSQueue(&fakeSQS{}, "") })
}
