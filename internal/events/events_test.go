package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

type fakeChannel struct {
	mu       sync.Mutex
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	closed   bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchange, c.key, c.msg = exchange, key, msg
	return c.err
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestRecordNormalizeFillsIDAndTime(t *testing.T) {
	r := Record{Kind: KindSendOutcome}.Normalize()
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.Timestamp.IsZero())

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	kept := Record{ID: "abc", Timestamp: fixed}.Normalize()
	assert.Equal(t, "abc", kept.ID)
	assert.Equal(t, fixed, kept.Timestamp)
}

func TestRecordRoutingKey(t *testing.T) {
	assert.Equal(t, "decision.send_outcome.SENT", Record{Kind: KindSendOutcome, Outcome: "SENT"}.RoutingKey())
	assert.Equal(t, "decision.mode_decision", Record{Kind: KindModeDecision}.RoutingKey())
}

func TestLogSinkWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logging.NewWithWriter("info", &buf))

	err := sink.Emit(context.Background(), Record{
		Kind:       KindSendOutcome,
		Recipient:  "5511999990000",
		Outcome:    "BLOCKED_OPTED_OUT",
		ReasonCode: "opted_out",
	})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "decision", line["msg"])
	rec, ok := line["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "send_outcome", rec["kind"])
	assert.Equal(t, "BLOCKED_OPTED_OUT", rec["outcome"])
}

func TestAMQPPublisherPublishesEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{
		openChannel: func() (amqpChannel, error) { return ch, nil },
		exchange:    "chatagent.decisions",
		producer:    "agent-worker",
		logger:      logging.Discard(),
	}

	err := p.Emit(context.Background(), Record{ID: "rec-1", Kind: KindBypass, Outcome: "BYPASS", ConversationID: "conv-9"})
	require.NoError(t, err)

	assert.Equal(t, "chatagent.decisions", ch.exchange)
	assert.Equal(t, "decision.bypass.BYPASS", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "rec-1", ch.msg.MessageId)
	assert.Equal(t, "conv-9", ch.msg.CorrelationId)
	assert.True(t, ch.closed)

	var env Envelope
	require.NoError(t, json.Unmarshal(ch.msg.Body, &env))
	assert.Equal(t, "agent-worker", env.Meta.Producer)
	assert.Equal(t, "bypass", env.Meta.Type)
	assert.Equal(t, "rec-1", env.Data.ID)
}

func TestAMQPPublisherWrapsPublishError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := &AMQPPublisher{
		openChannel: func() (amqpChannel, error) { return ch, nil },
		exchange:    "x",
		logger:      logging.Discard(),
	}
	err := p.Emit(context.Background(), Record{Kind: KindHandoff})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision.handoff")
}

type syncSpawner struct {
	names []string
	errs  []error
}

func (s *syncSpawner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	s.names = append(s.names, name)
	s.errs = append(s.errs, fn(ctx))
}

func TestBusFansOutAndJoinsErrors(t *testing.T) {
	var got []Record
	ok := SinkFunc(func(_ context.Context, r Record) error {
		got = append(got, r)
		return nil
	})
	failing := SinkFunc(func(context.Context, Record) error { return errors.New("broker down") })

	sp := &syncSpawner{}
	bus := NewBus(sp, ok, nil, failing, ok)
	bus.Publish(context.Background(), Record{Kind: KindOptOut})

	require.Len(t, got, 2)
	assert.Equal(t, got[0].ID, got[1].ID, "every sink sees the same normalized record")
	assert.Equal(t, []string{"emit_opt_out"}, sp.names)
	require.Len(t, sp.errs, 1)
	assert.ErrorContains(t, sp.errs[0], "broker down")
}

func TestBusWithoutSpawnerIsSynchronous(t *testing.T) {
	calls := 0
	bus := NewBus(nil, SinkFunc(func(context.Context, Record) error {
		calls++
		return errors.New("ignored")
	}))
	bus.Publish(context.Background(), Record{Kind: KindPipelineResult})
	assert.Equal(t, 1, calls)

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Publish(context.Background(), Record{}) })
}
