package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/pipeline"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

type fakeProcessor struct {
	mu     sync.Mutex
	seen   []string
	result func(*conversation.InboundEvent) pipeline.Result
	done   chan struct{}
}

func (f *fakeProcessor) Process(_ context.Context, event *conversation.InboundEvent) pipeline.Result {
	f.mu.Lock()
	f.seen = append(f.seen, event.MessageID)
	f.mu.Unlock()
	if f.done != nil {
		defer func() { f.done <- struct{}{} }()
	}
	return f.result(event)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveInbound(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[status]++
}

type deleteRecorder struct {
	*MemoryQueue
	mu      sync.Mutex
	deleted []string
}

func (d *deleteRecorder) Delete(_ context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, handle)
	return nil
}

func replied(text string, conversationID string) pipeline.Result {
	return pipeline.Result{
		Success:  true,
		Response: &text,
		Metadata: map[string]any{pipeline.MetaConversationID: conversationID},
	}
}

func enqueue(t *testing.T, pub *Publisher, id, text string) {
	t.Helper()
	_, err := pub.Enqueue(context.Background(), textEvent(id, text))
	require.NoError(t, err)
}

func TestWorker_HandleMessageCompletesRun(t *testing.T) {
	q := &deleteRecorder{MemoryQueue: NewMemoryQueue(4)}
	runs := NewMemoryRunStore()
	pub := NewPublisher(q, runs, logging.Discard())
	enqueue(t, pub, "wamid.1", "oi")

	obs := &countingObserver{}
	proc := &fakeProcessor{result: func(*conversation.InboundEvent) pipeline.Result { return replied("Olá!", "conv-1") }}
	w := NewWorker(proc, q, runs, logging.Discard(), WithObserver(obs))

	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)
	w.handleMessage(context.Background(), msgs[0])

	run, err := runs.Get(context.Background(), "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, "conv-1", run.ConversationID)
	assert.Equal(t, StatusReplied, run.Result)
	assert.Equal(t, []string{msgs[0].ReceiptHandle}, q.deleted)
	assert.Equal(t, 1, obs.counts[StatusReplied])
}

func TestWorker_HandleMessageRecordsFailure(t *testing.T) {
	q := &deleteRecorder{MemoryQueue: NewMemoryQueue(4)}
	runs := NewMemoryRunStore()
	pub := NewPublisher(q, runs, nil)
	enqueue(t, pub, "wamid.2", "oi")

	proc := &fakeProcessor{result: func(*conversation.InboundEvent) pipeline.Result {
		return pipeline.Result{Err: errors.New("generator unavailable")}
	}}
	obs := &countingObserver{}
	w := NewWorker(proc, q, runs, logging.Discard(), WithObserver(obs))

	msgs, err := q.Receive(context.Background(), 1, 0)
	require.NoError(t, err)
	w.handleMessage(context.Background(), msgs[0])

	run, err := runs.Get(context.Background(), "wamid.2")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, "generator unavailable", run.ErrorMessage)
	assert.Len(t, q.deleted, 1)
	assert.Equal(t, 1, obs.counts[StatusFailed])
}

func TestWorker_HandleMessageDropsUndecodableBody(t *testing.T) {
	q := &deleteRecorder{MemoryQueue: NewMemoryQueue(1)}
	proc := &fakeProcessor{result: func(*conversation.InboundEvent) pipeline.Result { return pipeline.Continue() }}
	obs := &countingObserver{}
	w := NewWorker(proc, q, NewMemoryRunStore(), logging.Discard(), WithObserver(obs))

	w.handleMessage(context.Background(), Message{ID: "m", Body: "{not json", ReceiptHandle: "rh"})

	assert.Empty(t, proc.seen)
	assert.Equal(t, []string{"rh"}, q.deleted)
	assert.Equal(t, 1, obs.counts[StatusUndecoded])
}

func TestWorker_DrainsQueueAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(8)
	runs := NewMemoryRunStore()
	pub := NewPublisher(q, runs, logging.Discard())
	proc := &fakeProcessor{
		done: make(chan struct{}, 3),
		result: func(e *conversation.InboundEvent) pipeline.Result {
			if e.Body() == "silêncio" {
				return pipeline.Result{Success: true}
			}
			return replied("ok", "conv-"+e.MessageID)
		},
	}
	obs := &countingObserver{}
	w := NewWorker(proc, q, runs, logging.Discard(),
		WithWorkerCount(2), WithReceiveWaitSeconds(1), WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	enqueue(t, pub, "wamid.a", "oi")
	enqueue(t, pub, "wamid.b", "silêncio")
	enqueue(t, pub, "wamid.c", "tudo bem?")

	for i := 0; i < 3; i++ {
		select {
		case <-proc.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for runs")
		}
	}
	cancel()
	w.Wait()

	proc.mu.Lock()
	assert.ElementsMatch(t, []string{"wamid.a", "wamid.b", "wamid.c"}, proc.seen)
	proc.mu.Unlock()

	silent, err := runs.Get(context.Background(), "wamid.b")
	require.NoError(t, err)
	assert.Equal(t, StatusSilent, silent.Result)
	obs.mu.Lock()
	assert.Equal(t, 2, obs.counts[StatusReplied])
	assert.Equal(t, 1, obs.counts[StatusSilent])
	obs.mu.Unlock()
}

type funcStage struct {
	name     string
	priority int
	fn       func(ctx context.Context) pipeline.Result
}

func (s funcStage) Name() string  { return s.name }
func (s funcStage) Priority() int { return s.priority }
func (s funcStage) Process(ctx context.Context, _ *pipeline.Context) pipeline.Result {
	return s.fn(ctx)
}

func TestWorker_ShutdownDoesNotCancelFinalization(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewMemoryQueue(2)
	runs := NewMemoryRunStore()
	pub := NewPublisher(q, runs, logging.Discard())

	started := make(chan struct{})
	release := make(chan struct{})
	var (
		mu         sync.Mutex
		persisted  bool
		persistErr error
	)
	core := pipeline.CoreFunc(func(context.Context, *pipeline.Context) pipeline.Result {
		return pipeline.Continue().WithResponse("Descadastrado.")
	})
	orch := pipeline.New(core,
		pipeline.WithLogger(logging.Discard()),
		pipeline.WithPostProcessors(
			funcStage{name: "humanize", priority: 10, fn: func(context.Context) pipeline.Result {
				close(started)
				<-release
				return pipeline.Continue()
			}},
			funcStage{name: "persist", priority: 30, fn: func(ctx context.Context) pipeline.Result {
				mu.Lock()
				defer mu.Unlock()
				persisted = true
				persistErr = ctx.Err()
				return pipeline.Continue()
			}},
		),
	)
	w := NewWorker(orch, q, runs, logging.Discard(), WithWorkerCount(1), WithReceiveWaitSeconds(1))

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	enqueue(t, pub, "wamid.stop", "pare")

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached post-processing")
	}
	cancel()
	close(release)
	w.Wait()

	mu.Lock()
	assert.True(t, persisted)
	assert.NoError(t, persistErr, "persistence runs on a live context after shutdown")
	mu.Unlock()

	run, err := runs.Get(context.Background(), "wamid.stop")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, StatusReplied, run.Result)
}

func TestWorkerOptions_Clamp(t *testing.T) {
	proc := &fakeProcessor{}
	w := NewWorker(proc, NewMemoryQueue(1), nil, nil,
		WithWorkerCount(0), WithReceiveWaitSeconds(60), WithReceiveBatchSize(50), WithRunTimeout(-time.Second))
	assert.Equal(t, defaultWorkerCount, w.cfg.workers)
	assert.Equal(t, maxWaitSeconds, w.cfg.receiveWaitSecs)
	assert.Equal(t, maxReceiveBatchSize, w.cfg.receiveBatchSize)
	assert.Equal(t, defaultRunTimeout, w.cfg.runTimeout)

	assert.Panics(t, func() { NewWorker(nil, NewMemoryQueue(1), nil, nil) })
}
