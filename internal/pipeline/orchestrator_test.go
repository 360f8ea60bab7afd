package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

type testStage struct {
	name      string
	priority  int
	essential *bool
	skip      bool
	fn        func(ctx context.Context, pc *Context) Result
	trace     *[]string
}

func (s *testStage) Name() string  { return s.name }
func (s *testStage) Priority() int { return s.priority }

func (s *testStage) ShouldRun(*Context) bool { return !s.skip }

func (s *testStage) Process(ctx context.Context, pc *Context) Result {
	*s.trace = append(*s.trace, s.name)
	if s.fn == nil {
		return Continue()
	}
	return s.fn(ctx, pc)
}

type essentialStage struct {
	*testStage
}

func (s essentialStage) Essential() bool { return *s.essential }

type recordingObserver struct {
	mu      sync.Mutex
	stages  []string
	results []string
}

func (r *recordingObserver) ObserveStage(stage, phase, status string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, phase+":"+stage+":"+status)
}

func (r *recordingObserver) ObservePipelineResult(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

type harness struct {
	trace []string
}

func (h *harness) stage(name string, priority int, fn func(ctx context.Context, pc *Context) Result) *testStage {
	return &testStage{name: name, priority: priority, fn: fn, trace: &h.trace}
}

func (h *harness) optional(name string, priority int, fn func(ctx context.Context, pc *Context) Result) Stage {
	no := false
	return essentialStage{&testStage{name: name, priority: priority, fn: fn, trace: &h.trace, essential: &no}}
}

func (h *harness) core(text string) CoreStep {
	return CoreFunc(func(_ context.Context, pc *Context) Result {
		h.trace = append(h.trace, "core")
		return Continue().WithResponse(text)
	})
}

func event(text string) *conversation.InboundEvent {
	return &conversation.InboundEvent{SenderID: "5511999", Text: &text, MessageID: "m-1"}
}

func TestOrchestratorRunsStagesInPriorityOrder(t *testing.T) {
	h := &harness{}
	obs := &recordingObserver{}
	o := New(h.core("olá"),
		WithLogger(logging.Discard()),
		WithMetrics(obs),
		WithPreProcessors(h.stage("mode", 30, nil), h.stage("parse", 0, nil), h.stage("optout", 10, nil)),
		WithPostProcessors(h.stage("persist", 30, nil), h.stage("send", 20, nil), h.optional("metrics", 40, nil)),
	)

	res := o.Process(context.Background(), event("oi"))
	require.True(t, res.Success)
	assert.True(t, res.ShouldContinue)
	require.NotNil(t, res.Response)
	assert.Equal(t, "olá", *res.Response)
	assert.Equal(t, []string{"parse", "optout", "mode", "core", "send", "persist", "metrics"}, h.trace)
	assert.Equal(t, []string{ResultCompleted}, obs.results)

	pre, post := o.Stages()
	assert.Equal(t, []string{"parse", "optout", "mode"}, pre)
	assert.Equal(t, []string{"send", "persist", "metrics"}, post)
}

func TestOrchestratorEqualPrioritiesKeepRegistrationOrder(t *testing.T) {
	h := &harness{}
	o := New(h.core("x"), WithLogger(logging.Discard()),
		WithPreProcessors(h.stage("a", 5, nil), h.stage("b", 5, nil), h.stage("c", 1, nil)))
	o.Process(context.Background(), event("oi"))
	assert.Equal(t, []string{"c", "a", "b", "core"}, h.trace)
}

func TestOrchestratorSkipsConditionalStages(t *testing.T) {
	h := &harness{}
	skipped := h.stage("media", 20, nil)
	skipped.skip = true
	o := New(h.core("x"), WithLogger(logging.Discard()), WithPreProcessors(h.stage("parse", 0, nil), skipped))
	o.Process(context.Background(), event("oi"))
	assert.Equal(t, []string{"parse", "core"}, h.trace)
}

func TestOrchestratorPreFailureAborts(t *testing.T) {
	h := &harness{}
	boom := errors.New("bad payload")
	o := New(h.core("x"), WithLogger(logging.Discard()),
		WithPreProcessors(h.stage("parse", 0, func(context.Context, *Context) Result { return Fail(boom) }), h.stage("mode", 30, nil)),
		WithPostProcessors(h.stage("send", 20, nil)),
	)

	res := o.Process(context.Background(), event("oi"))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, boom)
	assert.Nil(t, res.Response)
	assert.Equal(t, []string{"parse"}, h.trace)
}

func TestOrchestratorEarlyReplyRunsEssentialPostOnly(t *testing.T) {
	h := &harness{}
	var sent string
	o := New(h.core("never"), WithLogger(logging.Discard()),
		WithPreProcessors(
			h.stage("optout", 10, func(context.Context, *Context) Result {
				return Reply("Você não receberá mais mensagens.").WithMetadata("opt_out", true)
			}),
			h.stage("mode", 30, nil),
		),
		WithPostProcessors(
			h.stage("send", 20, func(_ context.Context, pc *Context) Result {
				sent = pc.Reply()
				return Continue()
			}),
			h.optional("humanize", 10, nil),
			h.optional("metrics", 40, nil),
		),
	)

	res := o.Process(context.Background(), event("pare"))
	assert.True(t, res.Success)
	assert.False(t, res.ShouldContinue)
	require.NotNil(t, res.Response)
	assert.Equal(t, "Você não receberá mais mensagens.", *res.Response)
	assert.Equal(t, "Você não receberá mais mensagens.", sent)
	assert.Equal(t, true, res.Metadata["opt_out"])
	assert.Equal(t, []string{"optout", "send"}, h.trace)
}

func TestOrchestratorEarlyReplyStaysNonNilWhenBlocked(t *testing.T) {
	h := &harness{}
	o := New(h.core("x"), WithLogger(logging.Discard()),
		WithPreProcessors(h.stage("media", 20, func(context.Context, *Context) Result { return Reply("só texto") })),
		WithPostProcessors(h.stage("validate", 0, func(context.Context, *Context) Result { return Continue().WithResponse("") })),
	)
	res := o.Process(context.Background(), event("oi"))
	assert.False(t, res.ShouldContinue)
	require.NotNil(t, res.Response)
	assert.Empty(t, *res.Response)
}

func TestOrchestratorSilentStop(t *testing.T) {
	h := &harness{}
	o := New(h.core("x"), WithLogger(logging.Discard()),
		WithPreProcessors(
			h.stage("entities", 5, func(context.Context, *Context) Result { return Continue().WithResponse("draft") }),
			h.stage("handoff", 15, func(context.Context, *Context) Result { return Stop(nil) }),
		),
		WithPostProcessors(h.stage("send", 20, nil)),
	)

	res := o.Process(context.Background(), event("oi"))
	assert.True(t, res.Success)
	assert.False(t, res.ShouldContinue)
	assert.Nil(t, res.Response)
	assert.Equal(t, []string{"entities", "handoff"}, h.trace)
}

func TestOrchestratorCoreFailureDeliversApology(t *testing.T) {
	h := &harness{}
	obs := &recordingObserver{}
	providerErr := errors.New("bedrock: ThrottlingException arn:aws:...")
	core := CoreFunc(func(context.Context, *Context) Result { return Fail(providerErr) })
	var delivered string
	o := New(core, WithLogger(logging.Discard()), WithMetrics(obs), WithFallbackReply("Desculpe!"),
		WithPreProcessors(h.stage("parse", 0, nil)),
		WithPostProcessors(
			h.stage("send", 20, func(_ context.Context, pc *Context) Result {
				delivered = pc.Reply()
				return Continue()
			}),
			h.optional("extract", 50, nil),
		),
	)

	res := o.Process(context.Background(), event("oi"))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, providerErr)
	require.NotNil(t, res.Response)
	assert.Equal(t, "Desculpe!", *res.Response)
	assert.Equal(t, "Desculpe!", delivered)
	assert.NotContains(t, delivered, "Throttling")
	assert.Equal(t, true, res.Metadata[MetaCoreFailed])
	assert.Equal(t, []string{"parse", "send"}, h.trace)
	assert.Equal(t, []string{ResultCoreFailed}, obs.results)
}

func TestOrchestratorRecoversPanics(t *testing.T) {
	h := &harness{}
	core := CoreFunc(func(context.Context, *Context) Result { panic("nil map") })
	o := New(core, WithLogger(logging.Discard()))
	res := o.Process(context.Background(), event("oi"))
	assert.False(t, res.Success)
	assert.ErrorContains(t, res.Err, "panicked")

	o = New(h.core("x"), WithLogger(logging.Discard()),
		WithPreProcessors(h.stage("parse", 0, func(context.Context, *Context) Result { panic("boom") })))
	res = o.Process(context.Background(), event("oi"))
	assert.False(t, res.Success)
	assert.ErrorContains(t, res.Err, "stage parse panicked")
}

func TestOrchestratorPostFailuresAreSkipped(t *testing.T) {
	h := &harness{}
	obs := &recordingObserver{}
	o := New(h.core("resposta"), WithLogger(logging.Discard()), WithMetrics(obs),
		WithPostProcessors(
			h.stage("send", 20, func(context.Context, *Context) Result { return Fail(errors.New("gateway down")) }),
			h.stage("persist", 30, func(context.Context, *Context) Result { panic("db gone") }),
			h.stage("extract", 50, nil),
		),
	)

	res := o.Process(context.Background(), event("oi"))
	assert.True(t, res.Success)
	assert.Equal(t, "resposta", *res.Response)
	assert.Equal(t, []string{"core", "send", "persist", "extract"}, h.trace)
	assert.Contains(t, obs.stages, "post:send:failed")
	assert.Contains(t, obs.stages, "post:persist:failed")
	assert.Contains(t, obs.stages, "post:extract:ok")
}

func TestOrchestratorLaterStageReplacesResponse(t *testing.T) {
	h := &harness{}
	o := New(h.core("texto com preço R$ 100"), WithLogger(logging.Discard()),
		WithPostProcessors(h.stage("validate", 0, func(context.Context, *Context) Result {
			return Continue().WithResponse("Posso verificar isso com a equipe.")
		})),
	)
	res := o.Process(context.Background(), event("quanto custa?"))
	assert.Equal(t, "Posso verificar isso com a equipe.", *res.Response)
}

func TestOrchestratorNilEventWithoutParser(t *testing.T) {
	h := &harness{}
	res := New(h.core("x"), WithLogger(logging.Discard())).Process(context.Background(), nil)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrUnparsableInput)
	assert.Empty(t, h.trace)
}

func TestNewPanicsWithoutCore(t *testing.T) {
	assert.Panics(t, func() { New(nil) })
}

func TestResultHelpers(t *testing.T) {
	base := Continue().WithMetadata("a", 1)
	derived := base.WithMetadata("b", 2)
	assert.Len(t, base.Metadata, 1)
	assert.Len(t, derived.Metadata, 2)

	pc := NewContext(nil, testTime)
	pc.merge(derived)
	assert.Equal(t, 2, pc.Metadata["b"])
	assert.Nil(t, pc.Response)
	pc.merge(Continue().WithResponse("oi"))
	assert.Equal(t, "oi", pc.Reply())
	pc.merge(Continue())
	assert.Equal(t, "oi", pc.Reply())
}

var testTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func TestOrchestratorPostChainOutlivesCallerCancellation(t *testing.T) {
	h := &harness{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var persistErr error
	o := New(h.core("olá"), WithLogger(logging.Discard()),
		WithPostProcessors(
			h.optional("humanize", 10, func(context.Context, *Context) Result {
				cancel()
				return Continue()
			}),
			h.stage("send", 20, nil),
			h.stage("persist", 30, func(ctx context.Context, _ *Context) Result {
				persistErr = ctx.Err()
				return Continue()
			}),
		),
	)

	res := o.Process(ctx, event("oi"))
	require.True(t, res.Success)
	assert.Equal(t, []string{"core", "humanize", "send", "persist"}, h.trace)
	assert.NoError(t, persistErr)
	assert.Error(t, ctx.Err())
}
