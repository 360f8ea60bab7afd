package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

var tracer = otel.Tracer("chatagent.internal.pipeline")

const defaultApology = "Desculpe, não consegui processar sua mensagem agora. Pode tentar novamente?"

// Observer exports stage latency and run results.
type Observer interface {
	ObserveStage(stage, phase, status string, seconds float64)
	ObservePipelineResult(result string)
}

// Run results reported to the Observer.
const (
	ResultCompleted  = "completed"
	ResultEarlyReply = "early_reply"
	ResultSilent     = "silent"
	ResultFailed     = "failed"
	ResultCoreFailed = "core_failed"
)

// MetaCoreFailed is set on the context when the apology replaced a failed
// generation.
const MetaCoreFailed = "core_failed"

// Orchestrator runs the stage chains. Stages are sorted once at construction.
type Orchestrator struct {
	pre     []Stage
	post    []Stage
	core    CoreStep
	logger  *logging.Logger
	metrics Observer
	apology string
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithPreProcessors(stages ...Stage) Option {
	return func(o *Orchestrator) {
		o.pre = append(o.pre, nonNil(stages)...)
	}
}

func WithPostProcessors(stages ...Stage) Option {
	return func(o *Orchestrator) {
		o.post = append(o.post, nonNil(stages)...)
	}
}

func WithMetrics(m Observer) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithFallbackReply sets the generic apology delivered when generation fails.
func WithFallbackReply(text string) Option {
	return func(o *Orchestrator) {
		if text != "" {
			o.apology = text
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(core CoreStep, opts ...Option) *Orchestrator {
	if core == nil {
		panic("pipeline: core step cannot be nil")
	}
	o := &Orchestrator{
		core:    core,
		logger:  logging.Default(),
		apology: defaultApology,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	sortStages(o.pre)
	sortStages(o.post)
	return o
}

// Stages lists stage names in execution order, for diagnostics.
func (o *Orchestrator) Stages() (pre, post []string) {
	for _, s := range o.pre {
		pre = append(pre, s.Name())
	}
	for _, s := range o.post {
		post = append(post, s.Name())
	}
	return pre, post
}

// Process runs one inbound event to completion.
func (o *Orchestrator) Process(ctx context.Context, event *conversation.InboundEvent) Result {
	ctx, span := tracer.Start(ctx, "pipeline.process")
	defer span.End()
	if event != nil {
		span.SetAttributes(attribute.String("chatagent.message_id", event.MessageID))
	}

	pc := NewContext(event, o.now())

	for _, stage := range o.pre {
		if !shouldRun(stage, pc) {
			o.observeStage(stage, "pre", "skipped", 0)
			continue
		}
		res := o.run(ctx, "pre", stage, pc)
		if !res.Success {
			o.logger.Error("pre-processor failed, aborting run",
				"stage", stage.Name(),
				"message_id", messageID(event),
				"error", res.Err,
			)
			span.SetStatus(codes.Error, "pre-processor failed")
			o.observeResult(ResultFailed)
			return res
		}
		pc.merge(res)
		if res.ShouldContinue {
			continue
		}
		if res.Response == nil {
			o.logger.Debug("pipeline ended without reply", "stage", stage.Name(), "conversation_id", pc.ConversationID())
			o.observeResult(ResultSilent)
			return Result{Success: true, ShouldContinue: false, Metadata: pc.Metadata}
		}
		o.runPost(ctx, pc, true)
		o.observeResult(ResultEarlyReply)
		return Result{Success: true, ShouldContinue: false, Response: responseOrEmpty(pc), Metadata: pc.Metadata}
	}

	if pc.Event == nil {
		o.observeResult(ResultFailed)
		return Fail(ErrUnparsableInput)
	}

	res := o.runCore(ctx, pc)
	if !res.Success {
		err := res.Err
		if err == nil {
			err = errors.New("pipeline: core step failed")
		}
		o.logger.Error("core generation failed", "conversation_id", pc.ConversationID(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "core step failed")

		apology := o.apology
		pc.Response = &apology
		pc.SetMeta(MetaCoreFailed, true)
		o.runPost(ctx, pc, true)
		o.observeResult(ResultCoreFailed)
		return Result{Success: false, ShouldContinue: false, Response: pc.Response, Err: err, Metadata: pc.Metadata}
	}
	pc.merge(res)

	o.runPost(ctx, pc, false)
	o.observeResult(ResultCompleted)
	return Result{Success: true, ShouldContinue: true, Response: pc.Response, Metadata: pc.Metadata}
}

// runPost runs post-processors in order. Failures are logged and skipped.
// Finalization is detached from the caller's cancellation and deadline so a
// reply that goes out is also persisted.
func (o *Orchestrator) runPost(ctx context.Context, pc *Context, essentialOnly bool) {
	ctx = context.WithoutCancel(ctx)
	for _, stage := range o.post {
		if essentialOnly && !isEssential(stage) {
			continue
		}
		if !shouldRun(stage, pc) {
			o.observeStage(stage, "post", "skipped", 0)
			continue
		}
		res := o.run(ctx, "post", stage, pc)
		if !res.Success {
			o.logger.Warn("post-processor failed",
				"stage", stage.Name(),
				"conversation_id", pc.ConversationID(),
				"error", res.Err,
			)
			continue
		}
		pc.merge(res)
	}
}

func (o *Orchestrator) run(ctx context.Context, phase string, stage Stage, pc *Context) (res Result) {
	ctx, span := tracer.Start(ctx, "pipeline.stage."+stage.Name())
	span.SetAttributes(attribute.String("chatagent.phase", phase), attribute.Int("chatagent.priority", stage.Priority()))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Fail(fmt.Errorf("pipeline: stage %s panicked: %v", stage.Name(), r))
		}
		status := stageStatus(res)
		if !res.Success {
			span.SetStatus(codes.Error, status)
		}
		span.End()
		o.observeStage(stage, phase, status, time.Since(start).Seconds())
	}()
	return stage.Process(ctx, pc)
}

func (o *Orchestrator) runCore(ctx context.Context, pc *Context) (res Result) {
	ctx, span := tracer.Start(ctx, "pipeline.core")
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Fail(fmt.Errorf("pipeline: core step panicked: %v", r))
		}
		span.End()
		if o.metrics != nil {
			o.metrics.ObserveStage("core", "core", stageStatus(res), time.Since(start).Seconds())
		}
	}()
	return o.core.Generate(ctx, pc)
}

func (o *Orchestrator) observeStage(stage Stage, phase, status string, seconds float64) {
	if o.metrics != nil {
		o.metrics.ObserveStage(stage.Name(), phase, status, seconds)
	}
}

func (o *Orchestrator) observeResult(result string) {
	if o.metrics != nil {
		o.metrics.ObservePipelineResult(result)
	}
}

func stageStatus(res Result) string {
	switch {
	case !res.Success:
		return "failed"
	case !res.ShouldContinue:
		return "stopped"
	default:
		return "ok"
	}
}

func sortStages(stages []Stage) {
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Priority() < stages[j].Priority()
	})
}

func nonNil(stages []Stage) []Stage {
	out := make([]Stage, 0, len(stages))
	for _, s := range stages {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// responseOrEmpty keeps an early reply non-nil even if a post-processor
// cleared it.
func responseOrEmpty(pc *Context) *string {
	if pc.Response != nil {
		return pc.Response
	}
	empty := ""
	return &empty
}

func messageID(event *conversation.InboundEvent) string {
	if event == nil {
		return ""
	}
	return event.MessageID
}
