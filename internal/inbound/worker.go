package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/internal/pipeline"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// Processor runs one inbound event. pipeline.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, event *conversation.InboundEvent) pipeline.Result
}

// Observer counts processed runs by status.
type Observer interface {
	ObserveInbound(status string)
}

// Run statuses reported to the Observer and stored as the run result.
const (
	StatusReplied   = "replied"
	StatusSilent    = "silent"
	StatusFailed    = "failed"
	StatusUndecoded = "undecoded"
)

const (
	defaultWorkerCount  = 2
	defaultWaitSeconds  = 2
	defaultBatchSize    = 5
	maxWaitSeconds      = 20
	maxReceiveBatchSize = 10
	deleteTimeout       = 5 * time.Second
	defaultRunTimeout   = 2 * time.Minute
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	runTimeout       time.Duration
	metrics          Observer
}

// WorkerOption customizes a Worker.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithRunTimeout bounds the part of a run before post-processing.
func WithRunTimeout(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.runTimeout = d
		}
	}
}

func WithObserver(o Observer) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.metrics = o
	}
}

// Worker drains the queue with a fixed pool of goroutines, each owning one
// pipeline run at a time.
type Worker struct {
	processor Processor
	queue     Queue
	runs      RunUpdater
	logger    *logging.Logger
	cfg       workerConfig
	wg        sync.WaitGroup
}

func NewWorker(processor Processor, queue Queue, runs RunUpdater, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("inbound: processor cannot be nil")
	}
	if queue == nil {
		panic("inbound: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		runTimeout:       defaultRunTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{processor: processor, queue: queue, runs: runs, logger: logger, cfg: cfg}
}

// Start launches the worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until every worker goroutine exits.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("inbound worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("inbound worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive inbound events", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

// handleMessage processes and deletes one message. Failed runs are not
// redelivered: a core failure has already sent the apology.
func (w *Worker) handleMessage(ctx context.Context, msg Message) {
	defer w.deleteMessage(context.WithoutCancel(ctx), msg.ReceiptHandle)

	var p payload
	if err := json.Unmarshal([]byte(msg.Body), &p); err != nil {
		w.logger.Error("failed to decode inbound event", "error", err, "msg_id", msg.ID)
		w.observe(StatusUndecoded)
		return
	}

	// Shutdown lets an in-flight run finish. The deadline bounds the pre
	// chain and generation; the orchestrator detaches post-processing.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.runTimeout)
	defer cancel()

	event := p.Event
	res := w.processor.Process(runCtx, &event)
	status := runStatus(res)
	w.observe(status)

	conversationID, _ := res.Metadata[pipeline.MetaConversationID].(string)
	if !res.Success {
		errMsg := "pipeline failed"
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		w.logger.Error("inbound run failed", "run_id", p.RunID, "sender_id", event.SenderID, "error", errMsg)
		if p.RunID != "" && w.runs != nil {
			if err := w.runs.MarkFailed(context.WithoutCancel(ctx), p.RunID, errMsg); err != nil {
				w.logger.Warn("failed to update run", "run_id", p.RunID, "error", err)
			}
		}
		return
	}

	w.logger.Debug("inbound run processed", "run_id", p.RunID, "status", status, "queued_for", time.Since(p.EnqueuedAt))
	if p.RunID != "" && w.runs != nil {
		if err := w.runs.MarkCompleted(context.WithoutCancel(ctx), p.RunID, conversationID, status); err != nil {
			w.logger.Warn("failed to update run", "run_id", p.RunID, "error", err)
		}
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete inbound event", "error", err)
	}
}

func (w *Worker) observe(status string) {
	if w.cfg.metrics != nil {
		w.cfg.metrics.ObserveInbound(status)
	}
}

func runStatus(res pipeline.Result) string {
	switch {
	case !res.Success:
		return StatusFailed
	case res.Response == nil || *res.Response == "":
		return StatusSilent
	default:
		return StatusReplied
	}
}
