// Package inbound moves normalized inbound events from the webhook to the
// pipeline: a queue (in-memory or SQS), a DynamoDB run ledger that suppresses
// redelivered webhooks, and the worker pool that drains the queue.
package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/chat-agent/internal/conversation"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// Queue is the transport between the webhook and the workers.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue entry.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type payload struct {
	RunID      string                    `json:"run_id"`
	Event      conversation.InboundEvent `json:"event"`
	EnqueuedAt time.Time                 `json:"enqueued_at"`
}

func encodePayload(p payload) (payload, string, error) {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return payload{}, "", fmt.Errorf("inbound: encode payload: %w", err)
	}
	return p, string(body), nil
}

// Publisher records a run in the ledger and enqueues the event.
type Publisher struct {
	queue  Queue
	runs   RunRecorder
	logger *logging.Logger
}

func NewPublisher(queue Queue, runs RunRecorder, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("inbound: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, runs: runs, logger: logger}
}

// Enqueue returns ErrRunExists when the message id was already accepted.
// Events without a message id skip the ledger.
func (p *Publisher) Enqueue(ctx context.Context, event conversation.InboundEvent) (string, error) {
	runID := event.MessageID
	if runID != "" && p.runs != nil {
		if err := p.runs.Begin(ctx, RunRecord{RunID: runID, SenderID: event.SenderID}); err != nil {
			return runID, err
		}
	}

	msg, body, err := encodePayload(payload{RunID: runID, Event: event})
	if err != nil {
		return "", err
	}
	if err := p.queue.Send(ctx, body); err != nil {
		if runID != "" && p.runs != nil {
			if markErr := p.runs.MarkFailed(ctx, runID, "enqueue: "+err.Error()); markErr != nil {
				p.logger.Warn("failed to mark run failed", "run_id", runID, "error", markErr)
			}
		}
		return "", fmt.Errorf("inbound: enqueue: %w", err)
	}
	p.logger.Debug("inbound event enqueued", "run_id", msg.RunID, "sender_id", event.SenderID)
	return msg.RunID, nil
}
