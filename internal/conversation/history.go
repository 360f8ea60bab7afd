package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var historyTracer = otel.Tracer("chatagent.internal.conversation.history")

// HistoryStore keeps the recent turns used as generation context.
type HistoryStore interface {
	Append(ctx context.Context, conversationID string, msgs ...ChatMessage) error
	Load(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error)
}

// RedisHistory stores turns in a capped Redis list per conversation.
type RedisHistory struct {
	client redis.Cmdable
	ttl    time.Duration
	max    int64
}

func NewRedisHistory(client redis.Cmdable, ttl time.Duration, max int) *RedisHistory {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if max <= 0 {
		max = 50
	}
	return &RedisHistory{client: client, ttl: ttl, max: int64(max)}
}

func (h *RedisHistory) Append(ctx context.Context, conversationID string, msgs ...ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	ctx, span := historyTracer.Start(ctx, "conversation.history.append")
	defer span.End()

	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("conversation: failed to marshal history: %w", err)
		}
		values = append(values, b)
	}
	key := historyKey(conversationID)
	_, err := h.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, values...)
		p.LTrim(ctx, key, -h.max, -1)
		p.Expire(ctx, key, h.ttl)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to persist history: %w", err)
	}
	return nil
}

// Load returns up to limit most recent turns, oldest first. An unknown
// conversation has no history.
func (h *RedisHistory) Load(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error) {
	ctx, span := historyTracer.Start(ctx, "conversation.history.load")
	defer span.End()

	if limit <= 0 {
		limit = int(h.max)
	}
	raw, err := h.client.LRange(ctx, historyKey(conversationID), -int64(limit), -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("conversation: failed to load history: %w", err)
	}
	out := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		var m ChatMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("conversation: failed to decode history: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func historyKey(id string) string {
	return fmt.Sprintf("history:%s", id)
}

// MemoryHistory is an in-process HistoryStore.
type MemoryHistory struct {
	mu    sync.Mutex
	turns map[string][]ChatMessage
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{turns: make(map[string][]ChatMessage)}
}

func (m *MemoryHistory) Append(_ context.Context, conversationID string, msgs ...ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[conversationID] = append(m.turns[conversationID], msgs...)
	return nil
}

func (m *MemoryHistory) Load(_ context.Context, conversationID string, limit int) ([]ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.turns[conversationID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]ChatMessage(nil), turns...), nil
}
