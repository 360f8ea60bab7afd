package modes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrConflict is returned when an optimistic update lost too many races.
var ErrConflict = errors.New("modes: concurrent update conflict")

// Store persists mode snapshots. Update must apply fn atomically with respect
// to other updates of the same conversation.
type Store interface {
	Get(ctx context.Context, conversationID string) (Info, error)
	Update(ctx context.Context, conversationID string, fn func(*Info) error) (Info, error)
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Info
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Info)}
}

func (s *MemoryStore) Get(_ context.Context, conversationID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.items[conversationID]; ok {
		return info, nil
	}
	return DefaultInfo(), nil
}

func (s *MemoryStore) Update(_ context.Context, conversationID string, fn func(*Info) error) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.items[conversationID]
	if !ok {
		info = DefaultInfo()
	}
	if err := fn(&info); err != nil {
		return Info{}, err
	}
	s.items[conversationID] = info
	return info, nil
}

type watchClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
}

// RedisStore keeps snapshots as JSON and updates them in WATCH/MULTI transactions.
type RedisStore struct {
	client     watchClient
	ttl        time.Duration
	maxRetries int
}

// NewRedisStore creates a store whose keys expire ttl after their last update.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if client == nil {
		panic("modes: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, maxRetries: 5}
}

func (s *RedisStore) key(conversationID string) string {
	return fmt.Sprintf("mode:%s", conversationID)
}

func (s *RedisStore) Get(ctx context.Context, conversationID string) (Info, error) {
	raw, err := s.client.Get(ctx, s.key(conversationID)).Bytes()
	return decodeInfo(raw, err)
}

func (s *RedisStore) Update(ctx context.Context, conversationID string, fn func(*Info) error) (Info, error) {
	key := s.key(conversationID)
	var result Info
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		info, err := decodeInfo(raw, err)
		if err != nil {
			return err
		}
		if err := fn(&info); err != nil {
			return err
		}
		payload, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("modes: encode info: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err == nil {
			result = info
		}
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Info{}, err
	}
	return Info{}, ErrConflict
}

func decodeInfo(raw []byte, err error) (Info, error) {
	if errors.Is(err, redis.Nil) {
		return DefaultInfo(), nil
	}
	if err != nil {
		return Info{}, fmt.Errorf("modes: load info: %w", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("modes: decode info: %w", err)
	}
	if !info.Mode.Valid() {
		info.Mode = Discovery
	}
	return info, nil
}
