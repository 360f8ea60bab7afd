package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisHistoryAppendAndLoad(t *testing.T) {
	mr, client := setupTestRedis(t)
	h := NewRedisHistory(client, time.Hour, 3)
	ctx := context.Background()

	require.NoError(t, h.Append(ctx, "conv-1",
		ChatMessage{Role: ChatRoleUser, Content: "oi"},
		ChatMessage{Role: ChatRoleAssistant, Content: "olá!"},
	))
	require.NoError(t, h.Append(ctx, "conv-1",
		ChatMessage{Role: ChatRoleUser, Content: "quanto custa?"},
		ChatMessage{Role: ChatRoleAssistant, Content: "depende do plano"},
	))

	all, err := h.Load(ctx, "conv-1", 0)
	require.NoError(t, err)
	want := []ChatMessage{
		{Role: ChatRoleAssistant, Content: "olá!"},
		{Role: ChatRoleUser, Content: "quanto custa?"},
		{Role: ChatRoleAssistant, Content: "depende do plano"},
	}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("capped history mismatch (-want +got):\n%s", diff)
	}

	last, err := h.Load(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, ChatRoleAssistant, last[0].Role)

	assert.Equal(t, time.Hour, mr.TTL("history:conv-1"))
}

func TestRedisHistoryUnknownConversation(t *testing.T) {
	_, client := setupTestRedis(t)
	msgs, err := NewRedisHistory(client, 0, 0).Load(context.Background(), "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisHistoryPropagatesErrors(t *testing.T) {
	mr, client := setupTestRedis(t)
	h := NewRedisHistory(client, time.Hour, 10)
	mr.SetError("LOADING")

	err := h.Append(context.Background(), "conv-1", ChatMessage{Role: ChatRoleUser, Content: "oi"})
	assert.Error(t, err)
	_, err = h.Load(context.Background(), "conv-1", 5)
	assert.Error(t, err)
}

func TestMemoryHistoryLimit(t *testing.T) {
	h := NewMemoryHistory()
	ctx := context.Background()
	for _, c := range []string{"a", "b", "c"} {
		require.NoError(t, h.Append(ctx, "conv", ChatMessage{Role: ChatRoleUser, Content: c}))
	}
	msgs, err := h.Load(ctx, "conv", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Content)

	msgs[0].Content = "mutated"
	again, _ := h.Load(ctx, "conv", 0)
	assert.Equal(t, "a", again[0].Content)
}
