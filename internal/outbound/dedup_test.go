package outbound

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
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

func TestDedupKeyNormalizesContentAndBuckets(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 3, 0, 0, time.UTC)
	a := DedupKey("5511", "Olá,  tudo bem?", 10*time.Minute, now)
	b := DedupKey("5511", "  olá, tudo BEM? ", 10*time.Minute, now.Add(5*time.Minute))
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, DedupKey("5511", "Olá, tudo bem?", 10*time.Minute, now.Add(10*time.Minute)))
	assert.NotEqual(t, a, DedupKey("5512", "Olá, tudo bem?", 10*time.Minute, now))
	assert.NotEqual(t, a, DedupKey("5511", "Olá!", 10*time.Minute, now))
	assert.Contains(t, a, "dedup:")
}

func TestRedisReserverReserveAndRelease(t *testing.T) {
	mr, client := setupTestRedis(t)
	r := NewRedisReserver(client)
	ctx := context.Background()

	token, ok, err := r.Reserve(ctx, "dedup:k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)
	assert.Equal(t, time.Minute, mr.TTL("dedup:k"))

	_, ok, err = r.Reserve(ctx, "dedup:k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Release(ctx, "dedup:k", "someone-else"))
	assert.True(t, mr.Exists("dedup:k"), "foreign token must not release")

	require.NoError(t, r.Release(ctx, "dedup:k", token))
	assert.False(t, mr.Exists("dedup:k"))

	_, ok, err = r.Reserve(ctx, "dedup:k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisReserverExpires(t *testing.T) {
	mr, client := setupTestRedis(t)
	r := NewRedisReserver(client)
	ctx := context.Background()

	_, ok, err := r.Reserve(ctx, "dedup:ttl", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = r.Reserve(ctx, "dedup:ttl", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisReserverConcurrentClaimsWinOnce(t *testing.T) {
	_, client := setupTestRedis(t)
	r := NewRedisReserver(client)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := r.Reserve(context.Background(), "dedup:race", time.Minute)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRedisReserverUnavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	mr.SetError("LOADING")
	_, ok, err := NewRedisReserver(client).Reserve(context.Background(), "dedup:x", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
