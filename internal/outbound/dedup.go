package outbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Reserver claims a dedup key for the lifetime of one logical send.
type Reserver interface {
	// Reserve returns a token when the key was free.
	Reserve(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release frees the key only if it still holds token.
	Release(ctx context.Context, key, token string) error
}

// DedupKey derives the reservation key from recipient, normalized content and
// the time bucket that now falls in.
func DedupKey(recipient, text string, bucket time.Duration, now time.Time) string {
	if bucket <= 0 {
		bucket = 10 * time.Minute
	}
	slot := now.UTC().Truncate(bucket).Unix()
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", strings.TrimSpace(recipient), fingerprint(text), slot)
	return "dedup:" + hex.EncodeToString(h.Sum(nil))
}

func fingerprint(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisReserver implements Reserver with SET NX PX.
type RedisReserver struct {
	client redis.Cmdable
}

func NewRedisReserver(client redis.Cmdable) *RedisReserver {
	return &RedisReserver{client: client}
}

func (r *RedisReserver) Reserve(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("outbound: reserve %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *RedisReserver) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("outbound: release %s: %w", key, err)
	}
	return nil
}
