package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/hostelpay/config"
	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisCache keeps the resumable PaymentAttempt of each booking and flow
// variant, and the short lock that serializes flow starts per booking.
type RedisCache struct {
	client     redis.Cmdable
	attemptTTL time.Duration
}

func NewRedisCache(cfg config.RedisConfig, attemptTTL time.Duration) *RedisCache {
	return NewRedisCacheWithClient(
		redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		attemptTTL,
	)
}

func NewRedisCacheWithClient(client redis.Cmdable, attemptTTL time.Duration) *RedisCache {
	return &RedisCache{client: client, attemptTTL: attemptTTL}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetAttempt returns nil, nil when nothing is cached for the booking+variant.
func (c *RedisCache) GetAttempt(ctx context.Context, bookingID string, flow domain.FlowVariant) (*domain.PaymentAttempt, error) {
	data, err := c.client.Get(ctx, attemptKey(bookingID, flow)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var attempt domain.PaymentAttempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// SaveAttempt overwrites any attempt cached for the same booking+variant.
func (c *RedisCache) SaveAttempt(ctx context.Context, attempt domain.PaymentAttempt) error {
	payload, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, attemptKey(attempt.BookingID, attempt.FlowVariant), payload, c.attemptTTL).Err()
}

func (c *RedisCache) DeleteAttempt(ctx context.Context, bookingID string, flow domain.FlowVariant) error {
	return c.client.Del(ctx, attemptKey(bookingID, flow)).Err()
}

// releaseLock deletes the lock only while it still holds the caller's token.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireFlowLock returns the owner token of a newly taken lock, or false when
// another request holds it.
func (c *RedisCache) AcquireFlowLock(ctx context.Context, bookingID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, flowLockKey(bookingID), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseFlowLock is a no-op once the lock expired and was taken by someone else.
func (c *RedisCache) ReleaseFlowLock(ctx context.Context, bookingID, token string) error {
	return releaseLock.Run(ctx, c.client, []string{flowLockKey(bookingID)}, token).Err()
}

func attemptKey(bookingID string, flow domain.FlowVariant) string {
	return fmt.Sprintf("cache:payment_attempt:%s:%s", bookingID, flow)
}

func flowLockKey(bookingID string) string {
	return fmt.Sprintf("lock:booking:%s:payment_flow", bookingID)
}
