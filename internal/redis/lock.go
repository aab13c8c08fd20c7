package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("slot lock not acquired")
)

// Locker guards the critical section of a booking attempt per
// (doctor, date, time) slot. The lock is advisory: it exists to fail fast
// under contention before opening a database transaction, and the row-level
// lock inside the transaction remains the authoritative guard.
type Locker interface {
	Acquire(ctx context.Context, doctorID uuid.UUID, date, timeSlot string) (token string, err error)
	Release(ctx context.Context, doctorID uuid.UUID, date, timeSlot, token string) error
	WithSlotLock(ctx context.Context, doctorID uuid.UUID, date, timeSlot string, fn func(ctx context.Context) error) error
}

type redisSlotLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSlotLocker creates a locker that uses a per slot Redis key with
// a TTL bounding worst-case unavailability if a holder crashes.
func NewRedisSlotLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisSlotLocker{
		client: client,
		ttl:    ttl,
	}
}

func slotKey(doctorID uuid.UUID, date, timeSlot string) string {
	return fmt.Sprintf("lock:slot:%s:%s:%s", doctorID.String(), date, timeSlot)
}

// Acquire is a single atomic set-if-absent with TTL. If another holder owns
// the key the acquisition fails immediately, there is no blocking or retry.
// The returned token is unique per attempt so release can be a safe
// compare-and-delete.
func (l *redisSlotLocker) Acquire(ctx context.Context, doctorID uuid.UUID, date, timeSlot string) (string, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, slotKey(doctorID, date, timeSlot), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire slot lock: %w", err)
	}
	if !ok {
		return "", ErrLockNotAcquired
	}

	return token, nil
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Release deletes the lock only if the stored token still matches. A slow
// holder whose TTL already expired can therefore never delete a lock that a
// later booker acquired in the meantime.
func (l *redisSlotLocker) Release(ctx context.Context, doctorID uuid.UUID, date, timeSlot, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{slotKey(doctorID, date, timeSlot)}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}

// WithSlotLock runs fn while holding the slot lock and releases it on all
// exit paths. fn runs under a context bounded by the lock TTL.
func (l *redisSlotLocker) WithSlotLock(ctx context.Context, doctorID uuid.UUID, date, timeSlot string, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, doctorID, date, timeSlot)
	if err != nil {
		return err
	}

	defer func() {
		_ = l.Release(ctx, doctorID, date, timeSlot, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}
