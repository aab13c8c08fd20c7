package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const homepageStatsKey = "homepage_stats"

// TTLs groups the lifetimes of the derived-data caches. Entries are never
// authoritative and are always rebuildable from the database.
type TTLs struct {
	Slots   time.Duration
	Stats   time.Duration
	Home    time.Duration
	Profile time.Duration
	Marker  time.Duration
}

type Cache struct {
	client *redis.Client
	ttls   TTLs
}

func New(client *redis.Client, ttls TTLs) *Cache {
	return &Cache{client: client, ttls: ttls}
}

func slotsKey(doctorID uuid.UUID, date string) string {
	return fmt.Sprintf("slots:%s:%s", doctorID.String(), date)
}

func statsKey(userID uuid.UUID) string {
	return fmt.Sprintf("user_appointment_stats:%s", userID.String())
}

func profileKey(userID uuid.UUID) string {
	return fmt.Sprintf("user_profile:%s", userID.String())
}

// GetBookedSlots returns the cached set of booked time slots for a
// (doctor, date) pair. The second return reports a cache hit.
func (c *Cache) GetBookedSlots(ctx context.Context, doctorID uuid.UUID, date string) ([]string, bool, error) {
	raw, err := c.client.Get(ctx, slotsKey(doctorID, date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get booked slots: %w", err)
	}

	var slots []string
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil, false, fmt.Errorf("decode booked slots: %w", err)
	}
	return slots, true, nil
}

func (c *Cache) SetBookedSlots(ctx context.Context, doctorID uuid.UUID, date string, slots []string) error {
	raw, err := json.Marshal(slots)
	if err != nil {
		return fmt.Errorf("encode booked slots: %w", err)
	}
	if err := c.client.Set(ctx, slotsKey(doctorID, date), raw, c.ttls.Slots).Err(); err != nil {
		return fmt.Errorf("set booked slots: %w", err)
	}
	return nil
}

// InvalidateAppointment drops every cache key derived from an appointment:
// the slot set for its (doctor, date), the owner's stats and profile, and
// the homepage aggregate. Called synchronously on the write path before the
// request completes, never from a background job.
func (c *Cache) InvalidateAppointment(ctx context.Context, doctorID uuid.UUID, date string, userID uuid.UUID) error {
	keys := []string{
		slotsKey(doctorID, date),
		statsKey(userID),
		profileKey(userID),
		homepageStatsKey,
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate appointment caches: %w", err)
	}
	return nil
}

// GetJSON is a read-through helper for derived stats. Returns false on miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) UserStatsKey(userID uuid.UUID) string   { return statsKey(userID) }
func (c *Cache) UserProfileKey(userID uuid.UUID) string { return profileKey(userID) }
func (c *Cache) HomepageStatsKey() string               { return homepageStatsKey }

func (c *Cache) StatsTTL() time.Duration   { return c.ttls.Stats }
func (c *Cache) ProfileTTL() time.Duration { return c.ttls.Profile }
func (c *Cache) HomeTTL() time.Duration    { return c.ttls.Home }

// Seen reports whether the idempotency marker for key is present. Markers
// make side-effecting jobs idempotent-effort under at-least-once delivery,
// not guaranteed-once: an evicted marker admits a duplicate send.
func (c *Cache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check marker %s: %w", key, err)
	}
	return n > 0, nil
}

// Mark records that the side effect behind key completed.
func (c *Cache) Mark(ctx context.Context, key string) error {
	if err := c.client.Set(ctx, key, "1", c.ttls.Marker).Err(); err != nil {
		return fmt.Errorf("set marker %s: %w", key, err)
	}
	return nil
}
