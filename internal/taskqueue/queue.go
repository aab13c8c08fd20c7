package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Lanes route jobs so a slow external dependency in one lane cannot starve
// the other.
const (
	LaneEmail    = "email"
	LaneCalendar = "calendar"
)

// Task is the unit of background work. Args carry business keys only (ids,
// strings), never serialized objects: the handler reloads authoritative
// state by id because it runs in a different process than the enqueuer.
type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Args       []string  `json:"args"`
	Lane       string    `json:"lane"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// raw holds the exact bytes stored on the processing list, so Ack can
	// remove the entry without depending on re-encoding stability.
	raw []byte
}

func readyKey(lane string) string     { return "taskq:" + lane }
func scheduledKey(lane string) string { return "taskq:" + lane + ":scheduled" }
func procKey(lane string) string      { return "taskq:" + lane + ":processing" }
func deadKey(lane string) string      { return "taskq:" + lane + ":dead" }

// Queue is a durable Redis-backed job queue: a ready list per lane, a
// sorted set for delayed/retried tasks scored by run time, a processing
// list for in-flight tasks, and a dead list for tasks that exhausted their
// retries.
type Queue struct {
	client *redis.Client
	log    zerolog.Logger
}

func New(client *redis.Client, log zerolog.Logger) *Queue {
	return &Queue{client: client, log: log}
}

// Enqueue pushes a task onto its lane's ready list.
func (q *Queue) Enqueue(ctx context.Context, name, lane string, args ...string) (string, error) {
	return q.push(ctx, Task{Name: name, Lane: lane, Args: args}, 0)
}

// EnqueueIn schedules a task to become ready after countdown.
func (q *Queue) EnqueueIn(ctx context.Context, countdown time.Duration, name, lane string, args ...string) (string, error) {
	return q.push(ctx, Task{Name: name, Lane: lane, Args: args}, countdown)
}

func (q *Queue) push(ctx context.Context, t Task, countdown time.Duration) (string, error) {
	if t.ID == "" {
		t.ID = uuid.Must(uuid.NewV7()).String()
	}
	t.EnqueuedAt = time.Now()

	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", t.Name, err)
	}

	if countdown > 0 {
		score := float64(time.Now().Add(countdown).UnixMilli())
		if err := q.client.ZAdd(ctx, scheduledKey(t.Lane), redis.Z{Score: score, Member: raw}).Err(); err != nil {
			return "", fmt.Errorf("schedule task %s: %w", t.Name, err)
		}
		return t.ID, nil
	}

	if err := q.client.LPush(ctx, readyKey(t.Lane), raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", t.Name, err)
	}
	return t.ID, nil
}

var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, v in ipairs(due) do
  redis.call("ZREM", KEYS[1], v)
  redis.call("LPUSH", KEYS[2], v)
end
return #due
`)

// PromoteDue atomically moves scheduled tasks whose run time has arrived
// onto the ready list.
func (q *Queue) PromoteDue(ctx context.Context, lane string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client, []string{scheduledKey(lane), readyKey(lane)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("promote due tasks: %w", err)
	}
	return n, nil
}

// Dequeue blocks up to timeout for a ready task, moving it to the
// processing list so a crashed worker cannot silently drop it.
func (q *Queue) Dequeue(ctx context.Context, lane string, timeout time.Duration) (*Task, error) {
	raw, err := q.client.BLMove(ctx, readyKey(lane), procKey(lane), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", lane, err)
	}

	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// Undecodable payloads go straight to the dead list.
		q.client.LRem(ctx, procKey(lane), 1, raw)
		q.client.LPush(ctx, deadKey(lane), raw)
		return nil, fmt.Errorf("decode task from %s: %w", lane, err)
	}
	t.raw = []byte(raw)
	return &t, nil
}

// Ack removes a completed task from the processing list.
func (q *Queue) Ack(ctx context.Context, t *Task) error {
	if t.raw == nil {
		return nil
	}
	return q.client.LRem(ctx, procKey(t.Lane), 1, t.raw).Err()
}

// Retry re-schedules a failed task with an incremented attempt counter.
func (q *Queue) Retry(ctx context.Context, t *Task, delay time.Duration) error {
	if err := q.Ack(ctx, t); err != nil {
		q.log.Warn().Err(err).Str("task", t.Name).Msg("failed to ack before retry")
	}
	retried := *t
	retried.Attempt++
	_, err := q.push(ctx, retried, delay)
	return err
}

// Bury moves a task that exhausted its retries to the dead list. Dead tasks
// are kept for operator inspection only; nothing replays them.
func (q *Queue) Bury(ctx context.Context, t *Task) error {
	if err := q.Ack(ctx, t); err != nil {
		q.log.Warn().Err(err).Str("task", t.Name).Msg("failed to ack before bury")
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, deadKey(t.Lane), raw).Err(); err != nil {
		return fmt.Errorf("bury task %s: %w", t.Name, err)
	}
	return nil
}

// RecoverProcessing re-queues tasks stranded on the processing list by a
// previous worker crash. Redelivery may duplicate execution; handlers are
// idempotent for exactly this reason.
func (q *Queue) RecoverProcessing(ctx context.Context, lane string) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, procKey(lane), readyKey(lane)).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover processing tasks: %w", err)
		}
		n++
	}
}

// PruneDead trims the dead list down to keep entries.
func (q *Queue) PruneDead(ctx context.Context, lane string, keep int64) error {
	if err := q.client.LTrim(ctx, deadKey(lane), 0, keep-1).Err(); err != nil {
		return fmt.Errorf("prune dead list: %w", err)
	}
	return nil
}

// DeadCount reports the dead list length, for health and tests.
func (q *Queue) DeadCount(ctx context.Context, lane string) (int64, error) {
	return q.client.LLen(ctx, deadKey(lane)).Result()
}
