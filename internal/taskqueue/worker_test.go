package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDelay(t *testing.T) {
	d := FixedDelay(10 * time.Second)
	assert.Equal(t, 10*time.Second, d(0))
	assert.Equal(t, 10*time.Second, d(5))
}

func TestExponentialBackoffGrowsWithJitter(t *testing.T) {
	d := ExponentialBackoff(time.Minute)

	for attempt := 0; attempt < 3; attempt++ {
		base := time.Minute << uint(attempt)
		got := d(attempt)
		assert.GreaterOrEqual(t, got, base)
		assert.Less(t, got, base+base/2)
	}
}

func TestProcessSuccessAcks(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	w := NewWorker(q, LaneEmail, 1, RetryPolicy{MaxAttempts: 3, Delay: FixedDelay(time.Millisecond)}, zerolog.Nop())

	var calls int32
	w.Register("appointment.email", func(ctx context.Context, task Task) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return ResultSent, nil
	})

	_, err := q.Enqueue(ctx, "appointment.email", LaneEmail, "abc")
	require.NoError(t, err)

	task, err := q.Dequeue(ctx, LaneEmail, 100*time.Millisecond)
	require.NoError(t, err)
	w.process(ctx, task)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	n, err := client.LLen(ctx, procKey(LaneEmail)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestProcessRetriesThenBuries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	w := NewWorker(q, LaneEmail, 1, RetryPolicy{MaxAttempts: 3, Delay: FixedDelay(time.Millisecond)}, zerolog.Nop())
	w.Register("appointment.email", func(ctx context.Context, task Task) (Result, error) {
		return "", errors.New("smtp unavailable")
	})

	_, err := q.Enqueue(ctx, "appointment.email", LaneEmail, "abc")
	require.NoError(t, err)

	for attempt := 0; attempt < 3; attempt++ {
		time.Sleep(5 * time.Millisecond)
		_, err := q.PromoteDue(ctx, LaneEmail)
		require.NoError(t, err)

		task, err := q.Dequeue(ctx, LaneEmail, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d should be dequeued", attempt)
		assert.Equal(t, attempt, task.Attempt)

		w.process(ctx, task)
	}

	dead, err := q.DeadCount(ctx, LaneEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dead)

	// Nothing scheduled for a fourth attempt.
	time.Sleep(5 * time.Millisecond)
	_, err = q.PromoteDue(ctx, LaneEmail)
	require.NoError(t, err)
	task, err := q.Dequeue(ctx, LaneEmail, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestProcessUnknownHandlerBuries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	w := NewWorker(q, LaneEmail, 1, RetryPolicy{MaxAttempts: 3, Delay: FixedDelay(time.Millisecond)}, zerolog.Nop())

	_, err := q.Enqueue(ctx, "appointment.unknown", LaneEmail, "abc")
	require.NoError(t, err)

	task, err := q.Dequeue(ctx, LaneEmail, 100*time.Millisecond)
	require.NoError(t, err)
	w.process(ctx, task)

	dead, err := q.DeadCount(ctx, LaneEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dead)
}

func TestHandlerResultWithoutErrorIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	w := NewWorker(q, LaneEmail, 1, RetryPolicy{MaxAttempts: 3, Delay: FixedDelay(time.Millisecond)}, zerolog.Nop())
	w.Register("appointment.email", func(ctx context.Context, task Task) (Result, error) {
		return ResultNotFound, nil
	})

	_, err := q.Enqueue(ctx, "appointment.email", LaneEmail, "gone")
	require.NoError(t, err)

	task, err := q.Dequeue(ctx, LaneEmail, 100*time.Millisecond)
	require.NoError(t, err)
	w.process(ctx, task)

	// not_found does not retry and does not bury.
	dead, err := q.DeadCount(ctx, LaneEmail)
	require.NoError(t, err)
	assert.EqualValues(t, 0, dead)

	time.Sleep(5 * time.Millisecond)
	_, err = q.PromoteDue(ctx, LaneEmail)
	require.NoError(t, err)
	next, err := q.Dequeue(ctx, LaneEmail, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, next)
}
