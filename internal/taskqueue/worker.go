package taskqueue

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oroshine/clinic-booking/internal/metrics"
)

// Result codes returned by job handlers. A handler returning an error is
// retried; any Result without an error is terminal.
type Result string

const (
	ResultSent     Result = "sent"
	ResultSkipped  Result = "skipped"
	ResultNotFound Result = "not_found"
)

// HandlerFunc executes one task. Handlers must be idempotent: redelivery
// can duplicate dispatch, and the retry path re-runs the same arguments.
type HandlerFunc func(ctx context.Context, t Task) (Result, error)

// RetryPolicy bounds and paces re-execution of failing tasks.
type RetryPolicy struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
}

// FixedDelay retries after the same delay every time.
func FixedDelay(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles the base delay per attempt and adds up to 50%
// jitter so retries from simultaneous failures spread out.
func ExponentialBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << uint(attempt)
		jitter := time.Duration(rand.Int64N(int64(d) / 2))
		return d + jitter
	}
}

// Worker runs a pool of goroutines consuming one lane. A promoter goroutine
// moves due scheduled tasks onto the ready list.
type Worker struct {
	queue    *Queue
	lane     string
	count    int
	policy   RetryPolicy
	log      zerolog.Logger
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewWorker(queue *Queue, lane string, count int, policy RetryPolicy, log zerolog.Logger) *Worker {
	return &Worker{
		queue:    queue,
		lane:     lane,
		count:    count,
		policy:   policy,
		log:      log.With().Str("lane", lane).Logger(),
		handlers: make(map[string]HandlerFunc),
	}
}

func (w *Worker) Register(name string, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

func (w *Worker) handler(name string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

// Run blocks until ctx is cancelled. Tasks stranded in-flight by a previous
// crash are re-queued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.queue.RecoverProcessing(ctx, w.lane); err != nil {
		w.log.Error().Err(err).Msg("failed to recover in-flight tasks")
	} else if n > 0 {
		w.log.Info().Int("count", n).Msg("re-queued in-flight tasks from previous run")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promoteLoop(ctx)
	}()

	for i := 0; i < w.count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consumeLoop(ctx, id)
		}(i)
	}

	wg.Wait()
	w.log.Info().Msg("worker stopped")
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDue(ctx, w.lane); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("promote due tasks failed")
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context, id int) {
	w.log.Debug().Int("worker", id).Msg("worker started")

	for {
		if ctx.Err() != nil {
			return
		}

		t, err := w.queue.Dequeue(ctx, w.lane, 2*time.Second)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error().Err(err).Msg("dequeue failed")
			}
			continue
		}
		if t == nil {
			continue
		}

		w.process(ctx, t)
	}
}

func (w *Worker) process(ctx context.Context, t *Task) {
	log := w.log.With().Str("task", t.Name).Str("task_id", t.ID).Int("attempt", t.Attempt).Logger()

	h, ok := w.handler(t.Name)
	if !ok {
		log.Error().Msg("no handler registered, burying task")
		_ = w.queue.Bury(ctx, t)
		metrics.TaskRuns.WithLabelValues(t.Name, "failed").Inc()
		return
	}

	start := time.Now()
	result, err := h(ctx, *t)
	metrics.TaskDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.TaskRuns.WithLabelValues(t.Name, string(result)).Inc()
		log.Info().Str("result", string(result)).Msg("task completed")
		if ackErr := w.queue.Ack(ctx, t); ackErr != nil {
			log.Warn().Err(ackErr).Msg("ack failed")
		}
		return
	}

	// Transient failure: retry with backoff until attempts run out, then
	// drop to the dead list. Failures never propagate to the original
	// requester.
	if t.Attempt+1 >= w.policy.MaxAttempts {
		log.Error().Err(err).Msg("task exhausted retries, burying")
		metrics.TaskRuns.WithLabelValues(t.Name, "failed").Inc()
		if buryErr := w.queue.Bury(ctx, t); buryErr != nil {
			log.Error().Err(buryErr).Msg("bury failed")
		}
		return
	}

	delay := w.policy.Delay(t.Attempt)
	log.Warn().Err(err).Dur("retry_in", delay).Msg("task failed, scheduling retry")
	metrics.TaskRuns.WithLabelValues(t.Name, "retried").Inc()
	if retryErr := w.queue.Retry(ctx, t, delay); retryErr != nil {
		log.Error().Err(retryErr).Msg("retry scheduling failed")
	}
}
