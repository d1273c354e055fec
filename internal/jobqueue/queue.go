// Package jobqueue dispatches durable background work. Jobs are rows in the
// store, so a process crash loses no work: claims are conditional updates,
// delivery is at-least-once, and handlers are idempotent.
package jobqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gpuforge/gpu-broker/internal/models"
	"github.com/gpuforge/gpu-broker/internal/store"
)

// Handler processes one job. A non-nil error triggers a queue-level retry
// with exponential backoff until MaxAttempts, then the job goes DEAD.
type Handler func(ctx context.Context, job models.Job) error

type Options struct {
	PollInterval time.Duration
	Workers      int
	MaxAttempts  int
	// BaseBackoff is the delay before the first retry; it doubles per
	// attempt, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// StaleAfter bounds how long a RUNNING claim survives a crashed
	// worker before startup recovery requeues it.
	StaleAfter time.Duration
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Minute
	}
}

type Queue struct {
	store store.Store
	log   *zap.Logger
	opts  Options

	mu       sync.RWMutex
	handlers map[models.JobKind]Handler
}

func New(st store.Store, log *zap.Logger, opts Options) *Queue {
	opts.withDefaults()
	return &Queue{
		store:    st,
		log:      log,
		opts:     opts,
		handlers: make(map[models.JobKind]Handler),
	}
}

func (q *Queue) Register(kind models.JobKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind models.JobKind) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Enqueue adds a job for the lease.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, leaseID string) error {
	return q.store.EnqueueJob(ctx, &models.Job{
		Kind:      kind,
		LeaseID:   leaseID,
		State:     models.JobStatePending,
		NextRunAt: time.Now(),
	})
}

// Run polls for due jobs and fans them out to a bounded worker pool until
// ctx is cancelled. It first requeues claims stranded by a previous crash.
func (q *Queue) Run(ctx context.Context) error {
	if n, err := q.store.RequeueStaleJobs(ctx, time.Now().Add(-q.opts.StaleAfter)); err != nil {
		q.log.Error("requeue stale jobs", zap.Error(err))
	} else if n > 0 {
		q.log.Info("requeued stale jobs from previous run", zap.Int("count", n))
	}

	jobs := make(chan models.Job)
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				q.process(ctx, job)
			}
		}()
	}

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			q.dispatchDue(ctx, jobs)
		}
	}
}

func (q *Queue) dispatchDue(ctx context.Context, jobs chan<- models.Job) {
	due, err := q.store.DueJobs(ctx, time.Now(), q.opts.Workers*2)
	if err != nil {
		q.log.Error("poll due jobs", zap.Error(err))
		return
	}
	for _, job := range due {
		claimed, err := q.store.ClaimJob(ctx, job.ID)
		if err != nil {
			q.log.Error("claim job", zap.Uint64("job", job.ID), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		select {
		case jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, job models.Job) {
	h, ok := q.handler(job.Kind)
	if !ok {
		q.log.Error("no handler registered for job kind",
			zap.String("kind", string(job.Kind)), zap.Uint64("job", job.ID))
		if err := q.store.KillJob(ctx, job.ID, "no handler for kind "+string(job.Kind)); err != nil {
			q.log.Error("kill job", zap.Uint64("job", job.ID), zap.Error(err))
		}
		return
	}

	err := h(ctx, job)
	if err == nil {
		if err := q.store.CompleteJob(ctx, job.ID); err != nil {
			q.log.Error("complete job", zap.Uint64("job", job.ID), zap.Error(err))
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= q.opts.MaxAttempts {
		q.log.Error("job exhausted retries, needs manual intervention",
			zap.Uint64("job", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.String("lease", job.LeaseID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		if kerr := q.store.KillJob(ctx, job.ID, err.Error()); kerr != nil {
			q.log.Error("kill job", zap.Uint64("job", job.ID), zap.Error(kerr))
		}
		return
	}

	delay := q.backoff(attempts)
	q.log.Warn("job failed, scheduling retry",
		zap.Uint64("job", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("lease", job.LeaseID),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	if rerr := q.store.RetryJob(ctx, job.ID, attempts, time.Now().Add(delay), err.Error()); rerr != nil {
		q.log.Error("retry job", zap.Uint64("job", job.ID), zap.Error(rerr))
	}
}

func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	if delay > q.opts.MaxBackoff {
		delay = q.opts.MaxBackoff
	}
	return delay
}
