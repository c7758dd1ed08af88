// Package queue provides the in-process work queues feeding the sync
// workers. Jobs reference persisted messages only, so the queue can be
// rebuilt from the store after a restart; delivery is at-least-once and
// downstream processing is idempotent.
package queue

import (
	"container/heap"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bridgelink/syncengine/internal/syncengine/domain"
)

// Job is one unit of sync work referencing a persisted message.
type Job struct {
	MessageID     string
	Priority      domain.Priority
	AttemptCount  int
	NextAttemptAt time.Time
	EnqueuedAt    time.Time
}

// Config tunes a queue's retry policy.
type Config struct {
	Capacity    int
	MaxAttempts int
	BaseDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	return c
}

// Queue is a bounded priority queue with delayed redelivery. Dequeue is
// atomic: a popped job is owned by exactly one worker until it is
// acknowledged (dropped) or retried.
type Queue struct {
	mu           sync.Mutex
	cfg          Config
	pollInterval time.Duration
	ready        map[domain.Priority][]Job
	delayed      delayedJobs
	now          func() time.Time
}

func New(cfg Config) *Queue {
	return &Queue{
		cfg:          cfg.withDefaults(),
		pollInterval: 10 * time.Millisecond,
		ready: map[domain.Priority][]Job{
			domain.PriorityHigh:   {},
			domain.PriorityNormal: {},
			domain.PriorityLow:    {},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// TryEnqueue adds a job without blocking. Returns false when the queue is
// at capacity or the job carries no message ID.
func (q *Queue) TryEnqueue(job Job) bool {
	if strings.TrimSpace(job.MessageID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.depthLocked() >= q.cfg.Capacity {
		return false
	}
	if job.Priority == "" {
		job.Priority = domain.PriorityNormal
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	if job.NextAttemptAt.After(q.now()) {
		heap.Push(&q.delayed, job)
		return true
	}
	q.ready[job.Priority] = append(q.ready[job.Priority], job)
	return true
}

// Enqueue blocks until the job is accepted or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, job Job) bool {
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

// Dequeue blocks until a due job is available or ctx is done. Among due
// jobs, higher priority wins; within a priority, FIFO by enqueue time.
func (q *Queue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		q.promoteDueLocked()
		for _, prio := range []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
			items := q.ready[prio]
			if len(items) > 0 {
				job := items[0]
				q.ready[prio] = items[1:]
				q.mu.Unlock()
				return job, true
			}
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

// Retry schedules the job for another attempt with exponential backoff
// (baseDelay * 2^attemptCount). Returns false when attempts are exhausted;
// the job is then not requeued and the caller marks the message failed.
func (q *Queue) Retry(job Job) (Job, bool) {
	job.AttemptCount++
	if job.AttemptCount >= q.cfg.MaxAttempts {
		return job, false
	}
	job.NextAttemptAt = q.now().Add(q.Backoff(job.AttemptCount))
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.delayed, job)
	return job, true
}

// Backoff returns the delay before the given attempt number.
func (q *Queue) Backoff(attemptCount int) time.Duration {
	return q.cfg.BaseDelay * (1 << uint(attemptCount))
}

// MaxAttempts exposes the retry limit for callers that need to reason
// about exhaustion.
func (q *Queue) MaxAttempts() int {
	return q.cfg.MaxAttempts
}

// Depth is the number of jobs currently held (ready plus delayed).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	n := len(q.delayed)
	for _, items := range q.ready {
		n += len(items)
	}
	return n
}

func (q *Queue) promoteDueLocked() {
	now := q.now()
	for len(q.delayed) > 0 && !q.delayed[0].NextAttemptAt.After(now) {
		job := heap.Pop(&q.delayed).(Job)
		q.ready[job.Priority] = append(q.ready[job.Priority], job)
	}
}

// delayedJobs is a min-heap ordered by NextAttemptAt.
type delayedJobs []Job

func (h delayedJobs) Len() int            { return len(h) }
func (h delayedJobs) Less(i, j int) bool  { return h[i].NextAttemptAt.Before(h[j].NextAttemptAt) }
func (h delayedJobs) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedJobs) Push(x interface{}) { *h = append(*h, x.(Job)) }
func (h *delayedJobs) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
