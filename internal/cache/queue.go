package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RefreshJob asks a worker to rebuild the directory snapshot.
type RefreshJob struct {
	ID          string    `json:"id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewRefreshJob stamps a job with a fresh id.
func NewRefreshJob(reason string) RefreshJob {
	return RefreshJob{ID: uuid.NewString(), Reason: reason, RequestedAt: time.Now().UTC()}
}

// DefaultQueue is the Redis list key used for refresh jobs.
const DefaultQueue = "mayo:jobs:refresh"

// Enqueue pushes a job onto the left side of a Redis list.
func Enqueue(ctx context.Context, r *Redis, queue string, job RefreshJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue marshal: %w", err)
	}
	return r.client.LPush(ctx, queue, data).Err()
}

// Dequeue blocks until a job is available on the right side of the list
// or the timeout expires. When the timeout elapses without a job,
// (nil, nil) is returned so the caller can loop and check for shutdown.
func Dequeue(ctx context.Context, r *Redis, queue string, timeout time.Duration) (*RefreshJob, error) {
	result, err := r.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		// Cancelled context means shutdown.
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue dequeue: %w", err)
	}
	// BRPop returns [key, value].
	if len(result) < 2 {
		return nil, nil
	}
	var job RefreshJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("queue unmarshal: %w", err)
	}
	return &job, nil
}

// QueueLen reports how many jobs are waiting.
func QueueLen(ctx context.Context, r *Redis, queue string) (int64, error) {
	return r.client.LLen(ctx, queue).Result()
}

// Queue binds a Redis list so callers need not carry its name around.
type Queue struct {
	r    *Redis
	name string
}

func NewQueue(r *Redis, name string) *Queue {
	if name == "" {
		name = DefaultQueue
	}
	return &Queue{r: r, name: name}
}

// Push enqueues a new refresh job and returns it.
func (q *Queue) Push(ctx context.Context, reason string) (RefreshJob, error) {
	job := NewRefreshJob(reason)
	if err := Enqueue(ctx, q.r, q.name, job); err != nil {
		return RefreshJob{}, err
	}
	return job, nil
}

// Pop is Dequeue on the bound list.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*RefreshJob, error) {
	return Dequeue(ctx, q.r, q.name, timeout)
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return QueueLen(ctx, q.r, q.name)
}
