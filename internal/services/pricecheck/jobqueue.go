package pricecheck

import (
	"context"
	"encoding/json"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/queue/redisqueue"
	"github.com/pkg/errors"
)

const (
	JobName = "price-check-batch"

	maxRecentJobs = 100
)

// JobQueue is the batch-job view of the generic queue.
type JobQueue struct {
	q *redisqueue.Queue
}

func NewJobQueue(q *redisqueue.Queue) *JobQueue {
	return &JobQueue{q: q}
}

// EnqueueBatch adds job under id, runnable after delay. created is false when id already existed.
func (jq *JobQueue) EnqueueBatch(ctx context.Context, job models.PriceCheckBatchJob, delay time.Duration, id string) (bool, error) {
	_, created, err := jq.q.Add(ctx, JobName, job, redisqueue.AddOptions{ID: id, Delay: delay})
	if err != nil {
		return false, errors.Wrap(err, "enqueue price check batch")
	}
	return created, nil
}

func (jq *JobQueue) Status(ctx context.Context) (redisqueue.Counts, error) {
	return jq.q.Counts(ctx)
}

// RecentJobs returns a page of job records in state; an empty state means completed.
func (jq *JobQueue) RecentJobs(ctx context.Context, state string, offset, limit int) ([]*redisqueue.Job, error) {
	if state == "" {
		state = string(redisqueue.StateCompleted)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxRecentJobs {
		limit = maxRecentJobs
	}
	return jq.q.Jobs(ctx, redisqueue.State(state), offset, limit)
}

func (jq *JobQueue) GetJob(ctx context.Context, id string) (*redisqueue.Job, error) {
	return jq.q.GetJob(ctx, id)
}

func (jq *JobQueue) Retry(ctx context.Context, id string) error {
	return jq.q.Retry(ctx, id)
}

func (jq *JobQueue) Pause(ctx context.Context) error  { return jq.q.Pause(ctx) }
func (jq *JobQueue) Resume(ctx context.Context) error { return jq.q.Resume(ctx) }

func DecodeBatchJob(job *redisqueue.Job) (models.PriceCheckBatchJob, error) {
	var b models.PriceCheckBatchJob
	if err := json.Unmarshal(job.Payload, &b); err != nil {
		return b, errors.Wrapf(err, "decode batch job %s", job.ID)
	}
	return b, nil
}
