package pricecheck

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/queue/redisqueue"
)

func newTestJobQueue(t *testing.T) *JobQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	q := redisqueue.New(mr.Addr(), "pricecheck-test")
	t.Cleanup(func() { _ = q.Close() })
	return NewJobQueue(q)
}

func TestJobQueue_EnqueueBatchIsIdempotentPerID(t *testing.T) {
	jq := newTestJobQueue(t)
	ctx := context.Background()
	job := models.PriceCheckBatchJob{Products: []models.ProductSnapshot{{TrackedProductID: 1}}}

	created, err := jq.EnqueueBatch(ctx, job, 0, "pricecheck-1-0")
	require.NoError(t, err)
	require.True(t, created)

	created, err = jq.EnqueueBatch(ctx, job, 0, "pricecheck-1-0")
	require.NoError(t, err)
	require.False(t, created)

	_, err = jq.EnqueueBatch(ctx, job, time.Minute, "pricecheck-1-1")
	require.NoError(t, err)

	st, err := jq.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Waiting)
	require.Equal(t, int64(1), st.Delayed)
	require.False(t, st.Paused)

	stored, err := jq.GetJob(ctx, "pricecheck-1-0")
	require.NoError(t, err)
	require.Equal(t, JobName, stored.Name)
	decoded, err := DecodeBatchJob(stored)
	require.NoError(t, err)
	require.Equal(t, uint64(1), decoded.Products[0].TrackedProductID)
}

func TestJobQueue_RecentJobsClampsLimit(t *testing.T) {
	jq := newTestJobQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := jq.EnqueueBatch(ctx, models.PriceCheckBatchJob{BatchIndex: i}, 0, batchJobID(schedNow, i))
		require.NoError(t, err)
	}

	jobs, err := jq.RecentJobs(ctx, "waiting", 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = jq.RecentJobs(ctx, "waiting", 0, 1000)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	jobs, err = jq.RecentJobs(ctx, "", 0, 10)
	require.NoError(t, err)
	require.Empty(t, jobs)

	_, err = jq.RecentJobs(ctx, "sideways", 0, 10)
	require.ErrorIs(t, err, redisqueue.ErrBadState)
}

func TestJobQueue_PauseResume(t *testing.T) {
	jq := newTestJobQueue(t)
	ctx := context.Background()

	require.NoError(t, jq.Pause(ctx))
	st, err := jq.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Paused)

	require.NoError(t, jq.Resume(ctx))
	st, err = jq.Status(ctx)
	require.NoError(t, err)
	require.False(t, st.Paused)
}

func TestJobQueue_RetryUnknownJob(t *testing.T) {
	jq := newTestJobQueue(t)
	require.ErrorIs(t, jq.Retry(context.Background(), "nope"), redisqueue.ErrJobNotFound)
}
