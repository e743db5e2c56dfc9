package redisqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes one job. The returned value is stored as the job result.
type Handler func(ctx context.Context, job *Job) (any, error)

type Worker struct {
	q       *Queue
	handler Handler
	token   string

	concurrency     int
	pollInterval    time.Duration
	stalledInterval time.Duration
	jobTimeout      time.Duration

	startedAtUnixNano int64
	totalProcessed    atomic.Int64
	totalCompleted    atomic.Int64
	totalFailed       atomic.Int64
	totalRetried      atomic.Int64
	totalRequeued     atomic.Int64
	inFlight          atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func NewWorker(q *Queue, handler Handler) *Worker {
	return &Worker{
		q:                 q,
		handler:           handler,
		token:             "worker-" + uuid.NewString(),
		concurrency:       5,
		pollInterval:      500 * time.Millisecond,
		stalledInterval:   30 * time.Second,
		jobTimeout:        10 * time.Minute,
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (w *Worker) WithSettings(concurrency int, pollInterval, stalledInterval, jobTimeout time.Duration) *Worker {
	if concurrency > 0 {
		w.concurrency = concurrency
	}
	if pollInterval > 0 {
		w.pollInterval = pollInterval
	}
	if stalledInterval > 0 {
		w.stalledInterval = stalledInterval
	}
	if jobTimeout > 0 {
		w.jobTimeout = jobTimeout
	}
	return w
}

type WorkerStats struct {
	StartedAt      time.Time `json:"startedAt"`
	Concurrency    int       `json:"concurrency"`
	TotalProcessed int64     `json:"totalProcessed"`
	TotalCompleted int64     `json:"totalCompleted"`
	TotalFailed    int64     `json:"totalFailed"`
	TotalRetried   int64     `json:"totalRetried"`
	TotalRequeued  int64     `json:"totalRequeued"`
	InFlight       int64     `json:"inFlight"`
	LastError      string    `json:"lastError,omitempty"`
}

func (w *Worker) Stats() WorkerStats {
	st := WorkerStats{
		StartedAt:      time.Unix(0, w.startedAtUnixNano).UTC(),
		Concurrency:    w.concurrency,
		TotalProcessed: w.totalProcessed.Load(),
		TotalCompleted: w.totalCompleted.Load(),
		TotalFailed:    w.totalFailed.Load(),
		TotalRetried:   w.totalRetried.Load(),
		TotalRequeued:  w.totalRequeued.Load(),
		InFlight:       w.inFlight.Load(),
	}
	w.lastErrorMu.Lock()
	st.LastError = w.lastError
	w.lastErrorMu.Unlock()
	return st
}

func (w *Worker) setLastError(err error) {
	w.lastErrorMu.Lock()
	w.lastError = err.Error()
	w.lastErrorMu.Unlock()
}

// Run claims and processes jobs with up to concurrency jobs in flight until ctx is cancelled.
// On cancellation it waits for in-flight jobs; jobs interrupted by the cancellation are handed
// back to the queue without spending an attempt.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	stalled := time.NewTicker(w.stalledInterval)
	defer stalled.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-stalled.C:
			if n, err := w.q.recoverStalled(ctx); err != nil {
				slog.Error("recover stalled jobs", "queue", w.q.Name(), "error", err.Error())
				w.setLastError(err)
			} else if n > 0 {
				slog.Warn("recovered stalled jobs", "queue", w.q.Name(), "count", n)
			}
			continue
		case sem <- struct{}{}:
		}

		if _, err := w.q.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
			slog.Error("promote delayed jobs", "queue", w.q.Name(), "error", err.Error())
			w.setLastError(err)
		}

		job, err := w.q.claim(ctx, w.token)
		if err != nil || job == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				slog.Error("claim job", "queue", w.q.Name(), "error", err.Error())
				w.setLastError(err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(w.pollInterval):
			}
			continue
		}

		wg.Add(1)
		w.inFlight.Add(1)
		go func() {
			defer func() {
				w.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			w.process(ctx, job)
		}()
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	bg := context.WithoutCancel(ctx)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, job.ID)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	res, err := w.handle(jobCtx, job)
	cancel()
	stopHeartbeat()

	w.totalProcessed.Add(1)

	if err != nil && ctx.Err() != nil {
		if rqErr := w.q.requeue(bg, job, w.token); rqErr != nil {
			slog.Error("requeue job on shutdown", "job_id", job.ID, "error", rqErr.Error())
			return
		}
		w.totalRequeued.Add(1)
		slog.Info("job returned to queue on shutdown", "job_id", job.ID)
		return
	}

	if err != nil {
		w.setLastError(err)
		retried, fErr := w.q.fail(bg, job, err, w.token)
		if fErr != nil {
			slog.Error("record job failure", "job_id", job.ID, "error", fErr.Error())
			return
		}
		if retried {
			w.totalRetried.Add(1)
			slog.Warn("job failed, retry scheduled",
				"job_id", job.ID, "attempts", job.AttemptsMade, "max_attempts", job.MaxAttempts,
				"run_at", job.RunAt, "error", err.Error())
			return
		}
		w.totalFailed.Add(1)
		slog.Error("job failed permanently",
			"job_id", job.ID, "attempts", job.AttemptsMade, "error", err.Error())
		return
	}

	if cErr := w.q.complete(bg, job, res, w.token); cErr != nil {
		slog.Error("record job completion", "job_id", job.ID, "error", cErr.Error())
		return
	}
	w.totalCompleted.Add(1)
}

func (w *Worker) handle(ctx context.Context, job *Job) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) heartbeat(ctx context.Context, id string) {
	every := w.q.opts.LockDuration / 2
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := w.q.extendLock(ctx, id, w.token)
			if err != nil && ctx.Err() == nil {
				slog.Warn("extend job lock", "job_id", id, "error", err.Error())
				continue
			}
			if !ok && ctx.Err() == nil {
				slog.Warn("job lock lost", "job_id", id)
				return
			}
		}
	}
}
