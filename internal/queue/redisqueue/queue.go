// Package redisqueue is a small persistent job queue on top of Redis.
//
// Layout per queue (prefix "pq:<name>:"):
//
//	wait       list, LPUSH on add, RPOPLPUSH into active on claim
//	delayed    zset scored by the unix-millis time a job becomes runnable
//	active     list of claimed jobs; each holds a lock key with a TTL
//	completed  list, newest first, trimmed to KeepCompleted
//	failed     list, newest first, trimmed to KeepFailed
//	stalled    set of active ids seen without a lock on the previous check
//	paused     flag
//	job:<id>   JSON job record
//	lock:<id>  worker token, expires after LockDuration unless extended
package redisqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrLockLost    = errors.New("job is no longer active for this worker")
	ErrNotFailed   = errors.New("job is not in failed state")
	ErrBadState    = errors.New("unknown job state")
)

type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	StalledCount int             `json:"stalledCount,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	RunAt        time.Time       `json:"runAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

type Options struct {
	Attempts      int
	Backoff       BackoffConfig
	KeepCompleted int
	KeepFailed    int
	LockDuration  time.Duration
	MaxStalled    int
}

func DefaultOptions() Options {
	return Options{
		Attempts:      3,
		Backoff:       DefaultBackoffConfig(),
		KeepCompleted: 100,
		KeepFailed:    500,
		LockDuration:  30 * time.Second,
		MaxStalled:    1,
	}
}

type AddOptions struct {
	ID    string
	Delay time.Duration
}

type Queue struct {
	c       *redis.Client
	name    string
	opts    Options
	backoff *Backoff
	now     func() time.Time
}

func New(addr, name string) *Queue {
	opts := DefaultOptions()
	return &Queue{
		c:       redis.NewClient(&redis.Options{Addr: addr}),
		name:    name,
		opts:    opts,
		backoff: NewBackoff(opts.Backoff),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) WithOptions(opts Options) *Queue {
	def := DefaultOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = def.KeepCompleted
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = def.KeepFailed
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = def.LockDuration
	}
	if opts.MaxStalled <= 0 {
		opts.MaxStalled = def.MaxStalled
	}
	q.opts = opts
	q.backoff = NewBackoff(opts.Backoff)
	return q
}

func (q *Queue) Name() string     { return q.name }
func (q *Queue) Options() Options { return q.opts }

func (q *Queue) Close() error {
	return q.c.Close()
}

func (q *Queue) key(parts ...string) string {
	return "pq:" + q.name + ":" + strings.Join(parts, ":")
}

func (q *Queue) jobKey(id string) string  { return q.key("job", id) }
func (q *Queue) lockKey(id string) string { return q.key("lock", id) }

// Add stores a job and makes it runnable after opts.Delay. Adding an id that already exists
// returns the stored job and created=false.
func (q *Queue) Add(ctx context.Context, name string, payload any, opts AddOptions) (*Job, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal payload")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := q.now()
	job := &Job{
		ID:          id,
		Name:        name,
		Payload:     raw,
		State:       StateWaiting,
		MaxAttempts: q.opts.Attempts,
		CreatedAt:   now,
		RunAt:       now,
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
		job.RunAt = now.Add(opts.Delay)
	}

	b, err := json.Marshal(job)
	if err != nil {
		return nil, false, errors.Wrap(err, "marshal job")
	}
	to := q.waitTail()
	if job.State == StateDelayed {
		to = q.delayedAt(job.RunAt)
	}
	created, err := addScript.Run(ctx, q.c,
		[]string{q.jobKey(id), to.key},
		b, id, to.mode, to.score).Int()
	if err != nil {
		return nil, false, errors.Wrap(err, "redis add job")
	}
	if created == 0 {
		existing, err := q.GetJob(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return job, true, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	b, err := q.c.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get job")
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, errors.Wrap(err, "unmarshal job")
	}
	return &j, nil
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	if err := q.c.Set(ctx, q.jobKey(job.ID), b, 0).Err(); err != nil {
		return errors.Wrap(err, "redis save job")
	}
	return nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.c.Pipeline()
	w := pipe.LLen(ctx, q.key("wait"))
	a := pipe.LLen(ctx, q.key("active"))
	c := pipe.LLen(ctx, q.key("completed"))
	f := pipe.LLen(ctx, q.key("failed"))
	d := pipe.ZCard(ctx, q.key("delayed"))
	p := pipe.Exists(ctx, q.key("paused"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, errors.Wrap(err, "redis counts")
	}
	return Counts{
		Waiting:   w.Val(),
		Active:    a.Val(),
		Completed: c.Val(),
		Failed:    f.Val(),
		Delayed:   d.Val(),
		Paused:    p.Val() > 0,
	}, nil
}

// Jobs returns a page of job records in the given state, newest first for
// waiting/completed/failed and earliest-due first for delayed.
func (q *Queue) Jobs(ctx context.Context, state State, offset, limit int) ([]*Job, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	start, stop := int64(offset), int64(offset+limit-1)

	var ids []string
	var err error
	switch state {
	case StateWaiting:
		ids, err = q.c.LRange(ctx, q.key("wait"), start, stop).Result()
	case StateActive:
		ids, err = q.c.LRange(ctx, q.key("active"), start, stop).Result()
	case StateCompleted:
		ids, err = q.c.LRange(ctx, q.key("completed"), start, stop).Result()
	case StateFailed:
		ids, err = q.c.LRange(ctx, q.key("failed"), start, stop).Result()
	case StateDelayed:
		ids, err = q.c.ZRange(ctx, q.key("delayed"), start, stop).Result()
	default:
		return nil, errors.Wrapf(ErrBadState, "state %q", state)
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis list jobs")
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, q.jobKey(id))
	}
	vals, err := q.c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis mget jobs")
	}
	out := make([]*Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var j Job
		if json.Unmarshal([]byte(s), &j) != nil {
			continue
		}
		out = append(out, &j)
	}
	return out, nil
}

func (q *Queue) Pause(ctx context.Context) error {
	return errors.Wrap(q.c.Set(ctx, q.key("paused"), "1", 0).Err(), "redis pause")
}

func (q *Queue) Resume(ctx context.Context) error {
	return errors.Wrap(q.c.Del(ctx, q.key("paused")).Err(), "redis resume")
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.c.Exists(ctx, q.key("paused")).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis paused")
	}
	return n > 0, nil
}

// target is where a state change leaves a job id.
type target struct {
	key   string
	mode  string
	score int64
}

// waitTail is the back of the line, waitHead the front (claim pops from the right).
func (q *Queue) waitTail() target { return target{key: q.key("wait"), mode: "lpush"} }
func (q *Queue) waitHead() target { return target{key: q.key("wait"), mode: "rpush"} }
func (q *Queue) completedList() target {
	return target{key: q.key("completed"), mode: "lpush"}
}
func (q *Queue) failedList() target { return target{key: q.key("failed"), mode: "lpush"} }
func (q *Queue) delayedAt(at time.Time) target {
	return target{key: q.key("delayed"), mode: "zadd", score: at.UnixMilli()}
}

// Retry moves a terminally failed job back to waiting with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateFailed {
		return ErrNotFailed
	}
	job.State = StateWaiting
	job.AttemptsMade = 0
	job.StalledCount = 0
	job.FailedReason = ""
	job.FinishedAt = nil
	job.RunAt = q.now()

	moved, err := q.move(ctx, q.key("failed"), "list", job, q.waitTail())
	if err != nil {
		return errors.Wrap(err, "redis retry job")
	}
	if !moved {
		return ErrNotFailed
	}
	return nil
}

func (q *Queue) move(ctx context.Context, src, srcKind string, job *Job, to target) (bool, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return false, errors.Wrap(err, "marshal job")
	}
	n, err := moveScript.Run(ctx, q.c,
		[]string{src, q.jobKey(job.ID), to.key},
		job.ID, b, srcKind, to.mode, to.score).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// promoteDelayed moves due delayed jobs to wait.
func (q *Queue) promoteDelayed(ctx context.Context) (int, error) {
	max := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.c.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: max, Count: 100}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis due delayed")
	}

	n := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			_ = q.c.ZRem(ctx, q.key("delayed"), id).Err()
			continue
		}
		if err != nil {
			return n, err
		}
		job.State = StateWaiting
		moved, err := q.move(ctx, q.key("delayed"), "zset", job, q.waitTail())
		if err != nil {
			return n, errors.Wrap(err, "redis promote job")
		}
		if moved {
			n++
		}
	}
	return n, nil
}

// claim takes the oldest waiting job and locks it for token. Returns nil when nothing is
// runnable or the queue is paused.
func (q *Queue) claim(ctx context.Context, token string) (*Job, error) {
	id, err := claimScript.Run(ctx, q.c,
		[]string{q.key("wait"), q.key("active"), q.key("paused")},
		q.lockKey(""), token, q.opts.LockDuration.Milliseconds()).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis claim job")
	}

	job, err := q.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		_ = q.c.LRem(ctx, q.key("active"), 1, id).Err()
		_ = q.c.Del(ctx, q.lockKey(id)).Err()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// the record is only written by the lock holder from here on
	now := q.now()
	job.State = StateActive
	job.ProcessedAt = &now
	if err := q.save(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *Queue) extendLock(ctx context.Context, id, token string) (bool, error) {
	n, err := extendScript.Run(ctx, q.c, []string{q.lockKey(id)},
		token, q.opts.LockDuration.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "redis extend lock")
	}
	return n == 1, nil
}

// finish moves an active job owned by token to its next list and drops the lock. A job whose
// lock expired or passed to another worker is left alone and ErrLockLost is returned; job is
// only updated on success.
func (q *Queue) finish(ctx context.Context, job *Job, next Job, token string, to target) error {
	b, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	n, err := finishScript.Run(ctx, q.c,
		[]string{q.lockKey(job.ID), q.key("active"), q.jobKey(job.ID), to.key},
		token, job.ID, b, to.mode, to.score).Int()
	if err != nil {
		return errors.Wrap(err, "redis finish job")
	}
	if n == 0 {
		return ErrLockLost
	}
	*job = next
	return nil
}

func (q *Queue) complete(ctx context.Context, job *Job, result any, token string) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}

	now := q.now()
	next := *job
	next.AttemptsMade++
	next.State = StateCompleted
	next.FinishedAt = &now
	next.Result = raw
	next.FailedReason = ""
	if err := q.finish(ctx, job, next, token, q.completedList()); err != nil {
		return err
	}
	return q.prune(ctx, q.key("completed"), q.opts.KeepCompleted)
}

// fail records a failed attempt. The job goes back to delayed with backoff while attempts
// remain, otherwise it lands in the failed list for inspection.
func (q *Queue) fail(ctx context.Context, job *Job, cause error, token string) (bool, error) {
	now := q.now()
	next := *job
	next.AttemptsMade++
	next.FailedReason = cause.Error()

	if next.AttemptsMade < next.MaxAttempts {
		next.State = StateDelayed
		next.RunAt = now.Add(q.backoff.Delay(next.AttemptsMade))
		if err := q.finish(ctx, job, next, token, q.delayedAt(next.RunAt)); err != nil {
			return false, err
		}
		return true, nil
	}

	next.State = StateFailed
	next.FinishedAt = &now
	if err := q.finish(ctx, job, next, token, q.failedList()); err != nil {
		return false, err
	}
	return false, q.prune(ctx, q.key("failed"), q.opts.KeepFailed)
}

// requeue hands an active job back to the head of wait without spending an attempt.
func (q *Queue) requeue(ctx context.Context, job *Job, token string) error {
	next := *job
	next.State = StateWaiting
	next.ProcessedAt = nil
	return q.finish(ctx, job, next, token, q.waitHead())
}

// recoverStalled moves active jobs whose lock expired back to wait. A job is only moved if it
// was already seen unlocked on the previous call, so a worker that just claimed a job is never
// raced.
func (q *Queue) recoverStalled(ctx context.Context) (int, error) {
	candidates, err := q.c.SMembers(ctx, q.key("stalled")).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis stalled candidates")
	}
	if err := q.c.Del(ctx, q.key("stalled")).Err(); err != nil {
		return 0, errors.Wrap(err, "redis reset stalled")
	}

	moved := 0
	for _, id := range candidates {
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			_ = q.c.LRem(ctx, q.key("active"), 1, id).Err()
			continue
		}
		if err != nil {
			return moved, err
		}

		job.StalledCount++
		to := q.waitHead()
		failed := job.StalledCount > q.opts.MaxStalled
		if failed {
			now := q.now()
			job.AttemptsMade++
			job.FailedReason = "job stalled more than allowable limit"
			job.State = StateFailed
			job.FinishedAt = &now
			to = q.failedList()
		} else {
			job.State = StateWaiting
			job.ProcessedAt = nil
		}

		b, err := json.Marshal(job)
		if err != nil {
			return moved, errors.Wrap(err, "marshal job")
		}
		n, err := recoverScript.Run(ctx, q.c,
			[]string{q.lockKey(id), q.key("active"), q.jobKey(id), to.key},
			id, b, to.mode, to.score).Int()
		if err != nil {
			return moved, errors.Wrap(err, "redis recover stalled")
		}
		if n == 0 {
			continue
		}
		if failed {
			if err := q.prune(ctx, q.key("failed"), q.opts.KeepFailed); err != nil {
				return moved, err
			}
		}
		moved++
	}

	active, err := q.c.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return moved, errors.Wrap(err, "redis list active")
	}
	for _, id := range active {
		locked, err := q.c.Exists(ctx, q.lockKey(id)).Result()
		if err != nil {
			return moved, errors.Wrap(err, "redis check lock")
		}
		if locked == 0 {
			if err := q.c.SAdd(ctx, q.key("stalled"), id).Err(); err != nil {
				return moved, errors.Wrap(err, "redis mark stalled")
			}
		}
	}
	return moved, nil
}

// prune drops the oldest entries of a retention list beyond keep, deleting their records.
func (q *Queue) prune(ctx context.Context, listKey string, keep int) error {
	err := pruneScript.Run(ctx, q.c, []string{listKey}, keep, q.jobKey("")).Err()
	return errors.Wrap(err, "redis retention prune")
}
