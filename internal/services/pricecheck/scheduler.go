package pricecheck

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type ProductLister interface {
	ListAllTrackedProducts(ctx context.Context) ([]*models.TrackedProduct, error)
}

type Enqueuer interface {
	EnqueueBatch(ctx context.Context, job models.PriceCheckBatchJob, delay time.Duration, id string) (bool, error)
}

// Leaser guards against the same product being in flight in two batches.
type Leaser interface {
	Claim(ctx context.Context, owner string, ids []uint64, ttl time.Duration) ([]uint64, error)
	Release(ctx context.Context, owner string, ids []uint64) error
}

type Scheduler struct {
	store ProductLister
	queue Enqueuer

	leaser   Leaser
	leaseTTL time.Duration

	staleness       time.Duration
	batchSize       int
	interBatchDelay time.Duration
	interval        time.Duration

	now       func() time.Time
	newOwner  func() string
	triggerCh chan struct{}
	mu        sync.Mutex

	startedAtUnixNano   int64
	lastRunUnixNano     atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalRuns           atomic.Int64
	totalBatches        atomic.Int64
	totalProducts       atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func NewScheduler(store ProductLister, queue Enqueuer) *Scheduler {
	return &Scheduler{
		store:             store,
		queue:             queue,
		leaseTTL:          15 * time.Minute,
		staleness:         30 * time.Minute,
		batchSize:         20,
		interBatchDelay:   5 * time.Second,
		interval:          time.Hour,
		now:               func() time.Time { return time.Now().UTC() },
		newOwner:          uuid.NewString,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Scheduler) WithSettings(staleness time.Duration, batchSize int, interBatchDelay, interval time.Duration) *Scheduler {
	if staleness > 0 {
		s.staleness = staleness
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if interBatchDelay >= 0 {
		s.interBatchDelay = interBatchDelay
	}
	if interval > 0 {
		s.interval = interval
	}
	return s
}

func (s *Scheduler) WithLeaser(l Leaser, ttl time.Duration) *Scheduler {
	s.leaser = l
	if ttl > 0 {
		s.leaseTTL = ttl
	}
	return s
}

// IsStale reports whether p is due for a re-check at now.
func IsStale(p *models.TrackedProduct, now time.Time, threshold time.Duration) bool {
	if p.LastCheckedAt == nil {
		return true
	}
	return now.Sub(*p.LastCheckedAt) >= threshold
}

// Partition splits items into consecutive batches of size; only the last one may be shorter.
func Partition(items []models.ProductSnapshot, size int) [][]models.ProductSnapshot {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	out := make([][]models.ProductSnapshot, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out
}

func batchJobID(at time.Time, index int) string {
	return fmt.Sprintf("pricecheck-%d-%d", at.UnixMilli(), index)
}

// ScheduleStale enqueues one job per batch of stale products and returns how many batches were
// enqueued. On an enqueue error the count of batches already enqueued is returned with it.
func (s *Scheduler) ScheduleStale(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.lastRunUnixNano.Store(now.UnixNano())
	s.totalRuns.Add(1)

	products, err := s.store.ListAllTrackedProducts(ctx)
	if err != nil {
		err = errors.Wrap(err, "list tracked products")
		s.setLastError(err)
		return 0, err
	}

	snaps := make([]models.ProductSnapshot, 0, len(products))
	for _, p := range products {
		if IsStale(p, now, s.staleness) {
			snaps = append(snaps, models.SnapshotOf(p))
		}
	}
	snaps, owner := s.claimLeases(ctx, snaps)
	if len(snaps) == 0 {
		slog.Info("no stale products to schedule", "tracked", len(products))
		return 0, nil
	}

	batches := Partition(snaps, s.batchSize)
	for i, batch := range batches {
		job := models.PriceCheckBatchJob{BatchIndex: i, ScheduledAt: now, Products: batch, LeaseOwner: owner}
		delay := time.Duration(i) * s.interBatchDelay
		if _, err := s.queue.EnqueueBatch(ctx, job, delay, batchJobID(now, i)); err != nil {
			s.releaseLeases(ctx, owner, batches[i:])
			err = errors.Wrapf(err, "enqueue batch %d", i)
			s.setLastError(err)
			return i, err
		}
		s.totalBatches.Add(1)
		s.totalProducts.Add(int64(len(batch)))
	}

	slog.Info("scheduled price checks",
		"tracked", len(products), "stale", len(snaps), "batches", len(batches), "batch_size", s.batchSize)
	return len(batches), nil
}

// claimLeases filters snaps down to the products this run could lease and returns the owner
// token of the run, or "" when no leases are held.
func (s *Scheduler) claimLeases(ctx context.Context, snaps []models.ProductSnapshot) ([]models.ProductSnapshot, string) {
	if s.leaser == nil || len(snaps) == 0 {
		return snaps, ""
	}
	ids := make([]uint64, 0, len(snaps))
	for _, sn := range snaps {
		ids = append(ids, sn.TrackedProductID)
	}
	owner := s.newOwner()
	claimed, err := s.leaser.Claim(ctx, owner, ids, s.leaseTTL)
	if err != nil {
		// fall back to at-least-once scheduling
		slog.Warn("claim product leases", "error", err.Error())
		return snaps, ""
	}
	ok := make(map[uint64]struct{}, len(claimed))
	for _, id := range claimed {
		ok[id] = struct{}{}
	}
	out := make([]models.ProductSnapshot, 0, len(claimed))
	for _, sn := range snaps {
		if _, found := ok[sn.TrackedProductID]; found {
			out = append(out, sn)
		}
	}
	if skipped := len(snaps) - len(out); skipped > 0 {
		slog.Info("products already in flight", "count", skipped)
	}
	return out, owner
}

func (s *Scheduler) releaseLeases(ctx context.Context, owner string, batches [][]models.ProductSnapshot) {
	if s.leaser == nil || owner == "" {
		return
	}
	var ids []uint64
	for _, b := range batches {
		for _, sn := range b {
			ids = append(ids, sn.TrackedProductID)
		}
	}
	if err := s.leaser.Release(context.WithoutCancel(ctx), owner, ids); err != nil {
		slog.Warn("release product leases", "error", err.Error())
	}
}

// Trigger forces an immediate scheduling run (best-effort, non-blocking).
func (s *Scheduler) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Run schedules once immediately, then on every interval tick and trigger, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runOnce(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	n, err := s.ScheduleStale(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.totalErrors.Add(1)
		slog.Error("schedule stale products", "enqueued_batches", n, "error", err.Error())
	}
}

type SchedulerStats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalRuns     int64      `json:"totalRuns"`
	TotalBatches  int64      `json:"totalBatches"`
	TotalProducts int64      `json:"totalProducts"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Scheduler) Stats() SchedulerStats {
	st := SchedulerStats{
		StartedAt:     time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalRuns:     s.totalRuns.Load(),
		TotalBatches:  s.totalBatches.Load(),
		TotalProducts: s.totalProducts.Load(),
		TotalErrors:   s.totalErrors.Load(),
	}
	if n := s.lastRunUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRunAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Scheduler) setLastError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}
