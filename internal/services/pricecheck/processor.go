package pricecheck

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/broker/messages"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/queue/redisqueue"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type PriceStore interface {
	// UpdateTrackedProductPrice returns the price stored before the update.
	UpdateTrackedProductPrice(ctx context.Context, id uint64, price decimal.Decimal, checkedAt time.Time) (decimal.NullDecimal, error)
	AppendPriceHistory(ctx context.Context, id uint64, price decimal.Decimal, recordedAt time.Time) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type LeaseReleaser interface {
	Release(ctx context.Context, owner string, ids []uint64) error
}

// Processor runs one batch job: a single gateway call, reconciliation and persistence.
type Processor struct {
	store   PriceStore
	gateway pricefetch.Client

	producer Producer
	topic    string
	leases   LeaseReleaser

	now func() time.Time

	totalBatches  atomic.Int64
	totalUpdated  atomic.Int64
	totalSkipped  atomic.Int64
	totalRejected atomic.Int64
	totalErrors   atomic.Int64
	lastErrorMu   sync.Mutex
	lastError     string
}

func NewProcessor(store PriceStore, gateway pricefetch.Client) *Processor {
	return &Processor{
		store:   store,
		gateway: gateway,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Processor) WithPublisher(producer Producer, topic string) *Processor {
	if producer != nil && topic != "" {
		p.producer = producer
		p.topic = topic
	}
	return p
}

func (p *Processor) WithLeaseReleaser(l LeaseReleaser) *Processor {
	p.leases = l
	return p
}

// Handle is the queue handler for batch jobs.
func (p *Processor) Handle(ctx context.Context, job *redisqueue.Job) (any, error) {
	batch, err := DecodeBatchJob(job)
	if err != nil {
		return nil, err
	}
	res, err := p.ProcessBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	slog.Info("price check batch done",
		"job_id", job.ID, "attempt", job.AttemptsMade,
		"updated", res.Updated, "skipped", res.Skipped, "rejected", res.Rejected)
	return res, nil
}

// ProcessBatch fetches prices for every product with a reference URL in one gateway call and
// records each resolved price. Unresolved products are skipped and keep their old state.
// Gateway and store errors fail the whole batch.
func (p *Processor) ProcessBatch(ctx context.Context, job models.PriceCheckBatchJob) (models.BatchResult, error) {
	res, err := p.processBatch(ctx, job)
	if err != nil {
		p.totalErrors.Add(1)
		p.lastErrorMu.Lock()
		p.lastError = err.Error()
		p.lastErrorMu.Unlock()
		return res, err
	}
	p.totalBatches.Add(1)
	p.totalUpdated.Add(int64(res.Updated))
	p.totalSkipped.Add(int64(res.Skipped))
	p.totalRejected.Add(int64(res.Rejected))
	p.releaseLeases(ctx, job)
	return res, nil
}

func (p *Processor) processBatch(ctx context.Context, job models.PriceCheckBatchJob) (models.BatchResult, error) {
	res := models.BatchResult{Timestamp: p.now()}

	urls := make([]string, 0, len(job.Products))
	for _, prod := range job.Products {
		if prod.ReferenceURL != "" {
			urls = append(urls, prod.ReferenceURL)
		}
	}
	if len(urls) == 0 {
		res.Skipped = len(job.Products)
		return res, nil
	}

	raw, err := p.gateway.FetchBatch(ctx, urls)
	if err != nil {
		return res, errors.Wrap(err, "fetch batch prices")
	}
	// prices are as of the gateway response, not the start of the batch
	checkedAt := p.now()
	res.Timestamp = checkedAt

	results, rejected := pricefetch.ParseResults(raw)
	for _, r := range rejected {
		slog.Warn("reject gateway result", "batch", job.BatchIndex, "index", r.Index, "error", r.Err.Error())
	}
	res.Rejected = len(rejected)

	matches, unresolved := Reconcile(job.Products, results)
	for _, m := range matches {
		id := m.Product.TrackedProductID
		prev, err := p.store.UpdateTrackedProductPrice(ctx, id, m.Result.Price, checkedAt)
		if err != nil {
			return res, errors.Wrapf(err, "update price of product %d", id)
		}
		if err := p.store.AppendPriceHistory(ctx, id, m.Result.Price, checkedAt); err != nil {
			return res, errors.Wrapf(err, "append price history of product %d", id)
		}
		res.Updated++
		p.publish(ctx, m, prev, checkedAt)
	}
	res.Skipped = len(unresolved)
	if res.Skipped > 0 {
		slog.Debug("unresolved products in batch", "batch", job.BatchIndex, "count", res.Skipped)
	}
	return res, nil
}

func (p *Processor) publish(ctx context.Context, m Match, prev decimal.NullDecimal, checkedAt time.Time) {
	if p.producer == nil {
		return
	}
	msg := messages.NewPriceUpdated(m.Product.TrackedProductID, m.Product.ExternalProductID,
		string(m.Product.Source), m.Result.Price, prev, checkedAt)
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal price updated", "tracked_product_id", msg.TrackedProductID, "error", err.Error())
		return
	}
	if err := p.producer.Publish(ctx, p.topic, msg.Key(), b); err != nil {
		slog.Warn("publish price updated", "tracked_product_id", msg.TrackedProductID, "error", err.Error())
	}
}

func (p *Processor) releaseLeases(ctx context.Context, job models.PriceCheckBatchJob) {
	if p.leases == nil || job.LeaseOwner == "" || len(job.Products) == 0 {
		return
	}
	ids := make([]uint64, 0, len(job.Products))
	for _, prod := range job.Products {
		ids = append(ids, prod.TrackedProductID)
	}
	if err := p.leases.Release(context.WithoutCancel(ctx), job.LeaseOwner, ids); err != nil {
		slog.Warn("release product leases", "error", err.Error())
	}
}

type ProcessorStats struct {
	TotalBatches  int64  `json:"totalBatches"`
	TotalUpdated  int64  `json:"totalUpdated"`
	TotalSkipped  int64  `json:"totalSkipped"`
	TotalRejected int64  `json:"totalRejected"`
	TotalErrors   int64  `json:"totalErrors"`
	LastError     string `json:"lastError,omitempty"`
}

func (p *Processor) Stats() ProcessorStats {
	st := ProcessorStats{
		TotalBatches:  p.totalBatches.Load(),
		TotalUpdated:  p.totalUpdated.Load(),
		TotalSkipped:  p.totalSkipped.Load(),
		TotalRejected: p.totalRejected.Load(),
		TotalErrors:   p.totalErrors.Load(),
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}
