package pricecheck

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/queue/redisqueue"
)

type memStore struct {
	mu       sync.Mutex
	products map[uint64]*models.TrackedProduct
	history  []models.PriceHistoryEntry
}

func newMemStore(products []*models.TrackedProduct) *memStore {
	m := &memStore{products: make(map[uint64]*models.TrackedProduct, len(products))}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *memStore) ListAllTrackedProducts(ctx context.Context) ([]*models.TrackedProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TrackedProduct, 0, len(m.products))
	for i := uint64(1); i <= uint64(len(m.products)); i++ {
		cp := *m.products[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateTrackedProductPrice(ctx context.Context, id uint64, price decimal.Decimal, checkedAt time.Time) (decimal.NullDecimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return decimal.NullDecimal{}, fmt.Errorf("product %d not found", id)
	}
	prev := p.CurrentPrice
	if p.LastCheckedAt != nil && checkedAt.Before(*p.LastCheckedAt) {
		return prev, nil
	}
	p.CurrentPrice = decimal.NewNullDecimal(price)
	t := checkedAt
	p.LastCheckedAt = &t
	return prev, nil
}

func (m *memStore) AppendPriceHistory(ctx context.Context, id uint64, price decimal.Decimal, recordedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, models.PriceHistoryEntry{TrackedProductID: id, Price: price, RecordedAt: recordedAt})
	return nil
}

func (m *memStore) historyFor(id uint64) []models.PriceHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PriceHistoryEntry
	for _, h := range m.history {
		if h.TrackedProductID == id {
			out = append(out, h)
		}
	}
	return out
}

// omittingGateway prices every URL except the ones in omit.
type omittingGateway struct {
	mu    sync.Mutex
	omit  map[string]bool
	calls [][]string
}

func (g *omittingGateway) FetchBatch(ctx context.Context, urls []string) ([]json.RawMessage, error) {
	g.mu.Lock()
	g.calls = append(g.calls, append([]string(nil), urls...))
	g.mu.Unlock()

	var out []json.RawMessage
	for i, u := range urls {
		if g.omit[u] {
			continue
		}
		b, _ := json.Marshal(map[string]any{"url": u, "price": fmt.Sprintf("%d.50", 10+i)})
		out = append(out, b)
	}
	return out, nil
}

func productURL(i int) string { return fmt.Sprintf("https://www.amazon.com/dp/B%04d", i) }

func TestPriceCheck_EndToEnd(t *testing.T) {
	products := make([]*models.TrackedProduct, 0, 25)
	for i := 1; i <= 25; i++ {
		products = append(products, &models.TrackedProduct{
			ID:                uint64(i),
			ExternalProductID: fmt.Sprintf("internal-%d", i),
			Source:            models.SourceAmazon,
			ReferenceURL:      strPtr(productURL(i)),
		})
	}
	store := newMemStore(products)
	gw := &omittingGateway{omit: map[string]bool{productURL(25): true}}

	mr := miniredis.RunT(t)
	q := redisqueue.New(mr.Addr(), "pricecheck-e2e")
	t.Cleanup(func() { _ = q.Close() })
	jq := NewJobQueue(q)

	sched := NewScheduler(store, jq).WithSettings(30*time.Minute, 20, 20*time.Millisecond, time.Hour)
	n, err := sched.ScheduleStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	proc := NewProcessor(store, gw)
	w := redisqueue.NewWorker(q, proc.Handle).WithSettings(5, 5*time.Millisecond, time.Second, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		c, err := jq.Status(context.Background())
		return err == nil && c.Completed == 2
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	jobs, err := jq.RecentJobs(context.Background(), "completed", 0, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	var total models.BatchResult
	for _, j := range jobs {
		var r models.BatchResult
		require.NoError(t, json.Unmarshal(j.Result, &r))
		total.Updated += r.Updated
		total.Skipped += r.Skipped
	}
	require.Equal(t, 24, total.Updated)
	require.Equal(t, 1, total.Skipped)

	require.Len(t, gw.calls, 2)
	store.mu.Lock()
	require.Len(t, store.history, 24)
	require.Nil(t, store.products[25].LastCheckedAt)
	require.False(t, store.products[25].CurrentPrice.Valid)
	require.NotNil(t, store.products[1].LastCheckedAt)
	store.mu.Unlock()

	// nothing is stale any more except the omitted product
	n, err = sched.ScheduleStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProcessBatch_ReplayIsIdempotent(t *testing.T) {
	store := newMemStore([]*models.TrackedProduct{
		{ID: 1, ExternalProductID: "a", ReferenceURL: strPtr(productURL(1))},
		{ID: 2, ExternalProductID: "b", ReferenceURL: strPtr(productURL(2))},
	})
	proc := NewProcessor(store, &omittingGateway{})

	job := models.PriceCheckBatchJob{Products: []models.ProductSnapshot{
		models.SnapshotOf(store.products[1]),
		models.SnapshotOf(store.products[2]),
	}}

	_, err := proc.ProcessBatch(context.Background(), job)
	require.NoError(t, err)
	first := store.products[1].CurrentPrice
	firstChecked := *store.products[1].LastCheckedAt

	_, err = proc.ProcessBatch(context.Background(), job)
	require.NoError(t, err)

	require.True(t, first.Decimal.Equal(store.products[1].CurrentPrice.Decimal))
	require.False(t, store.products[1].LastCheckedAt.Before(firstChecked))
	require.Len(t, store.historyFor(1), 2)
	require.Len(t, store.historyFor(2), 2)
}

func TestProcessBatch_NoURLProductsNeverReachGateway(t *testing.T) {
	store := newMemStore([]*models.TrackedProduct{
		{ID: 1, ExternalProductID: "a", ReferenceURL: strPtr(productURL(1))},
		{ID: 2, ExternalProductID: "b"},
	})
	gw := &omittingGateway{}
	proc := NewProcessor(store, gw)

	res, err := proc.ProcessBatch(context.Background(), models.PriceCheckBatchJob{Products: []models.ProductSnapshot{
		models.SnapshotOf(store.products[1]),
		models.SnapshotOf(store.products[2]),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, [][]string{{productURL(1)}}, gw.calls)
	require.Nil(t, store.products[2].LastCheckedAt)
	require.Empty(t, store.historyFor(2))
}
