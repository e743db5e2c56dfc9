package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/config"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/cache/rediscache"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch/cached"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/queue/redisqueue"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/services/pricecheck"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	products []*models.TrackedProduct
	history  []*models.PriceHistoryEntry
	pingErr  error
	closed   atomic.Bool
}

func (m *memStore) ListAllTrackedProducts(ctx context.Context) ([]*models.TrackedProduct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TrackedProduct, 0, len(m.products))
	for _, p := range m.products {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateTrackedProductPrice(ctx context.Context, id uint64, price decimal.Decimal, checkedAt time.Time) (decimal.NullDecimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		if p.ID == id {
			prev := p.CurrentPrice
			p.CurrentPrice = decimal.NewNullDecimal(price)
			t := checkedAt
			p.LastCheckedAt = &t
			return prev, nil
		}
	}
	return decimal.NullDecimal{}, fmt.Errorf("product %d not found", id)
}

func (m *memStore) AppendPriceHistory(ctx context.Context, id uint64, price decimal.Decimal, recordedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, &models.PriceHistoryEntry{TrackedProductID: id, Price: price, RecordedAt: recordedAt})
	return nil
}

func (m *memStore) ListPriceHistory(ctx context.Context, id uint64, limit, offset int) ([]*models.PriceHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PriceHistoryEntry
	for _, h := range m.history {
		if h.TrackedProductID == id {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memStore) setPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

func (m *memStore) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *memStore) checked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.products {
		if p.LastCheckedAt != nil {
			n++
		}
	}
	return n
}

// flatGateway prices every url at 9.99.
type flatGateway struct{}

func (flatGateway) FetchBatch(ctx context.Context, urls []string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(urls))
	for _, u := range urls {
		b, _ := json.Marshal(map[string]any{"url": u, "price": 9.99})
		out = append(out, b)
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func testFactories(t *testing.T, mr *miniredis.Miniredis, store *memStore) workerFactories {
	t.Helper()
	return workerFactories{
		newStorage: func(cfg *config.Config) (productStore, error) { return store, nil },
		newQueue: func(cfg *config.Config) *redisqueue.Queue {
			return redisqueue.New(mr.Addr(), "price-check-test")
		},
		newGateway: func(cfg *config.Config) (pricefetch.Client, func(), error) {
			return flatGateway{}, nil, nil
		},
	}
}

func TestDefaultWorkerFactories_SelectGateway(t *testing.T) {
	f := defaultWorkerFactories()
	base := config.Config{Redis: config.RedisConfig{Host: "localhost", Port: 6379}}

	cfg := base
	c, closeFn, err := f.newGateway(&cfg)
	require.NoError(t, err)
	require.Nil(t, c)
	require.Nil(t, closeFn)

	cfg = base
	cfg.PriceCheck.GatewayMode = "fake"
	c, closeFn, err = f.newGateway(&cfg)
	require.NoError(t, err)
	_, ok := c.(*cached.Client)
	require.True(t, ok)
	closeFn()

	cfg = base
	cfg.PriceCheck.GatewayMode = "microdata"
	c, closeFn, err = f.newGateway(&cfg)
	require.NoError(t, err)
	require.NotNil(t, c)
	closeFn()

	cfg = base
	cfg.PriceCheck.GatewayMode = "actor"
	c, _, err = f.newGateway(&cfg)
	require.NoError(t, err)
	require.Nil(t, c)

	cfg.PriceCheck.GatewayActorID = "acme~prices"
	cfg.PriceCheck.GatewayToken = "tok"
	c, closeFn, err = f.newGateway(&cfg)
	require.NoError(t, err)
	require.NotNil(t, c)
	closeFn()

	cfg = base
	cfg.PriceCheck.GatewayMode = "carrier-pigeon"
	_, _, err = f.newGateway(&cfg)
	require.Error(t, err)
}

func TestDefaultWorkerFactories_OptionalParts(t *testing.T) {
	f := defaultWorkerFactories()

	cfg := &config.Config{Redis: config.RedisConfig{Host: "localhost", Port: 6379}}
	require.Nil(t, f.newProducer(cfg))
	require.Nil(t, f.newTriggerConsumer(cfg))

	l, closeFn := f.newLeaser(cfg)
	_, ok := l.(*rediscache.ProductLeaser)
	require.True(t, ok)
	closeFn()

	cfg.PriceCheck.ProductLeaseSeconds = -1
	l, closeFn = f.newLeaser(cfg)
	require.Nil(t, l)
	require.Nil(t, closeFn)

	cfg.Kafka = config.KafkaConfig{Host: "localhost", Port: 9092}
	require.NotNil(t, f.newProducer(cfg))
	require.Nil(t, f.newTriggerConsumer(cfg))
}

func TestDefaultWorkerFactories_QueueOptions(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
		PriceCheck: config.PriceCheckConfig{
			Attempts:            5,
			KeepCompleted:       10,
			LockDurationSeconds: 60,
		},
	}
	q := f.newQueue(cfg)
	defer q.Close()

	require.Equal(t, "price-check", q.Name())
	require.Equal(t, 5, q.Options().Attempts)
	require.Equal(t, 10, q.Options().KeepCompleted)
	require.Equal(t, time.Minute, q.Options().LockDuration)
}

func TestRunPriceWorker_DisabledReturnsNil(t *testing.T) {
	f := workerFactories{
		newStorage: func(cfg *config.Config) (productStore, error) {
			t.Fatal("storage must not be opened")
			return nil, nil
		},
	}
	require.NoError(t, RunPriceWorker(context.Background(), &config.Config{}, f))
}

func TestRunPriceWorker_NoGatewayReturnsNil(t *testing.T) {
	f := workerFactories{
		newGateway: func(cfg *config.Config) (pricefetch.Client, func(), error) { return nil, nil, nil },
		newStorage: func(cfg *config.Config) (productStore, error) {
			t.Fatal("storage must not be opened")
			return nil, nil
		},
	}
	cfg := &config.Config{PriceCheck: config.PriceCheckConfig{Enabled: true}}
	require.NoError(t, RunPriceWorker(context.Background(), cfg, f))
}

func TestRunPriceWorker_ContextCanceled(t *testing.T) {
	mr := miniredis.RunT(t)
	store := &memStore{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &config.Config{PriceCheck: config.PriceCheckConfig{Enabled: true}}
	err := RunPriceWorker(ctx, cfg, testFactories(t, mr, store))
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, store.closed.Load())
}

func TestRunPriceWorker_ChecksStaleProductsAndServesStats(t *testing.T) {
	mr := miniredis.RunT(t)
	old := time.Now().Add(-2 * time.Hour)
	store := &memStore{products: []*models.TrackedProduct{
		{ID: 1, ExternalProductID: "A1", Source: models.SourceAmazon, ReferenceURL: strPtr("https://shop.example/p/1")},
		{ID: 2, ExternalProductID: "A2", Source: models.SourceAmazon, ReferenceURL: strPtr("https://shop.example/p/2"), LastCheckedAt: &old},
		{ID: 3, ExternalProductID: "M3", Source: models.SourceMercadoLibre, ReferenceURL: strPtr("https://shop.example/p/3")},
	}}

	swagger := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(swagger, []byte(`{"swagger":"2.0"}`), 0o600))

	addrCh := make(chan string, 1)
	f := testFactories(t, mr, store)
	f.swaggerPath = swagger
	f.onListen = func(addr string) { addrCh <- addr }

	cfg := &config.Config{PriceCheck: config.PriceCheckConfig{
		Enabled:               true,
		HTTPAddr:              "127.0.0.1:0",
		QueuePollMilliseconds: 20,
		ProductLeaseSeconds:   -1,
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunPriceWorker(ctx, cfg, f) }()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(5 * time.Second):
		t.Fatal("http server did not start")
	}

	type statsResp struct {
		Scheduler pricecheck.SchedulerStats `json:"scheduler"`
		Processor pricecheck.ProcessorStats `json:"processor"`
	}
	var stats statsResp
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		stats = statsResp{}
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return false
		}
		return stats.Processor.TotalUpdated == 3
	}, 5*time.Second, 50*time.Millisecond)

	require.Equal(t, 3, store.checked())
	require.Equal(t, int64(1), stats.Scheduler.TotalBatches)
	require.Equal(t, int64(3), stats.Scheduler.TotalProducts)
	require.Equal(t, int64(1), stats.Processor.TotalBatches)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.True(t, store.closed.Load())
}
