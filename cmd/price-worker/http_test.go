package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/config"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/queue/redisqueue"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/services/pricecheck"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type WorkerHTTPSuite struct {
	suite.Suite

	mr    *miniredis.Miniredis
	q     *redisqueue.Queue
	jq    *pricecheck.JobQueue
	store *memStore
	srv   *httptest.Server
}

func TestWorkerHTTPSuite(t *testing.T) {
	suite.Run(t, new(WorkerHTTPSuite))
}

func (s *WorkerHTTPSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.q = redisqueue.New(s.mr.Addr(), "price-check-http")
	s.jq = pricecheck.NewJobQueue(s.q)
	s.store = &memStore{}

	swagger := filepath.Join(s.T().TempDir(), "swagger.json")
	s.Require().NoError(os.WriteFile(swagger, []byte(`{"swagger":"2.0"}`), 0o600))

	sched := pricecheck.NewScheduler(s.store, s.jq)
	s.srv = httptest.NewServer(newWorkerRouter(workerHTTPOpts{
		swaggerPath: swagger,
		scheduler:   sched,
		worker:      redisqueue.NewWorker(s.q, func(ctx context.Context, job *redisqueue.Job) (any, error) { return nil, nil }),
		processor:   pricecheck.NewProcessor(s.store, flatGateway{}),
		queue:       s.jq,
		store:       s.store,
		cfg: &config.Config{PriceCheck: config.PriceCheckConfig{
			Enabled:      true,
			BatchSize:    20,
			GatewayToken: "secret-token",
		}},
	}))
}

func (s *WorkerHTTPSuite) TearDownTest() {
	s.srv.Close()
	_ = s.q.Close()
}

func (s *WorkerHTTPSuite) do(method, path string) (*http.Response, map[string]any) {
	req, err := http.NewRequest(method, s.srv.URL+path, nil)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func (s *WorkerHTTPSuite) enqueue(id string) {
	job := models.PriceCheckBatchJob{
		BatchIndex:  0,
		ScheduledAt: time.Now().UTC(),
		Products:    []models.ProductSnapshot{{TrackedProductID: 1, ReferenceURL: "https://shop.example/p/1"}},
	}
	created, err := s.jq.EnqueueBatch(context.Background(), job, 0, id)
	s.Require().NoError(err)
	s.Require().True(created)
}

func (s *WorkerHTTPSuite) TestHealthz() {
	resp, body := s.do(http.MethodGet, "/healthz")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["status"])
}

func (s *WorkerHTTPSuite) TestReadyz() {
	resp, _ := s.do(http.MethodGet, "/readyz")
	s.Equal(http.StatusOK, resp.StatusCode)

	s.store.setPingErr(errors.New("connection refused"))
	resp, body := s.do(http.MethodGet, "/readyz")
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
	s.Contains(body["error"], "storage")
}

func (s *WorkerHTTPSuite) TestConfigHidesToken() {
	resp, body := s.do(http.MethodGet, "/config")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(20), body["batchSize"])
	for _, v := range body {
		s.NotEqual("secret-token", v)
	}
}

func (s *WorkerHTTPSuite) TestStats() {
	resp, body := s.do(http.MethodGet, "/stats")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(body, "scheduler")
	s.Contains(body, "worker")
	s.Contains(body, "processor")
}

func (s *WorkerHTTPSuite) TestTrigger() {
	resp, body := s.do(http.MethodPost, "/trigger")
	s.Equal(http.StatusAccepted, resp.StatusCode)
	s.Equal(true, body["triggered"])
}

func (s *WorkerHTTPSuite) TestQueueStatusAndPause() {
	s.enqueue("pricecheck-1-0")

	resp, body := s.do(http.MethodGet, "/queue/status")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(1), body["waiting"])
	s.Equal(false, body["paused"])

	resp, _ = s.do(http.MethodPost, "/queue/pause")
	s.Equal(http.StatusOK, resp.StatusCode)
	_, body = s.do(http.MethodGet, "/queue/status")
	s.Equal(true, body["paused"])

	resp, _ = s.do(http.MethodPost, "/queue/resume")
	s.Equal(http.StatusOK, resp.StatusCode)
	_, body = s.do(http.MethodGet, "/queue/status")
	s.Equal(false, body["paused"])
}

func (s *WorkerHTTPSuite) TestJobs() {
	s.enqueue("pricecheck-1-0")
	s.enqueue("pricecheck-1-1")

	resp, body := s.do(http.MethodGet, "/queue/jobs?state=waiting&limit=10")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Len(body["jobs"], 2)

	resp, _ = s.do(http.MethodGet, "/queue/jobs?state=bogus")
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/queue/jobs?limit=many")
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *WorkerHTTPSuite) TestGetJob() {
	s.enqueue("pricecheck-1-0")

	resp, body := s.do(http.MethodGet, "/queue/jobs/pricecheck-1-0")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("pricecheck-1-0", body["id"])
	s.Equal(pricecheck.JobName, body["name"])

	resp, _ = s.do(http.MethodGet, "/queue/jobs/nope")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *WorkerHTTPSuite) TestRetryNonFailedJobConflicts() {
	s.enqueue("pricecheck-1-0")
	resp, _ := s.do(http.MethodPost, "/queue/jobs/pricecheck-1-0/retry")
	s.Equal(http.StatusConflict, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/queue/jobs/missing/retry")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *WorkerHTTPSuite) TestProductHistory() {
	at := time.Date(2025, 3, 4, 5, 6, 0, 0, time.UTC)
	s.Require().NoError(s.store.AppendPriceHistory(context.Background(), 7, decimal.RequireFromString("19.90"), at))
	s.Require().NoError(s.store.AppendPriceHistory(context.Background(), 8, decimal.RequireFromString("5"), at))

	resp, body := s.do(http.MethodGet, "/products/7/history")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(float64(7), body["productId"])
	history, ok := body["history"].([]any)
	s.Require().True(ok)
	s.Require().Len(history, 1)
	s.Equal("19.9", history[0].(map[string]any)["price"])

	resp, _ = s.do(http.MethodGet, "/products/abc/history")
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *WorkerHTTPSuite) TestSwaggerJSON() {
	resp, body := s.do(http.MethodGet, "/swagger.json")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("no-store", resp.Header.Get("Cache-Control"))
	s.Equal("2.0", body["swagger"])
}

func TestWorkerRouter_UnwiredPartsAreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	q := redisqueue.New(mr.Addr(), "price-check-unwired")
	t.Cleanup(func() { _ = q.Close() })
	srv := httptest.NewServer(newWorkerRouter(workerHTTPOpts{
		queue: pricecheck.NewJobQueue(q),
		store: &memStore{},
	}))
	t.Cleanup(srv.Close)

	for _, tc := range []struct {
		method, path, msg string
	}{
		{http.MethodGet, "/config", "config not wired"},
		{http.MethodPost, "/trigger", "scheduler not wired"},
	} {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, tc.path)
		require.Equal(t, tc.msg, body["error"])
	}
}

func TestRunWorkerHTTPServer_RequiresSwagger(t *testing.T) {
	err := runWorkerHTTPServer(context.Background(), workerHTTPOpts{httpAddr: "127.0.0.1:0"})
	require.Error(t, err)

	err = runWorkerHTTPServer(context.Background(), workerHTTPOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: filepath.Join(t.TempDir(), "missing.json"),
	})
	require.Error(t, err)
}

func TestRunWorkerHTTPServer_StopsOnCancel(t *testing.T) {
	swagger := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(swagger, []byte(`{}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: swagger,
			onListen:    func(addr string) { addrCh <- addr },
		})
	}()

	addr := <-addrCh
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
