package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/config"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/queue/redisqueue"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/services/pricecheck"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	httpSwagger "github.com/swaggo/http-swagger"
)

type queueOps interface {
	Status(ctx context.Context) (redisqueue.Counts, error)
	RecentJobs(ctx context.Context, state string, offset, limit int) ([]*redisqueue.Job, error)
	GetJob(ctx context.Context, id string) (*redisqueue.Job, error)
	Retry(ctx context.Context, id string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

type historyStore interface {
	ListPriceHistory(ctx context.Context, id uint64, limit, offset int) ([]*models.PriceHistoryEntry, error)
	Ping(ctx context.Context) error
}

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	scheduler *pricecheck.Scheduler
	worker    *redisqueue.Worker
	processor *pricecheck.Processor
	queue     queueOps
	store     historyStore
	cfg       *config.Config
}

type historyEntry struct {
	Price      decimal.Decimal `json:"price"`
	RecordedAt time.Time       `json:"recordedAt"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %q", name, v)
	}
	return n, nil
}

func newWorkerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if opts.store != nil {
			if err := opts.store.Ping(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, "storage"))
				return
			}
		}
		if opts.queue != nil {
			if _, err := opts.queue.Status(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, "queue"))
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if opts.scheduler != nil {
			out["scheduler"] = opts.scheduler.Stats()
		}
		if opts.worker != nil {
			out["worker"] = opts.worker.Stats()
		}
		if opts.processor != nil {
			out["processor"] = opts.processor.Stats()
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("config not wired"))
			return
		}
		// gateway token and database credentials stay out
		pc := opts.cfg.PriceCheck
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled":                   pc.Enabled,
			"queueName":                 pc.QueueName,
			"stalenessMinutes":          pc.StalenessMinutes,
			"batchSize":                 pc.BatchSize,
			"interBatchDelaySeconds":    pc.InterBatchDelaySeconds,
			"scheduleIntervalMinutes":   pc.ScheduleIntervalMinutes,
			"productLeaseSeconds":       pc.ProductLeaseSeconds,
			"attempts":                  pc.Attempts,
			"backoffSeconds":            pc.BackoffSeconds,
			"concurrency":               pc.Concurrency,
			"jobTimeoutSeconds":         pc.JobTimeoutSeconds,
			"gatewayMode":               pc.GatewayMode,
			"gatewayRateLimitPerMinute": pc.GatewayRateLimitPerMin,
			"resultCacheTTLSeconds":     pc.ResultCacheTTLSeconds,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.scheduler == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("scheduler not wired"))
			return
		}
		opts.scheduler.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			counts, err := opts.queue.Status(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, counts)
		})

		r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
			limit, err := queryInt(r, "limit", 20)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			offset, err := queryInt(r, "offset", 0)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			jobs, err := opts.queue.RecentJobs(r.Context(), r.URL.Query().Get("state"), offset, limit)
			if errors.Is(err, redisqueue.ErrBadState) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
		})

		r.Get("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			job, err := opts.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
			if errors.Is(err, redisqueue.ErrJobNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, job)
		})

		r.Post("/jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
			err := opts.queue.Retry(r.Context(), chi.URLParam(r, "id"))
			switch {
			case errors.Is(err, redisqueue.ErrJobNotFound):
				writeError(w, http.StatusNotFound, err)
			case errors.Is(err, redisqueue.ErrNotFailed):
				writeError(w, http.StatusConflict, err)
			case err != nil:
				writeError(w, http.StatusInternalServerError, err)
			default:
				writeJSON(w, http.StatusAccepted, map[string]bool{"retried": true})
			}
		})

		r.Post("/pause", func(w http.ResponseWriter, r *http.Request) {
			if err := opts.queue.Pause(r.Context()); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
		})

		r.Post("/resume", func(w http.ResponseWriter, r *http.Request) {
			if err := opts.queue.Resume(r.Context()); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
		})
	})

	r.Get("/products/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad product id %q", chi.URLParam(r, "id")))
			return
		}
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entries, err := opts.store.ListPriceHistory(r.Context(), id, limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out := make([]historyEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, historyEntry{Price: e.Price, RecordedAt: e.RecordedAt})
		}
		writeJSON(w, http.StatusOK, map[string]any{"productId": id, "history": out})
	})

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	return r
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8083"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("worker swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newWorkerRouter(opts)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
