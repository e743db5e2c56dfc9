package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/config"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/broker/kafka"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/broker/messages"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/cache/rediscache"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch/actorhttp"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch/cached"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch/fake"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/integrations/pricefetch/microdata"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/models"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/queue/redisqueue"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/services/pricecheck"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/storage/gormproducts"
	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/internal/storage/pgproducts"
)

type productStore interface {
	pricecheck.ProductLister
	pricecheck.PriceStore
	ListPriceHistory(ctx context.Context, id uint64, limit, offset int) ([]*models.PriceHistoryEntry, error)
	Ping(ctx context.Context) error
	Close() error
}

type triggerConsumer interface {
	ConsumeCheckRequests(ctx context.Context, trigger func(messages.CheckRequested)) error
	Close() error
}

type workerFactories struct {
	newStorage func(cfg *config.Config) (productStore, error)
	newQueue   func(cfg *config.Config) *redisqueue.Queue
	// newGateway returns a nil client when no gateway is configured.
	newGateway         func(cfg *config.Config) (client pricefetch.Client, closeFn func(), err error)
	newProducer        func(cfg *config.Config) pricecheck.Producer
	newLeaser          func(cfg *config.Config) (leaser pricecheck.Leaser, closeFn func())
	newTriggerConsumer func(cfg *config.Config) triggerConsumer

	swaggerPath string
	onListen    func(httpAddr string)
}

func redisAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
}

func kafkaBrokers(cfg *config.Config) []string {
	return []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
}

func priceUpdatedTopic(cfg *config.Config) string {
	if cfg.Kafka.PriceUpdatedTopicName == "" {
		return "price.updated"
	}
	return cfg.Kafka.PriceUpdatedTopicName
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (productStore, error) {
			db := cfg.Database
			if db.Driver == "mysql" {
				dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
					db.Username, db.Password, db.Host, db.Port, db.DBName)
				return gormproducts.New(dsn)
			}
			sslMode := db.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				db.Username, db.Password, db.Host, db.Port, db.DBName, sslMode)
			return pgproducts.New(connString)
		},
		newQueue: func(cfg *config.Config) *redisqueue.Queue {
			pc := cfg.PriceCheck
			name := pc.QueueName
			if name == "" {
				name = "price-check"
			}
			return redisqueue.New(redisAddr(cfg), name).WithOptions(redisqueue.Options{
				Attempts:      pc.Attempts,
				Backoff:       redisqueue.BackoffConfig{Initial: time.Duration(pc.BackoffSeconds) * time.Second},
				KeepCompleted: pc.KeepCompleted,
				KeepFailed:    pc.KeepFailed,
				LockDuration:  time.Duration(pc.LockDurationSeconds) * time.Second,
			})
		},
		newGateway: func(cfg *config.Config) (pricefetch.Client, func(), error) {
			pc := cfg.PriceCheck
			var inner pricefetch.Client
			switch pc.GatewayMode {
			case "":
				return nil, nil, nil
			case "fake":
				inner = fake.New()
			case "actor":
				if pc.GatewayActorID == "" || pc.GatewayToken == "" {
					// no fetch capability without credentials
					return nil, nil, nil
				}
				inner = actorhttp.New(pc.GatewayBaseURL, pc.GatewayActorID, pc.GatewayToken).
					WithWait(time.Duration(pc.GatewayWaitBudgetSeconds)*time.Second, 0)
			case "microdata":
				inner = microdata.New(pc.MicrodataPar)
			default:
				return nil, nil, fmt.Errorf("unknown gateway mode %q", pc.GatewayMode)
			}

			rc := rediscache.New(redisAddr(cfg))
			rl := rediscache.NewRateLimiter(redisAddr(cfg))
			client := cached.New(inner, rc, rl).
				WithLimits(time.Duration(pc.ResultCacheTTLSeconds)*time.Second, pc.GatewayRateLimitPerMin)
			return client, func() {
				_ = rc.Close()
				_ = rl.Close()
			}, nil
		},
		newProducer: func(cfg *config.Config) pricecheck.Producer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			return kafka.NewProducer(kafkaBrokers(cfg))
		},
		newLeaser: func(cfg *config.Config) (pricecheck.Leaser, func()) {
			if cfg.PriceCheck.ProductLeaseSeconds < 0 {
				return nil, nil
			}
			l := rediscache.NewProductLeaser(redisAddr(cfg))
			return l, func() { _ = l.Close() }
		},
		newTriggerConsumer: func(cfg *config.Config) triggerConsumer {
			if cfg.Kafka.Host == "" || cfg.Kafka.CheckRequestedTopic == "" {
				return nil
			}
			group := cfg.Kafka.ConsumerGroup
			if group == "" {
				group = "price-worker"
			}
			return kafka.NewCheckRequestConsumer(kafkaBrokers(cfg), cfg.Kafka.CheckRequestedTopic, group)
		},
	}
}

// RunPriceWorker runs the scheduler, the batch worker and the ops HTTP surface until ctx is
// cancelled. A disabled worker, or one without a price gateway, returns nil right away.
func RunPriceWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	pc := cfg.PriceCheck
	if !pc.Enabled {
		slog.Info("price worker disabled")
		return nil
	}

	staleness := time.Duration(pc.StalenessMinutes) * time.Minute
	if staleness <= 0 {
		staleness = 30 * time.Minute
	}
	batchSize := pc.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	interBatchDelay := time.Duration(pc.InterBatchDelaySeconds) * time.Second
	if interBatchDelay <= 0 {
		interBatchDelay = 5 * time.Second
	}
	interval := time.Duration(pc.ScheduleIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	concurrency := pc.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	jobTimeout := time.Duration(pc.JobTimeoutSeconds) * time.Second
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	leaseTTL := time.Duration(pc.ProductLeaseSeconds) * time.Second

	gateway, closeGateway, err := f.newGateway(cfg)
	if err != nil {
		return err
	}
	if gateway == nil {
		slog.Warn("no price gateway configured, price worker not started", "gateway_mode", pc.GatewayMode)
		return nil
	}
	if closeGateway != nil {
		defer closeGateway()
	}

	store, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	q := f.newQueue(cfg)
	defer func() { _ = q.Close() }()
	jq := pricecheck.NewJobQueue(q)

	var leaser pricecheck.Leaser
	if f.newLeaser != nil {
		var closeLeaser func()
		leaser, closeLeaser = f.newLeaser(cfg)
		if closeLeaser != nil {
			defer closeLeaser()
		}
	}

	proc := pricecheck.NewProcessor(store, gateway).WithLeaseReleaser(leaser)
	if f.newProducer != nil {
		if producer := f.newProducer(cfg); producer != nil {
			proc.WithPublisher(producer, priceUpdatedTopic(cfg))
			if c, ok := producer.(interface{ Close() error }); ok {
				defer func() { _ = c.Close() }()
			}
		}
	}

	worker := redisqueue.NewWorker(q, proc.Handle).WithSettings(
		concurrency,
		time.Duration(pc.QueuePollMilliseconds)*time.Millisecond,
		time.Duration(pc.StalledCheckSeconds)*time.Second,
		jobTimeout,
	)
	sched := pricecheck.NewScheduler(store, jq).
		WithSettings(staleness, batchSize, interBatchDelay, interval).
		WithLeaser(leaser, leaseTTL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = worker.Run(ctx)
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	if f.newTriggerConsumer != nil {
		if consumer := f.newTriggerConsumer(cfg); consumer != nil {
			defer func() { _ = consumer.Close() }()
			go consumeCheckRequests(ctx, consumer, sched)
		}
	}

	httpErr := make(chan error, 1)
	if pc.HTTPAddr != "" {
		go func() {
			err := runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    pc.HTTPAddr,
				swaggerPath: f.swaggerPath,
				onListen:    f.onListen,
				scheduler:   sched,
				worker:      worker,
				processor:   proc,
				queue:       jq,
				store:       store,
				cfg:         cfg,
			})
			if err != nil && ctx.Err() == nil {
				httpErr <- err
			}
		}()
	}

	slog.Info("price worker started",
		"queue", q.Name(), "concurrency", concurrency, "batch_size", batchSize,
		"staleness", staleness.String(), "interval", interval.String())

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-httpErr:
		runErr = err
	}

	cancel()
	<-schedDone
	<-workerDone
	slog.Info("price worker stopped")
	return runErr
}

func consumeCheckRequests(ctx context.Context, c triggerConsumer, sched *pricecheck.Scheduler) {
	for {
		err := c.ConsumeCheckRequests(ctx, func(m messages.CheckRequested) {
			slog.Info("price check requested", "reason", m.Reason)
			sched.Trigger()
		})
		if ctx.Err() != nil {
			return
		}
		slog.Warn("check request consumer stopped, restarting", "error", fmt.Sprint(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
