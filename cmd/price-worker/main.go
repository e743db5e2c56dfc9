package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/10001111/ShopSavvy-Price-Tracker-sub000/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to parse config, %v", err))
	}
	if err := config.ApplyEnv(cfg, nil); err != nil {
		panic(err)
	}

	f := defaultWorkerFactories()
	f.swaggerPath = os.Getenv("swaggerPath")
	if f.swaggerPath == "" {
		f.swaggerPath = "api/price-worker.swagger.json"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunPriceWorker(ctx, cfg, f); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
