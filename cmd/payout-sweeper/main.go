// Command payout-sweeper runs one payout sweep and exits. It shares the Redis
// lock with the service, so it is safe to run from cron next to it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"ms-settlement/internal/config"
	"ms-settlement/internal/database"
	"ms-settlement/internal/kafka"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/payout"
	payoutdb "ms-settlement/internal/payout/db"
	"ms-settlement/internal/processor"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewLogger(logger.Options{Dir: cfg.Log.Dir, Service: "payout-sweeper", Level: cfg.Log.Level})
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}

	var publisher payout.Publisher
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		publisher = producer
	}

	sweeper := payout.NewSweeper(
		&payoutdb.DB{Bun: db},
		processor.NewClient(cfg.Processor, log),
		payout.NewLock(rdb, "", cfg.Payout.LockTTL),
		publisher,
		nil,
		log,
		payout.Options{
			DefaultThreshold: cfg.Payout.DefaultThreshold,
			Currency:         cfg.Payout.Currency,
			TransferTopic:    cfg.Kafka.Topics.PayoutTransfer,
			AutoRecredit:     cfg.Payout.AutoRecredit,
		},
	)

	report, err := sweeper.Sweep(ctx)
	if err != nil {
		log.Error("PAYOUT", fmt.Sprintf("Sweep failed: %v", err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if report.Failed > 0 {
		return 1
	}
	return 0
}
