package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clinio/telemed-scheduling/internal/config"
	"github.com/clinio/telemed-scheduling/internal/db"
	"github.com/clinio/telemed-scheduling/internal/logging"
	redisclient "github.com/clinio/telemed-scheduling/internal/redis"
	"github.com/clinio/telemed-scheduling/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		panic("logger init error: " + err.Error())
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Infow("expiry-worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		sugar.Fatalw("postgres connection error", "error", err)
	}
	defer pgPool.Close()
	sugar.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		sugar.Fatalw("redis connection error", "error", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			sugar.Warnw("error closing redis", "error", err)
		}
	}()
	sugar.Info("connected to Redis")

	repo := schedule.NewPgRepository(pgPool)
	locker := redisclient.NewRedisProviderLocker(rdb, cfg.LockTTL)
	svc := schedule.NewService(repo, locker, nil, cfg, logger)

	// Run once at startup
	runOnce(rootCtx, svc, sugar)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			sugar.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, sugar)
		}
	}
}

// runOnce cancels unpaid bookings whose start time has already passed, so
// lapsed reservations stop cluttering patient lists. Future bookings with a
// failed payment are left alone: they stay retryable.
func runOnce(ctx context.Context, svc *schedule.Service, sugar *zap.SugaredLogger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	expired, err := svc.ExpireLapsedBookings(runCtx)
	if err != nil {
		sugar.Warnw("expiry run error", "error", err)
		return
	}
	sugar.Infow("expiry run complete", "expired", expired, "duration", time.Since(start))
}
