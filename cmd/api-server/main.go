package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinio/telemed-scheduling/internal/api"
	"github.com/clinio/telemed-scheduling/internal/config"
	"github.com/clinio/telemed-scheduling/internal/db"
	"github.com/clinio/telemed-scheduling/internal/logging"
	redisclient "github.com/clinio/telemed-scheduling/internal/redis"
	"github.com/clinio/telemed-scheduling/internal/schedule"
)

const version = "0.3.0"

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

	sugar.Infow("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort)

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

	migCtx, cancelMig := context.WithTimeout(rootCtx, 30*time.Second)
	err = db.Migrate(migCtx, pgPool)
	cancelMig()
	if err != nil {
		sugar.Fatalw("schema migration error", "error", err)
	}

	// Connect Redis
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
	svc := schedule.NewService(repo, locker, logNotifier{logger}, cfg, logger)

	router := api.NewRouter(api.RouterConfig{
		Service:  svc,
		Payments: devPayments{},
		PgPool:   pgPool,
		Redis:    rdb,
		Logger:   logger,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("http server error", "error", err)
		}
	case <-rootCtx.Done():
	}

	sugar.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http shutdown error", "error", err)
	}
}

// devPayments stands in for the hosted payment gateway outside prod: it
// accepts every initiation and hands back a fake checkout reference.
type devPayments struct{}

func (devPayments) Initiate(ctx context.Context, bookingID uuid.UUID, amountMinor int64, currency string) (schedule.PaymentRef, error) {
	return schedule.PaymentRef{
		Reference:   "dev-" + bookingID.String(),
		RedirectURL: "https://payments.invalid/checkout/" + bookingID.String(),
	}, nil
}

// logNotifier stands in for the video-room collaborator.
type logNotifier struct {
	log *zap.Logger
}

func (n logNotifier) Notify(ctx context.Context, booking schedule.Booking, ev schedule.Event) error {
	n.log.Info("session event",
		zap.String("booking_id", booking.ID.String()),
		zap.String("event", string(ev)))
	return nil
}
