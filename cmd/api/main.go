package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/craftlink/backend/internal/auth"
	"github.com/craftlink/backend/internal/bank"
	"github.com/craftlink/backend/internal/booking"
	"github.com/craftlink/backend/internal/config"
	"github.com/craftlink/backend/internal/gateway"
	"github.com/craftlink/backend/internal/ledger"
	"github.com/craftlink/backend/internal/notify"
	"github.com/craftlink/backend/internal/payout"
	"github.com/craftlink/backend/internal/ratelimit"
	"github.com/craftlink/backend/internal/recon"
	"github.com/craftlink/backend/internal/router"
	"github.com/craftlink/backend/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Redis is optional: without it the rate limiters allow everything and
	// the bank directory is fetched fresh each time.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, rate limiting and bank cache degraded", "error", err)
		}
	}

	// Gateway, with directory reads served through the cache.
	gw := gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout, logger)
	dir := bank.NewDirectory(gw, rdb, cfg.BankCacheTTL, logger)
	cachedGW := bank.NewCachingClient(gw, dir)

	// Repositories
	accountRepo := auth.NewRepository(pool)
	bookingRepo := booking.NewRepository(pool)
	paymentRepo := ledger.NewRepository(pool)
	bankRepo := bank.NewRepository(pool)

	// Events
	var emitter notify.Emitter
	if cfg.AMQPURL != "" {
		amqpEmitter, err := notify.NewAMQPEmitter(cfg.AMQPURL, logger)
		if err != nil {
			slog.Warn("AMQP unavailable, events will only be logged", "error", err)
			emitter = &notify.LogEmitter{Logger: logger}
		} else {
			defer func() { _ = amqpEmitter.Close() }()
			emitter = amqpEmitter
		}
	} else {
		emitter = &notify.LogEmitter{Logger: logger}
	}

	engine := recon.NewEngine(pool, bookingRepo, paymentRepo, bankRepo, cachedGW, cfg.StalePayoutAfter, emitter, logger)
	orchestrator := payout.NewOrchestrator(bookingRepo, paymentRepo, bankRepo, cachedGW, emitter, logger)

	// River insert funcs are set after the client is created (breaks the
	// init cycle between workers and client).
	var insertMu sync.Mutex
	var insertPayoutTx payout.EnqueueTxFunc
	var insertPayout recon.EnqueuePayoutFunc

	enqueuePayoutTx := func(ctx context.Context, tx pgx.Tx, args payout.AuthorizePayoutArgs) error {
		insertMu.Lock()
		fn := insertPayoutTx
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	enqueuePayout := func(ctx context.Context, bookingID uuid.UUID) error {
		insertMu.Lock()
		fn := insertPayout
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, bookingID)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, payout.NewAuthorizePayoutWorker(orchestrator))
	river.AddWorker(workers, recon.NewSweepWorker(paymentRepo, engine, enqueuePayout, cfg.StalePayoutAfter, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			recon.NewSweepPeriodicJob(cfg.SweepInterval),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertPayoutTx = func(ctx context.Context, tx pgx.Tx, args payout.AuthorizePayoutArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertPayout = func(ctx context.Context, bookingID uuid.UUID) error {
		_, err := riverClient.Insert(ctx, payout.AuthorizePayoutArgs{BookingID: bookingID}, nil)
		return err
	}
	insertMu.Unlock()

	// Services
	authSvc := auth.NewService(accountRepo, cfg.JWTSecret)
	ledgerSvc := ledger.NewService(paymentRepo, bookingRepo, accountRepo, gw, cfg.PlatformFeePercent, cfg.PaymentCallbackURL)
	bookingSvc := booking.NewService(bookingRepo, paymentRepo, accountRepo, engine, enqueuePayoutTx, emitter, logger)
	bankSvc := bank.NewService(bankRepo, dir, cfg.DefaultCountry, logger)

	// Handlers
	authHandler := auth.NewHandler(authSvc, logger)
	bookingHandler := booking.NewHandler(bookingSvc, ledgerSvc, logger)
	bankHandler := bank.NewHandler(bankSvc, logger)
	webhookHandler := webhook.NewHandler(cfg.GatewaySecretKey, pool, paymentRepo, bookingRepo, engine, emitter, logger)

	syncLimiter := ratelimit.New(rdb, ratelimit.PerWindow(cfg.SyncRateCapacity, cfg.SyncRateWindow))
	payLimiter := ratelimit.New(rdb, ratelimit.PerWindow(cfg.PayRateCapacity, cfg.PayRateWindow))

	api := router.New(router.Deps{
		Auth:        authHandler,
		Bookings:    bookingHandler,
		Banks:       bankHandler,
		Webhooks:    webhookHandler,
		Tokens:      authSvc,
		SyncLimiter: syncLimiter,
		PayLimiter:  payLimiter,
		Logger:      logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(api)

	// Start River client (payout authorization + reconciliation sweep)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	addr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", addr, "env", cfg.Env)
	if err := http.ListenAndServe(addr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
