package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/pointledger/backend/internal/cancellation"
	"github.com/pointledger/backend/internal/config"
	"github.com/pointledger/backend/internal/escrow"
	"github.com/pointledger/backend/internal/ledger"
	"github.com/pointledger/backend/internal/lock"
	"github.com/pointledger/backend/internal/outbox"
	"github.com/pointledger/backend/internal/policy"
	"github.com/pointledger/backend/internal/repository"
	"github.com/pointledger/backend/internal/router"
	"github.com/pointledger/backend/internal/store"
	"github.com/pointledger/backend/internal/withdrawal"
	"github.com/pointledger/backend/internal/workers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("POINTLEDGER_CONFIG"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := store.Bootstrap(ctx, pool); err != nil {
		slog.Error("Schema bootstrap failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Policy snapshot (seeds defaults on first run)
	policyStore := policy.NewStore(pool)
	if err := policyStore.Load(ctx); err != nil {
		slog.Error("Failed to load policy snapshot", "error", err)
		os.Exit(1)
	}
	slog.Info("Policy snapshot loaded", "version", policyStore.Current().Version)

	// Redis (per-fulfiller cancellation locks)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("Cannot reach Redis", "error", err)
		os.Exit(1)
	}
	locks := lock.NewManager(redisClient)

	// Kafka producer for outbox delivery
	publisher, err := outbox.NewPublisher(cfg.Kafka.Brokers)
	if err != nil {
		slog.Error("Failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)

	// Escrow settlement
	outboxRepo := outbox.NewRepository(pool)
	escrowRepo := escrow.NewRepository(pool)
	disputeWindow := time.Duration(cfg.Business.DisputeWindowHours) * time.Hour
	escrowSvc := escrow.NewService(escrowRepo, ledgerSvc, policyStore, outboxRepo, disputeWindow, logger)

	// Cancellation fee engine
	cancelRepo := cancellation.NewRepository(pool)
	cancelSvc := cancellation.NewService(cancelRepo, escrowRepo, ledgerSvc, policyStore, locks, logger)

	// Withdrawals
	withdrawalRepo := withdrawal.NewRepository(pool)
	withdrawalSvc := withdrawal.NewService(withdrawalRepo, ledgerSvc, outboxRepo, cfg.Business.PayoutJWTSecret, logger)

	// Background workers: dispute-deadline sweep and outbox delivery
	riverWorkers := river.NewWorkers()
	river.AddWorker(riverWorkers, workers.NewEscrowSweepWorker(escrowSvc, logger))
	river.AddWorker(riverWorkers, workers.NewOutboxSendWorker(outboxRepo, publisher, cfg.Business.OutboxBatchSize, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: riverWorkers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(time.Duration(cfg.Business.SweepIntervalSeconds)*time.Second),
				func() (river.JobArgs, *river.InsertOpts) {
					return workers.EscrowSweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(time.Duration(cfg.Business.OutboxIntervalSeconds)*time.Second),
				func() (river.JobArgs, *river.InsertOpts) {
					return workers.OutboxSendArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// HTTP surface
	keyRepo := repository.NewServiceKeyRepo(pool)
	apiRouter := router.New(
		keyRepo,
		ledger.NewHandler(ledgerSvc, logger),
		escrow.NewHandler(escrowSvc, logger),
		cancellation.NewHandler(cancelSvc, logger),
		withdrawal.NewHandler(withdrawalSvc, logger),
		policy.NewHandler(policyStore, logger),
	)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + strconv.Itoa(cfg.Server.Port)
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
