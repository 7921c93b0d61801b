package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"retouch/internal/credentials"
	"retouch/internal/gateway"
	"retouch/internal/infra"
	"retouch/internal/store"
	"retouch/internal/worker"
)

func main() {
	jobID := flag.String("job", "", "process a single job by id and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	st := store.New(runner)

	gw := gateway.NewAdapter(gateway.Options{
		BrokerBaseURL: cfg.BrokerBaseURL,
		BrokerAPIKey:  cfg.BrokerAPIKey,
		NativeBaseURL: cfg.NativeBaseURL,
		NativeAPIKey:  cfg.NativeAPIKey,
		Keys:          credentials.NewStore(runner),
		Logger:        &logger,
	})

	w := worker.New(st, gw, st, logger, worker.Options{
		BatchSize: cfg.WorkerBatchSize,
		JobBudget: cfg.WorkerJobBudget,
		Schedule:  cfg.WorkerSchedule,
	})

	if *jobID != "" {
		if err := w.ProcessByID(ctx, *jobID); err != nil {
			logger.Fatal().Err(err).Str("job_id", *jobID).Msg("worker: targeted run failed")
		}
		logger.Info().Str("job_id", *jobID).Msg("worker: targeted run finished")
		return
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
