package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"retouch/internal/credentials"
	"retouch/internal/gateway"
	"retouch/internal/http/handlers"
	"retouch/internal/http/httpapi"
	"retouch/internal/infra"
	"retouch/internal/infra/geoip"
	"retouch/internal/middleware"
	"retouch/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to connect database")
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

	var lookup middleware.CountryLookup
	geo, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	} else if geo != nil {
		defer geo.Close()
		lookup = geo.CountryCode
	}

	app := handlers.NewApp(cfg, logger, st, gw)
	router := httpapi.NewRouter(app, lookup)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("api: listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	logger.Info().Msg("api: stopped")
}
