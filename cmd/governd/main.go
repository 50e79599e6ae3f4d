// Command governd serves a small content API behind the govern middleware.
//
//	governd -config governd.yaml
//	governd -inmem            # embedded Redis, in-memory users, ephemeral keys
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/clank08/govern/internal/config"
	"github.com/clank08/govern/internal/obs"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config; GOVERN_* env vars override it")
		inMem      = flag.Bool("inmem", false, "run against an embedded Redis with in-memory users")
		seedUser   = flag.String("seed-user", "demo@example.com:demo-password", "identifier:password created in the in-memory user store")
	)
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *inMem {
		cfg.Redis.InMemory = true
		cfg.DB.DSN = ""
	}

	logger, err := obs.NewLogger(cfg.AsLoggerConfig())
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting governd", zap.String("env", cfg.App.Env), zap.String("ver", cfg.App.Version))

	otelProviders, err := obs.SetupOTel(rootCtx, cfg.OTEL.AsOTelConfig())
	if err != nil {
		logger.Fatal("otel init", zap.Error(err))
	}
	defer func() { _ = otelProviders.Shutdown(context.Background()) }()

	app, err := buildApp(rootCtx, cfg, logger, *seedUser)
	if err != nil {
		logger.Fatal("build app", zap.Error(err))
	}
	defer app.Close()

	metricsSrv := obs.BootstrapMetricsServer(cfg.Server.MetricsAddr, app.health, logger, app.collector)

	httpSrv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      app.router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr))
		httpErrCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal", zap.String("reason", "context canceled"))
	case err := <-httpErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shCtx)
	_ = metricsSrv.Shutdown(shCtx)
	logger.Info("bye")
}
