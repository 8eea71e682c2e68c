// Command server runs the hearth API.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"hearth/internal/bootstrap"
	"hearth/internal/config"
	"hearth/internal/observability"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	observability.InitLogger(cfg.Env)

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExport,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   cfg.SamplerRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	app.OnClose(shutdownTracing)

	if err := app.Server.StartWiring(ctx); err != nil {
		log.Fatalf("Failed to wire realtime notifications: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		observability.GlobalLogger.Info("server starting", "port", cfg.Port, "env", cfg.Env, "docstore", cfg.DocStoreDriver)
		errCh <- app.Server.Listen(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
		observability.GlobalLogger.Info("shutting down server")
	case err := <-errCh:
		observability.GlobalLogger.Error("server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Close(shutdownCtx); err != nil {
		log.Printf("Server resource shutdown error: %v", err)
	}
}
