// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// opspilot is the investigation API server. It exposes the session and
// run endpoints the dashboard frontend calls, the push-event stream
// proxy, and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ankitjain91/opspilot-sub004/services/config"
	"github.com/ankitjain91/opspilot-sub004/services/diag"
	"github.com/ankitjain91/opspilot-sub004/services/investigate"
	"github.com/ankitjain91/opspilot-sub004/services/llm"
	"github.com/ankitjain91/opspilot-sub004/services/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "opspilot:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.Server.Debug, isatty.IsTerminal(os.Stdout.Fd()))
	slog.SetDefault(logger)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "opspilot"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", slog.String("error", err.Error()))
		}
	}()

	chat := llm.NewOllamaClientWithConfig(cfg.Ollama.BaseURL, cfg.Ollama.Model, cfg.Ollama.Timeout())
	provider := diag.NewKubectlProvider(diag.KubectlOptions{
		Binary:            cfg.Kubectl.Binary,
		Kubeconfig:        cfg.Kubectl.Kubeconfig,
		Context:           cfg.Kubectl.Context,
		Timeout:           cfg.Kubectl.Timeout(),
		RequestsPerMinute: cfg.Kubectl.RequestsPerMinute,
	})

	catalog := investigate.NewCatalog()
	dispatcher := investigate.NewDispatcher(provider, catalog, cfg.Investigate.MaxToolOutputBytes, logger)

	temperature := cfg.Ollama.Temperature
	numCtx := cfg.Ollama.NumCtx
	orch := investigate.NewOrchestrator(chat, dispatcher, catalog, investigate.Options{
		MaxIterations: cfg.Investigate.MaxIterations,
		Params: llm.GenerationParams{
			Temperature: &temperature,
			NumCtx:      &numCtx,
		},
		Logger: logger,
	})

	sessions := investigate.NewManager()
	handlers := investigate.NewHandlers(orch, sessions, cfg.Stream.FeedURL, cfg.Stream.ThrottleWindow(), logger)

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("opspilot"))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	investigate.RegisterRoutes(router.Group("/v1"), handlers)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("opspilot listening",
			slog.Int("port", cfg.Server.Port),
			slog.String("model", cfg.Ollama.Model),
			slog.String("ollama", cfg.Ollama.BaseURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if *cfgPath != "" {
		g.Go(func() error {
			// Model swaps take effect without a restart; everything else
			// needs one.
			return config.Watch(ctx, *cfgPath, logger, func(next *config.Config) {
				if next.Ollama.Model != chat.Model() {
					logger.Info("switching model",
						slog.String("from", chat.Model()),
						slog.String("to", next.Ollama.Model))
					chat.SetModel(next.Ollama.Model)
				}
			})
		})
	}

	return g.Wait()
}
