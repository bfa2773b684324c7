// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zhihuanglab/TissueLab-sub003/cmd/tissuelab/config"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/api"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/observability"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("tissuelab-tasknode")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := config.Global.Serve
	port := cfg.Port
	if servePortFlag != 0 {
		port = servePortFlag
	}

	metrics := observability.New()
	orc, err := tasknode.New(tasknode.Config{
		BackendURL: config.Global.Backend.BaseURL,
		DataDir:    config.Global.Data.Dir,
		Logger:     appLogger.Slog(),
		Metrics:    metrics,
	})
	if err != nil {
		log.Fatalf("Failed to build the orchestration stack: %v", err)
	}
	defer orc.Close()

	ctx := context.Background()
	if err := orc.Refresh(ctx); err != nil {
		// The UI can still connect; the registry will catch up on the
		// next refresh request.
		slog.Warn("initial registry refresh failed", "error", err)
	}
	if err := orc.Resume(ctx); err != nil {
		slog.Warn("workflow resume failed", "error", err)
	}

	if cfg.PanelsFile != "" {
		if panels, err := loadPanelsFile(cfg.PanelsFile); err != nil {
			slog.Warn("panels file not loaded", "path", cfg.PanelsFile, "error", err)
		} else {
			orc.Workflow.SetPanels(panels)
		}
		watcher, err := watchPanelsFile(cfg.PanelsFile, orc)
		if err != nil {
			slog.Warn("panels file watch unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	if cfg.Observability {
		cleanup, err := initTracer(cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	if cfg.Observability {
		router.Use(otelgin.Middleware("tissuelab-tasknode"))
	}
	api.SetupRoutes(router, orc, metrics)

	slog.Info("starting the task-node control surface", "port", port)
	if err := router.Run(fmt.Sprintf(":%d", port)); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// watchPanelsFile reloads the workflow panel list whenever the file
// changes. Editors replace files via rename, so the parent directory
// is watched rather than the file itself.
func watchPanelsFile(path string, orc *tasknode.Orchestrator) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				panels, err := loadPanelsFile(path)
				if err != nil {
					slog.Warn("panels file reload failed", "error", err)
					continue
				}
				orc.Workflow.SetPanels(panels)
				slog.Info("panels file reloaded", "panels", len(panels))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("panels file watcher error", "error", err)
			}
		}
	}()
	return watcher, nil
}
