// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tasknode assembles the orchestration client: the backend
// HTTP client, node registry, activation machine, install pipeline,
// workflow engine, and the shared subscription manager, wired with one
// logger and one metrics surface. The CLI and the read-model API both
// construct an Orchestrator and talk to its subsystems directly.
package tasknode

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/activation"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/backend"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/events"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/install"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/notify"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/observability"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/registry"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/workflow"
)

// Config assembles an Orchestrator.
type Config struct {
	// BackendURL is the base URL of the backend AI service.
	BackendURL string

	// DataDir hosts the descriptor cache. Empty keeps descriptors
	// in memory only (one-shot CLI invocations).
	DataDir string

	// Logger is the root logger; subsystems derive child loggers from
	// it. Nil falls back to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil; subsystems then skip instrumentation.
	Metrics *observability.Metrics
}

// Orchestrator owns one fully wired orchestration client.
type Orchestrator struct {
	Client     *backend.Client
	Registry   *registry.Registry
	Activation *activation.Machine
	Install    *install.Pipeline
	Workflow   *workflow.Engine
	Events     *events.Manager
	Bus        *notify.Bus

	logger *slog.Logger
	store  *registry.DescriptorStore
}

// New wires the subsystems together. The descriptor store opens under
// DataDir when set; a store that fails to open degrades to in-memory
// descriptors rather than failing construction.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.BackendURL == "" {
		return nil, errors.New("orchestrator requires a backend URL")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var store *registry.DescriptorStore
	if cfg.DataDir != "" {
		opened, err := registry.OpenStore(registry.StoreConfig{
			Path:   filepath.Join(cfg.DataDir, "descriptors"),
			Logger: logger,
		})
		if err != nil {
			logger.Warn("descriptor store unavailable, descriptors will not persist", "error", err)
		} else {
			store = opened
		}
	}

	client := backend.New(cfg.BackendURL, logger)
	reg := registry.New(client, store, logger)
	subs := events.NewManager(logger, cfg.Metrics)
	bus := notify.NewBus(logger)
	machine := activation.New(client, reg, subs, cfg.Metrics, logger)
	pipeline := install.New(client, reg, machine, subs, cfg.Metrics, logger)
	engine := workflow.New(client, reg, subs, bus, cfg.Metrics, logger)

	return &Orchestrator{
		Client:     client,
		Registry:   reg,
		Activation: machine,
		Install:    pipeline,
		Workflow:   engine,
		Events:     subs,
		Bus:        bus,
		logger:     logger,
		store:      store,
	}, nil
}

// Refresh pulls the catalog and reconciles optimistic activation
// states against it. A fetch error degrades silently: the previous
// view stays current and the error is returned for callers that want
// to surface staleness.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	err := o.Registry.Refresh(ctx)
	o.Activation.Reconcile()
	return err
}

// Resume re-attaches tracking that a previous session left in flight:
// currently the workflow run subscription. Called once at startup
// after the first Refresh.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.Workflow.Resume(ctx)
}

// Close force-closes every event subscription and releases the
// descriptor store.
func (o *Orchestrator) Close() error {
	o.Events.CloseAll()
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}
