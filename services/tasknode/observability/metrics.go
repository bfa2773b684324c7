// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes Prometheus metrics for the
// orchestration client: lifecycle counters for activations, installs,
// and workflow runs, plus stream health. The serve command mounts the
// handler at /metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the orchestrator's Prometheus collectors. All
// methods are safe on a nil receiver so components can run without
// metrics wired (tests, one-shot CLI invocations).
type Metrics struct {
	registry *prometheus.Registry

	activations  *prometheus.CounterVec
	installs     *prometheus.CounterVec
	workflowRuns *prometheus.CounterVec
	reconnects   prometheus.Counter
	streamsOpen  prometheus.Gauge
}

// New creates and registers the orchestrator collectors on a private
// registry, keeping the /metrics surface free of unrelated process
// collectors from other libraries.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tissuelab",
			Subsystem: "tasknode",
			Name:      "activations_total",
			Help:      "Task node activations by terminal result.",
		}, []string{"result"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tissuelab",
			Subsystem: "tasknode",
			Name:      "installs_total",
			Help:      "Bundle installations by terminal result.",
		}, []string{"result"}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tissuelab",
			Subsystem: "tasknode",
			Name:      "workflow_runs_total",
			Help:      "Workflow runs by terminal result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tissuelab",
			Subsystem: "tasknode",
			Name:      "stream_reconnects_total",
			Help:      "Workflow stream reconnection attempts after mid-run loss.",
		}),
		streamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tissuelab",
			Subsystem: "tasknode",
			Name:      "event_streams_open",
			Help:      "Currently open event-stream subscriptions.",
		}),
	}

	registry.MustRegister(m.activations, m.installs, m.workflowRuns, m.reconnects, m.streamsOpen)
	return m
}

// Handler returns the /metrics HTTP handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ActivationResult records a terminal activation outcome ("running" or
// "failed").
func (m *Metrics) ActivationResult(result string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(result).Inc()
}

// InstallResult records a terminal install outcome ("ready", "failed",
// or "busy" for rejected concurrent starts).
func (m *Metrics) InstallResult(result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result).Inc()
}

// WorkflowResult records a terminal run outcome ("complete" or
// "stopped").
func (m *Metrics) WorkflowResult(result string) {
	if m == nil {
		return
	}
	m.workflowRuns.WithLabelValues(result).Inc()
}

// Reconnect counts one workflow stream reconnection attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// StreamOpened and StreamClosed track the open-subscription gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streamsOpen.Inc()
}

// StreamClosed decrements the open-subscription gauge.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streamsOpen.Dec()
}
