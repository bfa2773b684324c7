// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package activation drives the per-node lifecycle state machine.

# States

	inactive → activating → {running, failed}

A running node returns to inactive only through an explicit Deactivate;
stream expiry never demotes it. "activating" is a purely client-side
optimistic state: it is entered when the backend accepts a registration
request and left when a terminal event arrives on the node's activation
stream — or, if the stream was force-closed by teardown, when the next
registry refresh reconciles it.

# Event Handling

Each activating node owns one event subscription keyed by its name.
"starting" events are coalesced (repeatable, no state change); "ready"
transitions to running, closes the subscription, and refreshes the
registry; "failed" transitions to failed, stores the failure metadata
(always carrying a log reference when one is available), and closes the
subscription. Terminal handlers unsubscribe themselves — the
subscription layer never expires streams on its own.

# Deactivation

Deactivate resolves the node to its backend-visible environment name —
falling back to a deterministic default derived from the node name when
the registry has none — issues a stop request, and then polls the
registry (bounded, default 15 attempts at 400ms) until the node leaves
the running view. A node still running when the attempts run out is a
soft failure: state reflects whatever the registry last reported, never
a forced inactive.
*/
package activation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/backend"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/events"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/observability"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/registry"
)

// Subscription keys are namespaced by kind so a node activation and an
// install can never collide in the shared manager.
const subKeyPrefix = "node:"

var (
	// ErrMissingServicePath rejects activation without an entry point.
	ErrMissingServicePath = errors.New("runtime descriptor has no service path")

	// ErrMissingEnv rejects activation of a script entry point without
	// an environment name or dependency path to resolve an interpreter.
	ErrMissingEnv = errors.New("script entry point needs an env name or dependency path")

	// ErrNotRunning rejects deactivation of a node that is not running.
	ErrNotRunning = errors.New("node is not running")

	// ErrStopTimeout reports that the node did not leave the running
	// view within the poll budget. Soft failure: state is whatever the
	// registry last reported.
	ErrStopTimeout = errors.New("node still reported running after stop")
)

type nodeState struct {
	state datatypes.ActivationState
	meta  *datatypes.FailureMeta

	// regLogPath is the log location from the accepted registration,
	// kept as a fallback for failure events that omit theirs.
	regLogPath string
}

// Machine is the per-node activation lifecycle controller. One
// instance serves all nodes; each node's state is independent.
type Machine struct {
	client   *backend.Client
	registry *registry.Registry
	subs     *events.Manager
	logger   *slog.Logger
	metrics  *observability.Metrics

	// PollInterval and PollAttempts bound the deactivation poll.
	PollInterval time.Duration
	PollAttempts int

	mu     sync.Mutex
	states map[string]*nodeState
}

// New creates a Machine with the default deactivation poll budget.
func New(client *backend.Client, reg *registry.Registry, subs *events.Manager, metrics *observability.Metrics, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		client:       client,
		registry:     reg,
		subs:         subs,
		logger:       logger.With("component", "activation"),
		metrics:      metrics,
		PollInterval: 400 * time.Millisecond,
		PollAttempts: 15,
		states:       make(map[string]*nodeState),
	}
}

// Status returns the node's current state and, when failed, its
// failure metadata. Nodes with no recorded transition derive their
// state from the registry: running when the backend reports them
// running, inactive when merely known, unregistered otherwise.
func (m *Machine) Status(node string) (datatypes.ActivationState, *datatypes.FailureMeta) {
	m.mu.Lock()
	if st, ok := m.states[node]; ok {
		state, meta := st.state, st.meta
		m.mu.Unlock()
		return state, meta
	}
	m.mu.Unlock()

	if m.registry.IsRunning(node) {
		return datatypes.StateRunning, nil
	}
	if m.registry.Has(node) {
		return datatypes.StateInactive, nil
	}
	return datatypes.StateUnregistered, nil
}

// Activate registers the node with the backend and follows its
// activation stream. A second Activate for a node already activating
// is a no-op producing no second registration request.
func (m *Machine) Activate(ctx context.Context, node string, desc datatypes.RuntimeDescriptor) error {
	if desc.ServicePath == "" {
		return ErrMissingServicePath
	}
	if desc.IsScript() && desc.EnvName == "" && desc.DependencyPath == "" {
		return ErrMissingEnv
	}

	m.mu.Lock()
	prev := m.states[node]
	if prev != nil && prev.state == datatypes.StateActivating {
		m.mu.Unlock()
		m.logger.Debug("activation already in flight", "node", node)
		return nil
	}
	m.states[node] = &nodeState{state: datatypes.StateActivating}
	m.mu.Unlock()

	reply, err := m.client.Register(ctx, datatypes.RegistrationRequest{
		ModelName:           node,
		ServicePath:         desc.ServicePath,
		EnvName:             desc.EnvName,
		Port:                desc.Port,
		DependencyPath:      desc.DependencyPath,
		InstallDependencies: desc.DependencyPath != "",
	})
	if err != nil {
		m.mu.Lock()
		if prev != nil {
			m.states[node] = prev
		} else {
			delete(m.states, node)
		}
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.states[node].regLogPath = reply.LogPath
	m.mu.Unlock()

	m.registry.RememberDescriptor(node, desc)

	// The stream outlives the caller's request context: activation has
	// no cancel, only terminal events or process teardown.
	err = m.subs.Subscribe(context.Background(), subKeyPrefix+node,
		func(streamCtx context.Context) (*backend.Stream, error) {
			return m.client.OpenActivationStream(streamCtx, node)
		},
		events.Handler{
			OnEvent: func(payload []byte) { m.handleEvent(node, payload) },
			OnError: func(err error) { m.handleStreamLoss(node, err) },
		})
	if err != nil {
		m.logger.Warn("activation stream did not open, waiting on registry refresh", "node", node, "error", err)
	}

	m.logger.Info("node activating", "node", node, "log_path", reply.LogPath)
	return nil
}

// handleEvent applies one activation stream event.
func (m *Machine) handleEvent(node string, payload []byte) {
	var event datatypes.ActivationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		m.logger.Debug("skipping malformed activation event", "node", node, "error", err)
		return
	}

	switch event.Status {
	case datatypes.ActivationStarting:
		// Repeatable; no state change.
		m.logger.Debug("node starting", "node", node)

	case datatypes.ActivationReady:
		m.mu.Lock()
		m.states[node] = &nodeState{state: datatypes.StateRunning}
		m.mu.Unlock()
		m.subs.Unsubscribe(subKeyPrefix + node)
		m.metrics.ActivationResult("running")
		m.logger.Info("node running", "node", node, "port", event.Data.Port)
		if err := m.registry.Refresh(context.Background()); err != nil {
			m.logger.Warn("registry refresh after activation failed", "node", node, "error", err)
		}

	case datatypes.ActivationFailed:
		meta := &datatypes.FailureMeta{
			LogPath: event.Data.LogPath,
			EnvName: event.Data.EnvName,
			Port:    event.Data.Port,
			Message: event.Data.Message,
		}
		m.mu.Lock()
		if meta.LogPath == "" {
			if st, ok := m.states[node]; ok {
				meta.LogPath = st.regLogPath
			}
		}
		m.states[node] = &nodeState{state: datatypes.StateFailed, meta: meta}
		m.mu.Unlock()
		m.subs.Unsubscribe(subKeyPrefix + node)
		m.metrics.ActivationResult("failed")
		m.logger.Error("node activation failed", "node", node, "log_path", meta.LogPath, "message", meta.Message)

	default:
		m.logger.Debug("unknown activation event status", "node", node, "status", event.Status)
	}
}

// handleStreamLoss treats a mid-activation stream error as silent
// loss: no retry, state stays activating until the next registry
// refresh corrects it or the user re-triggers.
func (m *Machine) handleStreamLoss(node string, err error) {
	m.logger.Warn("activation stream lost", "node", node, "error", err)
}

// Deactivate stops a running node and polls the registry until it
// leaves the running view or the poll budget runs out.
func (m *Machine) Deactivate(ctx context.Context, node string) error {
	state, _ := m.Status(node)
	if state != datatypes.StateRunning {
		return ErrNotRunning
	}

	envName := m.registry.EnvName(node)
	if envName == "" {
		envName = datatypes.DefaultEnvName(node)
	}

	if err := m.client.Stop(ctx, envName); err != nil {
		return err
	}
	m.logger.Info("node stop requested", "node", node, "env", envName)

	for attempt := 0; attempt < m.PollAttempts; attempt++ {
		if err := m.registry.Refresh(ctx); err != nil {
			m.logger.Debug("poll refresh failed", "node", node, "attempt", attempt, "error", err)
		}
		if !m.registry.IsRunning(node) {
			m.mu.Lock()
			m.states[node] = &nodeState{state: datatypes.StateInactive}
			m.mu.Unlock()
			m.logger.Info("node stopped", "node", node)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.PollInterval):
		}
	}

	// Soft failure: reconcile from the registry's view rather than
	// assuming the stop landed.
	m.Reconcile()
	m.logger.Warn("node did not stop within poll budget", "node", node, "attempts", m.PollAttempts)
	return ErrStopTimeout
}

// Reconcile aligns recorded states with the registry's last refresh.
// Called after refreshes to correct optimistic states left behind by
// force-closed streams: a node the backend reports running becomes
// running here too, and a recorded running node absent from the
// running view falls back to inactive. Failed states persist until the
// backend itself reports the node running — the failure stays visible
// until the user retries.
func (m *Machine) Reconcile() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for node, st := range m.states {
		running := m.registry.IsRunning(node)
		switch {
		case running && st.state != datatypes.StateRunning:
			m.states[node] = &nodeState{state: datatypes.StateRunning}
		case !running && st.state == datatypes.StateRunning:
			m.states[node] = &nodeState{state: datatypes.StateInactive}
		}
	}
}
