// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package workflow compiles the user-ordered panel list into one backend
execution and tracks that execution to completion.

# Run Lifecycle

	idle → submitting → tracking → {complete, stopped}

Start serializes the panels into step1..stepN (panel order is the step
numbering), submits the request, clears any previous run's status
maps, and opens a single event subscription for the whole run — not
one per node. A submission error surfaces to the caller and the run is
not marked started.

# Completion

Two independent signals are each authoritative on their own:

 1. an explicit workflow_complete flag in an event payload, or
 2. the derived condition that every node referenced by the current
    panel list has a terminal status.

Whichever fires first triggers the completion sequence — backend data
reload for the run's target path, a data-changed broadcast for the
viewers, and one-time injection of any generated artifact into the
matching panel — exactly once; a latch keeps the sequence from running
twice when both signals arrive. The two signals are not assumed to
agree: the flag can fire while a node still reads non-terminal, and
the latch, not consistency between them, is what guarantees
exactly-once.

# Reconnection

If the engine finds a run in flight but no live subscription (a tab
reload tore down the previous stream), Resume re-opens the stream
without re-issuing the run, refreshing the registry at most once per
run. A stream error after detected completion is expected and ignored;
an error during an active run gets exactly one reconnection attempt
after a fixed backoff before the engine gives up.
*/
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/backend"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/events"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/notify"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/observability"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/registry"
)

// subKey keys the single per-run subscription in the shared manager.
const subKey = "workflow"

// RunPhase is the engine's run-level state.
type RunPhase string

const (
	PhaseIdle       RunPhase = "idle"
	PhaseSubmitting RunPhase = "submitting"
	PhaseTracking   RunPhase = "tracking"
	PhaseComplete   RunPhase = "complete"
	PhaseStopped    RunPhase = "stopped"
)

var (
	// ErrNoPanels rejects a run with nothing to execute.
	ErrNoPanels = errors.New("workflow has no panels")

	// ErrUnknownNode rejects a run referencing a node absent from the
	// registry.
	ErrUnknownNode = errors.New("panel references a node absent from the registry")
)

// Engine is the workflow execution engine.
type Engine struct {
	client   *backend.Client
	registry *registry.Registry
	subs     *events.Manager
	bus      *notify.Bus
	logger   *slog.Logger
	metrics  *observability.Metrics

	// ReconnectBackoff is the fixed wait before the single mid-run
	// reconnection attempt.
	ReconnectBackoff time.Duration

	mu          sync.Mutex
	phase       RunPhase
	panels      []datatypes.WorkflowPanel
	run         *datatypes.WorkflowRun
	isRunning   bool
	completed   bool // one-time latch over the completion sequence
	refreshed   bool // registry refresh already performed for this run
	reconnected bool // the single reconnection attempt was spent
}

// New creates an idle Engine.
func New(client *backend.Client, reg *registry.Registry, subs *events.Manager, bus *notify.Bus, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:           client,
		registry:         reg,
		subs:             subs,
		bus:              bus,
		logger:           logger.With("component", "workflow"),
		metrics:          metrics,
		ReconnectBackoff: 2 * time.Second,
		phase:            PhaseIdle,
	}
}

// SetPanels replaces the engine's view of the current panel list. The
// list is the user's ordered composition; derived completion always
// evaluates against the latest list, not the one captured at Start.
func (e *Engine) SetPanels(panels []datatypes.WorkflowPanel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.panels = clonePanels(panels)
}

// Panels returns a copy of the current panel list.
func (e *Engine) Panels() []datatypes.WorkflowPanel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePanels(e.panels)
}

// Phase returns the run-level state.
func (e *Engine) Phase() RunPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// IsRunning reports whether a run is in flight.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isRunning
}

// CurrentRun returns a snapshot of the in-flight (or last) run, nil
// when none exists.
func (e *Engine) CurrentRun() *datatypes.WorkflowRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return nil
	}
	snapshot := datatypes.WorkflowRun{
		H5Path:       e.run.H5Path,
		NodeStatus:   make(map[string]datatypes.NodeRunState, len(e.run.NodeStatus)),
		NodeProgress: make(map[string]int, len(e.run.NodeProgress)),
	}
	for k, v := range e.run.NodeStatus {
		snapshot.NodeStatus[k] = v
	}
	for k, v := range e.run.NodeProgress {
		snapshot.NodeProgress[k] = v
	}
	return &snapshot
}

// Start compiles the panels into a start payload and submits it. On
// acceptance the previous run's status maps are cleared, the run is
// marked in flight, and the single run subscription opens. A rejection
// or transport error surfaces to the caller and nothing is cleared.
func (e *Engine) Start(ctx context.Context, panels []datatypes.WorkflowPanel, targetPath string) error {
	if len(panels) == 0 {
		return ErrNoPanels
	}
	for _, panel := range panels {
		if !e.registry.Has(panel.Type) {
			return fmt.Errorf("%w: %s", ErrUnknownNode, panel.Type)
		}
	}

	payload, err := BuildStartPayload(panels, targetPath)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		// A new run replaces the old one's tracking outright.
		e.subs.Unsubscribe(subKey)
		e.mu.Lock()
	}
	e.phase = PhaseSubmitting
	e.mu.Unlock()

	if err := e.client.StartWorkflow(ctx, payload); err != nil {
		e.mu.Lock()
		e.phase = PhaseIdle
		e.mu.Unlock()
		return err
	}

	nodeTypes := make([]string, len(panels))
	for i, panel := range panels {
		nodeTypes[i] = panel.Type
	}

	e.mu.Lock()
	e.panels = clonePanels(panels)
	e.run = datatypes.NewWorkflowRun(targetPath, nodeTypes)
	e.isRunning = true
	e.completed = false
	e.refreshed = false
	e.reconnected = false
	e.phase = PhaseTracking
	e.mu.Unlock()

	if err := e.subscribe(); err != nil {
		e.logger.Warn("workflow stream did not open", "error", err)
	}
	e.logger.Info("workflow started", "target", targetPath, "steps", len(panels))
	return nil
}

func (e *Engine) subscribe() error {
	return e.subs.Subscribe(context.Background(), subKey,
		func(streamCtx context.Context) (*backend.Stream, error) {
			return e.client.OpenWorkflowStream(streamCtx)
		},
		events.Handler{
			OnEvent: e.handleEvent,
			OnError: e.handleStreamError,
		})
}

// handleEvent merges one status event and fires the completion
// sequence when either signal says the run is done.
func (e *Engine) handleEvent(payload []byte) {
	var event datatypes.WorkflowEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		e.logger.Debug("skipping malformed workflow event", "error", err)
		return
	}

	e.mu.Lock()
	if e.run == nil || !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.run.Apply(event)

	finished := false
	if !e.completed && (event.WorkflowComplete || e.run.CompleteFor(e.panels)) {
		// The latch is set under the lock: if both signals arrive (in
		// one event or two), only the first one passes.
		e.completed = true
		finished = true
	}
	targetPath := e.run.H5Path
	e.mu.Unlock()

	if finished {
		e.finish(targetPath)
	}
}

// finish runs the one-time completion sequence.
func (e *Engine) finish(targetPath string) {
	e.subs.Unsubscribe(subKey)

	e.mu.Lock()
	e.isRunning = false
	e.phase = PhaseComplete
	e.mu.Unlock()

	e.metrics.WorkflowResult("complete")
	e.logger.Info("workflow complete", "target", targetPath)

	reload, err := e.client.Reload(context.Background(), targetPath)
	if err != nil {
		e.logger.Warn("data reload after completion failed", "target", targetPath, "error", err)
	}

	e.bus.PublishDataChanged(targetPath)

	if reload != nil && reload.GeneratedCode != "" {
		e.injectArtifact(reload)
	}
}

// injectArtifact writes generated content into the matching panel,
// exactly once per run (finish itself is latched).
func (e *Engine) injectArtifact(reload *datatypes.ReloadResult) {
	e.mu.Lock()
	var target *datatypes.WorkflowPanel
	for i := range e.panels {
		if e.panels[i].Type == reload.NodeType {
			target = &e.panels[i]
			break
		}
	}
	if target == nil {
		e.mu.Unlock()
		e.logger.Warn("generated artifact has no matching panel", "node_type", reload.NodeType)
		return
	}
	if target.Content == nil {
		target.Content = make(map[string]any)
	}
	target.Content["code"] = reload.GeneratedCode
	panelID := target.ID
	content := make(map[string]any, len(target.Content))
	for k, v := range target.Content {
		content[k] = v
	}
	e.mu.Unlock()

	e.logger.Info("generated artifact injected", "panel", panelID, "node_type", reload.NodeType)
	e.bus.PublishOpenPanel(panelID, reload.NodeType, content)
}

// handleStreamError distinguishes an error after detected completion
// (expected, ignored) from loss during an active run, which gets one
// reconnection attempt after a fixed backoff.
func (e *Engine) handleStreamError(err error) {
	e.mu.Lock()
	if e.completed || !e.isRunning {
		e.mu.Unlock()
		e.logger.Debug("workflow stream closed after completion", "error", err)
		return
	}
	if e.reconnected {
		e.mu.Unlock()
		e.logger.Error("workflow stream lost again, giving up", "error", err)
		return
	}
	e.reconnected = true
	backoff := e.ReconnectBackoff
	e.mu.Unlock()

	e.metrics.Reconnect()
	e.logger.Warn("workflow stream lost, reconnecting", "backoff", backoff, "error", err)
	time.Sleep(backoff)

	if err := e.subscribe(); err != nil {
		e.logger.Error("workflow stream reconnection failed", "error", err)
	}
}

// Stop halts the in-flight run. On acknowledgment the subscription is
// closed and the run unmarked; the reply's halt counts surface to the
// caller as-is, with no completion re-derivation.
func (e *Engine) Stop(ctx context.Context, targetPath string) (*datatypes.WorkflowStopReply, error) {
	reply, err := e.client.StopWorkflow(ctx, targetPath)
	if err != nil {
		return nil, err
	}

	e.subs.Unsubscribe(subKey)
	e.mu.Lock()
	e.isRunning = false
	e.phase = PhaseStopped
	e.mu.Unlock()

	e.metrics.WorkflowResult("stopped")
	e.logger.Info("workflow stopped", "target", targetPath,
		"stopped_processes", reply.StoppedProcesses,
		"rollback", reply.RollbackPerformed,
		"restarted", len(reply.RestartedNodes))
	return reply, nil
}

// Resume re-opens a lost run subscription after a reload: a run in
// flight with no live stream gets its stream back without re-issuing
// the run. The registry refresh is deduplicated per run.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if !e.isRunning || e.subs.Has(subKey) {
		e.mu.Unlock()
		return nil
	}
	doRefresh := !e.refreshed
	e.refreshed = true
	e.mu.Unlock()

	if doRefresh {
		if err := e.registry.Refresh(ctx); err != nil {
			e.logger.Warn("registry refresh on resume failed", "error", err)
		}
	}
	e.logger.Info("resuming workflow tracking")
	return e.subscribe()
}

func clonePanels(panels []datatypes.WorkflowPanel) []datatypes.WorkflowPanel {
	out := make([]datatypes.WorkflowPanel, len(panels))
	for i, panel := range panels {
		out[i] = panel
		if panel.Content != nil {
			content := make(map[string]any, len(panel.Content))
			for k, v := range panel.Content {
				content[k] = v
			}
			out[i].Content = content
		}
	}
	return out
}
