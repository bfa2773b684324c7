// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package install runs the bundle installation pipeline: a strictly
// ordered sequence of steps (sign, download, verify, unpack, persist,
// activate, ready) driven by the backend's install event stream.
//
// Installation is single-flight system-wide. The busy flag here is the
// only mutual-exclusion primitive in the orchestration client, and it
// is intentionally coarse — one install at a time, globally, for a
// low-frequency user-initiated operation. A second Install while one
// is active is rejected with ErrBusy, never queued.
//
// Step advancement is monotonic: every event marks all steps before
// the current one done (unless already failed) and the current step
// active or terminal, so a job's progress never moves backwards even
// when duplicate events arrive after a stream reopen. Only the
// download step carries byte counters; the rest are boolean.
package install

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/activation"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/backend"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/events"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/observability"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/registry"
)

const subKeyPrefix = "install:"

// ErrBusy rejects a concurrent install. The caller surfaces it; there
// is no queue and no cancellation for installs.
var ErrBusy = errors.New("an installation is already in progress")

// Pipeline is the system-wide installer.
type Pipeline struct {
	client     *backend.Client
	registry   *registry.Registry
	activation *activation.Machine
	subs       *events.Manager
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu   sync.Mutex
	busy bool
	job  *datatypes.InstallJob
}

// New creates an idle Pipeline.
func New(client *backend.Client, reg *registry.Registry, act *activation.Machine, subs *events.Manager, metrics *observability.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:     client,
		registry:   reg,
		activation: act,
		subs:       subs,
		logger:     logger.With("component", "install"),
		metrics:    metrics,
	}
}

// Install starts a bundle installation and follows its event stream.
// Returns the backend-assigned install id, or ErrBusy when another
// installation is already active.
func (p *Pipeline) Install(ctx context.Context, bundle datatypes.BundleDescriptor) (string, error) {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		p.metrics.InstallResult("busy")
		return "", ErrBusy
	}
	p.busy = true
	p.mu.Unlock()

	installID, err := p.client.StartInstall(ctx, bundle)
	if err != nil {
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
		return "", err
	}

	p.mu.Lock()
	p.job = datatypes.NewInstallJob(installID)
	p.mu.Unlock()

	err = p.subs.Subscribe(context.Background(), subKeyPrefix+installID,
		func(streamCtx context.Context) (*backend.Stream, error) {
			return p.client.OpenInstallStream(streamCtx, installID)
		},
		events.Handler{
			OnEvent: func(payload []byte) { p.handleEvent(installID, payload) },
			OnError: func(err error) { p.handleStreamLoss(installID, err) },
		})
	if err != nil {
		// The backend is installing either way; without events the job
		// can only resolve through a registry refresh, so release the
		// flag rather than wedging the installer.
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
		return installID, err
	}

	p.logger.Info("installation started", "install_id", installID, "model", bundle.ModelName)
	return installID, nil
}

// handleEvent applies one install event to the active job.
func (p *Pipeline) handleEvent(installID string, payload []byte) {
	var event datatypes.InstallEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		p.logger.Debug("skipping malformed install event", "install_id", installID, "error", err)
		return
	}
	step, ok := datatypes.ParseInstallStep(event.Step)
	if !ok {
		p.logger.Debug("skipping unknown install step", "install_id", installID, "step", event.Step)
		return
	}
	status, ok := datatypes.ParseStepStatus(event.Status)
	if !ok {
		p.logger.Debug("skipping unknown step status", "install_id", installID, "status", event.Status)
		return
	}

	p.mu.Lock()
	job := p.job
	if job == nil || job.InstallID != installID {
		p.mu.Unlock()
		return
	}
	if status == datatypes.StepFailed && event.Message != "" {
		job.FailedMessage = event.Message
	}
	job.Advance(step, status, event.ReceivedBytes, event.TotalBytes)
	terminal := job.Terminal()
	failed := job.FailedStep() >= 0
	p.mu.Unlock()

	if !terminal {
		return
	}

	p.subs.Unsubscribe(subKeyPrefix + installID)
	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()

	if failed {
		// Terminal failure: the failed step stays visible for display
		// and there is no automatic retry.
		p.metrics.InstallResult("failed")
		p.logger.Error("installation failed", "install_id", installID, "step", event.Step, "message", event.Message)
		return
	}

	p.metrics.InstallResult("ready")
	p.logger.Info("installation complete", "install_id", installID)

	// The install ends with the node expected running: refresh the
	// catalog and let the activation machine pick the node up.
	if err := p.registry.Refresh(context.Background()); err != nil {
		p.logger.Warn("registry refresh after install failed", "install_id", installID, "error", err)
	}
	p.activation.Reconcile()
}

// handleStreamLoss treats a mid-install stream error as silent loss:
// close, no retry, the user re-triggers. The job stays visible at its
// last step so the dialog can show where it stalled.
func (p *Pipeline) handleStreamLoss(installID string, err error) {
	p.logger.Warn("install stream lost", "install_id", installID, "error", err)
	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()
}

// Busy reports whether an installation is active.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Job returns a snapshot of the current (or last) job, or nil when
// none exists.
func (p *Pipeline) Job() *datatypes.InstallJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return nil
	}
	snapshot := *p.job
	return &snapshot
}

// Discard drops a terminal job, the explicit dialog-close path. A
// non-terminal job is kept: an in-flight install cannot be cancelled.
func (p *Pipeline) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job != nil && p.job.Terminal() {
		p.job = nil
	}
}
