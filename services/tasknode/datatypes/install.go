// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "fmt"

// InstallStep is one stage of the bundle installation pipeline. Steps
// are strictly ordered; the pipeline marks them monotonically.
type InstallStep int

const (
	StepSign InstallStep = iota
	StepDownload
	StepVerify
	StepUnpack
	StepPersist
	StepActivate
	StepReady

	numInstallSteps
)

// String returns the wire name of the step.
func (s InstallStep) String() string {
	switch s {
	case StepSign:
		return "sign"
	case StepDownload:
		return "download"
	case StepVerify:
		return "verify"
	case StepUnpack:
		return "unpack"
	case StepPersist:
		return "persist"
	case StepActivate:
		return "activate"
	case StepReady:
		return "ready"
	default:
		return "unknown"
	}
}

// InstallSteps returns all steps in pipeline order.
func InstallSteps() []InstallStep {
	steps := make([]InstallStep, numInstallSteps)
	for i := range steps {
		steps[i] = InstallStep(i)
	}
	return steps
}

// ParseInstallStep maps a wire step name to its InstallStep. The
// boolean is false for names this client does not know, which callers
// treat as an event to log and skip rather than an error.
func ParseInstallStep(name string) (InstallStep, bool) {
	for i := InstallStep(0); i < numInstallSteps; i++ {
		if i.String() == name {
			return i, true
		}
	}
	return 0, false
}

// StepStatus is the state of a single install step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepActive
	StepDone
	StepFailed
)

// String returns the status name used in events and the read model.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepActive:
		return "active"
	case StepDone:
		return "done"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStepStatus maps a wire status name to its StepStatus.
func ParseStepStatus(name string) (StepStatus, bool) {
	switch name {
	case "pending":
		return StepPending, true
	case "active":
		return StepActive, true
	case "done":
		return StepDone, true
	case "failed":
		return StepFailed, true
	default:
		return 0, false
	}
}

// BundleDescriptor identifies a downloadable task-node bundle.
type BundleDescriptor struct {
	ModelName string `json:"model_name" yaml:"model_name" validate:"required"`
	SourceURI string `json:"source_uri" yaml:"source_uri" validate:"required,uri"`
	Filename  string `json:"filename" yaml:"filename" validate:"required"`
	EntryPath string `json:"entry_path" yaml:"entry_path" validate:"required"`
	SizeBytes int64  `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty" validate:"gte=0"`
	Checksum  string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// Validate checks the descriptor against its struct tags.
func (b BundleDescriptor) Validate() error {
	return nodeValidate.Struct(b)
}

// InstallAccepted is the backend's acknowledgment of an install start.
type InstallAccepted struct {
	InstallID string `json:"install_id"`
}

// InstallEvent is one record on an install's event stream.
type InstallEvent struct {
	Step          string `json:"step"`
	Status        string `json:"status"`
	ReceivedBytes int64  `json:"received_bytes,omitempty"`
	TotalBytes    int64  `json:"total_bytes,omitempty"`
	Message       string `json:"message,omitempty"`
}

// InstallJob is the ephemeral state of one installation attempt. One
// job exists at a time system-wide; it is discarded on terminal status
// or explicit dialog close.
//
// Invariants: step statuses are monotonic within a job (a step marked
// done is never revisited), and at most one step is active at a time.
// Advance enforces both.
type InstallJob struct {
	InstallID string `json:"install_id"`

	// Steps holds per-step status indexed by InstallStep.
	Steps [numInstallSteps]StepStatus `json:"steps"`

	// ReceivedBytes/TotalBytes drive the download percentage. Only the
	// download step carries byte counters; all other steps are boolean.
	ReceivedBytes int64 `json:"received_bytes"`
	TotalBytes    int64 `json:"total_bytes"`

	// FailedMessage preserves the failure detail for display.
	FailedMessage string `json:"failed_message,omitempty"`
}

// NewInstallJob creates a job with every step pending.
func NewInstallJob(installID string) *InstallJob {
	return &InstallJob{InstallID: installID}
}

// Advance applies one install event to the job, enforcing monotonic
// step advancement: every step before the current one is marked done
// (unless it already failed), and the current step takes the event's
// status. Download byte counters are tracked only when they move
// forward, so a duplicate event after reconnection never regresses the
// percentage.
func (j *InstallJob) Advance(step InstallStep, status StepStatus, received, total int64) {
	for s := InstallStep(0); s < step; s++ {
		if j.Steps[s] != StepFailed {
			j.Steps[s] = StepDone
		}
	}
	// Never demote a completed step.
	if j.Steps[step] != StepDone || status == StepDone {
		j.Steps[step] = status
	}

	if step == StepDownload {
		if received > j.ReceivedBytes {
			j.ReceivedBytes = received
		}
		if total > j.TotalBytes {
			j.TotalBytes = total
		}
	}
}

// DownloadPercent returns the download progress in 0..100, or 0 when
// the total is unknown.
func (j *InstallJob) DownloadPercent() int {
	if j.TotalBytes <= 0 {
		return 0
	}
	pct := int(j.ReceivedBytes * 100 / j.TotalBytes)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Terminal reports whether the job reached a terminal state: the ready
// step is done, or any step failed.
func (j *InstallJob) Terminal() bool {
	if j.Steps[StepReady] == StepDone {
		return true
	}
	return j.FailedStep() >= 0
}

// FailedStep returns the index of the failed step, or -1 when no step
// has failed.
func (j *InstallJob) FailedStep() InstallStep {
	for s := InstallStep(0); s < numInstallSteps; s++ {
		if j.Steps[s] == StepFailed {
			return s
		}
	}
	return -1
}

// ActiveStep returns the currently active step, or -1 when none is
// active.
func (j *InstallJob) ActiveStep() InstallStep {
	for s := InstallStep(0); s < numInstallSteps; s++ {
		if j.Steps[s] == StepActive {
			return s
		}
	}
	return -1
}

// Summary renders a short progress line for logs and the CLI.
func (j *InstallJob) Summary() string {
	if failed := j.FailedStep(); failed >= 0 {
		return fmt.Sprintf("failed at %s: %s", failed, j.FailedMessage)
	}
	if j.Steps[StepReady] == StepDone {
		return "ready"
	}
	if active := j.ActiveStep(); active >= 0 {
		if active == StepDownload && j.TotalBytes > 0 {
			return fmt.Sprintf("%s %d%%", active, j.DownloadPercent())
		}
		return active.String()
	}
	return "pending"
}
