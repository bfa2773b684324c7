// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the data model shared by the task-node
// orchestration components: node identities and runtime descriptors,
// activation lifecycle states, install jobs, and workflow panels/runs,
// plus the JSON payloads exchanged with the backend AI service.
//
// The types here carry no behavior beyond validation and the small
// amount of state-advancement logic that belongs with the data
// (install step ordering, run completion derivation). All lifecycle
// transitions are driven by the owning components under
// services/tasknode.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// nodeValidate validates registration payloads before they reach the
// wire. Initialized once; validator instances cache struct metadata.
var nodeValidate = validator.New()

// ActivationState is the client-side lifecycle state of a task node.
type ActivationState int

const (
	// StateUnregistered means the node has never been seen in the
	// backend catalog.
	StateUnregistered ActivationState = iota

	// StateInactive means the node is known but its backing process
	// is not running.
	StateInactive

	// StateActivating is the optimistic client-side state between a
	// accepted registration request and a terminal stream event.
	StateActivating

	// StateRunning means the backend reports the node with both an
	// assigned port and a running flag.
	StateRunning

	// StateFailed means activation ended with a failure event. The
	// state persists until the user explicitly retries.
	StateFailed
)

// String returns the state name used in logs and the read-model API.
func (s ActivationState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureMeta captures the context of a failed activation so the UI can
// offer a "view logs" remediation path.
type FailureMeta struct {
	LogPath string `json:"log_path,omitempty"`
	EnvName string `json:"env_name,omitempty"`
	Port    int    `json:"port,omitempty"`
	Message string `json:"message,omitempty"`
}

// RuntimeDescriptor is the last-known launch configuration for a node.
// It is cached (and persisted) so a previously-activated node can be
// reactivated with one click.
type RuntimeDescriptor struct {
	// ServicePath is the node's service entry point on disk.
	ServicePath string `json:"service_path"`

	// EnvName is the interpreter environment name. Present only when
	// the entry point is an interpreted script.
	EnvName string `json:"env_name,omitempty"`

	// Port is the port the node's service listens on, when declared.
	Port int `json:"port,omitempty"`

	// DependencyPath points at the node's dependency manifest.
	DependencyPath string `json:"dependency_path,omitempty"`
}

// IsScript reports whether the descriptor's entry point is an
// interpreted script, in which case activation requires an EnvName or
// a DependencyPath to resolve the interpreter.
func (d RuntimeDescriptor) IsScript() bool {
	return strings.HasSuffix(d.ServicePath, ".py")
}

// DisplayMeta is catalog presentation metadata for a node.
type DisplayMeta struct {
	Icon        string   `json:"icon,omitempty"`
	Description string   `json:"description,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
}

// TaskNode is a catalog entry: one independently-launched AI processing
// service the orchestrator can activate, monitor, and target with
// workflow steps. Owned exclusively by the registry; never deleted
// client-side (backend deletion shows up as absence on the next
// refresh).
type TaskNode struct {
	// Name is the unique node key.
	Name string `json:"name"`

	// Factory is the category/factory grouping from the catalog.
	Factory string `json:"factory"`

	Display DisplayMeta `json:"display"`

	// Runtime is the last-known runtime descriptor, nil when the
	// backend has never reported one.
	Runtime *RuntimeDescriptor `json:"runtime,omitempty"`

	// Running and Port mirror the backend's running-nodes view at the
	// time of the last refresh.
	Running bool   `json:"running"`
	EnvName string `json:"env_name,omitempty"`
	Port    int    `json:"port,omitempty"`
	LogPath string `json:"log_path,omitempty"`
}

// CatalogEntry is the per-node wire shape of the backend catalog.
type CatalogEntry struct {
	Factory     string             `json:"factory"`
	Icon        string             `json:"icon,omitempty"`
	Description string             `json:"description,omitempty"`
	Inputs      []string           `json:"inputs,omitempty"`
	Outputs     []string           `json:"outputs,omitempty"`
	Activating  bool               `json:"activating,omitempty"`
	Runtime     *RuntimeDescriptor `json:"runtime,omitempty"`
}

// RunningNode is the per-node wire shape of the backend running view.
type RunningNode struct {
	Running bool   `json:"running"`
	EnvName string `json:"env_name,omitempty"`
	Port    int    `json:"port,omitempty"`
	LogPath string `json:"log_path,omitempty"`
}

// RegistrationRequest starts a node's backing process.
type RegistrationRequest struct {
	ModelName           string `json:"model_name" validate:"required"`
	ServicePath         string `json:"service_path" validate:"required"`
	EnvName             string `json:"env_name,omitempty"`
	Port                int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	DependencyPath      string `json:"dependency_path,omitempty"`
	InstallDependencies bool   `json:"install_dependencies"`
}

// Validate checks the request against its struct tags.
func (r RegistrationRequest) Validate() error {
	return nodeValidate.Struct(r)
}

// RegistrationReply is the backend's acceptance of a registration.
type RegistrationReply struct {
	Code    int    `json:"code"`
	LogPath string `json:"log_path,omitempty"`
}

// Activation event statuses pushed on the per-node stream.
const (
	ActivationStarting = "starting"
	ActivationReady    = "ready"
	ActivationFailed   = "failed"
)

// ActivationEvent is one record on a node's activation stream.
type ActivationEvent struct {
	Status string              `json:"status"`
	Data   ActivationEventData `json:"data"`
}

// ActivationEventData carries the event payload; fields are present
// depending on Status.
type ActivationEventData struct {
	LogPath string `json:"log_path,omitempty"`
	EnvName string `json:"env_name,omitempty"`
	Port    int    `json:"port,omitempty"`
	Message string `json:"message,omitempty"`
}

// StopRequest asks the backend to stop a node's backing environment.
type StopRequest struct {
	EnvName string `json:"env_name"`
}

// DefaultEnvName derives the backend-visible environment identifier for
// a node whose env name the registry does not know. The derivation is
// deterministic so repeated stop attempts target the same environment:
// lower-cased node name, spaces replaced with underscores, "_env"
// suffix.
func DefaultEnvName(node string) string {
	name := strings.ToLower(strings.TrimSpace(node))
	name = strings.ReplaceAll(name, " ", "_")
	return name + "_env"
}
