// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// NodeRunState is the per-node status within a workflow run, as
// reported by the backend status stream.
type NodeRunState int

const (
	// NodeNotStarted means no step bound to the node has begun.
	NodeNotStarted NodeRunState = 0

	// NodeRunning means a step bound to the node is executing.
	NodeRunning NodeRunState = 1

	// NodeComplete means every step bound to the node finished.
	NodeComplete NodeRunState = 2

	// NodeFailed means a step bound to the node failed.
	NodeFailed NodeRunState = -1
)

// Terminal reports whether the state counts toward run completion.
// Both complete and failed are terminal for completion derivation.
func (s NodeRunState) Terminal() bool {
	return s == NodeComplete || s == NodeFailed
}

// String returns the state name used in the read-model API.
func (s NodeRunState) String() string {
	switch s {
	case NodeNotStarted:
		return "not_started"
	case NodeRunning:
		return "running"
	case NodeComplete:
		return "complete"
	case NodeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WorkflowPanel is one user-ordered workflow step bound to a task-node
// type. Panel order is semantically meaningful: it becomes the
// execution step numbering.
type WorkflowPanel struct {
	ID      string         `json:"id" yaml:"id"`
	Type    string         `json:"type" yaml:"type"`
	Content map[string]any `json:"content" yaml:"content"`
}

// WorkflowRun is the state of one in-flight execution. Status and
// progress maps are keyed by node type and cleared when a new run
// starts or the user stops the current one.
type WorkflowRun struct {
	// H5Path is the target dataset handle the run operates on.
	H5Path string `json:"h5_path"`

	NodeStatus   map[string]NodeRunState `json:"node_status"`
	NodeProgress map[string]int          `json:"node_progress"`
}

// NewWorkflowRun creates a run with every referenced node not-started.
func NewWorkflowRun(h5Path string, nodeTypes []string) *WorkflowRun {
	run := &WorkflowRun{
		H5Path:       h5Path,
		NodeStatus:   make(map[string]NodeRunState, len(nodeTypes)),
		NodeProgress: make(map[string]int, len(nodeTypes)),
	}
	for _, t := range nodeTypes {
		run.NodeStatus[t] = NodeNotStarted
		run.NodeProgress[t] = 0
	}
	return run
}

// Apply merges one status event into the run's maps.
func (r *WorkflowRun) Apply(ev WorkflowEvent) {
	for nodeType, status := range ev.NodeStatus {
		r.NodeStatus[nodeType] = NodeRunState(status)
	}
	for nodeType, progress := range ev.NodeProgress {
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		r.NodeProgress[nodeType] = progress
	}
}

// CompleteFor reports whether every node in the given panel list has
// reached a terminal status. The panel list is the caller's current
// one, not the one captured at run start: panels edited mid-run change
// what completion means, and the engine derives against the live list.
func (r *WorkflowRun) CompleteFor(panels []WorkflowPanel) bool {
	if len(panels) == 0 {
		return false
	}
	for _, p := range panels {
		if !r.NodeStatus[p.Type].Terminal() {
			return false
		}
	}
	return true
}

// WorkflowEvent is one record on the workflow status stream. Either
// completion signal — the explicit flag or all-terminal node status —
// is authoritative on its own; the two are not guaranteed to agree.
type WorkflowEvent struct {
	NodeStatus       map[string]int `json:"node_status,omitempty"`
	NodeProgress     map[string]int `json:"node_progress,omitempty"`
	WorkflowComplete bool           `json:"workflow_complete,omitempty"`
}

// WorkflowStopReply summarizes what the backend halted.
type WorkflowStopReply struct {
	StoppedProcesses  int      `json:"stopped_processes,omitempty"`
	RollbackPerformed bool     `json:"rollback_performed,omitempty"`
	RestartedNodes    []string `json:"restarted_nodes,omitempty"`
}

// ReloadResult is the backend's answer to a post-completion data
// reload. When the run generated an artifact (typically code for a
// scripting panel), the answer carries it here for one-time injection
// into the matching panel.
type ReloadResult struct {
	Reloaded      bool   `json:"reloaded"`
	NodeType      string `json:"node_type,omitempty"`
	GeneratedCode string `json:"generated_code,omitempty"`
}
