// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/activation"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/backend"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/install"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/workflow"
)

// NodeView is the read-model row for one task node.
type NodeView struct {
	Name    string                       `json:"name"`
	Factory string                       `json:"factory"`
	Status  string                       `json:"status"`
	Running bool                         `json:"running"`
	Port    int                          `json:"port,omitempty"`
	Display datatypes.DisplayMeta        `json:"display"`
	Failure *datatypes.FailureMeta       `json:"failure,omitempty"`
	Runtime *datatypes.RuntimeDescriptor `json:"runtime,omitempty"`
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListNodes returns every known node with its live status, sorted by
// factory then name.
func ListNodes(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodes := orc.Registry.Nodes()
		views := make([]NodeView, 0, len(nodes))
		for _, node := range nodes {
			views = append(views, nodeView(orc, node))
		}
		c.JSON(http.StatusOK, gin.H{"nodes": views})
	}
}

// RefreshNodes forces a catalog refresh. A fetch error is reported but
// the previous view stays served — refresh failures never blank the
// list.
func RefreshNodes(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := orc.Refresh(c.Request.Context()); err != nil {
			c.JSON(http.StatusOK, gin.H{"stale": true, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stale": false})
	}
}

// GetNode returns one node's view.
func GetNode(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		node, ok := orc.Registry.Node(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
			return
		}
		c.JSON(http.StatusOK, nodeView(orc, node))
	}
}

// ActivateNode starts a node's backing process. The body may carry a
// runtime descriptor; without one the last cached descriptor is used —
// the one-click path. No descriptor either way is a 409: the node must
// be activated once with explicit parameters first.
func ActivateNode(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		var desc datatypes.RuntimeDescriptor
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&desc); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		if desc.ServicePath == "" {
			cached := orc.Registry.RuntimeDescriptor(name)
			if cached == nil {
				c.JSON(http.StatusConflict, gin.H{
					"error": "no runtime descriptor known for this node; provide one",
				})
				return
			}
			desc = *cached
		}

		if err := orc.Activation.Activate(c.Request.Context(), name, desc); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, activation.ErrMissingServicePath) || errors.Is(err, activation.ErrMissingEnv) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		state, _ := orc.Activation.Status(name)
		c.JSON(http.StatusAccepted, gin.H{"status": state.String()})
	}
}

// DeactivateNode stops a running node. A poll timeout is a soft
// failure: the stop request landed but the node is still in the
// running view, so the caller gets the honest state back.
func DeactivateNode(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		err := orc.Activation.Deactivate(c.Request.Context(), name)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": datatypes.StateInactive.String()})
		case errors.Is(err, activation.ErrNotRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, activation.ErrStopTimeout):
			state, _ := orc.Activation.Status(name)
			c.JSON(http.StatusAccepted, gin.H{"status": state.String(), "warning": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
	}
}

// NodeLogs returns the log locations for a node: the backend's live
// log path when running, and the failure log reference when the last
// activation failed.
func NodeLogs(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		node, known := orc.Registry.Node(name)
		state, meta := orc.Activation.Status(name)
		if !known && state == datatypes.StateUnregistered {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
			return
		}

		out := gin.H{"status": state.String()}
		if node.LogPath != "" {
			out["log_path"] = node.LogPath
		}
		if meta != nil {
			out["failure"] = meta
		}
		c.JSON(http.StatusOK, out)
	}
}

// StartInstall begins a bundle installation. A concurrent install is
// rejected 409; there is no queue.
func StartInstall(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var bundle datatypes.BundleDescriptor
		if err := c.ShouldBindJSON(&bundle); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		installID, err := orc.Install.Install(c.Request.Context(), bundle)
		if errors.Is(err, install.ErrBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			slog.Warn("install start failed", "model", bundle.ModelName, "error", err)
			status := http.StatusBadGateway
			var backendErr *backend.Error
			if errors.As(err, &backendErr) && backendErr.Kind == backend.KindRejected {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"install_id": installID})
	}
}

// InstallStatus returns the current (or last) install job.
func InstallStatus(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		job := orc.Install.Job()
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no installation"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"job":              job,
			"busy":             orc.Install.Busy(),
			"summary":          job.Summary(),
			"download_percent": job.DownloadPercent(),
		})
	}
}

// DiscardInstall drops a terminal job, the dialog-close path. An
// in-flight job cannot be discarded.
func DiscardInstall(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		orc.Install.Discard()
		if orc.Install.Job() != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "installation still in progress"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "discarded"})
	}
}

// WorkflowRunRequest carries a run submission.
type WorkflowRunRequest struct {
	TargetPath string                    `json:"target_path" binding:"required"`
	Panels     []datatypes.WorkflowPanel `json:"panels" binding:"required"`
}

// RunWorkflow compiles the panel list into a run and submits it.
func RunWorkflow(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req WorkflowRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		err := orc.Workflow.Start(c.Request.Context(), req.Panels, req.TargetPath)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{"phase": string(orc.Workflow.Phase())})
		case errors.Is(err, workflow.ErrNoPanels), errors.Is(err, workflow.ErrUnknownNode):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
	}
}

// WorkflowStopRequest identifies the run to halt by its target path.
type WorkflowStopRequest struct {
	TargetPath string `json:"target_path" binding:"required"`
}

// StopWorkflow halts the in-flight run and surfaces the backend's
// halt counts verbatim.
func StopWorkflow(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req WorkflowStopRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		reply, err := orc.Workflow.Stop(c.Request.Context(), req.TargetPath)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, reply)
	}
}

// WorkflowStatus returns the engine phase and the current run's
// per-node status and progress maps.
func WorkflowStatus(orc *tasknode.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := gin.H{
			"phase":   string(orc.Workflow.Phase()),
			"running": orc.Workflow.IsRunning(),
		}
		if run := orc.Workflow.CurrentRun(); run != nil {
			out["run"] = run
		}
		c.JSON(http.StatusOK, out)
	}
}

func nodeView(orc *tasknode.Orchestrator, node datatypes.TaskNode) NodeView {
	state, meta := orc.Activation.Status(node.Name)
	return NodeView{
		Name:    node.Name,
		Factory: node.Factory,
		Status:  state.String(),
		Running: node.Running,
		Port:    node.Port,
		Display: node.Display,
		Failure: meta,
		Runtime: orc.Registry.RuntimeDescriptor(node.Name),
	}
}
