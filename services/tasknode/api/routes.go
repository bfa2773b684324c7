// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package api exposes the orchestration client as a local HTTP
// read-model plus the command surface the viewers call: node listing
// with live status, activation and deactivation, installs, workflow
// runs, and a websocket that pushes broadcast events to connected
// viewers.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/observability"
)

// SetupRoutes mounts the orchestration API on router. metrics may be
// nil, in which case /metrics serves the default handler.
func SetupRoutes(router *gin.Engine, orc *tasknode.Orchestrator, metrics *observability.Metrics) {
	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1")
	{
		nodes := v1.Group("/nodes")
		{
			nodes.GET("", ListNodes(orc))
			nodes.POST("/refresh", RefreshNodes(orc))
			nodes.GET("/:name", GetNode(orc))
			nodes.POST("/:name/activate", ActivateNode(orc))
			nodes.POST("/:name/deactivate", DeactivateNode(orc))
			nodes.GET("/:name/logs", NodeLogs(orc))
		}

		installGroup := v1.Group("/install")
		{
			installGroup.POST("", StartInstall(orc))
			installGroup.GET("", InstallStatus(orc))
			installGroup.DELETE("", DiscardInstall(orc))
		}

		workflowGroup := v1.Group("/workflow")
		{
			workflowGroup.POST("/run", RunWorkflow(orc))
			workflowGroup.POST("/stop", StopWorkflow(orc))
			workflowGroup.GET("/status", WorkflowStatus(orc))
		}

		v1.GET("/status/ws", HandleStatusWebSocket(orc))
	}
}
