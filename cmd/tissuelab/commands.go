// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	jsonOutput  bool
	backendFlag string // CLI override for backend.base_url

	// nodes activate
	servicePathFlag string
	envNameFlag     string
	portFlag        int
	depPathFlag     string

	// install
	waitFlag bool

	// workflow run
	panelsFileFlag string

	// serve
	servePortFlag int

	rootCmd = &cobra.Command{
		Use:   "tissuelab",
		Short: "A cli to manage TissueLab task nodes and workflows",
		Long: `TissueLab drives the whole-slide analysis backend from the
				terminal: register and activate task nodes, install model
				bundles, and run multi-node workflows against a slide.`,
	}

	// --- Task Nodes ---
	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "Inspect and control task nodes",
	}
	nodesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List catalog nodes with their live activation state",
		Run:   runNodesList, // Defined in cmd_nodes.go
	}
	nodesActivateCmd = &cobra.Command{
		Use:   "activate [node]",
		Short: "Register a node with the backend and follow its boot to running",
		Args:  cobra.ExactArgs(1),
		Run:   runNodeActivate,
	}
	nodesDeactivateCmd = &cobra.Command{
		Use:   "deactivate [node]",
		Short: "Stop a running node and wait for the backend to confirm",
		Args:  cobra.ExactArgs(1),
		Run:   runNodeDeactivate,
	}
	nodesLogsCmd = &cobra.Command{
		Use:   "logs [node]",
		Short: "Show where a node's boot log lives and its last failure, if any",
		Args:  cobra.ExactArgs(1),
		Run:   runNodeLogs,
	}

	// --- Bundle Install ---
	installCmd = &cobra.Command{
		Use:   "install [bundle.yaml]",
		Short: "Install a model bundle described by a YAML descriptor",
		Args:  cobra.ExactArgs(1),
		Run:   runInstall, // Defined in cmd_install.go
	}

	// --- Workflow ---
	workflowCmd = &cobra.Command{
		Use:   "workflow",
		Short: "Run and monitor multi-node workflows",
	}
	workflowRunCmd = &cobra.Command{
		Use:   "run [slide.h5]",
		Short: "Submit the configured panels against a slide and track to completion",
		Args:  cobra.ExactArgs(1),
		Run:   runWorkflowRun, // Defined in cmd_workflow.go
	}
	workflowStopCmd = &cobra.Command{
		Use:   "stop [slide.h5]",
		Short: "Stop the in-flight workflow and report what the backend rolled back",
		Args:  cobra.ExactArgs(1),
		Run:   runWorkflowStop,
	}
	workflowStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the current run phase and per-node progress",
		Run:   runWorkflowStatus,
	}

	// --- Serve ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket control surface for the desktop UI",
		Run:   runServe, // Defined in cmd_serve.go
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Emit machine-readable JSON instead of human output")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "",
		"Override the backend base URL from the config file")

	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesActivateCmd)
	nodesCmd.AddCommand(nodesDeactivateCmd)
	nodesCmd.AddCommand(nodesLogsCmd)
	nodesActivateCmd.Flags().StringVar(&servicePathFlag, "service-path", "",
		"Service entry point on disk (falls back to the cached descriptor)")
	nodesActivateCmd.Flags().StringVar(&envNameFlag, "env", "",
		"Interpreter environment name")
	nodesActivateCmd.Flags().IntVar(&portFlag, "port", 0,
		"Port the node should listen on (0 lets the backend pick)")
	nodesActivateCmd.Flags().StringVar(&depPathFlag, "deps", "",
		"Dependency path, when the node has no environment name")

	rootCmd.AddCommand(installCmd)
	installCmd.Flags().BoolVar(&waitFlag, "wait", true,
		"Follow install progress until the bundle is ready or fails")

	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowRunCmd)
	workflowCmd.AddCommand(workflowStopCmd)
	workflowCmd.AddCommand(workflowStatusCmd)
	workflowRunCmd.Flags().StringVar(&panelsFileFlag, "panels", "",
		"Panels YAML file (defaults to serve.panels_file from the config)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePortFlag, "port", 0,
		"Listen port (defaults to serve.port from the config)")
}
