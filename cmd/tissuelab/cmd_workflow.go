// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zhihuanglab/TissueLab-sub003/cmd/tissuelab/config"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/workflow"
)

// panelsFile is the on-disk shape of a workflow definition: the panels
// in execution order.
type panelsFile struct {
	Panels []datatypes.WorkflowPanel `yaml:"panels"`
}

// loadPanelsFile reads a panels YAML and returns the panels in file
// order. Order matters: it becomes the step numbering on submit.
func loadPanelsFile(path string) ([]datatypes.WorkflowPanel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf panelsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(pf.Panels) == 0 {
		return nil, fmt.Errorf("%s defines no panels", path)
	}
	for i, p := range pf.Panels {
		if p.Type == "" {
			return nil, fmt.Errorf("%s: panel %d has no node type", path, i)
		}
	}
	return pf.Panels, nil
}

func runWorkflowRun(cmd *cobra.Command, args []string) {
	targetPath := args[0]

	path := panelsFileFlag
	if path == "" {
		path = config.Global.Serve.PanelsFile
	}
	panels, err := loadPanelsFile(path)
	if err != nil {
		fail("cannot load panels", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), followTimeout)
	defer cancel()

	orc, err := newOrchestrator(ctx)
	if err != nil {
		fail("failed to reach backend", err)
	}
	defer orc.Close()

	if !jsonOutput {
		fmt.Printf("Submitting %d panels against %s\n", len(panels), targetPath)
	}
	if err := orc.Workflow.Start(ctx, panels, targetPath); err != nil {
		fail("workflow submit failed", err)
	}

	followRun(ctx, orc.Workflow)
	if jsonOutput {
		outputJSON(map[string]any{
			"phase": orc.Workflow.Phase(),
			"run":   orc.Workflow.CurrentRun(),
		})
	}
	if orc.Workflow.Phase() != workflow.PhaseComplete {
		os.Exit(1)
	}
}

// followRun prints node-status transitions until the run leaves the
// tracking phase or the context expires.
func followRun(ctx context.Context, eng *workflow.Engine) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	reported := map[string]datatypes.NodeRunState{}
	for {
		run := eng.CurrentRun()
		if run != nil && !jsonOutput {
			// Stable order keeps repeated output diffable.
			types := make([]string, 0, len(run.NodeStatus))
			for t := range run.NodeStatus {
				types = append(types, t)
			}
			sort.Strings(types)
			for _, t := range types {
				state := run.NodeStatus[t]
				if reported[t] == state {
					continue
				}
				reported[t] = state
				if pct, ok := run.NodeProgress[t]; ok && state == datatypes.NodeRunning {
					fmt.Printf("  %s: %s (%d%%)\n", t, state, pct)
				} else {
					fmt.Printf("  %s: %s\n", t, state)
				}
			}
		}

		switch eng.Phase() {
		case workflow.PhaseComplete:
			if !jsonOutput {
				fmt.Println("Workflow complete.")
			}
			return
		case workflow.PhaseStopped, workflow.PhaseIdle:
			if !jsonOutput {
				fmt.Println("Workflow is no longer tracking.")
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runWorkflowStop(cmd *cobra.Command, args []string) {
	targetPath := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	orc, err := newOrchestrator(ctx)
	if err != nil {
		fail("failed to reach backend", err)
	}
	defer orc.Close()

	reply, err := orc.Workflow.Stop(ctx, targetPath)
	if err != nil {
		fail("stop failed", err)
	}

	if jsonOutput {
		outputJSON(reply)
		return
	}
	fmt.Printf("Stopped %d process(es).\n", reply.StoppedProcesses)
	if reply.RollbackPerformed {
		fmt.Println("Backend rolled back partial results.")
	}
	for _, node := range reply.RestartedNodes {
		fmt.Printf("Restarted node: %s\n", node)
	}
}

func runWorkflowStatus(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	orc, err := newOrchestrator(ctx)
	if err != nil {
		fail("failed to reach backend", err)
	}
	defer orc.Close()

	phase := orc.Workflow.Phase()
	run := orc.Workflow.CurrentRun()

	if jsonOutput {
		outputJSON(map[string]any{"phase": phase, "running": orc.Workflow.IsRunning(), "run": run})
		return
	}
	fmt.Printf("Phase: %s\n", phase)
	if run == nil {
		return
	}
	fmt.Printf("Target: %s\n", run.H5Path)
	types := make([]string, 0, len(run.NodeStatus))
	for t := range run.NodeStatus {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %s: %s (%d%%)\n", t, run.NodeStatus[t], run.NodeProgress[t])
	}
}
