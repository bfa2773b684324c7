// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/activation"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
)

// nodeListEntry is the JSON shape of one `nodes list` row.
type nodeListEntry struct {
	Name        string `json:"name"`
	Factory     string `json:"factory"`
	Status      string `json:"status"`
	Port        int    `json:"port,omitempty"`
	Description string `json:"description,omitempty"`
}

func runNodesList(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	orc, err := newOrchestrator(ctx)
	if err != nil {
		fail("failed to reach backend", err)
	}
	defer orc.Close()

	nodes := orc.Registry.Nodes()
	entries := make([]nodeListEntry, 0, len(nodes))
	for _, node := range nodes {
		state, _ := orc.Activation.Status(node.Name)
		entries = append(entries, nodeListEntry{
			Name:        node.Name,
			Factory:     node.Factory,
			Status:      state.String(),
			Port:        node.Port,
			Description: node.Display.Description,
		})
	}

	if jsonOutput {
		outputJSON(entries)
		return
	}

	// Nodes arrive sorted by factory then name, so a simple walk
	// produces the grouped listing.
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	lastFactory := ""
	for _, e := range entries {
		if e.Factory != lastFactory {
			if lastFactory != "" {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "%s:\n", e.Factory)
			lastFactory = e.Factory
		}
		port := ""
		if e.Port > 0 {
			port = fmt.Sprintf(":%d", e.Port)
		}
		fmt.Fprintf(w, "  %s\t%s%s\t%s\n", e.Name, e.Status, port, e.Description)
	}
	w.Flush()
	if len(entries) == 0 {
		fmt.Println("No task nodes in the backend catalog.")
	}
}

func runNodeActivate(cmd *cobra.Command, args []string) {
	node := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), followTimeout)
	defer cancel()

	orc, err := newOrchestrator(ctx)
	if err != nil {
		fail("failed to reach backend", err)
	}
	defer orc.Close()

	desc := datatypes.RuntimeDescriptor{
		ServicePath:    servicePathFlag,
		EnvName:        envNameFlag,
		Port:           portFlag,
		DependencyPath: depPathFlag,
	}
	if desc.ServicePath == "" {
		// Reactivation path: reuse the last descriptor this node was
		// launched with.
		cached := orc.Registry.RuntimeDescriptor(node)
		if cached == nil {
			fail("no launch configuration",
				fmt.Errorf("node %q has never been activated here; pass --service-path", node))
		}
		desc = *cached
		if envNameFlag != "" {
			desc.EnvName = envNameFlag
		}
		if portFlag != 0 {
			desc.Port = portFlag
		}
	}

	if !jsonOutput {
		fmt.Printf("Activating %s... ", node)
	}
	if err := orc.Activation.Activate(ctx, node, desc); err != nil {
		if !jsonOutput {
			fmt.Println("failed")
		}
		switch {
		case errors.Is(err, activation.ErrMissingServicePath),
			errors.Is(err, activation.ErrMissingEnv):
			fail("incomplete launch configuration", err)
		default:
			fail("activation rejected", err)
		}
	}

	// Activate returns once registration is accepted; the stream
	// drives the rest. Poll our own state machine to a terminal state.
	state := waitForTerminalState(ctx, orc.Activation, node)
	meta := reportActivation(orc.Activation, node, state)
	if state != datatypes.StateRunning {
		// The JSON payload already carries the failure meta.
		if !jsonOutput && meta != nil && meta.LogPath != "" {
			fmt.Fprintf(os.Stderr, "Boot log: %s\n", meta.LogPath)
		}
		os.Exit(1)
	}
}

// waitForTerminalState polls until the node leaves StateActivating or
// the context expires.
func waitForTerminalState(ctx context.Context, m *activation.Machine, node string) datatypes.ActivationState {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, _ := m.Status(node)
		if state != datatypes.StateActivating {
			return state
		}
		select {
		case <-ctx.Done():
			return state
		case <-ticker.C:
		}
	}
}

func reportActivation(m *activation.Machine, node string, state datatypes.ActivationState) *datatypes.FailureMeta {
	_, meta := m.Status(node)
	if jsonOutput {
		outputJSON(map[string]any{
			"node":    node,
			"status":  state.String(),
			"failure": meta,
		})
		return meta
	}
	switch state {
	case datatypes.StateRunning:
		fmt.Println("running")
	case datatypes.StateFailed:
		fmt.Println("failed")
		if meta != nil && meta.Message != "" {
			fmt.Fprintf(os.Stderr, "Reason: %s\n", meta.Message)
		}
	default:
		fmt.Println(state.String())
	}
	return meta
}

func runNodeDeactivate(cmd *cobra.Command, args []string) {
	node := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	orc, err := newOrchestrator(ctx)
	if err != nil {
		fail("failed to reach backend", err)
	}
	defer orc.Close()

	if !jsonOutput {
		fmt.Printf("Deactivating %s... ", node)
	}
	err = orc.Activation.Deactivate(ctx, node)
	switch {
	case err == nil:
		if jsonOutput {
			outputJSON(map[string]string{"node": node, "status": "inactive"})
		} else {
			fmt.Println("stopped")
		}
	case errors.Is(err, activation.ErrNotRunning):
		if !jsonOutput {
			fmt.Println()
		}
		fail("node is not running", err)
	case errors.Is(err, activation.ErrStopTimeout):
		// The stop was accepted; the backend just has not confirmed
		// yet. Not a hard failure.
		if jsonOutput {
			outputJSON(map[string]string{"node": node, "status": "stopping",
				"warning": err.Error()})
		} else {
			fmt.Println("stop accepted, backend still reports it running")
		}
	default:
		if !jsonOutput {
			fmt.Println("failed")
		}
		fail("deactivation failed", err)
	}
}

func runNodeLogs(cmd *cobra.Command, args []string) {
	node := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	orc, err := newOrchestrator(ctx)
	if err != nil {
		fail("failed to reach backend", err)
	}
	defer orc.Close()

	entry, ok := orc.Registry.Node(node)
	if !ok {
		fail("unknown node", fmt.Errorf("%q is not in the backend catalog", node))
	}
	state, meta := orc.Activation.Status(node)

	logPath := entry.LogPath
	if meta != nil && meta.LogPath != "" {
		logPath = meta.LogPath
	}

	if jsonOutput {
		outputJSON(map[string]any{
			"node":     node,
			"status":   state.String(),
			"log_path": logPath,
			"failure":  meta,
		})
		return
	}
	fmt.Printf("Node:    %s\n", node)
	fmt.Printf("Status:  %s\n", state.String())
	if logPath != "" {
		fmt.Printf("Log:     %s\n", logPath)
	} else {
		fmt.Println("Log:     (backend has not reported a log path)")
	}
	if meta != nil && meta.Message != "" {
		fmt.Printf("Failure: %s\n", meta.Message)
	}
}
