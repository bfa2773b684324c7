// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zhihuanglab/TissueLab-sub003/cmd/tissuelab/config"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode"
)

// commandTimeout bounds one-shot CLI calls against the backend.
// Activation and install follow event streams and manage their own
// deadlines, so they get a generous ceiling instead.
const (
	commandTimeout = 30 * time.Second
	followTimeout  = 30 * time.Minute
)

// newOrchestrator builds the client stack from the loaded config and
// primes it with one registry refresh so commands see live state.
func newOrchestrator(ctx context.Context) (*tasknode.Orchestrator, error) {
	orc, err := tasknode.New(tasknode.Config{
		BackendURL: config.Global.Backend.BaseURL,
		DataDir:    config.Global.Data.Dir,
		Logger:     appLogger.Slog(),
	})
	if err != nil {
		return nil, err
	}
	if err := orc.Refresh(ctx); err != nil {
		orc.Close()
		return nil, fmt.Errorf("backend not reachable at %s: %w",
			config.Global.Backend.BaseURL, err)
	}
	return orc, nil
}

// outputJSON writes data as indented JSON to stdout.
func outputJSON(data interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON output: %v\n", err)
	}
}

// fail prints an error and exits non-zero. In --json mode the error is
// emitted as a JSON object so scripts never have to parse prose.
func fail(msg string, err error) {
	if jsonOutput {
		outputJSON(map[string]string{"error": msg, "detail": err.Error()})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	}
	os.Exit(1)
}
