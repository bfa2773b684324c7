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
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/install"
)

func runInstall(cmd *cobra.Command, args []string) {
	bundlePath := args[0]

	bundle, err := loadBundleFile(bundlePath)
	if err != nil {
		fail("cannot read bundle descriptor", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), followTimeout)
	defer cancel()

	orc, err := newOrchestrator(ctx)
	if err != nil {
		fail("failed to reach backend", err)
	}
	defer orc.Close()

	installID, err := orc.Install.Install(ctx, bundle)
	if err != nil {
		if errors.Is(err, install.ErrBusy) {
			fail("install already in progress", err)
		}
		fail("install rejected", err)
	}

	if !waitFlag {
		if jsonOutput {
			outputJSON(map[string]string{"install_id": installID})
		} else {
			fmt.Printf("Install %s accepted for %s\n", installID, bundle.ModelName)
		}
		return
	}

	job := followInstall(ctx, orc.Install)
	if jsonOutput {
		outputJSON(job)
	}
	if !installSucceeded(job) {
		// Covers failure, but also a stream loss or deadline that left
		// the job short of ready: only a ready bundle is a success.
		if job != nil && job.FailedStep() < 0 && !jsonOutput {
			fmt.Fprintln(os.Stderr, "Install did not reach ready; re-run to retry.")
		}
		os.Exit(1)
	}
}

// installSucceeded reports whether the job completed all the way to a
// ready bundle.
func installSucceeded(job *datatypes.InstallJob) bool {
	return job != nil && job.Steps[datatypes.StepReady] == datatypes.StepDone
}

// loadBundleFile parses and validates a bundle descriptor YAML.
func loadBundleFile(path string) (datatypes.BundleDescriptor, error) {
	var bundle datatypes.BundleDescriptor
	data, err := os.ReadFile(path)
	if err != nil {
		return bundle, err
	}
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return bundle, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := bundle.Validate(); err != nil {
		return bundle, fmt.Errorf("invalid bundle descriptor: %w", err)
	}
	return bundle, nil
}

// followInstall renders install progress until the job reaches a
// terminal step. On a TTY the summary line is rewritten in place;
// otherwise each change prints on its own line so logs stay readable.
func followInstall(ctx context.Context, p *install.Pipeline) *datatypes.InstallJob {
	tty := isatty.IsTerminal(os.Stdout.Fd()) && !jsonOutput

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	lastSummary := ""
	render := func(job *datatypes.InstallJob) {
		summary := job.Summary()
		if summary == lastSummary {
			return
		}
		lastSummary = summary
		if jsonOutput {
			return
		}
		if tty {
			fmt.Printf("\r\033[K%s", summary)
		} else {
			fmt.Println(summary)
		}
	}

	for {
		job := p.Job()
		if job != nil {
			render(job)
			if done, failed := installTerminal(job); done {
				if tty {
					fmt.Println()
				}
				if failed && !jsonOutput {
					fmt.Fprintf(os.Stderr, "Install failed: %s\n", job.FailedMessage)
				}
				return job
			}
		}
		select {
		case <-ctx.Done():
			if tty {
				fmt.Println()
			}
			return p.Job()
		case <-ticker.C:
		}
	}
}

func installTerminal(job *datatypes.InstallJob) (done, failed bool) {
	if job.FailedStep() >= 0 {
		return true, true
	}
	if job.Steps[datatypes.StepReady] == datatypes.StepDone {
		return true, false
	}
	return false, false
}
