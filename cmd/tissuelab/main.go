// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zhihuanglab/TissueLab-sub003/cmd/tissuelab/config"
	"github.com/zhihuanglab/TissueLab-sub003/pkg/logging"
)

// appLogger is shared by every command; Close flushes file output.
var appLogger *logging.Logger

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
	if appLogger != nil {
		appLogger.Close()
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := config.Load(); err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
		if backendFlag != "" {
			config.Global.Backend.BaseURL = backendFlag
		}

		appLogger = logging.New(logging.Config{
			Level:   logging.ParseLevel(config.Global.Logging.Level),
			LogDir:  config.Global.Logging.Dir,
			Service: "tissuelab",
			JSON:    config.Global.Logging.JSON,
			// The CLI owns stdout for results; keep stderr quiet
			// unless debugging, and rely on the log file otherwise.
			Quiet: jsonOutput,
		})
		slog.SetDefault(appLogger.Slog())
	}
}
