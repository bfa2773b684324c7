// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
)

// TissueLabConfig is the on-disk CLI configuration.
type TissueLabConfig struct {
	// Backend: where the AI service lives
	Backend BackendConfig `yaml:"backend"`

	// Data: local state (descriptor cache, logs)
	Data DataConfig `yaml:"data"`

	// Logging: verbosity and optional JSON file output
	Logging LoggingConfig `yaml:"logging"`

	// Serve: read-model API settings for `tissuelab serve`
	Serve ServeConfig `yaml:"serve"`
}

type BackendConfig struct {
	BaseURL string `yaml:"base_url"` // e.g. http://localhost:8329
}

type DataConfig struct {
	Dir string `yaml:"dir"` // e.g. ~/.tissuelab/data
}

type LoggingConfig struct {
	Level string `yaml:"level"`          // debug, info, warn, error
	JSON  bool   `yaml:"json"`           // JSON file output in Data.Dir/logs
	Dir   string `yaml:"dir,omitempty"`  // overrides the log directory
}

type ServeConfig struct {
	Port          int    `yaml:"port"`           // e.g. 8330
	PanelsFile    string `yaml:"panels_file"`    // watched panels YAML
	Observability bool   `yaml:"observability"`  // OTLP tracing on/off
	OTLPEndpoint  string `yaml:"otlp_endpoint,omitempty"`
}

// DefaultConfig returns the first-run configuration.
func DefaultConfig() TissueLabConfig {
	dataDir := ".tissuelab/data"
	panels := ".tissuelab/panels.yaml"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".tissuelab", "data")
		panels = filepath.Join(home, ".tissuelab", "panels.yaml")
	}
	return TissueLabConfig{
		Backend: BackendConfig{
			BaseURL: "http://localhost:8329",
		},
		Data: DataConfig{
			Dir: dataDir,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Serve: ServeConfig{
			Port:       8330,
			PanelsFile: panels,
		},
	}
}
