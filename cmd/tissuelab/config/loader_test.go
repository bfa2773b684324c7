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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCreateDefault(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".tissuelab", "tissuelab.yaml")

	require.NoError(t, createDefault(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var cfg TissueLabConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "http://localhost:8329", cfg.Backend.BaseURL)
	assert.Equal(t, 8330, cfg.Serve.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Data.Dir)
}

func TestCreateDefaultNestedDirectories(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "a", "b", "c", "tissuelab.yaml")

	require.NoError(t, createDefault(configPath))
	_, err := os.Stat(configPath)
	assert.NoError(t, err)
}

func TestApplyDefaultsFillsGaps(t *testing.T) {
	cfg := TissueLabConfig{
		Backend: BackendConfig{BaseURL: "http://10.0.0.5:9000"},
	}
	applyDefaults(&cfg)

	// Explicit values survive, gaps fill with defaults.
	assert.Equal(t, "http://10.0.0.5:9000", cfg.Backend.BaseURL)
	assert.Equal(t, 8330, cfg.Serve.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Data.Dir)
	assert.NotEmpty(t, cfg.Serve.PanelsFile)
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Serve.Observability = true
	cfg.Serve.OTLPEndpoint = "localhost:4317"

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	var decoded TissueLabConfig
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, cfg, decoded)
}
