// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
)

// stubSource backs the registry with programmable catalog responses.
type stubSource struct {
	catalog    map[string]datatypes.CatalogEntry
	running    map[string]datatypes.RunningNode
	catalogErr error
	runningErr error
}

func (s *stubSource) Catalog(ctx context.Context) (map[string]datatypes.CatalogEntry, error) {
	return s.catalog, s.catalogErr
}

func (s *stubSource) RunningNodes(ctx context.Context) (map[string]datatypes.RunningNode, error) {
	return s.running, s.runningErr
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshMergesRunningView(t *testing.T) {
	source := &stubSource{
		catalog: map[string]datatypes.CatalogEntry{
			"GPT-seg":   {Factory: "segmentation"},
			"NucleiCls": {Factory: "classification"},
		},
		running: map[string]datatypes.RunningNode{
			"GPT-seg": {Running: true, EnvName: "gpt_seg_env", Port: 8401, LogPath: "/var/log/g.log"},
		},
	}
	reg := New(source, nil, quietLogger())
	require.NoError(t, reg.Refresh(context.Background()))

	node, ok := reg.Node("GPT-seg")
	require.True(t, ok)
	assert.True(t, node.Running)
	assert.Equal(t, 8401, node.Port)
	assert.Equal(t, "gpt_seg_env", reg.EnvName("GPT-seg"))
	assert.True(t, reg.IsRunning("GPT-seg"))

	assert.False(t, reg.IsRunning("NucleiCls"))
	assert.True(t, reg.Has("NucleiCls"))
	assert.False(t, reg.Has("missing"))
	assert.False(t, reg.LastRefresh().IsZero())
}

func TestRefreshErrorRetainsCachedView(t *testing.T) {
	source := &stubSource{
		catalog: map[string]datatypes.CatalogEntry{"GPT-seg": {Factory: "segmentation"}},
		running: map[string]datatypes.RunningNode{},
	}
	reg := New(source, nil, quietLogger())
	require.NoError(t, reg.Refresh(context.Background()))

	source.catalogErr = errors.New("backend unreachable")
	err := reg.Refresh(context.Background())
	require.Error(t, err)

	// Silent degrade: the previous view survives the failed fetch.
	assert.True(t, reg.Has("GPT-seg"))
}

func TestRunningWithoutPortIsNotRunning(t *testing.T) {
	source := &stubSource{
		catalog: map[string]datatypes.CatalogEntry{"GPT-seg": {}},
		running: map[string]datatypes.RunningNode{"GPT-seg": {Running: true, Port: 0}},
	}
	reg := New(source, nil, quietLogger())
	require.NoError(t, reg.Refresh(context.Background()))

	assert.False(t, reg.IsRunning("GPT-seg"), "a node without an assigned port is still starting")
}

func TestNodesSortedByFactoryThenName(t *testing.T) {
	source := &stubSource{
		catalog: map[string]datatypes.CatalogEntry{
			"zeta":  {Factory: "alpha"},
			"alpha": {Factory: "beta"},
			"mid":   {Factory: "alpha"},
		},
		running: map[string]datatypes.RunningNode{},
	}
	reg := New(source, nil, quietLogger())
	require.NoError(t, reg.Refresh(context.Background()))

	nodes := reg.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "mid", nodes[0].Name)
	assert.Equal(t, "zeta", nodes[1].Name)
	assert.Equal(t, "alpha", nodes[2].Name)
}

func TestRuntimeDescriptorUnknownReturnsNil(t *testing.T) {
	reg := New(&stubSource{}, nil, quietLogger())
	assert.Nil(t, reg.RuntimeDescriptor("unknown"))
}

func TestRememberDescriptorPersistsToStore(t *testing.T) {
	store := openTestStore(t)
	reg := New(&stubSource{}, store, quietLogger())

	desc := datatypes.RuntimeDescriptor{ServicePath: "/opt/serve.py", EnvName: "env_a"}
	reg.RememberDescriptor("GPT-seg", desc)

	got := reg.RuntimeDescriptor("GPT-seg")
	require.NotNil(t, got)
	assert.Equal(t, desc, *got)

	persisted, err := store.Get("GPT-seg")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, desc, *persisted)
}

func TestNewLoadsPersistedDescriptors(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Put("GPT-seg", datatypes.RuntimeDescriptor{ServicePath: "/opt/serve.py"}))

	reg := New(&stubSource{}, store, quietLogger())
	got := reg.RuntimeDescriptor("GPT-seg")
	require.NotNil(t, got)
	assert.Equal(t, "/opt/serve.py", got.ServicePath)
}

func TestRefreshCachesCatalogDescriptors(t *testing.T) {
	source := &stubSource{
		catalog: map[string]datatypes.CatalogEntry{
			"GPT-seg": {Runtime: &datatypes.RuntimeDescriptor{ServicePath: "/opt/serve.py", Port: 8401}},
		},
		running: map[string]datatypes.RunningNode{},
	}
	reg := New(source, nil, quietLogger())
	require.NoError(t, reg.Refresh(context.Background()))

	got := reg.RuntimeDescriptor("GPT-seg")
	require.NotNil(t, got)
	assert.Equal(t, 8401, got.Port)
}
