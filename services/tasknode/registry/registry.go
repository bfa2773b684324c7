// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry holds the known task-node identities and their
// last-known runtime descriptors.
//
// The registry is the single owner of the cached catalog view. Refresh
// atomically replaces the whole view; a transport failure retains the
// previous cache (silent degrade — registry fetch errors are never
// blocking). Runtime descriptors are additionally persisted to a local
// BadgerDB store so a node activated in a previous session keeps its
// one-click reactivation path.
//
// Nothing outside this package mutates the cached view. Components
// read it through accessors; the activation machine reconciles its own
// states against it after each refresh.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
)

// CatalogSource is the slice of the backend client the registry needs.
// Narrowed for testing with function-field mocks.
type CatalogSource interface {
	Catalog(ctx context.Context) (map[string]datatypes.CatalogEntry, error)
	RunningNodes(ctx context.Context) (map[string]datatypes.RunningNode, error)
}

// Registry caches the backend catalog and running view.
type Registry struct {
	source CatalogSource
	logger *slog.Logger

	// store persists descriptors; nil disables persistence (tests,
	// ephemeral CLI invocations).
	store *DescriptorStore

	mu          sync.RWMutex
	nodes       map[string]datatypes.TaskNode
	descriptors map[string]datatypes.RuntimeDescriptor
	lastRefresh time.Time
}

// New creates a registry reading from source. store may be nil.
func New(source CatalogSource, store *DescriptorStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		source:      source,
		store:       store,
		logger:      logger.With("component", "node-registry"),
		nodes:       make(map[string]datatypes.TaskNode),
		descriptors: make(map[string]datatypes.RuntimeDescriptor),
	}
	if store != nil {
		if persisted, err := store.All(); err == nil {
			r.descriptors = persisted
		} else {
			r.logger.Warn("could not load persisted descriptors", "error", err)
		}
	}
	return r
}

// Refresh fetches the catalog and running view and atomically replaces
// the cached view. On a transport error the previous cache is retained
// and the error returned; callers treat it as silent degrade, never as
// a blocking failure. A malformed individual entry is already dropped
// by the client's tolerant decode and does not surface here.
func (r *Registry) Refresh(ctx context.Context) error {
	catalog, err := r.source.Catalog(ctx)
	if err != nil {
		r.logger.Warn("catalog refresh failed, retaining cached view", "error", err)
		return err
	}
	running, err := r.source.RunningNodes(ctx)
	if err != nil {
		r.logger.Warn("running view refresh failed, retaining cached view", "error", err)
		return err
	}

	nodes := make(map[string]datatypes.TaskNode, len(catalog))
	for name, entry := range catalog {
		node := datatypes.TaskNode{
			Name:    name,
			Factory: entry.Factory,
			Display: datatypes.DisplayMeta{
				Icon:        entry.Icon,
				Description: entry.Description,
				Inputs:      entry.Inputs,
				Outputs:     entry.Outputs,
			},
			Runtime: entry.Runtime,
		}
		if view, ok := running[name]; ok {
			node.Running = view.Running
			node.EnvName = view.EnvName
			node.Port = view.Port
			node.LogPath = view.LogPath
		}
		nodes[name] = node
	}

	r.mu.Lock()
	r.nodes = nodes
	for name, entry := range catalog {
		if entry.Runtime != nil {
			r.descriptors[name] = *entry.Runtime
		}
	}
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	if r.store != nil {
		for name, entry := range catalog {
			if entry.Runtime == nil {
				continue
			}
			if err := r.store.Put(name, *entry.Runtime); err != nil {
				r.logger.Warn("could not persist descriptor", "node", name, "error", err)
			}
		}
	}

	r.logger.Debug("registry refreshed", "nodes", len(nodes))
	return nil
}

// Node returns the cached entry for a node name.
func (r *Registry) Node(name string) (datatypes.TaskNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[name]
	return node, ok
}

// Has reports whether the node exists in the cached catalog.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[name]
	return ok
}

// Nodes returns the cached view sorted by factory then name, for
// stable listings.
func (r *Registry) Nodes() []datatypes.TaskNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]datatypes.TaskNode, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Factory != nodes[j].Factory {
			return nodes[i].Factory < nodes[j].Factory
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes
}

// IsRunning reports whether the backend's last-seen view has the node
// running with an assigned port.
func (r *Registry) IsRunning(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[name]
	return ok && node.Running && node.Port > 0
}

// EnvName returns the backend-visible environment identifier for a
// node, or "" when the registry has none. Callers fall back to the
// deterministic default derived from the node name.
func (r *Registry) EnvName(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[name].EnvName
}

// RuntimeDescriptor returns the last cached descriptor for a node, or
// nil when none is known — which signals to callers that the node must
// be activated manually, with no one-click path.
func (r *Registry) RuntimeDescriptor(name string) *datatypes.RuntimeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if desc, ok := r.descriptors[name]; ok {
		out := desc
		return &out
	}
	return nil
}

// RememberDescriptor caches (and persists) a descriptor the user just
// activated with, so the next activation is one click.
func (r *Registry) RememberDescriptor(name string, desc datatypes.RuntimeDescriptor) {
	r.mu.Lock()
	r.descriptors[name] = desc
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Put(name, desc); err != nil {
			r.logger.Warn("could not persist descriptor", "node", name, "error", err)
		}
	}
}

// LastRefresh returns when the cached view was last replaced; zero
// before the first successful refresh.
func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}
