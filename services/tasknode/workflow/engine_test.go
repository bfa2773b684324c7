// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/backend"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/events"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/notify"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/registry"
)

// fakeCatalog backs the registry with a fixed node set.
type fakeCatalog struct {
	entries      map[string]datatypes.CatalogEntry
	catalogCalls atomic.Int32
}

func (f *fakeCatalog) Catalog(ctx context.Context) (map[string]datatypes.CatalogEntry, error) {
	f.catalogCalls.Add(1)
	return f.entries, nil
}

func (f *fakeCatalog) RunningNodes(ctx context.Context) (map[string]datatypes.RunningNode, error) {
	return map[string]datatypes.RunningNode{}, nil
}

// engineHarness wires an Engine against a fake backend whose event
// stream the test feeds line by line.
type engineHarness struct {
	engine *Engine
	subs   *events.Manager
	bus    *notify.Bus
	source *fakeCatalog

	// streams hands one line channel to each GET on the events path;
	// push channels before triggering a subscribe.
	streams chan chan string

	starts      atomic.Int32
	streamGets  atomic.Int32
	reloads     atomic.Int32
	stops       atomic.Int32
	reloadReply syncVal[datatypes.ReloadResult]
	stopReply   syncVal[datatypes.WorkflowStopReply]
}

// syncVal is a tiny typed value guarded for cross-goroutine use in the
// test server.
type syncVal[T any] struct{ v atomic.Pointer[T] }

func (d *syncVal[T]) set(v T) { d.v.Store(&v) }
func (d *syncVal[T]) get() T {
	if p := d.v.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

func newEngineHarness(t *testing.T, nodeTypes ...string) *engineHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &engineHarness{
		streams: make(chan chan string, 8),
	}
	h.reloadReply.set(datatypes.ReloadResult{Reloaded: true})
	h.stopReply.set(datatypes.WorkflowStopReply{StoppedProcesses: 1})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflow/start", func(w http.ResponseWriter, r *http.Request) {
		h.starts.Add(1)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /api/v1/workflow/stop", func(w http.ResponseWriter, r *http.Request) {
		h.stops.Add(1)
		json.NewEncoder(w).Encode(h.stopReply.get())
	})
	mux.HandleFunc("POST /api/v1/data/reload", func(w http.ResponseWriter, r *http.Request) {
		h.reloads.Add(1)
		json.NewEncoder(w).Encode(h.reloadReply.get())
	})
	mux.HandleFunc("GET /api/v1/workflow/events", func(w http.ResponseWriter, r *http.Request) {
		h.streamGets.Add(1)
		lines, ok := <-h.streams
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for line := range lines {
			io.WriteString(w, line+"\n")
			flusher.Flush()
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	entries := make(map[string]datatypes.CatalogEntry, len(nodeTypes))
	for _, name := range nodeTypes {
		entries[name] = datatypes.CatalogEntry{Factory: "test"}
	}
	h.source = &fakeCatalog{entries: entries}

	client := backend.New(server.URL, logger)
	reg := registry.New(h.source, nil, logger)
	require.NoError(t, reg.Refresh(context.Background()))
	h.source.catalogCalls.Store(0)

	h.subs = events.NewManager(logger, nil)
	h.bus = notify.NewBus(logger)
	h.engine = New(client, reg, h.subs, h.bus, nil, logger)
	h.engine.ReconnectBackoff = 10 * time.Millisecond
	t.Cleanup(h.subs.CloseAll)
	return h
}

func panelsFor(types ...string) []datatypes.WorkflowPanel {
	panels := make([]datatypes.WorkflowPanel, len(types))
	for i, nodeType := range types {
		panels[i] = datatypes.WorkflowPanel{ID: "panel-" + nodeType, Type: nodeType}
	}
	return panels
}

func statusEvent(t *testing.T, status map[string]int) string {
	t.Helper()
	encoded, err := json.Marshal(datatypes.WorkflowEvent{NodeStatus: status})
	require.NoError(t, err)
	return string(encoded)
}

func TestStartRejectsEmptyPanelList(t *testing.T) {
	h := newEngineHarness(t, "node-a")

	err := h.engine.Start(context.Background(), nil, "/slides/x.h5")
	require.ErrorIs(t, err, ErrNoPanels)
	assert.Equal(t, int32(0), h.starts.Load())
	assert.False(t, h.engine.IsRunning())
}

func TestStartRejectsUnknownNode(t *testing.T) {
	h := newEngineHarness(t, "node-a")

	panels := panelsFor("node-a", "node-missing")
	err := h.engine.Start(context.Background(), panels, "/slides/x.h5")
	require.ErrorIs(t, err, ErrUnknownNode)
	assert.Equal(t, int32(0), h.starts.Load(), "rejected run must not reach the backend")
	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, PhaseIdle, h.engine.Phase())
}

func TestDerivedCompletionAfterLastTerminalStatus(t *testing.T) {
	h := newEngineHarness(t, "node-a", "node-b", "node-c")
	lines := make(chan string, 8)
	h.streams <- lines

	dataChanged := make(chan notify.Event, 4)
	h.bus.Subscribe("test", func(ev notify.Event) {
		if ev.Kind == notify.DataChanged {
			dataChanged <- ev
		}
	})

	require.NoError(t, h.engine.Start(context.Background(), panelsFor("node-a", "node-b", "node-c"), "/slides/run.h5"))
	require.True(t, h.engine.IsRunning())

	lines <- statusEvent(t, map[string]int{"node-a": 2})
	lines <- statusEvent(t, map[string]int{"node-c": 2})

	// Two of three terminal: still tracking.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.engine.IsRunning())
	assert.Equal(t, int32(0), h.reloads.Load())

	lines <- statusEvent(t, map[string]int{"node-b": 2})
	close(lines)

	select {
	case ev := <-dataChanged:
		assert.Equal(t, "/slides/run.h5", ev.TargetPath)
	case <-time.After(2 * time.Second):
		t.Fatal("completion did not broadcast a data change")
	}
	assert.Eventually(t, func() bool { return !h.engine.IsRunning() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, PhaseComplete, h.engine.Phase())
	assert.Equal(t, int32(1), h.reloads.Load())
	assert.False(t, h.subs.Has("workflow"))
}

func TestCompletionSequenceRunsOnceWithBothSignals(t *testing.T) {
	h := newEngineHarness(t, "node-a")
	lines := make(chan string, 8)
	h.streams <- lines

	var dataChanges atomic.Int32
	h.bus.Subscribe("test", func(ev notify.Event) {
		if ev.Kind == notify.DataChanged {
			dataChanges.Add(1)
		}
	})

	require.NoError(t, h.engine.Start(context.Background(), panelsFor("node-a"), "/slides/both.h5"))

	// The explicit flag fires while the node still reads running; the
	// derived signal follows in the next event. Only one completion
	// sequence may run.
	lines <- `{"node_status":{"node-a":1},"workflow_complete":true}`
	lines <- statusEvent(t, map[string]int{"node-a": 2})
	close(lines)

	assert.Eventually(t, func() bool { return h.engine.Phase() == PhaseComplete }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), h.reloads.Load())
	assert.Equal(t, int32(1), dataChanges.Load())
}

func TestCompletionInjectsGeneratedArtifact(t *testing.T) {
	h := newEngineHarness(t, "node-a", "node-gen")
	h.reloadReply.set(datatypes.ReloadResult{
		Reloaded:      true,
		NodeType:      "node-gen",
		GeneratedCode: "print('hi')",
	})
	lines := make(chan string, 8)
	h.streams <- lines

	opened := make(chan notify.Event, 1)
	h.bus.Subscribe("test", func(ev notify.Event) {
		if ev.Kind == notify.OpenPanel {
			opened <- ev
		}
	})

	require.NoError(t, h.engine.Start(context.Background(), panelsFor("node-a", "node-gen"), "/slides/gen.h5"))
	lines <- `{"node_status":{"node-a":2,"node-gen":2}}`
	close(lines)

	select {
	case ev := <-opened:
		assert.Equal(t, "panel-node-gen", ev.PanelID)
		assert.Equal(t, "node-gen", ev.NodeType)
		assert.Equal(t, "print('hi')", ev.Content["code"])
	case <-time.After(2 * time.Second):
		t.Fatal("generated artifact was not injected")
	}

	for _, panel := range h.engine.Panels() {
		if panel.Type == "node-gen" {
			assert.Equal(t, "print('hi')", panel.Content["code"])
		}
	}
}

func TestFailedNodeCountsAsTerminal(t *testing.T) {
	h := newEngineHarness(t, "node-a", "node-b")
	lines := make(chan string, 8)
	h.streams <- lines

	require.NoError(t, h.engine.Start(context.Background(), panelsFor("node-a", "node-b"), "/slides/fail.h5"))
	lines <- `{"node_status":{"node-a":2,"node-b":-1}}`
	close(lines)

	assert.Eventually(t, func() bool { return h.engine.Phase() == PhaseComplete }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamLossReconnectsOnce(t *testing.T) {
	h := newEngineHarness(t, "node-a")
	first := make(chan string, 1)
	second := make(chan string, 2)
	h.streams <- first
	h.streams <- second

	require.NoError(t, h.engine.Start(context.Background(), panelsFor("node-a"), "/slides/recon.h5"))

	// Drop the stream mid-run; the engine retries once and keeps
	// tracking on the replacement stream.
	close(first)
	assert.Eventually(t, func() bool { return h.streamGets.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.engine.IsRunning())

	second <- statusEvent(t, map[string]int{"node-a": 2})
	close(second)
	assert.Eventually(t, func() bool { return h.engine.Phase() == PhaseComplete }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamLossGivesUpAfterSecondFailure(t *testing.T) {
	h := newEngineHarness(t, "node-a")
	first := make(chan string, 1)
	second := make(chan string, 1)
	h.streams <- first
	h.streams <- second

	require.NoError(t, h.engine.Start(context.Background(), panelsFor("node-a"), "/slides/lost.h5"))

	close(first)
	close(second)

	assert.Eventually(t, func() bool {
		return h.streamGets.Load() == 2 && !h.subs.Has("workflow")
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), h.streamGets.Load(), "a second loss must not trigger another reconnect")
}

func TestStopTearsDownTracking(t *testing.T) {
	h := newEngineHarness(t, "node-a")
	h.stopReply.set(datatypes.WorkflowStopReply{
		StoppedProcesses:  2,
		RollbackPerformed: true,
		RestartedNodes:    []string{"node-a"},
	})
	lines := make(chan string, 1)
	h.streams <- lines

	require.NoError(t, h.engine.Start(context.Background(), panelsFor("node-a"), "/slides/stop.h5"))

	reply, err := h.engine.Stop(context.Background(), "/slides/stop.h5")
	require.NoError(t, err)
	assert.Equal(t, 2, reply.StoppedProcesses)
	assert.True(t, reply.RollbackPerformed)
	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, PhaseStopped, h.engine.Phase())
	assert.False(t, h.subs.Has("workflow"))
	close(lines)
}

func TestResumeReattachesWithoutResubmitting(t *testing.T) {
	h := newEngineHarness(t, "node-a")
	first := make(chan string, 1)
	h.streams <- first

	require.NoError(t, h.engine.Start(context.Background(), panelsFor("node-a"), "/slides/resume.h5"))
	require.Equal(t, int32(1), h.starts.Load())

	// Simulate a UI teardown: the subscription goes away but the run
	// is still in flight on the backend.
	h.subs.Unsubscribe("workflow")
	close(first)

	second := make(chan string, 2)
	h.streams <- second
	require.NoError(t, h.engine.Resume(context.Background()))
	assert.True(t, h.subs.Has("workflow"))
	assert.Equal(t, int32(1), h.starts.Load(), "resume must not re-issue the run")
	assert.Equal(t, int32(1), h.source.catalogCalls.Load())

	// A second resume cycle skips the registry refresh.
	h.subs.Unsubscribe("workflow")
	third := make(chan string, 2)
	h.streams <- third
	require.NoError(t, h.engine.Resume(context.Background()))
	assert.Equal(t, int32(1), h.source.catalogCalls.Load())

	third <- statusEvent(t, map[string]int{"node-a": 2})
	close(third)
	close(second)
	assert.Eventually(t, func() bool { return h.engine.Phase() == PhaseComplete }, 2*time.Second, 10*time.Millisecond)
}

func TestResumeIsNoOpWhenStreamLive(t *testing.T) {
	h := newEngineHarness(t, "node-a")
	lines := make(chan string, 1)
	h.streams <- lines

	require.NoError(t, h.engine.Start(context.Background(), panelsFor("node-a"), "/slides/noop.h5"))
	require.NoError(t, h.engine.Resume(context.Background()))
	assert.Equal(t, int32(1), h.streamGets.Load())
	assert.Equal(t, int32(0), h.source.catalogCalls.Load())
	close(lines)
}
