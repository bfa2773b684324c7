// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/backend"
)

// streamServer serves one NDJSON stream per GET, fed from a channel
// the test controls.
type streamServer struct {
	server *httptest.Server
	client *backend.Client
	lines  chan chan string
	opens  atomic.Int32
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	s := &streamServer{lines: make(chan chan string, 8)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.opens.Add(1)
		feed, ok := <-s.lines
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for line := range feed {
			io.WriteString(w, line+"\n")
			flusher.Flush()
		}
	}))
	t.Cleanup(s.server.Close)
	s.client = backend.New(s.server.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s
}

func (s *streamServer) open(ctx context.Context) (*backend.Stream, error) {
	return s.client.OpenWorkflowStream(ctx)
}

func newTestManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestSubscribeIsIdempotentPerKey(t *testing.T) {
	s := newStreamServer(t)
	m := newTestManager()
	defer m.CloseAll()

	feed := make(chan string, 1)
	s.lines <- feed
	defer close(feed)

	require.NoError(t, m.Subscribe(context.Background(), "node:GPT-seg", s.open, Handler{}))
	require.NoError(t, m.Subscribe(context.Background(), "node:GPT-seg", s.open, Handler{}))

	assert.Equal(t, int32(1), s.opens.Load(), "second subscribe must not stack a stream")
	assert.True(t, m.Has("node:GPT-seg"))
	assert.Equal(t, []string{"node:GPT-seg"}, m.Keys())
}

func TestEventsDeliveredInArrivalOrder(t *testing.T) {
	s := newStreamServer(t)
	m := newTestManager()
	defer m.CloseAll()

	feed := make(chan string, 16)
	s.lines <- feed

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	require.NoError(t, m.Subscribe(context.Background(), "k", s.open, Handler{
		OnEvent: func(payload []byte) {
			mu.Lock()
			got = append(got, string(payload))
			if len(got) == 5 {
				close(done)
			}
			mu.Unlock()
		},
	}))

	want := make([]string, 5)
	for i := range want {
		want[i] = fmt.Sprintf(`{"seq":%d}`, i)
		feed <- want[i]
	}
	close(feed)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all events arrived")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestUnsubscribeIsSilentAndIdempotent(t *testing.T) {
	s := newStreamServer(t)
	m := newTestManager()
	defer m.CloseAll()

	feed := make(chan string, 1)
	s.lines <- feed
	defer close(feed)

	var errors atomic.Int32
	require.NoError(t, m.Subscribe(context.Background(), "k", s.open, Handler{
		OnError: func(error) { errors.Add(1) },
	}))

	m.Unsubscribe("k")
	m.Unsubscribe("k")
	m.Unsubscribe("never-existed")

	assert.False(t, m.Has("k"))
	// A deliberate close is not stream loss.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), errors.Load())
}

func TestOnErrorFiresOnStreamLossAndAllowsResubscribe(t *testing.T) {
	s := newStreamServer(t)
	m := newTestManager()
	defer m.CloseAll()

	first := make(chan string, 1)
	s.lines <- first

	lost := make(chan error, 1)
	require.NoError(t, m.Subscribe(context.Background(), "k", s.open, Handler{
		OnError: func(err error) { lost <- err },
	}))

	close(first) // backend ends the stream

	select {
	case err := <-lost:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream loss was not reported")
	}

	// The key is free again; the handler may re-subscribe under it.
	assert.False(t, m.Has("k"))
	second := make(chan string, 1)
	s.lines <- second
	defer close(second)
	require.NoError(t, m.Subscribe(context.Background(), "k", s.open, Handler{}))
	assert.True(t, m.Has("k"))
}

func TestCloseAllRejectsFurtherSubscribes(t *testing.T) {
	s := newStreamServer(t)
	m := newTestManager()

	feedA := make(chan string, 1)
	feedB := make(chan string, 1)
	s.lines <- feedA
	s.lines <- feedB
	defer close(feedA)
	defer close(feedB)

	require.NoError(t, m.Subscribe(context.Background(), "a", s.open, Handler{}))
	require.NoError(t, m.Subscribe(context.Background(), "b", s.open, Handler{}))

	m.CloseAll()
	assert.Empty(t, m.Keys())

	err := m.Subscribe(context.Background(), "c", s.open, Handler{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscribeOpenFailureReleasesKey(t *testing.T) {
	m := newTestManager()
	defer m.CloseAll()

	openErr := fmt.Errorf("backend down")
	err := m.Subscribe(context.Background(), "k", func(ctx context.Context) (*backend.Stream, error) {
		return nil, openErr
	}, Handler{})
	require.ErrorIs(t, err, openErr)
	assert.False(t, m.Has("k"), "failed open must not leave a placeholder behind")
}
