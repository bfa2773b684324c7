// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events owns every live event-stream subscription in the
// orchestration client. It is the reconnection and idempotency layer:
// subscribing to a key that already has a live stream is a no-op,
// unsubscribing is safe to repeat, and process-wide teardown
// force-closes everything. The manager never expires subscriptions on
// a timer — terminal event handlers are responsible for unsubscribing
// themselves.
//
// Within one subscription, events are dispatched in arrival order by a
// single reader goroutine. Across subscriptions there is no ordering
// guarantee; each key's handler must not assume another key's state.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/backend"
	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/observability"
)

// ErrClosed is returned by Subscribe after CloseAll.
var ErrClosed = errors.New("subscription manager is closed")

// Handler receives a subscription's events and its terminal error.
type Handler struct {
	// OnEvent is called for every line, in arrival order, from the
	// subscription's reader goroutine. It may call Unsubscribe for its
	// own key.
	OnEvent func(payload []byte)

	// OnError is called once when the stream fails while still
	// subscribed. It is not called after Unsubscribe or CloseAll —
	// those are deliberate closes, not stream loss. The subscription
	// is already removed when OnError runs, so the handler may
	// re-subscribe under the same key.
	OnError func(err error)
}

// OpenFunc opens the stream backing a subscription.
type OpenFunc func(ctx context.Context) (*backend.Stream, error)

type subscription struct {
	id     string
	key    string
	cancel context.CancelFunc
	stream *backend.Stream
}

// Manager tracks live subscriptions by key.
type Manager struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// NewManager creates an empty subscription manager. metrics may be
// nil.
func NewManager(logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "event-subscriptions"),
		metrics: metrics,
		subs:    make(map[string]*subscription),
	}
}

// Subscribe opens a stream for key and dispatches its events to h. If
// a subscription for key already exists this is a no-op returning nil:
// remounting a UI or re-initializing a component never stacks a second
// stream on the same key.
func (m *Manager) Subscribe(ctx context.Context, key string, open OpenFunc, h Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, exists := m.subs[key]; exists {
		m.mu.Unlock()
		m.logger.Debug("subscription already live, ignoring", "key", key)
		return nil
	}
	// Reserve the key before the open round-trip so a concurrent
	// Subscribe for the same key is a no-op rather than a second
	// stream.
	placeholder := &subscription{key: key}
	m.subs[key] = placeholder
	m.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := open(streamCtx)
	if err != nil {
		cancel()
		m.mu.Lock()
		if m.subs[key] == placeholder {
			delete(m.subs, key)
		}
		m.mu.Unlock()
		return err
	}

	sub := &subscription{
		id:     uuid.NewString(),
		key:    key,
		cancel: cancel,
		stream: stream,
	}

	m.mu.Lock()
	if m.closed || m.subs[key] != placeholder {
		// Torn down while we were opening.
		m.mu.Unlock()
		cancel()
		stream.Close()
		return ErrClosed
	}
	m.subs[key] = sub
	m.mu.Unlock()

	m.logger.Debug("subscription opened", "key", key, "id", sub.id)
	m.metrics.StreamOpened()
	go m.read(streamCtx, sub, h)
	return nil
}

// read is the per-subscription loop. It is the only goroutine touching
// the stream, which gives per-subscription ordered delivery.
func (m *Manager) read(ctx context.Context, sub *subscription, h Handler) {
	for {
		line, err := sub.stream.Next()
		if err != nil {
			if ctx.Err() != nil || !m.removeIf(sub) {
				// Deliberate close via Unsubscribe or CloseAll.
				m.logger.Debug("subscription closed", "key", sub.key, "id", sub.id)
				return
			}
			m.logger.Debug("subscription stream lost", "key", sub.key, "id", sub.id, "error", err)
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}
		if h.OnEvent != nil {
			h.OnEvent(line)
		}
	}
}

// removeIf unregisters sub if it is still the live subscription for
// its key, reporting whether it was.
func (m *Manager) removeIf(sub *subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[sub.key] != sub {
		return false
	}
	delete(m.subs, sub.key)
	sub.cancel()
	sub.stream.Close()
	m.metrics.StreamClosed()
	return true
}

// Unsubscribe tears down the subscription for key. Calling it for an
// unknown key, or repeatedly for the same key, is safe. It does not
// wait for the reader goroutine, so terminal event handlers can call
// it for their own key.
func (m *Manager) Unsubscribe(key string) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if ok {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	if !ok || sub.cancel == nil {
		return
	}
	sub.cancel()
	sub.stream.Close()
	m.metrics.StreamClosed()
	m.logger.Debug("unsubscribed", "key", key)
}

// Has reports whether a live subscription exists for key.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[key]
	return ok
}

// Keys returns the keys of all live subscriptions.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.subs))
	for key := range m.subs {
		keys = append(keys, key)
	}
	return keys
}

// CloseAll force-closes every subscription regardless of state and
// rejects further Subscribe calls. Used on process-wide teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.closed = true
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
			sub.stream.Close()
			m.metrics.StreamClosed()
		}
	}
	if len(subs) > 0 {
		m.logger.Debug("closed all subscriptions", "count", len(subs))
	}
}
