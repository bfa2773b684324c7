// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify is the in-process broadcast bus between the
// orchestration client and its consumers: the slide viewers listening
// for "data changed" and the panel editors listening for "open panel
// with generated content". Subscribers are called synchronously in
// registration order; a subscriber that needs to block hands off to
// its own goroutine.
package notify

import (
	"log/slog"
	"sync"
)

// Kind discriminates broadcast events.
type Kind string

const (
	// DataChanged tells viewers the dataset at TargetPath was
	// rewritten and must be re-read.
	DataChanged Kind = "data_changed"

	// OpenPanel tells the panel editors that PanelID received
	// generated content and should be brought to front.
	OpenPanel Kind = "open_panel"
)

// Event is one broadcast.
type Event struct {
	Kind       Kind
	TargetPath string
	PanelID    string
	NodeType   string
	Content    map[string]any
}

// Subscriber receives every broadcast.
type Subscriber func(Event)

// Bus fans broadcasts out to subscribers.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]Subscriber
	keys []string
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "notify"),
		subs:   make(map[string]Subscriber),
	}
}

// Subscribe registers a subscriber under an id and returns a release
// function. Releasing twice is safe.
func (b *Bus) Subscribe(id string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[id]; !exists {
		b.keys = append(b.keys, id)
	}
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers an event to every subscriber in registration order.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	ordered := make([]Subscriber, 0, len(b.subs))
	for _, key := range b.keys {
		if fn, ok := b.subs[key]; ok {
			ordered = append(ordered, fn)
		}
	}
	b.mu.RUnlock()

	b.logger.Debug("broadcast", "kind", event.Kind, "target", event.TargetPath, "subscribers", len(ordered))
	for _, fn := range ordered {
		fn(event)
	}
}

// PublishDataChanged broadcasts a dataset rewrite.
func (b *Bus) PublishDataChanged(targetPath string) {
	b.Publish(Event{Kind: DataChanged, TargetPath: targetPath})
}

// PublishOpenPanel broadcasts generated content for a panel.
func (b *Bus) PublishOpenPanel(panelID, nodeType string, content map[string]any) {
	b.Publish(Event{Kind: OpenPanel, PanelID: panelID, NodeType: nodeType, Content: content})
}
