// Copyright (C) 2026 ZhiHuang Lab (tissuelab@zhihuanglab.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/zhihuanglab/TissueLab-sub003/services/tasknode/datatypes"
)

// descriptorPrefix namespaces descriptor keys so the store can host
// other registry state later without a migration.
const descriptorPrefix = "descriptor/"

// StoreConfig configures the descriptor store.
type StoreConfig struct {
	// Path is the directory for the BadgerDB files. Ignored when
	// InMemory is set.
	Path string

	// InMemory disables disk persistence. Used by tests.
	InMemory bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// DescriptorStore persists last-known runtime descriptors across
// process restarts so previously-activated nodes keep their one-click
// reactivation path. Backed by BadgerDB for low-latency local access.
type DescriptorStore struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenStore opens (or creates) the descriptor store.
func OpenStore(cfg StoreConfig) (*DescriptorStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("descriptor store requires a path")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open descriptor store: %w", err)
	}
	return &DescriptorStore{db: db}, nil
}

// Put persists the descriptor for a node, replacing any previous one.
func (s *DescriptorStore) Put(node string, desc datatypes.RuntimeDescriptor) error {
	value, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode descriptor for %s: %w", node, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(descriptorPrefix+node), value)
	})
}

// Get returns the persisted descriptor for a node, or nil when none is
// known.
func (s *DescriptorStore) Get(node string) (*datatypes.RuntimeDescriptor, error) {
	var desc *datatypes.RuntimeDescriptor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(descriptorPrefix + node))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			var decoded datatypes.RuntimeDescriptor
			if err := json.Unmarshal(value, &decoded); err != nil {
				return fmt.Errorf("decode descriptor for %s: %w", node, err)
			}
			desc = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// All returns every persisted descriptor keyed by node name.
func (s *DescriptorStore) All() (map[string]datatypes.RuntimeDescriptor, error) {
	descriptors := make(map[string]datatypes.RuntimeDescriptor)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(descriptorPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			node := string(item.Key()[len(descriptorPrefix):])
			err := item.Value(func(value []byte) error {
				var decoded datatypes.RuntimeDescriptor
				if err := json.Unmarshal(value, &decoded); err != nil {
					// A corrupt record loses one node's shortcut, not
					// the whole store.
					return nil
				}
				descriptors[node] = decoded
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return descriptors, nil
}

// Close releases the underlying database.
func (s *DescriptorStore) Close() error {
	return s.db.Close()
}
