// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage provides the durable key-value slot the cache snapshots
// into. The pipeline treats it as an optional collaborator: everything keeps
// working in memory when no store is configured.
package storage

import "errors"

var (
	// ErrNotFound is returned when a key has no value
	ErrNotFound = errors.New("storage: key not found")

	// ErrTooLarge is returned when a value exceeds the backend's size cap
	ErrTooLarge = errors.New("storage: value exceeds size limit")
)

// Store is a minimal durable key-value interface
type Store interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	Close() error
}

// New creates a store of the given type. "memory" is the default.
func New(storeType, path string) (Store, error) {
	switch storeType {
	case "badger":
		return NewBadgerStore(path, 0)
	case "memory", "":
		return NewMemStore(0), nil
	default:
		return nil, errors.New("storage: unknown store type " + storeType)
	}
}
