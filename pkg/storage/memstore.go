// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import "sync"

// MemStore is an in-memory Store. A non-zero maxValue cap makes it useful
// for exercising snapshot size-limit recovery in tests.
type MemStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	maxValue int64
}

// NewMemStore creates an in-memory store
func NewMemStore(maxValue int64) *MemStore {
	return &MemStore{
		data:     make(map[string][]byte),
		maxValue: maxValue,
	}
}

// Put stores a key-value pair
func (s *MemStore) Put(key, value []byte) error {
	if s.maxValue > 0 && int64(len(value)) > s.maxValue {
		return ErrTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[string(key)] = cp
	return nil
}

// Get retrieves a value by key
func (s *MemStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

// Has checks whether a key exists
func (s *MemStore) Has(key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[string(key)]
	return ok, nil
}

// Delete removes a key
func (s *MemStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

// Close releases the store
func (s *MemStore) Close() error {
	return nil
}
