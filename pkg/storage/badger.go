// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore persists key-value pairs in a local badger database
type BadgerStore struct {
	db       *badger.DB
	maxValue int64
}

// NewBadgerStore opens (or creates) a badger database at path. maxValue
// caps individual value sizes; zero means badger's own limit applies.
func NewBadgerStore(path string, maxValue int64) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, maxValue: maxValue}, nil
}

// Put stores a key-value pair
func (s *BadgerStore) Put(key, value []byte) error {
	if s.maxValue > 0 && int64(len(value)) > s.maxValue {
		return ErrTooLarge
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return ErrTooLarge
	}
	return err
}

// Get retrieves a value by key
func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

// Has checks whether a key exists
func (s *BadgerStore) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a key
func (s *BadgerStore) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
