// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreRoundTrip(t *testing.T) {
	require := require.New(t)

	store := NewMemStore(0)
	defer store.Close()

	require.NoError(store.Put([]byte("k1"), []byte("v1")))

	got, err := store.Get([]byte("k1"))
	require.NoError(err)
	require.Equal([]byte("v1"), got)

	ok, err := store.Has([]byte("k1"))
	require.NoError(err)
	require.True(ok)

	require.NoError(store.Delete([]byte("k1")))

	_, err = store.Get([]byte("k1"))
	require.ErrorIs(err, ErrNotFound)

	ok, err = store.Has([]byte("k1"))
	require.NoError(err)
	require.False(ok)
}

func TestMemStoreValueCap(t *testing.T) {
	require := require.New(t)

	store := NewMemStore(4)
	defer store.Close()

	require.NoError(store.Put([]byte("ok"), []byte("1234")))
	require.ErrorIs(store.Put([]byte("big"), []byte("12345")), ErrTooLarge)
}

func TestMemStoreCopiesValues(t *testing.T) {
	require := require.New(t)

	store := NewMemStore(0)
	defer store.Close()

	value := []byte("original")
	require.NoError(store.Put([]byte("k"), value))
	value[0] = 'X'

	got, err := store.Get([]byte("k"))
	require.NoError(err)
	require.Equal([]byte("original"), got)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	require := require.New(t)

	store, err := NewBadgerStore(t.TempDir(), 0)
	require.NoError(err)
	defer store.Close()

	require.NoError(store.Put([]byte("campaign:1"), []byte(`{"spend":12.5}`)))

	got, err := store.Get([]byte("campaign:1"))
	require.NoError(err)
	require.Equal([]byte(`{"spend":12.5}`), got)

	_, err = store.Get([]byte("missing"))
	require.ErrorIs(err, ErrNotFound)

	require.NoError(store.Delete([]byte("campaign:1")))
	ok, err := store.Has([]byte("campaign:1"))
	require.NoError(err)
	require.False(ok)
}

func TestBadgerStoreValueCap(t *testing.T) {
	require := require.New(t)

	store, err := NewBadgerStore(t.TempDir(), 8)
	require.NoError(err)
	defer store.Close()

	require.ErrorIs(store.Put([]byte("k"), []byte("123456789")), ErrTooLarge)
}

func TestNewSelectsBackend(t *testing.T) {
	require := require.New(t)

	mem, err := New("memory", "")
	require.NoError(err)
	require.IsType(&MemStore{}, mem)

	_, err = New("bogus", "")
	require.Error(err)
}
