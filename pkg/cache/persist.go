// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"encoding/json"
	"errors"

	"github.com/adxyz/pulse/pkg/log"
	"github.com/adxyz/pulse/pkg/storage"
)

// persist writes all live entries to the durable slot. A snapshot that
// exceeds the store's size limit evicts the single oldest entry and retries
// once; persistence failures never propagate to callers, the in-memory
// cache stays authoritative.
func (m *Manager) persist() {
	if m.store == nil {
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		m.mu.Lock()
		snapshot := make([]*Entry, 0, len(m.entries))
		for _, entry := range m.entries {
			snapshot = append(snapshot, entry)
		}
		m.mu.Unlock()

		data, err := json.Marshal(snapshot)
		if err != nil {
			m.log.Error("cache snapshot serialization failed", log.Error(err))
			return
		}

		err = m.store.Put([]byte(m.cfg.SnapshotKey), data)
		if err == nil {
			return
		}
		if !errors.Is(err, storage.ErrTooLarge) {
			m.log.Warn("cache snapshot write failed", log.Error(err))
			return
		}

		m.mu.Lock()
		evicted := m.evictOldestLocked()
		m.mu.Unlock()
		if !evicted {
			break
		}
	}
	m.log.Warn("cache snapshot skipped, store capacity exhausted")
}

// restore loads a previous snapshot, keeping only entries that are still
// unexpired and well-formed. A bad individual entry is skipped; restore
// never fails wholesale.
func (m *Manager) restore() {
	data, err := m.store.Get([]byte(m.cfg.SnapshotKey))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.log.Warn("cache snapshot read failed", log.Error(err))
		}
		return
	}

	var rawEntries []json.RawMessage
	if err := json.Unmarshal(data, &rawEntries); err != nil {
		m.log.Warn("cache snapshot unreadable, starting empty", log.Error(err))
		return
	}

	now := m.now()
	restored := 0
	skipped := 0

	m.mu.Lock()
	for _, raw := range rawEntries {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			skipped++
			continue
		}
		if entry.Key == "" || entry.CreatedAt.IsZero() || len(entry.Data) == 0 {
			skipped++
			continue
		}
		if entry.Expired(now) {
			continue
		}
		if m.size+entry.size() > m.cfg.MaxSize {
			continue
		}
		m.entries[entry.Key] = &entry
		m.size += entry.size()
		restored++
	}
	m.mu.Unlock()

	if restored > 0 || skipped > 0 {
		m.log.Info("cache snapshot restored",
			log.Int("entries", restored),
			log.Int("skipped", skipped))
	}
}
