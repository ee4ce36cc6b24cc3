// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adxyz/pulse/pkg/log"
)

// debounce absorbs the burst of events editors and atomic writers emit for
// a single save
const debounce = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and hands the new
// configuration to onChange. Reloads that fail to parse or validate are
// logged and skipped, keeping the last good configuration active. Watch
// blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, logger log.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = log.NoOp()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by rename
	// and the watch on the old inode dies with it
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Error("config reload rejected", log.String("path", path), log.Error(err))
				continue
			}
			logger.Info("configuration reloaded", log.String("path", path))
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", log.Error(err))
		}
	}
}
