package sharded

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher rescans the shard directory when another process creates a shard
// file, so sealed shards written elsewhere become searchable without a
// restart.
type Watcher struct {
	m       *Manager
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	// OnRescan, when set, is called after each rescan that added shards.
	OnRescan func(added int)
}

// NewWatcher creates a watcher for m's directory.
func NewWatcher(m *Manager) *Watcher {
	return &Watcher{
		m:      m,
		logger: m.logger.With().Str("subcomponent", "watcher").Logger(),
		done:   make(chan struct{}),
	}
}

// Start begins watching. It rescans once first to pick up anything created
// before the watch was installed. Call Stop to clean up.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.m.dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	w.rescan()
	go w.loop()
	w.logger.Debug().Str("dir", w.m.dir).Msg("watching shard directory")
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, _, _, ok := parseShardName(filepath.Base(evt.Name)); ok {
				w.rescan()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) rescan() {
	added, err := w.m.Rescan(context.Background())
	if err != nil {
		w.logger.Warn().Err(err).Msg("rescan failed")
		return
	}
	if added > 0 && w.OnRescan != nil {
		w.OnRescan(added)
	}
}
