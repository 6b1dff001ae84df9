// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/pitwall-hq/pitwall/internal/log"
)

// TrackOverride carries operator-supplied hints for one circuit.
type TrackOverride struct {
	Rotation         float64 `yaml:"rotation"`
	PitSpeedLimitKPH float64 `yaml:"pit_speed_limit_kph"`
}

// Overrides is the hot-reloadable per-track override table, keyed by track
// name. A missing file is treated as an empty table.
type Overrides struct {
	path   string
	logger zerolog.Logger

	mu    sync.RWMutex
	table map[string]TrackOverride
}

// LoadOverrides reads the table at path. The file may not exist yet; it is
// picked up on the first write once Watch is running.
func LoadOverrides(path string) (*Overrides, error) {
	o := &Overrides{
		path:   path,
		logger: log.WithComponent("config.overrides"),
		table:  map[string]TrackOverride{},
	}
	if path == "" {
		return o, nil
	}
	if err := o.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return o, nil
}

// Lookup returns the override for a track, if any.
func (o *Overrides) Lookup(trackName string) (TrackOverride, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ov, ok := o.table[trackName]
	return ov, ok
}

func (o *Overrides) reload() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		return err
	}
	table := map[string]TrackOverride{}
	if err := yaml.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("parse %s: %w", o.path, err)
	}
	o.mu.Lock()
	o.table = table
	o.mu.Unlock()
	o.logger.Info().Int("tracks", len(table)).Msg("track overrides loaded")
	return nil
}

// Watch reloads the table when the file changes, until ctx is done. A broken
// edit keeps the previous table.
func (o *Overrides) Watch(ctx context.Context) error {
	if o.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which would drop a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(o.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != o.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := o.reload(); err != nil && !os.IsNotExist(err) {
				o.logger.Warn().Err(err).Msg("track override reload failed, keeping previous table")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn().Err(err).Msg("override watcher error")
		}
	}
}
