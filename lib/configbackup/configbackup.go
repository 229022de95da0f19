/*
 * Conduit
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package configbackup snapshots configuration files. The engine scans
// the monitored paths, validates each file in its declared format,
// detects changes against the previous snapshot by content hash and
// writes vault-encrypted snapshots with a plaintext metadata sidecar.
// Snapshots are pruned by count and by age, and can be restored either
// as a dry-run plan or by writing the files back in place.
package configbackup

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/conduit"
	"github.com/gravitational/conduit/lib/defaults"
	"github.com/gravitational/conduit/lib/utils"
	"github.com/gravitational/conduit/lib/vault"
)

const (
	snapshotPrefix = "config_snapshot_"
	payloadSuffix  = ".blob"
	metaSuffix     = ".json"
)

// Trigger records what caused a snapshot.
type Trigger string

const (
	// TriggerPeriodic is the interval worker.
	TriggerPeriodic Trigger = "periodic"
	// TriggerWatch is a filesystem notification.
	TriggerWatch Trigger = "watch"
	// TriggerManual is an operator request.
	TriggerManual Trigger = "manual"
)

// Meta is the plaintext sidecar written next to each encrypted snapshot
// payload. It carries no file contents.
type Meta struct {
	// ID is the snapshot identifier.
	ID string `json:"snapshot_id"`
	// CreatedAt is the snapshot timestamp.
	CreatedAt time.Time `json:"created_at"`
	// Trigger records what caused the snapshot.
	Trigger Trigger `json:"trigger"`
	// FileCount is the number of files captured.
	FileCount int `json:"file_count"`
	// TotalBytes is the combined content size.
	TotalBytes int64 `json:"total_bytes"`
	// ValidFiles and InvalidFiles summarize validation.
	ValidFiles   int `json:"valid_files"`
	InvalidFiles int `json:"invalid_files"`
	// Added, Modified and Removed count changes against the previous
	// snapshot.
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Removed  int `json:"removed"`
	// Files lists the captured records without content.
	Files []FileRecord `json:"files"`
}

// payload is the encrypted snapshot body.
type payload struct {
	ID    string       `json:"snapshot_id"`
	Files []FileRecord `json:"files"`
}

// Config configures an Engine.
type Config struct {
	// Dir is the snapshot storage directory.
	Dir string
	// Paths are the files and directories to monitor. The
	// CONFIG_BACKUP_PATHS environment variable appends to this list.
	Paths []string
	// Excludes are glob patterns skipped during scans. The
	// CONFIG_BACKUP_EXCLUDE environment variable appends to this list.
	Excludes []string
	// Vault encrypts snapshot payloads.
	Vault *vault.Vault
	// Interval is the periodic snapshot cadence.
	Interval time.Duration
	// MaxSnapshots bounds retained snapshots by count.
	MaxSnapshots int
	// RetentionDays bounds retained snapshots by age.
	RetentionDays int
	// Clock is the time source.
	Clock clockwork.Clock
	// Recorder receives snapshot and restore events. Optional.
	Recorder vault.Recorder
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	c.Paths = append(c.Paths, defaults.ListEnv(defaults.ConfigBackupPathsEnv)...)
	if len(c.Paths) == 0 {
		return trace.BadParameter("missing parameter Paths")
	}
	c.Excludes = append(c.Excludes, defaults.ListEnv(defaults.ConfigBackupExcludeEnv)...)
	if c.Interval == 0 {
		c.Interval = defaults.ConfigSnapshotInterval
	}
	if c.MaxSnapshots == 0 {
		c.MaxSnapshots = defaults.IntEnv(defaults.MaxConfigSnapshotsEnv, defaults.MaxConfigSnapshots)
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = defaults.IntEnv(defaults.ConfigRetentionDaysEnv, defaults.ConfigRetentionDays)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Recorder == nil {
		c.Recorder = func(string, map[string]any) {}
	}
	return nil
}

// Engine owns the snapshot store and the background workers.
type Engine struct {
	cfg Config
	log *slog.Logger

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu sync.Mutex
	// lastHashes maps path to content hash as of the latest snapshot.
	lastHashes map[string]string
	// dirty is set by the watcher between snapshots.
	dirty bool
}

// New creates an Engine and seeds change detection from the most recent
// snapshot on disk. Call Start to launch the workers.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		log:        slog.With(conduit.ComponentKey, conduit.ComponentConfigBackup),
		closeCtx:   closeCtx,
		cancel:     cancel,
		lastHashes: make(map[string]string),
	}
	snapshots, err := e.List()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(snapshots) > 0 {
		latest := snapshots[len(snapshots)-1]
		for _, f := range latest.Files {
			e.lastHashes[f.Path] = f.Hash
		}
	}
	return e, nil
}

// Start launches the periodic snapshot worker and the filesystem
// watcher.
func (e *Engine) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, path := range e.cfg.Paths {
		// watch the parent so that file creation and atomic renames
		// are observed
		target := path
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			target = filepath.Dir(path)
		}
		if err := watcher.Add(target); err != nil {
			e.log.Warn("Failed to watch config path.", "path", target, "error", err)
		}
	}
	e.wg.Add(2)
	go e.watch(watcher)
	go e.periodic()
	return nil
}

// Close stops the workers.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) watch(watcher *fsnotify.Watcher) {
	defer e.wg.Done()
	defer watcher.Close()
	for {
		select {
		case <-e.closeCtx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if excluded(event.Name, e.cfg.Excludes) {
				continue
			}
			e.mu.Lock()
			e.dirty = true
			e.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.log.Warn("Config watcher error.", "error", err)
		}
	}
}

func (e *Engine) periodic() {
	defer e.wg.Done()
	ticker := e.cfg.Clock.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCtx.Done():
			return
		case <-ticker.Chan():
			trigger := TriggerPeriodic
			e.mu.Lock()
			if e.dirty {
				trigger = TriggerWatch
				e.dirty = false
			}
			e.mu.Unlock()
			if _, err := e.Snapshot(trigger, false); err != nil {
				e.log.Warn("Periodic config snapshot failed.", "error", err)
			}
		}
	}
}

// Snapshot scans the monitored paths and writes a snapshot. Without
// force, an unchanged tree produces no snapshot and a nil Meta.
func (e *Engine) Snapshot(trigger Trigger, force bool) (*Meta, error) {
	records, err := scan(e.cfg.Paths, e.cfg.Excludes)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	added, modified, removed := e.diffLocked(records)
	if !force && added == 0 && modified == 0 && removed == 0 {
		return nil, nil
	}

	now := e.cfg.Clock.Now().UTC()
	meta := &Meta{
		ID:        snapshotPrefix + now.Format("20060102_150405"),
		CreatedAt: now,
		Trigger:   trigger,
		FileCount: len(records),
		Added:     added,
		Modified:  modified,
		Removed:   removed,
	}
	for _, r := range records {
		meta.TotalBytes += r.Size
		if r.Valid {
			meta.ValidFiles++
		} else {
			meta.InvalidFiles++
			e.log.Warn("Config file failed validation.",
				"path", r.Path, "type", string(r.Type), "error", r.ValidationError)
		}
	}

	raw, err := json.Marshal(payload{ID: meta.ID, Files: records})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	blob, err := e.cfg.Vault.Encrypt(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.WriteJSONAtomic(filepath.Join(e.cfg.Dir, meta.ID+payloadSuffix), blob, 0o600); err != nil {
		return nil, trace.Wrap(err)
	}

	// sidecar carries metadata only
	meta.Files = make([]FileRecord, len(records))
	for i, r := range records {
		r.Content = nil
		meta.Files[i] = r
	}
	if err := utils.WriteJSONAtomic(filepath.Join(e.cfg.Dir, meta.ID+metaSuffix), meta, 0o600); err != nil {
		return nil, trace.Wrap(err)
	}

	e.lastHashes = make(map[string]string, len(records))
	for _, r := range records {
		e.lastHashes[r.Path] = r.Hash
	}

	if err := e.pruneLocked(); err != nil {
		e.log.Warn("Failed to prune config snapshots.", "error", err)
	}

	e.log.Info("Config snapshot created.",
		"snapshot_id", meta.ID,
		"files", meta.FileCount,
		"added", added, "modified", modified, "removed", removed,
		"invalid", meta.InvalidFiles)
	e.cfg.Recorder("config_snapshot_created", map[string]any{
		"snapshot_id": meta.ID,
		"trigger":     string(trigger),
		"file_count":  meta.FileCount,
		"added":       added,
		"modified":    modified,
		"removed":     removed,
		"invalid":     meta.InvalidFiles,
	})
	return meta, nil
}

// diffLocked compares a scan against the last snapshot's hashes.
func (e *Engine) diffLocked(records []FileRecord) (added, modified, removed int) {
	current := make(map[string]bool, len(records))
	for _, r := range records {
		current[r.Path] = true
		last, ok := e.lastHashes[r.Path]
		switch {
		case !ok:
			added++
		case last != r.Hash:
			modified++
		}
	}
	for path := range e.lastHashes {
		if !current[path] {
			removed++
		}
	}
	return added, modified, removed
}

// List returns snapshot metadata sorted oldest first.
func (e *Engine) List() ([]Meta, error) {
	entries, err := os.ReadDir(e.cfg.Dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var out []Meta
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		var meta Meta
		if err := utils.ReadJSON(filepath.Join(e.cfg.Dir, name), &meta); err != nil {
			e.log.Warn("Skipping unreadable snapshot metadata.", "file", name, "error", err)
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetMeta returns one snapshot's metadata.
func (e *Engine) GetMeta(id string) (*Meta, error) {
	var meta Meta
	if err := utils.ReadJSON(filepath.Join(e.cfg.Dir, id+metaSuffix), &meta); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("snapshot %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	return &meta, nil
}

// open decrypts a snapshot payload.
func (e *Engine) open(id string) (*payload, error) {
	var blob vault.Blob
	if err := utils.ReadJSON(filepath.Join(e.cfg.Dir, id+payloadSuffix), &blob); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("snapshot %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	raw, err := e.cfg.Vault.Decrypt(&blob)
	if err != nil {
		return nil, trace.Wrap(err, "decrypting snapshot %v", id)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

// pruneLocked removes snapshots beyond the count bound or older than the
// retention window.
func (e *Engine) pruneLocked() error {
	snapshots, err := e.List()
	if err != nil {
		return trace.Wrap(err)
	}
	cutoff := e.cfg.Clock.Now().UTC().AddDate(0, 0, -e.cfg.RetentionDays)
	var doomed []string
	if excess := len(snapshots) - e.cfg.MaxSnapshots; excess > 0 {
		for _, meta := range snapshots[:excess] {
			doomed = append(doomed, meta.ID)
		}
		snapshots = snapshots[excess:]
	}
	for _, meta := range snapshots {
		if meta.CreatedAt.Before(cutoff) {
			doomed = append(doomed, meta.ID)
		}
	}
	for _, id := range doomed {
		for _, suffix := range []string{payloadSuffix, metaSuffix} {
			if err := os.Remove(filepath.Join(e.cfg.Dir, id+suffix)); err != nil && !os.IsNotExist(err) {
				return trace.ConvertSystemError(err)
			}
		}
		e.log.Debug("Pruned config snapshot.", "snapshot_id", id)
	}
	return nil
}

// Paths returns the monitored path list.
func (e *Engine) Paths() []string {
	return slices.Clone(e.cfg.Paths)
}
