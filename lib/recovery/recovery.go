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

// Package recovery backs up vault master keys as Shamir share sets
// replicated across multiple directories, and reconstructs lost keys from
// any threshold of surviving shares.
package recovery

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/conduit"
	"github.com/gravitational/conduit/lib/defaults"
	"github.com/gravitational/conduit/lib/utils"
	"github.com/gravitational/conduit/lib/vault"
)

const (
	infoFile    = "key_info.json"
	keySize     = 32
	sharePrefix = "share_"
)

// KeyBackupInfo records one backed-up key version and its place in the
// rotation chain.
type KeyBackupInfo struct {
	// KeyID identifies the backup, "v<version>".
	KeyID string `json:"key_id"`
	// Version is the vault key version.
	Version int `json:"version"`
	// Algorithm tags the key's cipher.
	Algorithm string `json:"algorithm"`
	// Fingerprint validates recovered material.
	Fingerprint string `json:"fingerprint"`
	// CreatedAt is when the key was minted; BackedUpAt when it was split.
	CreatedAt  time.Time `json:"created_at"`
	BackedUpAt time.Time `json:"backed_up_at"`
	// ShareTotal and ShareThreshold are the Shamir parameters.
	ShareTotal     int `json:"share_total"`
	ShareThreshold int `json:"share_threshold"`
	// Locations lists the directories holding share replicas.
	Locations []string `json:"locations"`
	// ParentKeyID links to the previous version in the rotation chain.
	ParentKeyID string `json:"parent_key_id,omitempty"`
}

// Config configures a recovery Manager.
type Config struct {
	// Dirs are the share replica directories. At least two are required
	// to survive single-location loss.
	Dirs []string
	// Vault supplies key material and fingerprints.
	Vault *vault.Vault
	// Shares and Threshold are the Shamir parameters, overridable via
	// environment.
	Shares    int
	Threshold int
	// Clock is the time source.
	Clock clockwork.Clock
	// Recorder receives backup and recovery events. Optional.
	Recorder vault.Recorder
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Dirs) < 2 {
		return trace.BadParameter("at least two share directories are required, got %d", len(c.Dirs))
	}
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	if c.Shares == 0 {
		c.Shares = defaults.IntEnv(defaults.KeyRecoverySharesEnv, defaults.KeyRecoveryShares)
	}
	if c.Threshold == 0 {
		c.Threshold = defaults.IntEnv(defaults.KeyRecoveryThresholdEnv, defaults.KeyRecoveryThreshold)
	}
	if c.Threshold < 2 || c.Shares < c.Threshold {
		return trace.BadParameter("invalid share parameters: %d of %d", c.Threshold, c.Shares)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Recorder == nil {
		c.Recorder = func(string, map[string]any) {}
	}
	return nil
}

// Manager splits and recovers vault keys.
type Manager struct {
	cfg Config
	log *slog.Logger
}

// New returns a recovery manager, creating the share directories.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	for _, dir := range cfg.Dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	return &Manager{
		cfg: cfg,
		log: slog.With(conduit.ComponentKey, conduit.ComponentRecovery),
	}, nil
}

func keyID(version int) string {
	return fmt.Sprintf("v%d", version)
}

// BackupKey splits the vault key of the given version into shares and
// replicates the full share set to every configured directory.
func (m *Manager) BackupKey(version int) (*KeyBackupInfo, error) {
	material, err := m.cfg.Vault.KeyMaterial(version)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id := keyID(version)
	shares, err := Split(material, id, m.cfg.Threshold, m.cfg.Shares)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	info := &KeyBackupInfo{
		KeyID:          id,
		Version:        version,
		Algorithm:      "aes-256-gcm",
		Fingerprint:    vault.Fingerprint(material),
		CreatedAt:      m.cfg.Clock.Now().UTC(),
		BackedUpAt:     m.cfg.Clock.Now().UTC(),
		ShareTotal:     m.cfg.Shares,
		ShareThreshold: m.cfg.Threshold,
		Locations:      slices.Clone(m.cfg.Dirs),
	}
	if version > 1 {
		if _, err := m.KeyInfo(keyID(version - 1)); err == nil {
			info.ParentKeyID = keyID(version - 1)
		}
	}

	for _, dir := range m.cfg.Dirs {
		keyDir := filepath.Join(dir, id)
		if err := os.MkdirAll(keyDir, 0o700); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		for _, share := range shares {
			path := filepath.Join(keyDir, fmt.Sprintf("%s%d.json", sharePrefix, share.Index))
			if err := utils.WriteJSONAtomic(path, share, 0o600); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		if err := utils.WriteJSONAtomic(filepath.Join(keyDir, infoFile), info, 0o600); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if err := m.prune(); err != nil {
		m.log.Warn("Failed to prune old key backups.", "error", err)
	}
	m.log.Info("Key backed up as shares.",
		"key_id", id, "threshold", m.cfg.Threshold, "shares", m.cfg.Shares,
		"locations", len(m.cfg.Dirs))
	m.cfg.Recorder("key_backup_created", map[string]any{
		"key_id":    id,
		"version":   version,
		"threshold": m.cfg.Threshold,
		"shares":    m.cfg.Shares,
	})
	return info, nil
}

// KeyInfo loads the backup record for a key from the first directory that
// has it.
func (m *Manager) KeyInfo(id string) (*KeyBackupInfo, error) {
	for _, dir := range m.cfg.Dirs {
		var info KeyBackupInfo
		err := utils.ReadJSON(filepath.Join(dir, id, infoFile), &info)
		if err == nil {
			return &info, nil
		}
		if !trace.IsNotFound(err) {
			m.log.Warn("Unreadable key info.", "dir", dir, "key_id", id, "error", err)
		}
	}
	return nil, trace.NotFound("no backup found for key %q", id)
}

// RecoverKey reconstructs a key from surviving shares. The recovered
// bytes must match the backed-up fingerprint before they are returned.
func (m *Manager) RecoverKey(id string) ([]byte, error) {
	info, err := m.KeyInfo(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// collect distinct valid shares across all locations
	byIndex := make(map[int]Share)
	for _, dir := range m.cfg.Dirs {
		entries, err := os.ReadDir(filepath.Join(dir, id))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || entry.Name() == infoFile {
				continue
			}
			var share Share
			if err := utils.ReadJSON(filepath.Join(dir, id, entry.Name()), &share); err != nil {
				m.log.Warn("Skipping unreadable share.", "path", entry.Name(), "error", err)
				continue
			}
			if share.KeyID != id || !share.Valid() {
				m.log.Warn("Skipping corrupted share.", "key_id", id, "index", share.Index)
				continue
			}
			byIndex[share.Index] = share
		}
	}
	if len(byIndex) < info.ShareThreshold {
		return nil, trace.BadParameter("insufficient shares: need %d, have %d",
			info.ShareThreshold, len(byIndex))
	}

	shares := make([]Share, 0, len(byIndex))
	for _, share := range byIndex {
		shares = append(shares, share)
	}
	slices.SortFunc(shares, func(a, b Share) int { return a.Index - b.Index })

	material, err := Recover(shares, keySize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if vault.Fingerprint(material) != info.Fingerprint {
		return nil, trace.CompareFailed("recovered key does not match fingerprint of %q", id)
	}

	m.log.Info("Key recovered from shares.", "key_id", id, "shares_used", info.ShareThreshold)
	m.cfg.Recorder("key_recovered", map[string]any{
		"key_id":  id,
		"version": info.Version,
	})
	return material, nil
}

// RestoreToVault recovers a key and imports it back into the vault under
// its original version.
func (m *Manager) RestoreToVault(id string) error {
	info, err := m.KeyInfo(id)
	if err != nil {
		return trace.Wrap(err)
	}
	material, err := m.RecoverKey(id)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(m.cfg.Vault.ImportKey(info.Version, material))
}

// Chain returns the rotation chain ending at the given key, newest first.
func (m *Manager) Chain(id string) ([]KeyBackupInfo, error) {
	var chain []KeyBackupInfo
	for id != "" {
		info, err := m.KeyInfo(id)
		if err != nil {
			if trace.IsNotFound(err) && len(chain) > 0 {
				break // chain ends where backups were pruned
			}
			return nil, trace.Wrap(err)
		}
		chain = append(chain, *info)
		id = info.ParentKeyID
	}
	return chain, nil
}

// List returns all backed-up keys, oldest first.
func (m *Manager) List() ([]KeyBackupInfo, error) {
	seen := make(map[string]KeyBackupInfo)
	for _, dir := range m.cfg.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if _, ok := seen[entry.Name()]; ok {
				continue
			}
			var info KeyBackupInfo
			if err := utils.ReadJSON(filepath.Join(dir, entry.Name(), infoFile), &info); err == nil {
				seen[entry.Name()] = info
			}
		}
	}
	infos := make([]KeyBackupInfo, 0, len(seen))
	for _, info := range seen {
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b KeyBackupInfo) int { return a.Version - b.Version })
	return infos, nil
}

// prune removes the oldest backups beyond the retention count and any
// older than the retention window, from every location.
func (m *Manager) prune() error {
	infos, err := m.List()
	if err != nil {
		return trace.Wrap(err)
	}
	maxKeys := defaults.IntEnv(defaults.MaxRecoveryKeysEnv, defaults.MaxRecoveryKeys)
	retention := time.Duration(defaults.IntEnv(
		defaults.KeyBackupRetentionDaysEnv, defaults.KeyBackupRetentionDays)) * 24 * time.Hour
	cutoff := m.cfg.Clock.Now().Add(-retention)

	var drop []string
	if excess := len(infos) - maxKeys; excess > 0 {
		for _, info := range infos[:excess] {
			drop = append(drop, info.KeyID)
		}
		infos = infos[excess:]
	}
	for _, info := range infos {
		if info.BackedUpAt.Before(cutoff) {
			drop = append(drop, info.KeyID)
		}
	}
	for _, id := range drop {
		for _, dir := range m.cfg.Dirs {
			if err := os.RemoveAll(filepath.Join(dir, id)); err != nil {
				return trace.ConvertSystemError(err)
			}
		}
		m.log.Info("Pruned key backup.", "key_id", id)
	}
	return nil
}
