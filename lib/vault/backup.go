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

package vault

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/conduit/lib/defaults"
	"github.com/gravitational/conduit/lib/utils"
)

const backupPrefix = "vault_backup_"

// BackupManifest describes one vault backup.
type BackupManifest struct {
	// ID is the backup identifier, also the directory name.
	ID string `json:"id"`
	// CreatedAt is when the backup was taken.
	CreatedAt time.Time `json:"created_at"`
	// CurrentVersion is the active key version at backup time.
	CurrentVersion int `json:"current_version"`
	// Versions inventories the retained key versions and fingerprints.
	Versions map[int]string `json:"versions"`
	// KeystoreHash is the SHA-256 of the backed-up keystore file.
	KeystoreHash string `json:"keystore_hash"`
}

func (v *Vault) backupsDir() string {
	return filepath.Join(v.cfg.Dir, "backups")
}

// Backup copies the encrypted keystore into a timestamped backup
// directory with a manifest, then prunes expired backups.
func (v *Vault) Backup() (*BackupManifest, error) {
	v.mu.RLock()
	manifest := &BackupManifest{
		ID:             backupPrefix + v.cfg.Clock.Now().UTC().Format("20060102_150405"),
		CreatedAt:      v.cfg.Clock.Now().UTC(),
		CurrentVersion: v.store.CurrentVersion,
		Versions:       make(map[int]string, len(v.store.Keys)),
	}
	for _, rec := range v.store.Keys {
		manifest.Versions[rec.Version] = rec.Fingerprint
	}
	v.mu.RUnlock()

	dir := filepath.Join(v.backupsDir(), manifest.ID)
	err := v.withLock(func() error {
		if err := utils.CopyFile(v.keystorePath(), filepath.Join(dir, keystoreFile)); err != nil {
			return trace.Wrap(err)
		}
		hash, err := utils.SHA256File(filepath.Join(dir, keystoreFile))
		if err != nil {
			return trace.Wrap(err)
		}
		manifest.KeystoreHash = hash
		return trace.Wrap(utils.WriteJSONAtomic(
			filepath.Join(dir, "manifest.json"), manifest, 0o600))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := v.pruneBackups(); err != nil {
		v.log.Warn("Failed to prune expired vault backups.", "error", err)
	}
	v.log.Info("Vault backup complete.", "backup_id", manifest.ID)
	v.cfg.Recorder("vault_backup_created", map[string]any{
		"backup_id":       manifest.ID,
		"current_version": manifest.CurrentVersion,
	})
	return manifest, nil
}

// ListBackups returns the manifests of all backups, oldest first.
func (v *Vault) ListBackups() ([]BackupManifest, error) {
	entries, err := os.ReadDir(v.backupsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var manifests []BackupManifest
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), backupPrefix) {
			continue
		}
		var m BackupManifest
		if err := utils.ReadJSON(filepath.Join(v.backupsDir(), entry.Name(), "manifest.json"), &m); err != nil {
			v.log.Warn("Skipping backup with unreadable manifest.", "backup_id", entry.Name(), "error", err)
			continue
		}
		manifests = append(manifests, m)
	}
	slices.SortFunc(manifests, func(a, b BackupManifest) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return manifests, nil
}

// Restore replaces the keystore with the named backup and reloads all key
// versions. The backup's keystore hash is verified first.
func (v *Vault) Restore(backupID string) error {
	dir := filepath.Join(v.backupsDir(), backupID)
	var manifest BackupManifest
	if err := utils.ReadJSON(filepath.Join(dir, "manifest.json"), &manifest); err != nil {
		return trace.Wrap(err, "reading backup manifest %v", backupID)
	}
	hash, err := utils.SHA256File(filepath.Join(dir, keystoreFile))
	if err != nil {
		return trace.Wrap(err)
	}
	if hash != manifest.KeystoreHash {
		return trace.CompareFailed("backup %v keystore does not match its manifest hash", backupID)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	err = v.withLock(func() error {
		if err := utils.CopyFile(filepath.Join(dir, keystoreFile), v.keystorePath()); err != nil {
			return trace.Wrap(err)
		}
		v.store = keystore{}
		v.keys = make(map[int][]byte)
		v.hmacKey = nil
		if err := utils.ReadJSON(v.keystorePath(), &v.store); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(v.unlockKeysLocked())
	})
	if err != nil {
		return trace.Wrap(err)
	}
	v.log.Info("Vault restored from backup.", "backup_id", backupID)
	v.cfg.Recorder("vault_restored", map[string]any{"backup_id": backupID})
	return nil
}

// pruneBackups removes backups older than the retention window.
func (v *Vault) pruneBackups() error {
	retention := time.Duration(defaults.IntEnv(
		defaults.VaultBackupRetentionDaysEnv, defaults.VaultBackupRetentionDays)) * 24 * time.Hour
	cutoff := v.cfg.Clock.Now().Add(-retention)

	manifests, err := v.ListBackups()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, m := range manifests {
		if m.CreatedAt.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(v.backupsDir(), m.ID)); err != nil {
				return trace.ConvertSystemError(err)
			}
			v.log.Info("Pruned expired vault backup.", "backup_id", m.ID)
		}
	}
	return nil
}
