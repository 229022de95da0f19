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

package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/conduit/lib/vault"
)

func newTestManager(t *testing.T) (*Manager, *vault.Vault) {
	t.Helper()
	v, err := vault.New(vault.Config{
		Dir:        t.TempDir(),
		Passphrase: "pass",
	})
	require.NoError(t, err)

	m, err := New(Config{
		Dirs:      []string{t.TempDir(), t.TempDir(), t.TempDir()},
		Vault:     v,
		Shares:    5,
		Threshold: 3,
	})
	require.NoError(t, err)
	return m, v
}

func TestBackupAndRecoverKey(t *testing.T) {
	m, v := newTestManager(t)

	info, err := m.BackupKey(1)
	require.NoError(t, err)
	require.Equal(t, "v1", info.KeyID)
	require.Equal(t, 3, info.ShareThreshold)
	require.Equal(t, 5, info.ShareTotal)
	require.Empty(t, info.ParentKeyID)

	material, err := m.RecoverKey("v1")
	require.NoError(t, err)

	want, err := v.KeyMaterial(1)
	require.NoError(t, err)
	require.Equal(t, want, material)
}

func TestRecoverSurvivesLocationLoss(t *testing.T) {
	m, v := newTestManager(t)
	_, err := m.BackupKey(1)
	require.NoError(t, err)

	// wipe all but one replica directory
	for _, dir := range m.cfg.Dirs[1:] {
		require.NoError(t, os.RemoveAll(filepath.Join(dir, "v1")))
	}

	material, err := m.RecoverKey("v1")
	require.NoError(t, err)
	want, err := v.KeyMaterial(1)
	require.NoError(t, err)
	require.Equal(t, want, material)
}

func TestRecoverInsufficientSurvivingShares(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.BackupKey(1)
	require.NoError(t, err)

	// leave only two distinct shares, below the threshold of three
	for _, dir := range m.cfg.Dirs {
		keyDir := filepath.Join(dir, "v1")
		for _, name := range []string{"share_3.json", "share_4.json", "share_5.json"} {
			require.NoError(t, os.Remove(filepath.Join(keyDir, name)))
		}
	}

	_, err = m.RecoverKey("v1")
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "insufficient shares")
}

func TestRestoreToVault(t *testing.T) {
	m, v := newTestManager(t)
	_, err := m.BackupKey(1)
	require.NoError(t, err)

	blob, err := v.Encrypt([]byte("guarded"))
	require.NoError(t, err)

	require.NoError(t, m.RestoreToVault("v1"))
	got, err := v.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, []byte("guarded"), got)
}

func TestRotationChain(t *testing.T) {
	m, v := newTestManager(t)
	_, err := m.BackupKey(1)
	require.NoError(t, err)

	for range 2 {
		_, err = v.RotateKey()
		require.NoError(t, err)
		_, err = m.BackupKey(v.CurrentVersion())
		require.NoError(t, err)
	}

	chain, err := m.Chain("v3")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, "v3", chain[0].KeyID)
	require.Equal(t, "v2", chain[1].KeyID)
	require.Equal(t, "v1", chain[2].KeyID)

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "v1", list[0].KeyID)
}

func TestKeyInfoNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.KeyInfo("v9")
	require.True(t, trace.IsNotFound(err))
	_, err = m.RecoverKey("v9")
	require.True(t, trace.IsNotFound(err))
}

func TestConfigValidation(t *testing.T) {
	v, err := vault.New(vault.Config{Dir: t.TempDir(), Passphrase: "pass"})
	require.NoError(t, err)

	_, err = New(Config{Dirs: []string{t.TempDir()}, Vault: v})
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Config{
		Dirs: []string{t.TempDir(), t.TempDir()}, Vault: v,
		Shares: 2, Threshold: 3,
	})
	require.True(t, trace.IsBadParameter(err))
}
