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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T, dir string) *Vault {
	t.Helper()
	v, err := New(Config{
		Dir:        dir,
		Passphrase: "correct horse battery staple",
	})
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t, t.TempDir())

	plaintext := []byte("s3cret-password")
	blob, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	require.Equal(t, AlgorithmAESGCM, blob.Algorithm)
	require.Equal(t, 1, blob.KeyVersion)
	require.NotContains(t, string(blob.Ciphertext), "s3cret")

	got, err := v.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	// every blob gets its own salt and nonce
	other, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, blob.Salt, other.Salt)
	require.NotEqual(t, blob.IV, other.IV)
}

func TestDecryptTamperDetection(t *testing.T) {
	v := newTestVault(t, t.TempDir())
	blob, err := v.Encrypt([]byte("payload"))
	require.NoError(t, err)

	blob.Ciphertext[0] ^= 0xff
	_, err = v.Decrypt(blob)
	require.True(t, trace.IsCompareFailed(err))

	blob.Ciphertext[0] ^= 0xff
	blob.Tag[0] ^= 0xff
	_, err = v.Decrypt(blob)
	require.True(t, trace.IsCompareFailed(err))
}

func TestDecryptErrors(t *testing.T) {
	v := newTestVault(t, t.TempDir())
	_, err := v.Decrypt(nil)
	require.True(t, trace.IsBadParameter(err))

	blob, err := v.Encrypt([]byte("x"))
	require.NoError(t, err)

	bad := *blob
	bad.Algorithm = Algorithm(42)
	_, err = v.Decrypt(&bad)
	require.True(t, trace.IsBadParameter(err))

	bad = *blob
	bad.KeyVersion = 99
	_, err = v.Decrypt(&bad)
	require.True(t, trace.IsNotFound(err))
}

func TestReopenWithPassphrase(t *testing.T) {
	dir := t.TempDir()
	v := newTestVault(t, dir)
	blob, err := v.Encrypt([]byte("persisted"))
	require.NoError(t, err)

	reopened := newTestVault(t, dir)
	got, err := reopened.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)

	_, err = New(Config{Dir: dir, Passphrase: "wrong"})
	require.True(t, trace.IsAccessDenied(err))
}

func TestRotation(t *testing.T) {
	var events []string
	v, err := New(Config{
		Dir:        t.TempDir(),
		Passphrase: "pass",
		Recorder: func(event string, data map[string]any) {
			events = append(events, event)
		},
	})
	require.NoError(t, err)

	old, err := v.Encrypt([]byte("old"))
	require.NoError(t, err)

	version, err := v.RotateKey()
	require.NoError(t, err)
	require.Equal(t, 2, version)
	require.Equal(t, 2, v.CurrentVersion())
	require.Contains(t, events, "key_rotated")

	// blobs encrypted under the prior version stay decryptable
	got, err := v.Decrypt(old)
	require.NoError(t, err)
	require.Equal(t, []byte("old"), got)

	fresh, err := v.Encrypt([]byte("new"))
	require.NoError(t, err)
	require.Equal(t, 2, fresh.KeyVersion)
}

func TestVersionRetention(t *testing.T) {
	v, err := New(Config{
		Dir:              t.TempDir(),
		Passphrase:       "pass",
		RetainedVersions: 2,
	})
	require.NoError(t, err)

	first, err := v.Encrypt([]byte("v1"))
	require.NoError(t, err)

	for range 3 {
		_, err = v.RotateKey()
		require.NoError(t, err)
	}
	// versions: 1..4 minted, retention 2 keeps {2, 3, 4}
	require.Equal(t, []int{2, 3, 4}, v.Versions())

	_, err = v.Decrypt(first)
	require.True(t, trace.IsNotFound(err))
}

func TestHMAC(t *testing.T) {
	v := newTestVault(t, t.TempDir())

	sig := v.HMAC([]byte("entry"))
	require.True(t, v.VerifyHMAC([]byte("entry"), sig))
	require.False(t, v.VerifyHMAC([]byte("other"), sig))
	require.False(t, v.VerifyHMAC([]byte("entry"), "not-base64!"))

	// signatures made before rotation verify under the retained key
	_, err := v.RotateKey()
	require.NoError(t, err)
	require.True(t, v.VerifyHMAC([]byte("entry"), sig))
}

func TestKeyMaterialAndImport(t *testing.T) {
	v := newTestVault(t, t.TempDir())

	material, err := v.KeyMaterial(1)
	require.NoError(t, err)
	require.Len(t, material, 32)

	fingerprint, err := v.KeyFingerprint(1)
	require.NoError(t, err)
	require.Equal(t, Fingerprint(material), fingerprint)

	require.NoError(t, v.ImportKey(1, material))

	bogus := make([]byte, 32)
	require.True(t, trace.IsCompareFailed(v.ImportKey(1, bogus)))
	require.True(t, trace.IsBadParameter(v.ImportKey(1, []byte("short"))))
	require.True(t, trace.IsNotFound(v.ImportKey(9, material)))

	_, err = v.KeyMaterial(9)
	require.True(t, trace.IsNotFound(err))
}

func TestBackupRestore(t *testing.T) {
	v, err := New(Config{Dir: t.TempDir(), Passphrase: "pass"})
	require.NoError(t, err)

	blob, err := v.Encrypt([]byte("survives"))
	require.NoError(t, err)

	manifest, err := v.Backup()
	require.NoError(t, err)
	require.Equal(t, 1, manifest.CurrentVersion)

	list, err := v.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, manifest.ID, list[0].ID)

	_, err = v.RotateKey()
	require.NoError(t, err)

	require.NoError(t, v.Restore(manifest.ID))
	require.Equal(t, 1, v.CurrentVersion())
	got, err := v.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, []byte("survives"), got)
}
