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

// Package vault implements authenticated symmetric encryption over a
// versioned master key. Key material at rest is always encrypted under a
// key derived from the vault passphrase; rotation mints a new version and
// keeps a bounded number of prior versions decryptable.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/pbkdf2"

	"github.com/gravitational/conduit"
	"github.com/gravitational/conduit/lib/defaults"
	"github.com/gravitational/conduit/lib/utils"
)

// Algorithm identifies the blob encryption scheme.
type Algorithm int

const (
	// AlgorithmAESGCM is AES-256-GCM with a PBKDF2-derived per-blob key.
	AlgorithmAESGCM Algorithm = 1
)

const (
	keySize        = 32
	nonceSize      = 12
	saltSize       = 16
	pbkdf2Rounds   = 100000
	keystoreFile   = "keystore.json"
	keystoreLock   = "keystore.lock"
	hmacDeriveSalt = "conduit-vault-hmac"
)

// Blob is an encrypted value. All byte fields marshal as base64.
type Blob struct {
	// Ciphertext is the encrypted payload without the auth tag.
	Ciphertext []byte `json:"ciphertext"`
	// IV is the GCM nonce.
	IV []byte `json:"iv"`
	// Tag is the GCM authentication tag.
	Tag []byte `json:"tag"`
	// Salt is the per-blob PBKDF2 salt.
	Salt []byte `json:"salt"`
	// Algorithm tags the encryption scheme.
	Algorithm Algorithm `json:"algorithm_id"`
	// KeyVersion selects the master key version.
	KeyVersion int `json:"key_version"`
}

// keyRecord is one master key version, encrypted under the passphrase-
// derived keystore key.
type keyRecord struct {
	Version     int       `json:"version"`
	Material    []byte    `json:"material"`
	Nonce       []byte    `json:"nonce"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	// ParentVersion links a rotated key to its predecessor.
	ParentVersion int `json:"parent_version,omitempty"`
}

// keystore is the persisted key inventory.
type keystore struct {
	CurrentVersion int         `json:"current_version"`
	Salt           []byte      `json:"salt"`
	Keys           []keyRecord `json:"keys"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Recorder receives vault lifecycle events, typically bound to the audit
// trail.
type Recorder func(event string, data map[string]any)

// Config configures a Vault.
type Config struct {
	// Dir is the vault state directory.
	Dir string
	// Passphrase derives the key that protects master key material at
	// rest.
	Passphrase string
	// RetainedVersions bounds how many prior key versions stay
	// decryptable after rotation.
	RetainedVersions int
	// Clock is the time source.
	Clock clockwork.Clock
	// Recorder receives rotation and backup events. Optional.
	Recorder Recorder
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Passphrase == "" {
		return trace.BadParameter("missing parameter Passphrase")
	}
	if c.RetainedVersions == 0 {
		c.RetainedVersions = defaults.RetainedKeyVersions
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Recorder == nil {
		c.Recorder = func(string, map[string]any) {}
	}
	return nil
}

// Vault holds the decrypted master keys in memory and the encrypted
// keystore on disk.
type Vault struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	store   keystore
	keys    map[int][]byte // version -> decrypted material
	hmacKey []byte
}

// New opens the vault at cfg.Dir, generating a fresh key on first use.
func New(cfg Config) (*Vault, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	v := &Vault{
		cfg:  cfg,
		log:  slog.With(conduit.ComponentKey, conduit.ComponentVault),
		keys: make(map[int][]byte),
	}
	if err := v.load(); err != nil {
		return nil, trace.Wrap(err)
	}
	return v, nil
}

func (v *Vault) keystorePath() string {
	return filepath.Join(v.cfg.Dir, keystoreFile)
}

// withLock runs fn holding the cross-process keystore lock.
func (v *Vault) withLock(fn func() error) error {
	lock := flock.New(filepath.Join(v.cfg.Dir, keystoreLock))
	if err := lock.Lock(); err != nil {
		return trace.ConvertSystemError(err)
	}
	defer lock.Unlock()
	return fn()
}

func (v *Vault) load() error {
	return v.withLock(func() error {
		err := utils.ReadJSON(v.keystorePath(), &v.store)
		if trace.IsNotFound(err) {
			return trace.Wrap(v.initializeLocked())
		}
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(v.unlockKeysLocked())
	})
}

// initializeLocked generates the keystore salt and the first key version.
func (v *Vault) initializeLocked() error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return trace.Wrap(err)
	}
	v.store = keystore{Salt: salt}
	if err := v.mintKeyLocked(0); err != nil {
		return trace.Wrap(err)
	}
	v.log.Info("Initialized fresh vault.", "dir", v.cfg.Dir)
	return nil
}

// kek derives the keystore encryption key from the passphrase.
func (v *Vault) kek() []byte {
	return pbkdf2.Key([]byte(v.cfg.Passphrase), v.store.Salt, pbkdf2Rounds, keySize, sha256.New)
}

// mintKeyLocked creates the next key version, encrypts it under the KEK
// and persists the keystore.
func (v *Vault) mintKeyLocked(parent int) error {
	material := make([]byte, keySize)
	if _, err := rand.Read(material); err != nil {
		return trace.Wrap(err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return trace.Wrap(err)
	}
	aead, err := newAEAD(v.kek())
	if err != nil {
		return trace.Wrap(err)
	}
	version := v.store.CurrentVersion + 1
	v.store.Keys = append(v.store.Keys, keyRecord{
		Version:       version,
		Material:      aead.Seal(nil, nonce, material, nil),
		Nonce:         nonce,
		Fingerprint:   Fingerprint(material),
		CreatedAt:     v.cfg.Clock.Now().UTC(),
		ParentVersion: parent,
	})
	v.store.CurrentVersion = version
	v.pruneLocked()
	if err := v.persistLocked(); err != nil {
		return trace.Wrap(err)
	}
	v.keys[version] = material
	v.hmacKey = deriveHMACKey(material)
	return nil
}

// pruneLocked drops key versions beyond the retention bound, oldest first.
// The current version is never pruned.
func (v *Vault) pruneLocked() {
	keep := v.cfg.RetainedVersions + 1
	if len(v.store.Keys) <= keep {
		return
	}
	slices.SortFunc(v.store.Keys, func(a, b keyRecord) int { return a.Version - b.Version })
	dropped := v.store.Keys[:len(v.store.Keys)-keep]
	v.store.Keys = slices.Clone(v.store.Keys[len(v.store.Keys)-keep:])
	for _, rec := range dropped {
		delete(v.keys, rec.Version)
	}
}

func (v *Vault) persistLocked() error {
	v.store.UpdatedAt = v.cfg.Clock.Now().UTC()
	return trace.Wrap(utils.WriteJSONAtomic(v.keystorePath(), v.store, 0o600))
}

// unlockKeysLocked decrypts every retained key version into memory.
func (v *Vault) unlockKeysLocked() error {
	aead, err := newAEAD(v.kek())
	if err != nil {
		return trace.Wrap(err)
	}
	for _, rec := range v.store.Keys {
		material, err := aead.Open(nil, rec.Nonce, rec.Material, nil)
		if err != nil {
			return trace.AccessDenied("cannot unlock key version %d: wrong passphrase or corrupted keystore", rec.Version)
		}
		if Fingerprint(material) != rec.Fingerprint {
			return trace.CompareFailed("key version %d fingerprint mismatch", rec.Version)
		}
		v.keys[rec.Version] = material
		if rec.Version == v.store.CurrentVersion {
			v.hmacKey = deriveHMACKey(material)
		}
	}
	if v.hmacKey == nil {
		return trace.NotFound("current key version %d missing from keystore", v.store.CurrentVersion)
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return aead, nil
}

// deriveHMACKey derives the signing key from master key material so that
// signatures roll with key rotation.
func deriveHMACKey(material []byte) []byte {
	return pbkdf2.Key(material, []byte(hmacDeriveSalt), pbkdf2Rounds, keySize, sha256.New)
}

// Fingerprint returns the hex SHA-256 fingerprint of key material.
func Fingerprint(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// Encrypt seals plaintext under the current key version. Each blob gets a
// fresh salt and derived key, so no two blobs share a GCM key/nonce pair.
func (v *Vault) Encrypt(plaintext []byte) (*Blob, error) {
	v.mu.RLock()
	version := v.store.CurrentVersion
	material, ok := v.keys[version]
	v.mu.RUnlock()
	if !ok {
		return nil, trace.NotFound("current key version %d is unavailable", version)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, trace.Wrap(err)
	}
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := newAEAD(pbkdf2.Key(material, salt, pbkdf2Rounds, keySize, sha256.New))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - aead.Overhead()
	return &Blob{
		Ciphertext: sealed[:tagStart],
		Tag:        sealed[tagStart:],
		IV:         iv,
		Salt:       salt,
		Algorithm:  AlgorithmAESGCM,
		KeyVersion: version,
	}, nil
}

// Decrypt opens a blob, selecting the key by the blob's version.
func (v *Vault) Decrypt(blob *Blob) ([]byte, error) {
	if blob == nil {
		return nil, trace.BadParameter("missing blob")
	}
	if blob.Algorithm != AlgorithmAESGCM {
		return nil, trace.BadParameter("unsupported algorithm %d", blob.Algorithm)
	}
	v.mu.RLock()
	material, ok := v.keys[blob.KeyVersion]
	v.mu.RUnlock()
	if !ok {
		return nil, trace.NotFound("key version %d is not retained by the vault", blob.KeyVersion)
	}
	aead, err := newAEAD(pbkdf2.Key(material, blob.Salt, pbkdf2Rounds, keySize, sha256.New))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sealed := append(slices.Clone(blob.Ciphertext), blob.Tag...)
	plaintext, err := aead.Open(nil, blob.IV, sealed, nil)
	if err != nil {
		return nil, trace.CompareFailed("blob authentication failed: tampered or wrong key")
	}
	return plaintext, nil
}

// HMAC signs text with the vault's current signing key, returning base64.
func (v *Vault) HMAC(text []byte) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	mac := hmac.New(sha256.New, v.hmacKey)
	mac.Write(text)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether signature is a valid signature of text under
// any retained key version's signing key.
func (v *Vault) VerifyHMAC(text []byte, signature string) bool {
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, material := range v.keys {
		mac := hmac.New(sha256.New, deriveHMACKey(material))
		mac.Write(text)
		if subtle.ConstantTimeCompare(mac.Sum(nil), want) == 1 {
			return true
		}
	}
	return false
}

// RotateKey mints a new key version. Prior versions stay decryptable up
// to the retention bound.
func (v *Vault) RotateKey() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	previous := v.store.CurrentVersion
	err := v.withLock(func() error {
		return trace.Wrap(v.mintKeyLocked(previous))
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	version := v.store.CurrentVersion
	v.log.Info("Rotated vault key.", "previous_version", previous, "version", version)
	v.cfg.Recorder("key_rotated", map[string]any{
		"previous_version": previous,
		"version":          version,
	})
	return version, nil
}

// CurrentVersion returns the active key version.
func (v *Vault) CurrentVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.store.CurrentVersion
}

// Versions returns all retained key versions, ascending.
func (v *Vault) Versions() []int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	versions := make([]int, 0, len(v.keys))
	for version := range v.keys {
		versions = append(versions, version)
	}
	slices.Sort(versions)
	return versions
}

// KeyMaterial returns the raw material of a retained key version. Used by
// key recovery to split the key into shares.
func (v *Vault) KeyMaterial(version int) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	material, ok := v.keys[version]
	if !ok {
		return nil, trace.NotFound("key version %d is not retained by the vault", version)
	}
	return slices.Clone(material), nil
}

// KeyFingerprint returns the fingerprint of a key version, including
// pruned versions still listed in the keystore.
func (v *Vault) KeyFingerprint(version int) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, rec := range v.store.Keys {
		if rec.Version == version {
			return rec.Fingerprint, nil
		}
	}
	return "", trace.NotFound("key version %d not found", version)
}

// ImportKey restores recovered key material under its original version.
// The material must match the recorded fingerprint.
func (v *Vault) ImportKey(version int, material []byte) error {
	if len(material) != keySize {
		return trace.BadParameter("key material must be %d bytes, got %d", keySize, len(material))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, rec := range v.store.Keys {
		if rec.Version == version {
			if Fingerprint(material) != rec.Fingerprint {
				return trace.CompareFailed("imported key does not match the recorded fingerprint of version %d", version)
			}
			v.keys[version] = slices.Clone(material)
			if version == v.store.CurrentVersion {
				v.hmacKey = deriveHMACKey(material)
			}
			return nil
		}
	}
	return trace.NotFound("key version %d not found in keystore", version)
}
