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

// Package secure binds connectors to subjects: the manager stores
// vault-encrypted credentials and hands out wrappers that enforce
// policies, expire idle sessions and stamp audit events around every
// operation.
package secure

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/conduit"
	"github.com/gravitational/conduit/lib/audit"
	"github.com/gravitational/conduit/lib/connector/registry"
	"github.com/gravitational/conduit/lib/defaults"
	"github.com/gravitational/conduit/lib/policy"
	"github.com/gravitational/conduit/lib/utils"
	"github.com/gravitational/conduit/lib/vault"
)

const credentialsFileName = "credentials.json"

// Config configures a Manager.
type Config struct {
	// Dir is the credential store directory.
	Dir string
	// Vault encrypts credential passwords and signs audit entries.
	Vault *vault.Vault
	// Audit receives security events.
	Audit *audit.Trail
	// Policies is the access policy set.
	Policies *policy.Set
	// Registry constructs connectors.
	Registry *registry.Registry
	// SessionIdleTimeout expires wrapper sessions with no operations.
	SessionIdleTimeout time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Vault == nil {
		return trace.BadParameter("missing parameter Vault")
	}
	if c.Audit == nil {
		return trace.BadParameter("missing parameter Audit")
	}
	if c.Policies == nil {
		return trace.BadParameter("missing parameter Policies")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = defaults.SessionIdleTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Manager owns credentials and wrapper construction. It holds the vault
// and audit handles; wrappers hold back-handles by interface only.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	creds credentialFile
}

// NewManager opens the credential store at cfg.Dir.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	m := &Manager{
		cfg: cfg,
		log: slog.With(conduit.ComponentKey, conduit.ComponentSecure),
	}
	err := utils.ReadJSON(m.credentialsPath(), &m.creds)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

func (m *Manager) credentialsPath() string {
	return filepath.Join(m.cfg.Dir, credentialsFileName)
}

func (m *Manager) persistLocked() error {
	m.creds.UpdatedAt = m.cfg.Clock.Now().UTC()
	return trace.Wrap(utils.WriteJSONAtomic(m.credentialsPath(), m.creds, 0o600))
}

// CreateCredential encrypts the password and stores the credential.
func (m *Manager) CreateCredential(cred Credential, password, createdBy string) (*Credential, error) {
	if err := cred.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if password == "" {
		return nil, trace.BadParameter("missing password")
	}
	blob, err := m.cfg.Vault.Encrypt([]byte(password))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := m.cfg.Clock.Now().UTC()
	cred.Password = blob
	cred.CreatedBy = createdBy
	cred.CreatedAt = now
	cred.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds.find(cred.ID) >= 0 {
		return nil, trace.AlreadyExists("credential %q already exists", cred.ID)
	}
	m.creds.Credentials = append(m.creds.Credentials, cred)
	if err := m.persistLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.audit("credential_created", cred.redacted(), nil)
	return &cred, nil
}

// GetCredential returns a credential by ID.
func (m *Manager) GetCredential(id string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.creds.find(id)
	if i < 0 {
		return nil, trace.NotFound("credential %q not found", id)
	}
	out := m.creds.Credentials[i]
	return &out, nil
}

// ListCredentials returns all credentials.
func (m *Manager) ListCredentials() []Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Credential, len(m.creds.Credentials))
	copy(out, m.creds.Credentials)
	return out
}

// UpdatePassword re-encrypts a credential's password under the current
// key version.
func (m *Manager) UpdatePassword(id, password string) error {
	blob, err := m.cfg.Vault.Encrypt([]byte(password))
	if err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.creds.find(id)
	if i < 0 {
		return trace.NotFound("credential %q not found", id)
	}
	m.creds.Credentials[i].Password = blob
	m.creds.Credentials[i].UpdatedAt = m.cfg.Clock.Now().UTC()
	if err := m.persistLocked(); err != nil {
		return trace.Wrap(err)
	}
	m.audit("credential_updated", m.creds.Credentials[i].redacted(), nil)
	return nil
}

// DeleteCredential removes a credential.
func (m *Manager) DeleteCredential(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.creds.find(id)
	if i < 0 {
		return trace.NotFound("credential %q not found", id)
	}
	redacted := m.creds.Credentials[i].redacted()
	m.creds.Credentials = append(m.creds.Credentials[:i], m.creds.Credentials[i+1:]...)
	if err := m.persistLocked(); err != nil {
		return trace.Wrap(err)
	}
	m.audit("credential_deleted", redacted, nil)
	return nil
}

// ReencryptAll refreshes every password blob under the current key
// version, typically after rotation.
func (m *Manager) ReencryptAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.cfg.Vault.CurrentVersion()
	updated := 0
	for i := range m.creds.Credentials {
		cred := &m.creds.Credentials[i]
		if cred.Password == nil || cred.Password.KeyVersion == current {
			continue
		}
		plaintext, err := m.cfg.Vault.Decrypt(cred.Password)
		if err != nil {
			return trace.Wrap(err, "re-encrypting credential %v", cred.ID)
		}
		blob, err := m.cfg.Vault.Encrypt(plaintext)
		if err != nil {
			return trace.Wrap(err)
		}
		cred.Password = blob
		cred.UpdatedAt = m.cfg.Clock.Now().UTC()
		updated++
	}
	if updated == 0 {
		return nil
	}
	if err := m.persistLocked(); err != nil {
		return trace.Wrap(err)
	}
	m.audit("credentials_reencrypted", map[string]any{
		"count":       updated,
		"key_version": current,
	}, nil)
	return nil
}

// Secure constructs a policy-enforcing wrapper around a connector built
// from the named credential, bound to the subject. Disconnecting the
// wrapper releases the connector's registry entry, so the credential can
// be secured again afterwards.
func (m *Manager) Secure(credentialID string, subject policy.Subject) (*Wrapper, error) {
	cred, err := m.GetCredential(credentialID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	password, err := m.cfg.Vault.Decrypt(cred.Password)
	if err != nil {
		return nil, trace.Wrap(err, "decrypting credential %v", credentialID)
	}
	conn, err := m.cfg.Registry.Construct(cred.connectionConfig(string(password)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sessionID := uuid.NewString()
	return &Wrapper{
		sessionID: sessionID,
		conn:      conn,
		subject:   subject,
		database:  cred.Database,
		release: func(ctx context.Context) error {
			return m.cfg.Registry.Release(ctx, cred.ID)
		},
		policies:     m.cfg.Policies,
		audit:        m.cfg.Audit,
		clock:        m.cfg.Clock,
		idleTimeout:  m.cfg.SessionIdleTimeout,
		lastActivity: m.cfg.Clock.Now(),
		log: m.log.With(
			"session_id", sessionID,
			"subject", subject.ID,
			"connector_id", cred.ID),
	}, nil
}

func (m *Manager) audit(event string, data, subject map[string]any) {
	if err := m.cfg.Audit.AddEntry(event, data, subject); err != nil {
		m.log.Warn("Failed to enqueue audit event.", "event_type", event, "error", err)
	}
}
