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

package secure

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/vault"
)

// Credential is an encrypted record granting access to a backend. The
// password exists in plaintext only transiently, inside the secure
// manager.
type Credential struct {
	// ID uniquely identifies the credential.
	ID string `json:"id"`
	// Backend is the target backend type.
	Backend connector.BackendType `json:"backend"`
	// Host and Port locate the backend.
	Host string `json:"host"`
	Port int    `json:"port"`
	// Database is the database name.
	Database string `json:"database"`
	// Username is the database user.
	Username string `json:"username"`
	// Password is the vault-encrypted password blob.
	Password *vault.Blob `json:"password"`
	// TLS enables backend-native TLS.
	TLS bool `json:"tls"`
	// Tags label the credential for operators.
	Tags []string `json:"tags,omitempty"`
	// CreatedBy is the subject that created the credential.
	CreatedBy string `json:"created_by"`
	// CreatedAt and UpdatedAt are maintenance timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckAndSetDefaults validates the credential's plaintext-independent
// fields.
func (c *Credential) CheckAndSetDefaults() error {
	if c.Backend == "" {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return trace.BadParameter("invalid port %v", c.Port)
	}
	if c.Username == "" {
		return trace.BadParameter("missing parameter Username")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// redacted returns a copy safe for audit payloads.
func (c *Credential) redacted() map[string]any {
	return map[string]any{
		"credential_id": c.ID,
		"backend":       string(c.Backend),
		"endpoint":      c.Host,
		"database":      c.Database,
		"username":      c.Username,
	}
}

// connectionConfig builds a connector config from the credential and a
// decrypted password.
func (c *Credential) connectionConfig(password string) connector.Config {
	return connector.Config{
		ID:       c.ID,
		Backend:  c.Backend,
		Host:     c.Host,
		Port:     c.Port,
		Database: c.Database,
		Username: c.Username,
		Password: password,
		TLS:      c.TLS,
	}
}

// credentialFile is the persisted credential inventory. Only password
// blobs are sensitive; they are vault-encrypted.
type credentialFile struct {
	Credentials []Credential `json:"credentials"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (f *credentialFile) find(id string) int {
	return slices.IndexFunc(f.Credentials, func(c Credential) bool { return c.ID == id })
}
