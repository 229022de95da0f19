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

package connector

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/conduit/lib/defaults"
)

// BackendType identifies a supported database backend.
type BackendType string

const (
	// BackendPostgres is the PostgreSQL backend.
	BackendPostgres BackendType = "postgresql"
	// BackendMySQL is the MySQL backend.
	BackendMySQL BackendType = "mysql"
	// BackendMongo is the MongoDB backend.
	BackendMongo BackendType = "mongodb"
	// BackendSQLite is recognized by the registry but has no engine.
	BackendSQLite BackendType = "sqlite"
	// BackendOracle is recognized by the registry but has no engine.
	BackendOracle BackendType = "oracle"
	// BackendMSSQL is recognized by the registry but has no engine.
	BackendMSSQL BackendType = "mssql"
)

// Config is an immutable connection descriptor. It is created by the
// registry or the caller and never mutated after CheckAndSetDefaults.
type Config struct {
	// ID uniquely identifies the connector built from this config. Every
	// live connector maps 1:1 to a config ID.
	ID string
	// Backend is the database backend type.
	Backend BackendType
	// Host is the server host.
	Host string
	// Port is the server port.
	Port int
	// Database is the database (or default authentication database) name.
	Database string
	// Username is the database user.
	Username string
	// Password is the database user's password.
	Password string
	// TLS enables backend-native TLS negotiation.
	TLS bool
	// ConnectTimeout gates connection establishment.
	ConnectTimeout time.Duration
	// OperationTimeout gates each operation, including pool slot
	// acquisition.
	OperationTimeout time.Duration
	// PoolMinSize is the minimum number of pooled connections.
	PoolMinSize int
	// PoolMaxSize is the maximum number of pooled connections and the
	// bound on concurrent operations.
	PoolMaxSize int
	// Options carries backend-specific knobs such as statement cache
	// size, charset, compressors or server settings. The registry's
	// optimization hook may add entries before construction.
	Options map[string]string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.Backend == "" {
		return trace.BadParameter("missing parameter Backend")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return trace.BadParameter("invalid port %v", c.Port)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.PoolMinSize == 0 {
		c.PoolMinSize = defaults.PoolMinSize
	}
	if c.PoolMaxSize == 0 {
		c.PoolMaxSize = defaults.PoolMaxSize
	}
	if c.PoolMinSize > c.PoolMaxSize {
		return trace.BadParameter("pool min size %v exceeds max size %v",
			c.PoolMinSize, c.PoolMaxSize)
	}
	if c.Options == nil {
		c.Options = make(map[string]string)
	}
	return nil
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := c
	out.Options = maps.Clone(c.Options)
	return out
}

// Option returns the named backend-specific option, or def when unset.
func (c Config) Option(name, def string) string {
	if v, ok := c.Options[name]; ok {
		return v
	}
	return def
}
