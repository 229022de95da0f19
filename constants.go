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

// Package conduit defines process-wide constants shared by the conduit
// libraries: component names used for structured logging, and exit codes
// for command-line wrappers built on top of the core.
package conduit

const (
	// ComponentKey is the log attribute key holding the component name.
	ComponentKey = "component"

	// ComponentConnector is a database connector.
	ComponentConnector = "connector"

	// ComponentRegistry is the connector registry.
	ComponentRegistry = "registry"

	// ComponentAudit is the persistent audit trail.
	ComponentAudit = "audit"

	// ComponentVault is the secrets vault.
	ComponentVault = "vault"

	// ComponentRecovery is the key recovery engine.
	ComponentRecovery = "recovery"

	// ComponentSecure is the secure dispatch wrapper.
	ComponentSecure = "secure"

	// ComponentConfigBackup is the configuration backup engine.
	ComponentConfigBackup = "configbackup"

	// ComponentMonitor is the connector monitor.
	ComponentMonitor = "monitor"
)

// Exit codes returned by CLI wrappers built atop the core libraries.
const (
	// ExitOK indicates success.
	ExitOK = 0
	// ExitUsage indicates a user error such as bad arguments or an
	// unknown backend.
	ExitUsage = 1
	// ExitConnection indicates a connection or authentication failure.
	ExitConnection = 2
	// ExitIntegrity indicates an audit integrity verification failure.
	ExitIntegrity = 3
	// ExitRecovery indicates a key recovery failure.
	ExitRecovery = 4
)

// Version is the conduit library version.
const Version = "1.0.0"
