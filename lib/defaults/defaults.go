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

// Package defaults centralizes the process-wide defaults of the conduit
// libraries: well-known backend ports, timeouts, pool bounds, cache limits,
// background worker intervals and the environment knobs that override them.
package defaults

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Well-known backend ports used by the registry for port-based detection.
const (
	// PostgresPort is the default PostgreSQL port.
	PostgresPort = 5432
	// MySQLPort is the default MySQL port.
	MySQLPort = 3306
	// MongoPort is the default MongoDB port.
	MongoPort = 27017
	// MSSQLPort is the default SQL Server port.
	MSSQLPort = 1433
	// OraclePort is the default Oracle listener port.
	OraclePort = 1521
	// RedisPort is the default Redis port.
	RedisPort = 6379
)

// Connector timeouts and bounds.
const (
	// ConnectTimeout gates connector establishment.
	ConnectTimeout = 10 * time.Second
	// OperationTimeout gates a single execute or stream batch fetch,
	// including pool slot acquisition.
	OperationTimeout = 30 * time.Second
	// HealthCheckTimeout is the hard bound on a single health probe.
	HealthCheckTimeout = 5 * time.Second
	// HealthCheckInterval is how often the connector health loop probes
	// the backend.
	HealthCheckInterval = 30 * time.Second
	// CleanupInterval is how often the connector cleanup loop evicts
	// expired prepared statements and trims operation metrics.
	CleanupInterval = time.Minute
	// ShutdownGrace bounds how long Disconnect waits for in-flight
	// operations before force-closing the pool.
	ShutdownGrace = 15 * time.Second

	// PoolMinSize is the default minimum pool size.
	PoolMinSize = 1
	// PoolMaxSize is the default maximum pool size.
	PoolMaxSize = 10

	// StatementCacheSize bounds the prepared statement cache per connector.
	StatementCacheSize = 128
	// StatementCacheTTL is the prepared statement idle lifetime.
	StatementCacheTTL = 30 * time.Minute

	// OpMetricsRingSize bounds the per-connector ring of operation metrics.
	OpMetricsRingSize = 1000

	// StreamChunkSize is the default row batch size for streaming cursors.
	StreamChunkSize = 1000

	// SchemaSampleSize bounds how many documents per collection the
	// document-backend schema walker samples.
	SchemaSampleSize = 100
)

// Secure dispatch defaults.
const (
	// SessionIdleTimeout expires a secure wrapper session that has seen
	// no operations.
	SessionIdleTimeout = 30 * time.Minute
)

// Audit trail defaults.
const (
	// AuditQueueSize bounds the audit enqueue buffer.
	AuditQueueSize = 4096
	// AuditCheckpointEvery is the entry interval between recovery
	// checkpoints.
	AuditCheckpointEvery = 100
	// AuditBackupInterval is the periodic audit backup cadence.
	AuditBackupInterval = 15 * time.Minute
	// AuditRetainedCheckpoints bounds the rolling checkpoint list kept in
	// the audit state file.
	AuditRetainedCheckpoints = 10
)

// Vault and key recovery defaults.
const (
	// KeyRecoveryShares is the default Shamir share count.
	KeyRecoveryShares = 5
	// KeyRecoveryThreshold is the default Shamir recovery threshold.
	KeyRecoveryThreshold = 3
	// RetainedKeyVersions bounds how many prior vault key versions are
	// kept decryptable after rotation.
	RetainedKeyVersions = 3
	// KeyBackupRetentionDays is the default key backup retention.
	KeyBackupRetentionDays = 90
	// VaultBackupRetentionDays is the default vault backup retention.
	VaultBackupRetentionDays = 30
	// MaxRecoveryKeys bounds how many recovery key records are retained.
	MaxRecoveryKeys = 10
)

// Config backup defaults.
const (
	// ConfigSnapshotInterval is the periodic config snapshot cadence.
	ConfigSnapshotInterval = 15 * time.Minute
	// MaxConfigSnapshots is the default snapshot retention count.
	MaxConfigSnapshots = 50
	// ConfigRetentionDays is the default snapshot retention in days.
	ConfigRetentionDays = 30
)

// Monitor defaults.
const (
	// MonitorInterval is the monitor polling cadence.
	MonitorInterval = 30 * time.Second
	// AlertCooldown suppresses repeat alerts for the same condition.
	AlertCooldown = 5 * time.Minute
	// FailureRateThreshold is the failed-operation fraction above which
	// the monitor alerts.
	FailureRateThreshold = 0.25
	// SlowOpThreshold is the average operation duration above which the
	// monitor alerts.
	SlowOpThreshold = 5 * time.Second
	// AuditQueueAlertDepth is the audit queue depth above which the
	// monitor alerts.
	AuditQueueAlertDepth = 3072
)

// Environment knobs recognized by the conduit libraries.
const (
	// MaxConfigSnapshotsEnv overrides MaxConfigSnapshots.
	MaxConfigSnapshotsEnv = "MAX_CONFIG_SNAPSHOTS"
	// ConfigRetentionDaysEnv overrides ConfigRetentionDays.
	ConfigRetentionDaysEnv = "CONFIG_RETENTION_DAYS"
	// KeyRecoveryThresholdEnv overrides KeyRecoveryThreshold.
	KeyRecoveryThresholdEnv = "KEY_RECOVERY_THRESHOLD"
	// KeyRecoverySharesEnv overrides KeyRecoveryShares.
	KeyRecoverySharesEnv = "KEY_RECOVERY_SHARES"
	// KeyBackupRetentionDaysEnv overrides KeyBackupRetentionDays.
	KeyBackupRetentionDaysEnv = "KEY_BACKUP_RETENTION_DAYS"
	// VaultBackupRetentionDaysEnv overrides VaultBackupRetentionDays.
	VaultBackupRetentionDaysEnv = "VAULT_BACKUP_RETENTION_DAYS"
	// MaxRecoveryKeysEnv overrides MaxRecoveryKeys.
	MaxRecoveryKeysEnv = "MAX_RECOVERY_KEYS"
	// ConfigBackupPathsEnv lists extra config paths to monitor,
	// colon-separated.
	ConfigBackupPathsEnv = "CONFIG_BACKUP_PATHS"
	// ConfigBackupExcludeEnv lists extra exclude patterns,
	// colon-separated.
	ConfigBackupExcludeEnv = "CONFIG_BACKUP_EXCLUDE"
)

// IntEnv returns the integer value of the environment variable name, or
// def when the variable is unset or malformed.
func IntEnv(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ListEnv returns the colon-separated list value of the environment
// variable name, with empty elements dropped.
func ListEnv(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ":") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
