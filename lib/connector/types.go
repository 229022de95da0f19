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
	"time"
)

// State is a connector lifecycle state.
//
//	Disconnected → Connecting → Connected ↔ Error
//	       ↑                           ↓
//	       └────── Disconnected ←──────┘
//
// Only Connected accepts data-plane operations. Transitions are
// single-threaded relative to Connect/Disconnect.
type State int32

const (
	// StateDisconnected is the initial and final state.
	StateDisconnected State = iota
	// StateConnecting means Connect is in progress.
	StateConnecting
	// StateConnected accepts operations.
	StateConnected
	// StateError rejects operations until a successful Connect retry.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Row is a single result row keyed by column or field name.
type Row map[string]any

// Result is the outcome of a single operation. Execute always returns a
// non-nil result carrying the operation metrics; on failure Success is
// false and Error holds the classified message.
type Result struct {
	// Success reports whether the operation committed.
	Success bool `json:"success"`
	// Kind is the detected operation kind.
	Kind OpKind `json:"kind"`
	// Rows holds returned rows for read operations.
	Rows []Row `json:"rows,omitempty"`
	// RowsAffected is the affected row count for write operations.
	RowsAffected int64 `json:"rows_affected"`
	// Error is the classified error message when Success is false.
	Error string `json:"error,omitempty"`
	// Metrics are the per-operation metrics.
	Metrics OpMetrics `json:"metrics"`
}

// TestResult is the outcome of a connection round-trip probe.
type TestResult struct {
	// Success reports whether the probe succeeded.
	Success bool `json:"success"`
	// Elapsed is the probe round-trip duration.
	Elapsed time.Duration `json:"elapsed"`
	// ServerInfo is a backend-reported version/build snapshot.
	ServerInfo map[string]string `json:"server_info,omitempty"`
	// Error holds the probe error when Success is false.
	Error string `json:"error,omitempty"`
}

// Metadata is the mutable companion of a live connector.
type Metadata struct {
	// ConnectedAt is when the connector last entered Connected.
	ConnectedAt time.Time `json:"connected_at"`
	// LastActivity is when the connector last served an operation.
	LastActivity time.Time `json:"last_activity"`
	// Healthy is the result of the last health probe.
	Healthy bool `json:"healthy"`
	// LastError is the last recorded error message.
	LastError string `json:"last_error,omitempty"`
	// ServerInfo is the backend server info captured during Connect.
	ServerInfo map[string]string `json:"server_info,omitempty"`
	// LastHealthCheck is when the last health probe completed.
	LastHealthCheck time.Time `json:"last_health_check"`
}

// OpMetrics is a per-operation record kept in a bounded ring per connector.
type OpMetrics struct {
	// OpID uniquely identifies the operation.
	OpID string `json:"op_id"`
	// Kind is the backend-agnostic operation kind.
	Kind OpKind `json:"kind"`
	// Query is the textual or document query.
	Query string `json:"query"`
	// ParamCount is the number of bound parameters.
	ParamCount int `json:"param_count"`
	// StartedAt is the operation start time.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is the operation end time.
	EndedAt time.Time `json:"ended_at"`
	// Duration is EndedAt minus StartedAt.
	Duration time.Duration `json:"duration"`
	// RowsAffected is the affected row count.
	RowsAffected int64 `json:"rows_affected"`
	// RowsReturned is the returned row count.
	RowsReturned int64 `json:"rows_returned"`
	// IndexUsed reports whether the backend indicated index usage, where
	// available.
	IndexUsed bool `json:"index_used"`
	// ConnectionID identifies the pooled connection that served the
	// operation, where available.
	ConnectionID string `json:"connection_id,omitempty"`
	// Error is the error message for failed operations.
	Error string `json:"error,omitempty"`
}

// PoolMetrics is an aggregate, observational view over a connector's pool.
type PoolMetrics struct {
	// TotalOps counts all operations served.
	TotalOps int64 `json:"total_ops"`
	// FailedOps counts failed operations.
	FailedOps int64 `json:"failed_ops"`
	// AvgDuration is an exponential moving average of operation duration.
	AvgDuration time.Duration `json:"avg_duration"`
	// Active is the number of in-flight operations.
	Active int64 `json:"active"`
	// Idle is the number of available pool slots.
	Idle int64 `json:"idle"`
	// Max is the configured pool upper bound.
	Max int `json:"max"`
	// Min is the configured pool lower bound.
	Min int `json:"min"`
	// CreatedAt is when the pool was created.
	CreatedAt time.Time `json:"created_at"`
}

// IsolationLevel is a backend-agnostic transaction isolation level.
type IsolationLevel string

const (
	// ReadUncommitted maps to the backend's read uncommitted level.
	ReadUncommitted IsolationLevel = "read-uncommitted"
	// ReadCommitted maps to the backend's read committed level.
	ReadCommitted IsolationLevel = "read-committed"
	// RepeatableRead maps to the backend's repeatable read level.
	RepeatableRead IsolationLevel = "repeatable-read"
	// Serializable maps to the backend's serializable level.
	Serializable IsolationLevel = "serializable"
)

// CheckIsolation validates lvl, defaulting empty to ReadCommitted.
func CheckIsolation(lvl IsolationLevel) (IsolationLevel, error) {
	switch lvl {
	case "":
		return ReadCommitted, nil
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
		return lvl, nil
	default:
		return "", ErrBadIsolation(string(lvl))
	}
}
