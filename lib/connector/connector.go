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

// Package connector defines the uniform contract implemented by every
// database backend driver, along with the shared machinery they are built
// on: the bounded connection pool gate, the connector state machine,
// prepared statement caching, operation metrics and background health and
// cleanup workers.
package connector

import (
	"context"
	"iter"

	"github.com/gravitational/conduit/lib/schema"
)

// Batches is a lazy, finite, non-restartable sequence of row batches
// produced by a streaming cursor. The underlying cursor is released when
// the sequence ends or the consuming scope exits early, on every path.
type Batches = iter.Seq2[[]Row, error]

// Tx is a connection scoped to an open transaction. Statements issued
// through it are ordered per scope.
type Tx interface {
	// Execute runs a single statement inside the transaction.
	Execute(ctx context.Context, query string, params ...any) (*Result, error)
}

// TxFunc runs inside a transaction scope. Returning nil commits; returning
// an error or panicking rolls back.
type TxFunc func(ctx context.Context, tx Tx) error

// Connector is the uniform contract over one database backend.
type Connector interface {
	// Connect acquires the pool, probes the server, populates server
	// info and starts the health and cleanup loops. It is idempotent
	// when already connected.
	Connect(ctx context.Context) error
	// Disconnect signals shutdown, waits for in-flight operations up to
	// a bounded grace, stops workers and releases the pool. It is safe
	// to call after a partial failure.
	Disconnect(ctx context.Context) error
	// TestConnection performs a round-trip probe.
	TestConnection(ctx context.Context) *TestResult
	// HealthCheck performs a cheap probe with a hard timeout, updating
	// the connector metadata. It never returns an error.
	HealthCheck(ctx context.Context) bool
	// Execute runs a single operation.
	Execute(ctx context.Context, query string, params ...any) (*Result, error)
	// Stream runs a query as a batched server-side cursor.
	Stream(ctx context.Context, query string, params []any, chunkSize int) (Batches, error)
	// Transaction runs fn in a transaction scope at the given isolation
	// level, committing on success and rolling back on any failure.
	Transaction(ctx context.Context, isolation IsolationLevel, fn TxFunc) error
	// Prepare caches a server-side prepared statement and returns its
	// name. SQL dialect backends only.
	Prepare(ctx context.Context, query string) (string, error)
	// ExecutePrepared executes a previously prepared statement.
	ExecutePrepared(ctx context.Context, name string, params ...any) (*Result, error)
	// SchemaInfo walks the backend catalogs and returns a normalized
	// schema snapshot.
	SchemaInfo(ctx context.Context, scope schema.Scope) (*schema.Snapshot, error)
	// Metrics returns the aggregate pool metrics.
	Metrics() PoolMetrics
	// Metadata returns a snapshot of the connector metadata.
	Metadata() Metadata
	// Config returns the connector's immutable connection config.
	Config() Config
	// State returns the connector state.
	State() State
	// RecentOps returns up to n most recent operation metrics.
	RecentOps(n int) []OpMetrics
}
