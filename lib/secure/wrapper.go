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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/conduit/lib/audit"
	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/policy"
	"github.com/gravitational/conduit/lib/schema"
)

// Wrapper enforces policies around a connector bound to one subject and
// session. It implements the connector contract by composition; every
// data-plane call runs the permission pipeline and stamps audit events.
type Wrapper struct {
	sessionID string
	conn      connector.Connector
	subject   policy.Subject
	database  string

	policies    *policy.Set
	audit       *audit.Trail
	clock       clockwork.Clock
	idleTimeout time.Duration
	log         *slog.Logger

	// release tears down the connector's registry entry on Disconnect.
	// Nil for wrappers built around an unregistered connector.
	release func(context.Context) error

	mu           sync.Mutex
	lastActivity time.Time
	expired      bool
	// prepared maps statement names handed out by Prepare to the
	// operation kind classified from their text, so that execution can
	// be authorized before it reaches the backend.
	prepared map[string]connector.OpKind
}

// SessionID returns the wrapper's session identifier.
func (w *Wrapper) SessionID() string {
	return w.sessionID
}

// Subject returns the bound subject.
func (w *Wrapper) Subject() policy.Subject {
	return w.subject
}

// checkSession fails when the session has been idle past the timeout.
// Expiry is sticky: an expired session never accepts operations again.
func (w *Wrapper) checkSession() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.expired {
		return trace.AccessDenied("session expired")
	}
	if w.clock.Now().Sub(w.lastActivity) > w.idleTimeout {
		w.expired = true
		w.emit("session_expired", map[string]any{
			"idle_timeout": w.idleTimeout.String(),
		})
		return trace.AccessDenied("session expired")
	}
	return nil
}

// touch refreshes the idle stamp after a successful operation.
func (w *Wrapper) touch() {
	w.mu.Lock()
	w.lastActivity = w.clock.Now()
	w.mu.Unlock()
}

// authorize runs the session and policy checks for an operation kind,
// emitting access_denied on policy failure.
func (w *Wrapper) authorize(kind connector.OpKind) (policy.Permission, error) {
	if err := w.checkSession(); err != nil {
		return "", trace.Wrap(err)
	}
	perm, err := policy.FromOpKind(kind)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if !w.policies.Allows(w.subject, w.database, perm) {
		w.emit("access_denied", map[string]any{
			"required_permission": string(perm),
			"database":            w.database,
			"op_kind":             string(kind),
		})
		return "", trace.AccessDenied(
			"subject %q lacks %q on database %q", w.subject.ID, perm, w.database)
	}
	return perm, nil
}

func (w *Wrapper) emit(event string, data map[string]any) {
	subject := map[string]any{
		"id":         w.subject.ID,
		"roles":      w.subject.Roles,
		"ip":         w.subject.IP,
		"session_id": w.sessionID,
	}
	if err := w.audit.AddEntry(event, data, subject); err != nil {
		w.log.Warn("Failed to enqueue audit event.", "event_type", event, "error", err)
	}
}

// Connect connects the underlying connector and audits the established
// connection.
func (w *Wrapper) Connect(ctx context.Context) error {
	if err := w.checkSession(); err != nil {
		return trace.Wrap(err)
	}
	if err := w.conn.Connect(ctx); err != nil {
		w.emit("connection_failed", map[string]any{
			"database": w.database,
			"error":    err.Error(),
		})
		return trace.Wrap(err)
	}
	w.touch()
	w.emit("connection_established", map[string]any{
		"database": w.database,
		"backend":  string(w.conn.Config().Backend),
	})
	return nil
}

// Disconnect disconnects the underlying connector, releasing its
// registry entry, and audits the closed connection.
func (w *Wrapper) Disconnect(ctx context.Context) error {
	var err error
	if w.release != nil {
		err = w.release(ctx)
	} else {
		err = w.conn.Disconnect(ctx)
	}
	data := map[string]any{"database": w.database}
	if err != nil {
		data["error"] = err.Error()
	}
	w.emit("connection_closed", data)
	return trace.Wrap(err)
}

// Execute runs an operation through the permission pipeline.
func (w *Wrapper) Execute(ctx context.Context, query string, params ...any) (*connector.Result, error) {
	kind := w.classify(query)
	perm, err := w.authorize(kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	result, err := w.conn.Execute(ctx, query, params...)
	if err != nil {
		w.emit("query_failed", map[string]any{
			"database":   w.database,
			"op_kind":    string(kind),
			"permission": string(perm),
			"error":      err.Error(),
		})
		return result, trace.Wrap(err)
	}
	w.touch()
	w.emit("query_executed", map[string]any{
		"database":      w.database,
		"op_kind":       string(kind),
		"permission":    string(perm),
		"duration":      result.Metrics.Duration.String(),
		"rows_affected": result.RowsAffected,
		"rows_returned": len(result.Rows),
	})
	return result, nil
}

// Stream runs a streaming read through the permission pipeline. The
// stream is audited once, when it ends.
func (w *Wrapper) Stream(ctx context.Context, query string, params []any, chunkSize int) (connector.Batches, error) {
	kind := w.classify(query)
	perm, err := w.authorize(kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	batches, err := w.conn.Stream(ctx, query, params, chunkSize)
	if err != nil {
		w.emit("query_failed", map[string]any{
			"database":   w.database,
			"op_kind":    string(kind),
			"permission": string(perm),
			"error":      err.Error(),
		})
		return nil, trace.Wrap(err)
	}
	started := w.clock.Now()
	return func(yield func([]connector.Row, error) bool) {
		var rows int64
		var streamErr error
		for batch, err := range batches {
			if err != nil {
				streamErr = err
			} else {
				rows += int64(len(batch))
			}
			if !yield(batch, err) {
				break
			}
		}
		data := map[string]any{
			"database":      w.database,
			"op_kind":       string(kind),
			"permission":    string(perm),
			"duration":      w.clock.Now().Sub(started).String(),
			"rows_returned": rows,
			"streamed":      true,
		}
		if streamErr != nil {
			data["error"] = streamErr.Error()
			w.emit("query_failed", data)
			return
		}
		w.touch()
		w.emit("query_executed", data)
	}, nil
}

// Transaction runs fn in a transaction scope; transaction control
// requires write permission and statements inside the scope are checked
// individually.
func (w *Wrapper) Transaction(ctx context.Context, isolation connector.IsolationLevel, fn connector.TxFunc) error {
	perm, err := w.authorize(connector.OpKindTransaction)
	if err != nil {
		return trace.Wrap(err)
	}
	started := w.clock.Now()
	err = w.conn.Transaction(ctx, isolation, func(ctx context.Context, tx connector.Tx) error {
		return fn(ctx, &securedTx{w: w, tx: tx})
	})
	data := map[string]any{
		"database":   w.database,
		"op_kind":    string(connector.OpKindTransaction),
		"permission": string(perm),
		"duration":   w.clock.Now().Sub(started).String(),
	}
	if err != nil {
		data["error"] = err.Error()
		w.emit("query_failed", data)
		return trace.Wrap(err)
	}
	w.touch()
	w.emit("query_executed", data)
	return nil
}

// securedTx applies the permission pipeline to statements inside a
// transaction scope.
type securedTx struct {
	w  *Wrapper
	tx connector.Tx
}

func (t *securedTx) Execute(ctx context.Context, query string, params ...any) (*connector.Result, error) {
	kind := t.w.classify(query)
	if _, err := t.w.authorize(kind); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := t.tx.Execute(ctx, query, params...)
	if err != nil {
		return result, trace.Wrap(err)
	}
	t.w.touch()
	return result, nil
}

// Prepare requires the permission of the statement being prepared. The
// classified kind is remembered under the returned name so that later
// executions re-run the policy check without the statement text.
func (w *Wrapper) Prepare(ctx context.Context, query string) (string, error) {
	kind := w.classify(query)
	if _, err := w.authorize(kind); err != nil {
		return "", trace.Wrap(err)
	}
	name, err := w.conn.Prepare(ctx, query)
	if err != nil {
		return "", trace.Wrap(err)
	}
	w.mu.Lock()
	if w.prepared == nil {
		w.prepared = make(map[string]connector.OpKind)
	}
	w.prepared[name] = kind
	w.lastActivity = w.clock.Now()
	w.mu.Unlock()
	return name, nil
}

// ExecutePrepared runs a prepared statement through the permission
// pipeline. Authorization uses the kind recorded at Prepare and happens
// before the statement reaches the backend; names not prepared in this
// session are rejected.
func (w *Wrapper) ExecutePrepared(ctx context.Context, name string, params ...any) (*connector.Result, error) {
	w.mu.Lock()
	kind, known := w.prepared[name]
	w.mu.Unlock()
	if !known {
		return nil, trace.NotFound("statement %q was not prepared in this session", name)
	}
	perm, err := w.authorize(kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := w.conn.ExecutePrepared(ctx, name, params...)
	if err != nil {
		w.emit("query_failed", map[string]any{
			"database":   w.database,
			"op_kind":    string(kind),
			"permission": string(perm),
			"statement":  name,
			"error":      err.Error(),
		})
		return result, trace.Wrap(err)
	}
	w.touch()
	w.emit("query_executed", map[string]any{
		"database":      w.database,
		"op_kind":       string(kind),
		"permission":    string(perm),
		"statement":     name,
		"duration":      result.Metrics.Duration.String(),
		"rows_affected": result.RowsAffected,
		"rows_returned": len(result.Rows),
	})
	return result, nil
}

// SchemaInfo walks the backend schema; introspection requires schema
// permission.
func (w *Wrapper) SchemaInfo(ctx context.Context, scope schema.Scope) (*schema.Snapshot, error) {
	perm, err := w.authorize(connector.OpKindSchema)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	snapshot, err := w.conn.SchemaInfo(ctx, scope)
	if err != nil {
		w.emit("query_failed", map[string]any{
			"database":   w.database,
			"op_kind":    string(connector.OpKindSchema),
			"permission": string(perm),
			"error":      err.Error(),
		})
		return nil, trace.Wrap(err)
	}
	w.touch()
	w.emit("query_executed", map[string]any{
		"database":   w.database,
		"op_kind":    string(connector.OpKindSchema),
		"permission": string(perm),
		"tables":     len(snapshot.Tables),
	})
	return snapshot, nil
}

// TestConnection forwards the probe; probes are not policy-gated.
func (w *Wrapper) TestConnection(ctx context.Context) *connector.TestResult {
	return w.conn.TestConnection(ctx)
}

// HealthCheck forwards the health probe.
func (w *Wrapper) HealthCheck(ctx context.Context) bool {
	return w.conn.HealthCheck(ctx)
}

// Metrics forwards the pool metrics.
func (w *Wrapper) Metrics() connector.PoolMetrics { return w.conn.Metrics() }

// Metadata forwards the connector metadata.
func (w *Wrapper) Metadata() connector.Metadata { return w.conn.Metadata() }

// Config forwards the connection config.
func (w *Wrapper) Config() connector.Config { return w.conn.Config() }

// State forwards the connector state.
func (w *Wrapper) State() connector.State { return w.conn.State() }

// RecentOps forwards the recent operation metrics.
func (w *Wrapper) RecentOps(n int) []connector.OpMetrics { return w.conn.RecentOps(n) }

// classify detects the operation kind for the wrapped backend's query
// format.
func (w *Wrapper) classify(query string) connector.OpKind {
	if w.conn.Config().Backend == connector.BackendMongo {
		return connector.DetectDocumentOpKind(query)
	}
	return connector.DetectSQLOpKind(query)
}
