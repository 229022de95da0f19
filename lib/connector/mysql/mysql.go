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

// Package mysql implements the connector contract for MySQL on top of the
// go-mysql client pool.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/defaults"
)

// Connector implements connector.Connector for MySQL.
type Connector struct {
	*connector.Base

	pool *client.Pool

	// stmtConn is a dedicated connection owning the server-side prepared
	// statement handles, so that cached handles stay valid across pool
	// churn.
	stmtMu     sync.Mutex
	stmtConn   *client.Conn
	stmts      map[string]*client.Stmt
	statements *connector.StatementCache
}

// New returns an unconnected MySQL connector.
func New(cfg connector.Config, clock clockwork.Clock) (*Connector, error) {
	base, err := connector.NewBase(cfg, clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cacheSize := defaults.StatementCacheSize
	if v := cfg.Option("statement_cache_size", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cacheSize = n
		}
	}
	c := &Connector{
		Base:  base,
		stmts: make(map[string]*client.Stmt),
	}
	c.statements = connector.NewStatementCache(
		cacheSize, defaults.StatementCacheTTL, clock, c.deallocate)
	return c, nil
}

// Connect acquires the pool, probes the server and starts the background
// loops. Calling Connect on a connected connector is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	proceed, err := c.BeginConnect()
	if err != nil {
		return trace.Wrap(err)
	}
	if !proceed {
		return nil
	}
	cfg := c.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	pool, err := client.NewPoolWithOptions(
		addr, cfg.Username, cfg.Password, cfg.Database,
		client.WithLogFunc(func(format string, args ...any) {
			c.Log().Debug(fmt.Sprintf(format, args...))
		}),
		client.WithPoolLimits(cfg.PoolMinSize, cfg.PoolMaxSize, cfg.PoolMinSize),
		client.WithConnOptions(func(conn *client.Conn) error {
			conn.ReadTimeout = cfg.OperationTimeout
			conn.WriteTimeout = cfg.OperationTimeout
			if cfg.TLS {
				conn.UseSSL(true)
			}
			if charset := cfg.Option("charset", ""); charset != "" {
				return conn.SetCharset(charset)
			}
			return nil
		}),
	)
	if err != nil {
		c.FailConnect(err)
		return connector.ConvertError(err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := pool.GetConn(connectCtx)
	if err != nil {
		pool.Close()
		c.FailConnect(err)
		return connector.ConvertError(err)
	}
	info := map[string]string{
		"version": conn.GetServerVersion(),
		"backend": string(connector.BackendMySQL),
	}
	pool.PutConn(conn)

	stmtConn, err := pool.GetConn(connectCtx)
	if err != nil {
		pool.Close()
		c.FailConnect(err)
		return connector.ConvertError(err)
	}

	c.pool = pool
	c.stmtConn = stmtConn
	c.FinishConnect(info)
	c.StartWorkers(c.HealthCheck, nil)
	return nil
}

// Disconnect drains in-flight operations up to the shutdown grace,
// deallocates prepared statements and releases the pool.
func (c *Connector) Disconnect(ctx context.Context) error {
	clean := c.Shutdown(ctx)
	c.statements.Purge()

	c.stmtMu.Lock()
	if c.stmtConn != nil {
		c.stmtConn.Close()
		c.stmtConn = nil
	}
	c.stmtMu.Unlock()

	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	if !clean {
		c.Log().WarnContext(ctx, "Shutdown grace elapsed, pool force-closed.")
	}
	return nil
}

// TestConnection performs a round-trip probe.
func (c *Connector) TestConnection(ctx context.Context) *connector.TestResult {
	start := c.Clock().Now()
	if c.State() != connector.StateConnected {
		return &connector.TestResult{Error: connector.ErrNotConnected(c.State()).Error()}
	}
	conn, err := c.pool.GetConn(ctx)
	if err != nil {
		return &connector.TestResult{
			Elapsed: c.Clock().Now().Sub(start),
			Error:   connector.ConvertError(err).Error(),
		}
	}
	defer c.pool.PutConn(conn)
	if err := conn.Ping(); err != nil {
		return &connector.TestResult{
			Elapsed: c.Clock().Now().Sub(start),
			Error:   connector.ConvertError(err).Error(),
		}
	}
	return &connector.TestResult{
		Success: true,
		Elapsed: c.Clock().Now().Sub(start),
		ServerInfo: map[string]string{
			"version": conn.GetServerVersion(),
			"backend": string(connector.BackendMySQL),
		},
	}
}

// HealthCheck pings the server with a hard timeout. It never returns an
// error; failures mark the connector unhealthy.
func (c *Connector) HealthCheck(ctx context.Context) bool {
	if c.State() != connector.StateConnected {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, defaults.HealthCheckTimeout)
	defer cancel()
	conn, err := c.pool.GetConn(probeCtx)
	if err == nil {
		err = conn.Ping()
		c.pool.PutConn(conn)
	}
	c.RecordHealth(err == nil, err)
	if err != nil {
		c.Log().WarnContext(ctx, "Health check failed.", "error", err)
	}
	return err == nil
}

// Execute runs a single statement.
func (c *Connector) Execute(ctx context.Context, query string, params ...any) (*connector.Result, error) {
	kind := connector.DetectSQLOpKind(query)
	op := c.NewOp(kind, query, len(params))

	release, err := c.AcquireSlot(ctx)
	if err != nil {
		return failedResult(kind, c.RecordOp(op, err)), trace.Wrap(err)
	}
	defer release()

	opCtx, cancel := context.WithTimeout(ctx, c.Config().OperationTimeout)
	defer cancel()

	conn, err := c.pool.GetConn(opCtx)
	if err != nil {
		err = connector.ConvertError(err)
		return failedResult(kind, c.RecordOp(op, err)), err
	}
	defer c.pool.PutConn(conn)

	res, err := conn.Execute(query, params...)
	if err != nil {
		err = connector.ConvertError(err)
		return failedResult(kind, c.RecordOp(op, err)), err
	}
	defer res.Close()

	result := resultFrom(kind, res)
	op.RowsReturned = int64(len(result.Rows))
	op.RowsAffected = result.RowsAffected
	result.Metrics = c.RecordOp(op, nil)
	return result, nil
}

func resultFrom(kind connector.OpKind, res *mysql.Result) *connector.Result {
	out := &connector.Result{Success: true, Kind: kind}
	if res.Resultset != nil && len(res.Resultset.Fields) > 0 {
		out.Rows = rowsFrom(res.Resultset)
	} else {
		out.RowsAffected = int64(res.AffectedRows)
	}
	return out
}

func rowsFrom(rs *mysql.Resultset) []connector.Row {
	names := make([]string, len(rs.Fields))
	for i, f := range rs.Fields {
		names[i] = string(f.Name)
	}
	rows := make([]connector.Row, 0, len(rs.Values))
	for _, values := range rs.Values {
		row := make(connector.Row, len(names))
		for i := range values {
			if i < len(names) {
				row[names[i]] = fieldValue(&values[i])
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func fieldValue(fv *mysql.FieldValue) any {
	v := fv.Value()
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Stream yields rows in batches of chunkSize. Parameterless queries use
// the driver's row streaming; parameterized queries are executed and
// chunked, as the MySQL client exposes no parameterized cursor fetch.
func (c *Connector) Stream(ctx context.Context, query string, params []any, chunkSize int) (connector.Batches, error) {
	if s := c.State(); s != connector.StateConnected {
		return nil, connector.ErrNotConnected(s)
	}
	if chunkSize <= 0 {
		chunkSize = defaults.StreamChunkSize
	}
	kind := connector.DetectSQLOpKind(query)
	if kind != connector.OpKindRead {
		return nil, trace.BadParameter("only read queries can be streamed, got %v", kind)
	}

	return func(yield func([]connector.Row, error) bool) {
		op := c.NewOp(kind, query, len(params))
		release, err := c.AcquireSlot(ctx)
		if err != nil {
			c.RecordOp(op, err)
			yield(nil, trace.Wrap(err))
			return
		}
		defer release()

		conn, err := c.pool.GetConn(ctx)
		if err != nil {
			err = connector.ConvertError(err)
			c.RecordOp(op, err)
			yield(nil, err)
			return
		}
		defer c.pool.PutConn(conn)

		var total int64
		if len(params) == 0 {
			total, err = streamRows(conn, query, chunkSize, yield)
		} else {
			total, err = chunkRows(conn, query, params, chunkSize, yield)
		}
		op.RowsReturned = total
		c.RecordOp(op, err)
	}, nil
}

// errStreamStopped aborts driver-side streaming when the consumer breaks
// out of the batch sequence early.
var errStreamStopped = errors.New("stream consumer stopped")

func streamRows(conn *client.Conn, query string, chunkSize int, yield func([]connector.Row, error) bool) (int64, error) {
	var result mysql.Result
	var names []string
	var batch []connector.Row
	var total int64

	err := conn.ExecuteSelectStreaming(query, &result,
		func(row []mysql.FieldValue) error {
			out := make(connector.Row, len(names))
			for i := range row {
				if i < len(names) {
					out[names[i]] = fieldValue(&row[i])
				}
			}
			batch = append(batch, out)
			total++
			if len(batch) >= chunkSize {
				if !yield(batch, nil) {
					return errStreamStopped
				}
				batch = nil
			}
			return nil
		},
		func(r *mysql.Result) error {
			names = make([]string, len(r.Resultset.Fields))
			for i, f := range r.Resultset.Fields {
				names[i] = string(f.Name)
			}
			return nil
		})
	if err != nil {
		if errors.Is(err, errStreamStopped) {
			return total, nil
		}
		err = connector.ConvertError(err)
		yield(nil, err)
		return total, err
	}
	if len(batch) > 0 {
		yield(batch, nil)
	}
	return total, nil
}

func chunkRows(conn *client.Conn, query string, params []any, chunkSize int, yield func([]connector.Row, error) bool) (int64, error) {
	res, err := conn.Execute(query, params...)
	if err != nil {
		err = connector.ConvertError(err)
		yield(nil, err)
		return 0, err
	}
	defer res.Close()

	rows := rowsFrom(res.Resultset)
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		if !yield(rows[start:end], nil) {
			return int64(end), nil
		}
	}
	return int64(len(rows)), nil
}

// isolationLevels maps conduit isolation levels to MySQL vocabulary.
var isolationLevels = map[connector.IsolationLevel]string{
	connector.ReadUncommitted: "READ UNCOMMITTED",
	connector.ReadCommitted:   "READ COMMITTED",
	connector.RepeatableRead:  "REPEATABLE READ",
	connector.Serializable:    "SERIALIZABLE",
}

// Transaction runs fn in a transaction scope on a single pooled
// connection, committing on success and rolling back on any failure.
func (c *Connector) Transaction(ctx context.Context, isolation connector.IsolationLevel, fn connector.TxFunc) error {
	isolation, err := connector.CheckIsolation(isolation)
	if err != nil {
		return trace.Wrap(err)
	}
	release, err := c.AcquireSlot(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer release()

	conn, err := c.pool.GetConn(ctx)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer c.pool.PutConn(conn)

	if _, err := conn.Execute("SET TRANSACTION ISOLATION LEVEL " + isolationLevels[isolation]); err != nil {
		return connector.ConvertError(err)
	}
	if err := conn.Begin(); err != nil {
		return connector.ConvertError(err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := conn.Rollback(); err != nil {
				c.Log().WarnContext(ctx, "Transaction rollback failed.", "error", err)
			}
		}
	}()

	if err := fn(ctx, &mysqlTx{conn: conn, c: c}); err != nil {
		return trace.Wrap(err)
	}
	if err := conn.Commit(); err != nil {
		return connector.ConvertError(err)
	}
	committed = true
	return nil
}

// mysqlTx adapts a transaction-bound connection to the connector.Tx
// contract.
type mysqlTx struct {
	conn *client.Conn
	c    *Connector
}

func (t *mysqlTx) Execute(ctx context.Context, query string, params ...any) (*connector.Result, error) {
	kind := connector.DetectSQLOpKind(query)
	op := t.c.NewOp(kind, query, len(params))

	res, err := t.conn.Execute(query, params...)
	if err != nil {
		err = connector.ConvertError(err)
		return failedResult(kind, t.c.RecordOp(op, err)), err
	}
	defer res.Close()

	result := resultFrom(kind, res)
	op.RowsReturned = int64(len(result.Rows))
	op.RowsAffected = result.RowsAffected
	result.Metrics = t.c.RecordOp(op, nil)
	return result, nil
}

// Prepare caches a server-side prepared statement on the dedicated
// statement connection and returns its name.
func (c *Connector) Prepare(ctx context.Context, query string) (string, error) {
	if s := c.State(); s != connector.StateConnected {
		return "", connector.ErrNotConnected(s)
	}
	if entry, ok := c.statements.Get(query); ok {
		return entry.Name, nil
	}

	c.stmtMu.Lock()
	if c.stmtConn == nil {
		c.stmtMu.Unlock()
		return "", connector.ErrNotConnected(c.State())
	}
	stmt, err := c.stmtConn.Prepare(query)
	if err != nil {
		c.stmtMu.Unlock()
		return "", connector.ConvertError(err)
	}
	name := connector.StatementName(query)
	c.stmts[name] = stmt
	c.stmtMu.Unlock()

	// Put may evict a colder statement, and deallocating its handle
	// needs the statement mutex, so the mutex must be free here.
	entry := c.statements.Put(query)
	return entry.Name, nil
}

// ExecutePrepared executes a previously prepared statement.
func (c *Connector) ExecutePrepared(ctx context.Context, name string, params ...any) (*connector.Result, error) {
	entry, ok := c.statements.GetByName(name)
	if !ok {
		return nil, trace.NotFound("prepared statement %q is not cached", name)
	}
	kind := connector.DetectSQLOpKind(entry.Text)
	op := c.NewOp(kind, entry.Text, len(params))

	release, err := c.AcquireSlot(ctx)
	if err != nil {
		return failedResult(kind, c.RecordOp(op, err)), trace.Wrap(err)
	}
	defer release()

	// the statement connection is shared, so execution on it is
	// serialized under the statement mutex
	c.stmtMu.Lock()
	stmt := c.stmts[name]
	if stmt == nil {
		c.stmtMu.Unlock()
		err := trace.NotFound("prepared statement %q has no server-side handle", name)
		return failedResult(kind, c.RecordOp(op, err)), err
	}
	res, err := stmt.Execute(params...)
	c.stmtMu.Unlock()
	if err != nil {
		err = connector.ConvertError(err)
		return failedResult(kind, c.RecordOp(op, err)), err
	}
	defer res.Close()

	result := resultFrom(kind, res)
	op.RowsReturned = int64(len(result.Rows))
	op.RowsAffected = result.RowsAffected
	result.Metrics = c.RecordOp(op, nil)
	return result, nil
}

// deallocate closes the server-side handle of an evicted statement.
func (c *Connector) deallocate(name string) {
	c.stmtMu.Lock()
	defer c.stmtMu.Unlock()
	if stmt, ok := c.stmts[name]; ok {
		delete(c.stmts, name)
		if err := stmt.Close(); err != nil {
			c.Log().Debug("Failed to deallocate prepared statement.", "name", name, "error", err)
		}
	}
}

func failedResult(kind connector.OpKind, m connector.OpMetrics) *connector.Result {
	return &connector.Result{
		Kind:    kind,
		Error:   m.Error,
		Metrics: m,
	}
}
