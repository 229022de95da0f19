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

// Package postgres implements the connector contract for PostgreSQL on
// top of the pgx connection pool.
package postgres

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/defaults"
	"github.com/gravitational/conduit/lib/schema"
)

// Connector implements connector.Connector for PostgreSQL.
type Connector struct {
	*connector.Base

	pool       *pgxpool.Pool
	statements *connector.StatementCache
}

// New returns an unconnected PostgreSQL connector.
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
	return &Connector{
		Base: base,
		// Server-side handles are managed per connection by pgx's own
		// statement cache, so eviction needs no explicit deallocation.
		statements: connector.NewStatementCache(cacheSize, defaults.StatementCacheTTL, clock, nil),
	}, nil
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

	poolCfg, err := c.poolConfig()
	if err != nil {
		c.FailConnect(err)
		return trace.Wrap(err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.Config().ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		c.FailConnect(err)
		return connector.ConvertError(err)
	}
	info, err := c.serverInfo(connectCtx, pool)
	if err != nil {
		pool.Close()
		c.FailConnect(err)
		return connector.ConvertError(err)
	}

	c.pool = pool
	c.FinishConnect(info)
	c.StartWorkers(c.HealthCheck, nil)
	return nil
}

func (c *Connector) poolConfig() (*pgxpool.Config, error) {
	cfg := c.Config()
	// credentials go through URL escaping so reserved characters in the
	// password cannot corrupt the DSN
	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	poolCfg, err := pgxpool.ParseConfig(dsn.String())
	if err != nil {
		return nil, trace.BadParameter("invalid connection config: %v", err)
	}
	poolCfg.MinConns = int32(cfg.PoolMinSize)
	poolCfg.MaxConns = int32(cfg.PoolMaxSize)
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	if cfg.TLS {
		poolCfg.ConnConfig.TLSConfig = &tls.Config{ServerName: cfg.Host}
	} else {
		poolCfg.ConnConfig.TLSConfig = nil
	}
	// pass through server settings from the config options
	for k, v := range cfg.Options {
		switch k {
		case "statement_cache_size":
		default:
			poolCfg.ConnConfig.RuntimeParams[k] = v
		}
	}
	return poolCfg, nil
}

func (c *Connector) serverInfo(ctx context.Context, pool *pgxpool.Pool) (map[string]string, error) {
	var version string
	if err := pool.QueryRow(ctx, "select version()").Scan(&version); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"version": version,
		"backend": string(connector.BackendPostgres),
	}, nil
}

// Disconnect drains in-flight operations up to the shutdown grace and
// releases the pool. Open transactions roll back with their connections.
func (c *Connector) Disconnect(ctx context.Context) error {
	clean := c.Shutdown(ctx)
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	c.statements.Purge()
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
	info, err := c.serverInfo(ctx, c.pool)
	elapsed := c.Clock().Now().Sub(start)
	if err != nil {
		return &connector.TestResult{Elapsed: elapsed, Error: err.Error()}
	}
	return &connector.TestResult{Success: true, Elapsed: elapsed, ServerInfo: info}
}

// HealthCheck pings the server with a hard timeout. It never returns an
// error; failures mark the connector unhealthy.
func (c *Connector) HealthCheck(ctx context.Context) bool {
	if c.State() != connector.StateConnected {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, defaults.HealthCheckTimeout)
	defer cancel()
	err := c.pool.Ping(probeCtx)
	c.RecordHealth(err == nil, err)
	if err != nil {
		c.Log().WarnContext(ctx, "Health check failed.", "error", err)
	}
	return err == nil
}

// Execute runs a single statement. The result always carries the
// operation metrics, also on failure.
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

	result, err := c.run(opCtx, kind, query, params)
	if err != nil {
		err = connector.ConvertError(err)
		return failedResult(kind, c.RecordOp(op, err)), err
	}
	op.RowsReturned = int64(len(result.Rows))
	op.RowsAffected = result.RowsAffected
	result.Metrics = c.RecordOp(op, nil)
	return result, nil
}

func (c *Connector) run(ctx context.Context, kind connector.OpKind, query string, params []any) (*connector.Result, error) {
	switch kind {
	case connector.OpKindRead, connector.OpKindUtility:
		rows, err := c.pool.Query(ctx, query, params...)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defer rows.Close()
		collected, err := collectRows(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &connector.Result{Success: true, Kind: kind, Rows: collected}, nil
	default:
		tag, err := c.pool.Exec(ctx, query, params...)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &connector.Result{Success: true, Kind: kind, RowsAffected: tag.RowsAffected()}, nil
	}
}

func collectRows(rows pgx.Rows) ([]connector.Row, error) {
	fields := rows.FieldDescriptions()
	var out []connector.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		row := make(connector.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, trace.Wrap(rows.Err())
}

// Stream runs the query through a server-side cursor, yielding rows in
// batches of chunkSize. The cursor, its transaction and the pool slot are
// released when the sequence ends or the consumer breaks out early.
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

		total, err := c.streamCursor(ctx, query, params, chunkSize, yield)
		op.RowsReturned = total
		c.RecordOp(op, err)
	}, nil
}

func (c *Connector) streamCursor(ctx context.Context, query string, params []any, chunkSize int, yield func([]connector.Row, error) bool) (total int64, err error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		err = connector.ConvertError(err)
		yield(nil, err)
		return 0, err
	}
	// the cursor dies with the transaction on every exit path
	defer tx.Rollback(context.WithoutCancel(ctx))

	cursor := "conduit_cursor"
	if _, err := tx.Exec(ctx, fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", cursor, query), params...); err != nil {
		err = connector.ConvertError(err)
		yield(nil, err)
		return 0, err
	}

	fetch := fmt.Sprintf("FETCH %d FROM %s", chunkSize, cursor)
	for {
		batchCtx, cancel := context.WithTimeout(ctx, c.Config().OperationTimeout)
		rows, err := tx.Query(batchCtx, fetch)
		if err != nil {
			cancel()
			err = connector.ConvertError(err)
			yield(nil, err)
			return total, err
		}
		batch, err := collectRows(rows)
		cancel()
		if err != nil {
			err = connector.ConvertError(err)
			yield(nil, err)
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		total += int64(len(batch))
		if !yield(batch, nil) {
			return total, nil
		}
		if len(batch) < chunkSize {
			return total, nil
		}
	}
}

// isolationLevels maps conduit isolation levels to Postgres vocabulary.
var isolationLevels = map[connector.IsolationLevel]pgx.TxIsoLevel{
	connector.ReadUncommitted: pgx.ReadUncommitted,
	connector.ReadCommitted:   pgx.ReadCommitted,
	connector.RepeatableRead:  pgx.RepeatableRead,
	connector.Serializable:    pgx.Serializable,
}

// Transaction runs fn in a transaction scope, committing on success and
// rolling back on error or panic.
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

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: isolationLevels[isolation]})
	if err != nil {
		return connector.ConvertError(err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(ctx, &pgxTx{tx: tx, conn: c}); err != nil {
		return trace.Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return connector.ConvertError(err)
	}
	committed = true
	return nil
}

// pgxTx adapts pgx.Tx to the connector.Tx contract.
type pgxTx struct {
	tx   pgx.Tx
	conn *Connector
}

func (t *pgxTx) Execute(ctx context.Context, query string, params ...any) (*connector.Result, error) {
	kind := connector.DetectSQLOpKind(query)
	op := t.conn.NewOp(kind, query, len(params))

	switch kind {
	case connector.OpKindRead, connector.OpKindUtility:
		rows, err := t.tx.Query(ctx, query, params...)
		if err != nil {
			err = connector.ConvertError(err)
			return failedResult(kind, t.conn.RecordOp(op, err)), err
		}
		defer rows.Close()
		collected, err := collectRows(rows)
		if err != nil {
			err = connector.ConvertError(err)
			return failedResult(kind, t.conn.RecordOp(op, err)), err
		}
		op.RowsReturned = int64(len(collected))
		return &connector.Result{
			Success: true, Kind: kind, Rows: collected,
			Metrics: t.conn.RecordOp(op, nil),
		}, nil
	default:
		tag, err := t.tx.Exec(ctx, query, params...)
		if err != nil {
			err = connector.ConvertError(err)
			return failedResult(kind, t.conn.RecordOp(op, err)), err
		}
		op.RowsAffected = tag.RowsAffected()
		return &connector.Result{
			Success: true, Kind: kind, RowsAffected: tag.RowsAffected(),
			Metrics: t.conn.RecordOp(op, nil),
		}, nil
	}
}

// Prepare registers a statement in the cache and returns its name. The
// server-side preparation itself is performed per connection by pgx's
// statement cache keyed on the statement text.
func (c *Connector) Prepare(ctx context.Context, query string) (string, error) {
	if s := c.State(); s != connector.StateConnected {
		return "", connector.ErrNotConnected(s)
	}
	if entry, ok := c.statements.Get(query); ok {
		return entry.Name, nil
	}
	entry := c.statements.Put(query)
	return entry.Name, nil
}

// ExecutePrepared executes a statement previously registered via Prepare.
func (c *Connector) ExecutePrepared(ctx context.Context, name string, params ...any) (*connector.Result, error) {
	entry, ok := c.statements.GetByName(name)
	if !ok {
		return nil, trace.NotFound("prepared statement %q is not cached", name)
	}
	return c.Execute(ctx, entry.Text, params...)
}

// SchemaInfo walks the system catalogs and returns a normalized snapshot.
func (c *Connector) SchemaInfo(ctx context.Context, scope schema.Scope) (*schema.Snapshot, error) {
	if s := c.State(); s != connector.StateConnected {
		return nil, connector.ErrNotConnected(s)
	}
	release, err := c.AcquireSlot(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()

	start := c.Clock().Now()
	snap := &schema.Snapshot{
		Database:   c.Config().Database,
		Dialect:    string(connector.BackendPostgres),
		ServerInfo: c.Metadata().ServerInfo,
		AnalyzedAt: start,
	}
	if err := c.walkTables(ctx, scope, snap); err != nil {
		return nil, trace.Wrap(err)
	}
	if scope.IncludeViews {
		if err := c.walkViews(ctx, snap); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if scope.IncludeRoutines {
		if err := c.walkRoutines(ctx, snap); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if scope.IncludeSequences {
		if err := c.walkSequences(ctx, snap); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	snap.AnalysisDuration = c.Clock().Now().Sub(start)
	return snap, nil
}

func (c *Connector) walkTables(ctx context.Context, scope schema.Scope, snap *schema.Snapshot) error {
	rows, err := c.pool.Query(ctx, `
		select c.relname, c.reltuples::bigint
		from pg_class c
		join pg_namespace n on n.oid = c.relnamespace
		where n.nspname = 'public' and c.relkind = 'r'
		order by c.relname`)
	if err != nil {
		return connector.ConvertError(err)
	}
	type tableRow struct {
		name string
		rows int64
	}
	var tables []tableRow
	for rows.Next() {
		var tr tableRow
		if err := rows.Scan(&tr.name, &tr.rows); err != nil {
			rows.Close()
			return trace.Wrap(err)
		}
		tables = append(tables, tr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}

	for _, tr := range tables {
		if !scope.Covers(tr.name) {
			continue
		}
		table := schema.Table{Name: tr.name, ApproxRows: max(tr.rows, 0)}
		if err := c.walkColumns(ctx, &table); err != nil {
			return trace.Wrap(err)
		}
		if err := c.walkIndexes(ctx, &table); err != nil {
			return trace.Wrap(err)
		}
		if err := c.walkConstraints(ctx, &table); err != nil {
			return trace.Wrap(err)
		}
		snap.Tables = append(snap.Tables, table)
	}
	return nil
}

func (c *Connector) walkColumns(ctx context.Context, table *schema.Table) error {
	rows, err := c.pool.Query(ctx, `
		select column_name, data_type, is_nullable, coalesce(column_default, ''),
		       coalesce(character_maximum_length, 0), ordinal_position
		from information_schema.columns
		where table_schema = 'public' and table_name = $1
		order by ordinal_position`, table.Name)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var col schema.Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.NativeType, &nullable, &col.Default, &col.MaxLength, &col.Position); err != nil {
			return trace.Wrap(err)
		}
		col.Nullable = nullable == "YES"
		col.Type = schema.NormalizePostgresType(col.NativeType)
		table.Columns = append(table.Columns, col)
	}
	return trace.Wrap(rows.Err())
}

func (c *Connector) walkIndexes(ctx context.Context, table *schema.Table) error {
	rows, err := c.pool.Query(ctx, `
		select i.relname, ix.indisunique, ix.indisprimary,
		       array_agg(a.attname order by a.attnum)
		from pg_class t
		join pg_index ix on t.oid = ix.indrelid
		join pg_class i on i.oid = ix.indexrelid
		join pg_attribute a on a.attrelid = t.oid and a.attnum = any(ix.indkey)
		where t.relname = $1
		group by i.relname, ix.indisunique, ix.indisprimary
		order by i.relname`, table.Name)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx schema.Index
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Primary, &idx.Columns); err != nil {
			return trace.Wrap(err)
		}
		table.Indexes = append(table.Indexes, idx)
	}
	return trace.Wrap(rows.Err())
}

func (c *Connector) walkConstraints(ctx context.Context, table *schema.Table) error {
	rows, err := c.pool.Query(ctx, `
		select tc.constraint_name, tc.constraint_type,
		       coalesce(array_agg(kcu.column_name order by kcu.ordinal_position)
		                filter (where kcu.column_name is not null), '{}'),
		       coalesce(ccu.table_name, ''), coalesce(rc.update_rule, ''),
		       coalesce(rc.delete_rule, ''), coalesce(cc.check_clause, '')
		from information_schema.table_constraints tc
		left join information_schema.key_column_usage kcu
		       on kcu.constraint_name = tc.constraint_name
		left join information_schema.referential_constraints rc
		       on rc.constraint_name = tc.constraint_name
		left join information_schema.constraint_column_usage ccu
		       on ccu.constraint_name = rc.unique_constraint_name
		left join information_schema.check_constraints cc
		       on cc.constraint_name = tc.constraint_name
		where tc.table_schema = 'public' and tc.table_name = $1
		group by tc.constraint_name, tc.constraint_type, ccu.table_name,
		         rc.update_rule, rc.delete_rule, cc.check_clause`, table.Name)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var con schema.Constraint
		var kind string
		if err := rows.Scan(&con.Name, &kind, &con.Columns, &con.ReferencedTable,
			&con.UpdateRule, &con.DeleteRule, &con.CheckClause); err != nil {
			return trace.Wrap(err)
		}
		switch kind {
		case "PRIMARY KEY":
			con.Kind = schema.ConstraintPrimaryKey
		case "UNIQUE":
			con.Kind = schema.ConstraintUnique
		case "FOREIGN KEY":
			con.Kind = schema.ConstraintForeignKey
		case "CHECK":
			con.Kind = schema.ConstraintCheck
		default:
			continue
		}
		table.Constraints = append(table.Constraints, con)
	}
	return trace.Wrap(rows.Err())
}

func (c *Connector) walkViews(ctx context.Context, snap *schema.Snapshot) error {
	rows, err := c.pool.Query(ctx, `
		select table_name, coalesce(view_definition, '')
		from information_schema.views
		where table_schema = 'public'
		order by table_name`)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var v schema.View
		if err := rows.Scan(&v.Name, &v.Definition); err != nil {
			return trace.Wrap(err)
		}
		snap.Views = append(snap.Views, v)
	}
	return trace.Wrap(rows.Err())
}

func (c *Connector) walkRoutines(ctx context.Context, snap *schema.Snapshot) error {
	rows, err := c.pool.Query(ctx, `
		select routine_name, lower(routine_type), coalesce(data_type, '')
		from information_schema.routines
		where routine_schema = 'public'
		order by routine_name`)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var r schema.Routine
		if err := rows.Scan(&r.Name, &r.Kind, &r.ReturnType); err != nil {
			return trace.Wrap(err)
		}
		snap.Routines = append(snap.Routines, r)
	}
	return trace.Wrap(rows.Err())
}

func (c *Connector) walkSequences(ctx context.Context, snap *schema.Snapshot) error {
	rows, err := c.pool.Query(ctx, `
		select sequence_name, data_type
		from information_schema.sequences
		where sequence_schema = 'public'
		order by sequence_name`)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var s schema.Sequence
		if err := rows.Scan(&s.Name, &s.DataType); err != nil {
			return trace.Wrap(err)
		}
		snap.Sequences = append(snap.Sequences, s)
	}
	return trace.Wrap(rows.Err())
}

func failedResult(kind connector.OpKind, m connector.OpMetrics) *connector.Result {
	return &connector.Result{
		Kind:    kind,
		Error:   m.Error,
		Metrics: m,
	}
}
