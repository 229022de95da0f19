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

package mysql

import (
	"context"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/gravitational/trace"

	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/schema"
)

// SchemaInfo walks information_schema and returns a normalized snapshot
// of the connected database. MySQL has no sequences, so the sequence
// scope flag is a no-op.
func (c *Connector) SchemaInfo(ctx context.Context, scope schema.Scope) (*schema.Snapshot, error) {
	if s := c.State(); s != connector.StateConnected {
		return nil, connector.ErrNotConnected(s)
	}
	release, err := c.AcquireSlot(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()

	conn, err := c.pool.GetConn(ctx)
	if err != nil {
		return nil, connector.ConvertError(err)
	}
	defer c.pool.PutConn(conn)

	start := c.Clock().Now()
	snapshot := &schema.Snapshot{
		Database:   c.Config().Database,
		Dialect:    string(connector.BackendMySQL),
		ServerInfo: map[string]string{"version": conn.GetServerVersion()},
		AnalyzedAt: start,
	}

	if err := c.walkTables(conn, scope, snapshot); err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range snapshot.Tables {
		table := &snapshot.Tables[i]
		if err := c.walkColumns(conn, table); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := c.walkIndexes(conn, table); err != nil {
			return nil, trace.Wrap(err)
		}
		if err := c.walkConstraints(conn, table); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if scope.IncludeViews {
		if err := c.walkViews(conn, snapshot); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if scope.IncludeRoutines {
		if err := c.walkRoutines(conn, snapshot); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	snapshot.AnalysisDuration = c.Clock().Now().Sub(start)
	return snapshot, nil
}

func (c *Connector) walkTables(conn *client.Conn, scope schema.Scope, snapshot *schema.Snapshot) error {
	res, err := conn.Execute(`
		SELECT table_name, COALESCE(table_rows, 0)
		FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer res.Close()

	for i := 0; i < res.Resultset.RowNumber(); i++ {
		name, err := res.GetString(i, 0)
		if err != nil {
			return trace.Wrap(err)
		}
		if !scope.Covers(name) {
			continue
		}
		rows, err := res.GetInt(i, 1)
		if err != nil {
			return trace.Wrap(err)
		}
		snapshot.Tables = append(snapshot.Tables, schema.Table{
			Name:       name,
			ApproxRows: rows,
		})
	}
	return nil
}

func (c *Connector) walkColumns(conn *client.Conn, table *schema.Table) error {
	res, err := conn.Execute(`
		SELECT column_name, column_type, is_nullable,
		       COALESCE(column_default, ''),
		       COALESCE(character_maximum_length, 0),
		       ordinal_position
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`, table.Name)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer res.Close()

	for i := 0; i < res.Resultset.RowNumber(); i++ {
		var col schema.Column
		if col.Name, err = res.GetString(i, 0); err != nil {
			return trace.Wrap(err)
		}
		if col.NativeType, err = res.GetString(i, 1); err != nil {
			return trace.Wrap(err)
		}
		nullable, err := res.GetString(i, 2)
		if err != nil {
			return trace.Wrap(err)
		}
		if col.Default, err = res.GetString(i, 3); err != nil {
			return trace.Wrap(err)
		}
		if col.MaxLength, err = res.GetInt(i, 4); err != nil {
			return trace.Wrap(err)
		}
		pos, err := res.GetInt(i, 5)
		if err != nil {
			return trace.Wrap(err)
		}
		col.Type = schema.NormalizeMySQLType(col.NativeType)
		col.Nullable = nullable == "YES"
		col.Position = int(pos)
		table.Columns = append(table.Columns, col)
	}
	return nil
}

func (c *Connector) walkIndexes(conn *client.Conn, table *schema.Table) error {
	res, err := conn.Execute(`
		SELECT index_name, column_name, non_unique
		FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY index_name, seq_in_index`, table.Name)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer res.Close()

	byName := make(map[string]*schema.Index)
	var order []string
	for i := 0; i < res.Resultset.RowNumber(); i++ {
		name, err := res.GetString(i, 0)
		if err != nil {
			return trace.Wrap(err)
		}
		column, err := res.GetString(i, 1)
		if err != nil {
			return trace.Wrap(err)
		}
		nonUnique, err := res.GetInt(i, 2)
		if err != nil {
			return trace.Wrap(err)
		}
		idx, ok := byName[name]
		if !ok {
			idx = &schema.Index{
				Name:    name,
				Unique:  nonUnique == 0,
				Primary: name == "PRIMARY",
			}
			byName[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, column)
	}
	for _, name := range order {
		table.Indexes = append(table.Indexes, *byName[name])
	}
	return nil
}

func (c *Connector) walkConstraints(conn *client.Conn, table *schema.Table) error {
	res, err := conn.Execute(`
		SELECT tc.constraint_name, tc.constraint_type,
		       COALESCE(kcu.column_name, ''),
		       COALESCE(kcu.referenced_table_name, ''),
		       COALESCE(kcu.referenced_column_name, ''),
		       COALESCE(rc.update_rule, ''),
		       COALESCE(rc.delete_rule, '')
		FROM information_schema.table_constraints tc
		LEFT JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_schema = tc.constraint_schema
		 AND kcu.constraint_name = tc.constraint_name
		 AND kcu.table_name = tc.table_name
		LEFT JOIN information_schema.referential_constraints rc
		  ON rc.constraint_schema = tc.constraint_schema
		 AND rc.constraint_name = tc.constraint_name
		WHERE tc.table_schema = DATABASE() AND tc.table_name = ?
		ORDER BY tc.constraint_name, kcu.ordinal_position`, table.Name)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer res.Close()

	kinds := map[string]schema.ConstraintKind{
		"PRIMARY KEY": schema.ConstraintPrimaryKey,
		"UNIQUE":      schema.ConstraintUnique,
		"FOREIGN KEY": schema.ConstraintForeignKey,
		"CHECK":       schema.ConstraintCheck,
	}

	byName := make(map[string]*schema.Constraint)
	var order []string
	for i := 0; i < res.Resultset.RowNumber(); i++ {
		name, err := res.GetString(i, 0)
		if err != nil {
			return trace.Wrap(err)
		}
		kindName, err := res.GetString(i, 1)
		if err != nil {
			return trace.Wrap(err)
		}
		column, err := res.GetString(i, 2)
		if err != nil {
			return trace.Wrap(err)
		}
		refTable, err := res.GetString(i, 3)
		if err != nil {
			return trace.Wrap(err)
		}
		refColumn, err := res.GetString(i, 4)
		if err != nil {
			return trace.Wrap(err)
		}
		updateRule, err := res.GetString(i, 5)
		if err != nil {
			return trace.Wrap(err)
		}
		deleteRule, err := res.GetString(i, 6)
		if err != nil {
			return trace.Wrap(err)
		}
		con, ok := byName[name]
		if !ok {
			con = &schema.Constraint{
				Name:            name,
				Kind:            kinds[kindName],
				ReferencedTable: refTable,
				UpdateRule:      updateRule,
				DeleteRule:      deleteRule,
			}
			byName[name] = con
			order = append(order, name)
		}
		if column != "" {
			con.Columns = append(con.Columns, column)
		}
		if refColumn != "" {
			con.ReferencedColumns = append(con.ReferencedColumns, refColumn)
		}
	}
	for _, name := range order {
		table.Constraints = append(table.Constraints, *byName[name])
	}
	return nil
}

func (c *Connector) walkViews(conn *client.Conn, snapshot *schema.Snapshot) error {
	res, err := conn.Execute(`
		SELECT table_name, view_definition
		FROM information_schema.views
		WHERE table_schema = DATABASE()
		ORDER BY table_name`)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer res.Close()

	for i := 0; i < res.Resultset.RowNumber(); i++ {
		var view schema.View
		if view.Name, err = res.GetString(i, 0); err != nil {
			return trace.Wrap(err)
		}
		if view.Definition, err = res.GetString(i, 1); err != nil {
			return trace.Wrap(err)
		}
		snapshot.Views = append(snapshot.Views, view)
	}
	return nil
}

func (c *Connector) walkRoutines(conn *client.Conn, snapshot *schema.Snapshot) error {
	res, err := conn.Execute(`
		SELECT routine_name, LOWER(routine_type), COALESCE(data_type, '')
		FROM information_schema.routines
		WHERE routine_schema = DATABASE()
		ORDER BY routine_name`)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer res.Close()

	for i := 0; i < res.Resultset.RowNumber(); i++ {
		var routine schema.Routine
		if routine.Name, err = res.GetString(i, 0); err != nil {
			return trace.Wrap(err)
		}
		if routine.Kind, err = res.GetString(i, 1); err != nil {
			return trace.Wrap(err)
		}
		if routine.ReturnType, err = res.GetString(i, 2); err != nil {
			return trace.Wrap(err)
		}
		snapshot.Routines = append(snapshot.Routines, routine)
	}
	return nil
}
