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

// Package schema defines the backend-agnostic description of a database's
// structure: normalized snapshots produced by per-backend walkers, the
// closed column type vocabulary they normalize into, and structural diffs
// between snapshots.
package schema

import (
	"time"
)

// Scope narrows what a schema walk covers.
type Scope struct {
	// Tables restricts the walk to the named tables or collections.
	// Empty means all.
	Tables []string
	// IncludeViews includes view definitions.
	IncludeViews bool
	// IncludeRoutines includes stored routines.
	IncludeRoutines bool
	// IncludeSequences includes sequences.
	IncludeSequences bool
}

// Covers reports whether the scope includes the named table.
func (s Scope) Covers(table string) bool {
	if len(s.Tables) == 0 {
		return true
	}
	for _, t := range s.Tables {
		if t == table {
			return true
		}
	}
	return false
}

// ColumnType is the closed, normalized column type vocabulary. Unknown
// native types map to TypeUnknown without failing the walk.
type ColumnType string

const (
	TypeInteger   ColumnType = "integer"
	TypeBigInt    ColumnType = "bigint"
	TypeSmallInt  ColumnType = "smallint"
	TypeFloat     ColumnType = "float"
	TypeDecimal   ColumnType = "decimal"
	TypeString    ColumnType = "string"
	TypeText      ColumnType = "text"
	TypeBoolean   ColumnType = "boolean"
	TypeDate      ColumnType = "date"
	TypeTime      ColumnType = "time"
	TypeTimestamp ColumnType = "timestamp"
	TypeBinary    ColumnType = "binary"
	TypeJSON      ColumnType = "json"
	TypeUUID      ColumnType = "uuid"
	TypeArray     ColumnType = "array"
	TypeObject    ColumnType = "object"
	TypeUnknown   ColumnType = "unknown"
)

// Column describes one table column or inferred document field.
type Column struct {
	// Name is the column name.
	Name string `json:"name"`
	// Type is the normalized type.
	Type ColumnType `json:"type"`
	// NativeType is the backend's native type name.
	NativeType string `json:"native_type"`
	// Nullable reports whether the column admits NULL (or the field is
	// absent from sampled documents).
	Nullable bool `json:"nullable"`
	// Default is the column default expression, if any.
	Default string `json:"default,omitempty"`
	// MaxLength is the declared length bound for character types.
	MaxLength int64 `json:"max_length,omitempty"`
	// Position is the ordinal position within the table.
	Position int `json:"position,omitempty"`
}

// Index describes a table or collection index.
type Index struct {
	// Name is the index name.
	Name string `json:"name"`
	// Columns are the indexed columns in order.
	Columns []string `json:"columns"`
	// Unique reports a uniqueness constraint.
	Unique bool `json:"unique"`
	// Primary reports the primary key index.
	Primary bool `json:"primary"`
}

// ConstraintKind is a table constraint kind.
type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "primary_key"
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintCheck      ConstraintKind = "check"
)

// Constraint describes a table constraint.
type Constraint struct {
	// Name is the constraint name.
	Name string `json:"name"`
	// Kind is the constraint kind.
	Kind ConstraintKind `json:"kind"`
	// Columns are the constrained columns.
	Columns []string `json:"columns,omitempty"`
	// ReferencedTable is the target of a foreign key.
	ReferencedTable string `json:"referenced_table,omitempty"`
	// ReferencedColumns are the target columns of a foreign key.
	ReferencedColumns []string `json:"referenced_columns,omitempty"`
	// UpdateRule is the foreign key ON UPDATE rule.
	UpdateRule string `json:"update_rule,omitempty"`
	// DeleteRule is the foreign key ON DELETE rule.
	DeleteRule string `json:"delete_rule,omitempty"`
	// CheckClause is the CHECK expression.
	CheckClause string `json:"check_clause,omitempty"`
}

// Table describes one table or collection.
type Table struct {
	// Name is the table name.
	Name string `json:"name"`
	// Columns are the table columns.
	Columns []Column `json:"columns"`
	// Indexes are the table indexes.
	Indexes []Index `json:"indexes,omitempty"`
	// Constraints are the table constraints.
	Constraints []Constraint `json:"constraints,omitempty"`
	// ApproxRows is the backend's approximate row count.
	ApproxRows int64 `json:"approx_rows"`
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// View describes a database view.
type View struct {
	// Name is the view name.
	Name string `json:"name"`
	// Definition is the view's defining query, where the backend
	// exposes it.
	Definition string `json:"definition,omitempty"`
}

// Routine describes a stored routine.
type Routine struct {
	// Name is the routine name.
	Name string `json:"name"`
	// Kind is "function" or "procedure".
	Kind string `json:"kind"`
	// ReturnType is the declared return type, if any.
	ReturnType string `json:"return_type,omitempty"`
}

// Sequence describes a sequence.
type Sequence struct {
	// Name is the sequence name.
	Name string `json:"name"`
	// DataType is the sequence's value type.
	DataType string `json:"data_type,omitempty"`
}

// Snapshot is a normalized, backend-agnostic description of a database's
// structure at a point in time.
type Snapshot struct {
	// Database is the database name.
	Database string `json:"database"`
	// Dialect tags the backend that produced the snapshot.
	Dialect string `json:"dialect"`
	// Tables are the tables or collections.
	Tables []Table `json:"tables"`
	// Views are the views.
	Views []View `json:"views,omitempty"`
	// Routines are the stored routines.
	Routines []Routine `json:"routines,omitempty"`
	// Sequences are the sequences.
	Sequences []Sequence `json:"sequences,omitempty"`
	// ServerInfo is a backend version/build snapshot.
	ServerInfo map[string]string `json:"server_info,omitempty"`
	// AnalyzedAt is when the walk started.
	AnalyzedAt time.Time `json:"analyzed_at"`
	// AnalysisDuration is how long the walk took.
	AnalysisDuration time.Duration `json:"analysis_duration"`
}

// Table returns the named table, or nil.
func (s *Snapshot) Table(name string) *Table {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}
