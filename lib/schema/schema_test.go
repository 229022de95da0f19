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

package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizePostgresType(t *testing.T) {
	for native, want := range map[string]ColumnType{
		"integer":                     TypeInteger,
		"BIGINT":                      TypeBigInt,
		"character varying":           TypeString,
		"varchar(255)":                TypeString,
		"timestamp with time zone":    TypeTimestamp,
		"timestamp without time zone": TypeTimestamp,
		"jsonb":                       TypeJSON,
		"uuid":                        TypeUUID,
		"bytea":                       TypeBinary,
		"numeric(10,2)":               TypeDecimal,
		"text[]":                      TypeArray,
		"tsvector":                    TypeUnknown,
	} {
		require.Equal(t, want, NormalizePostgresType(native), "native %q", native)
	}
}

func TestNormalizeMySQLType(t *testing.T) {
	for native, want := range map[string]ColumnType{
		"int":            TypeInteger,
		"int unsigned":   TypeInteger,
		"tinyint(1)":     TypeSmallInt,
		"varchar(100)":   TypeString,
		"longtext":       TypeText,
		"datetime":       TypeTimestamp,
		"enum('a','b')":  TypeString,
		"mediumblob":     TypeBinary,
		"json":           TypeJSON,
		"geometry":       TypeUnknown,
	} {
		require.Equal(t, want, NormalizeMySQLType(native), "native %q", native)
	}
}

func TestNormalizeMongoType(t *testing.T) {
	for native, want := range map[string]ColumnType{
		"objectId":  TypeUUID,
		"string":    TypeString,
		"long":      TypeBigInt,
		"object":    TypeObject,
		"array":     TypeArray,
		"date":      TypeTimestamp,
		"minKey":    TypeUnknown,
	} {
		require.Equal(t, want, NormalizeMongoType(native), "native %q", native)
	}
}

func TestScopeCovers(t *testing.T) {
	require.True(t, Scope{}.Covers("anything"))
	scoped := Scope{Tables: []string{"users", "orders"}}
	require.True(t, scoped.Covers("users"))
	require.False(t, scoped.Covers("payments"))
}

func TestSnapshotLookups(t *testing.T) {
	snap := &Snapshot{
		Tables: []Table{
			{Name: "users", Columns: []Column{
				{Name: "id", Type: TypeInteger},
				{Name: "email", Type: TypeString},
			}},
		},
	}
	table := snap.Table("users")
	require.NotNil(t, table)
	require.NotNil(t, table.Column("email"))
	require.Nil(t, table.Column("missing"))
	require.Nil(t, snap.Table("missing"))
}

func TestCompareIdentical(t *testing.T) {
	snap := &Snapshot{Tables: []Table{
		{Name: "users", Columns: []Column{{Name: "id", Type: TypeInteger}}},
	}}
	diff := Compare(snap, snap)
	require.True(t, diff.Empty())
}

func TestCompareTablesAddedAndRemoved(t *testing.T) {
	a := &Snapshot{Tables: []Table{
		{Name: "users"},
		{Name: "legacy"},
	}}
	b := &Snapshot{Tables: []Table{
		{Name: "users"},
		{Name: "orders"},
	}}
	diff := Compare(a, b)
	require.False(t, diff.Empty())
	require.Equal(t, []string{"legacy"}, diff.TablesOnlyInA)
	require.Equal(t, []string{"orders"}, diff.TablesOnlyInB)
	require.Empty(t, diff.ChangedTables)
}

func TestCompareColumnChanges(t *testing.T) {
	a := &Snapshot{Tables: []Table{{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: TypeInteger, Nullable: false},
			{Name: "age", Type: TypeInteger},
			{Name: "note", Type: TypeText},
		},
	}}}
	b := &Snapshot{Tables: []Table{{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: TypeBigInt, Nullable: true},
			{Name: "age", Type: TypeInteger},
			{Name: "email", Type: TypeString},
		},
	}}}

	diff := Compare(a, b)
	require.Len(t, diff.ChangedTables, 1)
	require.Equal(t, "users", diff.ChangedTables[0].Table)

	// deltas come back sorted by column name
	deltas := diff.ChangedTables[0].Deltas
	require.Len(t, deltas, 3)

	require.Equal(t, "email", deltas[0].Column)
	require.True(t, deltas[0].OnlyInB)

	require.Equal(t, "id", deltas[1].Column)
	require.Equal(t, TypeInteger, deltas[1].TypeA)
	require.Equal(t, TypeBigInt, deltas[1].TypeB)
	require.True(t, deltas[1].NullableChanged)

	require.Equal(t, "note", deltas[2].Column)
	require.True(t, deltas[2].OnlyInA)
}
