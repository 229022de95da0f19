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
	"sort"
)

// ColumnDelta describes one column difference between two snapshots of
// the same table.
type ColumnDelta struct {
	// Column is the column name.
	Column string `json:"column"`
	// OnlyInA marks a column present only in the first snapshot.
	OnlyInA bool `json:"only_in_a,omitempty"`
	// OnlyInB marks a column present only in the second snapshot.
	OnlyInB bool `json:"only_in_b,omitempty"`
	// TypeA and TypeB record a type change.
	TypeA ColumnType `json:"type_a,omitempty"`
	TypeB ColumnType `json:"type_b,omitempty"`
	// NullableChanged records a nullability change.
	NullableChanged bool `json:"nullable_changed,omitempty"`
}

// TableDiff collects the column deltas of one table.
type TableDiff struct {
	// Table is the table name.
	Table string `json:"table"`
	// Deltas are the per-column differences.
	Deltas []ColumnDelta `json:"deltas"`
}

// Diff is a structural comparison of two snapshots. It does not attempt
// data-level comparison.
type Diff struct {
	// TablesOnlyInA lists tables present only in the first snapshot.
	TablesOnlyInA []string `json:"tables_only_in_a,omitempty"`
	// TablesOnlyInB lists tables present only in the second snapshot.
	TablesOnlyInB []string `json:"tables_only_in_b,omitempty"`
	// ChangedTables lists tables whose columns differ.
	ChangedTables []TableDiff `json:"changed_tables,omitempty"`
}

// Empty reports whether the two snapshots were structurally identical.
func (d *Diff) Empty() bool {
	return len(d.TablesOnlyInA) == 0 && len(d.TablesOnlyInB) == 0 && len(d.ChangedTables) == 0
}

// Compare returns the structural diff between snapshots a and b.
func Compare(a, b *Snapshot) *Diff {
	diff := &Diff{}

	aTables := make(map[string]*Table, len(a.Tables))
	for i := range a.Tables {
		aTables[a.Tables[i].Name] = &a.Tables[i]
	}
	bTables := make(map[string]*Table, len(b.Tables))
	for i := range b.Tables {
		bTables[b.Tables[i].Name] = &b.Tables[i]
	}

	for name := range aTables {
		if _, ok := bTables[name]; !ok {
			diff.TablesOnlyInA = append(diff.TablesOnlyInA, name)
		}
	}
	for name := range bTables {
		if _, ok := aTables[name]; !ok {
			diff.TablesOnlyInB = append(diff.TablesOnlyInB, name)
		}
	}
	sort.Strings(diff.TablesOnlyInA)
	sort.Strings(diff.TablesOnlyInB)

	var shared []string
	for name := range aTables {
		if _, ok := bTables[name]; ok {
			shared = append(shared, name)
		}
	}
	sort.Strings(shared)

	for _, name := range shared {
		deltas := compareColumns(aTables[name], bTables[name])
		if len(deltas) > 0 {
			diff.ChangedTables = append(diff.ChangedTables, TableDiff{
				Table:  name,
				Deltas: deltas,
			})
		}
	}
	return diff
}

func compareColumns(a, b *Table) []ColumnDelta {
	var deltas []ColumnDelta

	names := make(map[string]bool)
	for _, c := range a.Columns {
		names[c.Name] = true
	}
	for _, c := range b.Columns {
		names[c.Name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		colA, colB := a.Column(name), b.Column(name)
		switch {
		case colB == nil:
			deltas = append(deltas, ColumnDelta{Column: name, OnlyInA: true})
		case colA == nil:
			deltas = append(deltas, ColumnDelta{Column: name, OnlyInB: true})
		default:
			delta := ColumnDelta{Column: name}
			changed := false
			if colA.Type != colB.Type {
				delta.TypeA, delta.TypeB = colA.Type, colB.Type
				changed = true
			}
			if colA.Nullable != colB.Nullable {
				delta.NullableChanged = true
				changed = true
			}
			if changed {
				deltas = append(deltas, delta)
			}
		}
	}
	return deltas
}
