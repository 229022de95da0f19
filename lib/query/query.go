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

// Package query implements a fluent query composer with a uniform surface
// over SQL and document backends. Building is pure: Build renders a value
// and never mutates the builder, Clone returns an independent copy, Reset
// returns the builder to its initial state.
package query

import (
	"slices"

	"github.com/gravitational/trace"
)

// Dialect selects the rendering target.
type Dialect string

const (
	// Postgres renders PostgreSQL SQL with $n placeholders.
	Postgres Dialect = "postgresql"
	// MySQL renders MySQL SQL with ? placeholders.
	MySQL Dialect = "mysql"
	// Mongo renders document operation descriptors.
	Mongo Dialect = "mongodb"
)

// Operator is a comparison operator usable in Where conditions.
type Operator string

const (
	Eq         Operator = "="
	Neq        Operator = "!="
	Lt         Operator = "<"
	Lte        Operator = "<="
	Gt         Operator = ">"
	Gte        Operator = ">="
	Like       Operator = "like"
	ILike      Operator = "ilike"
	In         Operator = "in"
	NotIn      Operator = "not-in"
	Between    Operator = "between"
	NotBetween Operator = "not-between"
	IsNull     Operator = "is-null"
	IsNotNull  Operator = "is-not-null"
)

// operandCount returns the number of operands the operator takes; -1 means
// one or more.
func (op Operator) operandCount() int {
	switch op {
	case IsNull, IsNotNull:
		return 0
	case Between, NotBetween:
		return 2
	case In, NotIn:
		return -1
	default:
		return 1
	}
}

func (op Operator) valid() bool {
	switch op {
	case Eq, Neq, Lt, Lte, Gt, Gte, Like, ILike,
		In, NotIn, Between, NotBetween, IsNull, IsNotNull:
		return true
	}
	return false
}

// verb is the statement verb the builder renders.
type verb int

const (
	verbSelect verb = iota
	verbInsert
	verbUpdate
	verbDelete
)

// condition is one Where clause entry.
type condition struct {
	column string
	op     Operator
	values []any
}

// join is one explicit join clause.
type join struct {
	kind  string // INNER, LEFT, RIGHT
	table string
	on    string
	// document backends express joins as lookup stages
	localField   string
	foreignField string
	as           string
}

// order is one ORDER BY entry.
type order struct {
	column string
	desc   bool
}

// assignment is one SET or VALUES entry, kept ordered for deterministic
// rendering.
type assignment struct {
	column string
	value  any
}

// Builder composes one statement. The zero value is not usable; use New.
type Builder struct {
	dialect Dialect

	verb        verb
	table       string
	alias       string
	columns     []string
	conditions  []condition
	joins       []join
	groupBy     []string
	having      []condition
	orderBy     []order
	limit       int64
	offset      int64
	assignments []assignment

	err error
}

// New returns a builder for the given dialect.
func New(dialect Dialect) *Builder {
	b := &Builder{}
	switch dialect {
	case Postgres, MySQL, Mongo:
		b.dialect = dialect
	default:
		b.err = trace.BadParameter("unsupported dialect %q", dialect)
	}
	return b
}

// Clone returns an independent copy of the builder.
func (b *Builder) Clone() *Builder {
	out := *b
	out.columns = slices.Clone(b.columns)
	out.conditions = slices.Clone(b.conditions)
	out.joins = slices.Clone(b.joins)
	out.groupBy = slices.Clone(b.groupBy)
	out.having = slices.Clone(b.having)
	out.orderBy = slices.Clone(b.orderBy)
	out.assignments = slices.Clone(b.assignments)
	return &out
}

// Reset returns the builder to its initial state, keeping the dialect.
func (b *Builder) Reset() *Builder {
	*b = Builder{dialect: b.dialect}
	return b
}

// Select starts a select statement over the given columns. No columns
// means wildcard.
func (b *Builder) Select(columns ...string) *Builder {
	b.verb = verbSelect
	b.columns = slices.Clone(columns)
	return b
}

// From names the table or collection, with an optional "name alias" pair.
func (b *Builder) From(table string) *Builder {
	b.table = table
	return b
}

// As sets the table alias.
func (b *Builder) As(alias string) *Builder {
	b.alias = alias
	return b
}

// InsertInto starts an insert statement.
func (b *Builder) InsertInto(table string) *Builder {
	b.verb = verbInsert
	b.table = table
	return b
}

// Update starts an update statement.
func (b *Builder) Update(table string) *Builder {
	b.verb = verbUpdate
	b.table = table
	return b
}

// DeleteFrom starts a delete statement.
func (b *Builder) DeleteFrom(table string) *Builder {
	b.verb = verbDelete
	b.table = table
	return b
}

// Set adds a column assignment for insert and update statements.
func (b *Builder) Set(column string, value any) *Builder {
	b.assignments = append(b.assignments, assignment{column: column, value: value})
	return b
}

// Where adds a condition. Conditions combine with AND.
func (b *Builder) Where(column string, op Operator, values ...any) *Builder {
	b.addCondition(&b.conditions, column, op, values)
	return b
}

// Having adds a post-aggregation condition.
func (b *Builder) Having(column string, op Operator, values ...any) *Builder {
	b.addCondition(&b.having, column, op, values)
	return b
}

func (b *Builder) addCondition(dst *[]condition, column string, op Operator, values []any) {
	if b.err != nil {
		return
	}
	if !op.valid() {
		b.err = trace.BadParameter("unsupported operator %q", op)
		return
	}
	switch want := op.operandCount(); {
	case want == -1 && len(values) == 0:
		b.err = trace.BadParameter("operator %q requires at least one operand", op)
		return
	case want >= 0 && len(values) != want:
		b.err = trace.BadParameter("operator %q requires %d operands, got %d", op, want, len(values))
		return
	}
	*dst = append(*dst, condition{column: column, op: op, values: slices.Clone(values)})
}

// Join adds an inner join. The on clause is rendered verbatim on SQL
// dialects; document dialects require JoinFields instead.
func (b *Builder) Join(table, on string) *Builder {
	b.joins = append(b.joins, join{kind: "INNER", table: table, on: on})
	return b
}

// LeftJoin adds a left outer join.
func (b *Builder) LeftJoin(table, on string) *Builder {
	b.joins = append(b.joins, join{kind: "LEFT", table: table, on: on})
	return b
}

// JoinFields adds a join by field equality, the form document dialects can
// express as a lookup stage. SQL dialects render it as an inner join on
// equality.
func (b *Builder) JoinFields(table, localField, foreignField, as string) *Builder {
	b.joins = append(b.joins, join{
		kind:         "INNER",
		table:        table,
		localField:   localField,
		foreignField: foreignField,
		as:           as,
	})
	return b
}

// GroupBy adds grouping columns.
func (b *Builder) GroupBy(columns ...string) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// OrderBy adds an ascending sort key.
func (b *Builder) OrderBy(column string) *Builder {
	b.orderBy = append(b.orderBy, order{column: column})
	return b
}

// OrderByDesc adds a descending sort key.
func (b *Builder) OrderByDesc(column string) *Builder {
	b.orderBy = append(b.orderBy, order{column: column, desc: true})
	return b
}

// Limit bounds the result set size.
func (b *Builder) Limit(n int64) *Builder {
	if b.err == nil && n < 0 {
		b.err = trace.BadParameter("negative limit %d", n)
		return b
	}
	b.limit = n
	return b
}

// Offset skips the first n rows.
func (b *Builder) Offset(n int64) *Builder {
	if b.err == nil && n < 0 {
		b.err = trace.BadParameter("negative offset %d", n)
		return b
	}
	b.offset = n
	return b
}

// Page sets limit and offset from 1-based pagination.
func (b *Builder) Page(page, perPage int64) *Builder {
	if b.err == nil && (page < 1 || perPage < 1) {
		b.err = trace.BadParameter("invalid page %d of size %d", page, perPage)
		return b
	}
	return b.Limit(perPage).Offset((page - 1) * perPage)
}

// Built is a rendered statement: SQL text with ordered parameters, or a
// document operation descriptor.
type Built struct {
	// SQL is the parameterized statement for SQL dialects.
	SQL string
	// Params are the ordered parameter values for SQL dialects.
	Params []any
	// Document is the JSON operation descriptor for document dialects.
	Document string
}

// Build renders the statement. The builder is left unchanged.
func (b *Builder) Build() (*Built, error) {
	if b.err != nil {
		return nil, trace.Wrap(b.err)
	}
	if b.table == "" {
		return nil, trace.BadParameter("no table or collection set")
	}
	if b.dialect == Mongo {
		return b.buildDocument()
	}
	return b.buildSQL()
}
