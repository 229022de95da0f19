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

package query

import (
	"fmt"
	"strings"

	"github.com/gravitational/trace"
)

// sqlRenderer accumulates SQL text and ordered parameters for one
// statement. Placeholder style is dialect-scoped.
type sqlRenderer struct {
	dialect Dialect
	sb      strings.Builder
	params  []any
}

// placeholder appends v to the parameters and returns its placeholder.
func (r *sqlRenderer) placeholder(v any) string {
	r.params = append(r.params, v)
	if r.dialect == Postgres {
		return fmt.Sprintf("$%d", len(r.params))
	}
	return "?"
}

// quote quotes an identifier per dialect, quoting each dot-separated part
// separately so qualified names survive. A "*" passes through.
func (r *sqlRenderer) quote(ident string) string {
	if ident == "*" || strings.HasSuffix(ident, ".*") {
		return ident
	}
	// expressions with parens or spaces pass through unquoted
	if strings.ContainsAny(ident, "( ") {
		return ident
	}
	q := `"`
	if r.dialect == MySQL {
		q = "`"
	}
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

// nativeILike reports whether the dialect has a case-insensitive LIKE.
func (r *sqlRenderer) nativeILike() bool {
	return r.dialect == Postgres
}

func (b *Builder) buildSQL() (*Built, error) {
	r := &sqlRenderer{dialect: b.dialect}
	var err error
	switch b.verb {
	case verbSelect:
		err = b.renderSelect(r)
	case verbInsert:
		err = b.renderInsert(r)
	case verbUpdate:
		err = b.renderUpdate(r)
	case verbDelete:
		err = b.renderDelete(r)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Built{SQL: r.sb.String(), Params: r.params}, nil
}

func (b *Builder) renderSelect(r *sqlRenderer) error {
	r.sb.WriteString("SELECT ")
	if len(b.columns) == 0 {
		r.sb.WriteString("*")
	} else {
		for i, col := range b.columns {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.sb.WriteString(r.quote(col))
		}
	}
	r.sb.WriteString(" FROM ")
	r.sb.WriteString(r.quote(b.table))
	if b.alias != "" {
		r.sb.WriteString(" AS ")
		r.sb.WriteString(r.quote(b.alias))
	}

	for _, j := range b.joins {
		fmt.Fprintf(&r.sb, " %s JOIN %s ON %s", j.kind, r.quote(j.table), b.joinOn(r, j))
	}
	if err := renderConditions(r, "WHERE", b.conditions); err != nil {
		return trace.Wrap(err)
	}
	if len(b.groupBy) > 0 {
		r.sb.WriteString(" GROUP BY ")
		for i, col := range b.groupBy {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.sb.WriteString(r.quote(col))
		}
	}
	if err := renderConditions(r, "HAVING", b.having); err != nil {
		return trace.Wrap(err)
	}
	if len(b.orderBy) > 0 {
		r.sb.WriteString(" ORDER BY ")
		for i, o := range b.orderBy {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.sb.WriteString(r.quote(o.column))
			if o.desc {
				r.sb.WriteString(" DESC")
			}
		}
	}
	renderLimit(r, b.limit, b.offset)
	return nil
}

func (b *Builder) joinOn(r *sqlRenderer, j join) string {
	if j.on != "" {
		return j.on
	}
	return fmt.Sprintf("%s = %s",
		r.quote(b.table+"."+j.localField),
		r.quote(j.table+"."+j.foreignField))
}

// renderLimit renders the limit clause. Both supported SQL dialects accept
// LIMIT n OFFSET m; MySQL additionally requires a limit when offset is
// present, so a bare offset renders the dialect's unbounded limit.
func renderLimit(r *sqlRenderer, limit, offset int64) {
	if limit > 0 {
		fmt.Fprintf(&r.sb, " LIMIT %d", limit)
	} else if offset > 0 && r.dialect == MySQL {
		// MySQL has no OFFSET without LIMIT
		r.sb.WriteString(" LIMIT 18446744073709551615")
	}
	if offset > 0 {
		fmt.Fprintf(&r.sb, " OFFSET %d", offset)
	}
}

func (b *Builder) renderInsert(r *sqlRenderer) error {
	if len(b.assignments) == 0 {
		return trace.BadParameter("insert requires at least one assignment")
	}
	r.sb.WriteString("INSERT INTO ")
	r.sb.WriteString(r.quote(b.table))
	r.sb.WriteString(" (")
	for i, a := range b.assignments {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		r.sb.WriteString(r.quote(a.column))
	}
	r.sb.WriteString(") VALUES (")
	for i, a := range b.assignments {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		r.sb.WriteString(r.placeholder(a.value))
	}
	r.sb.WriteString(")")
	return nil
}

func (b *Builder) renderUpdate(r *sqlRenderer) error {
	if len(b.assignments) == 0 {
		return trace.BadParameter("update requires at least one assignment")
	}
	r.sb.WriteString("UPDATE ")
	r.sb.WriteString(r.quote(b.table))
	r.sb.WriteString(" SET ")
	for i, a := range b.assignments {
		if i > 0 {
			r.sb.WriteString(", ")
		}
		r.sb.WriteString(r.quote(a.column))
		r.sb.WriteString(" = ")
		r.sb.WriteString(r.placeholder(a.value))
	}
	return trace.Wrap(renderConditions(r, "WHERE", b.conditions))
}

func (b *Builder) renderDelete(r *sqlRenderer) error {
	r.sb.WriteString("DELETE FROM ")
	r.sb.WriteString(r.quote(b.table))
	return trace.Wrap(renderConditions(r, "WHERE", b.conditions))
}

func renderConditions(r *sqlRenderer, keyword string, conditions []condition) error {
	if len(conditions) == 0 {
		return nil
	}
	r.sb.WriteString(" ")
	r.sb.WriteString(keyword)
	r.sb.WriteString(" ")
	for i, c := range conditions {
		if i > 0 {
			r.sb.WriteString(" AND ")
		}
		if err := renderCondition(r, c); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func renderCondition(r *sqlRenderer, c condition) error {
	col := r.quote(c.column)
	switch c.op {
	case Eq, Neq, Lt, Lte, Gt, Gte:
		op := string(c.op)
		if c.op == Neq {
			op = "<>"
		}
		fmt.Fprintf(&r.sb, "%s %s %s", col, op, r.placeholder(c.values[0]))
	case Like:
		fmt.Fprintf(&r.sb, "%s LIKE %s", col, r.placeholder(c.values[0]))
	case ILike:
		if r.nativeILike() {
			fmt.Fprintf(&r.sb, "%s ILIKE %s", col, r.placeholder(c.values[0]))
		} else {
			fmt.Fprintf(&r.sb, "LOWER(%s) LIKE LOWER(%s)", col, r.placeholder(c.values[0]))
		}
	case In, NotIn:
		if c.op == NotIn {
			fmt.Fprintf(&r.sb, "%s NOT IN (", col)
		} else {
			fmt.Fprintf(&r.sb, "%s IN (", col)
		}
		for i, v := range c.values {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			r.sb.WriteString(r.placeholder(v))
		}
		r.sb.WriteString(")")
	case Between, NotBetween:
		not := ""
		if c.op == NotBetween {
			not = "NOT "
		}
		fmt.Fprintf(&r.sb, "%s %sBETWEEN %s AND %s",
			col, not, r.placeholder(c.values[0]), r.placeholder(c.values[1]))
	case IsNull:
		fmt.Fprintf(&r.sb, "%s IS NULL", col)
	case IsNotNull:
		fmt.Fprintf(&r.sb, "%s IS NOT NULL", col)
	default:
		return trace.BadParameter("unsupported operator %q", c.op)
	}
	return nil
}
