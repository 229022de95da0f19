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
	"encoding/json"
	"strings"

	"github.com/gravitational/trace"
)

// buildDocument renders the statement as a JSON operation descriptor as
// consumed by the mongodb connector. Joins and grouping force the
// aggregation pipeline form; plain reads render a find descriptor.
func (b *Builder) buildDocument() (*Built, error) {
	var descriptor map[string]any
	var err error
	switch b.verb {
	case verbSelect:
		descriptor, err = b.documentRead()
	case verbInsert:
		descriptor, err = b.documentInsert()
	case verbUpdate:
		descriptor, err = b.documentUpdate()
	case verbDelete:
		descriptor, err = b.documentDelete()
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	raw, err := json.Marshal(descriptor)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Built{Document: string(raw)}, nil
}

func (b *Builder) documentRead() (map[string]any, error) {
	filter, err := filterFrom(b.conditions)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(b.joins) == 0 && len(b.groupBy) == 0 && len(b.having) == 0 {
		descriptor := map[string]any{
			"collection": b.table,
			"filter":     filter,
		}
		if len(b.columns) > 0 {
			descriptor["projection"] = projectionFrom(b.columns)
		}
		if len(b.orderBy) > 0 {
			descriptor["sort"] = sortFrom(b.orderBy)
		}
		if b.limit > 0 {
			descriptor["limit"] = b.limit
		}
		if b.offset > 0 {
			descriptor["skip"] = b.offset
		}
		return descriptor, nil
	}
	return b.documentPipeline(filter)
}

// documentPipeline renders joins and grouping as an aggregation pipeline:
// match, lookup+unwind per join, group, post-group match, sort, skip,
// limit, projection.
func (b *Builder) documentPipeline(filter map[string]any) (map[string]any, error) {
	var pipeline []map[string]any
	if len(filter) > 0 {
		pipeline = append(pipeline, map[string]any{"$match": filter})
	}
	for _, j := range b.joins {
		if j.localField == "" || j.foreignField == "" {
			return nil, trace.BadParameter(
				"document joins require field equality, use JoinFields")
		}
		as := j.as
		if as == "" {
			as = j.table
		}
		pipeline = append(pipeline,
			map[string]any{"$lookup": map[string]any{
				"from":         j.table,
				"localField":   j.localField,
				"foreignField": j.foreignField,
				"as":           as,
			}},
			map[string]any{"$unwind": "$" + as},
		)
	}
	if len(b.groupBy) > 0 {
		id := make(map[string]any, len(b.groupBy))
		for _, col := range b.groupBy {
			id[strings.ReplaceAll(col, ".", "_")] = "$" + col
		}
		pipeline = append(pipeline, map[string]any{"$group": map[string]any{
			"_id":   id,
			"count": map[string]any{"$sum": 1},
		}})
	}
	if len(b.having) > 0 {
		havingFilter, err := filterFrom(b.having)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		pipeline = append(pipeline, map[string]any{"$match": havingFilter})
	}
	if len(b.orderBy) > 0 {
		pipeline = append(pipeline, map[string]any{"$sort": sortFrom(b.orderBy)})
	}
	if b.offset > 0 {
		pipeline = append(pipeline, map[string]any{"$skip": b.offset})
	}
	if b.limit > 0 {
		pipeline = append(pipeline, map[string]any{"$limit": b.limit})
	}
	if len(b.columns) > 0 {
		pipeline = append(pipeline, map[string]any{"$project": projectionFrom(b.columns)})
	}
	return map[string]any{
		"collection": b.table,
		"pipeline":   pipeline,
	}, nil
}

func (b *Builder) documentInsert() (map[string]any, error) {
	if len(b.assignments) == 0 {
		return nil, trace.BadParameter("insert requires at least one assignment")
	}
	doc := make(map[string]any, len(b.assignments))
	for _, a := range b.assignments {
		doc[a.column] = a.value
	}
	return map[string]any{
		"collection": b.table,
		"documents":  []any{doc},
	}, nil
}

func (b *Builder) documentUpdate() (map[string]any, error) {
	if len(b.assignments) == 0 {
		return nil, trace.BadParameter("update requires at least one assignment")
	}
	filter, err := filterFrom(b.conditions)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	set := make(map[string]any, len(b.assignments))
	for _, a := range b.assignments {
		set[a.column] = a.value
	}
	return map[string]any{
		"collection": b.table,
		"filter":     filter,
		"update":     map[string]any{"$set": set},
		"many":       true,
	}, nil
}

func (b *Builder) documentDelete() (map[string]any, error) {
	filter, err := filterFrom(b.conditions)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{
		"collection": b.table,
		"delete":     filter,
		"many":       true,
	}, nil
}

// filterFrom converts conditions into a document filter. Conditions on the
// same column merge into one operator map.
func filterFrom(conditions []condition) (map[string]any, error) {
	filter := make(map[string]any)
	for _, c := range conditions {
		clause, err := clauseFrom(c)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if existing, ok := filter[c.column].(map[string]any); ok {
			for k, v := range clause {
				existing[k] = v
			}
		} else {
			filter[c.column] = clause
		}
	}
	return filter, nil
}

func clauseFrom(c condition) (map[string]any, error) {
	switch c.op {
	case Eq:
		return map[string]any{"$eq": c.values[0]}, nil
	case Neq:
		return map[string]any{"$ne": c.values[0]}, nil
	case Lt:
		return map[string]any{"$lt": c.values[0]}, nil
	case Lte:
		return map[string]any{"$lte": c.values[0]}, nil
	case Gt:
		return map[string]any{"$gt": c.values[0]}, nil
	case Gte:
		return map[string]any{"$gte": c.values[0]}, nil
	case Like:
		return map[string]any{"$regex": likePattern(c.values[0])}, nil
	case ILike:
		return map[string]any{
			"$regex":   likePattern(c.values[0]),
			"$options": "i",
		}, nil
	case In:
		return map[string]any{"$in": c.values}, nil
	case NotIn:
		return map[string]any{"$nin": c.values}, nil
	case Between:
		return map[string]any{"$gte": c.values[0], "$lte": c.values[1]}, nil
	case NotBetween:
		return map[string]any{
			"$not": map[string]any{"$gte": c.values[0], "$lte": c.values[1]},
		}, nil
	case IsNull:
		return map[string]any{"$eq": nil}, nil
	case IsNotNull:
		return map[string]any{"$ne": nil}, nil
	}
	return nil, trace.BadParameter("unsupported operator %q", c.op)
}

// likePattern converts a SQL LIKE pattern into an anchored regular
// expression: % matches any run, _ matches one character.
func likePattern(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range s {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		case '.', '+', '*', '?', '(', ')', '[', ']', '{', '}', '^', '$', '\\', '|':
			sb.WriteString("\\")
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteString("$")
	return sb.String()
}

func projectionFrom(columns []string) map[string]any {
	projection := make(map[string]any, len(columns))
	for _, col := range columns {
		projection[col] = 1
	}
	return projection
}

func sortFrom(orderBy []order) map[string]any {
	sort := make(map[string]any, len(orderBy))
	for _, o := range orderBy {
		if o.desc {
			sort[o.column] = -1
		} else {
			sort[o.column] = 1
		}
	}
	return sort
}
