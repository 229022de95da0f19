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

package connector

import (
	"encoding/json"
	"strings"
)

// OpKind is a backend-agnostic operation kind. Classification drives
// metrics and policy checks; it never rewrites the query.
type OpKind string

const (
	// OpKindRead is a row or document read.
	OpKindRead OpKind = "read"
	// OpKindWrite is an insert or update.
	OpKindWrite OpKind = "write"
	// OpKindDelete is a row or document deletion.
	OpKindDelete OpKind = "delete"
	// OpKindSchema is a DDL operation.
	OpKindSchema OpKind = "schema"
	// OpKindTransaction is transaction control.
	OpKindTransaction OpKind = "transaction"
	// OpKindAdmin is privilege or server administration.
	OpKindAdmin OpKind = "admin"
	// OpKindUtility is a diagnostic or session utility.
	OpKindUtility OpKind = "utility"
	// OpKindUnknown is the fallback for unclassified operations.
	OpKindUnknown OpKind = "unknown"
)

// sqlKinds maps a statement's first keyword to its kind.
var sqlKinds = map[string]OpKind{
	"select":   OpKindRead,
	"with":     OpKindRead,
	"insert":   OpKindWrite,
	"update":   OpKindWrite,
	"replace":  OpKindWrite,
	"merge":    OpKindWrite,
	"delete":   OpKindDelete,
	"create":   OpKindSchema,
	"drop":     OpKindSchema,
	"alter":    OpKindSchema,
	"truncate": OpKindSchema,
	"begin":    OpKindTransaction,
	"start":    OpKindTransaction,
	"commit":   OpKindTransaction,
	"rollback": OpKindTransaction,
	"grant":    OpKindAdmin,
	"revoke":   OpKindAdmin,
	"set":      OpKindAdmin,
	"show":     OpKindUtility,
	"explain":  OpKindUtility,
	"describe": OpKindUtility,
	"analyze":  OpKindUtility,
	"vacuum":   OpKindUtility,
	"use":      OpKindUtility,
}

// DetectSQLOpKind classifies a SQL statement by its first keyword.
func DetectSQLOpKind(query string) OpKind {
	query = strings.TrimSpace(query)
	// skip leading comments
	for strings.HasPrefix(query, "--") {
		if i := strings.IndexByte(query, '\n'); i >= 0 {
			query = strings.TrimSpace(query[i+1:])
		} else {
			return OpKindUnknown
		}
	}
	word, _, _ := strings.Cut(query, " ")
	word = strings.TrimRight(strings.ToLower(word), ";(")
	if kind, ok := sqlKinds[word]; ok {
		return kind
	}
	return OpKindUnknown
}

// DetectDocumentOpKind classifies a document-backend operation descriptor
// by the fields present in it.
func DetectDocumentOpKind(doc string) OpKind {
	var op map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &op); err != nil {
		return OpKindUnknown
	}
	switch {
	case hasKey(op, "pipeline"):
		return OpKindRead
	case hasKey(op, "update"):
		return OpKindWrite
	case hasKey(op, "documents"):
		return OpKindWrite
	case hasKey(op, "delete"):
		return OpKindDelete
	case hasKey(op, "filter"):
		return OpKindRead
	case hasKey(op, "command"):
		return OpKindAdmin
	default:
		return OpKindUnknown
	}
}

func hasKey(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}
