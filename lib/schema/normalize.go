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
	"strings"
)

var postgresTypes = map[string]ColumnType{
	"smallint":                    TypeSmallInt,
	"int2":                        TypeSmallInt,
	"integer":                     TypeInteger,
	"int":                         TypeInteger,
	"int4":                        TypeInteger,
	"serial":                      TypeInteger,
	"bigint":                      TypeBigInt,
	"int8":                        TypeBigInt,
	"bigserial":                   TypeBigInt,
	"real":                        TypeFloat,
	"float4":                      TypeFloat,
	"double precision":            TypeFloat,
	"float8":                      TypeFloat,
	"numeric":                     TypeDecimal,
	"decimal":                     TypeDecimal,
	"money":                       TypeDecimal,
	"character varying":           TypeString,
	"varchar":                     TypeString,
	"character":                   TypeString,
	"char":                        TypeString,
	"text":                        TypeText,
	"boolean":                     TypeBoolean,
	"bool":                        TypeBoolean,
	"date":                        TypeDate,
	"time without time zone":      TypeTime,
	"time with time zone":         TypeTime,
	"timestamp without time zone": TypeTimestamp,
	"timestamp with time zone":    TypeTimestamp,
	"timestamptz":                 TypeTimestamp,
	"bytea":                       TypeBinary,
	"json":                        TypeJSON,
	"jsonb":                       TypeJSON,
	"uuid":                        TypeUUID,
	"array":                       TypeArray,
}

var mysqlTypes = map[string]ColumnType{
	"tinyint":    TypeSmallInt,
	"smallint":   TypeSmallInt,
	"mediumint":  TypeInteger,
	"int":        TypeInteger,
	"integer":    TypeInteger,
	"bigint":     TypeBigInt,
	"float":      TypeFloat,
	"double":     TypeFloat,
	"decimal":    TypeDecimal,
	"numeric":    TypeDecimal,
	"varchar":    TypeString,
	"char":       TypeString,
	"tinytext":   TypeText,
	"text":       TypeText,
	"mediumtext": TypeText,
	"longtext":   TypeText,
	"enum":       TypeString,
	"set":        TypeString,
	"date":       TypeDate,
	"time":       TypeTime,
	"datetime":   TypeTimestamp,
	"timestamp":  TypeTimestamp,
	"year":       TypeInteger,
	"binary":     TypeBinary,
	"varbinary":  TypeBinary,
	"tinyblob":   TypeBinary,
	"blob":       TypeBinary,
	"mediumblob": TypeBinary,
	"longblob":   TypeBinary,
	"json":       TypeJSON,
	"bit":        TypeBinary,
}

var mongoTypes = map[string]ColumnType{
	"double":    TypeFloat,
	"string":    TypeString,
	"object":    TypeObject,
	"array":     TypeArray,
	"binData":   TypeBinary,
	"objectId":  TypeUUID,
	"bool":      TypeBoolean,
	"date":      TypeTimestamp,
	"null":      TypeUnknown,
	"regex":     TypeString,
	"int":       TypeInteger,
	"timestamp": TypeTimestamp,
	"long":      TypeBigInt,
	"decimal":   TypeDecimal,
}

// NormalizePostgresType maps a Postgres native type name into the closed
// type vocabulary.
func NormalizePostgresType(native string) ColumnType {
	return normalize(postgresTypes, native)
}

// NormalizeMySQLType maps a MySQL native type name into the closed type
// vocabulary.
func NormalizeMySQLType(native string) ColumnType {
	return normalize(mysqlTypes, native)
}

// NormalizeMongoType maps a BSON type name into the closed type
// vocabulary.
func NormalizeMongoType(native string) ColumnType {
	if t, ok := mongoTypes[native]; ok {
		return t
	}
	return TypeUnknown
}

func normalize(table map[string]ColumnType, native string) ColumnType {
	name := strings.ToLower(strings.TrimSpace(native))
	// strip length/precision qualifiers: varchar(255) -> varchar
	if i := strings.IndexByte(name, '('); i > 0 {
		name = strings.TrimSpace(name[:i])
	}
	// mysql reports unsigned variants: int unsigned -> int
	name = strings.TrimSuffix(name, " unsigned")
	if strings.HasSuffix(name, "[]") {
		return TypeArray
	}
	if t, ok := table[name]; ok {
		return t
	}
	return TypeUnknown
}
