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
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestSelectPostgres(t *testing.T) {
	built, err := New(Postgres).
		Select("id", "name").
		From("users").
		Where("age", Gte, 21).
		Where("state", In, "active", "pending").
		OrderByDesc("created_at").
		Limit(10).
		Offset(20).
		Build()
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "id", "name" FROM "users" WHERE "age" >= $1 AND "state" IN ($2, $3) ORDER BY "created_at" DESC LIMIT 10 OFFSET 20`,
		built.SQL)
	require.Equal(t, []any{21, "active", "pending"}, built.Params)
}

func TestSelectMySQL(t *testing.T) {
	built, err := New(MySQL).
		Select("id").
		From("users").
		Where("name", ILike, "ali%").
		Build()
	require.NoError(t, err)
	require.Equal(t,
		"SELECT `id` FROM `users` WHERE LOWER(`name`) LIKE LOWER(?)",
		built.SQL)
	require.Equal(t, []any{"ali%"}, built.Params)
}

func TestSelectWildcardAndAlias(t *testing.T) {
	built, err := New(Postgres).
		Select().
		From("users").As("u").
		Build()
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "users" AS "u"`, built.SQL)
	require.Empty(t, built.Params)
}

func TestJoins(t *testing.T) {
	built, err := New(Postgres).
		Select("users.id", "orders.total").
		From("users").
		JoinFields("orders", "id", "user_id", "").
		Build()
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "users"."id", "orders"."total" FROM "users" INNER JOIN "orders" ON "users"."id" = "orders"."user_id"`,
		built.SQL)

	built, err = New(MySQL).
		Select().
		From("users").
		LeftJoin("orders", "users.id = orders.user_id").
		Build()
	require.NoError(t, err)
	require.Equal(t,
		"SELECT * FROM `users` LEFT JOIN `orders` ON users.id = orders.user_id",
		built.SQL)
}

func TestGroupByHaving(t *testing.T) {
	built, err := New(Postgres).
		Select("state", "COUNT(*)").
		From("users").
		GroupBy("state").
		Having("COUNT(*)", Gt, 5).
		Build()
	require.NoError(t, err)
	require.Equal(t,
		`SELECT "state", COUNT(*) FROM "users" GROUP BY "state" HAVING COUNT(*) > $1`,
		built.SQL)
	require.Equal(t, []any{5}, built.Params)
}

func TestConditionOperators(t *testing.T) {
	built, err := New(Postgres).
		Select().
		From("t").
		Where("a", Neq, 1).
		Where("b", Between, 1, 10).
		Where("c", IsNull).
		Where("d", IsNotNull).
		Where("e", NotIn, 1, 2).
		Build()
	require.NoError(t, err)
	require.Equal(t,
		`SELECT * FROM "t" WHERE "a" <> $1 AND "b" BETWEEN $2 AND $3 AND "c" IS NULL AND "d" IS NOT NULL AND "e" NOT IN ($4, $5)`,
		built.SQL)
	require.Equal(t, []any{1, 1, 10, 1, 2}, built.Params)
}

func TestInsert(t *testing.T) {
	built, err := New(MySQL).
		InsertInto("users").
		Set("name", "alice").
		Set("age", 30).
		Build()
	require.NoError(t, err)
	require.Equal(t, "INSERT INTO `users` (`name`, `age`) VALUES (?, ?)", built.SQL)
	require.Equal(t, []any{"alice", 30}, built.Params)
}

func TestUpdate(t *testing.T) {
	built, err := New(Postgres).
		Update("users").
		Set("name", "bob").
		Where("id", Eq, 7).
		Build()
	require.NoError(t, err)
	require.Equal(t, `UPDATE "users" SET "name" = $1 WHERE "id" = $2`, built.SQL)
	require.Equal(t, []any{"bob", 7}, built.Params)
}

func TestDelete(t *testing.T) {
	built, err := New(MySQL).
		DeleteFrom("users").
		Where("id", Eq, 7).
		Build()
	require.NoError(t, err)
	require.Equal(t, "DELETE FROM `users` WHERE `id` = ?", built.SQL)
	require.Equal(t, []any{7}, built.Params)
}

func TestMySQLBareOffset(t *testing.T) {
	built, err := New(MySQL).Select().From("t").Offset(5).Build()
	require.NoError(t, err)
	require.Equal(t,
		"SELECT * FROM `t` LIMIT 18446744073709551615 OFFSET 5",
		built.SQL)

	built, err = New(Postgres).Select().From("t").Offset(5).Build()
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "t" OFFSET 5`, built.SQL)
}

func TestPage(t *testing.T) {
	built, err := New(Postgres).Select().From("t").Page(3, 25).Build()
	require.NoError(t, err)
	require.Equal(t, `SELECT * FROM "t" LIMIT 25 OFFSET 50`, built.SQL)

	_, err = New(Postgres).Select().From("t").Page(0, 25).Build()
	require.True(t, trace.IsBadParameter(err))
}

func TestBuilderErrors(t *testing.T) {
	_, err := New(Postgres).Select().Build()
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Postgres).Select().From("t").Where("a", Operator("~"), 1).Build()
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Postgres).Select().From("t").Where("a", Between, 1).Build()
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Postgres).Select().From("t").Where("a", In).Build()
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Postgres).Select().From("t").Limit(-1).Build()
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Postgres).InsertInto("t").Build()
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Dialect("oracle")).Select().From("t").Build()
	require.True(t, trace.IsBadParameter(err))
}

func TestBuildIsPure(t *testing.T) {
	b := New(Postgres).Select("id").From("users").Where("id", Eq, 1)
	first, err := b.Build()
	require.NoError(t, err)
	second, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, first.SQL, second.SQL)
	require.Equal(t, first.Params, second.Params)
}

func TestCloneIsIndependent(t *testing.T) {
	base := New(Postgres).Select("id").From("users")
	clone := base.Clone().Where("id", Eq, 1)

	built, err := base.Build()
	require.NoError(t, err)
	require.Equal(t, `SELECT "id" FROM "users"`, built.SQL)

	built, err = clone.Build()
	require.NoError(t, err)
	require.Equal(t, `SELECT "id" FROM "users" WHERE "id" = $1`, built.SQL)
}

func TestReset(t *testing.T) {
	b := New(MySQL).Select("id").From("users").Where("id", Eq, 1)
	built, err := b.Reset().Select().From("orders").Build()
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM `orders`", built.SQL)
	require.Empty(t, built.Params)
}

// documentOf decodes a built descriptor for structural assertions.
func documentOf(t *testing.T, built *Built) map[string]any {
	t.Helper()
	require.Empty(t, built.SQL)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(built.Document), &doc))
	return doc
}

func TestDocumentFind(t *testing.T) {
	built, err := New(Mongo).
		Select("name", "age").
		From("users").
		Where("age", Gte, 21).
		Where("age", Lt, 65).
		OrderBy("name").
		Limit(10).
		Offset(5).
		Build()
	require.NoError(t, err)
	doc := documentOf(t, built)
	require.Equal(t, "users", doc["collection"])
	require.Equal(t, map[string]any{
		"age": map[string]any{"$gte": float64(21), "$lt": float64(65)},
	}, doc["filter"])
	require.Equal(t, map[string]any{"name": float64(1), "age": float64(1)}, doc["projection"])
	require.Equal(t, map[string]any{"name": float64(1)}, doc["sort"])
	require.Equal(t, float64(10), doc["limit"])
	require.Equal(t, float64(5), doc["skip"])
}

func TestDocumentLike(t *testing.T) {
	built, err := New(Mongo).
		Select().
		From("users").
		Where("name", ILike, "ali%_x.").
		Build()
	require.NoError(t, err)
	doc := documentOf(t, built)
	require.Equal(t, map[string]any{
		"name": map[string]any{"$regex": `^ali.*.x\.$`, "$options": "i"},
	}, doc["filter"])
}

func TestDocumentPipeline(t *testing.T) {
	built, err := New(Mongo).
		Select().
		From("orders").
		JoinFields("users", "user_id", "id", "user").
		GroupBy("status").
		OrderByDesc("count").
		Build()
	require.NoError(t, err)
	doc := documentOf(t, built)
	require.Equal(t, "orders", doc["collection"])

	pipeline, ok := doc["pipeline"].([]any)
	require.True(t, ok)
	require.Len(t, pipeline, 4)

	lookup := pipeline[0].(map[string]any)["$lookup"].(map[string]any)
	require.Equal(t, "users", lookup["from"])
	require.Equal(t, "user_id", lookup["localField"])
	require.Equal(t, "id", lookup["foreignField"])
	require.Equal(t, "user", lookup["as"])
	require.Equal(t, "$user", pipeline[1].(map[string]any)["$unwind"])

	group := pipeline[2].(map[string]any)["$group"].(map[string]any)
	require.Equal(t, map[string]any{"status": "$status"}, group["_id"])

	require.Equal(t, map[string]any{"count": float64(-1)},
		pipeline[3].(map[string]any)["$sort"])
}

func TestDocumentJoinRequiresFields(t *testing.T) {
	_, err := New(Mongo).
		Select().
		From("orders").
		Join("users", "orders.user_id = users.id").
		Build()
	require.True(t, trace.IsBadParameter(err))
}

func TestDocumentWrites(t *testing.T) {
	built, err := New(Mongo).
		InsertInto("users").
		Set("name", "alice").
		Build()
	require.NoError(t, err)
	doc := documentOf(t, built)
	require.Equal(t, []any{map[string]any{"name": "alice"}}, doc["documents"])

	built, err = New(Mongo).
		Update("users").
		Set("age", 31).
		Where("name", Eq, "alice").
		Build()
	require.NoError(t, err)
	doc = documentOf(t, built)
	require.Equal(t, map[string]any{
		"$set": map[string]any{"age": float64(31)},
	}, doc["update"])
	require.Equal(t, true, doc["many"])

	built, err = New(Mongo).
		DeleteFrom("users").
		Where("name", Eq, "alice").
		Build()
	require.NoError(t, err)
	doc = documentOf(t, built)
	require.Equal(t, map[string]any{
		"name": map[string]any{"$eq": "alice"},
	}, doc["delete"])
	require.Equal(t, true, doc["many"])
}
