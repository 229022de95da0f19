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

package mongodb

import (
	"context"
	"sort"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/defaults"
	"github.com/gravitational/conduit/lib/schema"
)

// SchemaInfo infers a schema snapshot by sampling recent documents from
// each collection. MongoDB is schemaless, so the columns are the union of
// fields observed in the sample; a field absent from any sampled document
// is reported nullable.
func (c *Connector) SchemaInfo(ctx context.Context, scope schema.Scope) (*schema.Snapshot, error) {
	if s := c.State(); s != connector.StateConnected {
		return nil, connector.ErrNotConnected(s)
	}
	release, err := c.AcquireSlot(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer release()

	start := c.Clock().Now()
	db := c.client.Database(c.Config().Database)
	snapshot := &schema.Snapshot{
		Database:   c.Config().Database,
		Dialect:    string(connector.BackendMongo),
		ServerInfo: c.serverInfo(ctx),
		AnalyzedAt: start,
	}

	names, err := db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, connector.ConvertError(err)
	}
	sort.Strings(names)

	for _, name := range names {
		if !scope.Covers(name) {
			continue
		}
		table, err := c.walkCollection(ctx, db.Collection(name))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		snapshot.Tables = append(snapshot.Tables, *table)
	}
	snapshot.AnalysisDuration = c.Clock().Now().Sub(start)
	return snapshot, nil
}

func (c *Connector) walkCollection(ctx context.Context, coll *mongo.Collection) (*schema.Table, error) {
	table := &schema.Table{Name: coll.Name()}

	count, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return nil, connector.ConvertError(err)
	}
	table.ApproxRows = count

	if err := c.sampleFields(ctx, coll, table); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := c.walkCollectionIndexes(ctx, coll, table); err != nil {
		return nil, trace.Wrap(err)
	}
	return table, nil
}

// sampleFields unions the fields of up to SchemaSampleSize recent
// documents into inferred columns.
func (c *Connector) sampleFields(ctx context.Context, coll *mongo.Collection, table *schema.Table) error {
	cursor, err := coll.Find(ctx, bson.M{}, options.Find().
		SetLimit(int64(defaults.SchemaSampleSize)).
		SetSort(bson.M{"_id": -1}))
	if err != nil {
		return connector.ConvertError(err)
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	type fieldInfo struct {
		bsonType string
		seen     int
	}
	fields := make(map[string]*fieldInfo)
	sampled := 0
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return connector.ConvertError(err)
		}
		sampled++
		for name, value := range doc {
			info, ok := fields[name]
			if !ok {
				info = &fieldInfo{bsonType: bsonTypeName(value)}
				fields[name] = info
			}
			info.seen++
		}
	}
	if err := cursor.Err(); err != nil {
		return connector.ConvertError(err)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		info := fields[name]
		table.Columns = append(table.Columns, schema.Column{
			Name:       name,
			Type:       schema.NormalizeMongoType(info.bsonType),
			NativeType: info.bsonType,
			Nullable:   info.seen < sampled,
			Position:   i + 1,
		})
	}
	return nil
}

func (c *Connector) walkCollectionIndexes(ctx context.Context, coll *mongo.Collection, table *schema.Table) error {
	cursor, err := coll.Indexes().List(ctx)
	if err != nil {
		return connector.ConvertError(err)
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	for cursor.Next(ctx) {
		var spec struct {
			Name   string `bson:"name"`
			Key    bson.D `bson:"key"`
			Unique bool   `bson:"unique"`
		}
		if err := cursor.Decode(&spec); err != nil {
			return connector.ConvertError(err)
		}
		idx := schema.Index{
			Name:    spec.Name,
			Unique:  spec.Unique || spec.Name == "_id_",
			Primary: spec.Name == "_id_",
		}
		for _, key := range spec.Key {
			idx.Columns = append(idx.Columns, key.Key)
		}
		table.Indexes = append(table.Indexes, idx)
	}
	return trace.Wrap(cursor.Err())
}

// bsonTypeName names a decoded BSON value using the server's type
// vocabulary, matching what $type would report.
func bsonTypeName(v any) string {
	switch v.(type) {
	case float64, float32:
		return "double"
	case string:
		return "string"
	case bson.M, bson.D, map[string]any:
		return "object"
	case primitive.A, []any:
		return "array"
	case primitive.Binary, []byte:
		return "binData"
	case primitive.ObjectID:
		return "objectId"
	case bool:
		return "bool"
	case primitive.DateTime:
		return "date"
	case nil:
		return "null"
	case primitive.Regex:
		return "regex"
	case int32, int:
		return "int"
	case primitive.Timestamp:
		return "timestamp"
	case int64:
		return "long"
	case primitive.Decimal128:
		return "decimal"
	default:
		return "unknown"
	}
}
