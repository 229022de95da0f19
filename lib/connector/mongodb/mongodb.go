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

// Package mongodb implements the connector contract for MongoDB. Queries
// are JSON operation descriptors rather than SQL text; the descriptor's
// fields select the operation.
package mongodb

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/defaults"
)

// Connector implements connector.Connector for MongoDB.
type Connector struct {
	*connector.Base

	client *mongo.Client
}

// New returns an unconnected MongoDB connector.
func New(cfg connector.Config, clock clockwork.Clock) (*Connector, error) {
	base, err := connector.NewBase(cfg, clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Connector{Base: base}, nil
}

// operation is a parsed JSON operation descriptor. Exactly one of the
// operation-selecting fields (filter, pipeline, documents, update, delete,
// command) is expected; filter doubles as the match clause for update.
type operation struct {
	// Collection names the target collection. Required for everything but
	// database commands.
	Collection string `json:"collection,omitempty"`
	// Filter is the match document for find and update operations.
	Filter map[string]any `json:"filter,omitempty"`
	// Pipeline is an aggregation pipeline.
	Pipeline []map[string]any `json:"pipeline,omitempty"`
	// Documents are documents to insert.
	Documents []map[string]any `json:"documents,omitempty"`
	// Update is the update document applied to matches of Filter.
	Update map[string]any `json:"update,omitempty"`
	// Delete is the match document for a deletion.
	Delete map[string]any `json:"delete,omitempty"`
	// Command is a raw database command, order-preserving.
	Command json.RawMessage `json:"command,omitempty"`
	// Sort, Projection, Limit and Skip shape find results.
	Sort       map[string]any `json:"sort,omitempty"`
	Projection map[string]any `json:"projection,omitempty"`
	Limit      int64          `json:"limit,omitempty"`
	Skip       int64          `json:"skip,omitempty"`
	// Many applies updates and deletions to all matches instead of the
	// first.
	Many bool `json:"many,omitempty"`
	// Upsert inserts on update miss.
	Upsert bool `json:"upsert,omitempty"`
}

func parseOperation(query string) (*operation, error) {
	var op operation
	if err := json.Unmarshal([]byte(query), &op); err != nil {
		return nil, trace.BadParameter("malformed operation descriptor: %v", err)
	}
	return &op, nil
}

// Connect establishes the driver topology, probes the deployment and
// starts the background loops.
func (c *Connector) Connect(ctx context.Context) error {
	proceed, err := c.BeginConnect()
	if err != nil {
		return trace.Wrap(err)
	}
	if !proceed {
		return nil
	}
	cfg := c.Config()

	opts := options.Client().
		ApplyURI(fmt.Sprintf("mongodb://%s:%d", cfg.Host, cfg.Port)).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout).
		SetMinPoolSize(uint64(cfg.PoolMinSize)).
		SetMaxPoolSize(uint64(cfg.PoolMaxSize))
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   cfg.Username,
			Password:   cfg.Password,
			AuthSource: cfg.Option("auth_source", cfg.Database),
		})
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{ServerName: cfg.Host})
	}
	if rs := cfg.Option("replica_set", ""); rs != "" {
		opts.SetReplicaSet(rs)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		c.FailConnect(err)
		return connector.ConvertError(err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		c.FailConnect(err)
		return connector.ConvertError(err)
	}

	c.client = client
	c.FinishConnect(c.serverInfo(connectCtx))
	c.StartWorkers(c.HealthCheck, nil)
	return nil
}

func (c *Connector) serverInfo(ctx context.Context) map[string]string {
	info := map[string]string{"backend": string(connector.BackendMongo)}
	var build struct {
		Version string `bson:"version"`
	}
	res := c.client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}})
	if err := res.Decode(&build); err == nil {
		info["version"] = build.Version
	}
	return info
}

// Disconnect drains in-flight operations up to the shutdown grace and
// tears down the driver topology.
func (c *Connector) Disconnect(ctx context.Context) error {
	clean := c.Shutdown(ctx)
	if c.client != nil {
		if err := c.client.Disconnect(context.WithoutCancel(ctx)); err != nil {
			c.Log().WarnContext(ctx, "Driver disconnect failed.", "error", err)
		}
		c.client = nil
	}
	if !clean {
		c.Log().WarnContext(ctx, "Shutdown grace elapsed, topology force-closed.")
	}
	return nil
}

// TestConnection performs a round-trip probe against the primary.
func (c *Connector) TestConnection(ctx context.Context) *connector.TestResult {
	start := c.Clock().Now()
	if c.State() != connector.StateConnected {
		return &connector.TestResult{Error: connector.ErrNotConnected(c.State()).Error()}
	}
	if err := c.client.Ping(ctx, readpref.Primary()); err != nil {
		return &connector.TestResult{
			Elapsed: c.Clock().Now().Sub(start),
			Error:   connector.ConvertError(err).Error(),
		}
	}
	return &connector.TestResult{
		Success:    true,
		Elapsed:    c.Clock().Now().Sub(start),
		ServerInfo: c.serverInfo(ctx),
	}
}

// HealthCheck pings the primary with a hard timeout.
func (c *Connector) HealthCheck(ctx context.Context) bool {
	if c.State() != connector.StateConnected {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, defaults.HealthCheckTimeout)
	defer cancel()
	err := c.client.Ping(probeCtx, readpref.Primary())
	c.RecordHealth(err == nil, err)
	if err != nil {
		c.Log().WarnContext(ctx, "Health check failed.", "error", err)
	}
	return err == nil
}

// Execute runs a single operation descriptor. Positional parameters do
// not apply to document descriptors and are rejected.
func (c *Connector) Execute(ctx context.Context, query string, params ...any) (*connector.Result, error) {
	kind := connector.DetectDocumentOpKind(query)
	op := c.NewOp(kind, query, len(params))

	if len(params) > 0 {
		err := trace.BadParameter("document operations take no positional parameters")
		return failedResult(kind, c.RecordOp(op, err)), err
	}
	parsed, err := parseOperation(query)
	if err != nil {
		return failedResult(kind, c.RecordOp(op, err)), trace.Wrap(err)
	}

	release, err := c.AcquireSlot(ctx)
	if err != nil {
		return failedResult(kind, c.RecordOp(op, err)), trace.Wrap(err)
	}
	defer release()

	opCtx, cancel := context.WithTimeout(ctx, c.Config().OperationTimeout)
	defer cancel()

	result, err := c.run(opCtx, kind, parsed)
	if err != nil {
		err = connector.ConvertError(err)
		return failedResult(kind, c.RecordOp(op, err)), err
	}
	op.RowsReturned = int64(len(result.Rows))
	op.RowsAffected = result.RowsAffected
	result.Metrics = c.RecordOp(op, nil)
	return result, nil
}

func (c *Connector) run(ctx context.Context, kind connector.OpKind, op *operation) (*connector.Result, error) {
	db := c.client.Database(c.Config().Database)
	result := &connector.Result{Success: true, Kind: kind}

	switch {
	case op.Command != nil:
		// Raw commands preserve key order through extended JSON.
		var cmd bson.D
		if err := bson.UnmarshalExtJSON(op.Command, true, &cmd); err != nil {
			return nil, trace.BadParameter("malformed command document: %v", err)
		}
		var reply bson.M
		if err := db.RunCommand(ctx, cmd).Decode(&reply); err != nil {
			return nil, trace.Wrap(err)
		}
		result.Rows = []connector.Row{rowFrom(reply)}
		return result, nil

	case op.Collection == "":
		return nil, trace.BadParameter("operation descriptor is missing the collection")
	}

	coll := db.Collection(op.Collection)
	switch {
	case op.Pipeline != nil:
		pipeline := make([]bson.M, len(op.Pipeline))
		for i, stage := range op.Pipeline {
			pipeline[i] = bson.M(stage)
		}
		cursor, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defer cursor.Close(ctx)
		result.Rows, err = collectRows(ctx, cursor)
		return result, trace.Wrap(err)

	case op.Documents != nil:
		docs := make([]any, len(op.Documents))
		for i, doc := range op.Documents {
			docs[i] = bson.M(doc)
		}
		res, err := coll.InsertMany(ctx, docs)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		result.RowsAffected = int64(len(res.InsertedIDs))
		return result, nil

	case op.Update != nil:
		filter := bson.M(op.Filter)
		if filter == nil {
			filter = bson.M{}
		}
		opts := options.Update().SetUpsert(op.Upsert)
		var res *mongo.UpdateResult
		var err error
		if op.Many {
			res, err = coll.UpdateMany(ctx, filter, bson.M(op.Update), opts)
		} else {
			res, err = coll.UpdateOne(ctx, filter, bson.M(op.Update), opts)
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		result.RowsAffected = res.ModifiedCount + res.UpsertedCount
		return result, nil

	case op.Delete != nil:
		var res *mongo.DeleteResult
		var err error
		if op.Many {
			res, err = coll.DeleteMany(ctx, bson.M(op.Delete))
		} else {
			res, err = coll.DeleteOne(ctx, bson.M(op.Delete))
		}
		if err != nil {
			return nil, trace.Wrap(err)
		}
		result.RowsAffected = res.DeletedCount
		return result, nil

	case op.Filter != nil:
		cursor, err := coll.Find(ctx, bson.M(op.Filter), findOptions(op))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defer cursor.Close(ctx)
		result.Rows, err = collectRows(ctx, cursor)
		return result, trace.Wrap(err)
	}
	return nil, trace.BadParameter("operation descriptor selects no operation")
}

func findOptions(op *operation) *options.FindOptions {
	opts := options.Find()
	if op.Sort != nil {
		opts.SetSort(bson.M(op.Sort))
	}
	if op.Projection != nil {
		opts.SetProjection(bson.M(op.Projection))
	}
	if op.Limit > 0 {
		opts.SetLimit(op.Limit)
	}
	if op.Skip > 0 {
		opts.SetSkip(op.Skip)
	}
	return opts
}

func collectRows(ctx context.Context, cursor *mongo.Cursor) ([]connector.Row, error) {
	var rows []connector.Row
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, trace.Wrap(err)
		}
		rows = append(rows, rowFrom(doc))
	}
	return rows, trace.Wrap(cursor.Err())
}

// rowFrom flattens BSON driver types into plain Go values so results
// marshal cleanly regardless of backend.
func rowFrom(doc bson.M) connector.Row {
	row := make(connector.Row, len(doc))
	for k, v := range doc {
		row[k] = plainValue(v)
	}
	return row
}

func plainValue(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time()
	case primitive.Decimal128:
		return t.String()
	case primitive.Binary:
		return t.Data
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = plainValue(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = plainValue(e.Value)
		}
		return out
	default:
		return v
	}
}

// Stream runs a find or aggregation descriptor as a batched cursor. The
// chunk size doubles as the driver batch size hint.
func (c *Connector) Stream(ctx context.Context, query string, params []any, chunkSize int) (connector.Batches, error) {
	if s := c.State(); s != connector.StateConnected {
		return nil, connector.ErrNotConnected(s)
	}
	if len(params) > 0 {
		return nil, trace.BadParameter("document operations take no positional parameters")
	}
	if chunkSize <= 0 {
		chunkSize = defaults.StreamChunkSize
	}
	kind := connector.DetectDocumentOpKind(query)
	if kind != connector.OpKindRead {
		return nil, trace.BadParameter("only read operations can be streamed, got %v", kind)
	}
	parsed, err := parseOperation(query)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return func(yield func([]connector.Row, error) bool) {
		op := c.NewOp(kind, query, 0)
		release, err := c.AcquireSlot(ctx)
		if err != nil {
			c.RecordOp(op, err)
			yield(nil, trace.Wrap(err))
			return
		}
		defer release()

		total, err := c.streamCursor(ctx, parsed, chunkSize, yield)
		op.RowsReturned = total
		c.RecordOp(op, err)
	}, nil
}

func (c *Connector) streamCursor(ctx context.Context, op *operation, chunkSize int, yield func([]connector.Row, error) bool) (int64, error) {
	coll := c.client.Database(c.Config().Database).Collection(op.Collection)

	var cursor *mongo.Cursor
	var err error
	if op.Pipeline != nil {
		pipeline := make([]bson.M, len(op.Pipeline))
		for i, stage := range op.Pipeline {
			pipeline[i] = bson.M(stage)
		}
		cursor, err = coll.Aggregate(ctx, pipeline,
			options.Aggregate().SetBatchSize(int32(chunkSize)))
	} else {
		cursor, err = coll.Find(ctx, bson.M(op.Filter),
			findOptions(op).SetBatchSize(int32(chunkSize)))
	}
	if err != nil {
		err = connector.ConvertError(err)
		yield(nil, err)
		return 0, err
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	var total int64
	batch := make([]connector.Row, 0, chunkSize)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			err = connector.ConvertError(err)
			yield(nil, err)
			return total, err
		}
		batch = append(batch, rowFrom(doc))
		total++
		if len(batch) >= chunkSize {
			if !yield(batch, nil) {
				return total, nil
			}
			batch = make([]connector.Row, 0, chunkSize)
		}
	}
	if err := cursor.Err(); err != nil {
		err = connector.ConvertError(err)
		yield(nil, err)
		return total, err
	}
	if len(batch) > 0 {
		yield(batch, nil)
	}
	return total, nil
}

// Transaction runs fn inside a causally consistent session transaction.
// MongoDB transactions run at snapshot isolation; the requested level is
// validated but not mapped.
func (c *Connector) Transaction(ctx context.Context, isolation connector.IsolationLevel, fn connector.TxFunc) error {
	if _, err := connector.CheckIsolation(isolation); err != nil {
		return trace.Wrap(err)
	}
	release, err := c.AcquireSlot(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer release()

	session, err := c.client.StartSession()
	if err != nil {
		return connector.ConvertError(err)
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		return nil, fn(sessCtx, &mongoTx{c: c})
	})
	if err != nil {
		return connector.ConvertError(err)
	}
	return nil
}

// mongoTx executes descriptors inside the session context carried by ctx.
type mongoTx struct {
	c *Connector
}

func (t *mongoTx) Execute(ctx context.Context, query string, params ...any) (*connector.Result, error) {
	kind := connector.DetectDocumentOpKind(query)
	op := t.c.NewOp(kind, query, len(params))

	if len(params) > 0 {
		err := trace.BadParameter("document operations take no positional parameters")
		return failedResult(kind, t.c.RecordOp(op, err)), err
	}
	parsed, err := parseOperation(query)
	if err != nil {
		return failedResult(kind, t.c.RecordOp(op, err)), trace.Wrap(err)
	}
	result, err := t.c.run(ctx, kind, parsed)
	if err != nil {
		err = connector.ConvertError(err)
		return failedResult(kind, t.c.RecordOp(op, err)), err
	}
	op.RowsReturned = int64(len(result.Rows))
	op.RowsAffected = result.RowsAffected
	result.Metrics = t.c.RecordOp(op, nil)
	return result, nil
}

// Prepare is not supported: MongoDB has no server-side prepared statement
// facility.
func (c *Connector) Prepare(ctx context.Context, query string) (string, error) {
	return "", trace.NotImplemented("prepared statements are not supported by the mongodb backend")
}

// ExecutePrepared is not supported for MongoDB.
func (c *Connector) ExecutePrepared(ctx context.Context, name string, params ...any) (*connector.Result, error) {
	return nil, trace.NotImplemented("prepared statements are not supported by the mongodb backend")
}

func failedResult(kind connector.OpKind, m connector.OpMetrics) *connector.Result {
	return &connector.Result{
		Kind:    kind,
		Error:   m.Error,
		Metrics: m,
	}
}
