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
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/conduit/lib/defaults"
)

func TestDetectSQLOpKind(t *testing.T) {
	for query, want := range map[string]OpKind{
		"SELECT * FROM users":               OpKindRead,
		"  select 1":                        OpKindRead,
		"WITH t AS (SELECT 1) SELECT 1":     OpKindRead,
		"INSERT INTO t VALUES (1)":          OpKindWrite,
		"update t set a = 1":                OpKindWrite,
		"REPLACE INTO t VALUES (1)":         OpKindWrite,
		"DELETE FROM t":                     OpKindDelete,
		"TRUNCATE t":                        OpKindSchema,
		"CREATE TABLE t (id int)":           OpKindSchema,
		"DROP INDEX i":                      OpKindSchema,
		"ALTER TABLE t ADD c int":           OpKindSchema,
		"BEGIN":                             OpKindTransaction,
		"START TRANSACTION":                 OpKindTransaction,
		"COMMIT;":                           OpKindTransaction,
		"ROLLBACK":                          OpKindTransaction,
		"GRANT ALL ON t TO u":               OpKindAdmin,
		"SET search_path TO s":              OpKindAdmin,
		"SHOW TABLES":                       OpKindUtility,
		"EXPLAIN SELECT 1":                  OpKindUtility,
		"VACUUM":                            OpKindUtility,
		"-- comment\nSELECT 1":              OpKindRead,
		"-- first\n-- second\nDELETE FROM t": OpKindDelete,
		"-- only a comment":                 OpKindUnknown,
		"FROBNICATE":                        OpKindUnknown,
		"":                                  OpKindUnknown,
	} {
		require.Equal(t, want, DetectSQLOpKind(query), "query %q", query)
	}
}

func TestDetectDocumentOpKind(t *testing.T) {
	for doc, want := range map[string]OpKind{
		`{"collection":"c","filter":{}}`:                   OpKindRead,
		`{"collection":"c","pipeline":[]}`:                 OpKindRead,
		`{"collection":"c","documents":[{}]}`:              OpKindWrite,
		`{"collection":"c","filter":{},"update":{}}`:       OpKindWrite,
		`{"collection":"c","delete":{}}`:                   OpKindDelete,
		`{"command":{"buildInfo":1}}`:                      OpKindAdmin,
		`{"collection":"c"}`:                               OpKindUnknown,
		`not json`:                                         OpKindUnknown,
	} {
		require.Equal(t, want, DetectDocumentOpKind(doc), "descriptor %s", doc)
	}
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	cfg := Config{
		Backend:  BackendPostgres,
		Host:     "db.example.com",
		Port:     5432,
		Database: "app",
		Username: "svc",
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.NotEmpty(t, cfg.ID)
	require.Equal(t, defaults.ConnectTimeout, cfg.ConnectTimeout)
	require.Equal(t, defaults.OperationTimeout, cfg.OperationTimeout)
	require.Equal(t, defaults.PoolMinSize, cfg.PoolMinSize)
	require.Equal(t, defaults.PoolMaxSize, cfg.PoolMaxSize)
	require.NotNil(t, cfg.Options)

	for _, bad := range []Config{
		{Backend: BackendPostgres, Port: 5432},
		{Host: "h", Port: 5432},
		{Backend: BackendMySQL, Host: "h", Port: 0},
		{Backend: BackendMySQL, Host: "h", Port: 70000},
		{Backend: BackendMySQL, Host: "h", Port: 3306, PoolMinSize: 5, PoolMaxSize: 2},
	} {
		require.True(t, trace.IsBadParameter(bad.CheckAndSetDefaults()))
	}
}

func TestConfigCloneAndOption(t *testing.T) {
	cfg := Config{
		Backend: BackendMySQL,
		Host:    "h",
		Port:    3306,
		Options: map[string]string{"charset": "utf8mb4"},
	}
	clone := cfg.Clone()
	clone.Options["charset"] = "latin1"
	require.Equal(t, "utf8mb4", cfg.Option("charset", ""))
	require.Equal(t, "latin1", clone.Option("charset", ""))
	require.Equal(t, "default", cfg.Option("missing", "default"))
}

func TestCheckIsolation(t *testing.T) {
	lvl, err := CheckIsolation("")
	require.NoError(t, err)
	require.Equal(t, ReadCommitted, lvl)

	for _, valid := range []IsolationLevel{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable} {
		lvl, err := CheckIsolation(valid)
		require.NoError(t, err)
		require.Equal(t, valid, lvl)
	}

	_, err = CheckIsolation("chaos")
	require.True(t, trace.IsBadParameter(err))
}

func TestStatementCache(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var evicted []string
	cache := NewStatementCache(2, time.Hour, clock, func(name string) {
		evicted = append(evicted, name)
	})

	entry := cache.Put("SELECT 1")
	require.Equal(t, StatementName("SELECT 1"), entry.Name)
	require.Equal(t, 1, cache.Len())

	got, ok := cache.Get("SELECT 1")
	require.True(t, ok)
	require.Equal(t, int64(1), got.UseCount)

	byName, ok := cache.GetByName(entry.Name)
	require.True(t, ok)
	require.Equal(t, int64(2), byName.UseCount)

	_, ok = cache.Get("SELECT 2")
	require.False(t, ok)

	// capacity eviction deallocates the least recently used handle
	cache.Put("SELECT 2")
	cache.Put("SELECT 3")
	require.Equal(t, 2, cache.Len())
	require.Equal(t, []string{StatementName("SELECT 1")}, evicted)

	require.Len(t, cache.Entries(), 2)

	cache.Purge()
	require.Zero(t, cache.Len())
	require.Len(t, evicted, 3)
}

// TestStatementCacheEvictionLocking verifies that evict callbacks run
// with no cache locks held, so a callback is free to call back into the
// cache the way a connector's deallocation path does.
func TestStatementCacheEvictionLocking(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var evicted []string
	var cache *StatementCache
	cache = NewStatementCache(1, time.Hour, clock, func(name string) {
		cache.Len()
		_, _ = cache.GetByName(name)
		evicted = append(evicted, name)
	})

	cache.Put("SELECT 1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.Put("SELECT 2")
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("eviction delivery deadlocked")
	}
	require.Equal(t, []string{StatementName("SELECT 1")}, evicted)

	cache.Purge()
	require.Equal(t, []string{
		StatementName("SELECT 1"),
		StatementName("SELECT 2"),
	}, evicted)
}

func TestStatementNameDeterministic(t *testing.T) {
	require.Equal(t, StatementName("SELECT 1"), StatementName("SELECT 1"))
	require.NotEqual(t, StatementName("SELECT 1"), StatementName("SELECT 2"))
}

func TestErrorConversion(t *testing.T) {
	require.NoError(t, ConvertError(nil))

	err := ConvertError(&pgconn.PgError{Code: pgerrcode.InvalidPassword, Message: "bad password"})
	require.True(t, trace.IsAccessDenied(err))

	err = ConvertError(&pgconn.PgError{Code: pgerrcode.QueryCanceled})
	require.True(t, IsQueryTimeout(err))
	require.False(t, IsConnectionTimeout(err))

	err = ConvertError(&pgconn.PgError{Code: pgerrcode.TooManyConnections, Message: "too many"})
	require.True(t, trace.IsConnectionProblem(err))

	err = ConvertError(&pgconn.PgError{Code: pgerrcode.UndefinedTable, Message: "no such table"})
	require.True(t, trace.IsBadParameter(err))

	err = ConvertError(context.DeadlineExceeded)
	require.True(t, IsQueryTimeout(err))

	err = ConvertError(syscall.ECONNREFUSED)
	require.True(t, trace.IsConnectionProblem(err))

	// unclassified errors pass through wrapped
	plain := trace.Errorf("boom")
	require.Error(t, ConvertError(plain))
}

func TestTimeoutErrorsAreDistinct(t *testing.T) {
	pool := ErrPoolTimeout()
	query := ErrQueryTimeout()

	require.True(t, trace.IsLimitExceeded(pool))
	require.True(t, trace.IsLimitExceeded(query))
	require.True(t, IsConnectionTimeout(pool))
	require.False(t, IsQueryTimeout(pool))
	require.True(t, IsQueryTimeout(query))
	require.False(t, IsConnectionTimeout(query))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "error", StateError.String())
}
