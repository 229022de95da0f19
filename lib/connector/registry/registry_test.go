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

package registry

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/defaults"
)

func TestDetectURI(t *testing.T) {
	for uri, want := range map[string]connector.BackendType{
		"postgres://user@host:5432/db":          connector.BackendPostgres,
		"postgresql://host/db":                  connector.BackendPostgres,
		"mysql://root@localhost:3306/app":       connector.BackendMySQL,
		"mariadb://host/db":                     connector.BackendMySQL,
		"mongodb://host:27017/db":               connector.BackendMongo,
		"mongodb+srv://cluster0.example.net/db": connector.BackendMongo,
		"sqlite:///var/lib/app.db":              connector.BackendSQLite,
		"/data/app.sqlite":                      connector.BackendSQLite,
		"oracle://host:1521/orcl":               connector.BackendOracle,
		"sqlserver://sa@host:1433":              connector.BackendMSSQL,
		"Postgres://MIXED.CASE.HOST:5432/db":    connector.BackendPostgres,
	} {
		detection, err := DetectURI(uri)
		require.NoError(t, err, "uri %q", uri)
		require.Equal(t, want, detection.Backend, "uri %q", uri)
	}
}

func TestDetectURIConfidence(t *testing.T) {
	// scheme match is certain
	detection, err := DetectURI("postgres://host/db")
	require.NoError(t, err)
	require.Equal(t, 1.0, detection.Confidence)

	// substring match is weaker
	detection, err = DetectURI("host-with-mysql-in-name:9999/db")
	require.NoError(t, err)
	require.Equal(t, connector.BackendMySQL, detection.Backend)
	require.Less(t, detection.Confidence, 1.0)

	// a well-known port corroborating a substring match raises confidence
	corroborated, err := DetectURI("my-mysql-host:3306/db")
	require.NoError(t, err)
	require.Equal(t, connector.BackendMySQL, corroborated.Backend)
	require.Greater(t, corroborated.Confidence, detection.Confidence)

	// a well-known port alone is a weak candidate
	portOnly, err := DetectURI("10.0.0.8:27017")
	require.NoError(t, err)
	require.Equal(t, connector.BackendMongo, portOnly.Backend)
	require.Equal(t, 0.5, portOnly.Confidence)

	_, err = DetectURI("")
	require.True(t, trace.IsBadParameter(err))
	_, err = DetectURI("gopher://unrelated")
	require.True(t, trace.IsNotFound(err))
}

func TestDetectPort(t *testing.T) {
	detection, err := DetectPort(defaults.PostgresPort)
	require.NoError(t, err)
	require.Equal(t, connector.BackendPostgres, detection.Backend)
	require.Equal(t, defaults.PostgresPort, detection.Port)

	_, err = DetectPort(8080)
	require.True(t, trace.IsNotFound(err))
}

func TestOptimizeConfig(t *testing.T) {
	cfg := connector.Config{
		Backend: connector.BackendMySQL,
		Host:    "h",
		Port:    3306,
		Options: map[string]string{"charset": "latin1"},
	}
	out := OptimizeConfig(cfg)

	// caller-set options win, missing ones are filled
	require.Equal(t, "latin1", out.Options["charset"])
	require.NotEmpty(t, out.Options["statement_cache_size"])

	// the input config is untouched
	require.NotContains(t, cfg.Options, "statement_cache_size")

	// unsupported backends pass through unchanged
	plain := connector.Config{Backend: connector.BackendSQLite, Host: "h", Port: 1}
	require.Nil(t, OptimizeConfig(plain).Options)
}

func TestConstructAndRelease(t *testing.T) {
	r := New()
	cfg := connector.Config{
		ID:       "pg-1",
		Backend:  connector.BackendPostgres,
		Host:     "db.internal",
		Port:     5432,
		Database: "app",
		Username: "svc",
	}

	conn, err := r.Construct(cfg)
	require.NoError(t, err)
	require.Equal(t, connector.StateDisconnected, conn.State())

	_, err = r.Construct(cfg)
	require.True(t, trace.IsAlreadyExists(err))

	got, err := r.Get("pg-1")
	require.NoError(t, err)
	require.Equal(t, conn, got)
	require.Equal(t, []string{"pg-1"}, r.List())

	require.NoError(t, r.Release(context.Background(), "pg-1"))
	_, err = r.Get("pg-1")
	require.True(t, trace.IsNotFound(err))
	require.True(t, trace.IsNotFound(r.Release(context.Background(), "pg-1")))
}

func TestConstructUnsupportedBackend(t *testing.T) {
	r := New()
	_, err := r.Construct(connector.Config{
		Backend: connector.BackendOracle,
		Host:    "h",
		Port:    1521,
	})
	require.True(t, trace.IsBadParameter(err))
}

func TestConstructURI(t *testing.T) {
	r := New()
	conn, err := r.ConstructURI("mysql://root@db:3306/app", connector.Config{
		Host:     "db",
		Port:     3306,
		Database: "app",
		Username: "root",
	})
	require.NoError(t, err)
	require.Equal(t, connector.BackendMySQL, conn.Config().Backend)

	_, err = r.ConstructURI("gopher://nope", connector.Config{})
	require.True(t, trace.IsNotFound(err))
}

func TestClose(t *testing.T) {
	r := New()
	for _, id := range []string{"a", "b"} {
		_, err := r.Construct(connector.Config{
			ID:      id,
			Backend: connector.BackendPostgres,
			Host:    "h",
			Port:    5432,
		})
		require.NoError(t, err)
	}
	require.NoError(t, r.Close(context.Background()))
	require.Empty(t, r.List())
}
