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

package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/schema"
)

// fakeConn serves canned metrics for threshold tests.
type fakeConn struct {
	cfg     connector.Config
	state   connector.State
	healthy bool
	pool    connector.PoolMetrics
}

func (f *fakeConn) Connect(ctx context.Context) error    { return nil }
func (f *fakeConn) Disconnect(ctx context.Context) error { return nil }
func (f *fakeConn) TestConnection(ctx context.Context) *connector.TestResult {
	return &connector.TestResult{Success: true}
}
func (f *fakeConn) HealthCheck(ctx context.Context) bool { return f.healthy }
func (f *fakeConn) Execute(ctx context.Context, query string, params ...any) (*connector.Result, error) {
	return nil, trace.NotImplemented("fake")
}
func (f *fakeConn) Stream(ctx context.Context, query string, params []any, chunkSize int) (connector.Batches, error) {
	return nil, trace.NotImplemented("fake")
}
func (f *fakeConn) Transaction(ctx context.Context, isolation connector.IsolationLevel, fn connector.TxFunc) error {
	return trace.NotImplemented("fake")
}
func (f *fakeConn) Prepare(ctx context.Context, query string) (string, error) {
	return "", trace.NotImplemented("fake")
}
func (f *fakeConn) ExecutePrepared(ctx context.Context, name string, params ...any) (*connector.Result, error) {
	return nil, trace.NotImplemented("fake")
}
func (f *fakeConn) SchemaInfo(ctx context.Context, scope schema.Scope) (*schema.Snapshot, error) {
	return nil, trace.NotImplemented("fake")
}
func (f *fakeConn) Metrics() connector.PoolMetrics { return f.pool }
func (f *fakeConn) Metadata() connector.Metadata {
	return connector.Metadata{Healthy: f.healthy}
}
func (f *fakeConn) Config() connector.Config              { return f.cfg }
func (f *fakeConn) State() connector.State                { return f.state }
func (f *fakeConn) RecentOps(n int) []connector.OpMetrics { return nil }

// alertSink collects fired alerts.
type alertSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *alertSink) record(a Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *alertSink) kinds() []AlertKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AlertKind, len(s.alerts))
	for i, a := range s.alerts {
		out[i] = a.Kind
	}
	return out
}

func newTestMonitor(t *testing.T, sink *alertSink, clock clockwork.Clock) *Monitor {
	t.Helper()
	m, err := New(Config{
		FailureRateThreshold: 0.25,
		SlowOpThreshold:      time.Second,
		AlertCooldown:        5 * time.Minute,
		OnAlert:              sink.record,
		Registerer:           prometheus.NewRegistry(),
		Clock:                clock,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestRegisterUnregister(t *testing.T) {
	m := newTestMonitor(t, &alertSink{}, clockwork.NewFakeClock())
	conn := &fakeConn{cfg: connector.Config{ID: "c1", Backend: connector.BackendPostgres}}

	require.NoError(t, m.Register(conn))
	require.True(t, trace.IsAlreadyExists(m.Register(conn)))

	snaps := m.Snapshots()
	require.Len(t, snaps, 1)
	require.Equal(t, "c1", snaps[0].ConnectorID)

	require.NoError(t, m.Unregister("c1"))
	require.True(t, trace.IsNotFound(m.Unregister("c1")))
	require.Empty(t, m.Snapshots())
}

func TestThresholdAlerts(t *testing.T) {
	sink := &alertSink{}
	clock := clockwork.NewFakeClock()
	m := newTestMonitor(t, sink, clock)

	require.NoError(t, m.Register(&fakeConn{
		cfg:     connector.Config{ID: "bad", Backend: connector.BackendMySQL},
		state:   connector.StateConnected,
		healthy: false,
		pool: connector.PoolMetrics{
			TotalOps:    10,
			FailedOps:   5,
			AvgDuration: 3 * time.Second,
		},
	}))

	m.evaluate()
	require.ElementsMatch(t,
		[]AlertKind{AlertUnhealthy, AlertFailureRate, AlertSlowOps},
		sink.kinds())
}

func TestHealthyConnectorFiresNothing(t *testing.T) {
	sink := &alertSink{}
	m := newTestMonitor(t, sink, clockwork.NewFakeClock())

	require.NoError(t, m.Register(&fakeConn{
		cfg:     connector.Config{ID: "good", Backend: connector.BackendPostgres},
		state:   connector.StateConnected,
		healthy: true,
		pool: connector.PoolMetrics{
			TotalOps:    100,
			FailedOps:   1,
			AvgDuration: 20 * time.Millisecond,
		},
	}))

	// a disconnected unhealthy connector is not alertable either
	require.NoError(t, m.Register(&fakeConn{
		cfg:   connector.Config{ID: "down", Backend: connector.BackendMongo},
		state: connector.StateDisconnected,
	}))

	m.evaluate()
	require.Empty(t, sink.kinds())
}

func TestAlertCooldown(t *testing.T) {
	sink := &alertSink{}
	clock := clockwork.NewFakeClock()
	m := newTestMonitor(t, sink, clock)

	require.NoError(t, m.Register(&fakeConn{
		cfg:     connector.Config{ID: "slow", Backend: connector.BackendPostgres},
		state:   connector.StateConnected,
		healthy: true,
		pool:    connector.PoolMetrics{AvgDuration: 3 * time.Second},
	}))

	m.evaluate()
	m.evaluate()
	require.Len(t, sink.kinds(), 1)

	clock.Advance(6 * time.Minute)
	m.evaluate()
	require.Len(t, sink.kinds(), 2)
}

func TestCooldownIsPerConnector(t *testing.T) {
	sink := &alertSink{}
	m := newTestMonitor(t, sink, clockwork.NewFakeClock())

	for _, id := range []string{"a", "b"} {
		require.NoError(t, m.Register(&fakeConn{
			cfg:     connector.Config{ID: id, Backend: connector.BackendPostgres},
			state:   connector.StateConnected,
			healthy: true,
			pool:    connector.PoolMetrics{AvgDuration: 3 * time.Second},
		}))
	}
	m.evaluate()
	require.Len(t, sink.kinds(), 2)
}

func TestCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := New(Config{
		Registerer: prometheus.NewRegistry(),
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	require.NoError(t, registry.Register(&collector{m: m}))

	require.NoError(t, m.Register(&fakeConn{
		cfg:     connector.Config{ID: "c1", Backend: connector.BackendPostgres},
		healthy: true,
		pool: connector.PoolMetrics{
			TotalOps:  42,
			FailedOps: 3,
			Active:    2,
			Idle:      8,
		},
	}))

	families, err := registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[family.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[family.GetName()] = metric.GetGauge().GetValue()
			}
			for _, label := range metric.GetLabel() {
				if label.GetName() == "connector_id" {
					require.Equal(t, "c1", label.GetValue())
				}
			}
		}
	}
	require.Equal(t, 42.0, values["conduit_connector_ops_total"])
	require.Equal(t, 3.0, values["conduit_connector_failed_ops_total"])
	require.Equal(t, 2.0, values["conduit_connector_active_connections"])
	require.Equal(t, 8.0, values["conduit_connector_idle_connections"])
	require.Equal(t, 1.0, values["conduit_connector_healthy"])
}
