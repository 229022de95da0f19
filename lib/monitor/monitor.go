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

// Package monitor watches registered connectors and the audit trail. It
// polls pool metrics on an interval, exports them as Prometheus metrics
// and fires threshold alerts through a callback, with a cooldown per
// condition so a flapping connector does not flood operators.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/conduit"
	"github.com/gravitational/conduit/lib/audit"
	"github.com/gravitational/conduit/lib/connector"
	"github.com/gravitational/conduit/lib/defaults"
)

// AlertKind names a threshold condition.
type AlertKind string

const (
	// AlertUnhealthy fires when a connector's health probe fails.
	AlertUnhealthy AlertKind = "unhealthy"
	// AlertFailureRate fires when the failed-operation fraction exceeds
	// the threshold.
	AlertFailureRate AlertKind = "failure_rate"
	// AlertSlowOps fires when the average operation duration exceeds the
	// threshold.
	AlertSlowOps AlertKind = "slow_ops"
	// AlertAuditQueue fires when the audit queue depth exceeds the
	// threshold.
	AlertAuditQueue AlertKind = "audit_queue"
	// AlertAuditDropped fires when the audit trail drops entries.
	AlertAuditDropped AlertKind = "audit_dropped"
)

// Alert is one fired threshold condition.
type Alert struct {
	// Kind is the condition that fired.
	Kind AlertKind `json:"kind"`
	// ConnectorID is the affected connector, empty for audit alerts.
	ConnectorID string `json:"connector_id,omitempty"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// Value and Threshold are the observed and configured values.
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	// FiredAt is when the condition was observed.
	FiredAt time.Time `json:"fired_at"`
}

// AlertFunc receives fired alerts. It is called from the monitor worker
// and must not block.
type AlertFunc func(Alert)

// Config configures a Monitor.
type Config struct {
	// Interval is the polling cadence.
	Interval time.Duration
	// Audit, when set, has its queue depth and drop counter monitored.
	Audit *audit.Trail
	// FailureRateThreshold is the failed-operation fraction that fires
	// AlertFailureRate.
	FailureRateThreshold float64
	// SlowOpThreshold is the average duration that fires AlertSlowOps.
	SlowOpThreshold time.Duration
	// AuditQueueAlertDepth is the queue depth that fires AlertAuditQueue.
	AuditQueueAlertDepth int
	// AlertCooldown suppresses repeats of the same condition.
	AlertCooldown time.Duration
	// OnAlert receives fired alerts. Optional.
	OnAlert AlertFunc
	// Registerer receives the Prometheus collector, defaulting to the
	// global registerer.
	Registerer prometheus.Registerer
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Interval == 0 {
		c.Interval = defaults.MonitorInterval
	}
	if c.Interval < 0 {
		return trace.BadParameter("negative Interval")
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = defaults.FailureRateThreshold
	}
	if c.SlowOpThreshold == 0 {
		c.SlowOpThreshold = defaults.SlowOpThreshold
	}
	if c.AuditQueueAlertDepth == 0 {
		c.AuditQueueAlertDepth = defaults.AuditQueueAlertDepth
	}
	if c.AlertCooldown == 0 {
		c.AlertCooldown = defaults.AlertCooldown
	}
	if c.OnAlert == nil {
		c.OnAlert = func(Alert) {}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Snapshot is one monitored connector's view at poll time.
type Snapshot struct {
	// ConnectorID identifies the connector.
	ConnectorID string `json:"connector_id"`
	// Backend is the connector's backend type.
	Backend connector.BackendType `json:"backend"`
	// State is the lifecycle state at poll time.
	State string `json:"state"`
	// Healthy is the last health probe result.
	Healthy bool `json:"healthy"`
	// Pool is the aggregate pool view.
	Pool connector.PoolMetrics `json:"pool"`
	// CollectedAt is the poll timestamp.
	CollectedAt time.Time `json:"collected_at"`
}

// Monitor polls registered connectors and evaluates thresholds.
type Monitor struct {
	cfg Config
	log *slog.Logger

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu sync.Mutex
	// conns maps connector ID to the monitored connector.
	conns map[string]connector.Connector
	// lastFired maps condition key to the last alert time.
	lastFired map[string]time.Time
	// lastDropped is the audit drop counter at the previous poll.
	lastDropped int64
}

// New creates a Monitor and registers its Prometheus collector. Call
// Start to launch the polling worker.
func New(cfg Config) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:       cfg,
		log:       slog.With(conduit.ComponentKey, conduit.ComponentMonitor),
		closeCtx:  closeCtx,
		cancel:    cancel,
		conns:     make(map[string]connector.Connector),
		lastFired: make(map[string]time.Time),
	}
	if err := registerCollector(m); err != nil {
		cancel()
		return nil, trace.Wrap(err)
	}
	return m, nil
}

// Start launches the polling worker.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.poll()
}

// Close stops the worker.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

// Register adds a connector to the monitored set.
func (m *Monitor) Register(conn connector.Connector) error {
	id := conn.Config().ID
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; ok {
		return trace.AlreadyExists("connector %q is already monitored", id)
	}
	m.conns[id] = conn
	m.log.Info("Connector registered.", "connector_id", id,
		"backend", string(conn.Config().Backend))
	return nil
}

// Unregister removes a connector from the monitored set.
func (m *Monitor) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return trace.NotFound("connector %q is not monitored", id)
	}
	delete(m.conns, id)
	m.log.Info("Connector unregistered.", "connector_id", id)
	return nil
}

// Snapshots returns the current view of every monitored connector.
func (m *Monitor) Snapshots() []Snapshot {
	now := m.cfg.Clock.Now().UTC()
	var out []Snapshot
	for _, conn := range m.registered() {
		out = append(out, Snapshot{
			ConnectorID: conn.Config().ID,
			Backend:     conn.Config().Backend,
			State:       conn.State().String(),
			Healthy:     conn.Metadata().Healthy,
			Pool:        conn.Metrics(),
			CollectedAt: now,
		})
	}
	return out
}

func (m *Monitor) registered() []connector.Connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]connector.Connector, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn)
	}
	return out
}

func (m *Monitor) poll() {
	defer m.wg.Done()
	ticker := m.cfg.Clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closeCtx.Done():
			return
		case <-ticker.Chan():
			m.evaluate()
		}
	}
}

// evaluate runs one threshold pass over connectors and the audit trail.
func (m *Monitor) evaluate() {
	for _, snap := range m.Snapshots() {
		if snap.State == connector.StateConnected.String() && !snap.Healthy {
			m.fire(Alert{
				Kind:        AlertUnhealthy,
				ConnectorID: snap.ConnectorID,
				Message:     "connector health probe failing",
				Value:       0, Threshold: 1,
			})
		}
		if snap.Pool.TotalOps > 0 {
			rate := float64(snap.Pool.FailedOps) / float64(snap.Pool.TotalOps)
			if rate > m.cfg.FailureRateThreshold {
				m.fire(Alert{
					Kind:        AlertFailureRate,
					ConnectorID: snap.ConnectorID,
					Message:     "operation failure rate over threshold",
					Value:       rate,
					Threshold:   m.cfg.FailureRateThreshold,
				})
			}
		}
		if snap.Pool.AvgDuration > m.cfg.SlowOpThreshold {
			m.fire(Alert{
				Kind:        AlertSlowOps,
				ConnectorID: snap.ConnectorID,
				Message:     "average operation duration over threshold",
				Value:       snap.Pool.AvgDuration.Seconds(),
				Threshold:   m.cfg.SlowOpThreshold.Seconds(),
			})
		}
	}

	if m.cfg.Audit == nil {
		return
	}
	if depth := m.cfg.Audit.QueueDepth(); depth > m.cfg.AuditQueueAlertDepth {
		m.fire(Alert{
			Kind:      AlertAuditQueue,
			Message:   "audit queue depth over threshold",
			Value:     float64(depth),
			Threshold: float64(m.cfg.AuditQueueAlertDepth),
		})
	}
	dropped := m.cfg.Audit.Dropped()
	m.mu.Lock()
	newDrops := dropped - m.lastDropped
	m.lastDropped = dropped
	m.mu.Unlock()
	if newDrops > 0 {
		m.fire(Alert{
			Kind:      AlertAuditDropped,
			Message:   "audit entries dropped",
			Value:     float64(newDrops),
			Threshold: 0,
		})
	}
}

// fire delivers an alert unless the same condition fired within the
// cooldown window.
func (m *Monitor) fire(alert Alert) {
	now := m.cfg.Clock.Now().UTC()
	key := string(alert.Kind) + "/" + alert.ConnectorID

	m.mu.Lock()
	if last, ok := m.lastFired[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastFired[key] = now
	m.mu.Unlock()

	alert.FiredAt = now
	m.log.Warn("Threshold alert fired.",
		"kind", string(alert.Kind),
		"connector_id", alert.ConnectorID,
		"value", alert.Value,
		"threshold", alert.Threshold)
	m.cfg.OnAlert(alert)
}
