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
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsDesc = prometheus.NewDesc(
		"conduit_connector_ops_total",
		"Total operations served by a connector.",
		[]string{"connector_id", "backend"}, nil)
	failedOpsDesc = prometheus.NewDesc(
		"conduit_connector_failed_ops_total",
		"Failed operations on a connector.",
		[]string{"connector_id", "backend"}, nil)
	activeDesc = prometheus.NewDesc(
		"conduit_connector_active_connections",
		"In-flight operations on a connector pool.",
		[]string{"connector_id", "backend"}, nil)
	idleDesc = prometheus.NewDesc(
		"conduit_connector_idle_connections",
		"Available slots on a connector pool.",
		[]string{"connector_id", "backend"}, nil)
	avgDurationDesc = prometheus.NewDesc(
		"conduit_connector_avg_op_duration_seconds",
		"Moving average operation duration on a connector.",
		[]string{"connector_id", "backend"}, nil)
	healthyDesc = prometheus.NewDesc(
		"conduit_connector_healthy",
		"Whether the connector's last health probe passed.",
		[]string{"connector_id", "backend"}, nil)
	auditQueueDesc = prometheus.NewDesc(
		"conduit_audit_queue_depth",
		"Entries waiting in the audit commit queue.",
		nil, nil)
	auditDroppedDesc = prometheus.NewDesc(
		"conduit_audit_dropped_total",
		"Audit entries dropped due to a full queue.",
		nil, nil)
)

// collector exports the monitored state on scrape, reading the live
// connector metrics rather than caching poll results.
type collector struct {
	m *Monitor
}

func registerCollector(m *Monitor) error {
	registerer := m.cfg.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return trace.Wrap(registerer.Register(&collector{m: m}))
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- opsDesc
	ch <- failedOpsDesc
	ch <- activeDesc
	ch <- idleDesc
	ch <- avgDurationDesc
	ch <- healthyDesc
	ch <- auditQueueDesc
	ch <- auditDroppedDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, conn := range c.m.registered() {
		cfg := conn.Config()
		labels := []string{cfg.ID, string(cfg.Backend)}
		pool := conn.Metrics()
		healthy := 0.0
		if conn.Metadata().Healthy {
			healthy = 1.0
		}
		ch <- prometheus.MustNewConstMetric(opsDesc,
			prometheus.CounterValue, float64(pool.TotalOps), labels...)
		ch <- prometheus.MustNewConstMetric(failedOpsDesc,
			prometheus.CounterValue, float64(pool.FailedOps), labels...)
		ch <- prometheus.MustNewConstMetric(activeDesc,
			prometheus.GaugeValue, float64(pool.Active), labels...)
		ch <- prometheus.MustNewConstMetric(idleDesc,
			prometheus.GaugeValue, float64(pool.Idle), labels...)
		ch <- prometheus.MustNewConstMetric(avgDurationDesc,
			prometheus.GaugeValue, pool.AvgDuration.Seconds(), labels...)
		ch <- prometheus.MustNewConstMetric(healthyDesc,
			prometheus.GaugeValue, healthy, labels...)
	}
	if trail := c.m.cfg.Audit; trail != nil {
		ch <- prometheus.MustNewConstMetric(auditQueueDesc,
			prometheus.GaugeValue, float64(trail.QueueDepth()))
		ch <- prometheus.MustNewConstMetric(auditDroppedDesc,
			prometheus.CounterValue, float64(trail.Dropped()))
	}
}
