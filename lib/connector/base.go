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
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/gravitational/conduit"
	"github.com/gravitational/conduit/lib/defaults"
	"github.com/gravitational/conduit/lib/utils"
)

// Base carries the backend-independent half of a connector: the state
// machine, the semaphore gating pool access, metadata, metrics and the
// background worker lifecycle. Engines embed it and drive it through the
// exported methods.
type Base struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	state  atomic.Int32
	sem    *semaphore.Weighted
	active atomic.Int64

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu          sync.Mutex
	meta        Metadata
	totalOps    int64
	failedOps   int64
	avgDuration time.Duration
	createdAt   time.Time
	ops         *utils.Ring[OpMetrics]
}

// NewBase validates cfg and returns a Base in the Disconnected state.
func NewBase(cfg Config, clock clockwork.Clock) (*Base, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ops, err := utils.NewRing[OpMetrics](defaults.OpMetricsRingSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Base{
		cfg:   cfg,
		clock: clock,
		log: slog.With(
			conduit.ComponentKey, conduit.ComponentConnector,
			"backend", cfg.Backend,
			"connector_id", cfg.ID,
		),
		sem:       semaphore.NewWeighted(int64(cfg.PoolMaxSize)),
		createdAt: clock.Now(),
		ops:       ops,
	}, nil
}

// Config returns the connector's immutable connection config.
func (b *Base) Config() Config { return b.cfg }

// Log returns the connector's logger.
func (b *Base) Log() *slog.Logger { return b.log }

// Clock returns the connector's clock.
func (b *Base) Clock() clockwork.Clock { return b.clock }

// State returns the connector state.
func (b *Base) State() State { return State(b.state.Load()) }

func (b *Base) setState(s State) { b.state.Store(int32(s)) }

// CloseContext returns the context canceled when the connector shuts
// down. Background workers and long-lived driver resources observe it.
func (b *Base) CloseContext() context.Context { return b.closeCtx }

// BeginConnect transitions into Connecting. It returns true when the
// caller should proceed, false when the connector is already connected.
func (b *Base) BeginConnect() (bool, error) {
	for {
		switch s := b.State(); s {
		case StateConnected:
			return false, nil
		case StateConnecting:
			return false, trace.AlreadyExists("connect already in progress")
		case StateDisconnected, StateError:
			if b.state.CompareAndSwap(int32(s), int32(StateConnecting)) {
				return true, nil
			}
		}
	}
}

// FinishConnect transitions into Connected, recording the server info and
// arming the close context for background workers.
func (b *Base) FinishConnect(serverInfo map[string]string) {
	b.closeCtx, b.cancel = context.WithCancel(context.Background())
	now := b.clock.Now()

	b.mu.Lock()
	b.meta = Metadata{
		ConnectedAt:  now,
		LastActivity: now,
		Healthy:      true,
		ServerInfo:   serverInfo,
	}
	b.mu.Unlock()

	b.setState(StateConnected)
	b.log.InfoContext(b.closeCtx, "Connector established.",
		"host", b.cfg.Host,
		"port", b.cfg.Port,
		"database", b.cfg.Database,
	)
}

// FailConnect transitions into Error, recording the cause.
func (b *Base) FailConnect(err error) {
	b.mu.Lock()
	b.meta.Healthy = false
	b.meta.LastError = err.Error()
	b.mu.Unlock()
	b.setState(StateError)
}

// StartWorkers launches the connector's health and cleanup loops. Both
// observe the close context and terminate cooperatively on Disconnect.
func (b *Base) StartWorkers(healthFn func(ctx context.Context) bool, cleanupFn func()) {
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.healthLoop(healthFn)
	}()
	go func() {
		defer b.wg.Done()
		b.cleanupLoop(cleanupFn)
	}()
}

func (b *Base) healthLoop(healthFn func(ctx context.Context) bool) {
	ticker := b.clock.NewTicker(defaults.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			healthFn(b.closeCtx)
		case <-b.closeCtx.Done():
			return
		}
	}
}

func (b *Base) cleanupLoop(cleanupFn func()) {
	ticker := b.clock.NewTicker(defaults.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if cleanupFn != nil {
				cleanupFn()
			}
		case <-b.closeCtx.Done():
			return
		}
	}
}

// RecordHealth stores the outcome of a health probe.
func (b *Base) RecordHealth(healthy bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta.Healthy = healthy
	b.meta.LastHealthCheck = b.clock.Now()
	if err != nil {
		b.meta.LastError = err.Error()
	}
}

// AcquireSlot reserves a pool slot for one operation, blocking up to the
// configured operation timeout. Pool exhaustion fails distinctly from a
// server-side timeout. The returned release func must be called exactly
// once.
func (b *Base) AcquireSlot(ctx context.Context) (release func(), err error) {
	if s := b.State(); s != StateConnected {
		return nil, ErrNotConnected(s)
	}
	acquireCtx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()
	if err := b.sem.Acquire(acquireCtx, 1); err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrPoolTimeout()
		}
		return nil, trace.Wrap(err)
	}
	b.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.active.Add(-1)
			b.sem.Release(1)
		})
	}, nil
}

// NewOp starts an operation metrics record.
func (b *Base) NewOp(kind OpKind, query string, paramCount int) OpMetrics {
	return OpMetrics{
		OpID:       uuid.NewString(),
		Kind:       kind,
		Query:      query,
		ParamCount: paramCount,
		StartedAt:  b.clock.Now(),
	}
}

// RecordOp finalizes an operation record, folds it into the aggregate
// counters and appends it to the bounded metrics ring.
func (b *Base) RecordOp(m OpMetrics, opErr error) OpMetrics {
	m.EndedAt = b.clock.Now()
	m.Duration = m.EndedAt.Sub(m.StartedAt)
	if opErr != nil {
		m.Error = opErr.Error()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalOps++
	if opErr != nil {
		b.failedOps++
	}
	// exponential moving average, alpha 0.1
	if b.totalOps == 1 {
		b.avgDuration = m.Duration
	} else {
		b.avgDuration = (b.avgDuration*9 + m.Duration) / 10
	}
	b.meta.LastActivity = m.EndedAt
	b.ops.Add(m)
	return m
}

// Metadata returns a snapshot of the connector metadata.
func (b *Base) Metadata() Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta
}

// Metrics returns the aggregate pool metrics.
func (b *Base) Metrics() PoolMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	active := b.active.Load()
	return PoolMetrics{
		TotalOps:    b.totalOps,
		FailedOps:   b.failedOps,
		AvgDuration: b.avgDuration,
		Active:      active,
		Idle:        int64(b.cfg.PoolMaxSize) - active,
		Max:         b.cfg.PoolMaxSize,
		Min:         b.cfg.PoolMinSize,
		CreatedAt:   b.createdAt,
	}
}

// RecentOps returns up to n most recent operation metrics, oldest first.
func (b *Base) RecentOps(n int) []OpMetrics {
	return b.ops.Data(n)
}

// ActiveOps returns the number of in-flight operations.
func (b *Base) ActiveOps() int64 { return b.active.Load() }

// Shutdown signals the workers, waits for in-flight operations up to the
// shutdown grace, and reports whether the drain completed cleanly. When it
// returns false the engine must force-close its pool; in-flight operations
// then fail with a wrapped cancellation error.
func (b *Base) Shutdown(ctx context.Context) bool {
	b.setState(StateDisconnected)
	if b.cancel == nil {
		return true
	}
	b.cancel()

	graceCtx, cancel := context.WithTimeout(ctx, defaults.ShutdownGrace)
	defer cancel()
	clean := b.sem.Acquire(graceCtx, int64(b.cfg.PoolMaxSize)) == nil
	if clean {
		b.sem.Release(int64(b.cfg.PoolMaxSize))
	}
	b.wg.Wait()

	b.log.InfoContext(ctx, "Connector shut down.", "clean", clean)
	return clean
}
