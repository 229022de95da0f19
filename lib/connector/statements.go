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
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
)

// PreparedEntry describes a cached server-side prepared statement. The use
// count is monotonically non-decreasing until eviction.
type PreparedEntry struct {
	// Name is the server-side statement name.
	Name string `json:"name"`
	// Text is the statement text.
	Text string `json:"text"`
	// CreatedAt is when the statement was prepared.
	CreatedAt time.Time `json:"created_at"`
	// LastUsed is when the statement last served an execution.
	LastUsed time.Time `json:"last_used"`
	// UseCount counts executions served from the cache.
	UseCount int64 `json:"use_count"`
}

// EvictFunc deallocates the server-side handle of an evicted statement.
// The cache invokes it with no internal locks held, so it may call back
// into the cache or take locks its caller also holds around Put.
type EvictFunc func(name string)

// StatementCache is a bounded LRU+TTL cache of prepared statements keyed
// by a deterministic hash of the statement text. Evicted entries have
// their server-side handles deallocated through the evict callback.
type StatementCache struct {
	mu      sync.Mutex
	lru     *expirable.LRU[string, *PreparedEntry]
	clock   clockwork.Clock
	onEvict EvictFunc

	// The inner LRU fires its eviction hook while holding its own lock
	// (and, during Put, ours). Evicted names queue here and drain after
	// both locks release.
	pendingMu sync.Mutex
	pending   []string
}

// NewStatementCache returns a statement cache bounded to size entries with
// the given idle TTL. onEvict may be nil.
func NewStatementCache(size int, ttl time.Duration, clock clockwork.Clock, onEvict EvictFunc) *StatementCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &StatementCache{
		clock:   clock,
		onEvict: onEvict,
	}
	var cb func(string, *PreparedEntry)
	if onEvict != nil {
		cb = func(_ string, entry *PreparedEntry) {
			c.pendingMu.Lock()
			c.pending = append(c.pending, entry.Name)
			c.pendingMu.Unlock()
		}
	}
	c.lru = expirable.NewLRU(size, cb, ttl)
	return c
}

// deliverEvictions invokes the evict callback for every queued eviction.
// Must be called without c.mu held.
func (c *StatementCache) deliverEvictions() {
	if c.onEvict == nil {
		return
	}
	for {
		c.pendingMu.Lock()
		if len(c.pending) == 0 {
			c.pendingMu.Unlock()
			return
		}
		name := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()
		c.onEvict(name)
	}
}

// StatementName returns the deterministic server-side name for a statement
// text. Names are stable within a process only; server-side handles do not
// survive session teardown anyway.
func StatementName(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return fmt.Sprintf("conduit_stmt_%016x", h.Sum64())
}

// Get returns the cached entry for the statement text, bumping its use
// count and last-used stamp on a hit.
func (c *StatementCache) Get(text string) (*PreparedEntry, bool) {
	return c.GetByName(StatementName(text))
}

// GetByName returns the cached entry with the given server-side name.
func (c *StatementCache) GetByName(name string) (*PreparedEntry, bool) {
	c.mu.Lock()
	entry, ok := c.lru.Get(name)
	if ok {
		entry.UseCount++
		entry.LastUsed = c.clock.Now()
	}
	c.mu.Unlock()
	c.deliverEvictions()
	if !ok {
		return nil, false
	}
	return entry, true
}

// Put caches a freshly prepared statement and returns its entry. At
// capacity the least recently used entry is evicted first; expired entries
// go before live ones.
func (c *StatementCache) Put(text string) *PreparedEntry {
	c.mu.Lock()
	now := c.clock.Now()
	entry := &PreparedEntry{
		Name:      StatementName(text),
		Text:      text,
		CreatedAt: now,
		LastUsed:  now,
	}
	c.lru.Add(entry.Name, entry)
	c.mu.Unlock()
	c.deliverEvictions()
	return entry
}

// Len returns the number of cached statements.
func (c *StatementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge evicts every cached statement, deallocating server-side handles.
func (c *StatementCache) Purge() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
	c.deliverEvictions()
}

// Entries returns a snapshot of the cached entries.
func (c *StatementCache) Entries() []PreparedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := c.lru.Values()
	out := make([]PreparedEntry, 0, len(values))
	for _, v := range values {
		out = append(out, *v)
	}
	return out
}
