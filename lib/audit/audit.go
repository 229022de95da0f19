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

// Package audit implements a tamper-evident append-only log. Entries form
// a hash chain signed via the vault; a single background worker owns the
// row store, commits enqueued entries in FIFO order, checkpoints
// periodically and snapshots its state atomically for crash recovery.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/conduit"
	"github.com/gravitational/conduit/lib/defaults"
	"github.com/gravitational/conduit/lib/utils"
)

const (
	storeFile = "audit.db"
	stateFile = "audit_state.json"

	// workerBackoff is how long the worker waits before retrying a failed
	// commit. Worker errors never surface to data-plane callers.
	workerBackoff = time.Second
)

// Signer signs entry hashes and verifies signatures. The vault satisfies
// it.
type Signer interface {
	HMAC(text []byte) string
	VerifyHMAC(text []byte, signature string) bool
}

// Entry is one immutable audit log record.
type Entry struct {
	// ID uniquely identifies the entry.
	ID string `json:"id"`
	// Sequence is the contiguous 1-based sequence number.
	Sequence int64 `json:"sequence_number"`
	// Timestamp is when the entry was enqueued.
	Timestamp time.Time `json:"timestamp"`
	// Type is the event type.
	Type string `json:"event_type"`
	// Data is the event payload.
	Data map[string]any `json:"event_data"`
	// Subject is the acting subject's context, if any.
	Subject map[string]any `json:"subject_context,omitempty"`
	// System is the process context stamped on every entry.
	System map[string]any `json:"system_context"`
	// PreviousHash chains the entry to its predecessor.
	PreviousHash string `json:"previous_hash"`
	// Hash is the entry's own canonical hash.
	Hash string `json:"entry_hash"`
	// Signature is the vault HMAC over the hash.
	Signature string `json:"signature"`
	// CreatedAt is when the worker committed the entry.
	CreatedAt time.Time `json:"created_at"`
}

// hashable is the canonical hashed form. Struct field order fixes the
// serialization; map keys are sorted by the JSON encoder.
type hashable struct {
	ID           string         `json:"id"`
	Sequence     int64          `json:"sequence_number"`
	Timestamp    string         `json:"timestamp"`
	Type         string         `json:"event_type"`
	Data         map[string]any `json:"event_data"`
	Subject      map[string]any `json:"subject_context"`
	System       map[string]any `json:"system_context"`
	PreviousHash string         `json:"previous_hash"`
}

// ComputeHash returns the canonical SHA-256 hash of the entry's chained
// fields.
func ComputeHash(e *Entry) (string, error) {
	raw, err := json.Marshal(hashable{
		ID:           e.ID,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:         e.Type,
		Data:         e.Data,
		Subject:      e.Subject,
		System:       e.System,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Checkpoint is a periodic snapshot of the chain tail, bounding crash
// recovery work.
type Checkpoint struct {
	Sequence  int64     `json:"sequence"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the persisted sidecar of the audit trail, written atomically
// after each commit.
type State struct {
	LastSequence    int64        `json:"last_sequence_number"`
	LastHash        string       `json:"last_entry_hash"`
	LastBackup      time.Time    `json:"last_backup_timestamp"`
	TotalEntries    int64        `json:"total_entries"`
	IntegrityPassed bool         `json:"integrity_check_passed"`
	Checkpoints     []Checkpoint `json:"recovery_checkpoints"`
}

// Config configures a Trail.
type Config struct {
	// Dir is the audit state directory.
	Dir string
	// Signer signs entry hashes.
	Signer Signer
	// Clock is the time source.
	Clock clockwork.Clock
	// QueueSize bounds the enqueue buffer.
	QueueSize int
	// BackupInterval is the periodic backup cadence. Zero disables the
	// backup timer.
	BackupInterval time.Duration
	// System is merged into every entry's system context.
	System map[string]any
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Signer == nil {
		return trace.BadParameter("missing parameter Signer")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaults.AuditQueueSize
	}
	if c.System == nil {
		c.System = map[string]any{}
	}
	hostname, _ := os.Hostname()
	if _, ok := c.System["hostname"]; !ok {
		c.System["hostname"] = hostname
	}
	if _, ok := c.System["pid"]; !ok {
		c.System["pid"] = os.Getpid()
	}
	if _, ok := c.System["runtime"]; !ok {
		c.System["runtime"] = runtime.Version()
	}
	return nil
}

// pending is one enqueued, not yet committed event.
type pending struct {
	id        string
	eventType string
	data      map[string]any
	subject   map[string]any
	timestamp time.Time
}

// Trail is the audit engine.
type Trail struct {
	cfg   Config
	log   *slog.Logger
	store *store

	queue    chan pending
	dropped  atomic.Int64
	enqueued atomic.Int64

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// state is owned by the worker; stateMu guards the snapshot read
	// path only.
	stateMu sync.RWMutex
	state   State
}

// New opens the audit trail, recovers state and starts the worker and
// backup timer.
func New(cfg Config) (*Trail, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	store, err := openStore(filepath.Join(cfg.Dir, storeFile))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	t := &Trail{
		cfg:   cfg,
		log:   slog.With(conduit.ComponentKey, conduit.ComponentAudit),
		store: store,
		queue: make(chan pending, cfg.QueueSize),
	}
	t.closeCtx, t.cancel = context.WithCancel(context.Background())

	if err := t.recoverState(); err != nil {
		store.close()
		return nil, trace.Wrap(err)
	}

	t.wg.Add(1)
	go t.worker()
	if cfg.BackupInterval > 0 {
		t.wg.Add(1)
		go t.backupLoop()
	}
	return t, nil
}

// recoverState loads the state file and reconciles it with the row store.
// A missing or inconsistent state file is rebuilt by scanning the store.
func (t *Trail) recoverState() error {
	var state State
	err := utils.ReadJSON(t.statePath(), &state)
	loaded := err == nil
	if err != nil && !trace.IsNotFound(err) {
		t.log.Warn("Audit state file unreadable, rebuilding from row store.", "error", err)
	}

	seq, hash, err := t.store.tail()
	if err != nil {
		return trace.Wrap(err)
	}
	total, err := t.store.count()
	if err != nil {
		return trace.Wrap(err)
	}

	consistent := loaded && state.LastSequence == seq &&
		state.LastHash == hash && state.TotalEntries == total
	if consistent {
		state.IntegrityPassed = true
		t.state = state
		return nil
	}
	if loaded {
		t.log.Warn("Audit state diverged from row store, rebuilding.",
			"state_seq", state.LastSequence, "store_seq", seq)
	}

	rebuilt := State{
		LastSequence:    seq,
		LastHash:        hash,
		TotalEntries:    total,
		IntegrityPassed: seq == total, // contiguity from 1
		LastBackup:      state.LastBackup,
	}
	// rebuild the checkpoint list from the retained tail
	for cp := (seq / defaults.AuditCheckpointEvery) * defaults.AuditCheckpointEvery; cp > 0 &&
		len(rebuilt.Checkpoints) < defaults.AuditRetainedCheckpoints; cp -= defaults.AuditCheckpointEvery {
		entry, err := t.store.get(cp)
		if err != nil {
			if trace.IsNotFound(err) {
				rebuilt.IntegrityPassed = false
				break
			}
			return trace.Wrap(err)
		}
		rebuilt.Checkpoints = append([]Checkpoint{{
			Sequence:  entry.Sequence,
			Hash:      entry.Hash,
			Timestamp: entry.Timestamp,
		}}, rebuilt.Checkpoints...)
	}
	t.state = rebuilt
	if err := t.persistState(); err != nil {
		return trace.Wrap(err)
	}
	t.log.Info("Audit state recovered.",
		"last_sequence", seq, "total_entries", total,
		"integrity_check_passed", rebuilt.IntegrityPassed)
	return nil
}

func (t *Trail) statePath() string {
	return filepath.Join(t.cfg.Dir, stateFile)
}

func (t *Trail) persistState() error {
	t.stateMu.RLock()
	snapshot := t.state
	t.stateMu.RUnlock()
	return trace.Wrap(utils.WriteJSONAtomic(t.statePath(), snapshot, 0o600))
}

// AddEntry enqueues an event without blocking. A full queue drops the
// event and returns LimitExceeded; callers treat that as an operator
// signal, not a data-plane failure.
func (t *Trail) AddEntry(eventType string, data, subject map[string]any) error {
	select {
	case <-t.closeCtx.Done():
		return trace.ConnectionProblem(nil, "audit trail is closed")
	default:
	}
	p := pending{
		id:        uuid.NewString(),
		eventType: eventType,
		data:      data,
		subject:   subject,
		timestamp: t.cfg.Clock.Now().UTC(),
	}
	select {
	case t.queue <- p:
		t.enqueued.Add(1)
		return nil
	default:
		t.dropped.Add(1)
		return trace.LimitExceeded("audit queue is full, event %q dropped", eventType)
	}
}

// worker is the single owner of the row store. It drains the queue and
// commits entries in FIFO order, retrying with backoff on store errors.
func (t *Trail) worker() {
	defer t.wg.Done()
	for {
		select {
		case p := <-t.queue:
			t.commitWithRetry(p)
		case <-t.closeCtx.Done():
			// drain what producers enqueued before close
			for {
				select {
				case p := <-t.queue:
					t.commitWithRetry(p)
				default:
					return
				}
			}
		}
	}
}

func (t *Trail) commitWithRetry(p pending) {
	for {
		err := t.commit(p)
		if err == nil {
			return
		}
		t.log.Error("Audit commit failed, backing off.",
			"event_type", p.eventType, "error", err)
		select {
		case <-t.cfg.Clock.After(workerBackoff):
		case <-t.closeCtx.Done():
			// one final attempt during shutdown drain
			if err := t.commit(p); err != nil {
				t.log.Error("Audit entry lost at shutdown.",
					"event_type", p.eventType, "error", err)
			}
			return
		}
	}
}

// commit assigns the next sequence number, hashes, signs, persists and
// updates state, checkpointing every AuditCheckpointEvery entries.
func (t *Trail) commit(p pending) error {
	entry := &Entry{
		ID:           p.id,
		Sequence:     t.state.LastSequence + 1,
		Timestamp:    p.timestamp,
		Type:         p.eventType,
		Data:         p.data,
		Subject:      p.subject,
		System:       t.cfg.System,
		PreviousHash: t.state.LastHash,
		CreatedAt:    t.cfg.Clock.Now().UTC(),
	}
	hash, err := ComputeHash(entry)
	if err != nil {
		return trace.Wrap(err)
	}
	entry.Hash = hash
	entry.Signature = t.cfg.Signer.HMAC([]byte(hash))

	if err := t.store.insert(entry); err != nil {
		return trace.Wrap(err)
	}

	t.stateMu.Lock()
	t.state.LastSequence = entry.Sequence
	t.state.LastHash = entry.Hash
	t.state.TotalEntries++
	if entry.Sequence%defaults.AuditCheckpointEvery == 0 {
		t.state.Checkpoints = append(t.state.Checkpoints, Checkpoint{
			Sequence:  entry.Sequence,
			Hash:      entry.Hash,
			Timestamp: entry.Timestamp,
		})
		if len(t.state.Checkpoints) > defaults.AuditRetainedCheckpoints {
			t.state.Checkpoints = t.state.Checkpoints[len(t.state.Checkpoints)-defaults.AuditRetainedCheckpoints:]
		}
	}
	t.stateMu.Unlock()

	return trace.Wrap(t.persistState())
}

// State returns a snapshot of the audit state.
func (t *Trail) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

// QueueDepth returns the number of entries waiting for the worker.
func (t *Trail) QueueDepth() int {
	return len(t.queue)
}

// Dropped returns how many events were dropped on a full queue.
func (t *Trail) Dropped() int64 {
	return t.dropped.Load()
}

// Entry returns one committed entry by sequence number.
func (t *Trail) Entry(seq int64) (*Entry, error) {
	entry, err := t.store.get(seq)
	return entry, trace.Wrap(err)
}

// Close stops accepting entries, drains the queue, attempts a final
// backup and closes the row store.
func (t *Trail) Close(ctx context.Context) error {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.log.Warn("Audit shutdown grace elapsed with the worker still draining.")
	}

	if _, err := t.Backup(); err != nil {
		t.log.Warn("Final audit backup failed.", "error", err)
	}
	return trace.Wrap(t.store.close())
}
