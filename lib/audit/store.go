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

package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gravitational/trace"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id              TEXT PRIMARY KEY,
	sequence_number INTEGER NOT NULL UNIQUE,
	timestamp       TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	event_data      TEXT NOT NULL,
	subject_context TEXT,
	system_context  TEXT NOT NULL,
	previous_hash   TEXT NOT NULL,
	entry_hash      TEXT NOT NULL,
	signature       TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_sequence ON audit_entries (sequence_number);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_entries (event_type);
`

// store is the sqlite row store. The audit worker is its single writer.
type store struct {
	db *sql.DB
}

// openStore opens or creates the row store at path. WAL journaling keeps
// the single writer from blocking verification reads.
func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// one writer owns the file
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error {
	return trace.Wrap(s.db.Close())
}

// insert persists one committed entry.
func (s *store) insert(e *Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return trace.Wrap(err)
	}
	system, err := json.Marshal(e.System)
	if err != nil {
		return trace.Wrap(err)
	}
	var subject any
	if e.Subject != nil {
		raw, err := json.Marshal(e.Subject)
		if err != nil {
			return trace.Wrap(err)
		}
		subject = string(raw)
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_entries (
			id, sequence_number, timestamp, event_type, event_data,
			subject_context, system_context, previous_hash, entry_hash,
			signature, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Sequence, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Type, string(data), subject, string(system),
		e.PreviousHash, e.Hash, e.Signature,
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	return trace.Wrap(err)
}

// tail returns the highest sequence number and its entry hash, or zeros
// on an empty store.
func (s *store) tail() (int64, string, error) {
	row := s.db.QueryRow(`
		SELECT sequence_number, entry_hash FROM audit_entries
		ORDER BY sequence_number DESC LIMIT 1`)
	var seq int64
	var hash string
	if err := row.Scan(&seq, &hash); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", nil
		}
		return 0, "", trace.Wrap(err)
	}
	return seq, hash, nil
}

// count returns the number of stored entries.
func (s *store) count() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, trace.Wrap(err)
}

// scanRange streams entries with sequence numbers in [from, to] in order
// to fn; fn returning false stops the scan.
func (s *store) scanRange(from, to int64, fn func(*Entry) bool) error {
	rows, err := s.db.Query(`
		SELECT id, sequence_number, timestamp, event_type, event_data,
		       subject_context, system_context, previous_hash, entry_hash,
		       signature, created_at
		FROM audit_entries
		WHERE sequence_number BETWEEN ? AND ?
		ORDER BY sequence_number`, from, to)
	if err != nil {
		return trace.Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return trace.Wrap(err)
		}
		if !fn(entry) {
			break
		}
	}
	return trace.Wrap(rows.Err())
}

// get returns one entry by sequence number.
func (s *store) get(seq int64) (*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, sequence_number, timestamp, event_type, event_data,
		       subject_context, system_context, previous_hash, entry_hash,
		       signature, created_at
		FROM audit_entries WHERE sequence_number = ?`, seq)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, trace.NotFound("no audit entry with sequence %d", seq)
	}
	entry, err := scanEntry(rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entry, trace.Wrap(rows.Err())
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var timestamp, data, system, createdAt string
	var subject sql.NullString
	if err := rows.Scan(&e.ID, &e.Sequence, &timestamp, &e.Type, &data,
		&subject, &system, &e.PreviousHash, &e.Hash, &e.Signature,
		&createdAt); err != nil {
		return nil, trace.Wrap(err)
	}
	var err error
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
		return nil, trace.Wrap(err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := json.Unmarshal([]byte(system), &e.System); err != nil {
		return nil, trace.Wrap(err)
	}
	if subject.Valid {
		if err := json.Unmarshal([]byte(subject.String), &e.Subject); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &e, nil
}
