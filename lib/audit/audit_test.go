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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// testSigner is an HMAC signer with a fixed key.
type testSigner struct {
	key []byte
	// gate, when set, blocks HMAC until the channel closes.
	gate chan struct{}
}

func (s *testSigner) HMAC(text []byte) string {
	if s.gate != nil {
		<-s.gate
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(text)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (s *testSigner) VerifyHMAC(text []byte, signature string) bool {
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(text)
	return subtle.ConstantTimeCompare(mac.Sum(nil), want) == 1
}

func newTestTrail(t *testing.T, dir string) *Trail {
	t.Helper()
	trail, err := New(Config{
		Dir:    dir,
		Signer: &testSigner{key: []byte("test-key")},
	})
	require.NoError(t, err)
	return trail
}

// waitForSequence blocks until the worker has committed through seq.
func waitForSequence(t *testing.T, trail *Trail, seq int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return trail.State().LastSequence >= seq
	}, 10*time.Second, 5*time.Millisecond)
}

func TestHashChain(t *testing.T) {
	trail := newTestTrail(t, t.TempDir())
	defer trail.Close(context.Background())

	subject := map[string]any{"id": "alice"}
	require.NoError(t, trail.AddEntry("query_executed", map[string]any{"database": "prod"}, subject))
	require.NoError(t, trail.AddEntry("query_executed", map[string]any{"database": "prod"}, nil))
	require.NoError(t, trail.AddEntry("connection_closed", nil, subject))
	waitForSequence(t, trail, 3)

	first, err := trail.Entry(1)
	require.NoError(t, err)
	require.Empty(t, first.PreviousHash)
	require.Equal(t, "query_executed", first.Type)
	require.Equal(t, "alice", first.Subject["id"])
	require.NotEmpty(t, first.System["hostname"])

	second, err := trail.Entry(2)
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.PreviousHash)
	require.Nil(t, second.Subject)

	third, err := trail.Entry(3)
	require.NoError(t, err)
	require.Equal(t, second.Hash, third.PreviousHash)

	// stored hashes recompute identically from the persisted rows
	for _, e := range []*Entry{first, second, third} {
		hash, err := ComputeHash(e)
		require.NoError(t, err)
		require.Equal(t, e.Hash, hash)
	}

	state := trail.State()
	require.Equal(t, int64(3), state.LastSequence)
	require.Equal(t, third.Hash, state.LastHash)
	require.Equal(t, int64(3), state.TotalEntries)
}

func TestVerifyPasses(t *testing.T) {
	trail := newTestTrail(t, t.TempDir())
	defer trail.Close(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, trail.AddEntry("event", map[string]any{"i": fmt.Sprint(i)}, nil))
	}
	waitForSequence(t, trail, 5)

	result, err := trail.Verify(1, 5)
	require.NoError(t, err)
	require.True(t, result.Passed)
	require.Equal(t, int64(5), result.Scanned)
	require.Zero(t, result.HashMismatches)
	require.Zero(t, result.ChainBreaks)
	require.Zero(t, result.SignatureFailures)
	require.True(t, trail.State().IntegrityPassed)

	// partial ranges anchor on the preceding row
	result, err = trail.Verify(3, 5)
	require.NoError(t, err)
	require.True(t, result.Passed)

	_, err = trail.Verify(0, 5)
	require.True(t, trace.IsBadParameter(err))
	_, err = trail.Verify(5, 3)
	require.True(t, trace.IsBadParameter(err))
}

func TestVerifyDetectsTampering(t *testing.T) {
	trail := newTestTrail(t, t.TempDir())
	defer trail.Close(context.Background())

	for i := 0; i < 4; i++ {
		require.NoError(t, trail.AddEntry("event", map[string]any{"n": fmt.Sprint(i)}, nil))
	}
	waitForSequence(t, trail, 4)

	// rewrite entry 2's payload behind the trail's back
	_, err := trail.store.db.Exec(
		`UPDATE audit_entries SET event_data = ? WHERE sequence_number = 2`,
		`{"n":"999"}`)
	require.NoError(t, err)

	result, err := trail.Verify(1, 4)
	require.NoError(t, err)
	require.False(t, result.Passed)
	// the tampered entry fails its own hash, and entry 3 no longer chains
	// to the recomputed hash of entry 2
	require.Equal(t, int64(1), result.HashMismatches)
	require.Equal(t, int64(1), result.ChainBreaks)
	require.Equal(t, int64(2), result.FirstBadSequence)
	require.False(t, trail.State().IntegrityPassed)
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	trail := newTestTrail(t, t.TempDir())
	defer trail.Close(context.Background())

	require.NoError(t, trail.AddEntry("event", nil, nil))
	waitForSequence(t, trail, 1)

	_, err := trail.store.db.Exec(
		`UPDATE audit_entries SET signature = ? WHERE sequence_number = 1`,
		base64.StdEncoding.EncodeToString([]byte("forged")))
	require.NoError(t, err)

	result, err := trail.Verify(1, 1)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.Equal(t, int64(1), result.SignatureFailures)
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	trail := newTestTrail(t, dir)
	for i := 0; i < 3; i++ {
		require.NoError(t, trail.AddEntry("event", nil, nil))
	}
	waitForSequence(t, trail, 3)
	lastHash := trail.State().LastHash
	require.NoError(t, trail.Close(context.Background()))

	// simulate losing the state sidecar in a crash
	require.NoError(t, os.Remove(filepath.Join(dir, stateFile)))

	reopened := newTestTrail(t, dir)
	defer reopened.Close(context.Background())

	state := reopened.State()
	require.Equal(t, int64(3), state.LastSequence)
	require.Equal(t, lastHash, state.LastHash)
	require.Equal(t, int64(3), state.TotalEntries)
	require.True(t, state.IntegrityPassed)

	// the chain continues where it left off
	require.NoError(t, reopened.AddEntry("event", nil, nil))
	waitForSequence(t, reopened, 4)
	fourth, err := reopened.Entry(4)
	require.NoError(t, err)
	require.Equal(t, lastHash, fourth.PreviousHash)
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	gate := make(chan struct{})
	trail, err := New(Config{
		Dir:       t.TempDir(),
		Signer:    &testSigner{key: []byte("k"), gate: gate},
		QueueSize: 2,
	})
	require.NoError(t, err)

	// first event occupies the worker inside the blocked signer
	require.NoError(t, trail.AddEntry("e0", nil, nil))
	require.Eventually(t, func() bool {
		return trail.QueueDepth() == 0
	}, 5*time.Second, time.Millisecond)

	// fill the queue, then overflow it
	require.NoError(t, trail.AddEntry("e1", nil, nil))
	require.NoError(t, trail.AddEntry("e2", nil, nil))
	err = trail.AddEntry("e3", nil, nil)
	require.True(t, trace.IsLimitExceeded(err))
	require.Equal(t, int64(1), trail.Dropped())

	close(gate)
	waitForSequence(t, trail, 3)

	// committed entries preserve enqueue order
	for seq, want := range map[int64]string{1: "e0", 2: "e1", 3: "e2"} {
		entry, err := trail.Entry(seq)
		require.NoError(t, err)
		require.Equal(t, want, entry.Type)
	}
	require.NoError(t, trail.Close(context.Background()))
}

func TestAddEntryAfterClose(t *testing.T) {
	trail := newTestTrail(t, t.TempDir())
	require.NoError(t, trail.Close(context.Background()))
	err := trail.AddEntry("event", nil, nil)
	require.True(t, trace.IsConnectionProblem(err))
}

func TestCheckpoints(t *testing.T) {
	trail := newTestTrail(t, t.TempDir())
	defer trail.Close(context.Background())

	for i := 0; i < 205; i++ {
		require.NoError(t, trail.AddEntry("event", nil, nil))
	}
	waitForSequence(t, trail, 205)

	state := trail.State()
	require.Len(t, state.Checkpoints, 2)
	require.Equal(t, int64(100), state.Checkpoints[0].Sequence)
	require.Equal(t, int64(200), state.Checkpoints[1].Sequence)

	entry, err := trail.Entry(200)
	require.NoError(t, err)
	require.Equal(t, entry.Hash, state.Checkpoints[1].Hash)
}

func TestBackup(t *testing.T) {
	trail := newTestTrail(t, t.TempDir())
	defer trail.Close(context.Background())

	require.NoError(t, trail.AddEntry("event", nil, nil))
	waitForSequence(t, trail, 1)

	manifest, err := trail.Backup()
	require.NoError(t, err)
	require.Equal(t, int64(1), manifest.LastSequence)
	require.NotEmpty(t, manifest.StoreHash)
	require.False(t, trail.State().LastBackup.IsZero())

	backups, err := trail.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.Equal(t, manifest.ID, backups[0].ID)
}
