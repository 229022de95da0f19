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

package configbackup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/conduit/lib/vault"
)

type testEnv struct {
	engine    *Engine
	configDir string
	clock     *clockwork.FakeClock
}

func newTestEnv(t *testing.T, excludes ...string) *testEnv {
	t.Helper()
	v, err := vault.New(vault.Config{Dir: t.TempDir(), Passphrase: "pass"})
	require.NoError(t, err)

	configDir := t.TempDir()
	writeFile(t, configDir, "app.yaml", "listen: 0.0.0.0:8080\nworkers: 4\n")
	writeFile(t, configDir, "db.json", `{"host": "db.internal", "port": 5432}`)
	writeFile(t, configDir, "notes.txt", "plain text\n")

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	engine, err := New(Config{
		Dir:      t.TempDir(),
		Paths:    []string{configDir},
		Excludes: excludes,
		Vault:    v,
		Clock:    clock,
	})
	require.NoError(t, err)
	return &testEnv{engine: engine, configDir: configDir, clock: clock}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// snapshot IDs carry second resolution, so successive snapshots need the
// clock moved
func (e *testEnv) snapshot(t *testing.T, trigger Trigger, force bool) *Meta {
	t.Helper()
	e.clock.Advance(time.Minute)
	meta, err := e.engine.Snapshot(trigger, force)
	require.NoError(t, err)
	return meta
}

func TestSnapshotAndChangeDetection(t *testing.T) {
	env := newTestEnv(t)

	meta := env.snapshot(t, TriggerManual, false)
	require.NotNil(t, meta)
	require.Equal(t, TriggerManual, meta.Trigger)
	require.Equal(t, 3, meta.FileCount)
	require.Equal(t, 3, meta.Added)
	require.Equal(t, 3, meta.ValidFiles)
	require.Zero(t, meta.InvalidFiles)

	// an unchanged tree produces no snapshot
	require.Nil(t, env.snapshot(t, TriggerManual, false))

	// unless forced
	forced := env.snapshot(t, TriggerManual, true)
	require.NotNil(t, forced)
	require.Zero(t, forced.Added+forced.Modified+forced.Removed)

	writeFile(t, env.configDir, "app.yaml", "listen: 0.0.0.0:9090\nworkers: 8\n")
	require.NoError(t, os.Remove(filepath.Join(env.configDir, "notes.txt")))
	writeFile(t, env.configDir, "extra.toml", "debug = true\n")

	meta = env.snapshot(t, TriggerWatch, false)
	require.NotNil(t, meta)
	require.Equal(t, 1, meta.Modified)
	require.Equal(t, 1, meta.Removed)
	require.Equal(t, 1, meta.Added)
	require.Equal(t, TriggerWatch, meta.Trigger)
}

func TestValidationSummary(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.configDir, "broken.json", `{"unterminated": `)
	writeFile(t, env.configDir, "broken.yaml", "a: [unclosed\n")

	meta := env.snapshot(t, TriggerManual, false)
	require.NotNil(t, meta)
	require.Equal(t, 2, meta.InvalidFiles)

	var invalid []string
	for _, f := range meta.Files {
		if !f.Valid {
			require.NotEmpty(t, f.ValidationError)
			invalid = append(invalid, filepath.Base(f.Path))
		}
		// the sidecar never carries content
		require.Nil(t, f.Content)
	}
	require.ElementsMatch(t, []string{"broken.json", "broken.yaml"}, invalid)
}

func TestExcludes(t *testing.T) {
	env := newTestEnv(t, "*.secret")
	writeFile(t, env.configDir, "api.secret", "token\n")

	meta := env.snapshot(t, TriggerManual, false)
	require.NotNil(t, meta)
	require.Equal(t, 3, meta.FileCount)
	for _, f := range meta.Files {
		require.NotEqual(t, "api.secret", filepath.Base(f.Path))
	}
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t)
	meta := env.snapshot(t, TriggerManual, false)
	require.NotNil(t, meta)

	yamlPath := filepath.Join(env.configDir, "app.yaml")
	txtPath := filepath.Join(env.configDir, "notes.txt")
	writeFile(t, env.configDir, "app.yaml", "listen: tampered\n")
	require.NoError(t, os.Remove(txtPath))

	// dry run reports the plan without touching disk
	plan, err := env.engine.Restore(meta.ID, true)
	require.NoError(t, err)
	require.True(t, plan.DryRun)
	require.Equal(t, 1, plan.Created)
	require.Equal(t, 1, plan.Updated)
	require.Equal(t, 1, plan.Unchanged)

	tampered, err := os.ReadFile(yamlPath)
	require.NoError(t, err)
	require.Equal(t, "listen: tampered\n", string(tampered))
	require.NoFileExists(t, txtPath)

	plan, err = env.engine.Restore(meta.ID, false)
	require.NoError(t, err)
	require.False(t, plan.DryRun)
	require.Equal(t, 1, plan.Created)
	require.Equal(t, 1, plan.Updated)

	restored, err := os.ReadFile(yamlPath)
	require.NoError(t, err)
	require.Equal(t, "listen: 0.0.0.0:8080\nworkers: 4\n", string(restored))
	require.FileExists(t, txtPath)

	// the restored tree is the new baseline
	require.Nil(t, env.snapshot(t, TriggerManual, false))
}

func TestPruneByCount(t *testing.T) {
	v, err := vault.New(vault.Config{Dir: t.TempDir(), Passphrase: "pass"})
	require.NoError(t, err)
	configDir := t.TempDir()
	writeFile(t, configDir, "app.yaml", "a: 1\n")

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	engine, err := New(Config{
		Dir:          t.TempDir(),
		Paths:        []string{configDir},
		Vault:        v,
		MaxSnapshots: 2,
		Clock:        clock,
	})
	require.NoError(t, err)

	var last *Meta
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		last, err = engine.Snapshot(TriggerManual, true)
		require.NoError(t, err)
	}

	list, err := engine.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, last.ID, list[1].ID)

	// pruned snapshots are gone entirely
	_, err = engine.GetMeta(list[0].ID)
	require.NoError(t, err)
}

func TestReopenSeedsBaseline(t *testing.T) {
	v, err := vault.New(vault.Config{Dir: t.TempDir(), Passphrase: "pass"})
	require.NoError(t, err)
	configDir := t.TempDir()
	writeFile(t, configDir, "app.yaml", "a: 1\n")
	snapshotDir := t.TempDir()

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	cfg := Config{Dir: snapshotDir, Paths: []string{configDir}, Vault: v, Clock: clock}

	engine, err := New(cfg)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	meta, err := engine.Snapshot(TriggerManual, false)
	require.NoError(t, err)
	require.NotNil(t, meta)

	// a fresh engine picks up the existing baseline and sees no changes
	reopened, err := New(cfg)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	again, err := reopened.Snapshot(TriggerManual, false)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestGetMetaNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.GetMeta("config_snapshot_29990101_000000")
	require.True(t, trace.IsNotFound(err))
	_, err = env.engine.Restore("config_snapshot_29990101_000000", true)
	require.True(t, trace.IsNotFound(err))
}
