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

	"github.com/gravitational/trace"

	"github.com/gravitational/conduit/lib/utils"
)

// RestoreAction says what restoring a file would do.
type RestoreAction string

const (
	// ActionCreate writes a file that does not exist on disk.
	ActionCreate RestoreAction = "create"
	// ActionUpdate overwrites a file whose content differs.
	ActionUpdate RestoreAction = "update"
	// ActionUnchanged leaves a file whose content already matches.
	ActionUnchanged RestoreAction = "unchanged"
)

// RestoreStep is one file in a restore plan.
type RestoreStep struct {
	// Path is the target file path.
	Path string `json:"path"`
	// Action is what restore would do to the file.
	Action RestoreAction `json:"action"`
	// Size is the restored content size.
	Size int64 `json:"size"`
}

// RestorePlan describes a restore of one snapshot.
type RestorePlan struct {
	// SnapshotID identifies the restored snapshot.
	SnapshotID string `json:"snapshot_id"`
	// DryRun is true when no files were written.
	DryRun bool `json:"dry_run"`
	// Steps lists the per-file outcomes.
	Steps []RestoreStep `json:"steps"`
	// Created, Updated and Unchanged count the step kinds.
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Restore puts a snapshot's files back on disk. With dryRun the plan is
// computed and returned without writing anything. Restore only writes
// files; reloading whatever reads them is up to the operator.
func (e *Engine) Restore(id string, dryRun bool) (*RestorePlan, error) {
	p, err := e.open(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plan := &RestorePlan{SnapshotID: id, DryRun: dryRun}
	for _, f := range p.Files {
		step := RestoreStep{Path: f.Path, Size: int64(len(f.Content))}
		current, err := os.ReadFile(f.Path)
		switch {
		case os.IsNotExist(err):
			step.Action = ActionCreate
		case err != nil:
			return nil, trace.ConvertSystemError(err)
		case utils.SHA256Bytes(current) == f.Hash:
			step.Action = ActionUnchanged
		default:
			step.Action = ActionUpdate
		}

		if !dryRun && step.Action != ActionUnchanged {
			if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
				return nil, trace.ConvertSystemError(err)
			}
			if err := utils.WriteFileAtomic(f.Path, f.Content, f.Mode); err != nil {
				return nil, trace.Wrap(err)
			}
		}

		switch step.Action {
		case ActionCreate:
			plan.Created++
		case ActionUpdate:
			plan.Updated++
		case ActionUnchanged:
			plan.Unchanged++
		}
		plan.Steps = append(plan.Steps, step)
	}

	if !dryRun {
		// the restored tree is the new change baseline
		e.mu.Lock()
		e.lastHashes = make(map[string]string, len(p.Files))
		for _, f := range p.Files {
			e.lastHashes[f.Path] = f.Hash
		}
		e.mu.Unlock()

		e.log.Info("Config snapshot restored.",
			"snapshot_id", id,
			"created", plan.Created,
			"updated", plan.Updated,
			"unchanged", plan.Unchanged)
		e.cfg.Recorder("config_restored", map[string]any{
			"snapshot_id": id,
			"created":     plan.Created,
			"updated":     plan.Updated,
			"unchanged":   plan.Unchanged,
		})
	}
	return plan, nil
}
