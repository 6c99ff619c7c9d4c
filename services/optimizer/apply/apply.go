// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apply promotes accepted fixes into the real chart. All
// writes are guarded: staleness is checked before the first byte is
// written, and a mid-apply failure rolls the chart back to its
// pre-apply state.
package apply

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/kubeagle/pkg/logging"
	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/generate"
	"github.com/AleutianAI/kubeagle/services/optimizer/hashfs"
	"github.com/AleutianAI/kubeagle/services/optimizer/patch"
	"github.com/AleutianAI/kubeagle/services/optimizer/stage"
	"github.com/AleutianAI/kubeagle/services/optimizer/vtree"
)

// ErrApplyFailed marks an apply that wrote nothing or was rolled back.
var ErrApplyFailed = errors.New("apply failed")

// ErrStale marks a chart that changed on disk after generation.
var ErrStale = errors.New("chart changed on disk since the fix was generated; regenerate the fix")

// Report describes what an apply call did to the real chart.
type Report struct {
	// ChangedFiles lists the relative paths written, in apply order.
	ChangedFiles []string

	// RolledBack is true when a partial apply was reverted.
	RolledBack bool
}

// Applier writes staged or bundled fixes into real charts.
type Applier struct {
	logger *logging.Logger
	stager *stage.Stager
}

// NewApplier creates an applier. A nil logger falls back to the
// process default.
func NewApplier(logger *logging.Logger) *Applier {
	if logger == nil {
		logger = logging.Default()
	}
	return &Applier{logger: logger, stager: stage.NewStager(logger)}
}

// =============================================================================
// Staged Promotion
// =============================================================================

// PromoteStaged copies a generation artifact's changed files from the
// staged workspace into the real chart.
//
// # Description
//
// Before any write, every target file's current hash is compared to
// the hash recorded at generation time; any mismatch aborts with
// ErrStale and the chart is untouched. Writes then proceed file by
// file, remembering each file's prior content. A failed write reverts
// everything written so far.
//
// # Inputs
//
//   - chartDir: the real chart root the artifact was generated from.
//   - artifact: a successful generation's retained workspace.
//
// # Outputs
//
//   - Report: changed paths, and whether a rollback happened.
//   - error: ErrStale on drift, ErrApplyFailed on a write failure.
func (a *Applier) PromoteStaged(chartDir string, artifact *generate.Artifact) (Report, error) {
	if artifact == nil || artifact.StagedChartDir == "" {
		return Report{}, fmt.Errorf("%w: no staged artifact to promote", ErrApplyFailed)
	}
	if len(artifact.ChangedRelPaths) == 0 {
		return Report{}, nil
	}

	var stale []string
	for _, rel := range artifact.ChangedRelPaths {
		digest, err := hashfs.HashFile(filepath.Join(chartDir, filepath.FromSlash(rel)))
		if err != nil || digest != artifact.SourceHashes[rel] {
			stale = append(stale, rel)
		}
	}
	if len(stale) > 0 {
		return Report{}, fmt.Errorf("%w (%s)", ErrStale, strings.Join(stale, ", "))
	}

	writes := make([]fileWrite, 0, len(artifact.ChangedRelPaths))
	for _, rel := range artifact.ChangedRelPaths {
		staged := filepath.Join(artifact.StagedChartDir, filepath.FromSlash(rel))
		content, err := os.ReadFile(staged)
		if err != nil {
			return Report{}, fmt.Errorf("%w: read staged file %s: %v", ErrApplyFailed, rel, err)
		}
		writes = append(writes, fileWrite{rel: rel, content: content})
	}
	return a.commit(chartDir, writes)
}

// =============================================================================
// Bundle Apply
// =============================================================================

// ApplyBundle writes a reviewed patch bundle into the real chart.
//
// # Description
//
// The bundle's values overlay is merged into the chart's current
// values file; template patches carry their full updated content,
// with the unified diff validated for structure before anything is
// written. Every target must be inside the chart's edit scope.
//
// Apply is stage-then-replace: the full target state is first written
// into a fresh temp copy of the chart and read back, so missing
// targets and disk-level write failures surface in the throwaway copy.
// Only then are the real files replaced, with the same rollback as
// PromoteStaged.
func (a *Applier) ApplyBundle(ref chart.ChartRef, bundle patch.Bundle) (Report, error) {
	if bundle.Empty() {
		return Report{}, nil
	}
	scope := ref.EditScope()

	var writes []fileWrite
	if !bundle.ValuesPatch.Empty() {
		content, err := mergedValues(ref, bundle.ValuesPatch)
		if err != nil {
			return Report{}, fmt.Errorf("%w: %v", ErrApplyFailed, err)
		}
		writes = append(writes, fileWrite{rel: ref.ValuesFile, content: content})
	}
	for _, tp := range bundle.TemplatePatches {
		if !scope[tp.File] {
			return Report{}, fmt.Errorf("%w: template patch targets a file outside the edit scope: %s",
				ErrApplyFailed, tp.File)
		}
		if strings.TrimSpace(tp.UnifiedDiff) != "" {
			if _, err := diff.ParseFileDiff([]byte(tp.UnifiedDiff)); err != nil {
				return Report{}, fmt.Errorf("%w: template patch for %s has an invalid diff: %v",
					ErrApplyFailed, tp.File, err)
			}
		}
		writes = append(writes, fileWrite{rel: tp.File, content: []byte(tp.UpdatedContent)})
	}

	if err := a.verifyInStagedCopy(ref.Dir, writes); err != nil {
		return Report{}, err
	}
	return a.commit(ref.Dir, writes)
}

// verifyInStagedCopy writes every target into a temp copy of the
// chart and reads each back, proving the writes land before the real
// chart is touched.
func (a *Applier) verifyInStagedCopy(chartDir string, writes []fileWrite) error {
	ws, err := a.stager.Stage(chartDir)
	if err != nil {
		return fmt.Errorf("%w: stage apply workspace: %v", ErrApplyFailed, err)
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			a.logger.Warn("apply workspace cleanup failed", "error", err)
		}
	}()

	for _, w := range writes {
		target := filepath.Join(ws.ChartDir, filepath.FromSlash(w.rel))
		info, err := os.Stat(target)
		if err != nil {
			return fmt.Errorf("%w: target file missing: %s", ErrApplyFailed, w.rel)
		}
		if err := os.WriteFile(target, w.content, info.Mode().Perm()); err != nil {
			return fmt.Errorf("%w: staged write %s: %v", ErrApplyFailed, w.rel, err)
		}
	}
	for _, w := range writes {
		target := filepath.Join(ws.ChartDir, filepath.FromSlash(w.rel))
		got, err := os.ReadFile(target)
		if err != nil || !bytes.Equal(got, w.content) {
			return fmt.Errorf("%w: staged write verification failed for %s", ErrApplyFailed, w.rel)
		}
	}
	return nil
}

func mergedValues(ref chart.ChartRef, overlay vtree.Value) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(ref.Dir, filepath.FromSlash(ref.ValuesFile)))
	if err != nil {
		return nil, fmt.Errorf("read values file: %v", err)
	}
	current, err := vtree.FromYAMLMap(raw)
	if err != nil {
		return nil, fmt.Errorf("parse values file: %v", err)
	}
	return vtree.ToYAML(vtree.Merge(current, overlay))
}

// =============================================================================
// Write Transaction
// =============================================================================

type fileWrite struct {
	rel     string
	content []byte
}

// commit writes each file, keeping the prior bytes for rollback.
func (a *Applier) commit(chartDir string, writes []fileWrite) (Report, error) {
	type savedFile struct {
		path string
		prev []byte
		mode os.FileMode
	}
	var applied []savedFile
	var changed []string

	rollback := func() bool {
		ok := true
		for i := len(applied) - 1; i >= 0; i-- {
			s := applied[i]
			if err := os.WriteFile(s.path, s.prev, s.mode); err != nil {
				ok = false
				a.logger.Error("rollback write failed", "path", s.path, "error", err)
			}
		}
		return ok
	}

	for _, w := range writes {
		target := filepath.Join(chartDir, filepath.FromSlash(w.rel))
		info, err := os.Stat(target)
		if err != nil {
			rollback()
			return Report{RolledBack: len(applied) > 0},
				fmt.Errorf("%w: target file missing: %s", ErrApplyFailed, w.rel)
		}
		prev, err := os.ReadFile(target)
		if err != nil {
			rollback()
			return Report{RolledBack: len(applied) > 0},
				fmt.Errorf("%w: read %s before write: %v", ErrApplyFailed, w.rel, err)
		}
		if err := os.WriteFile(target, w.content, info.Mode().Perm()); err != nil {
			rollback()
			return Report{RolledBack: len(applied) > 0},
				fmt.Errorf("%w: write %s: %v", ErrApplyFailed, w.rel, err)
		}
		applied = append(applied, savedFile{path: target, prev: prev, mode: info.Mode().Perm()})
		changed = append(changed, w.rel)
	}

	a.logger.Info("applied fix to chart", "chart", chartDir, "files", len(changed))
	return Report{ChangedFiles: changed}, nil
}
