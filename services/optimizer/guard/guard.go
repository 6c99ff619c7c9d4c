// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guard validates what a provider actually changed.
//
// Two independent checks run after every generation attempt: the
// source guard detects writes to the real chart directory (which must
// never happen and are reverted from a pristine reference), and the
// scope guard confines sandbox edits to the chart's allow-list,
// reverting anything outside it and rejecting file creation or
// deletion outright.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/kubeagle/pkg/logging"
	"github.com/AleutianAI/kubeagle/services/optimizer/hashfs"
	"github.com/AleutianAI/kubeagle/services/optimizer/stage"
)

// Sentinel errors for guard failures. Both mean the attempt is dead;
// the sandbox or real chart has already been reverted best-effort.
var (
	ErrSourceMutation = errors.New("unsafe source mutation detected and reverted")
	ErrScopeViolation = errors.New("scope violation")
)

// =============================================================================
// Ignored Paths
// =============================================================================

var ignoredPathNames = map[string]bool{
	".DS_Store":    true,
	".claude.json": true,
	".codex.json":  true,
}

var ignoredPathPrefixes = []string{
	".claude/",
	".codex/",
	".cursor/",
	".vscode/",
	".idea/",
	".git/",
}

// IsIgnoredPath reports whether a relative path is editor or VCS
// bookkeeping that never counts as a chart change. Provider tooling
// drops these files in the sandbox; without this filter they would
// trip the scope guard on every run.
func IsIgnoredPath(rel string) bool {
	normalized := strings.TrimSpace(strings.ReplaceAll(rel, "\\", "/"))
	if normalized == "" {
		return true
	}
	if ignoredPathNames[normalized] {
		return true
	}
	for _, prefix := range ignoredPathPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// =============================================================================
// Source Guard
// =============================================================================

// SourceGuard detects and reverts out-of-band writes to the real
// chart directory during a generation attempt.
type SourceGuard struct {
	logger *logging.Logger
}

// NewSourceGuard creates a source guard. A nil logger falls back to
// the default.
func NewSourceGuard(logger *logging.Logger) *SourceGuard {
	if logger == nil {
		logger = logging.Default()
	}
	return &SourceGuard{logger: logger}
}

// Check compares the real chart directory against the snapshot taken
// before provider execution.
//
// # Description
//
// Any difference means the provider escaped its sandbox. Every
// differing path is restored from the pristine reference copy:
// touched and deleted files are copied back, created files are
// removed. Restoration is best-effort per file; failures are logged
// and do not stop the remaining restores. The returned error wraps
// ErrSourceMutation and names a sample of the touched paths.
//
// # Inputs
//
//   - chartDir: the real chart directory.
//   - pristineDir: untouched reference copy taken at stage time.
//   - before: snapshot of chartDir taken immediately before the
//     provider ran.
//
// # Outputs
//
//   - []string: all differing relative paths, sorted. Empty on a
//     clean check.
//   - error: nil when nothing changed, otherwise ErrSourceMutation.
func (g *SourceGuard) Check(chartDir, pristineDir string, before map[string]string) ([]string, error) {
	after, err := hashfs.Snapshot(chartDir)
	if err != nil {
		return nil, fmt.Errorf("source guard snapshot: %w", err)
	}
	delta := hashfs.DiffSnapshots(before, after, IsIgnoredPath)
	if delta.Empty() {
		return nil, nil
	}

	touched := collectAll(delta)
	g.restore(chartDir, pristineDir, delta)
	return touched, fmt.Errorf("%w (%s)", ErrSourceMutation, sample(touched, 3))
}

func (g *SourceGuard) restore(chartDir, pristineDir string, delta hashfs.Delta) {
	for _, rel := range append(append([]string{}, delta.Touched...), delta.Deleted...) {
		src := filepath.Join(pristineDir, filepath.FromSlash(rel))
		dst := filepath.Join(chartDir, filepath.FromSlash(rel))
		if err := copyPreservingMode(src, dst); err != nil {
			g.logger.Error("source guard restore failed", "path", rel, "error", err)
		}
	}
	for _, rel := range delta.Created {
		dst := filepath.Join(chartDir, filepath.FromSlash(rel))
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			g.logger.Error("source guard remove failed", "path", rel, "error", err)
		}
	}
}

// =============================================================================
// Scope Guard
// =============================================================================

// ScopeGuard confines staged edits to the allowed file set.
type ScopeGuard struct {
	logger *logging.Logger
}

// NewScopeGuard creates a scope guard. A nil logger falls back to the
// default.
func NewScopeGuard(logger *logging.Logger) *ScopeGuard {
	if logger == nil {
		logger = logging.Default()
	}
	return &ScopeGuard{logger: logger}
}

// ScopeResult is the outcome of a scope validation pass.
type ScopeResult struct {
	// ChangedPaths lists in-scope edited paths, sorted. Always a
	// subset of the scope.
	ChangedPaths []string

	// Discarded lists out-of-scope paths that were reverted inside
	// the sandbox, sorted.
	Discarded []string
}

// Validate diffs the staged chart against the original and enforces
// the edit scope.
//
// # Description
//
// Out-of-scope edits are reverted inside the sandbox (the original
// file is copied back, created files are deleted) and the delta is
// recomputed. After reverting, any remaining file creation or
// deletion fails validation with a listing capped to five paths, even
// for allow-listed files. The surviving in-scope edited paths become
// the attempt's changed set.
func (g *ScopeGuard) Validate(chartDir, stagedDir string, scope map[string]bool) (ScopeResult, error) {
	delta, err := diffDirs(chartDir, stagedDir)
	if err != nil {
		return ScopeResult{}, err
	}

	discarded := g.revertOutOfScope(chartDir, stagedDir, delta, scope)
	if len(discarded) > 0 {
		g.logger.Info("scope guard discarded out-of-scope edits",
			"staged", stagedDir, "paths", sample(discarded, 3))
		delta, err = diffDirs(chartDir, stagedDir)
		if err != nil {
			return ScopeResult{}, err
		}
	}

	if len(delta.Created) > 0 {
		return ScopeResult{Discarded: discarded},
			fmt.Errorf("%w: file creation is forbidden in direct-edit mode: %s",
				ErrScopeViolation, strings.Join(cap5(delta.Created), ", "))
	}
	if len(delta.Deleted) > 0 {
		return ScopeResult{Discarded: discarded},
			fmt.Errorf("%w: file deletion is forbidden in direct-edit mode: %s",
				ErrScopeViolation, strings.Join(cap5(delta.Deleted), ", "))
	}
	for _, rel := range delta.Touched {
		if !scope[rel] {
			return ScopeResult{Discarded: discarded},
				fmt.Errorf("%w: out-of-scope file edit detected: %s", ErrScopeViolation, rel)
		}
	}

	changed := append([]string{}, delta.Touched...)
	sort.Strings(changed)
	return ScopeResult{ChangedPaths: changed, Discarded: discarded}, nil
}

// revertOutOfScope copies original content back over (or deletes) every
// out-of-scope path in the sandbox, returning the reverted paths sorted.
func (g *ScopeGuard) revertOutOfScope(chartDir, stagedDir string, delta hashfs.Delta, scope map[string]bool) []string {
	var reverted []string
	for _, rel := range append(append([]string{}, delta.Touched...), delta.Deleted...) {
		if scope[rel] {
			continue
		}
		src := filepath.Join(chartDir, filepath.FromSlash(rel))
		dst := filepath.Join(stagedDir, filepath.FromSlash(rel))
		if err := copyPreservingMode(src, dst); err != nil {
			g.logger.Error("scope guard revert failed", "path", rel, "error", err)
			continue
		}
		reverted = append(reverted, rel)
	}
	for _, rel := range delta.Created {
		if scope[rel] {
			continue
		}
		dst := filepath.Join(stagedDir, filepath.FromSlash(rel))
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			g.logger.Error("scope guard delete failed", "path", rel, "error", err)
			continue
		}
		reverted = append(reverted, rel)
	}
	sort.Strings(reverted)
	return reverted
}

// copyPreservingMode reverts a file with the source's permission bits
// so executable hooks keep their mode across a restore.
func copyPreservingMode(src, dst string) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(src); err == nil {
		mode = info.Mode().Perm()
	}
	return stage.CopyFile(src, dst, mode)
}

func diffDirs(before, after string) (hashfs.Delta, error) {
	beforeSnap, err := hashfs.Snapshot(before)
	if err != nil {
		return hashfs.Delta{}, fmt.Errorf("scope guard snapshot: %w", err)
	}
	afterSnap, err := hashfs.Snapshot(after)
	if err != nil {
		return hashfs.Delta{}, fmt.Errorf("scope guard snapshot: %w", err)
	}
	return hashfs.DiffSnapshots(beforeSnap, afterSnap, IsIgnoredPath), nil
}

func collectAll(delta hashfs.Delta) []string {
	all := make([]string, 0, len(delta.Touched)+len(delta.Created)+len(delta.Deleted))
	all = append(all, delta.Touched...)
	all = append(all, delta.Created...)
	all = append(all, delta.Deleted...)
	sort.Strings(all)
	return all
}

func sample(paths []string, n int) string {
	if len(paths) <= n {
		return strings.Join(paths, ", ")
	}
	return strings.Join(paths[:n], ", ") + "..."
}

func cap5(paths []string) []string {
	if len(paths) > 5 {
		return paths[:5]
	}
	return paths
}
