// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stage creates disposable sandbox copies of chart directories.
//
// A provider edits files inside a staged workspace, never in the real
// chart. Workspaces live under the system temp directory and are
// removed by Cleanup once their changes have been promoted or
// discarded.
package stage

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/AleutianAI/kubeagle/pkg/logging"
)

// =============================================================================
// Workspace
// =============================================================================

// Workspace is one staged copy of a chart.
type Workspace struct {
	// Root is the owned temp directory. Cleanup removes it entirely.
	Root string

	// ChartDir is the staged chart copy inside Root.
	ChartDir string
}

// Cleanup removes the workspace root. The error is returned so the
// caller can log it; a missing root is not an error.
func (w *Workspace) Cleanup() error {
	if w == nil || w.Root == "" {
		return nil
	}
	if err := os.RemoveAll(w.Root); err != nil {
		return fmt.Errorf("cleanup workspace %s: %w", w.Root, err)
	}
	return nil
}

// =============================================================================
// Stager
// =============================================================================

// Stager copies chart directories into isolated temp workspaces.
type Stager struct {
	logger *logging.Logger

	// baseDir overrides the system temp dir, used by tests.
	baseDir string
}

// NewStager creates a stager. A nil logger falls back to the default.
func NewStager(logger *logging.Logger) *Stager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Stager{logger: logger}
}

// Stage copies chartDir into a fresh temp workspace.
//
// # Description
//
// The workspace root is named kubeagle-direct-edit-<uuid> under the
// system temp directory; the chart copy keeps the chart's base name so
// relative paths line up between the real and staged trees. File modes
// are preserved; symlinks are not followed (charts are plain trees).
//
// # Outputs
//
//   - *Workspace: the caller owns it and must Cleanup.
//   - error: the partially built root is removed before returning.
func (s *Stager) Stage(chartDir string) (*Workspace, error) {
	abs, err := filepath.Abs(chartDir)
	if err != nil {
		return nil, fmt.Errorf("resolve chart dir: %w", err)
	}
	base := s.baseDir
	if base == "" {
		base = os.TempDir()
	}
	root := filepath.Join(base, "kubeagle-direct-edit-"+uuid.NewString())
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create stage root: %w", err)
	}
	staged := filepath.Join(root, filepath.Base(abs))
	if err := copyTree(abs, staged); err != nil {
		if rmErr := os.RemoveAll(root); rmErr != nil {
			s.logger.Warn("failed to remove partial stage root", "root", root, "error", rmErr)
		}
		return nil, fmt.Errorf("stage %s: %w", abs, err)
	}
	s.logger.Debug("staged chart workspace", "chart", abs, "root", root)
	return &Workspace{Root: root, ChartDir: staged}, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return CopyFile(path, target, info.Mode().Perm())
	})
}

// CopyFile copies src to dst with the given mode, creating parent
// directories as needed.
func CopyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
