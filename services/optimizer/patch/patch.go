// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patch turns a validated sandbox delta into a reviewable
// bundle: a minimal values overlay plus per-template unified diffs
// against the original files.
package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/vtree"
)

// ErrParse marks malformed values YAML or unreadable staged content.
// Patch generation fails closed on it; structure is never silently
// dropped.
var ErrParse = errors.New("patch parse error")

// =============================================================================
// Bundle
// =============================================================================

// TemplatePatch is one template file's change.
type TemplatePatch struct {
	// File is the slash-relative template path.
	File string

	// Purpose is a short human note on why the patch exists.
	Purpose string

	// UnifiedDiff is the diff with a/<path> and b/<path> headers.
	UnifiedDiff string

	// UpdatedContent is the full staged file content, kept because
	// diff context may not reconstruct against a moved or ambiguous
	// original during preview.
	UpdatedContent string
}

// Bundle is the structured result of a generation.
type Bundle struct {
	// ValuesPatch is the minimal overlay for the values file. An
	// empty overlay means no values change.
	ValuesPatch vtree.Value

	// TemplatePatches holds one entry per changed template file.
	TemplatePatches []TemplatePatch
}

// Empty reports whether the bundle carries no changes at all.
func (b Bundle) Empty() bool {
	return b.ValuesPatch.Empty() && len(b.TemplatePatches) == 0
}

// =============================================================================
// Builder
// =============================================================================

// BuildBundle computes the patch bundle for a validated delta.
//
// # Description
//
// The values overlay is computed with vtree over fresh parses of the
// original and staged values files; either root failing to parse as a
// mapping fails the whole build with ErrParse. Template diffs use
// three lines of context and a/<path>, b/<path> headers; staged
// content is normalized to end with a newline before diffing. A
// changed path whose diff comes out empty (line-ending-only churn) is
// dropped. Paths outside templates/ and the values file are ignored.
//
// # Inputs
//
//   - ref: the chart whose files are being patched.
//   - stagedDir: the validated sandbox chart copy.
//   - changedPaths: in-scope changed relative paths from the scope
//     guard.
func BuildBundle(ref chart.ChartRef, stagedDir string, changedPaths []string) (Bundle, error) {
	var bundle Bundle
	bundle.ValuesPatch = vtree.MapVal()

	for _, rel := range changedPaths {
		switch {
		case rel == ref.ValuesFile:
			overlay, err := buildValuesOverlay(ref, stagedDir)
			if err != nil {
				return Bundle{}, err
			}
			bundle.ValuesPatch = overlay
		case strings.HasPrefix(rel, "templates/"):
			tp, ok, err := buildTemplatePatch(ref, stagedDir, rel)
			if err != nil {
				return Bundle{}, err
			}
			if ok {
				bundle.TemplatePatches = append(bundle.TemplatePatches, tp)
			}
		}
	}
	return bundle, nil
}

func buildValuesOverlay(ref chart.ChartRef, stagedDir string) (vtree.Value, error) {
	originalRaw, err := os.ReadFile(filepath.Join(ref.Dir, filepath.FromSlash(ref.ValuesFile)))
	if err != nil {
		return vtree.Value{}, fmt.Errorf("%w: read original values: %v", ErrParse, err)
	}
	stagedRaw, err := os.ReadFile(filepath.Join(stagedDir, filepath.FromSlash(ref.ValuesFile)))
	if err != nil {
		return vtree.Value{}, fmt.Errorf("%w: staged values file is missing: %v", ErrParse, err)
	}
	original, err := vtree.FromYAMLMap(originalRaw)
	if err != nil {
		return vtree.Value{}, fmt.Errorf("%w: original values: %v", ErrParse, err)
	}
	staged, err := vtree.FromYAMLMap(stagedRaw)
	if err != nil {
		return vtree.Value{}, fmt.Errorf("%w: staged values: %v", ErrParse, err)
	}
	return vtree.Overlay(original, staged), nil
}

func buildTemplatePatch(ref chart.ChartRef, stagedDir, rel string) (TemplatePatch, bool, error) {
	originalRaw, err := os.ReadFile(filepath.Join(ref.Dir, filepath.FromSlash(rel)))
	if err != nil {
		return TemplatePatch{}, false, fmt.Errorf("%w: read original template %s: %v", ErrParse, rel, err)
	}
	stagedRaw, err := os.ReadFile(filepath.Join(stagedDir, filepath.FromSlash(rel)))
	if err != nil {
		return TemplatePatch{}, false, fmt.Errorf("%w: staged template file missing: %s", ErrParse, rel)
	}

	updated := string(stagedRaw)
	if !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}

	diffText, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(originalRaw)),
		B:        difflib.SplitLines(updated),
		FromFile: "a/" + rel,
		ToFile:   "b/" + rel,
		Context:  3,
	})
	if err != nil {
		return TemplatePatch{}, false, fmt.Errorf("%w: diff %s: %v", ErrParse, rel, err)
	}
	if strings.TrimSpace(diffText) == "" {
		// Hash said touched but no line differences remain.
		return TemplatePatch{}, false, nil
	}
	return TemplatePatch{
		File:           rel,
		Purpose:        "Edited directly by LLM in staged workspace.",
		UnifiedDiff:    strings.TrimRight(diffText, "\n"),
		UpdatedContent: updated,
	}, true, nil
}
