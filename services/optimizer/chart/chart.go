// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chart describes Helm chart targets and the rule violations
// the autofix pipeline is asked to address.
package chart

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// =============================================================================
// Chart Reference
// =============================================================================

// templateExtensions lists the file extensions that count as editable
// template files under templates/.
var templateExtensions = map[string]bool{
	".yaml": true,
	".yml":  true,
	".tpl":  true,
}

// ChartRef identifies one chart directory plus the values file a fix
// run is allowed to edit.
//
// # Description
//
// TemplateAllowList holds the slash-relative paths of every template
// file discovered under templates/, sorted. The edit scope of a
// generation is the allow-list plus ValuesFile; ValuesFile is always
// part of the scope even when it lives outside templates/.
type ChartRef struct {
	// Dir is the absolute path of the chart root.
	Dir string

	// ValuesFile is the slash-relative path of the target values file.
	ValuesFile string

	// TemplateAllowList holds relative template paths, sorted.
	TemplateAllowList []string
}

// NewChartRef validates a chart directory and discovers its editable
// template files.
//
// # Inputs
//
//   - dir: chart root. Must exist and contain Chart.yaml.
//   - valuesRel: values file path relative to dir. Must stay inside
//     the chart (no absolute paths, no ".." traversal) and must exist.
//
// # Outputs
//
//   - ChartRef with the discovered allow-list.
//   - error: on a missing chart, unsafe values path, or missing
//     templates directory.
func NewChartRef(dir, valuesRel string) (ChartRef, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return ChartRef{}, fmt.Errorf("resolve chart dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return ChartRef{}, fmt.Errorf("chart directory not found: %s", abs)
	}
	if _, err := os.Stat(filepath.Join(abs, "Chart.yaml")); err != nil {
		return ChartRef{}, fmt.Errorf("not a chart directory (missing Chart.yaml): %s", abs)
	}

	valuesRel = filepath.ToSlash(valuesRel)
	if valuesRel == "" || filepath.IsAbs(valuesRel) || hasDotDot(valuesRel) {
		return ChartRef{}, fmt.Errorf("values file path is unsafe for staged direct-edit flow: %q", valuesRel)
	}
	if _, err := os.Stat(filepath.Join(abs, filepath.FromSlash(valuesRel))); err != nil {
		return ChartRef{}, fmt.Errorf("values file not found: %s", valuesRel)
	}

	allowList, err := discoverTemplates(abs)
	if err != nil {
		return ChartRef{}, err
	}
	return ChartRef{
		Dir:               abs,
		ValuesFile:        valuesRel,
		TemplateAllowList: allowList,
	}, nil
}

// Name returns the chart directory's base name.
func (c ChartRef) Name() string {
	return filepath.Base(c.Dir)
}

// Key returns the stable identity of this chart target: the absolute
// path of its values file.
func (c ChartRef) Key() string {
	return filepath.Join(c.Dir, filepath.FromSlash(c.ValuesFile))
}

// EditScope returns the set of relative paths a generation may touch:
// the template allow-list plus the values file.
func (c ChartRef) EditScope() map[string]bool {
	scope := make(map[string]bool, len(c.TemplateAllowList)+1)
	for _, rel := range c.TemplateAllowList {
		scope[rel] = true
	}
	scope[c.ValuesFile] = true
	return scope
}

func discoverTemplates(chartDir string) ([]string, error) {
	templatesDir := filepath.Join(chartDir, "templates")
	if info, err := os.Stat(templatesDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("no templates/ directory under %s", chartDir)
	}
	var files []string
	err := filepath.WalkDir(templatesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !templateExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(chartDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover templates: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func hasDotDot(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// =============================================================================
// Violations
// =============================================================================

// Violation is one detected chart misconfiguration, produced by the
// rule engine. Values are opaque strings; the core never interprets
// them beyond display and identity.
type Violation struct {
	RuleID           string
	RuleName         string
	ChartName        string
	CurrentValue     string
	RecommendedValue string
}

// IdentityKey returns the stable identity of a violation for caching
// and deduplication.
func (v Violation) IdentityKey() string {
	return strings.Join([]string{v.ChartName, v.RuleID, v.RuleName, v.CurrentValue}, "|")
}

// =============================================================================
// Canonical Guidance
// =============================================================================

// canonicalValuesGuidance maps rule IDs to wiring guidance injected
// into generation prompts so providers use standard key names instead
// of inventing aliases.
var canonicalValuesGuidance = map[string]string{
	"AVL005": "Use `replicaCount` for replica scaling.",
	"RES005": "Treat current CPU limit as correct; increase only request so " +
		"`resources.requests.cpu` is about 85% of `resources.limits.cpu`.",
	"RES006": "Treat current memory limit as correct; increase only request so " +
		"`resources.requests.memory` is about 85% of `resources.limits.memory`.",
	"PRB001": "Use `livenessProbe` under workload container config.",
	"PRB002": "Use `readinessProbe` under workload container config.",
	"PRB003": "Use `startupProbe` under workload container config.",
}

const fallbackGuidance = "- Use existing chart key names from values/template wiring and standard Kubernetes field naming."

// CanonicalGuidance returns the guidance block for the given
// violations' rules, one bullet per distinct rule with known guidance.
// Rules without specific guidance fall back to a generic line.
func CanonicalGuidance(violations []Violation) string {
	seen := make(map[string]bool)
	var lines []string
	for _, v := range violations {
		ruleID := strings.ToUpper(strings.TrimSpace(v.RuleID))
		if ruleID == "" || seen[ruleID] {
			continue
		}
		seen[ruleID] = true
		if guidance, ok := canonicalValuesGuidance[ruleID]; ok {
			lines = append(lines, fmt.Sprintf("- %s: %s", ruleID, guidance))
		}
	}
	if len(lines) == 0 {
		return fallbackGuidance
	}
	return strings.Join(lines, "\n")
}

// AllCanonicalGuidance returns the full guidance table sorted by rule
// ID, used when rendering the editable default prompt template.
func AllCanonicalGuidance() string {
	ids := make([]string, 0, len(canonicalValuesGuidance))
	for id := range canonicalValuesGuidance {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("- %s: %s", id, canonicalValuesGuidance[id]))
	}
	return strings.Join(lines, "\n")
}
