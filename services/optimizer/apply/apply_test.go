// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/generate"
	"github.com/AleutianAI/kubeagle/services/optimizer/hashfs"
	"github.com/AleutianAI/kubeagle/services/optimizer/patch"
	"github.com/AleutianAI/kubeagle/services/optimizer/vtree"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func makeChart(t *testing.T) chart.ChartRef {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "Chart.yaml", "name: demo\n")
	writeFile(t, dir, "values.yaml", "replicaCount: 1\nimage:\n    tag: v1\n")
	writeFile(t, dir, "templates/deployment.yaml", "kind: Deployment\n")
	ref, err := chart.NewChartRef(dir, "values.yaml")
	if err != nil {
		t.Fatal(err)
	}
	return ref
}

// makeArtifact stages an edited copy of the chart and records the
// real chart's hashes, the way a successful generation does.
func makeArtifact(t *testing.T, ref chart.ChartRef, edits map[string]string) *generate.Artifact {
	t.Helper()
	stageRoot := t.TempDir()
	stagedChart := filepath.Join(stageRoot, "chart")
	writeFile(t, stagedChart, "Chart.yaml", readFile(t, ref.Dir, "Chart.yaml"))
	writeFile(t, stagedChart, "values.yaml", readFile(t, ref.Dir, "values.yaml"))
	writeFile(t, stagedChart, "templates/deployment.yaml", readFile(t, ref.Dir, "templates/deployment.yaml"))

	var changed []string
	hashes := make(map[string]string)
	for rel, content := range edits {
		writeFile(t, stagedChart, rel, content)
		digest, err := hashfs.HashFile(filepath.Join(ref.Dir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatal(err)
		}
		changed = append(changed, rel)
		hashes[rel] = digest
	}
	return &generate.Artifact{
		StageRoot:       stageRoot,
		StagedChartDir:  stagedChart,
		RelValuesPath:   ref.ValuesFile,
		ChangedRelPaths: changed,
		SourceHashes:    hashes,
		Provider:        "codex",
	}
}

func TestPromoteStaged(t *testing.T) {
	t.Run("promotes_changed_files", func(t *testing.T) {
		ref := makeChart(t)
		artifact := makeArtifact(t, ref, map[string]string{
			"values.yaml": "replicaCount: 2\nimage:\n    tag: v1\n",
		})
		report, err := NewApplier(nil).PromoteStaged(ref.Dir, artifact)
		if err != nil {
			t.Fatal(err)
		}
		if len(report.ChangedFiles) != 1 || report.ChangedFiles[0] != "values.yaml" {
			t.Errorf("report = %+v", report)
		}
		if got := readFile(t, ref.Dir, "values.yaml"); !strings.Contains(got, "replicaCount: 2") {
			t.Errorf("values not promoted: %q", got)
		}
	})

	t.Run("stale_source_aborts_without_writes", func(t *testing.T) {
		ref := makeChart(t)
		artifact := makeArtifact(t, ref, map[string]string{
			"values.yaml": "replicaCount: 2\n",
		})
		// Someone edits the chart between generation and promote.
		writeFile(t, ref.Dir, "values.yaml", "replicaCount: 7\n")

		_, err := NewApplier(nil).PromoteStaged(ref.Dir, artifact)
		if !errors.Is(err, ErrStale) {
			t.Fatalf("err = %v", err)
		}
		if got := readFile(t, ref.Dir, "values.yaml"); got != "replicaCount: 7\n" {
			t.Errorf("stale promote wrote anyway: %q", got)
		}
	})

	t.Run("nil_artifact_rejected", func(t *testing.T) {
		ref := makeChart(t)
		_, err := NewApplier(nil).PromoteStaged(ref.Dir, nil)
		if !errors.Is(err, ErrApplyFailed) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("empty_artifact_is_noop", func(t *testing.T) {
		ref := makeChart(t)
		artifact := makeArtifact(t, ref, nil)
		report, err := NewApplier(nil).PromoteStaged(ref.Dir, artifact)
		if err != nil || len(report.ChangedFiles) != 0 {
			t.Fatalf("report = %+v, err = %v", report, err)
		}
	})
}

const deploymentDiff = `--- a/templates/deployment.yaml
+++ b/templates/deployment.yaml
@@ -1,1 +1,2 @@
 kind: Deployment
+# managed
`

func TestApplyBundle(t *testing.T) {
	t.Run("merges_values_and_writes_templates", func(t *testing.T) {
		ref := makeChart(t)
		bundle := patch.Bundle{
			ValuesPatch: vtree.MapVal(vtree.MapEntry{Key: "replicaCount", Val: vtree.IntVal(3)}),
			TemplatePatches: []patch.TemplatePatch{{
				File:           "templates/deployment.yaml",
				UnifiedDiff:    deploymentDiff,
				UpdatedContent: "kind: Deployment\n# managed\n",
			}},
		}
		report, err := NewApplier(nil).ApplyBundle(ref, bundle)
		if err != nil {
			t.Fatal(err)
		}
		if len(report.ChangedFiles) != 2 {
			t.Errorf("report = %+v", report)
		}
		values := readFile(t, ref.Dir, "values.yaml")
		if !strings.Contains(values, "replicaCount: 3") {
			t.Errorf("overlay not merged: %q", values)
		}
		if !strings.Contains(values, "tag: v1") {
			t.Errorf("merge dropped untouched keys: %q", values)
		}
		if got := readFile(t, ref.Dir, "templates/deployment.yaml"); got != "kind: Deployment\n# managed\n" {
			t.Errorf("template = %q", got)
		}
	})

	t.Run("empty_bundle_is_noop", func(t *testing.T) {
		ref := makeChart(t)
		report, err := NewApplier(nil).ApplyBundle(ref, patch.Bundle{})
		if err != nil || len(report.ChangedFiles) != 0 {
			t.Fatalf("report = %+v, err = %v", report, err)
		}
	})

	t.Run("out_of_scope_target_rejected", func(t *testing.T) {
		ref := makeChart(t)
		bundle := patch.Bundle{TemplatePatches: []patch.TemplatePatch{{
			File:           "Chart.yaml",
			UpdatedContent: "name: hacked\n",
		}}}
		_, err := NewApplier(nil).ApplyBundle(ref, bundle)
		if !errors.Is(err, ErrApplyFailed) {
			t.Fatalf("err = %v", err)
		}
		if got := readFile(t, ref.Dir, "Chart.yaml"); got != "name: demo\n" {
			t.Errorf("chart metadata mutated: %q", got)
		}
	})

	t.Run("invalid_diff_rejected", func(t *testing.T) {
		ref := makeChart(t)
		bundle := patch.Bundle{TemplatePatches: []patch.TemplatePatch{{
			File:           "templates/deployment.yaml",
			UnifiedDiff:    "not a diff",
			UpdatedContent: "kind: StatefulSet\n",
		}}}
		_, err := NewApplier(nil).ApplyBundle(ref, bundle)
		if !errors.Is(err, ErrApplyFailed) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("missing_target_aborts_before_real_writes", func(t *testing.T) {
		ref := makeChart(t)
		if err := os.Remove(filepath.Join(ref.Dir, "templates", "deployment.yaml")); err != nil {
			t.Fatal(err)
		}
		bundle := patch.Bundle{
			ValuesPatch: vtree.MapVal(vtree.MapEntry{Key: "replicaCount", Val: vtree.IntVal(3)}),
			TemplatePatches: []patch.TemplatePatch{{
				File:           "templates/deployment.yaml",
				UnifiedDiff:    deploymentDiff,
				UpdatedContent: "kind: Deployment\n# managed\n",
			}},
		}
		report, err := NewApplier(nil).ApplyBundle(ref, bundle)
		if !errors.Is(err, ErrApplyFailed) {
			t.Fatalf("err = %v", err)
		}
		// The missing template surfaces in the staged copy, so the
		// real chart never sees a write and nothing needs rolling back.
		if report.RolledBack {
			t.Errorf("report = %+v", report)
		}
		if got := readFile(t, ref.Dir, "values.yaml"); got != "replicaCount: 1\nimage:\n    tag: v1\n" {
			t.Errorf("values touched by aborted apply: %q", got)
		}
	})
}
