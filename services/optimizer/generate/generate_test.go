// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/provider"
	"github.com/AleutianAI/kubeagle/services/optimizer/vtree"
)

// fakeRunner edits the workspace through a callback, standing in for
// a real LLM backend.
type fakeRunner struct {
	name      string
	available bool
	edit      func(workingDir string) error
	gotPrompt string
}

func (f *fakeRunner) Name() string    { return f.name }
func (f *fakeRunner) Available() bool { return f.available }

func (f *fakeRunner) RunDirectEdit(_ context.Context, req provider.Request) provider.Result {
	f.gotPrompt = req.Prompt
	if f.edit != nil {
		if err := f.edit(req.WorkingDir); err != nil {
			return provider.Result{Provider: f.name, Err: err, Log: err.Error()}
		}
	}
	return provider.Result{OK: true, Provider: f.name, Log: "Provider: " + f.name}
}

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

func makeChart(t *testing.T) chart.ChartRef {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "Chart.yaml", "name: demo\n")
	writeFile(t, dir, "values.yaml", "replicaCount: 1\n")
	writeFile(t, dir, "templates/deployment.yaml", "kind: Deployment\n")
	ref, err := chart.NewChartRef(dir, "values.yaml")
	if err != nil {
		t.Fatal(err)
	}
	return ref
}

func violations() []chart.Violation {
	return []chart.Violation{{
		RuleID:           "AVL005",
		RuleName:         "min-replicas",
		ChartName:        "demo",
		CurrentValue:     "1",
		RecommendedValue: "2",
	}}
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("successful_values_edit", func(t *testing.T) {
		ref := makeChart(t)
		runner := &fakeRunner{name: "codex", available: true, edit: func(dir string) error {
			return os.WriteFile(filepath.Join(dir, "values.yaml"), []byte("replicaCount: 2\n"), 0644)
		}}
		g := NewGenerator([]provider.Runner{runner}, nil, nil)

		res := g.Generate(ctx, ref, violations(), Options{})
		if !res.OK || res.Status != StatusOK {
			t.Fatalf("result = %+v", res)
		}
		if res.Provider != "codex" {
			t.Errorf("provider = %q", res.Provider)
		}
		if !strings.Contains(runner.gotPrompt, "AVL005") {
			t.Errorf("provider prompt missing violations:\n%.200s", runner.gotPrompt)
		}
		rc, ok := res.Bundle.ValuesPatch.Get("replicaCount")
		if !ok || !rc.Equal(vtree.IntVal(2)) {
			t.Errorf("values patch = %+v", res.Bundle.ValuesPatch)
		}
		if res.Artifact == nil {
			t.Fatal("artifact missing")
		}
		defer res.Artifact.Cleanup()
		if len(res.Artifact.ChangedRelPaths) != 1 || res.Artifact.ChangedRelPaths[0] != "values.yaml" {
			t.Errorf("changed paths = %v", res.Artifact.ChangedRelPaths)
		}
		if res.Artifact.SourceHashes["values.yaml"] == "" {
			t.Error("source hash missing")
		}
		// Real chart untouched.
		data, _ := os.ReadFile(filepath.Join(ref.Dir, "values.yaml"))
		if string(data) != "replicaCount: 1\n" {
			t.Errorf("real chart mutated: %q", data)
		}
	})

	t.Run("no_change_cleans_workspaces", func(t *testing.T) {
		ref := makeChart(t)
		runner := &fakeRunner{name: "codex", available: true}
		g := NewGenerator([]provider.Runner{runner}, nil, nil)

		res := g.Generate(ctx, ref, violations(), Options{})
		if !res.OK || res.Status != StatusNoChange {
			t.Fatalf("result = %+v", res)
		}
		if res.Artifact != nil {
			t.Error("no-change result should not retain an artifact")
		}
	})

	t.Run("out_of_scope_edit_discarded_then_no_change", func(t *testing.T) {
		ref := makeChart(t)
		runner := &fakeRunner{name: "codex", available: true, edit: func(dir string) error {
			return os.WriteFile(filepath.Join(dir, "Chart.yaml"), []byte("name: hacked\n"), 0644)
		}}
		g := NewGenerator([]provider.Runner{runner}, nil, nil)

		var statuses []string
		res := g.Generate(ctx, ref, violations(), Options{OnStatus: func(s string) { statuses = append(statuses, s) }})
		if !res.OK || res.Status != StatusNoChange {
			t.Fatalf("result = %+v", res)
		}
		joined := strings.Join(statuses, "\n")
		if !strings.Contains(joined, "Scope guard: discarded out-of-scope edits") {
			t.Errorf("status lines missing scope guard notice: %q", joined)
		}
	})

	t.Run("source_mutation_reverted_and_fatal", func(t *testing.T) {
		ref := makeChart(t)
		runner := &fakeRunner{name: "codex", available: true, edit: func(string) error {
			// Simulated provider bug: writes to the real chart.
			return os.WriteFile(filepath.Join(ref.Dir, "values.yaml"), []byte("replicaCount: 666\n"), 0644)
		}}
		g := NewGenerator([]provider.Runner{runner}, nil, nil)

		res := g.Generate(ctx, ref, violations(), Options{})
		if res.OK {
			t.Fatalf("expected failure, got %+v", res)
		}
		found := false
		for _, line := range res.Errors {
			if strings.Contains(line, "unsafe source mutation") {
				found = true
			}
		}
		if !found {
			t.Errorf("errors missing source mutation: %v", res.Errors)
		}
		data, _ := os.ReadFile(filepath.Join(ref.Dir, "values.yaml"))
		if string(data) != "replicaCount: 1\n" {
			t.Errorf("real chart not restored: %q", data)
		}
	})

	t.Run("unavailable_provider_skipped", func(t *testing.T) {
		ref := makeChart(t)
		off := &fakeRunner{name: "codex", available: false}
		on := &fakeRunner{name: "openai", available: true, edit: func(dir string) error {
			return os.WriteFile(filepath.Join(dir, "values.yaml"), []byte("replicaCount: 2\n"), 0644)
		}}
		g := NewGenerator([]provider.Runner{off, on}, nil, nil)

		res := g.Generate(ctx, ref, violations(), Options{})
		if !res.OK {
			t.Fatalf("result = %+v", res)
		}
		defer res.Artifact.Cleanup()
		if res.Provider != "openai" {
			t.Errorf("provider = %q", res.Provider)
		}
		if len(res.TriedProviders) != 2 {
			t.Errorf("tried = %v", res.TriedProviders)
		}
		if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "unavailable") {
			t.Errorf("errors = %v", res.Errors)
		}
	})

	t.Run("all_providers_fail_retains_breadcrumb", func(t *testing.T) {
		ref := makeChart(t)
		runner := &fakeRunner{name: "codex", available: true, edit: func(string) error {
			return os.ErrPermission
		}}
		g := NewGenerator([]provider.Runner{runner}, nil, nil)

		res := g.Generate(ctx, ref, violations(), Options{})
		if res.OK || res.Status != StatusError {
			t.Fatalf("result = %+v", res)
		}
		joined := strings.Join(res.Errors, "\n")
		if !strings.Contains(joined, "retained failed workspace for debugging at") {
			t.Errorf("errors missing retention breadcrumb: %v", res.Errors)
		}
	})

	t.Run("preferred_provider_narrows_order", func(t *testing.T) {
		ref := makeChart(t)
		codex := &fakeRunner{name: "codex", available: true}
		openaiRunner := &fakeRunner{name: "openai", available: true}
		g := NewGenerator([]provider.Runner{codex, openaiRunner}, nil, nil)

		res := g.Generate(ctx, ref, violations(), Options{PreferredProvider: "openai"})
		if len(res.TriedProviders) != 1 || res.TriedProviders[0] != "openai" {
			t.Errorf("tried = %v", res.TriedProviders)
		}
	})

	t.Run("unknown_preferred_provider_rejected", func(t *testing.T) {
		ref := makeChart(t)
		codex := &fakeRunner{name: "codex", available: true}
		g := NewGenerator([]provider.Runner{codex}, nil, nil)

		res := g.Generate(ctx, ref, violations(), Options{PreferredProvider: "claude"})
		if res.OK || res.Status != StatusError {
			t.Fatalf("result = %+v", res)
		}
		if !strings.Contains(res.Note, `"claude"`) {
			t.Errorf("note = %q, should name the unknown provider", res.Note)
		}
		if len(res.TriedProviders) != 0 {
			t.Errorf("tried = %v, want no attempts", res.TriedProviders)
		}
	})

	t.Run("no_violations_errors", func(t *testing.T) {
		ref := makeChart(t)
		g := NewGenerator(nil, nil, nil)
		res := g.Generate(ctx, ref, nil, Options{})
		if res.OK || res.Status != StatusError {
			t.Fatalf("result = %+v", res)
		}
	})
}

func TestBuildPrompt(t *testing.T) {
	ref := makeChart(t)
	seed := vtree.MapVal(vtree.MapEntry{Key: "replicaCount", Val: vtree.IntVal(2)})

	t.Run("tokens_substituted", func(t *testing.T) {
		prompt := buildPrompt(ref, violations(), seed, "", "")
		for _, want := range []string{
			"- AVL005 (min-replicas): current=1; recommended=2",
			"replicaCount: 2",
			"Target values file for this run (write concrete values here): values.yaml",
			"- values.yaml",
			"- templates/deployment.yaml",
			"- AVL005: Use `replicaCount` for replica scaling.",
		} {
			if !strings.Contains(prompt, want) {
				t.Errorf("prompt missing %q", want)
			}
		}
		if strings.Contains(prompt, "{{") {
			t.Errorf("unsubstituted token remains:\n%s", prompt)
		}
	})

	t.Run("retry_block_rendered", func(t *testing.T) {
		prompt := buildPrompt(ref, violations(), vtree.Value{}, "out-of-scope edit detected", "")
		if !strings.Contains(prompt, "Previous attempt failed validation:") {
			t.Error("retry block missing")
		}
	})

	t.Run("plain_override_prepended", func(t *testing.T) {
		prompt := buildPrompt(ref, violations(), vtree.Value{}, "", "prefer conservative values")
		if !strings.HasPrefix(prompt, "Additional system instructions (configured override):") {
			t.Errorf("override not prepended:\n%.120s", prompt)
		}
	})

	t.Run("template_override_replaces_base", func(t *testing.T) {
		tpl := "Custom.\nViolations:\n{{VIOLATIONS}}\nSeed:\n{{SEED_YAML}}\nFiles:\n{{ALLOWED_FILES}}\n"
		prompt := buildPrompt(ref, violations(), vtree.Value{}, "", tpl)
		if !strings.HasPrefix(prompt, "Custom.") {
			t.Errorf("template override ignored:\n%.120s", prompt)
		}
		if strings.Contains(prompt, "{{VIOLATIONS}}") {
			t.Error("tokens not substituted in override template")
		}
	})
}

func TestValidatePromptTemplate(t *testing.T) {
	t.Run("complete_template_passes", func(t *testing.T) {
		tpl := "{{VIOLATIONS}} {{SEED_YAML}} {{ALLOWED_FILES}}"
		if msg := ValidatePromptTemplate(tpl); msg != "" {
			t.Errorf("unexpected validation message: %q", msg)
		}
	})

	t.Run("missing_required_token_reported", func(t *testing.T) {
		tpl := "{{VIOLATIONS}} only"
		msg := ValidatePromptTemplate(tpl)
		if !strings.Contains(msg, "{{SEED_YAML}}") || !strings.Contains(msg, "{{ALLOWED_FILES}}") {
			t.Errorf("msg = %q", msg)
		}
	})

	t.Run("plain_text_is_not_a_template", func(t *testing.T) {
		if msg := ValidatePromptTemplate("just extra instructions"); msg != "" {
			t.Errorf("plain override flagged: %q", msg)
		}
	})
}

func TestDefaultPromptTemplate(t *testing.T) {
	tpl := DefaultPromptTemplate()
	if strings.Contains(tpl, TokenCanonicalGuidance) {
		t.Error("canonical guidance token not substituted")
	}
	if !strings.Contains(tpl, TokenViolations) {
		t.Error("default template lost required token")
	}
	if !strings.Contains(tpl, "AVL005") {
		t.Error("guidance table missing")
	}
}
