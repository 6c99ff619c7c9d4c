// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generate runs the full direct-edit pipeline for one chart:
// stage, prompt, provider invocation, safety validation, and patch
// bundle construction.
package generate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/kubeagle/pkg/logging"
	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/guard"
	"github.com/AleutianAI/kubeagle/services/optimizer/hashfs"
	"github.com/AleutianAI/kubeagle/services/optimizer/patch"
	"github.com/AleutianAI/kubeagle/services/optimizer/provider"
	"github.com/AleutianAI/kubeagle/services/optimizer/stage"
	"github.com/AleutianAI/kubeagle/services/optimizer/vtree"
)

// Generation statuses.
const (
	StatusOK       = "ok"
	StatusNoChange = "no_change"
	StatusError    = "error"
)

// =============================================================================
// Options / Result
// =============================================================================

// Options tunes one generation call.
type Options struct {
	// Timeout bounds each provider invocation.
	Timeout time.Duration

	// PreferredProvider narrows the provider order to one backend.
	PreferredProvider string

	// Models maps provider name to a model override.
	Models map[string]string

	// PromptOverride is the operator-configured system prompt text.
	// A full template (carrying tokens) replaces the built-in one.
	PromptOverride string

	// Seed is the deterministic starting patch merged from the rule
	// fixer, rendered into the prompt as guidance.
	Seed vtree.Value

	// OnStatus receives free-text progress lines. May be nil.
	OnStatus func(string)
}

// Artifact is the staged workspace a successful generation leaves
// behind for promote-time apply. The owner must Cleanup it after
// apply or dismissal.
type Artifact struct {
	// StageRoot is the owned temp dir.
	StageRoot string

	// StagedChartDir is the validated chart copy inside StageRoot.
	StagedChartDir string

	// RelValuesPath is the chart's values file relative path.
	RelValuesPath string

	// ChangedRelPaths lists the in-scope edited paths, sorted.
	ChangedRelPaths []string

	// SourceHashes maps each changed path to the real chart file's
	// hash at artifact creation time. Promote verifies against it.
	SourceHashes map[string]string

	// Provider is the backend that produced the edits.
	Provider string

	// ExecutionLog is the provider transcript plus workspace paths.
	ExecutionLog string
}

// Cleanup deletes the artifact's stage root.
func (a *Artifact) Cleanup() error {
	if a == nil || a.StageRoot == "" {
		return nil
	}
	if err := os.RemoveAll(a.StageRoot); err != nil {
		return fmt.Errorf("cleanup artifact %s: %w", a.StageRoot, err)
	}
	return nil
}

// Result is the outcome of one generation call.
type Result struct {
	// OK is true for StatusOK and StatusNoChange.
	OK bool

	// Status is ok, no_change, or error.
	Status string

	// Provider is the backend that produced the result.
	Provider string

	// Prompt is the rendered prompt sent to the provider.
	Prompt string

	// Note is a short operator-facing summary.
	Note string

	// TriedProviders lists backends in attempt order.
	TriedProviders []string

	// Errors collects per-provider failure lines.
	Errors []string

	// Bundle holds the reviewable patch when Status is ok.
	Bundle patch.Bundle

	// Artifact is the retained staged workspace when Status is ok.
	Artifact *Artifact

	// Log is the last provider execution transcript.
	Log string
}

// =============================================================================
// Generator
// =============================================================================

// Generator wires the pipeline dependencies together.
type Generator struct {
	providers   []provider.Runner
	stager      *stage.Stager
	sourceGuard *guard.SourceGuard
	scopeGuard  *guard.ScopeGuard
	logger      *logging.Logger
}

// NewGenerator creates a generator over the given provider order.
func NewGenerator(providers []provider.Runner, stager *stage.Stager, logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.Default()
	}
	if stager == nil {
		stager = stage.NewStager(logger)
	}
	return &Generator{
		providers:   providers,
		stager:      stager,
		sourceGuard: guard.NewSourceGuard(logger),
		scopeGuard:  guard.NewScopeGuard(logger),
		logger:      logger,
	}
}

// Generate produces one bundled fix for all violations in a chart.
//
// # Description
//
// Providers are tried in order (preferred first when set), one
// attempt each. For each attempt: stage an edit sandbox and a
// pristine reference, render the prompt, invoke the provider inside
// the sandbox, then run the source guard, the scope guard, and the
// bundle builder. The first provider to survive all steps wins. A
// failed attempt retains its sandbox for debugging and records a
// breadcrumb in the error list; the pristine reference is always
// cleaned.
//
// Generate never mutates the real chart; a detected mutation is
// reverted by the source guard and fails the attempt.
func (g *Generator) Generate(ctx context.Context, ref chart.ChartRef, violations []chart.Violation, opts Options) Result {
	notify := opts.OnStatus
	if notify == nil {
		notify = func(string) {}
	}
	if len(violations) == 0 {
		return Result{Status: StatusError, Note: "No violations provided for AI full-fix generation."}
	}
	if len(ref.TemplateAllowList) == 0 {
		return Result{Status: StatusError, Note: "No template files found under chart templates/ directory."}
	}
	if msg := ValidatePromptTemplate(opts.PromptOverride); msg != "" {
		return Result{Status: StatusError, Note: msg}
	}
	if opts.PreferredProvider != "" && !g.hasProvider(opts.PreferredProvider) {
		return Result{
			Status: StatusError,
			Note:   fmt.Sprintf("Unknown preferred provider %q for direct-edit generation.", opts.PreferredProvider),
		}
	}

	scope := ref.EditScope()
	var tried []string
	var errs []string
	var lastLog string

	notify("Trying direct-edit mode...")
	for _, runner := range g.order(opts.PreferredProvider) {
		name := runner.Name()
		tried = append(tried, name)
		if !runner.Available() {
			errs = append(errs, fmt.Sprintf("%s: direct-edit backend unavailable, skipping provider.", name))
			continue
		}

		notify(fmt.Sprintf("Direct-edit: %s (attempt 1)...", name))
		result, fail := g.attempt(ctx, ref, violations, opts, runner, scope)
		if result != nil {
			result.TriedProviders = tried
			result.Errors = append(errs, result.Errors...)
			return *result
		}
		errs = append(errs, fail.errors...)
		if fail.log != "" {
			lastLog = fail.log
		}
	}

	return Result{
		Status:         StatusError,
		Note:           "Direct-edit generation failed. JSON fallback is disabled for standardized flow.",
		TriedProviders: tried,
		Errors:         errs,
		Log:            lastLog,
	}
}

// attemptFailure carries one provider attempt's errors back to the
// provider loop.
type attemptFailure struct {
	errors []string
	log    string
}

func (g *Generator) attempt(
	ctx context.Context,
	ref chart.ChartRef,
	violations []chart.Violation,
	opts Options,
	runner provider.Runner,
	scope map[string]bool,
) (*Result, attemptFailure) {
	name := runner.Name()
	notify := opts.OnStatus
	if notify == nil {
		notify = func(string) {}
	}

	sandbox, err := g.stager.Stage(ref.Dir)
	if err != nil {
		return nil, attemptFailure{errors: []string{fmt.Sprintf("%s: stage failed: %v", name, err)}}
	}
	pristine, err := g.stager.Stage(ref.Dir)
	if err != nil {
		g.cleanup(sandbox)
		return nil, attemptFailure{errors: []string{fmt.Sprintf("%s: stage failed: %v", name, err)}}
	}

	before, err := hashfs.Snapshot(ref.Dir)
	if err != nil {
		g.cleanup(sandbox)
		g.cleanup(pristine)
		return nil, attemptFailure{errors: []string{fmt.Sprintf("%s: snapshot failed: %v", name, err)}}
	}

	prompt := buildPrompt(ref, violations, opts.Seed, "", opts.PromptOverride)
	provResult := runner.RunDirectEdit(ctx, provider.Request{
		Prompt:     prompt,
		WorkingDir: sandbox.ChartDir,
		Timeout:    opts.Timeout,
		Model:      opts.Models[name],
		Attempt:    1,
	})
	log := provResult.Log

	fail := func(msg string) (*Result, attemptFailure) {
		g.cleanup(pristine)
		return nil, attemptFailure{
			errors: []string{
				fmt.Sprintf("%s: %s", name, msg),
				fmt.Sprintf("%s: retained failed workspace for debugging at %s", name, sandbox.Root),
			},
			log: log,
		}
	}

	// Source guard runs before anything else is trusted, even when
	// the provider reported failure.
	if _, guardErr := g.sourceGuard.Check(ref.Dir, pristine.ChartDir, before); guardErr != nil {
		return fail(guardErr.Error())
	}
	if !provResult.OK {
		msg := "direct-edit command failed."
		if provResult.Err != nil {
			msg = provResult.Err.Error()
		}
		return fail(msg)
	}
	if provResult.PartialEdits {
		g.logger.Warn("provider reported partial edits, verifying workspace",
			"provider", name, "chart", ref.Dir)
	}

	scopeResult, scopeErr := g.scopeGuard.Validate(ref.Dir, sandbox.ChartDir, scope)
	if len(scopeResult.Discarded) > 0 {
		notify(fmt.Sprintf("Scope guard: discarded out-of-scope edits (%s).",
			sampleList(scopeResult.Discarded, 3)))
	}
	if scopeErr != nil {
		return fail(scopeErr.Error())
	}

	if len(scopeResult.ChangedPaths) == 0 {
		g.cleanup(pristine)
		g.cleanup(sandbox)
		return &Result{
			OK:       true,
			Status:   StatusNoChange,
			Provider: name,
			Prompt:   prompt,
			Note:     fmt.Sprintf("Direct-edit mode completed with `%s` and produced no changes.", name),
			Log:      log,
		}, attemptFailure{}
	}

	notify("Building preview...")
	bundle, err := patch.BuildBundle(ref, sandbox.ChartDir, scopeResult.ChangedPaths)
	if err != nil {
		return fail(err.Error())
	}

	sourceHashes := make(map[string]string, len(scopeResult.ChangedPaths))
	for _, rel := range scopeResult.ChangedPaths {
		digest, hashErr := hashfs.HashFile(filepath.Join(ref.Dir, filepath.FromSlash(rel)))
		if hashErr != nil {
			return fail(fmt.Sprintf("hash source file %s: %v", rel, hashErr))
		}
		sourceHashes[rel] = digest
	}

	g.cleanup(pristine)
	executionLog := strings.TrimSpace(fmt.Sprintf(
		"%s\n\nStaged Workspace: %s\nStaged Chart: %s", log, sandbox.Root, sandbox.ChartDir))
	return &Result{
		OK:       true,
		Status:   StatusOK,
		Provider: name,
		Prompt:   prompt,
		Note:     fmt.Sprintf("Direct-edit full fix generated using `%s`.", name),
		Bundle:   bundle,
		Artifact: &Artifact{
			StageRoot:       sandbox.Root,
			StagedChartDir:  sandbox.ChartDir,
			RelValuesPath:   ref.ValuesFile,
			ChangedRelPaths: scopeResult.ChangedPaths,
			SourceHashes:    sourceHashes,
			Provider:        name,
			ExecutionLog:    executionLog,
		},
		Log: executionLog,
	}, attemptFailure{}
}

// order returns the provider attempt order, narrowed to the preferred
// backend when one is configured. Generate rejects an unknown
// preferred name before this runs.
func (g *Generator) order(preferred string) []provider.Runner {
	if preferred != "" {
		for _, runner := range g.providers {
			if runner.Name() == preferred {
				return []provider.Runner{runner}
			}
		}
		return nil
	}
	return g.providers
}

func (g *Generator) hasProvider(name string) bool {
	for _, runner := range g.providers {
		if runner.Name() == name {
			return true
		}
	}
	return false
}

func (g *Generator) cleanup(ws *stage.Workspace) {
	if err := ws.Cleanup(); err != nil {
		g.logger.Warn("workspace cleanup failed", "error", err)
	}
}

func sampleList(paths []string, n int) string {
	if len(paths) <= n {
		return strings.Join(paths, ", ")
	}
	return strings.Join(paths[:n], ", ") + "..."
}
