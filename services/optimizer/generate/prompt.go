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
	"fmt"
	"strings"

	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/recovery"
	"github.com/AleutianAI/kubeagle/services/optimizer/vtree"
)

// Prompt template tokens. An operator-supplied template must carry
// the required ones; the optional ones are substituted when present.
const (
	TokenViolations        = "{{VIOLATIONS}}"
	TokenSeedYAML          = "{{SEED_YAML}}"
	TokenAllowedFiles      = "{{ALLOWED_FILES}}"
	TokenRetryBlock        = "{{RETRY_BLOCK}}"
	TokenCanonicalGuidance = "{{CANONICAL_GUIDANCE}}"
)

var requiredTokens = []string{TokenViolations, TokenSeedYAML, TokenAllowedFiles}

var allTokens = []string{
	TokenViolations, TokenSeedYAML, TokenAllowedFiles,
	TokenRetryBlock, TokenCanonicalGuidance,
}

const basePromptTemplate = `You are editing Helm chart files directly on disk.
The current process CWD is an isolated staged copy of the chart. Edit files in-place only inside this staged copy.

Goal:
Address all listed violations with minimal safe changes.

Violations:
{{VIOLATIONS}}

Seed deterministic values patch (optional guidance):
{{SEED_YAML}}

STRICT edit scope (existing files only):
{{ALLOWED_FILES}}

Hard constraints:
- Never use absolute paths.
- Never use ` + "`..`" + ` path traversal.
- Edit only allowlisted files.
- Do not create, delete, or rename files.
- Put concrete configuration values in the selected values file from STRICT edit scope (for example ` + "`values.yaml`" + ` or ` + "`values-automation.yaml`" + `).
- In templates, wire only through .Values references (for example with toYaml/include); do not hardcode final config values.
- Use canonical Kubernetes/value key names and nesting (for example ` + "`replicaCount`" + `, ` + "`resources.requests/limits`" + `, probe keys).
- Do not invent alias keys or suffixed names (for example ` + "`resourcesAutomation`" + `, ` + "`replicaCountAutomation`" + `).
- Keep key casing and hierarchy aligned with existing ` + "`.Values`" + ` usage in templates.
- For probe rules, modify only containers[*] probe wiring; never initContainers[*].
- Keep helper/include usage chart-specific; do not invent generic helper names.
- This is a single-shot run: complete all listed violations in this pass; do not defer work.
- If a violation needs wiring, update both values.yaml keys and template ` + "`.Values`" + ` references in the same run.
- Focus only on wiring and fixing changes; do not include verification steps or verification commentary.
- Do not make no-op or unrelated edits; change only what is required for the listed violations.
- Treat seed YAML as guidance only; prefer listed violations and existing chart wiring patterns when they conflict.
Canonical key guidance for selected rules:
{{CANONICAL_GUIDANCE}}
{{RETRY_BLOCK}}
Output only a concise execution summary text (no JSON, no markdown fences).
Include changed file paths in summary if any.`

// DefaultPromptTemplate returns the editable default template with
// the full canonical guidance table substituted in.
func DefaultPromptTemplate() string {
	return strings.ReplaceAll(basePromptTemplate, TokenCanonicalGuidance, chart.AllCanonicalGuidance())
}

// IsPromptTemplate reports whether text looks like a full prompt
// template rather than a plain override: it carries at least one
// known token.
func IsPromptTemplate(text string) bool {
	normalized := strings.TrimSpace(text)
	for _, token := range allTokens {
		if strings.Contains(normalized, token) {
			return true
		}
	}
	return false
}

// ValidatePromptTemplate checks required placeholder coverage for a
// template-mode override. It returns "" when the text is empty, is
// not a template, or covers every required token.
func ValidatePromptTemplate(text string) string {
	normalized := strings.TrimSpace(text)
	if normalized == "" || !IsPromptTemplate(normalized) {
		return ""
	}
	var missing []string
	for _, token := range requiredTokens {
		if !strings.Contains(normalized, token) {
			missing = append(missing, token)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return fmt.Sprintf("AI fix system prompt template is missing required placeholders: %s.",
		strings.Join(missing, ", "))
}

// buildPrompt renders the direct-edit prompt for one attempt.
//
// An override that is itself a template replaces the built-in one;
// any other override is prepended as extra system instructions.
func buildPrompt(ref chart.ChartRef, violations []chart.Violation, seedPatch vtree.Value, retryError, override string) string {
	valuesGuidance := fmt.Sprintf(
		"Target values file for this run (write concrete values here): %s", ref.ValuesFile)
	allowedLines := []string{valuesGuidance, "- " + ref.ValuesFile}
	for _, rel := range ref.TemplateAllowList {
		allowedLines = append(allowedLines, "- "+rel)
	}
	allowedList := strings.Join(allowedLines, "\n")

	violationLines := make([]string, 0, len(violations))
	for _, v := range violations {
		violationLines = append(violationLines, fmt.Sprintf(
			"- %s (%s): current=%s; recommended=%s",
			v.RuleID, v.RuleName, v.CurrentValue, v.RecommendedValue))
	}

	retryBlock := ""
	if trimmed := strings.TrimSpace(retryError); trimmed != "" {
		retryBlock = "Previous attempt failed validation:\n- " + trimmed +
			"\nApply constrained edits only and avoid any out-of-scope file changes.\n"
	}

	seedYAML := "{}"
	if !seedPatch.Empty() {
		if out, err := vtree.ToYAML(seedPatch); err == nil {
			seedYAML = strings.TrimRight(string(out), "\n")
		}
	}

	render := func(template string) string {
		return strings.TrimSpace(
			strings.NewReplacer(
				TokenViolations, strings.Join(violationLines, "\n"),
				TokenSeedYAML, seedYAML,
				TokenAllowedFiles, allowedList,
				TokenCanonicalGuidance, chart.CanonicalGuidance(violations),
				TokenRetryBlock, strings.TrimSpace(retryBlock),
			).Replace(template))
	}

	configured := strings.TrimSpace(override)
	if configured != "" && IsPromptTemplate(configured) {
		return render(configured)
	}
	return recovery.WithOverride(render(basePromptTemplate), configured)
}
