// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery implements the structured-contract fallback mode:
// a strict JSON patch schema, a best-effort extractor that digs valid
// objects out of noisy LLM text, and preview rendering.
//
// The contract is disabled by default; the primary flow edits files
// directly and never round-trips through JSON.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// SchemaVersion is the only accepted schema_version literal.
const SchemaVersion = "patch_response.v1"

var codeBlockPattern = regexp.MustCompile("(?i)```(?:json|javascript|js|txt|yaml|yml)?\\s*([\\s\\S]*?)\\s*```")

// =============================================================================
// Contract Types
// =============================================================================

// PatchFile is one proposed file patch in the JSON contract.
type PatchFile struct {
	File        string `json:"file"`
	Purpose     string `json:"purpose"`
	UnifiedDiff string `json:"unified_diff"`
}

// Response is the normalized patch response.
type Response struct {
	SchemaVersion string      `json:"schema_version"`
	Result        string      `json:"result"`
	Summary       string      `json:"summary"`
	Patches       []PatchFile `json:"patches"`
	Warnings      []string    `json:"warnings"`
	Error         string      `json:"error"`
}

func validate(resp Response) error {
	if resp.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %q, got %q", SchemaVersion, resp.SchemaVersion)
	}
	switch resp.Result {
	case "ok", "no_change", "error":
	default:
		return fmt.Errorf("result must be ok, no_change, or error, got %q", resp.Result)
	}
	for i, p := range resp.Patches {
		if strings.TrimSpace(p.File) == "" {
			return fmt.Errorf("patches[%d] missing file", i)
		}
		if strings.TrimSpace(p.UnifiedDiff) == "" {
			return fmt.Errorf("patches[%d] missing unified_diff", i)
		}
		if _, err := diff.ParseFileDiff([]byte(p.UnifiedDiff)); err != nil {
			return fmt.Errorf("patches[%d] unified_diff does not parse: %v", i, err)
		}
	}
	return nil
}

// =============================================================================
// Parsing
// =============================================================================

// ParseResponse extracts and validates a Response from raw LLM text.
//
// # Description
//
// Candidates are tried in order: the raw text as JSON, the content of
// each fenced code block, and finally every balanced {...} substring
// (string-literal state tracked so braces inside quoted strings do
// not count). The first candidate that decodes to an object and
// passes schema validation wins. When nothing validates, the last
// concrete decode or validation error is surfaced so operators can
// see why, not a generic failure.
func ParseResponse(raw string) (Response, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return Response{}, errors.New("empty LLM response")
	}

	// Tiered candidate order: the raw text, then every fenced block,
	// then balanced {...} substrings. All fenced blocks are tried
	// before any brace-scan result so a clean fenced object beats a
	// stray object buried in prose.
	var blocks []string
	for _, match := range codeBlockPattern.FindAllStringSubmatch(normalized, -1) {
		if block := strings.TrimSpace(match[1]); block != "" {
			blocks = append(blocks, block)
		}
	}
	candidates := append([]string{normalized}, blocks...)
	candidates = append(candidates, extractBalancedObjects(normalized)...)
	for _, block := range blocks {
		candidates = append(candidates, extractBalancedObjects(block)...)
	}

	seen := make(map[string]bool)
	var lastDecodeErr, lastValidateErr error
	decoded := 0
	for _, text := range candidates {
		if seen[text] {
			continue
		}
		seen[text] = true

		var resp Response
		if err := decodeObject(text, &resp); err != nil {
			lastDecodeErr = err
			continue
		}
		decoded++
		if err := validate(resp); err != nil {
			lastValidateErr = err
			continue
		}
		return resp, nil
	}

	if lastValidateErr != nil {
		return Response{}, fmt.Errorf("LLM response schema validation failed: %w", lastValidateErr)
	}
	if decoded == 0 && lastDecodeErr != nil {
		return Response{}, fmt.Errorf("LLM JSON payload is invalid: %w", lastDecodeErr)
	}
	return Response{}, errors.New("LLM response is not valid JSON")
}

func decodeObject(text string, resp *Response) error {
	var probe any
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return err
	}
	if _, ok := probe.(map[string]any); !ok {
		return errors.New("top-level JSON value must be an object")
	}
	return json.Unmarshal([]byte(text), resp)
}

// extractBalancedObjects returns every balanced {...} substring in
// discovery order, ignoring braces inside JSON string literals.
func extractBalancedObjects(text string) []string {
	var objects []string
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					objects = append(objects, text[start:i+1])
					i = len(text)
				}
			}
		}
	}
	return objects
}

// =============================================================================
// System Prompt Override
// =============================================================================

const maxSystemPromptOverrideChars = 12000

// NormalizeOverride folds CRLF, trims, and caps an operator-supplied
// system prompt override.
func NormalizeOverride(raw string) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	if len(normalized) > maxSystemPromptOverrideChars {
		normalized = normalized[:maxSystemPromptOverrideChars]
	}
	return normalized
}

// WithOverride prepends configured override instructions to a base
// prompt. An empty override returns the base unchanged.
func WithOverride(basePrompt, override string) string {
	normalized := NormalizeOverride(override)
	base := strings.TrimSpace(basePrompt)
	if normalized == "" {
		return base
	}
	return strings.TrimSpace(
		"Additional system instructions (configured override):\n" +
			normalized + "\n\n" +
			"Treat the override above as strict requirements while also following " +
			"the JSON contract and safety rules below.\n\n" +
			base)
}

// =============================================================================
// Contract Prompt
// =============================================================================

// ContextBlock is one titled context section appended to the prompt.
type ContextBlock struct {
	Title   string
	Content string
}

const contractSchema = `{
  "schema_version": "patch_response.v1",
  "result": "ok | no_change | error",
  "summary": "short explanation",
  "patches": [
    {
      "file": "relative/path.yaml",
      "purpose": "why this patch",
      "unified_diff": "--- a/file\n+++ b/file\n@@ ..."
    }
  ],
  "warnings": ["optional warnings"],
  "error": "non-empty only when result=error"
}`

// BuildContractPrompt renders the strict-contract prompt so the
// response is always machine-parseable.
func BuildContractPrompt(task string, allowedFiles []string, contextBlocks []ContextBlock, override string) string {
	allowedList := "- (none)"
	if len(allowedFiles) > 0 {
		lines := make([]string, 0, len(allowedFiles))
		for _, path := range allowedFiles {
			lines = append(lines, "- "+path)
		}
		allowedList = strings.Join(lines, "\n")
	}

	parts := []string{
		"You are generating patch proposals for Helm chart files.",
		"Return output as a single JSON object only.",
		"Do not use markdown, code fences, prose, or extra keys.",
		"",
		"Task:",
		strings.TrimSpace(task),
		"",
		"Allowed files (strict allowlist):",
		allowedList,
		"",
		"JSON response contract:",
		contractSchema,
		"",
		"Rules:",
		"- Every `patches[].file` must be one of the allowed files.",
		"- Every `patches[].unified_diff` must be a valid unified diff for that same file.",
		"- If no change is needed: set `result` to `no_change` and `patches` to [].",
		"- If unable to produce safe patch: set `result` to `error` and explain in `error`.",
	}
	for _, block := range contextBlocks {
		title := strings.TrimSpace(block.Title)
		if title == "" {
			title = "Context"
		}
		parts = append(parts, "", "## "+title, strings.TrimRight(block.Content, " \n"))
	}
	return WithOverride(strings.Join(parts, "\n"), override)
}

// =============================================================================
// Preview Rendering
// =============================================================================

// FormatPreviewMarkdown renders a parsed response for dialog preview.
func FormatPreviewMarkdown(resp Response) string {
	lines := []string{
		"### AI Patch Result",
		fmt.Sprintf("- **Result:** `%s`", strings.ToUpper(resp.Result)),
		fmt.Sprintf("- **Summary:** %s", resp.Summary),
	}
	if len(resp.Warnings) > 0 {
		lines = append(lines, "", "### Warnings")
		for _, warning := range resp.Warnings {
			lines = append(lines, "- "+warning)
		}
	}
	if resp.Error != "" {
		lines = append(lines, "", "### Error", resp.Error)
	}
	if len(resp.Patches) > 0 {
		lines = append(lines, "", "### Patch Preview")
		for _, p := range resp.Patches {
			purpose := p.Purpose
			if purpose == "" {
				purpose = "No purpose provided."
			}
			lines = append(lines,
				fmt.Sprintf("- **File:** `%s`", p.File),
				fmt.Sprintf("- **Purpose:** %s", purpose),
				"```diff",
				strings.TrimRight(p.UnifiedDiff, "\n"),
				"```",
				"",
			)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
