// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provider abstracts the LLM backends that perform direct
// file edits in a staged workspace.
//
// Two implementations share one contract: SubprocessRunner drives a
// blocking CLI with the prompt on stdin, and StreamRunner drives a
// streaming chat-completion API with a local read/write/edit tool
// set. Both report edits by hashing the workspace before and after.
package provider

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the provider failure taxonomy.
var (
	// ErrUnavailable means the backend is not present on this host.
	// Callers skip the provider; this is not an attempt failure.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrTimeout means the wall-clock budget expired mid-run.
	ErrTimeout = errors.New("provider timed out")

	// ErrExecutionFailed means the backend ran and failed.
	ErrExecutionFailed = errors.New("provider execution failed")
)

// =============================================================================
// Contract
// =============================================================================

// Request describes one direct-edit invocation.
type Request struct {
	// Prompt is the full rendered instruction text.
	Prompt string

	// WorkingDir is the staged chart copy the provider may edit.
	WorkingDir string

	// Timeout bounds the whole invocation.
	Timeout time.Duration

	// Model optionally overrides the backend's default model.
	Model string

	// Attempt is the 1-based attempt counter, for logs only.
	Attempt int
}

// Result is the outcome of one direct-edit invocation.
type Result struct {
	// OK means the run completed and the workspace may hold edits.
	OK bool

	// Provider is the runner name that produced this result.
	Provider string

	// Command is the executed argv, when a subprocess was involved.
	Command []string

	// ChangedPaths lists relative paths whose content hash changed,
	// sorted.
	ChangedPaths []string

	// Log is the human-readable execution transcript.
	Log string

	// StdoutTail and StderrTail hold truncated process output.
	StdoutTail string
	StderrTail string

	// PartialEdits marks the soft-success path: the stream broke but
	// edit tool calls had already landed, so the workspace must still
	// be inspected. The edits are unverified by the provider.
	PartialEdits bool

	// Err carries the failure when OK is false.
	Err error
}

// Runner is the direct-edit backend contract.
type Runner interface {
	// Name identifies the backend ("codex", "openai").
	Name() string

	// Available reports whether the backend can run on this host.
	// The answer comes from the capability detector and never
	// changes during the process lifetime.
	Available() bool

	// RunDirectEdit executes one edit session in req.WorkingDir.
	RunDirectEdit(ctx context.Context, req Request) Result
}
