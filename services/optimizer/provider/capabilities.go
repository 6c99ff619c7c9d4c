// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"os"
	"os/exec"
)

// Backend names shared across the package.
const (
	NameCodex  = "codex"
	NameOpenAI = "openai"
)

// =============================================================================
// Capability Detection
// =============================================================================

// Capabilities records which backends were available when the process
// started.
//
// # Description
//
// Probing happens exactly once, at construction. The host TUI taking
// over the terminal can flip PATH or environment lookups mid-session,
// so a previously working backend must never re-probe to false.
// Construct one Capabilities at startup and pass it by reference.
type Capabilities struct {
	available map[string]bool
}

// DetectCapabilities probes every known backend once.
//
// The subprocess backend is available when its binary is on PATH; the
// streaming backend is available when an API key is configured.
func DetectCapabilities() *Capabilities {
	_, codexErr := exec.LookPath("codex")
	return NewCapabilities(map[string]bool{
		NameCodex:  codexErr == nil,
		NameOpenAI: os.Getenv("OPENAI_API_KEY") != "",
	})
}

// NewCapabilities wraps a fixed availability table.
func NewCapabilities(available map[string]bool) *Capabilities {
	table := make(map[string]bool, len(available))
	for name, ok := range available {
		table[name] = ok
	}
	return &Capabilities{available: table}
}

// Available reports whether the named backend was usable at startup.
func (c *Capabilities) Available(name string) bool {
	if c == nil {
		return false
	}
	return c.available[name]
}
