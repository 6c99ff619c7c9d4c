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
	"fmt"
	"strings"
)

const (
	tailMaxLines = 120
	tailMaxChars = 5000
)

// TailText trims text to its last 120 lines and 5000 characters, used
// to keep process output readable in execution logs and errors.
func TailText(text string) string {
	normalized := strings.TrimSpace(text)
	if normalized == "" {
		return ""
	}
	lines := strings.Split(normalized, "\n")
	if len(lines) > tailMaxLines {
		lines = lines[len(lines)-tailMaxLines:]
	}
	tail := strings.Join(lines, "\n")
	if len(tail) > tailMaxChars {
		tail = tail[len(tail)-tailMaxChars:]
	}
	return strings.TrimSpace(tail)
}

// executionLog describes one finished invocation for BuildLog.
type executionLog struct {
	Provider     string
	Attempt      int
	Command      []string
	CWD          string
	ExitCode     int
	ChangedPaths []string
	Error        string
	StdoutTail   string
	StderrTail   string
}

// BuildLog renders the execution transcript shown to operators.
func (e executionLog) BuildLog() string {
	lines := []string{
		fmt.Sprintf("Provider: %s", e.Provider),
		fmt.Sprintf("Attempt: %d", max(1, e.Attempt)),
	}
	if len(e.Command) > 0 {
		lines = append(lines, fmt.Sprintf("Command: %s", strings.Join(e.Command, " ")))
	}
	lines = append(lines,
		fmt.Sprintf("CWD: %s", e.CWD),
		fmt.Sprintf("Exit Code: %d", e.ExitCode),
	)
	lines = append(lines, fmt.Sprintf("Changed Files (%d):", len(e.ChangedPaths)))
	for _, rel := range e.ChangedPaths {
		lines = append(lines, "- "+rel)
	}
	if e.Error != "" {
		lines = append(lines, "Error: "+e.Error)
	}
	if e.StdoutTail != "" {
		lines = append(lines, "", "STDOUT (tail):", e.StdoutTail)
	}
	if e.StderrTail != "" {
		lines = append(lines, "", "STDERR (tail):", e.StderrTail)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
