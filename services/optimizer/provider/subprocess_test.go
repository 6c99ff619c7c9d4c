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
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeRunner returns a SubprocessRunner whose binary is a shell script.
func fakeRunner(t *testing.T, script string) *SubprocessRunner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake script provider requires a POSIX shell")
	}
	bin := filepath.Join(t.TempDir(), "fake-codex")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	r := NewSubprocessRunner(NewCapabilities(map[string]bool{NameCodex: true}), nil)
	r.Binary = bin
	return r
}

func makeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "values.yaml"), []byte("replicaCount: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestSubprocessRunner_Command(t *testing.T) {
	r := NewSubprocessRunner(NewCapabilities(nil), nil)
	req := Request{WorkingDir: "/tmp/ws", Model: "o3"}
	got := strings.Join(r.command(req), " ")
	want := "codex exec --ephemeral --color never --skip-git-repo-check --full-auto --model o3 --cd /tmp/ws -"
	if got != want {
		t.Errorf("command = %q, want %q", got, want)
	}

	req.Model = ""
	got = strings.Join(r.command(req), " ")
	if strings.Contains(got, "--model") {
		t.Errorf("command includes --model without a model: %q", got)
	}
}

func TestSubprocessRunner_RunDirectEdit(t *testing.T) {
	t.Run("detects_edits_and_reads_prompt", func(t *testing.T) {
		// Script edits values.yaml and echoes the prompt it got on stdin.
		r := fakeRunner(t, "cat - > prompt.txt\nprintf 'replicaCount: 2\\n' > values.yaml\n")
		ws := makeWorkspace(t)

		res := r.RunDirectEdit(context.Background(), Request{
			Prompt:     "fix the chart",
			WorkingDir: ws,
			Timeout:    30 * time.Second,
			Attempt:    1,
		})
		if !res.OK {
			t.Fatalf("RunDirectEdit failed: %v\n%s", res.Err, res.Log)
		}
		found := false
		for _, rel := range res.ChangedPaths {
			if rel == "values.yaml" {
				found = true
			}
		}
		if !found {
			t.Errorf("ChangedPaths = %v, want values.yaml", res.ChangedPaths)
		}
		prompt, err := os.ReadFile(filepath.Join(ws, "prompt.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if string(prompt) != "fix the chart" {
			t.Errorf("stdin prompt = %q", prompt)
		}
		if !strings.Contains(res.Log, "Exit Code: 0") {
			t.Errorf("log missing exit code:\n%s", res.Log)
		}
	})

	t.Run("hardened_environment", func(t *testing.T) {
		r := fakeRunner(t, "printf '%s|%s|%s|%s\\n' \"$CI\" \"$TERM\" \"$NO_COLOR\" \"$CLAUDECODE\" > env.txt\n")
		ws := makeWorkspace(t)
		t.Setenv("CLAUDECODE", "1")
		t.Setenv("CLAUDE_CODE_SESSION", "abc")

		res := r.RunDirectEdit(context.Background(), Request{WorkingDir: ws, Timeout: 30 * time.Second})
		if !res.OK {
			t.Fatalf("RunDirectEdit failed: %v", res.Err)
		}
		env, err := os.ReadFile(filepath.Join(ws, "env.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if got, want := strings.TrimSpace(string(env)), "1|dumb|1|"; got != want {
			t.Errorf("child env = %q, want %q", got, want)
		}
	})

	t.Run("nonzero_exit_is_execution_failure", func(t *testing.T) {
		r := fakeRunner(t, "echo boom >&2\nexit 3\n")
		ws := makeWorkspace(t)

		res := r.RunDirectEdit(context.Background(), Request{WorkingDir: ws, Timeout: 30 * time.Second})
		if res.OK {
			t.Fatal("expected failure for exit 3")
		}
		if !errors.Is(res.Err, ErrExecutionFailed) {
			t.Errorf("err = %v, want ErrExecutionFailed", res.Err)
		}
		if !strings.Contains(res.Err.Error(), "boom") {
			t.Errorf("stderr not surfaced: %v", res.Err)
		}
	})

	t.Run("timeout_returns_tails", func(t *testing.T) {
		r := fakeRunner(t, "echo started\nsleep 30\n")
		ws := makeWorkspace(t)

		res := r.RunDirectEdit(context.Background(), Request{WorkingDir: ws, Timeout: 500 * time.Millisecond})
		if res.OK {
			t.Fatal("expected timeout failure")
		}
		if !errors.Is(res.Err, ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", res.Err)
		}
		if !strings.Contains(res.StdoutTail, "started") {
			t.Errorf("stdout tail missing output: %q", res.StdoutTail)
		}
	})

	t.Run("missing_workdir_fails", func(t *testing.T) {
		r := fakeRunner(t, "true\n")
		res := r.RunDirectEdit(context.Background(), Request{WorkingDir: filepath.Join(t.TempDir(), "nope")})
		if res.OK || !errors.Is(res.Err, ErrExecutionFailed) {
			t.Errorf("expected execution failure, got %+v", res)
		}
	})
}

func TestTailText(t *testing.T) {
	t.Run("short_text_unchanged", func(t *testing.T) {
		if got := TailText("  hello\nworld  "); got != "hello\nworld" {
			t.Errorf("TailText = %q", got)
		}
	})

	t.Run("line_cap", func(t *testing.T) {
		lines := make([]string, 200)
		for i := range lines {
			lines[i] = "x"
		}
		got := TailText(strings.Join(lines, "\n"))
		if n := len(strings.Split(got, "\n")); n != 120 {
			t.Errorf("kept %d lines, want 120", n)
		}
	})

	t.Run("char_cap", func(t *testing.T) {
		got := TailText(strings.Repeat("a", 9000))
		if len(got) > 5000 {
			t.Errorf("kept %d chars, want <= 5000", len(got))
		}
	})
}

func TestExecutionLog_BuildLog(t *testing.T) {
	log := executionLog{
		Provider:     "codex",
		Attempt:      2,
		Command:      []string{"codex", "exec", "-"},
		CWD:          "/tmp/ws",
		ExitCode:     0,
		ChangedPaths: []string{"values.yaml"},
		StdoutTail:   "done",
	}.BuildLog()

	for _, want := range []string{
		"Provider: codex",
		"Attempt: 2",
		"Command: codex exec -",
		"CWD: /tmp/ws",
		"Exit Code: 0",
		"Changed Files (1):",
		"- values.yaml",
		"STDOUT (tail):",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}
}
