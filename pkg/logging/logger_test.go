// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevel_String(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.level.String(); got != tc.want {
			t.Errorf("Level(%d).String() = %q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"  warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNew_FileLogging(t *testing.T) {
	t.Run("creates_log_file", func(t *testing.T) {
		logDir := t.TempDir()
		logger := New(Config{
			Level:   LevelDebug,
			LogDir:  logDir,
			Service: "testsvc",
			Quiet:   true,
		})
		logger.Info("hello", "key", "value")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		entries, err := os.ReadDir(logDir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 log file, got %d", len(entries))
		}
		name := entries[0].Name()
		if !strings.HasPrefix(name, "testsvc_") || !strings.HasSuffix(name, ".log") {
			t.Errorf("unexpected log file name %q", name)
		}

		data, err := os.ReadFile(filepath.Join(logDir, name))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if !strings.Contains(string(data), `"msg":"hello"`) {
			t.Errorf("log file missing JSON entry, got %q", string(data))
		}
		if !strings.Contains(string(data), `"service":"testsvc"`) {
			t.Errorf("log file missing service attribute, got %q", string(data))
		}
	})

	t.Run("close_is_idempotent", func(t *testing.T) {
		logger := New(Config{LogDir: t.TempDir(), Quiet: true})
		if err := logger.Close(); err != nil {
			t.Fatalf("first Close() error = %v", err)
		}
		if err := logger.Close(); err != nil {
			t.Fatalf("second Close() error = %v", err)
		}
	})
}

func TestWith_DoesNotOwnFile(t *testing.T) {
	logDir := t.TempDir()
	logger := New(Config{LogDir: logDir, Quiet: true, Service: "svc"})
	child := logger.With("chart", "redis")
	if err := child.Close(); err != nil {
		t.Fatalf("child Close() error = %v", err)
	}
	// Parent still writes after child close.
	logger.Info("still alive")
	if err := logger.Close(); err != nil {
		t.Fatalf("parent Close() error = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir in test environment")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath(/abs/path) = %q", got)
	}
}
