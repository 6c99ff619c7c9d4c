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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/kubeagle/pkg/logging"
	"github.com/AleutianAI/kubeagle/services/optimizer/hashfs"
)

// sessionEnvVars must be absent from the child environment, otherwise
// a nested agent session refuses to start.
var sessionEnvVars = []string{
	"CLAUDECODE",
	"CLAUDE_CODE_SESSION",
	"CLAUDE_CODE_ENTRY",
}

// =============================================================================
// Subprocess Runner
// =============================================================================

// SubprocessRunner drives a blocking CLI agent with the prompt piped
// to stdin.
//
// # Description
//
// The command runs inside the staged workspace under a hardened
// non-interactive environment (CI=1, TERM=dumb, NO_COLOR=1, session
// variables stripped) and a wall-clock timeout. Edits are detected by
// hashing the workspace before and after the run.
type SubprocessRunner struct {
	// Binary is the CLI to execute. Defaults to "codex"; tests point
	// it at a fake script.
	Binary string

	caps   *Capabilities
	logger *logging.Logger
}

// NewSubprocessRunner creates the codex-backed runner.
func NewSubprocessRunner(caps *Capabilities, logger *logging.Logger) *SubprocessRunner {
	if logger == nil {
		logger = logging.Default()
	}
	return &SubprocessRunner{Binary: NameCodex, caps: caps, logger: logger}
}

// Name implements Runner.
func (r *SubprocessRunner) Name() string { return NameCodex }

// Available implements Runner.
func (r *SubprocessRunner) Available() bool { return r.caps.Available(r.Name()) }

// command builds the fixed argv for one request.
func (r *SubprocessRunner) command(req Request) []string {
	argv := []string{
		r.Binary, "exec",
		"--ephemeral",
		"--color", "never",
		"--skip-git-repo-check",
		"--full-auto",
	}
	if req.Model != "" {
		argv = append(argv, "--model", req.Model)
	}
	return append(argv, "--cd", req.WorkingDir, "-")
}

// RunDirectEdit implements Runner.
func (r *SubprocessRunner) RunDirectEdit(ctx context.Context, req Request) Result {
	workingDir, err := filepath.Abs(req.WorkingDir)
	if err == nil {
		if info, statErr := os.Stat(workingDir); statErr != nil || !info.IsDir() {
			err = fmt.Errorf("working directory not found: %s", workingDir)
		}
	}
	if err != nil {
		msg := fmt.Sprintf("direct-edit working directory not found: %s", req.WorkingDir)
		return Result{
			Provider: r.Name(),
			Log:      msg,
			Err:      fmt.Errorf("%w: %s", ErrExecutionFailed, msg),
		}
	}
	req.WorkingDir = workingDir

	before, err := hashfs.Snapshot(workingDir)
	if err != nil {
		return Result{
			Provider: r.Name(),
			Log:      err.Error(),
			Err:      fmt.Errorf("%w: %v", ErrExecutionFailed, err),
		}
	}

	argv := r.command(req)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = workingDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = hardenedEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running direct-edit subprocess",
		"provider", r.Name(), "cwd", workingDir, "attempt", req.Attempt)
	runErr := cmd.Run()

	stdoutTail := TailText(stdout.String())
	stderrTail := TailText(stderr.String())

	if runCtx.Err() == context.DeadlineExceeded {
		errMsg := fmt.Sprintf("%s timed out after %s", r.Name(), timeout)
		return Result{
			Provider:   r.Name(),
			Command:    argv,
			StdoutTail: stdoutTail,
			StderrTail: stderrTail,
			Log: executionLog{
				Provider:   r.Name(),
				Attempt:    req.Attempt,
				Command:    argv,
				CWD:        workingDir,
				ExitCode:   124,
				Error:      errMsg,
				StdoutTail: stdoutTail,
				StderrTail: stderrTail,
			}.BuildLog(),
			Err: fmt.Errorf("%w: %s", ErrTimeout, errMsg),
		}
	}

	var execErr *exec.Error
	if errors.As(runErr, &execErr) {
		msg := fmt.Sprintf("binary not found: %v", execErr)
		return Result{
			Provider: r.Name(),
			Command:  argv,
			Log:      msg,
			Err:      fmt.Errorf("%w: %s", ErrExecutionFailed, msg),
		}
	}

	after, err := hashfs.Snapshot(workingDir)
	if err != nil {
		return Result{
			Provider: r.Name(),
			Command:  argv,
			Log:      err.Error(),
			Err:      fmt.Errorf("%w: %v", ErrExecutionFailed, err),
		}
	}
	delta := hashfs.DiffSnapshots(before, after, nil)
	changed := changedPathsOf(delta)

	exitCode := cmd.ProcessState.ExitCode()
	var runErrMsg string
	var resultErr error
	if runErr != nil {
		runErrMsg = strings.TrimSpace(stderr.String())
		if runErrMsg == "" {
			runErrMsg = strings.TrimSpace(stdout.String())
		}
		if runErrMsg == "" {
			runErrMsg = fmt.Sprintf("%s exited with code %d", r.Name(), exitCode)
		}
		resultErr = fmt.Errorf("%w: %s", ErrExecutionFailed, TailText(runErrMsg))
	}

	return Result{
		OK:           runErr == nil,
		Provider:     r.Name(),
		Command:      argv,
		ChangedPaths: changed,
		StdoutTail:   stdoutTail,
		StderrTail:   stderrTail,
		Log: executionLog{
			Provider:     r.Name(),
			Attempt:      req.Attempt,
			Command:      argv,
			CWD:          workingDir,
			ExitCode:     exitCode,
			ChangedPaths: changed,
			Error:        runErrMsg,
			StdoutTail:   stdoutTail,
			StderrTail:   stderrTail,
		}.BuildLog(),
		Err: resultErr,
	}
}

// hardenedEnv returns the current environment with non-interactive
// flags set and nested-session variables removed.
func hardenedEnv() []string {
	drop := make(map[string]bool, len(sessionEnvVars)+3)
	for _, key := range sessionEnvVars {
		drop[key] = true
	}
	drop["CI"] = true
	drop["TERM"] = true
	drop["NO_COLOR"] = true

	env := make([]string, 0, len(os.Environ())+3)
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if ok && drop[key] {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "CI=1", "TERM=dumb", "NO_COLOR=1")
}

func changedPathsOf(delta hashfs.Delta) []string {
	changed := make([]string, 0, len(delta.Touched)+len(delta.Created)+len(delta.Deleted))
	changed = append(changed, delta.Touched...)
	changed = append(changed, delta.Created...)
	changed = append(changed, delta.Deleted...)
	sort.Strings(changed)
	return changed
}
