// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hashfs provides content snapshots of directory trees.
//
// A snapshot maps each regular file under a root (by slash-separated
// relative path) to the SHA-256 hex digest of its contents. Comparing
// two snapshots yields the set of touched, created, and deleted paths,
// which is how the optimizer detects what an AI edit session actually
// changed.
package hashfs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot walks root and returns a map from slash-separated relative
// path to the SHA-256 hex digest of each regular file's contents.
//
// # Description
//
// Directories contribute nothing to the map; only regular files are
// hashed. Symlinks and other special files are skipped. Unreadable
// files and subtrees are skipped rather than failing the walk: agent
// tooling drops unreadable bookkeeping files (VCS locks, editor
// droppings) mid-run, and a snapshot that dies on them would fail the
// guards before the ignore filter ever sees the path.
//
// # Inputs
//
//   - root: directory to walk. Must exist.
//
// # Outputs
//
//   - map[string]string: relative path -> hex digest.
//   - error: if root itself cannot be walked.
func Snapshot(root string) (map[string]string, error) {
	snap := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		digest, hashErr := HashFile(path)
		if hashErr != nil {
			// Unreadable files are invisible to the snapshot.
			return nil
		}
		snap[filepath.ToSlash(rel)] = digest
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	return snap, nil
}

// HashFile returns the SHA-256 hex digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// =============================================================================
// Delta
// =============================================================================

// Delta describes the difference between two snapshots of the same tree.
type Delta struct {
	// Touched lists paths present in both snapshots whose content changed.
	Touched []string

	// Created lists paths present only in the after snapshot.
	Created []string

	// Deleted lists paths present only in the before snapshot.
	Deleted []string
}

// Empty reports whether the delta records no changes at all.
func (d Delta) Empty() bool {
	return len(d.Touched) == 0 && len(d.Created) == 0 && len(d.Deleted) == 0
}

// DiffSnapshots compares two snapshots and classifies every differing
// path as touched, created, or deleted.
//
// # Description
//
// Paths accepted by the ignore predicate are excluded from the result
// entirely, so editor droppings and VCS metadata never count as
// changes. Each slice in the returned delta is sorted so downstream
// consumers (diff builders, guards, logs) see a deterministic order.
// A nil ignore predicate ignores nothing.
func DiffSnapshots(before, after map[string]string, ignore func(string) bool) Delta {
	if ignore == nil {
		ignore = func(string) bool { return false }
	}
	var d Delta
	for path, digest := range after {
		if ignore(path) {
			continue
		}
		prev, ok := before[path]
		switch {
		case !ok:
			d.Created = append(d.Created, path)
		case prev != digest:
			d.Touched = append(d.Touched, path)
		}
	}
	for path := range before {
		if ignore(path) {
			continue
		}
		if _, ok := after[path]; !ok {
			d.Deleted = append(d.Deleted, path)
		}
	}
	sort.Strings(d.Touched)
	sort.Strings(d.Created)
	sort.Strings(d.Deleted)
	return d
}
