// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package seed defines the interface to the deterministic rule-based
// fixer that proposes a starting values patch for known violations.
// The fixer itself lives outside this module; generations merge its
// per-violation seeds into one guidance payload for the prompt.
package seed

import (
	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/vtree"
)

// Seeder proposes a deterministic values patch for one violation.
type Seeder interface {
	// SeedFor returns the fixed overlay for a known rule, or an
	// empty value when no deterministic fix exists.
	SeedFor(v chart.Violation) (vtree.Value, error)
}

// MergeSeeds folds every violation's seed into one overlay. Seeding
// is best-effort guidance only; per-violation errors are collected
// and the merge continues.
func MergeSeeds(seeder Seeder, violations []chart.Violation) (vtree.Value, []error) {
	merged := vtree.MapVal()
	var errs []error
	if seeder == nil {
		return merged, nil
	}
	for _, v := range violations {
		s, err := seeder.SeedFor(v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if s.Empty() {
			continue
		}
		merged = vtree.Merge(merged, s)
	}
	return merged, errs
}

// NopSeeder never proposes a seed.
type NopSeeder struct{}

// SeedFor implements Seeder.
func (NopSeeder) SeedFor(chart.Violation) (vtree.Value, error) {
	return vtree.Value{}, nil
}
