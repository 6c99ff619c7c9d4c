// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bulk orchestrates fix generation across many charts with
// bounded concurrency, a per-chart status machine, and a result cache
// keyed on chart and violation identity.
package bulk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/generate"
)

// ItemStatus is the lifecycle state of one chart in a bulk run.
type ItemStatus string

const (
	// StatusWaiting: queued, generation not started.
	StatusWaiting ItemStatus = "waiting"

	// StatusGenerating: a provider is working on this chart.
	StatusGenerating ItemStatus = "generating"

	// StatusReady: a fix bundle is generated and reviewable.
	StatusReady ItemStatus = "ready"

	// StatusBlocked: generation finished but produced nothing to apply.
	StatusBlocked ItemStatus = "blocked"

	// StatusApplied: the fix was promoted into the real chart.
	StatusApplied ItemStatus = "applied"

	// StatusFailed: generation or apply failed.
	StatusFailed ItemStatus = "failed"
)

// legalTransitions defines the status machine. Regeneration re-enters
// generating from any settled state.
var legalTransitions = map[ItemStatus][]ItemStatus{
	StatusWaiting:    {StatusGenerating},
	StatusGenerating: {StatusReady, StatusBlocked, StatusFailed},
	StatusReady:      {StatusApplied, StatusFailed, StatusGenerating},
	StatusBlocked:    {StatusGenerating},
	StatusApplied:    {StatusGenerating},
	StatusFailed:     {StatusGenerating},
}

// CanTransition reports whether moving from one status to another is
// a legal status machine step.
func CanTransition(from, to ItemStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Item is one chart target tracked through a bulk run.
type Item struct {
	// Key is the stable chart identity (absolute values file path).
	Key string

	// DisplayName is the chart name shown in progress output.
	DisplayName string

	// Chart is the validated chart reference.
	Chart chart.ChartRef

	// Violations are the findings this item's generation addresses.
	Violations []chart.Violation

	// Status is the current lifecycle state.
	Status ItemStatus

	// StatusLog accumulates human-readable progress lines.
	StatusLog []string

	// Result is the latest generation outcome, nil before the first
	// generation finishes.
	Result *generate.Result
}

// transition moves the item to a new status, enforcing legality.
func (it *Item) transition(to ItemStatus) error {
	if !CanTransition(it.Status, to) {
		return fmt.Errorf("illegal status transition for %s: %s -> %s", it.DisplayName, it.Status, to)
	}
	it.Status = to
	return nil
}

// snapshot returns a copy safe to hand to progress callbacks while
// the orchestrator keeps mutating the original.
func (it *Item) snapshot() Item {
	cp := *it
	cp.StatusLog = append([]string(nil), it.StatusLog...)
	return cp
}

// cacheKey builds the result cache identity for one item: the chart
// key, the sorted violation identities, and the provider signature.
// Any change to one of the three must miss the cache.
func cacheKey(ref chart.ChartRef, violations []chart.Violation, providerSig string) string {
	identities := make([]string, 0, len(violations))
	for _, v := range violations {
		identities = append(identities, v.IdentityKey())
	}
	sort.Strings(identities)
	return ref.Key() + "\n" + strings.Join(identities, ";") + "\n" + providerSig
}

// providerSignature renders the generation options that affect output
// into a stable string for cache keying.
func providerSignature(opts generate.Options) string {
	models := make([]string, 0, len(opts.Models))
	for name, model := range opts.Models {
		models = append(models, name+"="+model)
	}
	sort.Strings(models)
	return opts.PreferredProvider + "|" + strings.Join(models, ",")
}
