// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bulk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/kubeagle/pkg/logging"
	"github.com/AleutianAI/kubeagle/services/optimizer/apply"
	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/generate"
	"github.com/AleutianAI/kubeagle/services/optimizer/seed"
)

const (
	minParallelism = 1
	maxParallelism = 8
)

// Target is one chart plus its findings submitted to a bulk run.
type Target struct {
	Chart      chart.ChartRef
	Violations []chart.Violation
}

// Config tunes a bulk orchestrator.
type Config struct {
	// Parallelism bounds concurrent generations, clamped to [1, 8].
	Parallelism int

	// Options is the base generation options applied to every item.
	// Its OnStatus callback is replaced per item.
	Options generate.Options

	// Seeder produces deterministic starting patches per violation.
	// May be nil.
	Seeder seed.Seeder
}

// Summary reports the outcome of an apply-all pass.
type Summary struct {
	Applied int
	Skipped int
	Failed  int

	// FirstSkipReason explains the first skipped item, for operator
	// display.
	FirstSkipReason string
}

// Orchestrator runs fix generation across many charts.
//
// # Description
//
// Each chart is one Item moving through the status machine. A run
// dispatches generations under a weighted semaphore; results are
// cached by chart and violation identity so a repeated run over
// unchanged findings is free. All item mutation happens under one
// mutex; generation itself runs outside it.
type Orchestrator struct {
	gen     *generate.Generator
	applier *apply.Applier
	cfg     Config
	logger  *logging.Logger
	metrics *Metrics

	mu         sync.Mutex
	items      []*Item
	index      map[string]*Item
	cache      map[string]*generate.Result
	onProgress func(Item)
}

// NewOrchestrator creates an orchestrator over a generator and an
// applier. A nil logger falls back to the process default.
func NewOrchestrator(gen *generate.Generator, applier *apply.Applier, cfg Config, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Parallelism < minParallelism {
		cfg.Parallelism = minParallelism
	}
	if cfg.Parallelism > maxParallelism {
		cfg.Parallelism = maxParallelism
	}
	if applier == nil {
		applier = apply.NewApplier(logger)
	}
	return &Orchestrator{
		gen:     gen,
		applier: applier,
		cfg:     cfg,
		logger:  logger,
		metrics: DefaultMetrics(),
		index:   make(map[string]*Item),
		cache:   make(map[string]*generate.Result),
	}
}

// =============================================================================
// Run
// =============================================================================

// Run generates fixes for every target, at most Parallelism at a time.
//
// # Inputs
//
//   - ctx: cancels pending and running generations.
//   - targets: charts with their findings. Replaces any prior item
//     set; cached results survive across runs.
//   - onProgress: receives an item snapshot after every status or log
//     change. May be nil.
//
// # Outputs
//
//   - error: only on context cancellation; per-item failures are
//     recorded in the items themselves.
func (o *Orchestrator) Run(ctx context.Context, targets []Target, onProgress func(Item)) error {
	o.mu.Lock()
	o.onProgress = onProgress
	o.items = o.items[:0]
	o.index = make(map[string]*Item, len(targets))
	for _, target := range targets {
		item := &Item{
			Key:         target.Chart.Key(),
			DisplayName: target.Chart.Name(),
			Chart:       target.Chart,
			Violations:  target.Violations,
			Status:      StatusWaiting,
		}
		o.items = append(o.items, item)
		o.index[item.Key] = item
	}
	pending := append([]*Item(nil), o.items...)
	o.mu.Unlock()

	sem := semaphore.NewWeighted(int64(o.cfg.Parallelism))
	var wg sync.WaitGroup
	for _, item := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return fmt.Errorf("bulk run canceled: %w", err)
		}
		wg.Add(1)
		go func(item *Item) {
			defer wg.Done()
			defer sem.Release(1)
			o.generateItem(ctx, item)
		}(item)
	}
	wg.Wait()
	return nil
}

// generateItem runs one item's generation, honoring the cache.
func (o *Orchestrator) generateItem(ctx context.Context, item *Item) {
	key := cacheKey(item.Chart, item.Violations, providerSignature(o.cfg.Options))

	o.mu.Lock()
	if cached, ok := o.cache[key]; ok {
		if err := item.transition(StatusGenerating); err != nil {
			o.mu.Unlock()
			o.logger.Error("bulk status machine violation", "error", err)
			return
		}
		item.Result = cached
		item.StatusLog = append(item.StatusLog, "Reusing cached fix for unchanged findings.")
		o.settleLocked(item, cached)
		o.metrics.CacheHitsTotal.Inc()
		o.emitLocked(item)
		o.mu.Unlock()
		return
	}
	if err := item.transition(StatusGenerating); err != nil {
		o.mu.Unlock()
		o.logger.Error("bulk status machine violation", "error", err)
		return
	}
	o.emitLocked(item)
	o.mu.Unlock()

	opts := o.cfg.Options
	opts.OnStatus = func(line string) { o.appendLog(item, line) }
	seedPatch, seedErrs := seed.MergeSeeds(o.cfg.Seeder, item.Violations)
	for _, err := range seedErrs {
		o.appendLog(item, fmt.Sprintf("Seed fixer: %v", err))
	}
	opts.Seed = seedPatch

	o.metrics.GenerationsInFlight.Inc()
	start := time.Now()
	result := o.gen.Generate(ctx, item.Chart, item.Violations, opts)
	o.metrics.GenerationsInFlight.Dec()
	o.metrics.GenerationDurationSeconds.Observe(time.Since(start).Seconds())
	o.metrics.GenerationsTotal.WithLabelValues(result.Status).Inc()

	o.mu.Lock()
	defer o.mu.Unlock()
	item.Result = &result
	o.settleLocked(item, &result)
	if result.Status != generate.StatusError {
		o.cache[key] = &result
	}
	o.emitLocked(item)
}

// settleLocked maps a generation result onto the item's status.
// Caller holds o.mu.
func (o *Orchestrator) settleLocked(item *Item, result *generate.Result) {
	var to ItemStatus
	switch result.Status {
	case generate.StatusOK:
		to = StatusReady
	case generate.StatusNoChange:
		to = StatusBlocked
	default:
		to = StatusFailed
	}
	if err := item.transition(to); err != nil {
		o.logger.Error("bulk status machine violation", "error", err)
		return
	}
	if result.Note != "" {
		item.StatusLog = append(item.StatusLog, result.Note)
	}
}

// =============================================================================
// Regenerate
// =============================================================================

// Regenerate discards an item's cached result and prior artifact and
// runs generation for that one chart again.
func (o *Orchestrator) Regenerate(ctx context.Context, itemKey string) error {
	o.mu.Lock()
	item, ok := o.index[itemKey]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("no bulk item for chart %s", itemKey)
	}
	if item.Status == StatusWaiting || item.Status == StatusGenerating {
		o.mu.Unlock()
		return fmt.Errorf("chart %s has a generation in progress", item.DisplayName)
	}
	delete(o.cache, cacheKey(item.Chart, item.Violations, providerSignature(o.cfg.Options)))
	if item.Result != nil && item.Result.Artifact != nil {
		if err := item.Result.Artifact.Cleanup(); err != nil {
			o.logger.Warn("artifact cleanup before regenerate failed", "error", err)
		}
	}
	item.Result = nil
	o.mu.Unlock()

	o.generateItem(ctx, item)
	return nil
}

// =============================================================================
// Apply All
// =============================================================================

// ApplyAll promotes every ready item sequentially, in submission
// order. Items that are not ready are skipped, never failed, so a
// blocked chart cannot poison the pass.
func (o *Orchestrator) ApplyAll() Summary {
	o.mu.Lock()
	items := append([]*Item(nil), o.items...)
	o.mu.Unlock()

	var summary Summary
	for _, item := range items {
		o.mu.Lock()
		status := item.Status
		result := item.Result
		o.mu.Unlock()

		if status != StatusReady || result == nil || result.Artifact == nil {
			summary.Skipped++
			if summary.FirstSkipReason == "" {
				summary.FirstSkipReason = fmt.Sprintf("%s: status %s, nothing to apply", item.DisplayName, status)
			}
			continue
		}

		report, err := o.applier.PromoteStaged(item.Chart.Dir, result.Artifact)
		if err != nil {
			summary.Failed++
			o.metrics.AppliesTotal.WithLabelValues("failed").Inc()
			o.setStatus(item, StatusFailed, fmt.Sprintf("Apply failed: %v", err))
			continue
		}
		summary.Applied++
		o.metrics.AppliesTotal.WithLabelValues("applied").Inc()
		o.setStatus(item, StatusApplied,
			fmt.Sprintf("Applied %d file(s) to chart.", len(report.ChangedFiles)))
		// The applied artifact is gone; a cached result pointing at it
		// must not be reused.
		o.mu.Lock()
		delete(o.cache, cacheKey(item.Chart, item.Violations, providerSignature(o.cfg.Options)))
		o.mu.Unlock()
		if err := result.Artifact.Cleanup(); err != nil {
			o.logger.Warn("artifact cleanup after apply failed", "error", err)
		}
	}
	return summary
}

// =============================================================================
// State Access
// =============================================================================

// Items returns snapshots of every tracked item in submission order.
func (o *Orchestrator) Items() []Item {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Item, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item.snapshot())
	}
	return out
}

// Item returns a snapshot of one item by chart key.
func (o *Orchestrator) Item(itemKey string) (Item, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.index[itemKey]
	if !ok {
		return Item{}, false
	}
	return item.snapshot(), true
}

func (o *Orchestrator) setStatus(item *Item, to ItemStatus, line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := item.transition(to); err != nil {
		o.logger.Error("bulk status machine violation", "error", err)
		return
	}
	if line != "" {
		item.StatusLog = append(item.StatusLog, line)
	}
	o.emitLocked(item)
}

func (o *Orchestrator) appendLog(item *Item, line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item.StatusLog = append(item.StatusLog, line)
	o.emitLocked(item)
}

// emitLocked hands a snapshot to the progress callback. Caller holds
// o.mu; the callback must not call back into the orchestrator.
func (o *Orchestrator) emitLocked(item *Item) {
	if o.onProgress != nil {
		o.onProgress(item.snapshot())
	}
}
