// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/kubeagle/cmd/kubeagle/config"
	"github.com/AleutianAI/kubeagle/services/optimizer/apply"
	"github.com/AleutianAI/kubeagle/services/optimizer/bulk"
	"github.com/AleutianAI/kubeagle/services/optimizer/chart"
	"github.com/AleutianAI/kubeagle/services/optimizer/generate"
	"github.com/AleutianAI/kubeagle/services/optimizer/provider"
)

var (
	rootCmd = &cobra.Command{
		Use:   "kubeagle",
		Short: "A CLI to audit and fix Kubernetes Helm charts",
		Long: `KubEagle analyzes Helm charts for misconfigurations and uses
AI direct-edit backends to generate reviewable, safely applied fixes.`,
	}

	fixCmd = &cobra.Command{
		Use:   "fix [findings.yaml]",
		Short: "Generate AI fixes for every chart in a findings file",
		Long: `Reads a findings file listing charts and their rule violations,
generates a fix per chart with bounded concurrency, and optionally
applies every ready fix to the source charts.`,
		Args: cobra.ExactArgs(1),
		Run:  runFix,
	}
	applyFixes  bool
	fixProvider string
	fixParallel int

	promptCmd = &cobra.Command{
		Use:   "prompt",
		Short: "Print the default AI fix prompt template",
		Long: `Prints the editable default prompt template. Save it, adjust it,
and set autofix.system_prompt_override in the config to use it.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(generate.DefaultPromptTemplate())
		},
	}
)

func init() {
	fixCmd.Flags().BoolVar(&applyFixes, "apply", false, "apply every ready fix after generation")
	fixCmd.Flags().StringVar(&fixProvider, "provider", "", "restrict generation to one backend (codex or openai)")
	fixCmd.Flags().IntVar(&fixParallel, "parallelism", 0, "override configured bulk parallelism")
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(promptCmd)
}

// findingsFile is the on-disk input for a bulk fix run.
type findingsFile struct {
	Charts []struct {
		Dir        string `yaml:"dir"`
		Values     string `yaml:"values"`
		Violations []struct {
			RuleID      string `yaml:"rule_id"`
			RuleName    string `yaml:"rule_name"`
			Current     string `yaml:"current"`
			Recommended string `yaml:"recommended"`
		} `yaml:"violations"`
	} `yaml:"charts"`
}

func loadTargets(path string) ([]bulk.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read findings file: %w", err)
	}
	var findings findingsFile
	if err := yaml.Unmarshal(data, &findings); err != nil {
		return nil, fmt.Errorf("parse findings file: %w", err)
	}

	base := filepath.Dir(path)
	targets := make([]bulk.Target, 0, len(findings.Charts))
	for _, entry := range findings.Charts {
		dir := entry.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(base, dir)
		}
		values := entry.Values
		if values == "" {
			values = "values.yaml"
		}
		ref, err := chart.NewChartRef(dir, values)
		if err != nil {
			return nil, err
		}
		violations := make([]chart.Violation, 0, len(entry.Violations))
		for _, v := range entry.Violations {
			violations = append(violations, chart.Violation{
				RuleID:           v.RuleID,
				RuleName:         v.RuleName,
				ChartName:        ref.Name(),
				CurrentValue:     v.Current,
				RecommendedValue: v.Recommended,
			})
		}
		targets = append(targets, bulk.Target{Chart: ref, Violations: violations})
	}
	return targets, nil
}

func buildRunners() []provider.Runner {
	caps := provider.DetectCapabilities()
	var runners []provider.Runner
	for _, name := range config.Global.Autofix.Providers {
		switch name {
		case provider.NameCodex:
			runners = append(runners, provider.NewSubprocessRunner(caps, logger))
		case provider.NameOpenAI:
			runners = append(runners, provider.NewStreamRunner(caps, config.Global.Autofix.Models[name], logger))
		default:
			logger.Warn("unknown provider in config, skipping", "provider", name)
		}
	}
	return runners
}

func runFix(cmd *cobra.Command, args []string) {
	targets, err := loadTargets(args[0])
	if err != nil {
		log.Fatalf("Error loading findings: %v", err)
	}
	if len(targets) == 0 {
		fmt.Println("Nothing to fix: findings file lists no charts.")
		return
	}

	autofix := config.Global.Autofix
	parallelism := autofix.BulkParallelism
	if fixParallel > 0 {
		parallelism = fixParallel
	}
	preferred := autofix.PreferredProvider
	if fixProvider != "" {
		preferred = fixProvider
	}

	gen := generate.NewGenerator(buildRunners(), nil, logger)
	orch := bulk.NewOrchestrator(gen, apply.NewApplier(logger), bulk.Config{
		Parallelism: parallelism,
		Options: generate.Options{
			Timeout:           autofix.GenerationTimeout(),
			PreferredProvider: preferred,
			Models:            autofix.Models,
			PromptOverride:    autofix.SystemPromptOverride,
		},
	}, logger)

	err = orch.Run(context.Background(), targets, func(item bulk.Item) {
		if len(item.StatusLog) > 0 {
			fmt.Printf("  [%s] %s: %s\n", item.Status, item.DisplayName, item.StatusLog[len(item.StatusLog)-1])
		} else {
			fmt.Printf("  [%s] %s\n", item.Status, item.DisplayName)
		}
	})
	if err != nil {
		log.Fatalf("Error running bulk fix: %v", err)
	}

	ready := 0
	for _, item := range orch.Items() {
		if item.Status == bulk.StatusReady {
			ready++
		}
	}
	fmt.Printf("Generation finished: %d of %d chart(s) have a fix ready.\n", ready, len(targets))

	if !applyFixes {
		if ready > 0 {
			fmt.Println("Re-run with --apply to write the fixes to the source charts.")
		}
		return
	}
	summary := orch.ApplyAll()
	fmt.Printf("Apply finished: applied=%d skipped=%d failed=%d\n",
		summary.Applied, summary.Skipped, summary.Failed)
	if summary.FirstSkipReason != "" {
		fmt.Printf("First skip: %s\n", summary.FirstSkipReason)
	}
}
