// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import "time"

type KubeagleConfig struct {
	// Autofix: tunables for the AI fix pipeline
	Autofix AutofixConfig `yaml:"autofix"`

	// Logging: level for the shared structured logger
	Logging LoggingConfig `yaml:"logging"`
}

type AutofixConfig struct {
	// Providers lists direct-edit backends in attempt order.
	Providers []string `yaml:"providers"`

	// PreferredProvider narrows attempts to one backend when set.
	PreferredProvider string `yaml:"preferred_provider,omitempty"`

	// Models maps provider name to a model override.
	Models map[string]string `yaml:"models,omitempty"`

	// GenerationTimeoutSeconds bounds each provider invocation.
	GenerationTimeoutSeconds int `yaml:"generation_timeout_seconds"`

	// BulkParallelism bounds concurrent generations (clamped to 1..8).
	BulkParallelism int `yaml:"bulk_parallelism"`

	// SystemPromptOverride is extra prompt text, or a full template
	// when it carries the documented placeholders.
	SystemPromptOverride string `yaml:"system_prompt_override,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // e.g. "info"
}

// GenerationTimeout returns the configured per-provider timeout.
func (a AutofixConfig) GenerationTimeout() time.Duration {
	if a.GenerationTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.GenerationTimeoutSeconds) * time.Second
}

func DefaultConfig() KubeagleConfig {
	return KubeagleConfig{
		Autofix: AutofixConfig{
			Providers:                []string{"codex", "openai"},
			Models:                   map[string]string{},
			GenerationTimeoutSeconds: 180,
			BulkParallelism:          2,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
