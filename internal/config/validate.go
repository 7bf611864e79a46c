package config

import (
	"fmt"
	"strings"
)

// Validate checks structural invariants that would make the pipeline
// unusable. It does not touch the environment (tokens are resolved at
// destination construction time, not here).
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if len(cfg.Destinations) == 0 {
		return fmt.Errorf("destinations: at least one destination is required")
	}

	seen := map[string]bool{}
	for i, d := range cfg.Destinations {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("destinations[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("destinations[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(d.BaseURL) == "" {
			return fmt.Errorf("destinations[%d] (%s): base_url is required", i, name)
		}
		if strings.TrimSpace(d.AccessTokenEnv) == "" {
			return fmt.Errorf("destinations[%d] (%s): access_token_env is required", i, name)
		}
	}

	if cfg.Segmenter.MaxChars < 0 || cfg.Segmenter.MinContentLen < 0 || cfg.Segmenter.FirstPostMinLen < 0 {
		return fmt.Errorf("segmenter: limits must be >= 0")
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}

	// Duration fields fail fast here rather than at first use.
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"capability.max_age", cfg.Capability.MaxAge},
		{"capability.probe_timeout", cfg.Capability.ProbeTimeout},
		{"crossref.retention", cfg.CrossRef.Retention},
		{"delivery.publish_timeout", cfg.Delivery.PublishTimeout},
		{"retry.pause_window", cfg.Retry.PauseWindow},
		{"retry.drain_interval", cfg.Retry.DrainInterval},
		{"source.poll_interval", cfg.Source.PollInterval},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	for i, raw := range cfg.Retry.Delays {
		if _, err := ParseDurationField(fmt.Sprintf("retry.delays[%d]", i), raw); err != nil {
			return err
		}
	}
	for i, mdl := range cfg.AltText.Models {
		if strings.TrimSpace(mdl.Name) == "" {
			return fmt.Errorf("alt_text.models[%d]: name is required", i)
		}
		if _, err := ParseDurationField(fmt.Sprintf("alt_text.models[%d].cooldown", i), mdl.Cooldown); err != nil {
			return err
		}
	}
	return nil
}
