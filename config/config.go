// Package config holds the layered configuration for the sync engine:
// cache staleness windows, mutation retry and undo policy, prefetch
// strategy tuning, and reconcile options. Loaded from JSON, validated
// before use.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/c360/storesync/errors"
)

// Config is the complete engine configuration.
type Config struct {
	Cache     CacheConfig     `json:"cache"`
	Mutation  MutationConfig  `json:"mutation"`
	Prefetch  PrefetchConfig  `json:"prefetch"`
	Reconcile ReconcileConfig `json:"reconcile"`
}

// CacheConfig tunes the entity cache.
type CacheConfig struct {
	// TTLMs is the staleness window for demand-fetched entries.
	TTLMs int `json:"ttlMs"`
	// SpeculativeTTLMs is the longer staleness window for prefetched
	// entries.
	SpeculativeTTLMs int `json:"speculativeTtlMs"`
	// SweepIntervalMs is how often observer-free stale entries are
	// evicted.
	SweepIntervalMs int `json:"sweepIntervalMs"`
}

// MutationConfig tunes the mutation coordinator.
type MutationConfig struct {
	// MaxRetries caps attempts against transient server failures.
	MaxRetries int `json:"maxRetries"`
	// RetryInitialDelayMs is the first backoff delay.
	RetryInitialDelayMs int `json:"retryInitialDelayMs"`
	// RetryMaxDelayMs caps the backoff delay.
	RetryMaxDelayMs int `json:"retryMaxDelayMs"`
	// UndoWindowMs is how long after settle a compensable mutation
	// accepts undo.
	UndoWindowMs int `json:"undoWindowMs"`
}

// PrefetchConfig tunes the prefetch scheduler.
type PrefetchConfig struct {
	// Workers caps concurrent speculative fetches.
	Workers int `json:"workers"`
	// DelayMs is the debounce window for the delayed strategy.
	DelayMs int `json:"delayMs"`
	// DetectSignals is the signal count that constitutes intent.
	DetectSignals int `json:"detectSignals"`
	// DetectWindowMs bounds how far back signals count toward intent.
	DetectWindowMs int `json:"detectWindowMs"`
	// RapidResignalMs is the re-signal gap treated as immediate intent.
	RapidResignalMs int `json:"rapidResignalMs"`
	// BatchWindowMs is how often deferred overflow is resubmitted.
	BatchWindowMs int `json:"batchWindowMs"`
}

// ReconcileConfig tunes the event reconciler.
type ReconcileConfig struct {
	// StatusField is the document field holding entity status.
	StatusField string `json:"statusField"`
	// EventBuffer is the inbound event channel capacity.
	EventBuffer int `json:"eventBuffer"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			TTLMs:            30_000,
			SpeculativeTTLMs: 120_000,
			SweepIntervalMs:  10_000,
		},
		Mutation: MutationConfig{
			MaxRetries:          3,
			RetryInitialDelayMs: 100,
			RetryMaxDelayMs:     2_000,
			UndoWindowMs:        10_000,
		},
		Prefetch: PrefetchConfig{
			Workers:         3,
			DelayMs:         300,
			DetectSignals:   3,
			DetectWindowMs:  1_000,
			RapidResignalMs: 200,
			BatchWindowMs:   100,
		},
		Reconcile: ReconcileConfig{
			StatusField: "status",
			EventBuffer: 256,
		},
	}
}

// Load reads and validates a JSON configuration file. Omitted fields fall
// back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read "+path)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapValidation(err, "config", "Load", "parse "+path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	fail := func(action string) error {
		return errors.WrapValidation(errors.ErrInvalidConfig, "config", "Validate", action)
	}

	if c.Cache.TTLMs <= 0 {
		return fail("cache.ttlMs must be positive")
	}
	if c.Cache.SpeculativeTTLMs < c.Cache.TTLMs {
		return fail("cache.speculativeTtlMs must be at least cache.ttlMs")
	}
	if c.Cache.SweepIntervalMs <= 0 {
		return fail("cache.sweepIntervalMs must be positive")
	}
	if c.Mutation.MaxRetries < 1 {
		return fail("mutation.maxRetries must be at least 1")
	}
	if c.Mutation.RetryInitialDelayMs <= 0 || c.Mutation.RetryMaxDelayMs < c.Mutation.RetryInitialDelayMs {
		return fail("mutation retry delays must be positive and ordered")
	}
	if c.Mutation.UndoWindowMs <= 0 {
		return fail("mutation.undoWindowMs must be positive")
	}
	if c.Prefetch.Workers < 1 {
		return fail("prefetch.workers must be at least 1")
	}
	if c.Prefetch.DelayMs <= 0 || c.Prefetch.BatchWindowMs <= 0 {
		return fail("prefetch windows must be positive")
	}
	if c.Prefetch.DetectSignals < 2 {
		return fail("prefetch.detectSignals must be at least 2")
	}
	if c.Prefetch.DetectWindowMs <= 0 || c.Prefetch.RapidResignalMs <= 0 {
		return fail("prefetch detection windows must be positive")
	}
	if c.Reconcile.StatusField == "" {
		return fail("reconcile.statusField must be set")
	}
	if c.Reconcile.EventBuffer < 1 {
		return fail("reconcile.eventBuffer must be at least 1")
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	copied := *c
	return &copied
}

// Duration accessors. Stored as milliseconds so the JSON surface stays
// numeric and explicit.

func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLMs) * time.Millisecond }

func (c CacheConfig) SpeculativeTTL() time.Duration {
	return time.Duration(c.SpeculativeTTLMs) * time.Millisecond
}
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func (m MutationConfig) RetryInitialDelay() time.Duration {
	return time.Duration(m.RetryInitialDelayMs) * time.Millisecond
}
func (m MutationConfig) RetryMaxDelay() time.Duration {
	return time.Duration(m.RetryMaxDelayMs) * time.Millisecond
}
func (m MutationConfig) UndoWindow() time.Duration {
	return time.Duration(m.UndoWindowMs) * time.Millisecond
}

func (p PrefetchConfig) Delay() time.Duration { return time.Duration(p.DelayMs) * time.Millisecond }

func (p PrefetchConfig) DetectWindow() time.Duration {
	return time.Duration(p.DetectWindowMs) * time.Millisecond
}
func (p PrefetchConfig) RapidResignal() time.Duration {
	return time.Duration(p.RapidResignalMs) * time.Millisecond
}
func (p PrefetchConfig) BatchWindow() time.Duration {
	return time.Duration(p.BatchWindowMs) * time.Millisecond
}
