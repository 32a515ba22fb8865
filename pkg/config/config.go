// Package config loads and validates the engine's startup configuration
// (spec.md §6, "Configuration"). Values are loaded from YAML, matching the
// teacher's indirect yaml.v3 dependency, and validated by hand: the struct
// has six numeric invariants plus a required base path and no CLI/HTTP
// surface to decorate with validator tags (CLI/config loading is an
// explicit Non-goal, spec.md §1), so a hand-written Validate is the
// idiomatic fit here rather than pulling in a struct-tag validator purely
// to replace seven if-statements.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine-wide configuration named in spec.md §6.
type Config struct {
	// MemoryLimit bounds the total bytes held across every index's mems
	// before the writer stalls (spec.md §4.8 "hard limit").
	MemoryLimit uint64 `yaml:"memory_limit"`

	// CacheSize bounds the per-index read-through cache (spec.md §4.5).
	CacheSize int `yaml:"cache_size"`

	// BloomFPR is the target false-positive rate the run writer's bloom
	// spectrum search satisfies (spec.md §4.3).
	BloomFPR float64 `yaml:"bloom_fpr"`

	// BasePath is the root directory holding every index's
	// <space-id>/<index-id>/ subdirectory (spec.md §6).
	BasePath string `yaml:"base_path"`

	// WorkerPoolSize is the number of OS threads (goroutines, here) the
	// scheduler keeps for task execution; spec.md §4.8 requires at least
	// two so a dump is never starved by saturating compactions.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// RangeSizeTarget is the per-range size (bytes of newest run) a split
	// is triggered relative to (spec.md §4.1: 4/3 of this value).
	RangeSizeTarget uint64 `yaml:"range_size_target"`

	// PageSize bounds the uncompressed size of one run page (spec.md §4.3).
	PageSize int `yaml:"page_size"`

	// RunCountPerLevel is the size-tiered compaction fan-in before a level
	// is folded into compaction priority (spec.md §4.8).
	RunCountPerLevel int `yaml:"run_count_per_level"`

	// RunSizeRatio is the multiplier applied to the level-sizing target
	// scan's running size each time it's exceeded (spec.md §4.8).
	RunSizeRatio float64 `yaml:"run_size_ratio"`

	// QuotaTimerInterval is how often the scheduler recomputes the memory
	// quota watermark (spec.md §4.8). Not named directly in spec.md's
	// Configuration list but required to drive "a timer recomputes the
	// watermark"; defaults to one second in original_source/ (vinyl.c's
	// quota timer period).
	QuotaTimerInterval time.Duration `yaml:"quota_timer_interval"`
}

// Default returns a Config with conservative defaults suitable for tests
// and local development.
func Default() Config {
	return Config{
		MemoryLimit:        256 << 20,
		CacheSize:          4096,
		BloomFPR:           0.01,
		BasePath:           "./data",
		WorkerPoolSize:     2,
		RangeSizeTarget:    64 << 20,
		PageSize:           16 << 10,
		RunCountPerLevel:   4,
		RunSizeRatio:       2.0,
		QuotaTimerInterval: time.Second,
	}
}

// Load reads and validates a Config from a YAML file at path, starting
// from Default() so unspecified fields keep sane values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants spec.md §4.8 and §6 depend on.
func (c Config) Validate() error {
	if c.WorkerPoolSize < 2 {
		return fmt.Errorf("config: worker_pool_size must be >= 2 (one worker is reserved for dumps), got %d", c.WorkerPoolSize)
	}
	if c.BasePath == "" {
		return fmt.Errorf("config: base_path must not be empty")
	}
	if c.BloomFPR <= 0 || c.BloomFPR >= 1 {
		return fmt.Errorf("config: bloom_fpr must be in (0, 1), got %f", c.BloomFPR)
	}
	if c.RangeSizeTarget == 0 {
		return fmt.Errorf("config: range_size_target must be > 0")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("config: page_size must be > 0")
	}
	if c.RunCountPerLevel <= 0 {
		return fmt.Errorf("config: run_count_per_level must be > 0")
	}
	if c.RunSizeRatio <= 1.0 {
		return fmt.Errorf("config: run_size_ratio must be > 1.0, got %f", c.RunSizeRatio)
	}
	return nil
}
