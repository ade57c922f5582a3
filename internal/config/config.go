// Package config holds the persistent Storyline configuration.
//
// Every tuning knob the detection pipeline iterates on (link thresholds,
// lifecycle cutoffs, ubiquitous-entity lists) lives here rather than as a
// constant buried in logic, so a run can be reconfigured without a rebuild.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application configuration.
type Config struct {
	Storage    StorageConfig    `koanf:"storage"`
	Feeds      []FeedConfig     `koanf:"feeds"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Clustering ClusteringConfig `koanf:"clustering"`
	Matching   MatchingConfig   `koanf:"matching"`
	Lifecycle  LifecycleConfig  `koanf:"lifecycle"`
	Detection  DetectionConfig  `koanf:"detection"`
	API        APIConfig        `koanf:"api"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// FeedConfig describes one RSS/Atom source to poll.
type FeedConfig struct {
	Name string `koanf:"name"`
	URL  string `koanf:"url"`
}

// ExtractionConfig governs the external entity-extraction service.
type ExtractionConfig struct {
	Provider    string        `koanf:"provider"` // "openai" or "none"
	Model       string        `koanf:"model"`
	APIKeyEnv   string        `koanf:"api_key_env"`
	Concurrency int           `koanf:"concurrency"`    // parallel extraction calls
	RatePerSec  float64       `koanf:"rate_per_sec"`   // upstream call rate cap
	MaxAttempts int           `koanf:"max_attempts"`   // per-article retry bound
	RetryDelay  time.Duration `koanf:"retry_delay"`    // fixed delay between attempts
	Timeout     time.Duration `koanf:"timeout"`        // per-call timeout
	BatchSize   int           `koanf:"batch_size"`     // max articles per extraction run
}

// ClusteringConfig tunes the cluster engine.
type ClusteringConfig struct {
	LinkThreshold      float64  `koanf:"link_threshold"`       // accumulated link strength to join
	MinClusterSize     int      `koanf:"min_cluster_size"`     // clusters below this go to shallow folding
	ShallowFoldJaccard float64  `koanf:"shallow_fold_jaccard"` // actor-set similarity to fold a shallow cluster
	UbiquitousEntities []string `koanf:"ubiquitous_entities"`  // nuclei too generic to be discriminating
}

// MatchingConfig tunes cluster-to-narrative matching.
type MatchingConfig struct {
	RecentThreshold float64       `koanf:"recent_threshold"` // similarity floor for recently-updated narratives
	StaleThreshold  float64       `koanf:"stale_threshold"`  // similarity floor otherwise
	RecentWindow    time.Duration `koanf:"recent_window"`    // how recent "recently-updated" means
	GraceFloor      time.Duration `koanf:"grace_floor"`      // minimum candidate lookback
	GraceCeiling    time.Duration `koanf:"grace_ceiling"`    // maximum candidate lookback
	MaxArticleIDs   int           `koanf:"max_article_ids"`  // cap on stored article IDs per narrative (0 = unlimited)
}

// LifecycleConfig tunes narrative state determination. The source data these
// were fitted on changes character over time; treat them as live tuning
// values, not truths.
type LifecycleConfig struct {
	HotMin24h        int           `koanf:"hot_min_24h"`        // articles/24h for hot
	RisingMin24h     int           `koanf:"rising_min_24h"`     // articles/24h for rising
	CoolingMinTotal  int           `koanf:"cooling_min_total"`  // total articles before a quiet story "cools" rather than stays emerging
	DormantAfter     time.Duration `koanf:"dormant_after"`      // inactivity before dormant
	EchoMax24h       int           `koanf:"echo_max_24h"`       // upper bound of a faint pulse
	ReactivateMin48h int           `koanf:"reactivate_min_48h"` // articles/48h for a sustained return
}

// DetectionConfig schedules the batch jobs.
type DetectionConfig struct {
	PollInterval        time.Duration `koanf:"poll_interval"`
	DetectInterval      time.Duration `koanf:"detect_interval"`
	ConsolidateInterval time.Duration `koanf:"consolidate_interval"`
	ArticleWindow       time.Duration `koanf:"article_window"` // how far back a detection cycle reads extracted articles
}

// APIConfig configures the read-side HTTP API.
type APIConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the baseline configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Storage: StorageConfig{
			Path: filepath.Join(home, ".storyline", "storyline.db"),
		},
		Extraction: ExtractionConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			Concurrency: 4,
			RatePerSec:  2,
			MaxAttempts: 3,
			RetryDelay:  2 * time.Second,
			Timeout:     60 * time.Second,
			BatchSize:   100,
		},
		Clustering: ClusteringConfig{
			LinkThreshold:      0.8,
			MinClusterSize:     3,
			ShallowFoldJaccard: 0.5,
			UbiquitousEntities: []string{"Bitcoin", "crypto", "market", "economy"},
		},
		Matching: MatchingConfig{
			RecentThreshold: 0.5,
			StaleThreshold:  0.6,
			RecentWindow:    48 * time.Hour,
			GraceFloor:      7 * 24 * time.Hour,
			GraceCeiling:    30 * 24 * time.Hour,
			MaxArticleIDs:   500,
		},
		Lifecycle: LifecycleConfig{
			HotMin24h:        10,
			RisingMin24h:     4,
			CoolingMinTotal:  6,
			DormantAfter:     7 * 24 * time.Hour,
			EchoMax24h:       3,
			ReactivateMin48h: 4,
		},
		Detection: DetectionConfig{
			PollInterval:        15 * time.Minute,
			DetectInterval:      time.Hour,
			ConsolidateInterval: 12 * time.Hour,
			ArticleWindow:       48 * time.Hour,
		},
		API: APIConfig{
			Addr: "127.0.0.1:8585",
		},
	}
}

// Path returns the default config file location.
func Path() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".storyline", "config.yaml")
}

// Load reads configuration from the given YAML file (if present), then
// overlays STORYLINE_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	// STORYLINE_API_ADDR -> api.addr, STORYLINE_STORAGE_PATH -> storage.path, ...
	if err := k.Load(env.Provider("STORYLINE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "STORYLINE_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration holds usable values.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Clustering.LinkThreshold <= 0 {
		return fmt.Errorf("clustering.link_threshold must be positive")
	}
	if c.Clustering.MinClusterSize < 1 {
		return fmt.Errorf("clustering.min_cluster_size must be at least 1")
	}
	if c.Matching.RecentThreshold > c.Matching.StaleThreshold {
		return fmt.Errorf("matching.recent_threshold must not exceed matching.stale_threshold")
	}
	if c.Matching.GraceFloor > c.Matching.GraceCeiling {
		return fmt.Errorf("matching.grace_floor must not exceed matching.grace_ceiling")
	}
	if c.Extraction.Concurrency < 1 {
		return fmt.Errorf("extraction.concurrency must be at least 1")
	}
	if c.Extraction.MaxAttempts < 1 {
		return fmt.Errorf("extraction.max_attempts must be at least 1")
	}
	if c.Lifecycle.RisingMin24h > c.Lifecycle.HotMin24h {
		return fmt.Errorf("lifecycle.rising_min_24h must not exceed lifecycle.hot_min_24h")
	}
	return nil
}
