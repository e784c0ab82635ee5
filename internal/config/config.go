package config

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// ConflictConfig tunes the conflict detector.
type ConflictConfig struct {
	// BackToBackThresholdMinutes is the largest gap still reported as
	// back-to-back. Negative disables back-to-back detection.
	BackToBackThresholdMinutes int `yaml:"back_to_back_threshold_minutes" json:"back_to_back_threshold_minutes"`
	// MinOverlapMinutes is the smallest overlap reported as a conflict.
	MinOverlapMinutes int `yaml:"min_overlap_minutes" json:"min_overlap_minutes"`
}

// RecurrenceConfig bounds recurrence expansion.
type RecurrenceConfig struct {
	HorizonDays    int `yaml:"horizon_days" json:"horizon_days"`
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
}

// EventStoreConfig bounds the in-process event store.
type EventStoreConfig struct {
	MaxEvents   int `yaml:"max_events" json:"max_events"`
	MaxAgeHours int `yaml:"max_age_hours" json:"max_age_hours"`
}

// BroadcastConfig tunes delivery and enrichment.
type BroadcastConfig struct {
	PublishTimeoutSeconds int  `yaml:"publish_timeout_seconds" json:"publish_timeout_seconds"`
	RetryDelayMillis      int  `yaml:"retry_delay_millis" json:"retry_delay_millis"`
	EnrichmentWorkers     int  `yaml:"enrichment_workers" json:"enrichment_workers"`
	EnrichmentQueueSize   int  `yaml:"enrichment_queue_size" json:"enrichment_queue_size"`
	DisableEnrichment     bool `yaml:"disable_enrichment" json:"disable_enrichment"`
}

// Config is the top-level daemon configuration. Environment variables in
// cmd/pulsed override individual fields.
type Config struct {
	// Listen is the HTTP listen address for the API and channel hub.
	Listen string `yaml:"listen" json:"listen"`

	// SpoolDir is the snapshot drop directory watched by the importer
	// ingest path. Empty disables the spool watcher.
	SpoolDir string `yaml:"spool_dir" json:"spool_dir"`

	// KVDSN selects the shared key-value backend: "memory://" or a
	// postgres:// connection string.
	KVDSN string `yaml:"kv_dsn" json:"kv_dsn"`

	// JWTSecret signs the HS256 bearer tokens accepted by the API.
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`

	// DedupWindowMinutes is the suppression window for repeat
	// notifications.
	DedupWindowMinutes int `yaml:"dedup_window_minutes" json:"dedup_window_minutes"`

	RateLimitMax           int `yaml:"rate_limit_max" json:"rate_limit_max"`
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds" json:"rate_limit_window_seconds"`

	Conflicts  ConflictConfig   `yaml:"conflicts" json:"conflicts"`
	Recurrence RecurrenceConfig `yaml:"recurrence" json:"recurrence"`
	EventStore EventStoreConfig `yaml:"event_store" json:"event_store"`
	Broadcast  BroadcastConfig  `yaml:"broadcast" json:"broadcast"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8090"
	}
	if c.KVDSN == "" {
		c.KVDSN = "memory://"
	}
	if c.DedupWindowMinutes <= 0 {
		c.DedupWindowMinutes = 30
	}
	if c.RateLimitWindowSeconds <= 0 {
		c.RateLimitWindowSeconds = 60
	}
	if c.Conflicts.MinOverlapMinutes <= 0 {
		c.Conflicts.MinOverlapMinutes = 1
	}
	if c.Recurrence.HorizonDays <= 0 {
		c.Recurrence.HorizonDays = 14
	}
	if c.Recurrence.MaxOccurrences <= 0 {
		c.Recurrence.MaxOccurrences = 250
	}
	if c.EventStore.MaxEvents <= 0 {
		c.EventStore.MaxEvents = 1000
	}
	if c.EventStore.MaxAgeHours <= 0 {
		c.EventStore.MaxAgeHours = 24
	}
	if c.Broadcast.PublishTimeoutSeconds <= 0 {
		c.Broadcast.PublishTimeoutSeconds = 5
	}
	if c.Broadcast.RetryDelayMillis <= 0 {
		c.Broadcast.RetryDelayMillis = 200
	}
	if c.Broadcast.EnrichmentWorkers <= 0 {
		c.Broadcast.EnrichmentWorkers = 2
	}
	if c.Broadcast.EnrichmentQueueSize <= 0 {
		c.Broadcast.EnrichmentQueueSize = 64
	}
}

// Load loads configuration from the given YAML path. A missing file is
// not an error: the defaults apply and the daemon runs config-free.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}
