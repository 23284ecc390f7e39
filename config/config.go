// Package config loads bookstream configuration: defaults, an optional JSON
// file, then environment overrides, validated before use.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix namespaces environment overrides, e.g. BOOKSTREAM_NATS_URL.
const EnvPrefix = "BOOKSTREAM"

// Config is the complete application configuration.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	NATS      NATSConfig      `json:"nats"`
	Cache     CacheConfig     `json:"cache"`
	Archive   ArchiveConfig   `json:"archive"`
	Warming   WarmingConfig   `json:"warming"`
	Enrich    EnrichConfig    `json:"enrich"`
	Providers ProvidersConfig `json:"providers"`
}

// HTTPConfig configures the gateway listener.
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// NATSConfig configures the JetStream connection and bucket layout.
type NATSConfig struct {
	URL           string   `json:"url"`
	Token         string   `json:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
	WarmBucket    string   `json:"warm_bucket"`
	ColdBucket    string   `json:"cold_bucket"`
}

// CacheConfig configures tier TTLs.
type CacheConfig struct {
	HotTTL    Duration `json:"hot_ttl"`
	TitleTTL  Duration `json:"title_ttl"`
	AuthorTTL Duration `json:"author_ttl"`
	WorkTTL   Duration `json:"work_ttl"`
}

// ArchiveConfig configures the warm-to-cold sweep.
type ArchiveConfig struct {
	Enabled   bool     `json:"enabled"`
	MaxAge    Duration `json:"max_age"`
	MinAccess int64    `json:"min_access"`
	Interval  Duration `json:"interval"`
}

// WarmingConfig configures the durable warming consumer.
type WarmingConfig struct {
	Enabled       bool     `json:"enabled"`
	Stream        string   `json:"stream"`
	Subject       string   `json:"subject"`
	DeadLetter    string   `json:"dead_letter"`
	Durable       string   `json:"durable"`
	MaxDeliveries int      `json:"max_deliveries"`
	RetryDelay    Duration `json:"retry_delay"`
	DedupWindow   Duration `json:"dedup_window"`
	TitlesPerSec  float64  `json:"titles_per_sec"`
}

// EnrichConfig configures batch enrichment.
type EnrichConfig struct {
	DefaultConcurrency int      `json:"default_concurrency"`
	ItemTimeout        Duration `json:"item_timeout"`
}

// ProvidersConfig configures the provider fallback chain.
type ProvidersConfig struct {
	OpenLibraryURL string   `json:"openlibrary_url"`
	GoogleBooksURL string   `json:"googlebooks_url"`
	CallTimeout    Duration `json:"call_timeout"`
}

// Duration marshals as a Go duration string in JSON.
type Duration time.Duration

// MarshalJSON renders "15m" style strings.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "15m" strings or plain nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration type %T", v)
	}
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			WarmBucket:    "bookstream-warm",
			ColdBucket:    "bookstream-cold",
		},
		Cache: CacheConfig{
			HotTTL:    Duration(15 * time.Minute),
			TitleTTL:  Duration(24 * time.Hour),
			AuthorTTL: Duration(168 * time.Hour),
			WorkTTL:   Duration(168 * time.Hour),
		},
		Archive: ArchiveConfig{
			Enabled:   true,
			MaxAge:    Duration(30 * 24 * time.Hour),
			MinAccess: 10,
			Interval:  Duration(time.Hour),
		},
		Warming: WarmingConfig{
			Enabled:       true,
			Stream:        "WARMING",
			Subject:       "warming.jobs",
			DeadLetter:    "warming.deadletter",
			Durable:       "warming-workers",
			MaxDeliveries: 3,
			RetryDelay:    Duration(30 * time.Second),
			DedupWindow:   Duration(90 * 24 * time.Hour),
			TitlesPerSec:  2,
		},
		Enrich: EnrichConfig{
			DefaultConcurrency: 10,
			ItemTimeout:        Duration(30 * time.Second),
		},
		Providers: ProvidersConfig{
			CallTimeout: Duration(15 * time.Second),
		},
	}
}

// Load builds the configuration: defaults, then the JSON file at path when
// path is non-empty, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvPrefix + "_HTTP_ADDR"); val != "" {
		cfg.HTTP.Addr = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := os.Getenv(EnvPrefix + "_WARM_BUCKET"); val != "" {
		cfg.NATS.WarmBucket = val
	}
	if val := os.Getenv(EnvPrefix + "_COLD_BUCKET"); val != "" {
		cfg.NATS.ColdBucket = val
	}
	if val := os.Getenv(EnvPrefix + "_ENRICH_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Enrich.DefaultConcurrency = n
		}
	}
	if val := os.Getenv(EnvPrefix + "_ARCHIVE_MAX_AGE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			cfg.Archive.MaxAge = Duration(d)
		}
	}
	if val := os.Getenv(EnvPrefix + "_WARMING_DEDUP_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			cfg.Warming.DedupWindow = Duration(d)
		}
	}
}

// Validate rejects configurations the components would refuse at startup.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if c.NATS.WarmBucket == "" {
		return errors.New("nats.warm_bucket is required")
	}
	if !isValidBucketName(c.NATS.WarmBucket) {
		return fmt.Errorf("nats.warm_bucket %q is not a valid bucket name", c.NATS.WarmBucket)
	}
	if c.NATS.ColdBucket != "" && !isValidBucketName(c.NATS.ColdBucket) {
		return fmt.Errorf("nats.cold_bucket %q is not a valid bucket name", c.NATS.ColdBucket)
	}
	if c.Cache.HotTTL <= 0 || c.Cache.TitleTTL <= 0 || c.Cache.AuthorTTL <= 0 || c.Cache.WorkTTL <= 0 {
		return errors.New("cache TTLs must be positive")
	}
	if c.Archive.Enabled {
		if c.Archive.MaxAge <= 0 {
			return errors.New("archive.max_age must be positive")
		}
		if c.Archive.MinAccess < 0 {
			return errors.New("archive.min_access cannot be negative")
		}
		if c.Archive.Interval <= 0 {
			return errors.New("archive.interval must be positive")
		}
	}
	if c.Warming.Enabled {
		if c.Warming.Stream == "" || c.Warming.Subject == "" {
			return errors.New("warming.stream and warming.subject are required")
		}
		if c.Warming.MaxDeliveries <= 0 {
			return errors.New("warming.max_deliveries must be positive")
		}
		if c.Warming.DedupWindow <= 0 {
			return errors.New("warming.dedup_window must be positive")
		}
	}
	if c.Enrich.DefaultConcurrency <= 0 {
		return errors.New("enrich.default_concurrency must be positive")
	}
	return nil
}

// isValidBucketName checks JetStream bucket naming rules: alphanumeric,
// dashes, underscores.
func isValidBucketName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return !strings.HasPrefix(s, "-")
}
