package config

import (
	"fmt"
	"strconv"
	"time"
)

// Config represents the persistent cortex configuration stored as config.toml
// in the .cortex/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Storage     StorageConfig     `toml:"storage"`
	API         APIConfig         `toml:"api"`
	VectorStore VectorStoreConfig `toml:"vector_store"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	LLM         LLMConfig         `toml:"llm"`
	Lifecycle   LifecycleConfig   `toml:"lifecycle"`
	Attribution AttributionConfig `toml:"attribution"`
	Consistency ConsistencyConfig `toml:"consistency"`
	Compliance  ComplianceConfig  `toml:"compliance"`
	Events      EventsConfig      `toml:"events"`
	Cache       CacheConfig       `toml:"cache"`
}

// StorageConfig selects the memory store backend.
type StorageConfig struct {
	// Driver is one of inmemory, sqlite or postgres.
	Driver string `toml:"driver,omitempty"`

	// SQLitePath defaults to cortex.db in the .cortex/ directory.
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen     string `toml:"listen,omitempty"`
	DisableMCP bool   `toml:"disable_mcp,omitempty"`
}

// VectorStoreConfig holds vector index settings. Target is the sqlite-vec
// database path or the qdrant host:port.
type VectorStoreConfig struct {
	Provider   string `toml:"provider,omitempty"`
	Target     string `toml:"target,omitempty"`
	Collection string `toml:"collection,omitempty"`
	APIKey     string `toml:"api_key,omitempty"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `toml:"provider,omitempty"`
	Target     string `toml:"target,omitempty"`
	Model      string `toml:"model,omitempty"`
	Dimensions uint   `toml:"dimensions,omitempty"`
}

// LLMConfig selects the model used for answers and contradiction
// classification. Provider "none" keeps both local.
type LLMConfig struct {
	Provider string `toml:"provider,omitempty"`
	Model    string `toml:"model,omitempty"`
	Target   string `toml:"target,omitempty"`
	APIKey   string `toml:"api_key,omitempty"`
	Timeout  string `toml:"timeout,omitempty"`
}

// LifecycleConfig holds tier aging settings. Durations use Go syntax
// ("720h").
type LifecycleConfig struct {
	HotTTL   string `toml:"hot_ttl,omitempty"`
	WarmTTL  string `toml:"warm_ttl,omitempty"`
	Schedule string `toml:"schedule,omitempty"`
}

// AttributionConfig holds attribution engine settings.
type AttributionConfig struct {
	Threshold          float64 `toml:"threshold,omitempty"`
	MinSamples         int     `toml:"min_samples,omitempty"`
	AmortizedWorkers   uint    `toml:"amortized_workers,omitempty"`
	ExactWorkers       uint    `toml:"exact_workers,omitempty"`
	AblationFanout     int     `toml:"ablation_fanout,omitempty"`
	ValidationSchedule string  `toml:"validation_schedule,omitempty"`
}

// ConsistencyConfig holds contradiction detection settings.
type ConsistencyConfig struct {
	// Classifier is heuristic or llm.
	Classifier       string  `toml:"classifier,omitempty"`
	TopK             int     `toml:"top_k,omitempty"`
	MinSimilarity    float64 `toml:"min_similarity,omitempty"`
	MinConfidence    float64 `toml:"min_confidence,omitempty"`
	SupersedePenalty float64 `toml:"supersede_penalty,omitempty"`
}

// ComplianceConfig holds deletion settings.
type ComplianceConfig struct {
	GracePeriod string `toml:"grace_period,omitempty"`

	// JournalPath defaults to deletions.journal in the .cortex/ directory.
	JournalPath string `toml:"journal_path,omitempty"`

	// Schedule is how often due deletions are executed.
	Schedule string `toml:"schedule,omitempty"`
}

// EventsConfig selects where domain events are published.
type EventsConfig struct {
	// Provider is nop or kafka.
	Provider string `toml:"provider,omitempty"`

	// Brokers is a comma separated list of host:port pairs.
	Brokers string `toml:"brokers,omitempty"`
	Topic   string `toml:"topic,omitempty"`
}

// CacheConfig enables the Redis embedding cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	TTL           string `toml:"ttl,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringKey(field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

// durationKey stores the string as written but refuses values
// time.ParseDuration can't read.
func durationKey(name string, field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			if _, err := time.ParseDuration(v); err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = v
			return nil
		},
	}
}

func boolKey(name string, field func(c *Config) *bool) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = b
			return nil
		},
	}
}

func uintKey(name string, field func(c *Config) *uint) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(*field(c)), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = uint(n)
			return nil
		},
	}
}

func intKey(name string, field func(c *Config) *int) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.Itoa(*field(c))
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid value for %s: must be a non-negative integer", name)
			}
			*field(c) = n
			return nil
		},
	}
}

// ratioKey holds values in [0, 1].
func ratioKey(name string, field func(c *Config) *float64) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.FormatFloat(*field(c), 'f', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			if f < 0 || f > 1 {
				return fmt.Errorf("invalid value for %s: %v is outside [0, 1]", name, f)
			}
			*field(c) = f
			return nil
		},
	}
}

// configKeyOrder is the authoritative list of supported config keys, in the
// TOML section layout. Keys use dotted notation matching the TOML structure.
var configKeyOrder = []string{
	"storage.driver",
	"storage.sqlite_path",
	"storage.postgres_dsn",
	"api.listen",
	"api.disable_mcp",
	"vector_store.provider",
	"vector_store.target",
	"vector_store.collection",
	"vector_store.api_key",
	"embedding.provider",
	"embedding.target",
	"embedding.model",
	"embedding.dimensions",
	"llm.provider",
	"llm.model",
	"llm.target",
	"llm.api_key",
	"llm.timeout",
	"lifecycle.hot_ttl",
	"lifecycle.warm_ttl",
	"lifecycle.schedule",
	"attribution.threshold",
	"attribution.min_samples",
	"attribution.amortized_workers",
	"attribution.exact_workers",
	"attribution.ablation_fanout",
	"attribution.validation_schedule",
	"consistency.classifier",
	"consistency.top_k",
	"consistency.min_similarity",
	"consistency.min_confidence",
	"consistency.supersede_penalty",
	"compliance.grace_period",
	"compliance.journal_path",
	"compliance.schedule",
	"events.provider",
	"events.brokers",
	"events.topic",
	"cache.redis_addr",
	"cache.redis_password",
	"cache.ttl",
}

var configKeys = map[string]configKeyInfo{
	"storage.driver":       stringKey(func(c *Config) *string { return &c.Storage.Driver }),
	"storage.sqlite_path":  stringKey(func(c *Config) *string { return &c.Storage.SQLitePath }),
	"storage.postgres_dsn": stringKey(func(c *Config) *string { return &c.Storage.PostgresDSN }),

	"api.listen":      stringKey(func(c *Config) *string { return &c.API.Listen }),
	"api.disable_mcp": boolKey("api.disable_mcp", func(c *Config) *bool { return &c.API.DisableMCP }),

	"vector_store.provider":   stringKey(func(c *Config) *string { return &c.VectorStore.Provider }),
	"vector_store.target":     stringKey(func(c *Config) *string { return &c.VectorStore.Target }),
	"vector_store.collection": stringKey(func(c *Config) *string { return &c.VectorStore.Collection }),
	"vector_store.api_key":    stringKey(func(c *Config) *string { return &c.VectorStore.APIKey }),

	"embedding.provider":   stringKey(func(c *Config) *string { return &c.Embedding.Provider }),
	"embedding.target":     stringKey(func(c *Config) *string { return &c.Embedding.Target }),
	"embedding.model":      stringKey(func(c *Config) *string { return &c.Embedding.Model }),
	"embedding.dimensions": uintKey("embedding.dimensions", func(c *Config) *uint { return &c.Embedding.Dimensions }),

	"llm.provider": stringKey(func(c *Config) *string { return &c.LLM.Provider }),
	"llm.model":    stringKey(func(c *Config) *string { return &c.LLM.Model }),
	"llm.target":   stringKey(func(c *Config) *string { return &c.LLM.Target }),
	"llm.api_key":  stringKey(func(c *Config) *string { return &c.LLM.APIKey }),
	"llm.timeout":  durationKey("llm.timeout", func(c *Config) *string { return &c.LLM.Timeout }),

	"lifecycle.hot_ttl":  durationKey("lifecycle.hot_ttl", func(c *Config) *string { return &c.Lifecycle.HotTTL }),
	"lifecycle.warm_ttl": durationKey("lifecycle.warm_ttl", func(c *Config) *string { return &c.Lifecycle.WarmTTL }),
	"lifecycle.schedule": stringKey(func(c *Config) *string { return &c.Lifecycle.Schedule }),

	"attribution.threshold":         ratioKey("attribution.threshold", func(c *Config) *float64 { return &c.Attribution.Threshold }),
	"attribution.min_samples":       intKey("attribution.min_samples", func(c *Config) *int { return &c.Attribution.MinSamples }),
	"attribution.amortized_workers": uintKey("attribution.amortized_workers", func(c *Config) *uint { return &c.Attribution.AmortizedWorkers }),
	"attribution.exact_workers":     uintKey("attribution.exact_workers", func(c *Config) *uint { return &c.Attribution.ExactWorkers }),
	"attribution.ablation_fanout":   intKey("attribution.ablation_fanout", func(c *Config) *int { return &c.Attribution.AblationFanout }),
	"attribution.validation_schedule": stringKey(func(c *Config) *string {
		return &c.Attribution.ValidationSchedule
	}),

	"consistency.classifier":        stringKey(func(c *Config) *string { return &c.Consistency.Classifier }),
	"consistency.top_k":             intKey("consistency.top_k", func(c *Config) *int { return &c.Consistency.TopK }),
	"consistency.min_similarity":    ratioKey("consistency.min_similarity", func(c *Config) *float64 { return &c.Consistency.MinSimilarity }),
	"consistency.min_confidence":    ratioKey("consistency.min_confidence", func(c *Config) *float64 { return &c.Consistency.MinConfidence }),
	"consistency.supersede_penalty": ratioKey("consistency.supersede_penalty", func(c *Config) *float64 { return &c.Consistency.SupersedePenalty }),

	"compliance.grace_period": durationKey("compliance.grace_period", func(c *Config) *string { return &c.Compliance.GracePeriod }),
	"compliance.journal_path": stringKey(func(c *Config) *string { return &c.Compliance.JournalPath }),
	"compliance.schedule":     stringKey(func(c *Config) *string { return &c.Compliance.Schedule }),

	"events.provider": stringKey(func(c *Config) *string { return &c.Events.Provider }),
	"events.brokers":  stringKey(func(c *Config) *string { return &c.Events.Brokers }),
	"events.topic":    stringKey(func(c *Config) *string { return &c.Events.Topic }),

	"cache.redis_addr":     stringKey(func(c *Config) *string { return &c.Cache.RedisAddr }),
	"cache.redis_password": stringKey(func(c *Config) *string { return &c.Cache.RedisPassword }),
	"cache.ttl":            durationKey("cache.ttl", func(c *Config) *string { return &c.Cache.TTL }),
}

// Duration parses a duration field, treating "" as zero.
func Duration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}
