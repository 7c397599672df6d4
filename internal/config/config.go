// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crawlops/crawlward/internal/policy"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RedisConfig points at the shared key-value registry.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig controls access to the durable job-history database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinOpenConns int    `mapstructure:"min_open_conns"`
}

// PubSubConfig holds metadata for lifecycle event notifications. An
// empty project disables publishing.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	LifecycleTopic string `mapstructure:"lifecycle_topic"`
	AlertTopic     string `mapstructure:"alert_topic"`
}

// AdmissionConfig governs per-team concurrency control.
type AdmissionConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
}

// AnalyzerConfig governs the periodic health scan.
type AnalyzerConfig struct {
	IntervalSeconds  int `mapstructure:"interval_seconds"`
	CrawlParallelism int `mapstructure:"crawl_parallelism"`
}

// PolicyConfig bounds the scrape attempt waterfall.
type PolicyConfig struct {
	MaxAttempts        int `mapstructure:"max_attempts"`
	MaxFeatureToggles  int `mapstructure:"max_feature_toggles"`
	MaxFeatureRemovals int `mapstructure:"max_feature_removals"`
	MaxPDFPrefetch     int `mapstructure:"max_pdf_prefetch"`
	MaxDocPrefetch     int `mapstructure:"max_doc_prefetch"`
}

// QueueConfig mirrors the worker lock knobs of the external queue.
type QueueConfig struct {
	LockDurationSeconds  int `mapstructure:"lock_duration_seconds"`
	LockExtensionSeconds int `mapstructure:"lock_extension_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("db.min_open_conns", 1)
	v.SetDefault("admission.default_limit", 8)
	v.SetDefault("analyzer.interval_seconds", 300)
	v.SetDefault("analyzer.crawl_parallelism", 16)
	v.SetDefault("policy.max_attempts", 5)
	v.SetDefault("policy.max_feature_toggles", 2)
	v.SetDefault("policy.max_feature_removals", 1)
	v.SetDefault("policy.max_pdf_prefetch", 1)
	v.SetDefault("policy.max_doc_prefetch", 1)
	v.SetDefault("queue.lock_duration_seconds", 60)
	v.SetDefault("queue.lock_extension_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Admission.DefaultLimit <= 0 {
		return fmt.Errorf("admission.default_limit must be > 0")
	}
	if c.Analyzer.IntervalSeconds <= 0 {
		return fmt.Errorf("analyzer.interval_seconds must be > 0")
	}
	if c.Analyzer.CrawlParallelism <= 0 {
		return fmt.Errorf("analyzer.crawl_parallelism must be > 0")
	}
	if c.Policy.MaxAttempts <= 0 {
		return fmt.Errorf("policy.max_attempts must be > 0")
	}
	if c.Policy.MaxFeatureToggles < 0 || c.Policy.MaxFeatureRemovals < 0 {
		return fmt.Errorf("policy feature budgets must be >= 0")
	}
	if c.Queue.LockDurationSeconds <= 0 || c.Queue.LockExtensionSeconds <= 0 {
		return fmt.Errorf("queue lock settings must be > 0")
	}
	if c.Queue.LockExtensionSeconds >= c.Queue.LockDurationSeconds {
		return fmt.Errorf("queue.lock_extension_seconds must be < queue.lock_duration_seconds")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// AttemptBudget converts the policy knobs into a policy.Budget.
func (c Config) AttemptBudget() policy.Budget {
	return policy.Budget{
		MaxAttempts:        c.Policy.MaxAttempts,
		MaxFeatureToggles:  c.Policy.MaxFeatureToggles,
		MaxFeatureRemovals: c.Policy.MaxFeatureRemovals,
		MaxPDFPrefetch:     c.Policy.MaxPDFPrefetch,
		MaxDocPrefetch:     c.Policy.MaxDocPrefetch,
	}
}

// AnalyzerInterval returns the scan interval as a duration.
func (c Config) AnalyzerInterval() time.Duration {
	return time.Duration(c.Analyzer.IntervalSeconds) * time.Second
}
