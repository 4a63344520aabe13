// Package config loads application configuration from layered file and
// environment sources — config/default.yaml and config/local.yaml if
// present, then environment variables with a "__" separator taking
// priority over both.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the fully-resolved application configuration, loaded once
// at process start (no runtime reload).
type Config struct {
	Database      DatabaseConfig
	Github        GithubConfig
	Collector     CollectorConfig
	Broker        BrokerConfig
	API           ApiConfig
	Observability ObservabilityConfig
}

// DatabaseConfig configures the SQLite reference store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// GithubToken is one rate-limited credential the token pool rotates
// among.
type GithubToken struct {
	ID     string `mapstructure:"id"`
	Secret string `mapstructure:"secret"`
}

// GithubConfig configures the forge fetcher's credentials and identity.
// Tokens can be supplied directly (file config) or as parallel
// comma-separated ID/secret lists (convenient from a single env var
// pair).
type GithubConfig struct {
	Tokens      []GithubToken `mapstructure:"tokens"`
	TokenIDs    []string      `mapstructure:"token_ids"`
	TokenSecrets []string     `mapstructure:"token_secrets"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// ResolvedTokens returns Tokens directly if set, otherwise zips
// TokenIDs with TokenSecrets. Returns an error if the two lists have
// mismatched lengths.
func (g GithubConfig) ResolvedTokens() ([]GithubToken, error) {
	if len(g.Tokens) > 0 {
		return g.Tokens, nil
	}
	if len(g.TokenIDs) != len(g.TokenSecrets) {
		return nil, fmt.Errorf("github.token_ids and github.token_secrets length mismatch")
	}
	tokens := make([]GithubToken, len(g.TokenIDs))
	for i := range g.TokenIDs {
		tokens[i] = GithubToken{ID: g.TokenIDs[i], Secret: g.TokenSecrets[i]}
	}
	return tokens, nil
}

// CollectorConfig configures the collector scheduler.
type CollectorConfig struct {
	IntervalSecs       int `mapstructure:"interval_secs"`
	PageSize           int `mapstructure:"page_size"`
	MaxConcurrentRepos int `mapstructure:"max_concurrent_repos"`
}

// Interval returns IntervalSecs as a time.Duration.
func (c CollectorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// BrokerConfig configures the request broker.
type BrokerConfig struct {
	MaxInflight     int64   `mapstructure:"max_inflight"`
	PerRepoInflight int64   `mapstructure:"per_repo_inflight"`
	CacheCapacity   int     `mapstructure:"cache_capacity"`
	CacheTTLSecs    int     `mapstructure:"cache_ttl_secs"`
	BackoffBaseMs   int64   `mapstructure:"backoff_base_ms"`
	BackoffMaxMs    int64   `mapstructure:"backoff_max_ms"`
	JitterFrac      float64 `mapstructure:"jitter_frac"`
}

// CacheTTL returns CacheTTLSecs as a time.Duration.
func (c BrokerConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSecs) * time.Second
}

// BackoffBase returns BackoffBaseMs as a time.Duration.
func (c BrokerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns BackoffMaxMs as a time.Duration.
func (c BrokerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// ApiConfig configures the control-plane HTTP listener.
type ApiConfig struct {
	Bind string `mapstructure:"bind"`
}

// ObservabilityConfig configures logging/metrics exposition.
type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
}

// Load reads config/default.{yaml,yml,json} and config/local.{yaml,yml,json}
// (both optional) from the current directory, then layers environment
// variables on top with "__" as the nesting separator (e.g.
// GITHUB__USER_AGENT overrides github.user_agent), and unmarshals the
// result into a Config. Environment variables always win over file
// values.
func Load() (*Config, error) {
	return LoadFromPath(".")
}

// LoadFromPath is Load with an explicit base directory, used by tests
// to point at a fixture config/ directory.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.AddConfigPath(path + "/config")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read default config: %w", err)
		}
	}

	local := viper.New()
	local.SetConfigName("local")
	local.AddConfigPath(path + "/config")
	if err := local.ReadInConfig(); err == nil {
		if err := v.MergeConfigMap(local.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge local config: %w", err)
		}
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		return nil, fmt.Errorf("read local config: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	tokens, err := cfg.Github.ResolvedTokens()
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("github.tokens (or token_ids/token_secrets) is required but not set")
	}
	cfg.Github.Tokens = tokens
	if cfg.Github.UserAgent == "" {
		return nil, fmt.Errorf("github.user_agent is required but not set")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "forge-collector.db")
	v.SetDefault("collector.interval_secs", 300)
	v.SetDefault("collector.page_size", 100)
	v.SetDefault("collector.max_concurrent_repos", 4)
	v.SetDefault("broker.max_inflight", 32)
	v.SetDefault("broker.per_repo_inflight", 2)
	v.SetDefault("broker.cache_capacity", 5000)
	v.SetDefault("broker.cache_ttl_secs", 600)
	v.SetDefault("broker.backoff_base_ms", 500)
	v.SetDefault("broker.backoff_max_ms", 60000)
	v.SetDefault("broker.jitter_frac", 0.2)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("observability.metrics_path", "/metrics")
	// Registered so Unmarshal also picks up these keys from the environment
	// when no config file sets them.
	v.SetDefault("github.user_agent", "")
	v.SetDefault("github.token_ids", []string{})
	v.SetDefault("github.token_secrets", []string{})
}
