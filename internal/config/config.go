package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Forecast    ForecastConfig    `yaml:"forecast"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Collectors  CollectorsConfig  `yaml:"collectors"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	Path   string `yaml:"path" validate:"required_if=Driver sqlite"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver postgres"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	BatchSize   int `yaml:"batch_size" validate:"min=1"`
	MaxWarnings int `yaml:"max_warnings" validate:"min=1"`
	// EncryptionKey seals raw payloads at rest when set. PreviousKeys still open older rows.
	EncryptionKey string   `yaml:"encryption_key"`
	PreviousKeys  []string `yaml:"previous_keys"`
}

// ForecastConfig tunes the forecast engine and its health check.
type ForecastConfig struct {
	Horizon       int  `yaml:"horizon" validate:"min=1,max=30"`
	MinHistory    int  `yaml:"min_history" validate:"min=1"`
	Seasonal      bool `yaml:"seasonal"`
	HealthWindow  int  `yaml:"health_window" validate:"min=1"`
	HealthHorizon int  `yaml:"health_horizon" validate:"min=1"`
}

// ReliabilityConfig sets the backtest defaults.
type ReliabilityConfig struct {
	Days    int `yaml:"days" validate:"min=1"`
	Folds   int `yaml:"folds" validate:"min=1"`
	Horizon int `yaml:"horizon" validate:"min=1"`
}

// AnomalyConfig sets the detector defaults used by the scheduled scan.
type AnomalyConfig struct {
	Field         string  `yaml:"field" validate:"oneof=value_sum value_avg value_count value_distinct"`
	Window        int     `yaml:"window" validate:"min=2,max=365"`
	Threshold     float64 `yaml:"threshold" validate:"gt=0"`
	Contamination float64 `yaml:"contamination" validate:"min=0.001,max=0.5"`
	NEstimators   int     `yaml:"n_estimators" validate:"min=10,max=1000"`
	Seed          uint64  `yaml:"seed"`
	// ScanDays is how many recent days the scheduled scan loads per series.
	ScanDays int `yaml:"scan_days" validate:"min=3"`
}

// ScheduleConfig configures job intervals.
type ScheduleConfig struct {
	CollectInterval      string `yaml:"collect_interval"`
	RollupInterval       string `yaml:"rollup_interval"`
	RetrainInterval      string `yaml:"retrain_interval"`
	AnomalyInterval      string `yaml:"anomaly_interval"`
	HousekeepingInterval string `yaml:"housekeeping_interval"`
	// RollupDays is the trailing window the periodic rollup recomputes.
	RollupDays  int `yaml:"rollup_days" validate:"min=1"`
	Concurrency int `yaml:"concurrency" validate:"min=1"`
}

// ParseCollectInterval returns the collect interval as time.Duration.
func (s ScheduleConfig) ParseCollectInterval() time.Duration {
	return parseDuration(s.CollectInterval, 15*time.Minute)
}

// ParseRollupInterval returns the rollup interval as time.Duration.
func (s ScheduleConfig) ParseRollupInterval() time.Duration {
	return parseDuration(s.RollupInterval, time.Hour)
}

// ParseRetrainInterval returns the retrain interval as time.Duration.
func (s ScheduleConfig) ParseRetrainInterval() time.Duration {
	return parseDuration(s.RetrainInterval, 7*24*time.Hour)
}

// ParseAnomalyInterval returns the anomaly scan interval as time.Duration.
func (s ScheduleConfig) ParseAnomalyInterval() time.Duration {
	return parseDuration(s.AnomalyInterval, time.Hour)
}

// ParseHousekeepingInterval returns the housekeeping interval as time.Duration.
func (s ScheduleConfig) ParseHousekeepingInterval() time.Duration {
	return parseDuration(s.HousekeepingInterval, 24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// CollectorsConfig holds configuration for all pull collectors.
type CollectorsConfig struct {
	RSS        RSSConfig        `yaml:"rss"`
	HackerNews HackerNewsConfig `yaml:"hackernews"`
	GitHub     GitHubConfig     `yaml:"github"`
	HTTP       []HTTPJSONConfig `yaml:"http" validate:"dive"`
	Filter     FilterConfig     `yaml:"filter"`
	Breaker    BreakerConfig    `yaml:"breaker"`
}

// RSSConfig for the RSS feed collector.
type RSSConfig struct {
	Enabled bool       `yaml:"enabled"`
	Source  string     `yaml:"source" validate:"required_if=Enabled true"`
	Feeds   []FeedItem `yaml:"feeds" validate:"dive"`
}

// FeedItem is a single RSS feed entry.
type FeedItem struct {
	Name   string `yaml:"name" validate:"required"`
	URL    string `yaml:"url" validate:"required,url"`
	Metric string `yaml:"metric"`
}

// HackerNewsConfig for the Hacker News collector.
type HackerNewsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Source  string `yaml:"source"`
	Limit   int    `yaml:"limit" validate:"min=0"`
}

// GitHubConfig for the repository stats collector.
type GitHubConfig struct {
	Enabled bool     `yaml:"enabled"`
	Source  string   `yaml:"source"`
	Token   string   `yaml:"token"`
	Repos   []string `yaml:"repos" validate:"required_if=Enabled true"`
}

// HTTPJSONConfig describes one JSON endpoint polled for rows.
type HTTPJSONConfig struct {
	Name       string            `yaml:"name" validate:"required"`
	Source     string            `yaml:"source" validate:"required"`
	URL        string            `yaml:"url" validate:"required,url"`
	Expression string            `yaml:"expression"`
	Metric     string            `yaml:"metric"`
	Headers    map[string]string `yaml:"headers"`
}

// FilterConfig configures keyword filtering of feed entries and stories.
type FilterConfig struct {
	Keywords        []string `yaml:"keywords"`
	ExcludeKeywords []string `yaml:"exclude_keywords"`
}

// BreakerConfig tunes the per-collector circuit breaker.
type BreakerConfig struct {
	Failures uint32 `yaml:"failures"`
	Cooldown string `yaml:"cooldown"`
}

// ParseCooldown returns the breaker cooldown as time.Duration.
func (b BreakerConfig) ParseCooldown() time.Duration {
	return parseDuration(b.Cooldown, 5*time.Minute)
}

// KafkaConfig configures the streaming consumer.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic         string   `yaml:"topic" validate:"required_if=Enabled true"`
	GroupID       string   `yaml:"group_id"`
	DefaultSource string   `yaml:"default_source"`
	BatchSize     int      `yaml:"batch_size" validate:"min=1"`
	FlushInterval string   `yaml:"flush_interval"`
}

// ParseFlushInterval returns the flush interval as time.Duration.
func (k KafkaConfig) ParseFlushInterval() time.Duration {
	return parseDuration(k.FlushInterval, 5*time.Second)
}

// RedisConfig enables cross-replica job locks when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	LockTTL  string `yaml:"lock_ttl"`
}

// ParseLockTTL returns the lock TTL as time.Duration.
func (r RedisConfig) ParseLockTTL() time.Duration {
	return parseDuration(r.LockTTL, 10*time.Minute)
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Detector string        `yaml:"detector" validate:"oneof=zscore iforest"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
	Webhook  WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int  `yaml:"port" validate:"min=1,max=65535"`
	HSTS bool `yaml:"hsts"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "./kpiradar.db"},
		Ingest:   IngestConfig{BatchSize: 1000, MaxWarnings: 50},
		Forecast: ForecastConfig{
			Horizon:       7,
			MinHistory:    14,
			HealthWindow:  90,
			HealthHorizon: 7,
		},
		Reliability: ReliabilityConfig{Days: 90, Folds: 5, Horizon: 7},
		Anomaly: AnomalyConfig{
			Field:         "value_sum",
			Window:        7,
			Threshold:     3.0,
			Contamination: 0.05,
			NEstimators:   100,
			Seed:          42,
			ScanDays:      90,
		},
		Schedule: ScheduleConfig{
			CollectInterval:      "15m",
			RollupInterval:       "1h",
			RetrainInterval:      "168h",
			AnomalyInterval:      "1h",
			HousekeepingInterval: "24h",
			RollupDays:           3,
			Concurrency:          4,
		},
		Collectors: CollectorsConfig{
			RSS:        RSSConfig{Source: "feeds"},
			HackerNews: HackerNewsConfig{Source: "hackernews", Limit: 100},
			GitHub:     GitHubConfig{Source: "github"},
			Breaker:    BreakerConfig{Failures: 3, Cooldown: "5m"},
		},
		Kafka: KafkaConfig{
			Topic:         "kpi-events",
			GroupID:       "kpiradar",
			BatchSize:     500,
			FlushInterval: "5s",
		},
		Redis:  RedisConfig{LockTTL: "10m"},
		Alerts: AlertsConfig{Detector: "zscore"},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads configuration from a YAML file, loads .env files into the environment,
// applies env var overrides and validates the result. Missing .env files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KPIRADAR_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("KPIRADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("KPIRADAR_DB_DSN"); v != "" {
		cfg.Database.DSN = v
		if os.Getenv("KPIRADAR_DB_DRIVER") == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("KPIRADAR_ENCRYPTION_KEY"); v != "" {
		cfg.Ingest.EncryptionKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.Collectors.GitHub.Token = v
	}
	if v := os.Getenv("KPIRADAR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("KPIRADAR_KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("KPIRADAR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KPIRADAR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KPIRADAR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KPIRADAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("KPIRADAR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("KPIRADAR_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("KPIRADAR_WEBHOOK_SECRET"); v != "" {
		cfg.Alerts.Webhook.Secret = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
