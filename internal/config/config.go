package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Sender     SenderConfig     `mapstructure:"sender"`
	Phone      PhoneConfig      `mapstructure:"phone"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Providers  []ProviderConfig `mapstructure:"providers"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKeys         []string      `mapstructure:"api_keys"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json|console
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// SenderConfig is the identity messages are sent from.
type SenderConfig struct {
	Email       string `mapstructure:"email"`
	PhoneNumber string `mapstructure:"phone_number"`
}

type PhoneConfig struct {
	DefaultCountryCode string `mapstructure:"default_country_code"`
}

type DispatchConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxElapsed     time.Duration `mapstructure:"max_elapsed"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
	PendingTTL     time.Duration `mapstructure:"pending_ttl"`
}

type IngestConfig struct {
	// DedupeHeader names the Kafka header carrying an upstream message id.
	// Empty disables deduplication.
	DedupeHeader string `mapstructure:"dedupe_header"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type ProviderConfig struct {
	Name      string        `mapstructure:"name"`
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	EmailPath string        `mapstructure:"email_path"`
	SMSPath   string        `mapstructure:"sms_path"`
	APIKey    string        `mapstructure:"api_key"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

// ConfigurationError reports a missing or invalid setting that makes the
// process unable to serve any request.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (RELAY_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (RELAY_*), e.g. RELAY_SENDER_EMAIL
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnabledProviders returns providers that are enabled and have a base URL.
func (c Config) EnabledProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if p.Enabled && strings.TrimSpace(p.BaseURL) != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateSend checks everything the send endpoints need before serving.
func (c Config) ValidateSend() error {
	if strings.TrimSpace(c.Sender.Email) == "" {
		return &ConfigurationError{Key: "sender.email", Reason: "not set"}
	}
	if strings.TrimSpace(c.Sender.PhoneNumber) == "" {
		return &ConfigurationError{Key: "sender.phone_number", Reason: "not set"}
	}

	provs := c.EnabledProviders()
	if len(provs) == 0 {
		return &ConfigurationError{Key: "providers", Reason: "no providers enabled"}
	}
	for _, p := range provs {
		if strings.TrimSpace(p.APIKey) == "" {
			return &ConfigurationError{Key: "providers." + p.Name + ".api_key", Reason: "not set"}
		}
	}

	if c.Dispatch.MaxAttempts < 1 {
		return &ConfigurationError{Key: "dispatch.max_attempts", Reason: "must be >= 1"}
	}
	return nil
}
