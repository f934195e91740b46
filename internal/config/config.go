package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	AWS        AWSConfig       `mapstructure:"aws"`
	S3         S3Config        `mapstructure:"s3"`
	Cognito    CognitoConfig   `mapstructure:"cognito"`
	Mail       MailConfig      `mapstructure:"mail"`
	Lifecycle  LifecycleConfig `mapstructure:"lifecycle"`
	Sweeper    SweeperConfig   `mapstructure:"sweeper"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json|console
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
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
	GroupID        string   `mapstructure:"group_id"`
	EventsTopic    string   `mapstructure:"events_topic"`
	CreditsTopic   string   `mapstructure:"credits_topic"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
}

type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Endpoint     string `mapstructure:"endpoint"` // optional, e.g. MinIO
	UsePathStyle bool   `mapstructure:"use_path_style"`
	PageSize     int32  `mapstructure:"page_size"`
}

type CognitoConfig struct {
	UserPoolID string `mapstructure:"user_pool_id"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type MailProviderConfig struct {
	Name      string        `mapstructure:"name"`
	Kind      string        `mapstructure:"kind"` // ses|http
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Path      string        `mapstructure:"path"`
	TimeoutMs int           `mapstructure:"timeout_ms"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type MailConfig struct {
	From        string               `mapstructure:"from"`
	MaxAttempts int                  `mapstructure:"max_attempts"`
	Providers   []MailProviderConfig `mapstructure:"providers"`
}

type LifecycleConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type LeaseConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type SweeperConfig struct {
	PageSize        int         `mapstructure:"page_size"`
	ContinueOnError bool        `mapstructure:"continue_on_error"`
	Lease           LeaseConfig `mapstructure:"lease"`
}

type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	ExpirationInterval time.Duration `mapstructure:"expiration_interval"`
	RemovalInterval    time.Duration `mapstructure:"removal_interval"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// Location resolves lifecycle.timezone; empty or "Local" means the process zone.
func (c LifecycleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("lifecycle timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (DIAMORY_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	// a missing user file is fine: defaults + env still apply
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return Config{}, fmt.Errorf("merge %s: %w", path, err)
			}
		}
	}

	// env override (DIAMORY_SWEEPER_PAGE_SIZE -> sweeper.page_size)
	v.SetEnvPrefix("DIAMORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
