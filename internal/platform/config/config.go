// Package config loads service configuration: built-in defaults, then an
// optional YAML file, then KYC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"onchainkyc/internal/kyc/models"
)

// EnvPrefix namespaces every environment override, e.g. KYC_SERVER_ADDR.
const EnvPrefix = "KYC"

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendHTTP     = "http"
)

type Config struct {
	Server   ServerConfig        `yaml:"server"   envconfig:"server"`
	Log      LogConfig           `yaml:"log"      envconfig:"log"`
	Store    StoreConfig         `yaml:"store"    envconfig:"store"`
	Redis    RedisConfig         `yaml:"redis"    envconfig:"redis"`
	Kafka    KafkaConfig         `yaml:"kafka"    envconfig:"kafka"`
	Tracing  TracingConfig       `yaml:"tracing"  envconfig:"tracing"`
	Provider ProviderConfig      `yaml:"provider" envconfig:"provider"`
	Oracle   OracleConfig        `yaml:"oracle"   envconfig:"oracle"`
	Session  SessionConfig       `yaml:"session"  envconfig:"session"`
	Policy   models.Requirements `yaml:"policy"   envconfig:"policy"`
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"            envconfig:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"     envconfig:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"    envconfig:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"     envconfig:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"  envconfig:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"  envconfig:"level"`
	Format string `yaml:"format" envconfig:"format"`
}

// StoreConfig selects the session and nullifier backend.
type StoreConfig struct {
	Backend         string        `yaml:"backend"         envconfig:"backend"`
	PostgresDSN     string        `yaml:"postgresDsn"     envconfig:"postgres_dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"    envconfig:"max_open_conns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"    envconfig:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" envconfig:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"         envconfig:"migrate"`
}

// RedisConfig configures the Redis client.
// URL follows redis://[:password@]host:port[/db].
type RedisConfig struct {
	URL          string        `yaml:"url"          envconfig:"url"`
	PoolSize     int           `yaml:"poolSize"     envconfig:"pool_size"`
	MinIdleConns int           `yaml:"minIdleConns" envconfig:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dialTimeout"  envconfig:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"  envconfig:"read_timeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout" envconfig:"write_timeout"`
}

// KafkaConfig drives the audit outbox relay. Relaying requires the Postgres
// store since the outbox lives there.
type KafkaConfig struct {
	Enabled           bool          `yaml:"enabled"           envconfig:"enabled"`
	Brokers           []string      `yaml:"brokers"           envconfig:"brokers"`
	Topic             string        `yaml:"topic"             envconfig:"topic"`
	Partitions        int32         `yaml:"partitions"        envconfig:"partitions"`
	ReplicationFactor int16         `yaml:"replicationFactor" envconfig:"replication_factor"`
	RelayInterval     time.Duration `yaml:"relayInterval"     envconfig:"relay_interval"`
	RelayBatchSize    int           `yaml:"relayBatchSize"    envconfig:"relay_batch_size"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"     envconfig:"enabled"`
	Stdout      bool    `yaml:"stdout"      envconfig:"stdout"`
	SampleRatio float64 `yaml:"sampleRatio" envconfig:"sample_ratio"`
}

// ProviderConfig describes the attestation provider whose proofs are accepted.
type ProviderConfig struct {
	Issuer        string        `yaml:"issuer"        envconfig:"issuer"`
	PublicKeyPEM  string        `yaml:"publicKeyPem"  envconfig:"public_key_pem"`
	PublicKeyFile string        `yaml:"publicKeyFile" envconfig:"public_key_file"`
	Scope         string        `yaml:"scope"         envconfig:"scope"`
	ConfigID      string        `yaml:"configId"      envconfig:"config_id"`
	MaxProofAge   time.Duration `yaml:"maxProofAge"   envconfig:"max_proof_age"`
	ClockLeeway   time.Duration `yaml:"clockLeeway"   envconfig:"clock_leeway"`
}

// OracleConfig configures the compliance ledger client and its retrier.
type OracleConfig struct {
	Backend          string        `yaml:"backend"          envconfig:"backend"`
	BaseURL          string        `yaml:"baseUrl"          envconfig:"base_url"`
	APIKey           string        `yaml:"apiKey"           envconfig:"api_key"`
	CommitTimeout    time.Duration `yaml:"commitTimeout"    envconfig:"commit_timeout"`
	ReadTimeout      time.Duration `yaml:"readTimeout"      envconfig:"read_timeout"`
	RetryInitial     time.Duration `yaml:"retryInitial"     envconfig:"retry_initial"`
	RetryMax         time.Duration `yaml:"retryMax"         envconfig:"retry_max"`
	RetryQueueSize   int           `yaml:"retryQueueSize"   envconfig:"retry_queue_size"`
	CacheSize        int           `yaml:"cacheSize"        envconfig:"cache_size"`
	CacheTTL         time.Duration `yaml:"cacheTTL"         envconfig:"cache_ttl"`
	BreakerFailures  int           `yaml:"breakerFailures"  envconfig:"breaker_failures"`
	BreakerSuccesses int           `yaml:"breakerSuccesses" envconfig:"breaker_successes"`
}

type SessionConfig struct {
	TTL                time.Duration `yaml:"ttl"                envconfig:"ttl"`
	SweepInterval      time.Duration `yaml:"sweepInterval"      envconfig:"sweep_interval"`
	SweepBatchSize     int           `yaml:"sweepBatchSize"     envconfig:"sweep_batch_size"`
	StaleRetryAttempts int           `yaml:"staleRetryAttempts" envconfig:"stale_retry_attempts"`
	StaleRetryDelay    time.Duration `yaml:"staleRetryDelay"    envconfig:"stale_retry_delay"`
	RecoverOnStart     bool          `yaml:"recoverOnStart"     envconfig:"recover_on_start"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Backend:         BackendMemory,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic:             "kyc.audit",
			Partitions:        3,
			ReplicationFactor: 1,
			RelayInterval:     time.Second,
			RelayBatchSize:    100,
		},
		Tracing: TracingConfig{SampleRatio: 1},
		Provider: ProviderConfig{
			Issuer:      "attestation-provider",
			Scope:       "onchain-kyc",
			ConfigID:    "default",
			MaxProofAge: 24 * time.Hour,
			ClockLeeway: 30 * time.Second,
		},
		Oracle: OracleConfig{
			Backend:          BackendMemory,
			CommitTimeout:    5 * time.Second,
			ReadTimeout:      3 * time.Second,
			RetryInitial:     time.Second,
			RetryMax:         5 * time.Minute,
			RetryQueueSize:   1024,
			CacheSize:        4096,
			CacheTTL:         30 * time.Second,
			BreakerFailures:  5,
			BreakerSuccesses: 3,
		},
		Session: SessionConfig{
			TTL:                30 * time.Minute,
			SweepInterval:      time.Minute,
			SweepBatchSize:     500,
			StaleRetryAttempts: 5,
			StaleRetryDelay:    50 * time.Millisecond,
			RecoverOnStart:     true,
		},
		Policy: models.DefaultRequirements(),
	}
}

// Load builds the configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	cfg.Policy.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration that cannot produce a working service.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgresDsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.Backend == BackendRedis && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required for the redis backend"))
	}
	switch c.Oracle.Backend {
	case BackendMemory:
	case BackendHTTP:
		if c.Oracle.BaseURL == "" {
			errs = append(errs, errors.New("oracle.baseUrl is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown oracle backend %q", c.Oracle.Backend))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
		}
		if c.Store.Backend != BackendPostgres {
			errs = append(errs, errors.New("kafka relay requires the postgres store backend"))
		}
	}
	if c.Provider.Issuer == "" {
		errs = append(errs, errors.New("provider.issuer is required"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Oracle.CommitTimeout <= 0 {
		errs = append(errs, errors.New("oracle.commitTimeout must be positive"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	return errors.Join(errs...)
}

// ProviderPublicKeyPEM returns the provider key from the inline value or the
// configured file.
func (c *Config) ProviderPublicKeyPEM() ([]byte, error) {
	if c.Provider.PublicKeyPEM != "" {
		return []byte(c.Provider.PublicKeyPEM), nil
	}
	if c.Provider.PublicKeyFile == "" {
		return nil, errors.New("provider public key is not configured")
	}
	buf, err := os.ReadFile(c.Provider.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read provider public key: %w", err)
	}
	return buf, nil
}
