package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/guided-traffic/plugin-license-manager/internal/cachestore"
	"github.com/guided-traffic/plugin-license-manager/internal/license"
	"github.com/guided-traffic/plugin-license-manager/pkg/signing"
)

// EnvPrefix is prepended to every environment variable, e.g.
// PLM_AGENT_SERVER_URL for agent.server_url.
const EnvPrefix = "PLM"

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`      // Enable/disable monitoring
	BindAddress string `mapstructure:"bind_address"` // Address to bind monitoring server (default: :9090)
	MetricsPath string `mapstructure:"metrics_path"` // Path for metrics endpoint (default: /metrics)
}

// RateLimitConfig bounds how often one site may call the license API. The
// per-address limit applies before authentication, so it also throttles
// callers presenting bad activation tokens.
type RateLimitConfig struct {
	RequestsPerMinute   int `mapstructure:"requests_per_minute" validate:"min=1"`
	Burst               int `mapstructure:"burst" validate:"min=1"`
	IPRequestsPerMinute int `mapstructure:"ip_requests_per_minute" validate:"min=1"`
	IPBurst             int `mapstructure:"ip_burst" validate:"min=1"`
}

// ServerConfig holds the license server configuration
type ServerConfig struct {
	BindAddress          string          `mapstructure:"bind_address" validate:"required"`
	DatabaseDSN          string          `mapstructure:"database_dsn" validate:"required"`
	MasterKeysetFile     string          `mapstructure:"master_keyset_file"`
	ActivationSigningKey string          `mapstructure:"activation_signing_key"` // base64, at least 32 bytes decoded
	TokenTTL             time.Duration   `mapstructure:"token_ttl" validate:"gt=0"`
	ShutdownTimeout      time.Duration   `mapstructure:"shutdown_timeout" validate:"gt=0"`
	RateLimit            RateLimitConfig `mapstructure:"rate_limit"`
	TLS                  TLSConfig       `mapstructure:"tls"`
}

// CacheConfig selects the durable store behind the agent's validation cache
type CacheConfig struct {
	Driver     string `mapstructure:"driver" validate:"oneof=memory sqlite redis"`
	MaxEntries int    `mapstructure:"max_entries" validate:"min=0"`
	SQLitePath string `mapstructure:"sqlite_path"`
	RedisAddr  string `mapstructure:"redis_addr"`
	RedisDB    int    `mapstructure:"redis_db" validate:"min=0"`
	RedisPass  string `mapstructure:"redis_password"`
	KeyPrefix  string `mapstructure:"key_prefix" validate:"required"`
}

// AgentConfig holds what an installation needs to validate its plugins.
// Missing credentials are not a load error; the validator then reports
// every plugin as not configured.
type AgentConfig struct {
	ServerURL         string        `mapstructure:"server_url" validate:"omitempty,url"`
	ActivationToken   string        `mapstructure:"activation_token"`
	SharedSecret      string        `mapstructure:"shared_secret"` // base64
	SiteDomain        string        `mapstructure:"site_domain"`
	Plugins           []string      `mapstructure:"plugins"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
	GracePeriod       time.Duration `mapstructure:"grace_period" validate:"gte=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxClockSkew      time.Duration `mapstructure:"max_clock_skew" validate:"gte=0"`
	Cache             CacheConfig   `mapstructure:"cache"`
}

// Config holds the application configuration
type Config struct {
	LogLevel          string `mapstructure:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat         string `mapstructure:"log_format" validate:"oneof=text json"` // "text" (default) or "json"
	LogHealthRequests bool   `mapstructure:"log_health_requests"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	Server ServerConfig `mapstructure:"server"`
	Agent  AgentConfig  `mapstructure:"agent"`
}

// InitConfig initializes the configuration system
func InitConfig(cfgFile string) {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".plugin-license-manager" (without extension)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".plugin-license-manager")
	}

	bindEnv()

	// Set defaults
	setDefaults()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func bindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load loads the configuration from viper
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required fields
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("log_health_requests", false)

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", false)
	viper.SetDefault("monitoring.bind_address", ":9090")
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	// License server defaults
	viper.SetDefault("server.bind_address", "0.0.0.0:8443")
	viper.SetDefault("server.database_dsn", "file:licenses.db")
	viper.SetDefault("server.master_keyset_file", "")
	viper.SetDefault("server.activation_signing_key", "")
	viper.SetDefault("server.token_ttl", signing.DefaultTokenTTL)
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)
	viper.SetDefault("server.rate_limit.requests_per_minute", 120)
	viper.SetDefault("server.rate_limit.burst", 30)
	viper.SetDefault("server.rate_limit.ip_requests_per_minute", 600)
	viper.SetDefault("server.rate_limit.ip_burst", 120)
	viper.SetDefault("server.tls.enabled", false)
	viper.SetDefault("server.tls.cert_file", "")
	viper.SetDefault("server.tls.key_file", "")

	// Agent defaults. Credentials have empty defaults so that the
	// environment can supply them.
	viper.SetDefault("agent.server_url", "")
	viper.SetDefault("agent.activation_token", "")
	viper.SetDefault("agent.shared_secret", "")
	viper.SetDefault("agent.site_domain", "")
	viper.SetDefault("agent.plugins", []string{})
	viper.SetDefault("agent.cache_ttl", license.DefaultCacheTTL)
	viper.SetDefault("agent.grace_period", license.DefaultGracePeriod)
	viper.SetDefault("agent.heartbeat_interval", license.DefaultHeartbeatInterval)
	viper.SetDefault("agent.request_timeout", license.DefaultRequestTimeout)
	viper.SetDefault("agent.max_clock_skew", license.DefaultMaxClockSkew)
	// One-shot agent commands run in separate processes; the cache and the
	// last-known-good record must outlive them for grace to work.
	viper.SetDefault("agent.cache.driver", cachestore.DriverSQLite)
	viper.SetDefault("agent.cache.max_entries", cachestore.DefaultMaxEntries)
	viper.SetDefault("agent.cache.sqlite_path", "license-cache.db")
	viper.SetDefault("agent.cache.redis_addr", "127.0.0.1:6379")
	viper.SetDefault("agent.cache.redis_db", 0)
	viper.SetDefault("agent.cache.redis_password", "")
	viper.SetDefault("agent.cache.key_prefix", license.DefaultKeyPrefix)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			first := invalid[0]
			return fmt.Errorf("%s: failed %q constraint", first.Namespace(), first.Tag())
		}
		return err
	}

	if cfg.Agent.Cache.Driver == cachestore.DriverSQLite && cfg.Agent.Cache.SQLitePath == "" {
		return fmt.Errorf("agent.cache.sqlite_path is required for the sqlite cache driver")
	}
	if cfg.Agent.Cache.Driver == cachestore.DriverRedis && cfg.Agent.Cache.RedisAddr == "" {
		return fmt.Errorf("agent.cache.redis_addr is required for the redis cache driver")
	}
	if cfg.Agent.SharedSecret != "" {
		if _, err := decodeKey(cfg.Agent.SharedSecret); err != nil {
			return fmt.Errorf("agent.shared_secret: %w", err)
		}
	}

	return nil
}

// ValidateServer checks what only the license server needs: signing keys
// and TLS material.
func (cfg *Config) ValidateServer() error {
	if cfg.Server.MasterKeysetFile == "" {
		return fmt.Errorf("server.master_keyset_file is required")
	}
	if _, err := cfg.ActivationKey(); err != nil {
		return err
	}

	// Validate TLS configuration
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}

		// Check if certificate files exist
		if _, err := os.Stat(cfg.Server.TLS.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file does not exist: %s", cfg.Server.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.Server.TLS.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", cfg.Server.TLS.KeyFile)
		}
	}

	return nil
}

// ActivationKey decodes the activation token signing key.
func (cfg *Config) ActivationKey() ([]byte, error) {
	if cfg.Server.ActivationSigningKey == "" {
		return nil, fmt.Errorf("server.activation_signing_key is required")
	}
	key, err := decodeKey(cfg.Server.ActivationSigningKey)
	if err != nil {
		return nil, fmt.Errorf("server.activation_signing_key: %w", err)
	}
	return key, nil
}

// LicenseConfig converts the agent section into validator settings. An
// unset shared secret yields an unconfigured validator, not an error.
func (cfg *Config) LicenseConfig() license.Config {
	var secret []byte
	if cfg.Agent.SharedSecret != "" {
		// Already checked by Load.
		secret, _ = decodeKey(cfg.Agent.SharedSecret)
	}

	return license.Config{
		ServerURL:       strings.TrimRight(cfg.Agent.ServerURL, "/"),
		ActivationToken: cfg.Agent.ActivationToken,
		SharedSecret:    secret,
		SiteDomain:      cfg.Agent.SiteDomain,
		CacheTTL:        cfg.Agent.CacheTTL,
		GracePeriod:     cfg.Agent.GracePeriod,
		MaxClockSkew:    cfg.Agent.MaxClockSkew,
		RequestTimeout:  cfg.Agent.RequestTimeout,
	}
}

// CacheStoreConfig converts the agent cache section into store settings.
func (cfg *Config) CacheStoreConfig() cachestore.Config {
	return cachestore.Config{
		Driver:        cfg.Agent.Cache.Driver,
		MaxEntries:    cfg.Agent.Cache.MaxEntries,
		SQLitePath:    cfg.Agent.Cache.SQLitePath,
		RedisAddr:     cfg.Agent.Cache.RedisAddr,
		RedisDB:       cfg.Agent.Cache.RedisDB,
		RedisPassword: cfg.Agent.Cache.RedisPass,
	}
}

// ConfigureLogging applies the log level and format.
func (cfg *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)

	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func decodeKey(value string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if err := signing.CheckSecret(key); err != nil {
		return nil, err
	}
	return key, nil
}
