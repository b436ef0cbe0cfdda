package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/plugin-license-manager/internal/cachestore"
	"github.com/guided-traffic/plugin-license-manager/internal/license"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	bindEnv()
	setDefaults()
	t.Cleanup(viper.Reset)
}

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "0.0.0.0:8443", cfg.Server.BindAddress)
	assert.Equal(t, "file:licenses.db", cfg.Server.DatabaseDSN)
	assert.Equal(t, 24*time.Hour, cfg.Server.TokenTTL)
	assert.Equal(t, 120, cfg.Server.RateLimit.RequestsPerMinute)
	assert.Equal(t, 30, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 600, cfg.Server.RateLimit.IPRequestsPerMinute)
	assert.Equal(t, 120, cfg.Server.RateLimit.IPBurst)

	assert.Equal(t, 6*time.Hour, cfg.Agent.CacheTTL)
	assert.Equal(t, 72*time.Hour, cfg.Agent.GracePeriod)
	assert.Equal(t, 12*time.Hour, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Agent.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Agent.MaxClockSkew)
	assert.Equal(t, cachestore.DriverSQLite, cfg.Agent.Cache.Driver)
	assert.Equal(t, "license-cache.db", cfg.Agent.Cache.SQLitePath)
	assert.Equal(t, license.DefaultKeyPrefix, cfg.Agent.Cache.KeyPrefix)

	store := cfg.CacheStoreConfig()
	assert.Equal(t, cachestore.DriverSQLite, store.Driver)
	assert.Equal(t, "license-cache.db", store.SQLitePath)
}

func TestLoad_MissingAgentCredentialsIsNotAnError(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)

	lc := cfg.LicenseConfig()
	assert.False(t, lc.Configured())
	assert.Nil(t, lc.SharedSecret)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("PLM_AGENT_SERVER_URL", "https://licenses.example.com/")
	t.Setenv("PLM_AGENT_ACTIVATION_TOKEN", "activation-token")
	t.Setenv("PLM_AGENT_SHARED_SECRET", testKey(0x01))
	t.Setenv("PLM_AGENT_SITE_DOMAIN", "shop.example.com")
	t.Setenv("PLM_AGENT_CACHE_TTL", "30m")
	t.Setenv("PLM_AGENT_PLUGINS", "seo-pro,forms")
	t.Setenv("PLM_SERVER_RATE_LIMIT_BURST", "5")
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Agent.CacheTTL)
	assert.Equal(t, []string{"seo-pro", "forms"}, cfg.Agent.Plugins)
	assert.Equal(t, 5, cfg.Server.RateLimit.Burst)

	lc := cfg.LicenseConfig()
	assert.True(t, lc.Configured())
	assert.Equal(t, "https://licenses.example.com", lc.ServerURL)
	assert.Equal(t, "activation-token", lc.ActivationToken)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 32), lc.SharedSecret)
	assert.Equal(t, "shop.example.com", lc.SiteDomain)
	assert.Equal(t, 30*time.Minute, lc.CacheTTL)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
log_format: json
agent:
  server_url: https://licenses.example.com
  grace_period: 48h
  cache:
    driver: sqlite
    sqlite_path: /var/lib/plm/cache.db
server:
  token_ttl: 1h
`), 0o600))

	resetViper(t)
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 48*time.Hour, cfg.Agent.GracePeriod)
	assert.Equal(t, time.Hour, cfg.Server.TokenTTL)

	store := cfg.CacheStoreConfig()
	assert.Equal(t, cachestore.DriverSQLite, store.Driver)
	assert.Equal(t, "/var/lib/plm/cache.db", store.SQLitePath)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  interface{}
		errMsg string
	}{
		{"log level", "log_level", "loud", "LogLevel"},
		{"log format", "log_format", "xml", "LogFormat"},
		{"cache driver", "agent.cache.driver", "memcached", "Driver"},
		{"cache ttl", "agent.cache_ttl", "0s", "CacheTTL"},
		{"server url", "agent.server_url", "not a url", "ServerURL"},
		{"rate limit", "server.rate_limit.requests_per_minute", 0, "RequestsPerMinute"},
		{"address rate limit", "server.rate_limit.ip_requests_per_minute", 0, "IPRequestsPerMinute"},
		{"secret encoding", "agent.shared_secret", "%%%", "agent.shared_secret"},
		{"short secret", "agent.shared_secret", base64.StdEncoding.EncodeToString([]byte("short")), "agent.shared_secret"},
		{"sqlite path", "agent.cache.sqlite_path", "", "sqlite_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			if tt.key == "agent.cache.sqlite_path" {
				viper.Set("agent.cache.driver", cachestore.DriverSQLite)
			}
			viper.Set(tt.key, tt.value)

			cfg, err := Load()
			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidateServer(t *testing.T) {
	tempDir := t.TempDir()
	certFile := filepath.Join(tempDir, "cert.pem")
	keyFile := filepath.Join(tempDir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, []byte("cert"), 0o600))
	require.NoError(t, os.WriteFile(keyFile, []byte("key"), 0o600))

	valid := func() *Config {
		return &Config{Server: ServerConfig{
			MasterKeysetFile:     "master-keyset.json",
			ActivationSigningKey: testKey(0x02),
		}}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing keyset", func(c *Config) { c.Server.MasterKeysetFile = "" }, "master_keyset_file is required"},
		{"missing activation key", func(c *Config) { c.Server.ActivationSigningKey = "" }, "activation_signing_key is required"},
		{"short activation key", func(c *Config) {
			c.Server.ActivationSigningKey = base64.StdEncoding.EncodeToString([]byte("short"))
		}, "activation_signing_key"},
		{"tls with files", func(c *Config) {
			c.Server.TLS = TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}
		}, ""},
		{"tls without cert", func(c *Config) {
			c.Server.TLS = TLSConfig{Enabled: true, KeyFile: keyFile}
		}, "server.tls.cert_file is required when TLS is enabled"},
		{"tls without key", func(c *Config) {
			c.Server.TLS = TLSConfig{Enabled: true, CertFile: certFile}
		}, "server.tls.key_file is required when TLS is enabled"},
		{"tls missing cert file", func(c *Config) {
			c.Server.TLS = TLSConfig{Enabled: true, CertFile: filepath.Join(tempDir, "missing.pem"), KeyFile: keyFile}
		}, "TLS certificate file does not exist"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.ValidateServer()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestActivationKey(t *testing.T) {
	cfg := &Config{Server: ServerConfig{ActivationSigningKey: testKey(0x03)}}
	key, err := cfg.ActivationKey()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x03}, 32), key)
}

func TestConfigureLogging(t *testing.T) {
	prevLevel := logrus.GetLevel()
	prevFormatter := logrus.StandardLogger().Formatter
	t.Cleanup(func() {
		logrus.SetLevel(prevLevel)
		logrus.SetFormatter(prevFormatter)
	})

	cfg := &Config{LogLevel: "debug", LogFormat: "json"}
	require.NoError(t, cfg.ConfigureLogging())
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	cfg = &Config{LogLevel: "nope"}
	assert.Error(t, cfg.ConfigureLogging())
}
