package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.True(t, c.LiveMonitoring)
	assert.True(t, c.RequireClearConfirmation)
	assert.Equal(t, 10*time.Minute, c.ConfirmTTL)
	assert.Equal(t, 5, c.WSMaxConnsPerIP)
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, c.DBDriver)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LIVE_MONITORING", "false")
	t.Setenv("WHITELISTED_PATHS", "/static/, /favicon.ico ,,")
	t.Setenv("RETENTION_MAX_AGE", "72h")
	t.Setenv("ADMIN_RATE_LIMIT", "2.5")
	t.Setenv("WS_MAX_CONNS_PER_IP", "3")
	t.Setenv("OPERATORS", "alice:$2a$10$x")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")

	c, err := Load()
	require.NoError(t, err)

	assert.False(t, c.LiveMonitoring)
	assert.Equal(t, []string{"/static/", "/favicon.ico"}, c.WhitelistedPaths)
	assert.Equal(t, 72*time.Hour, c.RetentionMaxAge)
	assert.Equal(t, 2.5, c.AdminRateLimit)
	assert.Equal(t, 3, c.WSMaxConnsPerIP)
	assert.Equal(t, []string{"alice:$2a$10$x"}, c.Operators)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, c.TrustedProxies)
}

func TestLoad_MalformedEnvFallsBack(t *testing.T) {
	t.Setenv("LIVE_MONITORING", "maybe")
	t.Setenv("MAX_BODY_BYTES", "lots")
	t.Setenv("PRUNE_INTERVAL", "soon")

	c, err := Load()
	require.NoError(t, err)

	assert.True(t, c.LiveMonitoring)
	assert.Equal(t, Default().MaxBodyBytes, c.MaxBodyBytes)
	assert.Equal(t, Default().PruneInterval, c.PruneInterval)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")

	_, err := Load()
	assert.ErrorContains(t, err, "DB_DRIVER")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"empty listen", func(c *Config) { c.ListenAddr = "" }, "LISTEN_ADDR"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"warning level", func(c *Config) { c.LogLevel = "WARNING" }, ""},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"postgres without dsn", func(c *Config) { c.DBDriver = DriverPostgres }, "DATABASE_URL"},
		{"postgres with dsn", func(c *Config) { c.DBDriver = DriverPostgres; c.PostgresDSN = "postgres://x" }, ""},
		{"sqlite without path", func(c *Config) { c.DBPath = "" }, "DB_PATH"},
		{"zero body", func(c *Config) { c.MaxBodyBytes = 0 }, "MAX_BODY_BYTES"},
		{"negative retention", func(c *Config) { c.RetentionMaxAge = -time.Hour }, "RETENTION_MAX_AGE"},
		{"retention without interval", func(c *Config) { c.RetentionMaxAge = time.Hour; c.PruneInterval = 0 }, "PRUNE_INTERVAL"},
		{"confirm without ttl", func(c *Config) { c.ConfirmTTL = 0 }, "CLEAR_CONFIRM_TTL"},
		{"no confirm no ttl", func(c *Config) { c.RequireClearConfirmation = false; c.ConfirmTTL = 0 }, ""},
		{"two archive targets", func(c *Config) { c.ArchiveDir = "/tmp/a"; c.S3Bucket = "b" }, "mutually exclusive"},
		{"key without target", func(c *Config) { c.ArchiveKey = "k" }, "ARCHIVE_KEY"},
		{"rate", func(c *Config) { c.AdminRateLimit = 0 }, "ADMIN_RATE_LIMIT"},
		{"ws conns", func(c *Config) { c.WSMaxConnsPerIP = 0 }, "WS_MAX_CONNS_PER_IP"},
		{"ws rate", func(c *Config) { c.WSMessageBurst = 0 }, "WS_MESSAGE_RATE"},
		{"ws queue", func(c *Config) { c.WSSendQueue = 0 }, "WS_SEND_QUEUE"},
		{"proxies", func(c *Config) { c.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.1", "::1"} }, ""},
		{"bad proxy", func(c *Config) { c.TrustedProxies = []string{"10.0.0.0/33"} }, "TRUSTED_PROXIES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestFeatures(t *testing.T) {
	c := Default()
	f := c.Features()
	assert.True(t, f.LiveMonitoring)
	assert.False(t, f.Retention)
	assert.False(t, f.Archive)
	assert.False(t, f.TokenAuth)

	c.RetentionMaxAge = time.Hour
	c.S3Bucket = "bucket"
	c.ArchiveKey = "key"
	c.JWTSecret = "secret"
	c.Operators = []string{"a:b"}
	f = c.Features()
	assert.True(t, f.Retention)
	assert.True(t, f.Archive)
	assert.True(t, f.S3Archive)
	assert.True(t, f.SealedArchive)
	assert.True(t, f.TokenAuth)
	assert.True(t, f.BasicAuth)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a ,, b "))
	assert.Nil(t, SplitList(" , "))
}
