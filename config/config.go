// Package config holds the runtime settings for the admin panel. Values
// come from defaults, then environment variables, then CLI flags.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	FormatHuman = "human"
	FormatJSON  = "json"
)

// Features are switches derived from the configuration.
type Features struct {
	LiveMonitoring bool
	Retention      bool
	Archive        bool
	S3Archive      bool
	SealedArchive  bool
	TokenAuth      bool
	BasicAuth      bool
}

type Config struct {
	// Core
	ListenAddr string
	LogLevel   string
	LogFormat  string

	// Storage
	DBDriver    string
	DBPath      string
	PostgresDSN string

	// Capture
	LiveMonitoring   bool
	WhitelistedPaths []string
	SafeMode         bool
	JSONOutput       bool
	MaxBodyBytes     int

	// Retention
	RetentionMaxAge time.Duration
	PruneInterval   time.Duration

	// Clear-all
	RequireClearConfirmation bool
	ConfirmTTL               time.Duration
	ArchiveDir               string
	ArchiveKey               string
	S3Bucket                 string
	S3Prefix                 string
	S3Region                 string
	S3Endpoint               string
	S3AccessKey              string
	S3SecretKey              string

	// Access
	JWTSecret      string
	Operators      []string
	AdminRateLimit float64
	AdminRateBurst int
	// TrustedProxies lists CIDRs whose forwarding headers are believed.
	TrustedProxies []string

	// WebSocket
	WSMaxConnsPerIP int
	WSMessageRate   float64
	WSMessageBurst  int
	WSSendQueue     int

	TemplatesDir string
}

func Default() Config {
	return Config{
		ListenAddr:               ":8000",
		LogLevel:                 "info",
		LogFormat:                FormatHuman,
		DBDriver:                 DriverSQLite,
		DBPath:                   "adminpanel.db",
		LiveMonitoring:           true,
		SafeMode:                 true,
		MaxBodyBytes:             64 * 1024,
		PruneInterval:            10 * time.Minute,
		RequireClearConfirmation: true,
		ConfirmTTL:               10 * time.Minute,
		S3Region:                 "us-east-1",
		AdminRateLimit:           10,
		AdminRateBurst:           20,
		WSMaxConnsPerIP:          5,
		WSMessageRate:            10,
		WSMessageBurst:           20,
		WSSendQueue:              16,
	}
}

// Load applies environment overrides to Default and validates the result.
func Load() (Config, error) {
	c := Default()

	c.ListenAddr = getEnvString("LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvString("LOG_FORMAT", c.LogFormat)

	c.DBDriver = getEnvString("DB_DRIVER", c.DBDriver)
	c.DBPath = getEnvString("DB_PATH", c.DBPath)
	c.PostgresDSN = getEnvString("DATABASE_URL", c.PostgresDSN)

	c.LiveMonitoring = getEnvBool("LIVE_MONITORING", c.LiveMonitoring)
	c.WhitelistedPaths = getEnvList("WHITELISTED_PATHS", c.WhitelistedPaths)
	c.SafeMode = getEnvBool("SAFE_MODE", c.SafeMode)
	c.JSONOutput = getEnvBool("JSON_OUTPUT", c.JSONOutput)
	c.MaxBodyBytes = getEnvInt("MAX_BODY_BYTES", c.MaxBodyBytes)

	c.RetentionMaxAge = getEnvDuration("RETENTION_MAX_AGE", c.RetentionMaxAge)
	c.PruneInterval = getEnvDuration("PRUNE_INTERVAL", c.PruneInterval)

	c.RequireClearConfirmation = getEnvBool("REQUIRE_CLEAR_CONFIRMATION", c.RequireClearConfirmation)
	c.ConfirmTTL = getEnvDuration("CLEAR_CONFIRM_TTL", c.ConfirmTTL)
	c.ArchiveDir = getEnvString("ARCHIVE_DIR", c.ArchiveDir)
	c.ArchiveKey = getEnvString("ARCHIVE_KEY", c.ArchiveKey)
	c.S3Bucket = getEnvString("S3_BUCKET", c.S3Bucket)
	c.S3Prefix = getEnvString("S3_PREFIX", c.S3Prefix)
	c.S3Region = getEnvString("AWS_REGION", c.S3Region)
	c.S3Endpoint = getEnvString("S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = getEnvString("AWS_ACCESS_KEY_ID", c.S3AccessKey)
	c.S3SecretKey = getEnvString("AWS_SECRET_ACCESS_KEY", c.S3SecretKey)

	c.JWTSecret = getEnvString("JWT_SECRET", c.JWTSecret)
	c.Operators = getEnvList("OPERATORS", c.Operators)
	c.AdminRateLimit = getEnvFloat("ADMIN_RATE_LIMIT", c.AdminRateLimit)
	c.AdminRateBurst = getEnvInt("ADMIN_RATE_BURST", c.AdminRateBurst)
	c.TrustedProxies = getEnvList("TRUSTED_PROXIES", c.TrustedProxies)

	c.WSMaxConnsPerIP = getEnvInt("WS_MAX_CONNS_PER_IP", c.WSMaxConnsPerIP)
	c.WSMessageRate = getEnvFloat("WS_MESSAGE_RATE", c.WSMessageRate)
	c.WSMessageBurst = getEnvInt("WS_MESSAGE_BURST", c.WSMessageBurst)
	c.WSSendQueue = getEnvInt("WS_SEND_QUEUE", c.WSSendQueue)

	c.TemplatesDir = getEnvString("TEMPLATES_DIR", c.TemplatesDir)

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %q (must be debug|info|warn|error)", c.LogLevel)
	}
	switch c.LogFormat {
	case FormatHuman, FormatJSON:
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q (must be human|json)", c.LogFormat)
	}

	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH must be set for sqlite")
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("DATABASE_URL must be set for postgres")
		}
	default:
		return fmt.Errorf("invalid DB_DRIVER: %q (must be sqlite|postgres)", c.DBDriver)
	}

	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be > 0")
	}
	if c.RetentionMaxAge < 0 {
		return fmt.Errorf("RETENTION_MAX_AGE must be >= 0")
	}
	if c.RetentionMaxAge > 0 && c.PruneInterval <= 0 {
		return fmt.Errorf("PRUNE_INTERVAL must be > 0 when retention is enabled")
	}
	if c.RequireClearConfirmation && c.ConfirmTTL <= 0 {
		return fmt.Errorf("CLEAR_CONFIRM_TTL must be > 0")
	}
	if c.ArchiveDir != "" && c.S3Bucket != "" {
		return fmt.Errorf("ARCHIVE_DIR and S3_BUCKET are mutually exclusive")
	}
	if c.ArchiveKey != "" && c.ArchiveDir == "" && c.S3Bucket == "" {
		return fmt.Errorf("ARCHIVE_KEY requires ARCHIVE_DIR or S3_BUCKET")
	}

	if c.AdminRateLimit <= 0 || c.AdminRateBurst < 1 {
		return fmt.Errorf("ADMIN_RATE_LIMIT must be > 0 and ADMIN_RATE_BURST >= 1")
	}
	if c.WSMaxConnsPerIP < 1 {
		return fmt.Errorf("WS_MAX_CONNS_PER_IP must be >= 1")
	}
	if c.WSMessageRate <= 0 || c.WSMessageBurst < 1 {
		return fmt.Errorf("WS_MESSAGE_RATE must be > 0 and WS_MESSAGE_BURST >= 1")
	}
	if c.WSSendQueue < 1 {
		return fmt.Errorf("WS_SEND_QUEUE must be >= 1")
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("invalid TRUSTED_PROXIES entry: %q", p)
		}
	}
	return nil
}

func (c *Config) Features() Features {
	return Features{
		LiveMonitoring: c.LiveMonitoring,
		Retention:      c.RetentionMaxAge > 0,
		Archive:        c.ArchiveDir != "" || c.S3Bucket != "",
		S3Archive:      c.S3Bucket != "",
		SealedArchive:  c.ArchiveKey != "",
		TokenAuth:      c.JWTSecret != "",
		BasicAuth:      len(c.Operators) > 0,
	}
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvList splits a comma-separated value, dropping empty items.
func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return SplitList(v)
}

func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
