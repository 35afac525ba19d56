// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Cache backends.
const (
	CacheFile   = "file"
	CacheSQLite = "sqlite"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Mail sources.
const (
	MailGraph = "graph"
	MailIMAP  = "imap"
	MailPOP3  = "pop3"
)

// GraphConfig holds Microsoft Graph app credentials for the OTP mailbox.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Mailbox      string
}

// MailServerConfig holds IMAP or POP3 account settings.
type MailServerConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Folder   string
}

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string
	APIKey          string
	UpstreamBaseURL string
	AcquireTimeout  time.Duration

	LoginEmail    string
	LoginPassword string

	LoginURL          string
	PostLoginURL      string
	PostLoginSelector string
	FlowFile          string
	Headless          bool
	InstallBrowser    bool
	ArtifactDir       string

	MaxAttempts int
	BaseDelay   time.Duration

	OTPSender       string
	OTPPollAttempts int
	OTPPollInterval time.Duration
	OTPMaxAge       time.Duration
	OTPMinLength    int
	OTPMaxLength    int

	FallbackTTL time.Duration
	SafetySkew  time.Duration

	RefreshInterval time.Duration
	RefreshAhead    time.Duration

	CacheBackend  string
	CachePath     string
	DBPath        string
	SecretKey     []byte
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	MailSource   string
	MailLookback time.Duration
	Graph        GraphConfig
	IMAP         MailServerConfig
	POP3         MailServerConfig

	LogLevel  slog.Level
	LogFormat string
	LogFile   string
}

// HasLoginCredentials returns true when both the login email and password
// are set. Without them the service starts but every acquisition fails with
// a configuration error.
func (c *Config) HasLoginCredentials() bool {
	return c.LoginEmail != "" && c.LoginPassword != ""
}

// Load reads configuration from environment variables and returns a validated Config.
// Login credentials, the OTP sender and mailbox settings are optional at load
// time; missing values surface as configuration errors when a login runs.
// Defaults: CREDBROKER_LISTEN_ADDR (127.0.0.1:8080), CREDBROKER_MAX_ATTEMPTS (3),
// CREDBROKER_BASE_DELAY (5s), CREDBROKER_OTP_POLL_ATTEMPTS (30),
// CREDBROKER_OTP_POLL_INTERVAL (4s), CREDBROKER_OTP_MAX_AGE (10m),
// CREDBROKER_FALLBACK_TTL (30m), CREDBROKER_SAFETY_SKEW (60s),
// CREDBROKER_CACHE_BACKEND (file), CREDBROKER_CACHE_PATH (credential-cache.json).
func Load() (*Config, error) {
	e := &envReader{}

	cfg := &Config{
		ListenAddr:      e.str("CREDBROKER_LISTEN_ADDR", "127.0.0.1:8080"),
		APIKey:          e.str("CREDBROKER_API_KEY", ""),
		UpstreamBaseURL: e.str("CREDBROKER_UPSTREAM_BASE_URL", ""),
		AcquireTimeout:  e.duration("CREDBROKER_ACQUIRE_TIMEOUT", 10*time.Minute),

		LoginEmail:    e.str("CREDBROKER_LOGIN_EMAIL", ""),
		LoginPassword: e.str("CREDBROKER_LOGIN_PASSWORD", ""),

		LoginURL:          e.str("CREDBROKER_LOGIN_URL", ""),
		PostLoginURL:      e.str("CREDBROKER_POST_LOGIN_URL", ""),
		PostLoginSelector: e.str("CREDBROKER_POST_LOGIN_SELECTOR", ""),
		FlowFile:          e.str("CREDBROKER_FLOW_FILE", ""),
		Headless:          e.boolean("CREDBROKER_HEADLESS", true),
		InstallBrowser:    e.boolean("CREDBROKER_INSTALL_BROWSER", false),
		ArtifactDir:       e.str("CREDBROKER_ARTIFACT_DIR", "artifacts"),

		MaxAttempts: e.integer("CREDBROKER_MAX_ATTEMPTS", 3),
		BaseDelay:   e.duration("CREDBROKER_BASE_DELAY", 5*time.Second),

		OTPSender:       e.str("CREDBROKER_OTP_SENDER", ""),
		OTPPollAttempts: e.integer("CREDBROKER_OTP_POLL_ATTEMPTS", 30),
		OTPPollInterval: e.duration("CREDBROKER_OTP_POLL_INTERVAL", 4*time.Second),
		OTPMaxAge:       e.duration("CREDBROKER_OTP_MAX_AGE", 10*time.Minute),
		OTPMinLength:    e.integer("CREDBROKER_OTP_MIN_LENGTH", 4),
		OTPMaxLength:    e.integer("CREDBROKER_OTP_MAX_LENGTH", 8),

		FallbackTTL: e.duration("CREDBROKER_FALLBACK_TTL", 30*time.Minute),
		SafetySkew:  e.duration("CREDBROKER_SAFETY_SKEW", 60*time.Second),

		RefreshInterval: e.duration("CREDBROKER_REFRESH_INTERVAL", time.Minute),
		RefreshAhead:    e.duration("CREDBROKER_REFRESH_AHEAD", 5*time.Minute),

		CacheBackend:  strings.ToLower(e.str("CREDBROKER_CACHE_BACKEND", CacheFile)),
		CachePath:     e.str("CREDBROKER_CACHE_PATH", "credential-cache.json"),
		DBPath:        e.str("CREDBROKER_DB_PATH", "credbroker.db"),
		RedisAddr:     e.str("CREDBROKER_REDIS_ADDR", ""),
		RedisPassword: e.str("CREDBROKER_REDIS_PASSWORD", ""),
		RedisDB:       e.integer("CREDBROKER_REDIS_DB", 0),
		RedisKey:      e.str("CREDBROKER_REDIS_KEY", "credbroker:credential"),

		MailSource:   strings.ToLower(e.str("CREDBROKER_MAIL_SOURCE", MailGraph)),
		MailLookback: e.duration("CREDBROKER_MAIL_LOOKBACK", 15*time.Minute),
		Graph: GraphConfig{
			TenantID:     e.str("CREDBROKER_GRAPH_TENANT_ID", ""),
			ClientID:     e.str("CREDBROKER_GRAPH_CLIENT_ID", ""),
			ClientSecret: e.str("CREDBROKER_GRAPH_CLIENT_SECRET", ""),
			Mailbox:      e.str("CREDBROKER_GRAPH_MAILBOX", ""),
		},
		IMAP: MailServerConfig{
			Host:     e.str("CREDBROKER_IMAP_HOST", ""),
			Port:     e.integer("CREDBROKER_IMAP_PORT", 0),
			TLS:      e.boolean("CREDBROKER_IMAP_TLS", true),
			Username: e.str("CREDBROKER_IMAP_USERNAME", ""),
			Password: e.str("CREDBROKER_IMAP_PASSWORD", ""),
			Folder:   e.str("CREDBROKER_IMAP_FOLDER", "INBOX"),
		},
		POP3: MailServerConfig{
			Host:     e.str("CREDBROKER_POP3_HOST", ""),
			Port:     e.integer("CREDBROKER_POP3_PORT", 0),
			TLS:      e.boolean("CREDBROKER_POP3_TLS", true),
			Username: e.str("CREDBROKER_POP3_USERNAME", ""),
			Password: e.str("CREDBROKER_POP3_PASSWORD", ""),
		},

		LogFormat: strings.ToLower(e.str("CREDBROKER_LOG_FORMAT", "text")),
		LogFile:   e.str("CREDBROKER_LOG_FILE", ""),
	}
	if e.err != nil {
		return nil, e.err
	}

	if v := e.str("CREDBROKER_LOG_LEVEL", "info"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("CREDBROKER_LOG_LEVEL has invalid level %q: %w", v, err)
		}
	}

	if v, ok := os.LookupEnv("CREDBROKER_SECRET_KEY"); ok && v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("CREDBROKER_SECRET_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("CREDBROKER_SECRET_KEY must be 64 hex chars (32 bytes), got %d bytes", len(key))
		}
		cfg.SecretKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.CacheBackend {
	case CacheFile, CacheSQLite, CacheNone:
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("CREDBROKER_REDIS_ADDR is required when CREDBROKER_CACHE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("CREDBROKER_CACHE_BACKEND must be one of file, sqlite, redis, none; got %q", c.CacheBackend)
	}

	switch c.MailSource {
	case MailGraph, MailIMAP, MailPOP3:
	default:
		return fmt.Errorf("CREDBROKER_MAIL_SOURCE must be one of graph, imap, pop3; got %q", c.MailSource)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("CREDBROKER_LOG_FORMAT must be text or json; got %q", c.LogFormat)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("CREDBROKER_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.OTPMinLength < 1 || c.OTPMaxLength < c.OTPMinLength {
		return fmt.Errorf("OTP length bounds are invalid: min %d, max %d", c.OTPMinLength, c.OTPMaxLength)
	}
	return nil
}

// envReader reads typed variables and keeps the first parse error.
type envReader struct {
	err error
}

func (e *envReader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || e.err != nil {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
		return def
	}
	if parsed < 0 {
		e.err = fmt.Errorf("%s must not be negative, got %s", key, v)
		return def
	}
	return parsed
}

func (e *envReader) integer(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || e.err != nil {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.err = fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
		return def
	}
	return parsed
}

func (e *envReader) boolean(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || e.err != nil {
		return def
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		e.err = fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
		return def
	}
	return parsed
}
