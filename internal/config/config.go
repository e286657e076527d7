package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// maxSchemaPrefixLen leaves room for a 48-character tenant ID inside
// PostgreSQL's 63-byte identifier limit.
const maxSchemaPrefixLen = 15

var schemaPrefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`) //nolint:gochecknoglobals // compiled once

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Server     ServerConfig
	Tenancy    TenancyConfig
	Slack      SlackConfig
	SelfHosted bool
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis;
// tenant locks then only serialise within one process.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// Enabled reports whether a Redis address is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// JWTConfig holds JWT authentication settings.
type JWTConfig struct {
	Secret     string //nolint:gosec // G117: JWT signing secret config
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// TenancyConfig holds the static tenant isolation settings.
type TenancyConfig struct {
	SchemaPrefix      string
	NeutralSearchPath string // search_path of an unbound tenant connection; empty means none
	TenantMaxConns    int
	ProvisionTimeout  time.Duration
	LockTTL           time.Duration
	ReconcileInterval time.Duration // 0 disables the periodic sweep
	RateLimitRPS      float64
	RateLimitBurst    int
}

// SlackConfig holds operator alert settings.
type SlackConfig struct {
	BotToken     string
	AlertChannel string
}

// Enabled reports whether Slack alerts are configured.
func (c *SlackConfig) Enabled() bool {
	return c.BotToken != "" && c.AlertChannel != ""
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// sensitive values (JWT secret, DB password) must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("TENANTRY_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("TENANTRY_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tenantMaxConns, err := getEnvInt("TENANTRY_TENANT_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("TENANTRY_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	accessTTL, err := getEnvDuration("TENANTRY_JWT_ACCESS_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	refreshTTL, err := getEnvDuration("TENANTRY_JWT_REFRESH_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("TENANTRY_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("TENANTRY_SERVER_WRITE_TIMEOUT", 90*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	provisionTimeout, err := getEnvDuration("TENANTRY_PROVISION_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	lockTTL, err := getEnvDuration("TENANTRY_LOCK_TTL", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	reconcileInterval, err := getEnvDuration("TENANTRY_RECONCILE_INTERVAL", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitRPS, err := getEnvFloat("TENANTRY_RATE_LIMIT_RPS", 50)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitBurst, err := getEnvInt("TENANTRY_RATE_LIMIT_BURST", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	selfHosted, err := getEnvBool("TENANTRY_SELF_HOSTED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("TENANTRY_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("TENANTRY_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("TENANTRY_DB_USER", "tenantry"),
			Password: getEnv("TENANTRY_DB_PASSWORD", ""),
			DBName:   getEnv("TENANTRY_DB_NAME", "tenantry_dev"),
			SSLMode:  getEnv("TENANTRY_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("TENANTRY_REDIS_ADDR", ""),
			Password: getEnv("TENANTRY_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:     getEnv("TENANTRY_JWT_SECRET", ""),
			AccessTTL:  accessTTL,
			RefreshTTL: refreshTTL,
		},
		Server: ServerConfig{
			Addr:         getEnv("TENANTRY_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  corsOrigins,
		},
		Tenancy: TenancyConfig{
			SchemaPrefix:      getEnv("TENANTRY_SCHEMA_PREFIX", "tenant_"),
			NeutralSearchPath: os.Getenv("TENANTRY_NEUTRAL_SEARCH_PATH"),
			TenantMaxConns:    tenantMaxConns,
			ProvisionTimeout:  provisionTimeout,
			LockTTL:           lockTTL,
			ReconcileInterval: reconcileInterval,
			RateLimitRPS:      rateLimitRPS,
			RateLimitBurst:    rateLimitBurst,
		},
		Slack: SlackConfig{
			BotToken:     getEnv("TENANTRY_SLACK_BOT_TOKEN", ""),
			AlertChannel: getEnv("TENANTRY_SLACK_ALERT_CHANNEL", ""),
		},
		SelfHosted: selfHosted,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// JWT secret is required (no insecure default).
	if c.JWT.Secret == "" {
		return errors.New("TENANTRY_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("TENANTRY_JWT_SECRET must be at least 32 characters")
	}

	// DB SSL mode warning for non-self-hosted deployments.
	if c.Database.SSLMode == "disable" && !c.SelfHosted {
		log.Warn().Msg("TENANTRY_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("TENANTRY_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("TENANTRY_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Tenancy.TenantMaxConns < 1 {
		return fmt.Errorf("TENANTRY_TENANT_MAX_CONNS must be >= 1, got %d", c.Tenancy.TenantMaxConns)
	}
	if c.JWT.AccessTTL <= 0 {
		return fmt.Errorf("TENANTRY_JWT_ACCESS_TTL must be positive, got %s", c.JWT.AccessTTL)
	}
	if c.JWT.RefreshTTL <= 0 {
		return fmt.Errorf("TENANTRY_JWT_REFRESH_TTL must be positive, got %s", c.JWT.RefreshTTL)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("TENANTRY_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("TENANTRY_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}

	// Tenancy.
	if len(c.Tenancy.SchemaPrefix) > maxSchemaPrefixLen || !schemaPrefixPattern.MatchString(c.Tenancy.SchemaPrefix) {
		return fmt.Errorf("TENANTRY_SCHEMA_PREFIX must match %s and be at most %d characters, got %q",
			schemaPrefixPattern, maxSchemaPrefixLen, c.Tenancy.SchemaPrefix)
	}
	if c.Tenancy.NeutralSearchPath != "" && !schemaPrefixPattern.MatchString(c.Tenancy.NeutralSearchPath) {
		return fmt.Errorf("TENANTRY_NEUTRAL_SEARCH_PATH must be a plain schema name, got %q", c.Tenancy.NeutralSearchPath)
	}
	if strings.HasPrefix(c.Tenancy.NeutralSearchPath, c.Tenancy.SchemaPrefix) {
		return fmt.Errorf("TENANTRY_NEUTRAL_SEARCH_PATH %q must not use the tenant schema prefix", c.Tenancy.NeutralSearchPath)
	}
	if c.Tenancy.ProvisionTimeout <= 0 {
		return fmt.Errorf("TENANTRY_PROVISION_TIMEOUT must be positive, got %s", c.Tenancy.ProvisionTimeout)
	}
	if c.Tenancy.LockTTL < c.Tenancy.ProvisionTimeout {
		return fmt.Errorf("TENANTRY_LOCK_TTL (%s) must not be shorter than TENANTRY_PROVISION_TIMEOUT (%s)",
			c.Tenancy.LockTTL, c.Tenancy.ProvisionTimeout)
	}
	if c.Tenancy.ReconcileInterval < 0 {
		return fmt.Errorf("TENANTRY_RECONCILE_INTERVAL must not be negative, got %s", c.Tenancy.ReconcileInterval)
	}
	if c.Tenancy.RateLimitRPS <= 0 {
		return fmt.Errorf("TENANTRY_RATE_LIMIT_RPS must be positive, got %g", c.Tenancy.RateLimitRPS)
	}
	if c.Tenancy.RateLimitBurst < 1 {
		return fmt.Errorf("TENANTRY_RATE_LIMIT_BURST must be >= 1, got %d", c.Tenancy.RateLimitBurst)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
