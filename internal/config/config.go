package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

// Store backends selectable through STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

type Config struct {
	Port              int    `env:"PORT" envDefault:"8080"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
	StoreBackend      string `env:"STORE_BACKEND" envDefault:"memory"`
	DatabaseURL       string `env:"DATABASE_URL"`
	SQLitePath        string `env:"SQLITE_PATH" envDefault:"pairing.db"`
	RedisURL          string `env:"REDIS_URL"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	DeviceLoginTTLSeconds int      `env:"DEVICE_LOGIN_TTL_SECONDS" envDefault:"60"`
	PanelLoginTTLSeconds  int      `env:"PANEL_LOGIN_TTL_SECONDS" envDefault:"60"`
	DeviceLoginRoles      []string `env:"DEVICE_LOGIN_ROLES" envDefault:"teacher,influencer" envSeparator:","`
	PanelLoginRoles       []string `env:"PANEL_LOGIN_ROLES" envDefault:"teacher" envSeparator:","`

	MaxPendingPerIssuer     int `env:"MAX_PENDING_PER_ISSUER" envDefault:"5"`
	IssueRateLimitPerMin    int `env:"ISSUE_RATE_LIMIT_PER_MIN" envDefault:"20"`
	PollIntervalMs          int `env:"POLL_INTERVAL_MS" envDefault:"2000"`
	SessionRetentionSeconds int `env:"SESSION_RETENTION_SECONDS" envDefault:"3600"`
	CleanupIntervalSeconds  int `env:"CLEANUP_INTERVAL_SECONDS" envDefault:"300"`
}

func (c *Config) DeviceLoginTTL() time.Duration {
	return time.Duration(c.DeviceLoginTTLSeconds) * time.Second
}

func (c *Config) PanelLoginTTL() time.Duration {
	return time.Duration(c.PanelLoginTTLSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionSeconds) * time.Second
}

func (c *Config) CleanupInterval() time.Duration {
	if c.CleanupIntervalSeconds <= 0 {
		return CleanupJobInterval
	}
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RedisEnabled reports whether a Redis URL is configured. Redis backs the
// issue rate limiter and cross-instance notifications even when sessions
// live elsewhere.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

func (c *Config) Validate(isProduction bool) error {
	if c.AdminPasswordHash != "" {
		if !strings.HasPrefix(c.AdminPasswordHash, "$2a$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2b$") &&
			!strings.HasPrefix(c.AdminPasswordHash, "$2y$") {
			return fmt.Errorf("ADMIN_PASSWORD_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <password>)")
		}
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND=sqlite")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, postgres, sqlite, redis (got %q)", c.StoreBackend)
	}

	if c.DeviceLoginTTLSeconds <= 0 || c.PanelLoginTTLSeconds <= 0 {
		return fmt.Errorf("pairing TTLs must be positive")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.MaxPendingPerIssuer < 0 {
		return fmt.Errorf("MAX_PENDING_PER_ISSUER must not be negative")
	}

	if isProduction {
		if c.StoreBackend == BackendMemory {
			log.Warn().Msg("STORE_BACKEND=memory in production: sessions are lost on restart and not shared between instances")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.AdminPasswordHash == "" {
			log.Warn().Msg("ADMIN_PASSWORD_HASH is empty in production: admin stats endpoint disabled")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.DeviceLoginRoles = normalizeRoles(cfg.DeviceLoginRoles)
	cfg.PanelLoginRoles = normalizeRoles(cfg.PanelLoginRoles)
	return &cfg, nil
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
