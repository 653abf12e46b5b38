// Package config loads gateway configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	DBPath     string `env:"GK_DB_PATH" envDefault:"./data/gatekeeper.db"`
	ServerHost string `env:"GK_SERVER_HOST" envDefault:"0.0.0.0"`
	ServerPort int    `env:"GK_SERVER_PORT" envDefault:"3001"`
	Env        string `env:"GK_ENV" envDefault:"development"`
	LogLevel   string `env:"GK_LOG_LEVEL" envDefault:"info"`

	// PublicURL is sent in push payloads so the mobile client knows which
	// server the notification came from.
	PublicURL string `env:"GK_PUBLIC_URL"`

	// Cache configuration
	RedisURL     string `env:"GK_REDIS_URL"`                        // Optional Redis URL for shared caching
	CachePrefix  string `env:"GK_CACHE_PREFIX" envDefault:"gk:"`    // Redis key prefix
	CacheMaxSize int    `env:"GK_CACHE_MAX_SIZE" envDefault:"1000"` // Max memory cache entries

	// Brute-force lockout policy
	MaxAttemptsPerIP      int `env:"MAX_ATTEMPTS_PER_IP" envDefault:"10"`
	MaxAttemptsPerAccount int `env:"MAX_ATTEMPTS_PER_ACCOUNT" envDefault:"5"`
	LockoutMinutes        int `env:"LOCKOUT_DURATION_MINUTES" envDefault:"30"`
	AttemptWindowMinutes  int `env:"ATTEMPT_WINDOW_MINUTES" envDefault:"15"`

	// IP lists and private network policy
	WhitelistIPs    []string `env:"WHITELIST_IPS" envSeparator:","`
	BlacklistIPs    []string `env:"BLACKLIST_IPS" envSeparator:","`
	AllowPrivateIPs bool     `env:"ALLOW_PRIVATE_IPS" envDefault:"true"`

	// IP reputation / anti-VPN
	ReputationEnabled bool   `env:"IP_REPUTATION_ENABLED" envDefault:"false"`
	AbuseIPDBKey      string `env:"IP_REPUTATION_API_KEY"`
	BlockVPN          bool   `env:"BLOCK_VPN" envDefault:"true"`
	BlockProxy        bool   `env:"BLOCK_PROXY" envDefault:"true"`
	BlockTor          bool   `env:"BLOCK_TOR" envDefault:"true"`

	// Geofencing (ISO 3166-1 alpha-2 codes)
	AllowedCountries []string `env:"ALLOWED_COUNTRIES" envSeparator:","`
	BlockedCountries []string `env:"BLOCKED_COUNTRIES" envSeparator:","`
	GeofenceStrict   bool     `env:"GEOFENCING_STRICT_MODE" envDefault:"false"`
	GeoIPDBPath      string   `env:"GK_GEOIP_DB_PATH"` // Path to GeoLite2-Country.mmdb

	// Time restrictions (disabled unless explicitly enabled)
	TimeRestrictionsEnabled bool  `env:"TIME_RESTRICTIONS_ENABLED" envDefault:"false"`
	AllowedHoursStart       int   `env:"ALLOWED_HOURS_START" envDefault:"0"`
	AllowedHoursEnd         int   `env:"ALLOWED_HOURS_END" envDefault:"23"`
	AllowedDays             []int `env:"ALLOWED_DAYS" envSeparator:","`
	UTCOffsetHours          int   `env:"TIMEZONE_UTC_OFFSET" envDefault:"0"`

	// Session/device tracking
	MaxSimultaneousSessions int  `env:"MAX_SIMULTANEOUS_SESSIONS" envDefault:"10"`
	DetectDeviceChanges     bool `env:"DETECT_DEVICE_CHANGES" envDefault:"true"`

	// Outbound oracle timeout in seconds (ip-api, AbuseIPDB, Tor exit list)
	OracleTimeoutSeconds int `env:"ORACLE_TIMEOUT_SECONDS" envDefault:"3"`
}

// IsDevelopment returns true if the application is running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ServerAddr returns the full server address in host:port format.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// UseRedisCache returns true if Redis caching is configured.
func (c Config) UseRedisCache() bool {
	return c.RedisURL != ""
}

// GeoIPEnabled returns true if a local GeoIP database is configured.
func (c Config) GeoIPEnabled() bool {
	return c.GeoIPDBPath != ""
}

// LockoutDuration returns the lockout policy as a duration.
func (c Config) LockoutDuration() time.Duration {
	return time.Duration(c.LockoutMinutes) * time.Minute
}

// AttemptWindow returns the failed-attempt counting window as a duration.
func (c Config) AttemptWindow() time.Duration {
	return time.Duration(c.AttemptWindowMinutes) * time.Minute
}

// OracleTimeout returns the bound on external lookup latency.
func (c Config) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutSeconds) * time.Second
}

// Load parses environment variables and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.MaxAttemptsPerIP <= 0 || cfg.MaxAttemptsPerAccount <= 0 {
		return nil, fmt.Errorf("attempt thresholds must be positive")
	}
	if cfg.AllowedHoursStart < 0 || cfg.AllowedHoursStart > 23 ||
		cfg.AllowedHoursEnd < 0 || cfg.AllowedHoursEnd > 23 {
		return nil, fmt.Errorf("allowed hours must be in 0..23")
	}
	for _, d := range cfg.AllowedDays {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("allowed day %d out of range (0=Sunday..6=Saturday)", d)
		}
	}

	return cfg, nil
}
