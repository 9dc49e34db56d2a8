// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Defaults     DefaultsConfig     `mapstructure:"defaults"`
	Afk          AfkConfig          `mapstructure:"afk"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// HTTPConfig holds the API listener configuration.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds the idempotency cache connection. An empty Addr
// disables the cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// TelegramConfig holds the admin bot configuration. An empty token
// disables the bot.
type TelegramConfig struct {
	Token string  `mapstructure:"token"`
	Chats []int64 `mapstructure:"chats"`
}

// AdminConfig lists the account ids and Telegram user ids with admin rights.
type AdminConfig struct {
	AccountIDs  []int64 `mapstructure:"account_ids"`
	TelegramIDs []int64 `mapstructure:"telegram_ids"`
}

// DefaultsConfig holds the resources granted to a newly registered account.
type DefaultsConfig struct {
	RAM         int64 `mapstructure:"ram"`
	CPU         int64 `mapstructure:"cpu"`
	Disk        int64 `mapstructure:"disk"`
	ServerSlots int64 `mapstructure:"server_slots"`
}

// AfkConfig holds AFK accrual configuration.
type AfkConfig struct {
	CoinsPerTick     int64 `mapstructure:"coins_per_tick"`
	MinWindowSeconds int   `mapstructure:"min_window_seconds"`
	MaxWindowSeconds int   `mapstructure:"max_window_seconds"`
}

// ControlPlaneConfig holds the remote provisioning API configuration.
type ControlPlaneConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	DefaultEggID   int           `mapstructure:"default_egg_id"`
	DefaultImage   string        `mapstructure:"default_image"`
	DefaultStartup string        `mapstructure:"default_startup"`
}

// CatalogConfig points at the read-only price/item definitions.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. DATABASE_HOST, CONTROL_PLANE_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ledger")
	v.SetDefault("database.name", "ledger")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("redis.ttl", "24h")

	// New account defaults
	v.SetDefault("defaults.ram", 2)
	v.SetDefault("defaults.cpu", 100)
	v.SetDefault("defaults.disk", 10)
	v.SetDefault("defaults.server_slots", 1)

	v.SetDefault("afk.coins_per_tick", 1)
	v.SetDefault("afk.min_window_seconds", 55)
	v.SetDefault("afk.max_window_seconds", 65)

	v.SetDefault("control_plane.timeout", "15s")
	v.SetDefault("control_plane.rate_per_second", 5)
	v.SetDefault("control_plane.burst", 10)
	v.SetDefault("control_plane.default_egg_id", 1)

	v.SetDefault("catalog.path", "config/catalog.yaml")
}

// Validate checks values the core depends on.
func (c *Config) Validate() error {
	if c.Defaults.ServerSlots < 1 {
		return fmt.Errorf("defaults.server_slots must be at least 1")
	}
	if c.Defaults.RAM < 0 || c.Defaults.CPU < 0 || c.Defaults.Disk < 0 {
		return fmt.Errorf("defaults must not be negative")
	}
	if c.Afk.CoinsPerTick <= 0 {
		return fmt.Errorf("afk.coins_per_tick must be positive")
	}
	if c.Afk.MinWindowSeconds <= 0 || c.Afk.MinWindowSeconds > c.Afk.MaxWindowSeconds {
		return fmt.Errorf("afk window [%d,%d] is invalid", c.Afk.MinWindowSeconds, c.Afk.MaxWindowSeconds)
	}
	return nil
}

// IsAdminAccount checks if an account id is in the admin list.
func (c *Config) IsAdminAccount(accountID int64) bool {
	for _, id := range c.Admin.AccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// IsAdminTelegram checks if a Telegram user id is in the admin list.
func (c *Config) IsAdminTelegram(userID int64) bool {
	for _, id := range c.Admin.TelegramIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsChatAllowed checks if a chat ID is in the whitelist.
func (c *Config) IsChatAllowed(chatID int64) bool {
	// Empty whitelist means all chats are allowed
	if len(c.Telegram.Chats) == 0 {
		return true
	}
	for _, id := range c.Telegram.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}
