package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Discord        DiscordConfig        `yaml:"discord"`
	Redis          RedisConfig          `yaml:"redis"`
	Auction        AuctionConfig        `yaml:"auction"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	HealthPort      int           `yaml:"health_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`
	// AnnounceChannelID receives countdown, bid and resolution announcements.
	AnnounceChannelID string `yaml:"announce_channel_id"`
}

// RedisConfig holds settings for the Redis event mirror.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
	// Retain is how many recent messages are kept per auction.
	Retain int64 `yaml:"retain"`
}

// AuctionConfig holds the rules shared by every auction the engine runs.
type AuctionConfig struct {
	// CountdownTicks is the number of ticks between start and activation.
	CountdownTicks int `yaml:"countdown_ticks"`
	// TickInterval is the length of one countdown tick.
	TickInterval time.Duration `yaml:"tick_interval"`
	// MinBudget is the smallest budget_per_team an auction may be created with.
	MinBudget decimal.Decimal `yaml:"min_budget"`
	// MaxPlayersLimit caps max_players_per_team.
	MaxPlayersLimit int `yaml:"max_players_limit"`
	CodeLength      int `yaml:"code_length"`
	// SubscriberBuffer bounds each observer's queue; events beyond it are dropped.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	ChatHistoryLimit int `yaml:"chat_history_limit"`
}

// DefaultAuction returns the auction rules used when the config file
// omits them.
func DefaultAuction() AuctionConfig {
	return AuctionConfig{
		CountdownTicks:   60,
		TickInterval:     time.Second,
		MinBudget:        decimal.NewFromInt(50000),
		MaxPlayersLimit:  50,
		CodeLength:       8,
		SubscriberBuffer: 64,
		ChatHistoryLimit: 50,
	}
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			HealthPort:      8081,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			ChannelPrefix: "auction",
			Retain:        100,
		},
		Auction: DefaultAuction(),
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides secrets from the environment so they can stay out of
// the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("AUCTIOND_DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("AUCTIOND_DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("AUCTIOND_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("discord is enabled but no token is configured")
	}

	a := c.Auction
	if a.CountdownTicks < 1 {
		return fmt.Errorf("auction.countdown_ticks must be positive, got %d", a.CountdownTicks)
	}
	if a.TickInterval <= 0 {
		return fmt.Errorf("auction.tick_interval must be positive, got %s", a.TickInterval)
	}
	if !a.MinBudget.IsPositive() {
		return fmt.Errorf("auction.min_budget must be positive, got %s", a.MinBudget)
	}
	if a.MaxPlayersLimit < 1 {
		return fmt.Errorf("auction.max_players_limit must be positive, got %d", a.MaxPlayersLimit)
	}
	if a.CodeLength < 6 {
		return fmt.Errorf("auction.code_length must be at least 6, got %d", a.CodeLength)
	}
	return nil
}
