// Package config provides YAML-based configuration loading for the gateway.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration, loaded from config.yaml.
type Config struct {
	Discord DiscordConfig `yaml:"discord"`
	Redis   RedisConfig   `yaml:"redis"`
	DB      DBConfig      `yaml:"db"`
	Cluster ClusterConfig `yaml:"cluster"`
	API     APIConfig     `yaml:"api"`
	Sweep   SweepConfig   `yaml:"sweep"`
}

// DiscordConfig holds protocol-level settings shared by all accounts.
type DiscordConfig struct {
	GatewayURL       string `yaml:"gateway_url"`
	BotID            string `yaml:"bot_id"`
	ImagineCommandID string `yaml:"imagine_command_id"`
	ImagineVersionID string `yaml:"imagine_version_id"`
	ConnectTimeout   int    `yaml:"connect_timeout_sec"`
}

// RedisConfig holds connection settings for the shared task store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DBConfig holds connection settings for the account registry database.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ClusterConfig controls multi-process coordination.
type ClusterConfig struct {
	Enabled        bool `yaml:"enabled"`
	LockTTLSec     int  `yaml:"lock_ttl_sec"`
	RenewEverySec  int  `yaml:"renew_every_sec"`
	ForwardTimeout int  `yaml:"forward_timeout_sec"`
}

// APIConfig controls the operational status server.
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// SweepConfig controls the stale-task sweep schedule.
type SweepConfig struct {
	Cron      string `yaml:"cron"` // 5-field cron expression
	MaxAgeMin int    `yaml:"max_age_min"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values. The Redis address may
// also come from the environment so config files can stay checked in.
func (c *Config) applyDefaults() {
	if c.Discord.GatewayURL == "" {
		c.Discord.GatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	}
	if c.Discord.BotID == "" {
		c.Discord.BotID = "936929561302675456"
	}
	if c.Discord.ImagineCommandID == "" {
		c.Discord.ImagineCommandID = "938956540159881230"
	}
	if c.Discord.ImagineVersionID == "" {
		c.Discord.ImagineVersionID = "1237876415471554623"
	}
	if c.Discord.ConnectTimeout == 0 {
		c.Discord.ConnectTimeout = 30
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = envOr("MJGW_REDIS_ADDR", "127.0.0.1:6379")
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "mjgw.db"
	}
	if c.DB.Driver == "mysql" {
		if c.DB.Host == "" {
			c.DB.Host = "127.0.0.1"
		}
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
		if c.DB.User == "" {
			c.DB.User = "root"
		}
		if c.DB.Database == "" {
			c.DB.Database = "mjgateway"
		}
	}
	if c.Cluster.LockTTLSec == 0 {
		c.Cluster.LockTTLSec = 30
	}
	if c.Cluster.RenewEverySec == 0 {
		c.Cluster.RenewEverySec = 10
	}
	if c.Cluster.ForwardTimeout == 0 {
		c.Cluster.ForwardTimeout = 30
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Sweep.Cron == "" {
		c.Sweep.Cron = "*/10 * * * *"
	}
	if c.Sweep.MaxAgeMin == 0 {
		c.Sweep.MaxAgeMin = 60
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.DB.Driver != "sqlite" && c.DB.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("db.driver must be sqlite or mysql, got %q", c.DB.Driver))
	}
	if c.Cluster.RenewEverySec*2 > c.Cluster.LockTTLSec {
		errs = append(errs, "cluster.renew_every_sec must be at most half of cluster.lock_ttl_sec")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
