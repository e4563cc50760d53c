package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/config.yaml"

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"user"`
	Password     string `yaml:"password"`
	DBName       string `yaml:"dbname"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

type Certs struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	Certificate Certs  `yaml:"certificate"`
}

// StoreConfig selects the persistence backend. "memory" is meant for
// local development and demos only; SeedBorrowers populates its directory.
type StoreConfig struct {
	Driver        string   `yaml:"driver"`
	SeedBorrowers []string `yaml:"seed_borrowers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type MonitorConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	ReminderInterval time.Duration `yaml:"reminder_interval"`
	TimeZone         string        `yaml:"time_zone"`
}

type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	QueueSize  int           `yaml:"queue_size"`
	MaxRetries int           `yaml:"max_retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type PollConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	MaxIDs        int           `yaml:"max_ids"`
	Interval      time.Duration `yaml:"interval"`
}

type Config struct {
	Version string         `yaml:"version"`
	Mode    string         `yaml:"mode"`
	Server  ServerConfig   `yaml:"server"`
	DB      DatabaseConfig `yaml:"database"`
	Store   StoreConfig    `yaml:"store"`
	Log     LogConfig      `yaml:"log"`
	Auth    AuthConfig     `yaml:"auth"`
	Monitor MonitorConfig  `yaml:"monitor"`
	Notify  NotifyConfig   `yaml:"notify"`
	Redis   RedisConfig    `yaml:"redis"`
	Poll    PollConfig     `yaml:"poll"`
}

func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(buf)
}

// Parse decodes buf, applies defaults and environment overrides, then validates.
func Parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "mysql"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.MaxOpenConns == 0 {
		c.DB.MaxOpenConns = 80
	}
	if c.DB.MaxIdleConns == 0 {
		c.DB.MaxIdleConns = 20
	}
	if c.Mode == "dev" && c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "dev-only-secret"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 5 * time.Minute
	}
	if c.Monitor.ReminderInterval == 0 {
		c.Monitor.ReminderInterval = 24 * time.Hour
	}
	if c.Monitor.TimeZone == "" {
		c.Monitor.TimeZone = "UTC"
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 256
	}
	if c.Notify.MaxRetries == 0 {
		c.Notify.MaxRetries = 5
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 5 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "iris:reminder:"
	}
	if c.Poll.RatePerSecond == 0 {
		c.Poll.RatePerSecond = 2
	}
	if c.Poll.Burst == 0 {
		c.Poll.Burst = 5
	}
	if c.Poll.MaxIDs == 0 {
		c.Poll.MaxIDs = 100
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = 3 * time.Second
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("IRIS_DB_PASSWORD"); v != "" {
		c.DB.Password = v
	}
	if v := os.Getenv("IRIS_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("IRIS_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) Validate() error {
	if c.Mode != "dev" && c.Mode != "release" {
		return fmt.Errorf("invalid mode %q: want dev or release", c.Mode)
	}
	if c.Store.Driver != "mysql" && c.Store.Driver != "memory" {
		return fmt.Errorf("invalid store.driver %q: want mysql or memory", c.Store.Driver)
	}
	if c.Monitor.Interval < 0 || c.Monitor.ReminderInterval < 0 {
		return fmt.Errorf("monitor intervals must be positive")
	}
	if c.Poll.RatePerSecond < 0 || c.Poll.Burst < 0 || c.Poll.MaxIDs < 0 {
		return fmt.Errorf("poll limits must be positive")
	}
	if _, err := time.LoadLocation(c.Monitor.TimeZone); err != nil {
		return fmt.Errorf("invalid monitor.time_zone %q: %w", c.Monitor.TimeZone, err)
	}
	if c.Mode == "release" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required in release mode")
	}
	return nil
}

// Location returns the zone used for calendar-day reminder logic.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Monitor.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
