/*
Package config loads the toild configuration file.

YAML example:

	server:
	  port: 8080
	  read_timeout: 15s
	  write_timeout: 15s
	  idle_timeout: 60s
	  shutdown_timeout: 30s
	database:
	  path: toil.db
	auth:
	  secret: change-me
	  issuer: toild
	  token_ttl: 12h
	logging:
	  level: INFO
	  format: text
	rate_limit:
	  enabled: true
	  per_second: 20
	  burst: 40
	  trust_forwarded: false
	cors:
	  allowed_origins: ["http://localhost:5173"]
	scheduler:
	  enabled: true
	  interval: 1m
	dev:
	  scenarios: false

Environment overrides: TOIL_AUTH_SECRET, TOIL_DB_PATH.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	envAuthSecret = "TOIL_AUTH_SECRET"
	envDBPath     = "TOIL_DB_PATH"
)

// Config is the full toild configuration.
type Config struct {
	Server    ServerConf    `yaml:"server"`
	Database  DatabaseConf  `yaml:"database"`
	Auth      AuthConf      `yaml:"auth"`
	Logging   LoggingConf   `yaml:"logging"`
	RateLimit RateLimitConf `yaml:"rate_limit"`
	CORS      CORSConf      `yaml:"cors"`
	Scheduler SchedulerConf `yaml:"scheduler"`
	Dev       DevConf       `yaml:"dev"`
}

// ServerConf holds HTTP listener settings.
type ServerConf struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConf) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// DatabaseConf selects the SQLite file. ":memory:" keeps everything in RAM.
type DatabaseConf struct {
	Path string `yaml:"path"`
}

// AuthConf configures HS256 bearer tokens.
type AuthConf struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// LoggingConf configures the logrus standard logger.
// Level accepts standard log levels (e.g. DEBUG, INFO, WARN, ERROR).
type LoggingConf struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConf is a token bucket per client IP. The IP is the TCP peer
// unless TrustForwarded is set, which should only be done behind a reverse
// proxy that overwrites X-Forwarded-For / X-Real-IP.
type RateLimitConf struct {
	Enabled        bool    `yaml:"enabled"`
	PerSecond      float64 `yaml:"per_second"`
	Burst          int     `yaml:"burst"`
	TrustForwarded bool    `yaml:"trust_forwarded"`
}

// CORSConf lists the origins the browser client may call from.
type CORSConf struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SchedulerConf controls the background pending-queue refresher.
type SchedulerConf struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DevConf enables local-only endpoints.
type DevConf struct {
	Scenarios bool `yaml:"scenarios"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConf{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConf{Path: "toil.db"},
		Auth: AuthConf{
			Issuer:   "toild",
			TokenTTL: 12 * time.Hour,
		},
		Logging: LoggingConf{Level: "INFO", Format: "text"},
		RateLimit: RateLimitConf{
			Enabled:   true,
			PerSecond: 20,
			Burst:     40,
		},
		CORS: CORSConf{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Scheduler: SchedulerConf{Enabled: true, Interval: time.Minute},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envAuthSecret); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.Database.Path = v
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if err := c.Auth.validate(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	if c.RateLimit.Enabled && (c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("rate_limit.per_second and rate_limit.burst must be positive")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	return nil
}

func (a *AuthConf) validate() error {
	if a.Secret == "" {
		return fmt.Errorf("auth.secret is required (or set %s)", envAuthSecret)
	}
	if len(a.Secret) < 16 {
		return errors.New("auth.secret must be at least 16 bytes")
	}
	if a.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	return nil
}

// ConfigureLogger applies the logging section to the logrus standard logger.
func (l LoggingConf) ConfigureLogger(logger *log.Logger) error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if strings.EqualFold(l.Format, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
