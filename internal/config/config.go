package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/mohans/jobstatus"
)

// Config holds the application settings of the jobstatus binary.
type Config struct {
	// Tracking options handed to the updater.
	Tracking jobstatus.Config `yaml:"tracking"`

	// Queue
	RedisURL    string `yaml:"redis_url"`
	Queue       string `yaml:"queue"`
	Concurrency int    `yaml:"concurrency"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
}

// fileConfig mirrors Config for YAML decoding; the log level is a string
// there.
type fileConfig struct {
	Config   `yaml:",inline"`
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration from defaults, then the YAML file named by
// JOBSTATUS_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := Config{
		Tracking:    jobstatus.DefaultConfig(),
		RedisURL:    "redis://localhost:6379/0",
		Queue:       "default",
		Concurrency: 10,
		LogFile:     "",
		LogLevel:    slog.LevelInfo,
	}

	if path := os.Getenv("JOBSTATUS_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		fc := fileConfig{Config: cfg}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg = fc.Config
		if fc.LogLevel != "" {
			cfg.LogLevel = parseLogLevel(fc.LogLevel)
		}
	}

	t := &cfg.Tracking
	t.Model = getEnv("JOBSTATUS_MODEL", t.Model)
	t.EventManager = getEnv("JOBSTATUS_EVENT_MANAGER", t.EventManager)
	t.DatabaseDriver = getEnv("JOBSTATUS_DB_DRIVER", t.DatabaseDriver)
	t.DatabaseConnection = getEnv("JOBSTATUS_DB_DSN", t.DatabaseConnection)
	t.TrackHistory = cast.ToBool(getEnv("JOBSTATUS_TRACK_HISTORY", cast.ToString(t.TrackHistory)))
	t.TrackInput = cast.ToBool(getEnv("JOBSTATUS_TRACK_INPUT", cast.ToString(t.TrackInput)))
	t.TrackOutput = cast.ToBool(getEnv("JOBSTATUS_TRACK_OUTPUT", cast.ToString(t.TrackOutput)))

	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.Queue = getEnv("JOBSTATUS_QUEUE", cfg.Queue)
	cfg.Concurrency = cast.ToInt(getEnv("JOBSTATUS_CONCURRENCY", cast.ToString(cfg.Concurrency)))
	cfg.LogFile = getEnv("JOBSTATUS_LOG_FILE", cfg.LogFile)
	if lvl := os.Getenv("JOBSTATUS_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = parseLogLevel(lvl)
	}

	return cfg, cfg.Validate()
}

// Validate rejects unknown store models, drivers and strategies.
func (c Config) Validate() error {
	var errs []error
	switch c.Tracking.Model {
	case jobstatus.ModelSQL, jobstatus.ModelGorm, jobstatus.ModelMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown model %q", c.Tracking.Model))
	}
	if c.Tracking.Model != jobstatus.ModelMemory {
		switch c.Tracking.DatabaseDriver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Errorf("unknown database driver %q", c.Tracking.DatabaseDriver))
		}
	}
	switch c.Tracking.EventManager {
	case "", jobstatus.StrategyDefault, jobstatus.StrategyLegacy:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", jobstatus.ErrUnknownStrategy, c.Tracking.EventManager))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	return errors.Join(errs...)
}

// RedisOpt converts RedisURL into asynq connection options.
func (c Config) RedisOpt() (asynq.RedisClientOpt, error) {
	o, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:      o.Addr,
		Username:  o.Username,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLSConfig,
	}, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
