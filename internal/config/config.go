package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Host    string
	Port    int
	OpsPort int

	StockfishPath string
	DefaultPreset string

	RedisURL    string
	DatabaseURL string

	MatchRatingWindow int
	MatchWaitTimeout  time.Duration
	DisconnectGrace   time.Duration
	SweepInterval     time.Duration
	FinishedRetention time.Duration

	DefaultRating         int
	MaxConcurrentSessions int
}

// fileConfig mirrors AppConfig for the optional YAML file. Durations are
// plain strings ("30s") so the file stays hand-editable.
type fileConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	OpsPort int    `yaml:"ops_port"`

	StockfishPath string `yaml:"stockfish_path"`
	DefaultPreset string `yaml:"default_preset"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	MatchRatingWindow int    `yaml:"match_rating_window"`
	MatchWaitTimeout  string `yaml:"match_wait_timeout"`
	DisconnectGrace   string `yaml:"disconnect_grace"`
	SweepInterval     string `yaml:"sweep_interval"`
	FinishedRetention string `yaml:"finished_retention"`

	DefaultRating         int `yaml:"default_rating"`
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
}

// Load builds the config from defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment variables. Env wins over file.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Host:                  "0.0.0.0",
		Port:                  8765,
		OpsPort:               8766,
		DefaultPreset:         "level3",
		MatchRatingWindow:     300,
		MatchWaitTimeout:      30 * time.Second,
		DisconnectGrace:       10 * time.Second,
		SweepInterval:         60 * time.Second,
		FinishedRetention:     60 * time.Second,
		DefaultRating:         1200,
		MaxConcurrentSessions: 200,
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.OpsPort < 0 || cfg.OpsPort > 65535 {
		return nil, fmt.Errorf("invalid ops port: %d", cfg.OpsPort)
	}
	if cfg.StockfishPath == "" {
		return nil, errors.New("STOCKFISH_PATH is required")
	}
	if cfg.MatchRatingWindow < 0 {
		return nil, fmt.Errorf("match rating window must be >= 0: %d", cfg.MatchRatingWindow)
	}

	return cfg, nil
}

func applyFile(cfg *AppConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if v := strings.TrimSpace(fc.Host); v != "" {
		cfg.Host = v
	}
	if fc.Port > 0 {
		cfg.Port = fc.Port
	}
	if fc.OpsPort > 0 {
		cfg.OpsPort = fc.OpsPort
	}
	if v := strings.TrimSpace(fc.StockfishPath); v != "" {
		cfg.StockfishPath = v
	}
	if v := strings.TrimSpace(fc.DefaultPreset); v != "" {
		cfg.DefaultPreset = v
	}
	if v := strings.TrimSpace(fc.RedisURL); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(fc.DatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if fc.MatchRatingWindow > 0 {
		cfg.MatchRatingWindow = fc.MatchRatingWindow
	}
	if fc.DefaultRating > 0 {
		cfg.DefaultRating = fc.DefaultRating
	}
	if fc.MaxConcurrentSessions > 0 {
		cfg.MaxConcurrentSessions = fc.MaxConcurrentSessions
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.MatchWaitTimeout, &cfg.MatchWaitTimeout},
		{fc.DisconnectGrace, &cfg.DisconnectGrace},
		{fc.SweepInterval, &cfg.SweepInterval},
		{fc.FinishedRetention, &cfg.FinishedRetention},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		dur, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse duration %q in config file: %w", d.raw, err)
		}
		*d.dst = dur
	}
	return nil
}

func applyEnv(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		cfg.Host = v
	}
	setEnvInt("PORT", &cfg.Port)
	setEnvInt("OPS_PORT", &cfg.OpsPort)

	if v := strings.TrimSpace(os.Getenv("STOCKFISH_PATH")); v != "" {
		cfg.StockfishPath = v
	}
	if v := strings.TrimSpace(os.Getenv("ORACLE_DEFAULT_PRESET")); v != "" {
		cfg.DefaultPreset = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}

	setEnvInt("MATCH_RATING_WINDOW", &cfg.MatchRatingWindow)
	setEnvDuration("MATCH_WAIT_TIMEOUT", &cfg.MatchWaitTimeout)
	setEnvDuration("DISCONNECT_GRACE", &cfg.DisconnectGrace)
	setEnvDuration("SWEEP_INTERVAL", &cfg.SweepInterval)
	setEnvDuration("FINISHED_RETENTION", &cfg.FinishedRetention)

	setEnvInt("DEFAULT_RATING", &cfg.DefaultRating)
	setEnvInt("MAX_CONCURRENT_SESSIONS", &cfg.MaxConcurrentSessions)
}

func setEnvInt(key string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setEnvDuration(key string, dst *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func (c *AppConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *AppConfig) OpsListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OpsPort)
}
