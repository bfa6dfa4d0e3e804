// Package config centralizes environment names, the optional YAML server
// config, and logger setup. Precedence everywhere is flag > env > file >
// default.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvDSN          = "VIETMARKET_DSN"
	EnvAPIKey       = "VIETMARKET_API_KEY"
	EnvRelayBase    = "VIETMARKET_RELAY_BASE"
	EnvSourceToken  = "VIETMARKET_SOURCE_TOKEN"
	EnvUniverseFile = "VIETMARKET_UNIVERSE_FILE"
	EnvCursorDir    = "VIETMARKET_CURSOR_DIR"
	EnvNodeID       = "VIETMARKET_NODE_ID"
	EnvJobName      = "VIETMARKET_JOB_NAME"
	EnvShardCount   = "VIETMARKET_SHARD_COUNT"
	EnvShardIndex   = "VIETMARKET_SHARD_INDEX"
	EnvStaleMinutes = "VIETMARKET_STALE_MINUTES"
	EnvLeaseMS      = "VIETMARKET_LEASE_MS"
	EnvRedisAddr    = "VIETMARKET_REDIS_ADDR"
	EnvLogLevel     = "LOG_LEVEL"
)

// Env returns the variable's value or fallback when unset.
func Env(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// EnvInt parses an integer variable, falling back on absence or junk.
func EnvInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// ServerConfig is the optional YAML file for the query service.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	DSN       string `yaml:"dsn"`
	APIKey    string `yaml:"api_key"`
	LogLevel  string `yaml:"log_level"`
	RedisAddr string `yaml:"redis_addr"`
}

// LoadServerConfig reads a YAML config file; a missing path returns the
// zero config without error.
func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SetupLogging configures the global zerolog logger: console with colors
// when stderr is a terminal, JSON otherwise.
func SetupLogging(level string) {
	if level == "" {
		level = Env(EnvLogLevel, "info")
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
