// Package config loads engine configuration with precedence environment
// variables > config file (YAML or JSON) > defaults, grounded on
// core/config.go from the teacher.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunables for the engine and its subsystems.
type Config struct {
	LogLevel string `json:"logLevel" yaml:"log_level"`
	DataDir  string `json:"dataDir" yaml:"data_dir"`

	FCPAddr  string `json:"fcpAddr" yaml:"fcp_addr"`
	HTTPAddr string `json:"httpAddr" yaml:"http_addr"`

	RateLimitPerMinute int           `json:"rateLimitPerMinute" yaml:"rate_limit_per_minute"`
	MaxBodySizeBytes   int64         `json:"maxBodySizeBytes" yaml:"max_body_size_bytes"`
	ShutdownTimeout    time.Duration `json:"shutdownTimeout" yaml:"-"`

	FCPCommandsPerMinute int `json:"fcpCommandsPerMinute" yaml:"fcp_commands_per_minute"`
	FetchRatePerMinute   int `json:"fetchRatePerMinute" yaml:"fetch_rate_per_minute"`

	QueueSoftLimit int `json:"queueSoftLimit" yaml:"queue_soft_limit"`

	OwnIdentityInsertDebounce time.Duration `json:"ownIdentityInsertDebounce" yaml:"-"`
	FetchRetryBackoff         time.Duration `json:"fetchRetryBackoff" yaml:"-"`
	InserterMaxBackoff        time.Duration `json:"inserterMaxBackoff" yaml:"-"`

	NotificationRetryDelay    time.Duration `json:"notificationRetryDelay" yaml:"-"`
	NotificationMaxFailures   int           `json:"notificationMaxFailures" yaml:"notification_max_failures"`

	DefaultPuzzleCount       int           `json:"defaultPuzzleCount" yaml:"default_puzzle_count"`
	ClientPuzzlePoolSize     int           `json:"clientPuzzlePoolSize" yaml:"client_puzzle_pool_size"`
	MaxPuzzlesPerIdentityDay int           `json:"maxPuzzlesPerIdentityDay" yaml:"max_puzzles_per_identity_day"`
	PuzzleValidity           time.Duration `json:"puzzleValidity" yaml:"-"`
}

// fileConfig mirrors Config but with string durations, for file parsing.
type fileConfig struct {
	LogLevel                 string `json:"logLevel" yaml:"log_level"`
	DataDir                  string `json:"dataDir" yaml:"data_dir"`
	FCPAddr                  string `json:"fcpAddr" yaml:"fcp_addr"`
	HTTPAddr                 string `json:"httpAddr" yaml:"http_addr"`
	RateLimitPerMinute       int    `json:"rateLimitPerMinute" yaml:"rate_limit_per_minute"`
	MaxBodySizeBytes         int64  `json:"maxBodySizeBytes" yaml:"max_body_size_bytes"`
	ShutdownTimeout          string `json:"shutdownTimeout" yaml:"shutdown_timeout"`
	FCPCommandsPerMinute     int    `json:"fcpCommandsPerMinute" yaml:"fcp_commands_per_minute"`
	FetchRatePerMinute       int    `json:"fetchRatePerMinute" yaml:"fetch_rate_per_minute"`
	QueueSoftLimit           int    `json:"queueSoftLimit" yaml:"queue_soft_limit"`
	OwnIdentityInsertDebounce string `json:"ownIdentityInsertDebounce" yaml:"own_identity_insert_debounce"`
	FetchRetryBackoff        string `json:"fetchRetryBackoff" yaml:"fetch_retry_backoff"`
	InserterMaxBackoff       string `json:"inserterMaxBackoff" yaml:"inserter_max_backoff"`
	NotificationRetryDelay   string `json:"notificationRetryDelay" yaml:"notification_retry_delay"`
	NotificationMaxFailures  int    `json:"notificationMaxFailures" yaml:"notification_max_failures"`
	DefaultPuzzleCount       int    `json:"defaultPuzzleCount" yaml:"default_puzzle_count"`
	ClientPuzzlePoolSize     int    `json:"clientPuzzlePoolSize" yaml:"client_puzzle_pool_size"`
	MaxPuzzlesPerIdentityDay int    `json:"maxPuzzlesPerIdentityDay" yaml:"max_puzzles_per_identity_day"`
	PuzzleValidity           string `json:"puzzleValidity" yaml:"puzzle_validity"`
}

// Defaults mirror the values the specification calls out explicitly.
const (
	DefaultRateLimitPerMinute       = 120
	DefaultMaxBodySizeBytes         = 1 << 20
	DefaultShutdownTimeout          = 30 * time.Second
	DefaultFCPCommandsPerMinute     = 600
	DefaultFetchRatePerMinute       = 30
	DefaultQueueSoftLimit           = 10000
	DefaultOwnIdentityInsertDebounce = 10 * time.Minute
	DefaultFetchRetryBackoff        = 30 * time.Second
	DefaultInserterMaxBackoff       = 30 * time.Minute
	DefaultNotificationRetryDelay   = 60 * time.Second
	DefaultNotificationMaxFailures  = 5
	DefaultPuzzleCount              = 10
	DefaultClientPuzzlePoolSize     = 128
	DefaultMaxPuzzlesPerIdentityDay = 3
	DefaultPuzzleValidity           = 72 * time.Hour
)

// DefaultConfigSearchPaths are checked, in order, when CONFIG_FILE is unset.
var DefaultConfigSearchPaths = []string{
	"./config.yaml",
	"./config.json",
	"/etc/wot-engine/config.yaml",
}

// Default returns a Config populated entirely with defaults.
func Default() *Config {
	return &Config{
		LogLevel:                  "info",
		DataDir:                   "./data",
		FCPAddr:                   ":9481",
		HTTPAddr:                  ":9482",
		RateLimitPerMinute:        DefaultRateLimitPerMinute,
		MaxBodySizeBytes:          DefaultMaxBodySizeBytes,
		ShutdownTimeout:           DefaultShutdownTimeout,
		FCPCommandsPerMinute:      DefaultFCPCommandsPerMinute,
		FetchRatePerMinute:        DefaultFetchRatePerMinute,
		QueueSoftLimit:            DefaultQueueSoftLimit,
		OwnIdentityInsertDebounce: DefaultOwnIdentityInsertDebounce,
		FetchRetryBackoff:         DefaultFetchRetryBackoff,
		InserterMaxBackoff:        DefaultInserterMaxBackoff,
		NotificationRetryDelay:    DefaultNotificationRetryDelay,
		NotificationMaxFailures:   DefaultNotificationMaxFailures,
		DefaultPuzzleCount:        DefaultPuzzleCount,
		ClientPuzzlePoolSize:      DefaultClientPuzzlePoolSize,
		MaxPuzzlesPerIdentityDay:  DefaultMaxPuzzlesPerIdentityDay,
		PuzzleValidity:            DefaultPuzzleValidity,
	}
}

// Load builds configuration following env > file > defaults precedence.
func Load() *Config {
	cfg := Default()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if fc, err := loadFile(path); err == nil {
			applyFile(cfg, fc)
		}
	}

	applyEnv(cfg)
	return cfg
}

func findConfigFile() string {
	for _, p := range DefaultConfigSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			if err := json.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("parse config (tried yaml and json): %w", err)
			}
		}
	}
	return &fc, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.FCPAddr != "" {
		cfg.FCPAddr = fc.FCPAddr
	}
	if fc.HTTPAddr != "" {
		cfg.HTTPAddr = fc.HTTPAddr
	}
	if fc.RateLimitPerMinute > 0 {
		cfg.RateLimitPerMinute = fc.RateLimitPerMinute
	}
	if fc.MaxBodySizeBytes > 0 {
		cfg.MaxBodySizeBytes = fc.MaxBodySizeBytes
	}
	if fc.FCPCommandsPerMinute > 0 {
		cfg.FCPCommandsPerMinute = fc.FCPCommandsPerMinute
	}
	if fc.FetchRatePerMinute > 0 {
		cfg.FetchRatePerMinute = fc.FetchRatePerMinute
	}
	if fc.QueueSoftLimit > 0 {
		cfg.QueueSoftLimit = fc.QueueSoftLimit
	}
	if fc.NotificationMaxFailures > 0 {
		cfg.NotificationMaxFailures = fc.NotificationMaxFailures
	}
	if fc.DefaultPuzzleCount > 0 {
		cfg.DefaultPuzzleCount = fc.DefaultPuzzleCount
	}
	if fc.ClientPuzzlePoolSize > 0 {
		cfg.ClientPuzzlePoolSize = fc.ClientPuzzlePoolSize
	}
	if fc.MaxPuzzlesPerIdentityDay > 0 {
		cfg.MaxPuzzlesPerIdentityDay = fc.MaxPuzzlesPerIdentityDay
	}

	applyDuration(fc.ShutdownTimeout, &cfg.ShutdownTimeout)
	applyDuration(fc.OwnIdentityInsertDebounce, &cfg.OwnIdentityInsertDebounce)
	applyDuration(fc.FetchRetryBackoff, &cfg.FetchRetryBackoff)
	applyDuration(fc.InserterMaxBackoff, &cfg.InserterMaxBackoff)
	applyDuration(fc.NotificationRetryDelay, &cfg.NotificationRetryDelay)
	applyDuration(fc.PuzzleValidity, &cfg.PuzzleValidity)
}

func applyDuration(raw string, dst *time.Duration) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FCP_ADDR"); v != "" {
		cfg.FCPAddr = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MAX_BODY_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodySizeBytes = n
		}
	}
	if v := os.Getenv("FCP_COMMANDS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FCPCommandsPerMinute = n
		}
	}
	if v := os.Getenv("FETCH_RATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FetchRatePerMinute = n
		}
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
}
