package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "kessler.db"
	defaultWorkers        = 4
	defaultPollInterval   = 100 * time.Millisecond
	defaultLeaseDuration  = 5 * time.Minute
	defaultStaleThreshold = 30 * time.Minute
	defaultReconcileEvery = "@every 1m"
	defaultMaxRetries     = 3
	defaultResultDir      = "results"

	envConfigFile  = "KESSLER_CONFIG"
	envListenAddr  = "KESSLER_LISTEN_ADDR"
	envDBPath      = "KESSLER_DB_PATH"
	envLogLevel    = "KESSLER_LOG_LEVEL"
	envWorkers     = "KESSLER_WORKERS"
	envAutoRetry   = "KESSLER_AUTO_RETRY"
	envMaxRetries  = "KESSLER_MAX_RETRIES"
	envResultDir   = "KESSLER_RESULT_DIR"
	envLaunchFile  = "KESSLER_LAUNCH_FILE"
	envReconcileAt = "KESSLER_RECONCILE_EVERY"
)

// Duration wraps time.Duration so YAML values like "5m" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds application configuration. Values come from an optional YAML
// file, overridden by environment variables.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	DBPath     string     `yaml:"db_path"`
	LogLevel   slog.Level `yaml:"-"`

	Workers        int      `yaml:"workers"`
	PollInterval   Duration `yaml:"poll_interval"`
	LeaseDuration  Duration `yaml:"lease_duration"`
	StaleThreshold Duration `yaml:"stale_threshold"`
	ReconcileEvery string   `yaml:"reconcile_every"`

	AutoRetryOnFailure bool `yaml:"auto_retry_on_failure"`
	MaxRetries         int  `yaml:"max_retries"`

	ResultDir  string `yaml:"result_dir"`
	LaunchFile string `yaml:"launch_file"`

	LogLevelName string `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		Workers:        defaultWorkers,
		PollInterval:   Duration(defaultPollInterval),
		LeaseDuration:  Duration(defaultLeaseDuration),
		StaleThreshold: Duration(defaultStaleThreshold),
		ReconcileEvery: defaultReconcileEvery,
		MaxRetries:     defaultMaxRetries,
		ResultDir:      defaultResultDir,
	}
}

// Load reads configuration from the YAML file named by KESSLER_CONFIG (if
// set) and then applies environment variable overrides.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		if cfg.LogLevelName != "" {
			cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv(envAutoRetry); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoRetryOnFailure = b
		}
	}
	if v := os.Getenv(envMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv(envResultDir); v != "" {
		cfg.ResultDir = v
	}
	if v := os.Getenv(envLaunchFile); v != "" {
		cfg.LaunchFile = v
	}
	if v := os.Getenv(envReconcileAt); v != "" {
		cfg.ReconcileEvery = v
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
