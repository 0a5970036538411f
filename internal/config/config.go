// Package config loads the orchestra runtime's configuration: Redis
// connection, the oracle CLI executable and provider flags, the
// reconcile/heartbeat/instruction cadences, and log level/format.
// Grounded on the teacher's load-then-normalize-then-env-override shape
// (defaults -> YAML file -> environment overrides -> validation).
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// OracleConfig configures the oracle client. Transport selects between
// shelling out to a CLI ("cli", the default, per spec §6) and an
// embedded-model call through Genkit ("genkit").
type OracleConfig struct {
	Transport  string   `yaml:"transport"`
	Executable string   `yaml:"executable"`
	Provider   string   `yaml:"provider"`
	Model      string   `yaml:"model"`
	APIKeyEnv  string   `yaml:"api_key_env"`
	ExtraArgs  []string `yaml:"extra_args"`
	TimeoutSec int      `yaml:"timeout_seconds"`
}

// RedisConfig configures the shared state store connection.
type RedisConfig struct {
	Address         string `yaml:"address"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	DialTimeoutSec  int    `yaml:"dial_timeout_seconds"`
	ReadTimeoutSec  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSec int    `yaml:"write_timeout_seconds"`
}

// CronJob schedules a recurring reconcile nudge for a goal, supplementing
// the plain poll-interval loop.
type CronJob struct {
	GoalID     string `yaml:"goal_id"`
	Expression string `yaml:"expression"`
}

// Config is the top-level orchestra configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	InstructionsPath string `yaml:"instructions_path"`

	LoopIntervalSec       int `yaml:"loop_interval_seconds"`
	HeartbeatIntervalSec  int `yaml:"heartbeat_interval_seconds"`
	InstructionIntervalSec int `yaml:"instruction_interval_seconds"`
	PollIntervalSec       int `yaml:"poll_interval_seconds"`
	LeaseTTLSec           int `yaml:"lease_ttl_seconds"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "console"

	Redis  RedisConfig  `yaml:"redis"`
	Oracle OracleConfig `yaml:"oracle"`

	Cron []CronJob `yaml:"cron"`

	MetricsBindAddr string `yaml:"metrics_bind_addr"`
}

func defaultConfig() Config {
	return Config{
		LoopIntervalSec:        5,
		HeartbeatIntervalSec:   10,
		InstructionIntervalSec: 30,
		PollIntervalSec:        10,
		LeaseTTLSec:            90,
		LogLevel:               "info",
		LogFormat:              "console",
		Redis: RedisConfig{
			Address:         "127.0.0.1:6379",
			DialTimeoutSec:  5,
			ReadTimeoutSec:  3,
			WriteTimeoutSec: 3,
		},
		Oracle: OracleConfig{
			Transport:  "cli",
			Executable: "oracle",
			TimeoutSec: 120,
		},
		MetricsBindAddr: "127.0.0.1:9090",
	}
}

// HomeDir returns the orchestra home directory, overridable via
// ORCHESTRA_HOME, defaulting to ~/.orchestra.
func HomeDir() string {
	if override := os.Getenv("ORCHESTRA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestra")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the orchestra home directory (creating the
// directory if absent), applies environment overrides, and normalizes
// defaults. A missing config.yaml is not an error: the runtime proceeds
// with defaults plus whatever overrides are set.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create orchestra home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.InstructionsPath == "" {
		cfg.InstructionsPath = filepath.Join(cfg.HomeDir, "instructions.yaml")
	}
	if cfg.LoopIntervalSec <= 0 {
		cfg.LoopIntervalSec = 5
	}
	if cfg.HeartbeatIntervalSec <= 0 {
		cfg.HeartbeatIntervalSec = 10
	}
	if cfg.InstructionIntervalSec <= 0 {
		cfg.InstructionIntervalSec = 30
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 10
	}
	if cfg.LeaseTTLSec <= 0 {
		cfg.LeaseTTLSec = 90
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "127.0.0.1:6379"
	}
	if cfg.Oracle.Executable == "" {
		cfg.Oracle.Executable = "oracle"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ORCHESTRA_REDIS_ADDRESS"); raw != "" {
		cfg.Redis.Address = raw
	}
	if raw := os.Getenv("ORCHESTRA_REDIS_PASSWORD"); raw != "" {
		cfg.Redis.Password = raw
	}
	if raw := os.Getenv("ORCHESTRA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ORCHESTRA_LOG_FORMAT"); raw != "" {
		cfg.LogFormat = raw
	}
	if raw := os.Getenv("ORCHESTRA_INSTRUCTIONS_PATH"); raw != "" {
		cfg.InstructionsPath = raw
	}
	if raw := os.Getenv("ORCHESTRA_ORACLE_EXECUTABLE"); raw != "" {
		cfg.Oracle.Executable = raw
	}
	if raw := os.Getenv("ORCHESTRA_ORACLE_PROVIDER"); raw != "" {
		cfg.Oracle.Provider = raw
	}
	if raw := os.Getenv("ORCHESTRA_ORACLE_MODEL"); raw != "" {
		cfg.Oracle.Model = raw
	}
	if raw := os.Getenv("ORCHESTRA_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalSec = v
		}
	}
	if raw := os.Getenv("ORCHESTRA_LEASE_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LeaseTTLSec = v
		}
	}
}

// OracleArgs builds the provider/model/extra-args portion of the CLI
// argument vector passed through to each spawned agent, so every agent
// talks to the oracle the same way the coordinator does.
func (c Config) OracleArgs() []string {
	var args []string
	if c.Oracle.Provider != "" {
		args = append(args, "--provider", c.Oracle.Provider)
	}
	if c.Oracle.Model != "" {
		args = append(args, "--model", c.Oracle.Model)
	}
	args = append(args, c.Oracle.ExtraArgs...)
	return args
}

// Fingerprint returns a stable hash of the fields that affect runtime
// behavior, useful for logging what configuration a process started with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "redis=%s|oracle=%s/%s|loop=%d|hb=%d|instr=%d|poll=%d|lease=%d|log=%s/%s",
		c.Redis.Address, c.Oracle.Provider, c.Oracle.Model,
		c.LoopIntervalSec, c.HeartbeatIntervalSec, c.InstructionIntervalSec,
		c.PollIntervalSec, c.LeaseTTLSec, c.LogLevel, c.LogFormat)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DialTimeout/ReadTimeout/WriteTimeout return the configured Redis
// durations, defaulting sensibly when unset.
func (r RedisConfig) DialTimeout() time.Duration {
	return time.Duration(firstPositive(r.DialTimeoutSec, 5)) * time.Second
}

func (r RedisConfig) ReadTimeout() time.Duration {
	return time.Duration(firstPositive(r.ReadTimeoutSec, 3)) * time.Second
}

func (r RedisConfig) WriteTimeout() time.Duration {
	return time.Duration(firstPositive(r.WriteTimeoutSec, 3)) * time.Second
}

func firstPositive(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}
