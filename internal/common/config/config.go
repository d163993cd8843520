// Package config provides configuration management for the deep-research
// supervisor. It supports loading configuration from environment variables,
// config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/msagent/deepresearch/internal/common/logger"
	"github.com/msagent/deepresearch/internal/events/bus"
	"github.com/msagent/deepresearch/internal/worker/llmconf"
)

// Config holds all configuration sections for the supervisor.
type Config struct {
	Server  ServerConfig               `mapstructure:"server"`
	NATS    bus.NATSConfig             `mapstructure:"nats"`
	Worker  WorkerConfig               `mapstructure:"worker"`
	LLM     llmconf.LLMConfig          `mapstructure:"llm"`
	Roles   llmconf.DeepResearchConfig `mapstructure:"roles"`
	Logging logger.LoggingConfig       `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WorkerConfig holds worker process configuration.
type WorkerConfig struct {
	// BinaryPath is the worker executable spawned per session.
	BinaryPath string `mapstructure:"binaryPath"`
	// ConfigPath is the engine configuration file passed to each worker.
	ConfigPath string `mapstructure:"configPath"`
	// OutputBaseDir is where per-session output directories are created.
	OutputBaseDir string `mapstructure:"outputBaseDir"`
	// RepoRoot, when set, is prepended to the worker's PATH.
	RepoRoot string `mapstructure:"repoRoot"`
	// StopTimeout is the graceful-exit grace period in seconds.
	StopTimeout int `mapstructure:"stopTimeout"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopTimeoutDuration returns the stop grace period as a time.Duration.
func (w *WorkerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(w.StopTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "deepresearch")
	v.SetDefault("nats.maxReconnects", 10)

	// Worker defaults
	v.SetDefault("worker.binaryPath", "dr-worker")
	v.SetDefault("worker.configPath", "")
	v.SetDefault("worker.outputBaseDir", "./output")
	v.SetDefault("worker.repoRoot", "")
	v.SetDefault("worker.stopTimeout", 5)

	// LLM defaults
	v.SetDefault("llm.provider", "modelscope")
	v.SetDefault("llm.model", "Qwen/Qwen3-235B-A22B-Instruct-2507")
	v.SetDefault("llm.base_url", "https://api-inference.modelscope.cn/v1/")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEEPRESEARCH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/deepresearch/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEEPRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs.
	_ = v.BindEnv("worker.binaryPath", "DEEPRESEARCH_WORKER_BINARY_PATH")
	_ = v.BindEnv("worker.configPath", "DEEPRESEARCH_WORKER_CONFIG_PATH")
	_ = v.BindEnv("worker.outputBaseDir", "DEEPRESEARCH_WORKER_OUTPUT_BASE_DIR")
	_ = v.BindEnv("worker.repoRoot", "DEEPRESEARCH_WORKER_REPO_ROOT")
	_ = v.BindEnv("llm.api_key", "DEEPRESEARCH_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.base_url", "DEEPRESEARCH_LLM_BASE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/deepresearch/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Worker.BinaryPath == "" {
		errs = append(errs, "worker.binaryPath is required")
	}
	if cfg.Worker.StopTimeout <= 0 {
		errs = append(errs, "worker.stopTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
