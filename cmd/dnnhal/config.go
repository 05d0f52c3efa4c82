package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "DNNHAL_CONFIG"

// Config represents the dnnhal configuration file (~/.config/dnnhal/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Driver
	Workers       *int64 `yaml:"workers"`
	QueueDepth    *int64 `yaml:"queue_depth"`
	KernelThreads *int64 `yaml:"kernel_threads"`
	Quantization  string `yaml:"quantization"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress    string         `yaml:"server_address"`
	ReadTimeout      *time.Duration `yaml:"read_timeout"`
	ExecutionHistory *int64         `yaml:"execution_history"`
}

func configPath() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dnnhal", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or cannot be parsed.
func LoadConfig() Config {
	cfg, err := readConfig(configPath())
	if err != nil {
		return Config{}
	}
	return cfg
}

func readConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyDriverConfig applies config file defaults to driver flags that
// were not explicitly set.
func applyDriverConfig(c *cli.Command, cfg Config, o *driverOptions) {
	if cfg.Workers != nil && !c.IsSet("workers") {
		o.workers = *cfg.Workers
	}
	if cfg.QueueDepth != nil && !c.IsSet("queue-depth") {
		o.queueDepth = *cfg.QueueDepth
	}
	if cfg.KernelThreads != nil && !c.IsSet("kernel-threads") {
		o.kernelThreads = *cfg.KernelThreads
	}
	if cfg.Quantization != "" && !c.IsSet("quantization") {
		o.quant = cfg.Quantization
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, readTimeout *time.Duration, history *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.ReadTimeout != nil && !c.IsSet("read-timeout") {
		*readTimeout = *cfg.ReadTimeout
	}
	if cfg.ExecutionHistory != nil && !c.IsSet("history") {
		*history = *cfg.ExecutionHistory
	}
}
