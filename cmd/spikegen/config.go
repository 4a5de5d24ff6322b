package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the spikegen configuration file (~/.config/spikegen/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	OutputDir *string `yaml:"output_dir"`

	// Tuning store
	Store     *string `yaml:"store"`
	StorePath *string `yaml:"store_path"`

	// Backend
	NvccPath   *string `yaml:"nvcc_path"`
	NvccFlags  *string `yaml:"nvcc_flags"`
	Optimize   *bool   `yaml:"optimize"`
	Debug      *bool   `yaml:"debug"`
	AutoDevice *bool   `yaml:"auto_device"`
	DeviceFile *string `yaml:"device_file"`

	// Output
	LogLevel  *string `yaml:"log_level"`
	LogFormat *string `yaml:"log_format"`

	// Server
	ServerAddress *string  `yaml:"server_address"`
	RateLimit     *float64 `yaml:"rate_limit"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "spikegen", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
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
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func setString(c *cli.Command, flag string, v *string, dst *string) {
	if v != nil && !c.IsSet(flag) {
		*dst = *v
	}
}

func setBool(c *cli.Command, flag string, v *bool, dst *bool) {
	if v != nil && !c.IsSet(flag) {
		*dst = *v
	}
}

// applyLoggingConfig applies config file defaults to the logging flags
// when they were not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	setString(c, "log-level", cfg.LogLevel, &logLevel)
	setString(c, "log-format", cfg.LogFormat, &logFormat)
}

// applyRunConfig applies config file defaults to the generate and tune
// flags.
func applyRunConfig(c *cli.Command, cfg Config) {
	setString(c, "out", cfg.OutputDir, &outDir)
	setString(c, "store", cfg.Store, &storeKind)
	setString(c, "store-path", cfg.StorePath, &storePath)
	setString(c, "nvcc", cfg.NvccPath, &nvccPath)
	setString(c, "nvcc-flags", cfg.NvccFlags, &nvccFlags)
	setBool(c, "optimize", cfg.Optimize, &optimizeCode)
	setBool(c, "debug-code", cfg.Debug, &debugCode)
	setBool(c, "auto-device", cfg.AutoDevice, &autoDevice)
	setString(c, "device-file", cfg.DeviceFile, &deviceFile)
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rateLimit *float64) {
	applyRunConfig(c, cfg)
	setString(c, "addr", cfg.ServerAddress, addr)
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		*rateLimit = *cfg.RateLimit
	}
}
