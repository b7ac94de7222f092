// Package config loads endpoint configuration from YAML and builds the
// logger it describes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the endpoint configuration file.
type Config struct {
	// Listen is the TCP listen address.
	Listen string `yaml:"listen"`

	// Advertise is the address published in the registry. Empty means the
	// listener's own address.
	Advertise string `yaml:"advertise"`

	// Workers is the worker pool size per connection; 0 picks the default.
	Workers int `yaml:"workers"`

	// Service is the name endpoints are registered and discovered under.
	Service string `yaml:"service"`

	// Balancer is the client-side strategy: round-robin, weighted-random
	// or consistent-hash.
	Balancer string `yaml:"balancer"`

	RateLimit RateLimit `yaml:"rate_limit"`
	Etcd      Etcd      `yaml:"etcd"`
	Log       Log       `yaml:"log"`
}

// RateLimit configures the inbound token bucket. A zero Rate disables it.
type RateLimit struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Etcd configures registry advertisement. No endpoints means no registry.
type Etcd struct {
	Endpoints []string `yaml:"endpoints"`
	TTL       int64    `yaml:"ttl"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:    ":7070",
		Advertise: "127.0.0.1:7070",
		Service:   "mini-jsonrpc",
		Balancer:  "round-robin",
		Etcd:      Etcd{TTL: 10},
		Log:       Log{Level: "info"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Workers < 0:
		return fmt.Errorf("config: workers must be >= 0, got %d", c.Workers)
	case c.Service == "":
		return errors.New("config: service must not be empty")
	case c.RateLimit.Rate < 0:
		return fmt.Errorf("config: rate_limit.rate must be >= 0, got %v", c.RateLimit.Rate)
	case c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1:
		return errors.New("config: rate_limit.burst must be >= 1 when a rate is set")
	case len(c.Etcd.Endpoints) > 0 && c.Etcd.TTL < 1:
		return fmt.Errorf("config: etcd.ttl must be >= 1, got %d", c.Etcd.TTL)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// Logger builds the configured logger. Output goes to stderr so a stdio
// endpoint keeps stdout for frames.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}
