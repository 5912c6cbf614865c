// Package config loads companion client and daemon settings from YAML.
//
// Fields left out of the file keep their Default values; command-line flags
// are applied on top by the binaries.
package config

import (
	"companion-rpc/codec"
	"companion-rpc/loadbalance"
	"companion-rpc/transport"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Client settings.
	Host      string  `yaml:"host"`
	Port      int     `yaml:"port"`
	UDID      *string `yaml:"udid,omitempty"` // nil means no target; "" is a target
	Proxied   bool    `yaml:"proxied"`
	Transport string  `yaml:"transport"` // framed or grpc
	Codec     string  `yaml:"codec"`     // json, binary or cbor

	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Registry  RegistryConfig  `yaml:"registry"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type TimeoutsConfig struct {
	Dial      time.Duration `yaml:"dial"`
	Call      time.Duration `yaml:"call"` // 0 disables the per-call timeout
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// RateLimitConfig bounds outgoing calls per second. Zero disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type RegistryConfig struct {
	Endpoints []string `yaml:"endpoints"` // etcd endpoints; empty disables discovery
	Balancer  string   `yaml:"balancer"`  // round_robin, weighted_random or consistent_hash
	TTL       int64    `yaml:"ttl"`       // lease seconds for advertised companions
}

// ServerConfig is read by companiond.
type ServerConfig struct {
	FramedAddr      string        `yaml:"framed_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"` // empty disables gRPC serving
	AdvertiseHost   string        `yaml:"advertise_host"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsAddr     string        `yaml:"metrics_addr"` // empty disables /metrics
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Host:      "localhost",
		Port:      10882,
		Transport: string(transport.KindFramed),
		Codec:     "json",
		Timeouts: TimeoutsConfig{
			Dial:      5 * time.Second,
			Heartbeat: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Balancer: "round_robin",
			TTL:      10,
		},
		Server: ServerConfig{
			FramedAddr:      ":10882",
			GRPCAddr:        ":10883",
			AdvertiseHost:   "127.0.0.1",
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is empty"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := transport.ParseKind(c.Transport); err != nil {
		errs = append(errs, err)
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.Timeouts.Dial < 0 || c.Timeouts.Call < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	} else if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.burst must be at least 1 when per_second is set"))
	}
	if c.Registry.Balancer != "consistent_hash" {
		if _, ok := loadbalance.ByName(c.Registry.Balancer); !ok {
			errs = append(errs, fmt.Errorf("unknown balancer %q", c.Registry.Balancer))
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Balancer returns the configured balancer. consistent_hash is keyed by udid.
func (c *Config) Balancer(udid string) loadbalance.Balancer {
	if c.Registry.Balancer == "consistent_hash" {
		return loadbalance.ForKey(loadbalance.NewConsistentHashBalancer(), udid)
	}
	bal, _ := loadbalance.ByName(c.Registry.Balancer)
	return bal
}

// Build returns a zap logger at the configured level.
func (l LogConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
