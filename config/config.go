// Package config loads server settings from a YAML file merged over defaults,
// then applies FNRPC_* environment overrides.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddress     string
	AdvertiseAddress  string
	GatewayAddress    string // empty disables the HTTP gateway
	MetricsAddress    string // empty disables /metrics
	BufferSize        int
	SinkSize          int
	DefaultDefinition string
	Timeout           time.Duration // zero disables the timeout middleware
	RateLimit         float64       // requests per second, zero disables
	RateBurst         int
	EtcdEndpoints     []string // empty selects the in-memory registry
	RegistryTTL       int64
	ShutdownTimeout   time.Duration
	LogLevel          string
	LogDevelopment    bool
}

func DefaultConfig() Config {
	return Config{
		ListenAddress:   ":9090",
		GatewayAddress:  ":8081",
		MetricsAddress:  ":9100",
		BufferSize:      4096,
		SinkSize:        32,
		Timeout:         30 * time.Second,
		RateBurst:       100,
		RegistryTTL:     10,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
	}
}

type FileConfig struct {
	Server   FileServerConfig   `yaml:"server"`
	Registry FileRegistryConfig `yaml:"registry"`
	Log      FileLogConfig      `yaml:"log"`
}

type FileServerConfig struct {
	ListenAddress     string         `yaml:"listenAddress"`
	AdvertiseAddress  string         `yaml:"advertiseAddress"`
	GatewayAddress    *string        `yaml:"gatewayAddress"`
	MetricsAddress    *string        `yaml:"metricsAddress"`
	BufferSize        int            `yaml:"bufferSize"`
	SinkSize          int            `yaml:"sinkSize"`
	DefaultDefinition string         `yaml:"defaultDefinition"`
	Timeout           *time.Duration `yaml:"timeout"`
	RateLimit         float64        `yaml:"rateLimit"`
	RateBurst         int            `yaml:"rateBurst"`
	ShutdownTimeout   time.Duration  `yaml:"shutdownTimeout"`
}

type FileRegistryConfig struct {
	EtcdEndpoints []string `yaml:"etcdEndpoints"`
	TTL           int64    `yaml:"ttl"`
}

type FileLogConfig struct {
	Level       string `yaml:"level"`
	Development *bool  `yaml:"development"`
}

// LoadFromPath reads configPath, or configs/config.yaml when it is empty. A
// missing default file yields the defaults; a missing or invalid explicit
// file is an error.
func LoadFromPath(configPath string) (Config, error) {
	cfg := DefaultConfig()

	path := configPath
	if path == "" {
		path = "configs/config.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, err
		}
		Merge(&cfg, parsed)
	case configPath != "" || !errors.Is(err, os.ErrNotExist):
		return cfg, err
	}

	ApplyEnvOverrides(&cfg)
	return cfg, nil
}

// Merge copies every field set in src over dst.
func Merge(dst *Config, src FileConfig) {
	s := src.Server
	if s.ListenAddress != "" {
		dst.ListenAddress = s.ListenAddress
	}
	if s.AdvertiseAddress != "" {
		dst.AdvertiseAddress = s.AdvertiseAddress
	}
	if s.GatewayAddress != nil {
		dst.GatewayAddress = *s.GatewayAddress
	}
	if s.MetricsAddress != nil {
		dst.MetricsAddress = *s.MetricsAddress
	}
	if s.BufferSize != 0 {
		dst.BufferSize = s.BufferSize
	}
	if s.SinkSize != 0 {
		dst.SinkSize = s.SinkSize
	}
	if s.DefaultDefinition != "" {
		dst.DefaultDefinition = s.DefaultDefinition
	}
	if s.Timeout != nil {
		dst.Timeout = *s.Timeout
	}
	if s.RateLimit != 0 {
		dst.RateLimit = s.RateLimit
	}
	if s.RateBurst != 0 {
		dst.RateBurst = s.RateBurst
	}
	if s.ShutdownTimeout != 0 {
		dst.ShutdownTimeout = s.ShutdownTimeout
	}

	if src.Registry.EtcdEndpoints != nil {
		dst.EtcdEndpoints = src.Registry.EtcdEndpoints
	}
	if src.Registry.TTL != 0 {
		dst.RegistryTTL = src.Registry.TTL
	}

	if src.Log.Level != "" {
		dst.LogLevel = src.Log.Level
	}
	if src.Log.Development != nil {
		dst.LogDevelopment = *src.Log.Development
	}
}

// ApplyEnvOverrides applies FNRPC_* variables. Unparsable values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := env("FNRPC_LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := env("FNRPC_ADVERTISE"); v != "" {
		cfg.AdvertiseAddress = v
	}
	if v, ok := os.LookupEnv("FNRPC_GATEWAY"); ok {
		cfg.GatewayAddress = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("FNRPC_METRICS"); ok {
		cfg.MetricsAddress = strings.TrimSpace(v)
	}
	if v := env("FNRPC_DEFAULT_DEFINITION"); v != "" {
		cfg.DefaultDefinition = v
	}
	if v := env("FNRPC_ETCD_ENDPOINTS"); v != "" {
		cfg.EtcdEndpoints = splitList(v)
	}
	if v := env("FNRPC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if d, err := time.ParseDuration(env("FNRPC_TIMEOUT")); err == nil {
		cfg.Timeout = d
	}
	if f, err := strconv.ParseFloat(env("FNRPC_RATE_LIMIT"), 64); err == nil {
		cfg.RateLimit = f
	}
	if b, err := strconv.ParseBool(env("FNRPC_LOG_DEVELOPMENT")); err == nil {
		cfg.LogDevelopment = b
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
