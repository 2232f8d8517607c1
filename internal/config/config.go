// Package config loads the daemon's config.yml the same way the teacher's
// cmd/goqtt/main.go did (gopkg.in/yaml.v3, flat struct), extended with
// GOQTTD_* environment-variable overrides for anything secret-shaped
// (credentials, DSNs) and with toggles for the optional transports and
// storage backends SPEC_FULL.md §6 adds.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Name    string  `yaml:"name"`
	Version string  `yaml:"version"`
	Server  Server  `yaml:"server"`
	Log     Log     `yaml:"log"`
	Storage Storage `yaml:"storage"`
}

type Server struct {
	Port   string `yaml:"port"`
	AuthDB string `yaml:"auth_db"`

	TLS *TLSConfig `yaml:"tls"`
	WS  *WSConfig  `yaml:"websocket"`
	QUIC *QUICConfig `yaml:"quic"`

	MaxConnections int `yaml:"max_connections"`
}

type TLSConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type WSConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

type QUICConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type Log struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// Storage selects which backend satisfies each of broker's optional
// persistence capabilities. A blank field installs no backend at all, so
// that state stays in process only, the same as with "memory".
type Storage struct {
	Retain     string `yaml:"retain"`      // "memory" | "redis"
	RedisAddr  string `yaml:"redis_addr"`
	Session    string `yaml:"session"`     // "memory" | "badger"
	BadgerDir  string `yaml:"badger_dir"`
	Inflight   string `yaml:"inflight"`    // "memory" | "sqlite"
	InflightDB string `yaml:"inflight_db"`
}

// Load reads path, parses it as yaml, then applies GOQTTD_*
// environment-variable overrides on top — the same precedence order
// (file, then env) every pack repo with an env-override layer uses.
func Load(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)

	if cfg.Server.Port == "" {
		return cfg, fmt.Errorf("config: server.port is required")
	}
	if cfg.Server.MaxConnections <= 0 {
		cfg.Server.MaxConnections = 1000
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Server.Port, "GOQTTD_PORT")
	overrideString(&cfg.Server.AuthDB, "GOQTTD_AUTH_DB")
	overrideString(&cfg.Log.Level, "GOQTTD_LOG_LEVEL")
	overrideString(&cfg.Storage.RedisAddr, "GOQTTD_REDIS_ADDR")
	overrideString(&cfg.Storage.BadgerDir, "GOQTTD_BADGER_DIR")
	overrideString(&cfg.Storage.InflightDB, "GOQTTD_INFLIGHT_DB")
}

func overrideString(dst *string, envVar string) {
	if v, ok := os.LookupEnv(envVar); ok && v != "" {
		*dst = v
	}
}
