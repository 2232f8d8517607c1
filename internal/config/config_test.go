package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: goqttd
server:
  port: "1883"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.MaxConnections != 1000 {
		t.Errorf("expected default MaxConnections 1000, got %d", cfg.Server.MaxConnections)
	}
}

func TestLoadRequiresPort(t *testing.T) {
	path := writeConfig(t, `
name: goqttd
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when server.port is missing")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadEnvOverridesFileValue(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "1883"
log:
  level: info
`)
	t.Setenv("GOQTTD_PORT", "8883")
	t.Setenv("GOQTTD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "8883" {
		t.Errorf("expected env override to win, got port %q", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected env override to win, got log level %q", cfg.Log.Level)
	}
}

func TestLoadParsesTransportToggles(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "1883"
  tls:
    addr: "8883"
    cert_file: cert.pem
    key_file: key.pem
  websocket:
    addr: "8080"
    path: /mqtt
storage:
  retain: redis
  redis_addr: "localhost:6379"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.CertFile != "cert.pem" {
		t.Fatalf("expected TLS config to parse, got %+v", cfg.Server.TLS)
	}
	if cfg.Server.WS == nil || cfg.Server.WS.Path != "/mqtt" {
		t.Fatalf("expected WS config to parse, got %+v", cfg.Server.WS)
	}
	if cfg.Server.QUIC != nil {
		t.Error("expected QUIC config to stay nil when absent from yaml")
	}
	if cfg.Storage.Retain != "redis" || cfg.Storage.RedisAddr != "localhost:6379" {
		t.Errorf("expected storage.retain to parse as redis, got %+v", cfg.Storage)
	}
}
