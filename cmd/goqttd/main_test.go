package main

import (
	"path/filepath"
	"testing"

	"github.com/pyr33x/goqttd/internal/config"
)

func TestBuildBackendsDefaultsToInMemory(t *testing.T) {
	backends, closeAll, err := buildBackends(config.Config{})
	defer closeAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backends.Retain != nil || backends.Session != nil || backends.Inflight != nil {
		t.Errorf("expected all backends nil when no storage is configured, got %+v", backends)
	}
}

func TestBuildBackendsWiresSqliteInflight(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "inflight.db")
	cfg := config.Config{Storage: config.Storage{Inflight: "sqlite", InflightDB: dbPath}}

	backends, closeAll, err := buildBackends(cfg)
	defer closeAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backends.Inflight == nil {
		t.Fatal("expected a sqlite-backed Inflight backend to be wired")
	}
}

func TestBuildBackendsWiresBadgerSession(t *testing.T) {
	cfg := config.Config{Storage: config.Storage{Session: "badger", BadgerDir: t.TempDir()}}

	backends, closeAll, err := buildBackends(cfg)
	defer closeAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if backends.Session == nil {
		t.Fatal("expected a badger-backed Session backend to be wired")
	}
}

func TestBuildBackendsReturnsErrorOnUnopenableBadgerDir(t *testing.T) {
	cfg := config.Config{Storage: config.Storage{Session: "badger", BadgerDir: "/nonexistent/path/that/cannot/be/created/because/parent/is/a/file"}}

	_, closeAll, err := buildBackends(cfg)
	defer closeAll()
	if err == nil {
		t.Fatal("expected an error opening badger under an invalid directory")
	}
}
