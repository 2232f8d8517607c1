package sqlite

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pyr33x/goqttd/internal/broker"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInflightSaveLoadClear(t *testing.T) {
	db := openTestDB(t)
	inflight, err := NewInflight(db)
	if err != nil {
		t.Fatalf("NewInflight: %v", err)
	}

	entries := []*broker.InflightEntry{
		{PacketID: 1, Message: &broker.Message{Topic: "a/b"}},
		{PacketID: 2, Message: &broker.Message{Topic: "c/d"}},
	}
	if err := inflight.SaveAll("client-a", entries); err != nil {
		t.Fatalf("SaveAll: %v", err)
	}

	loaded, err := inflight.LoadAll("client-a")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Message.Topic != "a/b" {
		t.Fatalf("expected 2 round-tripped entries, got %+v", loaded)
	}
}

func TestInflightSaveAllUpserts(t *testing.T) {
	db := openTestDB(t)
	inflight, _ := NewInflight(db)

	inflight.SaveAll("client-a", []*broker.InflightEntry{{PacketID: 1}})
	inflight.SaveAll("client-a", []*broker.InflightEntry{{PacketID: 2}, {PacketID: 3}})

	loaded, err := inflight.LoadAll("client-a")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected the second SaveAll to replace the first, got %d entries", len(loaded))
	}
}

func TestInflightLoadAllMissingClientReturnsNil(t *testing.T) {
	db := openTestDB(t)
	inflight, _ := NewInflight(db)

	loaded, err := inflight.LoadAll("unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for an unknown client, got %v", loaded)
	}
}

func TestInflightClear(t *testing.T) {
	db := openTestDB(t)
	inflight, _ := NewInflight(db)
	inflight.SaveAll("client-a", []*broker.InflightEntry{{PacketID: 1}})

	if err := inflight.Clear("client-a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	loaded, err := inflight.LoadAll("client-a")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected no entries after Clear, got %v", loaded)
	}
}
