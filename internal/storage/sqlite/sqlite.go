// Package sqlite persists a client's outbound in-flight QoS1/2 queue to a
// sqlite table, adapted from the session/file persistence idea in the
// pack's gonzalop-mq client, so MessageStore state survives a broker
// process restart (spec.md §4 [EXPANDED], C3 MessageStore
// implementations).
package sqlite

import (
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/pkg/er"
)

// Inflight is a broker.InflightBackend backed by database/sql + the
// mattn/go-sqlite3 driver.
type Inflight struct {
	db *sql.DB
}

// NewInflight opens (and migrates, if needed) the in-flight table on db.
// The caller owns db's lifecycle.
func NewInflight(db *sql.DB) (*Inflight, error) {
	const schema = `CREATE TABLE IF NOT EXISTS inflight (
		client_id TEXT NOT NULL PRIMARY KEY,
		entries   BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, &er.Err{Context: "sqlite.NewInflight", Message: err}
	}
	return &Inflight{db: db}, nil
}

func (i *Inflight) SaveAll(clientID string, entries []*broker.InflightEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return &er.Err{Context: "sqlite.Inflight.SaveAll", Message: err}
	}
	_, err = i.db.Exec(
		`INSERT INTO inflight (client_id, entries) VALUES (?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET entries = excluded.entries`,
		clientID, data,
	)
	if err != nil {
		return &er.Err{Context: "sqlite.Inflight.SaveAll", Message: err}
	}
	return nil
}

func (i *Inflight) LoadAll(clientID string) ([]*broker.InflightEntry, error) {
	var data []byte
	err := i.db.QueryRow(`SELECT entries FROM inflight WHERE client_id = ?`, clientID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &er.Err{Context: "sqlite.Inflight.LoadAll", Message: err}
	}
	var entries []*broker.InflightEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &er.Err{Context: "sqlite.Inflight.LoadAll", Message: err}
	}
	return entries, nil
}

func (i *Inflight) Clear(clientID string) error {
	_, err := i.db.Exec(`DELETE FROM inflight WHERE client_id = ?`, clientID)
	if err != nil {
		return &er.Err{Context: "sqlite.Inflight.Clear", Message: err}
	}
	return nil
}
