// Package badger persists SessionTable's orphaned session snapshots to an
// embedded badger KV store, grounded in the pack's haivivi-giztoy use of
// badger as embedded storage, so a clean_start=false reconnect can recover
// subscriptions and server_packet_id across a broker process restart, not
// just a TCP reconnect (spec.md §4 [EXPANDED], C4 SessionTable).
package badger

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/pkg/er"
)

// Session is a broker.SessionBackend backed by a *badger.DB.
type Session struct {
	db *badger.DB
}

// Open starts (or recovers) a badger database rooted at dir. The caller is
// responsible for calling Close on shutdown.
func Open(dir string) (*Session, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, &er.Err{Context: "badger.Open", Message: err}
	}
	return &Session{db: db}, nil
}

func (s *Session) Close() error {
	return s.db.Close()
}

func (s *Session) Save(clientID string, state *broker.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return &er.Err{Context: "badger.Session.Save", Message: err}
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(clientID), data)
	})
}

func (s *Session) Load(clientID string) (*broker.SessionState, bool, error) {
	var state broker.SessionState
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(clientID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if err != nil {
		return nil, false, &er.Err{Context: "badger.Session.Load", Message: err}
	}
	if !found {
		return nil, false, nil
	}
	return &state, true, nil
}

func (s *Session) Delete(clientID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(clientID))
	})
}
