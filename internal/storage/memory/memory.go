// Package memory is the in-memory backend for every persistence
// capability internal/broker accepts: plain guarded maps satisfying
// broker.RetainBackend, broker.SessionBackend and broker.InflightBackend,
// so a deployment that wants the interface but not real persistence (e.g.
// a clustered broker sharing state only through TopicTree/SessionTable
// locality, not disk) can select "memory" explicitly in config instead of
// leaving every backend nil (spec.md §4 [EXPANDED]).
package memory

import (
	"sync"

	"github.com/pyr33x/goqttd/internal/broker"
)

// Retain is an explicit, selectable in-memory broker.RetainBackend. It
// behaves identically to broker.RetainStore's own unbacked map — choosing
// it over a nil backend only matters for config symmetry with the
// sqlite/redis/badger backends.
type Retain struct {
	mu      sync.RWMutex
	entries map[string]*broker.Message
}

func NewRetain() *Retain {
	return &Retain{entries: make(map[string]*broker.Message)}
}

func (r *Retain) Save(msg *broker.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[msg.Topic] = msg
	return nil
}

func (r *Retain) Delete(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, topic)
	return nil
}

func (r *Retain) LoadAll() ([]*broker.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*broker.Message, 0, len(r.entries))
	for _, m := range r.entries {
		out = append(out, m)
	}
	return out, nil
}

// Session is an explicit, selectable in-memory broker.SessionBackend.
type Session struct {
	mu    sync.RWMutex
	state map[string]*broker.SessionState
}

func NewSession() *Session {
	return &Session{state: make(map[string]*broker.SessionState)}
}

func (s *Session) Save(clientID string, state *broker.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[clientID] = state
	return nil
}

func (s *Session) Load(clientID string) (*broker.SessionState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.state[clientID]
	return state, ok, nil
}

func (s *Session) Delete(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, clientID)
	return nil
}

// Inflight is an explicit, selectable in-memory broker.InflightBackend.
type Inflight struct {
	mu      sync.RWMutex
	entries map[string][]*broker.InflightEntry
}

func NewInflight() *Inflight {
	return &Inflight{entries: make(map[string][]*broker.InflightEntry)}
}

func (i *Inflight) SaveAll(clientID string, entries []*broker.InflightEntry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[clientID] = entries
	return nil
}

func (i *Inflight) LoadAll(clientID string) ([]*broker.InflightEntry, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.entries[clientID], nil
}

func (i *Inflight) Clear(clientID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, clientID)
	return nil
}
