package broker

import (
	"strings"
	"sync"
)

// RetainStore is C1: a topic-name → retained Message map with
// filter-matching for delivery at subscribe time (spec.md §4.1).
type RetainStore struct {
	mu      sync.RWMutex
	entries map[string]*Message
	backend RetainBackend // optional, nil means in-memory only
}

// NewRetainStore builds a RetainStore, loading any previously persisted
// entries from backend if one is supplied (spec.md §4 [EXPANDED], C1
// RetainStore implementations). Pass nil for the default pure-in-memory
// behavior.
func NewRetainStore(backend RetainBackend) *RetainStore {
	r := &RetainStore{entries: make(map[string]*Message), backend: backend}
	if backend != nil {
		if loaded, err := backend.LoadAll(); err == nil {
			for _, msg := range loaded {
				r.entries[msg.Topic] = msg
			}
		}
	}
	return r
}

// Insert stores msg under msg.Topic. An empty payload erases the entry
// instead, per the retained-message protocol (spec.md §4.6.2). Returns the
// entry that was replaced or removed, if any.
func (r *RetainStore) Insert(msg *Message) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.entries[msg.Topic]
	if len(msg.Payload) == 0 {
		delete(r.entries, msg.Topic)
		if r.backend != nil {
			_ = r.backend.Delete(msg.Topic)
		}
		return prev
	}
	r.entries[msg.Topic] = msg
	if r.backend != nil {
		_ = r.backend.Save(msg)
	}
	return prev
}

func (r *RetainStore) Remove(topic string) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[topic]
	if !ok {
		return nil
	}
	delete(r.entries, topic)
	if r.backend != nil {
		_ = r.backend.Delete(topic)
	}
	return prev
}

// MatchFilter returns every retained message whose topic matches filter,
// applying the standard MQTT wildcard rules and excluding "$"-prefixed
// topics unless filter itself starts with "$" (spec.md §4.1).
func (r *RetainStore) MatchFilter(filter string) []*Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filterLevels := splitLevels(filter)
	var matches []*Message
	for topic, msg := range r.entries {
		if strings.HasPrefix(topic, "$") && !strings.HasPrefix(filter, "$") {
			continue
		}
		if topicMatchesLevels(splitLevels(topic), filterLevels) {
			matches = append(matches, msg)
		}
	}
	return matches
}

func (r *RetainStore) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func splitLevels(topic string) []string {
	return strings.Split(topic, "/")
}

// topicMatchesLevels implements MQTT topic matching for an already-split
// topic name against a split filter: "+" matches exactly one level, "#"
// (only legal as the final filter level) matches zero or more trailing
// levels.
func topicMatchesLevels(topicLevels, filterLevels []string) bool {
	ti, fi := 0, 0
	for fi < len(filterLevels) {
		level := filterLevels[fi]
		if level == "#" {
			return true
		}
		if ti >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[ti] {
			return false
		}
		ti++
		fi++
	}
	return ti == len(topicLevels)
}
