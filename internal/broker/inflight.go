package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/pyr33x/goqttd/pkg/er"
)

// ErrQueueFull is an alias kept for readability at call sites; the
// sentinel itself lives in pkg/er alongside the rest of the broker's
// error vocabulary.
var ErrQueueFull = er.ErrMessageStoreFull

// InflightState is where one outbound or inbound QoS>0 exchange currently
// sits in its handshake (spec.md §3, InflightEntry).
type InflightState int

const (
	AwaitingPuback InflightState = iota
	AwaitingPubrec
	AwaitingPubcomp
	AwaitingPubrel
)

// InflightEntry is one packet-id's worth of in-flight QoS bookkeeping,
// kept until its handshake completes or it exceeds MaxRetransmissions
// (spec.md §4.3).
type InflightEntry struct {
	PacketID     uint16
	State        InflightState
	Message      *Message
	FirstSentAt  time.Time
	RetryCount   int
	SubscribeQoS byte
}

const (
	DefaultQueueCapacity    = 102_400
	DefaultRetryWindow      = 30 * time.Second
	MaxRetransmissions      = 3
	qos2ReceivedTTL         = 5 * time.Minute
	qos2ReceivedSweepPeriod = 1 * time.Minute
)

// clientQueue is one client's outbound in-flight table. The inbound QoS2
// "received, not yet released" set is kept separately, in MessageStore.qos2In.
type clientQueue struct {
	mu       sync.Mutex
	outbound map[uint16]*InflightEntry
}

// MessageStore is C3: per-client bounded outbound in-flight queues plus
// inbound QoS2 dedup, grounded on the teacher's qos.go retry-ticker shape
// but reworked around spec.md §4.3's explicit pending_messages() pull model
// instead of a background goroutine driving retransmission itself.
type MessageStore struct {
	mu      sync.RWMutex
	clients map[string]*clientQueue

	// qos2In tracks inbound QoS2 PUBLISH payloads between PUBREC and
	// PUBREL, keyed "clientID/packetID", so a duplicate PUBLISH before
	// PUBREL is recognized and re-acked without re-storing (spec.md §4.6.2).
	qos2In *cache.Cache

	capacity    int
	retryWindow time.Duration
	maxRetries  int
	clk         clock
	backend     InflightBackend // optional, nil means in-memory only
}

// NewMessageStore builds a MessageStore. backend may be nil for the
// default pure-in-memory behavior, or a persistence hook so in-flight
// state survives a broker process restart (spec.md §4 [EXPANDED], C3
// MessageStore implementations).
func NewMessageStore(backend InflightBackend) *MessageStore {
	return &MessageStore{
		clients:     make(map[string]*clientQueue),
		qos2In:      cache.New(qos2ReceivedTTL, qos2ReceivedSweepPeriod),
		capacity:    DefaultQueueCapacity,
		retryWindow: DefaultRetryWindow,
		maxRetries:  MaxRetransmissions,
		clk:         realClock{},
		backend:     backend,
	}
}

func qos2Key(clientID string, packetID uint16) string {
	return fmt.Sprintf("%s/%d", clientID, packetID)
}

func (s *MessageStore) queueFor(clientID string) *clientQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.clients[clientID]
	if !ok {
		q = &clientQueue{outbound: make(map[uint16]*InflightEntry)}
		if s.backend != nil {
			if entries, err := s.backend.LoadAll(clientID); err == nil {
				for _, e := range entries {
					q.outbound[e.PacketID] = e
				}
			}
		}
		s.clients[clientID] = q
	}
	return q
}

// persistLocked snapshots q's current outbound table to the backend. Callers
// must hold q.mu.
func (s *MessageStore) persistLocked(clientID string, q *clientQueue) {
	if s.backend == nil {
		return
	}
	snapshot := make([]*InflightEntry, 0, len(q.outbound))
	for _, e := range q.outbound {
		snapshot = append(snapshot, e)
	}
	_ = s.backend.SaveAll(clientID, snapshot)
}

// SaveOutboundPublish registers a freshly sent QoS1/2 PUBLISH as in-flight.
// Returns ErrQueueFull if the client is already at capacity (spec.md §4.3).
func (s *MessageStore) SaveOutboundPublish(clientID string, entry *InflightEntry) error {
	q := s.queueFor(clientID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.outbound) >= s.capacity {
		return &er.Err{Context: "MessageStore.SaveOutboundPublish", Message: ErrQueueFull}
	}
	entry.FirstSentAt = s.clk.Now()
	q.outbound[entry.PacketID] = entry
	s.persistLocked(clientID, q)
	return nil
}

// Puback completes a QoS1 outbound exchange.
func (s *MessageStore) Puback(clientID string, packetID uint16) bool {
	q := s.queueFor(clientID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.outbound[packetID]; !ok {
		return false
	}
	delete(q.outbound, packetID)
	s.persistLocked(clientID, q)
	return true
}

// Pubrec advances a QoS2 outbound exchange to AwaitingPubcomp.
func (s *MessageStore) Pubrec(clientID string, packetID uint16) bool {
	q := s.queueFor(clientID)
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.outbound[packetID]
	if !ok {
		return false
	}
	entry.State = AwaitingPubcomp
	entry.RetryCount = 0
	entry.FirstSentAt = s.clk.Now()
	s.persistLocked(clientID, q)
	return true
}

// Pubcomp completes a QoS2 outbound exchange.
func (s *MessageStore) Pubcomp(clientID string, packetID uint16) bool {
	return s.Puback(clientID, packetID) // same shape: remove by packet id
}

// SaveIncomingQoS2 records an inbound QoS2 PUBLISH awaiting PUBREL.
// duplicate is true if this packet id was already recorded, in which case
// the caller must re-send PUBREC without re-delivering the payload
// (spec.md §4.6.2 idempotence).
func (s *MessageStore) SaveIncomingQoS2(clientID string, packetID uint16, msg *Message) (duplicate bool) {
	key := qos2Key(clientID, packetID)
	if _, ok := s.qos2In.Get(key); ok {
		return true
	}
	s.qos2In.Set(key, msg, cache.DefaultExpiration)
	return false
}

// PubrelInbound resolves an inbound QoS2 handshake: it returns the stored
// PUBLISH message exactly once (so the caller can dispatch it) and clears
// the dedup entry, for the PUBREL -> PUBCOMP step (spec.md §4.6.2, §4.3).
func (s *MessageStore) PubrelInbound(clientID string, packetID uint16) (*Message, bool) {
	key := qos2Key(clientID, packetID)
	val, ok := s.qos2In.Get(key)
	if !ok {
		return nil, false
	}
	s.qos2In.Delete(key)
	return val.(*Message), true
}

// PendingMessages returns every in-flight entry whose retry window has
// elapsed, incrementing RetryCount and refreshing FirstSentAt on each call.
// Entries that exceed MaxRetransmissions are dropped and omitted from the
// result (spec.md §4.3); the caller is responsible for surfacing that drop
// as a session-level warning.
func (s *MessageStore) PendingMessages(clientID string) []*InflightEntry {
	q := s.queueFor(clientID)
	q.mu.Lock()
	defer q.mu.Unlock()

	now := s.clk.Now()
	var due []*InflightEntry
	for id, entry := range q.outbound {
		if now.Sub(entry.FirstSentAt) < s.retryWindow {
			continue
		}
		if entry.RetryCount >= s.maxRetries {
			delete(q.outbound, id)
			continue
		}
		entry.RetryCount++
		entry.FirstSentAt = now
		due = append(due, entry)
	}
	if len(due) > 0 {
		s.persistLocked(clientID, q)
	}
	return due
}

// Clear discards every in-flight entry for clientID, used on a clean-start
// reconnect (spec.md §4.3).
func (s *MessageStore) Clear(clientID string) {
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()
	if s.backend != nil {
		_ = s.backend.Clear(clientID)
	}
}

// Count reports the number of outstanding outbound entries for clientID,
// for tests and diagnostics.
func (s *MessageStore) Count(clientID string) int {
	q := s.queueFor(clientID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.outbound)
}
