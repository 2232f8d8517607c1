// Package broker implements the session/broker engine: per-connection
// protocol state machines, topic routing, the in-flight QoS tracker, the
// retained-message store, and the shared state tying them together.
package broker

import (
	"time"

	"github.com/pyr33x/goqttd/internal/packet"
)

// Message is the broker's immutable, shared-by-reference view of a
// published payload. Once constructed it is never mutated; every
// subscriber holds the same backing payload slice.
type Message struct {
	Topic      string
	Payload    []byte
	QoS        packet.QoSLevel
	Retain     bool
	Dup        bool
	Properties *packet.Properties

	PublisherClientID string
	PublishedAt       time.Time
}

// LastWill is a session's registered will, owned by the Session and
// published by the driver on abnormal close.
type LastWill struct {
	Topic         string
	Payload       []byte
	QoS           packet.QoSLevel
	Retain        bool
	DelayInterval time.Duration // v5; 0 = immediate
	Properties    *packet.Properties
}

// SubscriptionOptions captures the v5 per-filter knobs; zero values are the
// correct v3.1.1 defaults.
type SubscriptionOptions struct {
	QoS               packet.QoSLevel
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    packet.RetainHandling
	SubscriptionID    uint32
	ShareGroup        string
}

// Outgoing is the signal union a Session's outgoing channel carries. Other
// tasks (Dispatcher, SessionTable, keep-alive timer) write to it; only the
// owning driver reads it.
type Outgoing struct {
	Publish         *OutgoingPublish
	Kick            *KickReason
	SessionTakeover *TakeoverRequest
}

type OutgoingPublish struct {
	SubscribeQoS      packet.QoSLevel
	Message           *Message
	SubscriptionID    uint32
	NoLocal           bool
	RetainAsPublished bool
}

type KickReason struct {
	Reason string // "expired", "slow_consumer", "protocol_error"
}

// TakeoverRequest is sent to a session being displaced by a new connection
// for the same client-id; ReplyTo receives the session's serialized state
// exactly once, per SessionTable.add_client (§4.4).
type TakeoverRequest struct {
	ReplyTo chan *SessionState
}

// SessionState is what build_state()/copy_state() exchange across a
// takeover or a resumed clean_start=false reconnect (spec.md §4.5).
type SessionState struct {
	ServerPacketID        uint16
	Subscriptions         map[string]SubscriptionOptions
	SessionExpiryInterval time.Duration
	Inflight              []InflightEntry
	LastWill              *LastWill
}

// clock is overridable in tests; production uses realClock.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// AddResult is SessionTable.add_client's return value (§4.4).
type AddResult int

const (
	AddNew AddResult = iota
	AddPresent
	AddAdopted
)
