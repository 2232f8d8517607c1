package broker

import (
	"time"
)

// DisconnectSide records who ended the connection, since the driver needs
// to know whether it owes a final DISCONNECT of its own (spec.md §4.5).
type DisconnectSide int

const (
	NotDisconnected DisconnectSide = iota
	ClientDisconnected
	ServerDisconnected
)

// Session is C5: per-connection state, owned exclusively by its driver
// goroutine. Every method here is a plain, unsynchronized mutation or read
// — callers never share a Session across goroutines (spec.md §4.5, §5,
// "single-writer discipline"). It replaces the teacher's
// atomic.Value-backed sessionMap, which was built for a thin connect-only
// broker and has no room for QoS/Will/v5 state.
type Session struct {
	ClientID       string
	Username       string
	ConnectedAt    time.Time
	LastPacketAt   time.Time
	KeepAlive      uint16
	CleanStart     bool
	AssignedClient bool // true if the server generated ClientID at CONNECT time

	lastWill *LastWill

	subscriptions map[string]SubscriptionOptions

	serverPacketID uint16 // last id handed out; wraps 65535 -> 1, never 0

	Disconnect DisconnectSide

	// v5-only
	SessionExpiryInterval time.Duration
	ReceiveMaximum        uint16
	TopicAliasMaximum     uint16
	InboundAliases        map[uint16]string // alias -> topic, set by the PUBLISH sender (this client)
	OutboundAliases       map[string]uint16 // topic -> alias, set by us when publishing to this client
	MaxPacketSize         uint32

	inflight []InflightEntry // snapshot restored by CopyState on resume; not filled from MessageStore
}

// NewSession constructs a fresh Session for a just-accepted CONNECT.
func NewSession(clientID string, keepAlive uint16, cleanStart bool, now time.Time) *Session {
	return &Session{
		ClientID:      clientID,
		ConnectedAt:   now,
		LastPacketAt:  now,
		KeepAlive:     keepAlive,
		CleanStart:    cleanStart,
		subscriptions: make(map[string]SubscriptionOptions),
	}
}

// Subscribe records filter -> opts in the session's own view (separate
// from, and updated atomically alongside, the TopicTree — spec.md §4.5,
// §8 "subscriptions created/destroyed atomically in both").
func (s *Session) Subscribe(filter string, opts SubscriptionOptions) {
	if s.subscriptions == nil {
		s.subscriptions = make(map[string]SubscriptionOptions)
	}
	s.subscriptions[filter] = opts
}

func (s *Session) Unsubscribe(filter string) bool {
	if _, ok := s.subscriptions[filter]; !ok {
		return false
	}
	delete(s.subscriptions, filter)
	return true
}

func (s *Session) SubscriptionFilters() []string {
	filters := make([]string, 0, len(s.subscriptions))
	for f := range s.subscriptions {
		filters = append(filters, f)
	}
	return filters
}

func (s *Session) Subscriptions() map[string]SubscriptionOptions {
	return s.subscriptions
}

// NextPacketID allocates the next outbound packet id, wrapping 65535 back
// to 1 rather than 0, since 0 is not a legal packet id (spec.md §3, §4.5,
// §9).
func (s *Session) NextPacketID() uint16 {
	if s.serverPacketID == 0xFFFF {
		s.serverPacketID = 1
	} else {
		s.serverPacketID++
	}
	if s.serverPacketID == 0 {
		s.serverPacketID = 1
	}
	return s.serverPacketID
}

func (s *Session) SetLastWill(w *LastWill) {
	s.lastWill = w
}

// TakeLastWill removes and returns the registered will, so a normal v5
// DISCONNECT can cancel it exactly once (spec.md §4.6.6).
func (s *Session) TakeLastWill() *LastWill {
	w := s.lastWill
	s.lastWill = nil
	return w
}

func (s *Session) LastWill() *LastWill {
	return s.lastWill
}

func (s *Session) RenewLastPacketAt(now time.Time) {
	s.LastPacketAt = now
}

func (s *Session) MarkDisconnected(side DisconnectSide) {
	s.Disconnect = side
}

// BuildState serializes the session for a takeover handoff or an orphaned
// retention (spec.md §4.5 build_state). The driver calls this right before
// it exits so the replacement connection (or a later clean_start=false
// reconnect) can resume exactly where this one left off.
func (s *Session) BuildState() *SessionState {
	subs := make(map[string]SubscriptionOptions, len(s.subscriptions))
	for f, o := range s.subscriptions {
		subs[f] = o
	}
	return &SessionState{
		ServerPacketID:        s.serverPacketID,
		Subscriptions:         subs,
		SessionExpiryInterval: s.SessionExpiryInterval,
		Inflight:              append([]InflightEntry(nil), s.inflight...),
		LastWill:              s.lastWill,
	}
}

// CopyState restores a session from a previously built SessionState
// (spec.md §4.5 copy_state), used on the Present/Adopted paths of
// SessionTable.AddClient when clean_start is false.
func (s *Session) CopyState(state *SessionState) {
	if state == nil {
		return
	}
	s.serverPacketID = state.ServerPacketID
	s.subscriptions = make(map[string]SubscriptionOptions, len(state.Subscriptions))
	for f, o := range state.Subscriptions {
		s.subscriptions[f] = o
	}
	s.SessionExpiryInterval = state.SessionExpiryInterval
	s.inflight = append([]InflightEntry(nil), state.Inflight...)
	s.lastWill = state.LastWill
}

// ResumedInflight returns the in-flight entries carried over from a prior
// connection, for the driver to redeliver with dup=true right after
// CONNACK (spec.md §4.6.1).
func (s *Session) ResumedInflight() []InflightEntry {
	return s.inflight
}
