package broker

import (
	"time"

	"github.com/pyr33x/goqttd/internal/logger"
)

// GlobalState is the process-wide state every connection's FSM shares:
// the retained-message store, the topic tree, the session table, and the
// in-flight message store, plus the dispatcher that ties topic matching
// to live outgoing channels (spec.md §3, GlobalState). Every field here is
// already internally synchronized, so GlobalState itself holds no lock.
type GlobalState struct {
	Retained   *RetainStore
	Topics     *TopicTree
	Sessions   *SessionTable
	Messages   *MessageStore
	Dispatcher *Dispatcher

	log *logger.Logger
}

// Backends bundles the optional persistence hooks a deployment can supply
// in place of the pure in-memory default (spec.md §4 [EXPANDED]). Any
// field left nil falls back to in-process-only state.
type Backends struct {
	Retain   RetainBackend
	Session  SessionBackend
	Inflight InflightBackend
}

func NewGlobalState(log *logger.Logger, backends Backends) *GlobalState {
	topics := NewTopicTree()
	sessions := NewSessionTable(topics, backends.Session)
	g := &GlobalState{
		Retained: NewRetainStore(backends.Retain),
		Topics:   topics,
		Sessions: sessions,
		Messages: NewMessageStore(backends.Inflight),
		log:      log,
	}
	g.Dispatcher = NewDispatcher(topics, sessions, log)
	return g
}

// outgoingChannelCapacity bounds a session's outgoing queue; once full the
// dispatcher applies the backpressure rule in spec.md §4.7.
const outgoingChannelCapacity = 256

// NewOutgoingChannel is the one place a driver should construct its
// channel, so the whole broker agrees on its capacity.
func NewOutgoingChannel() chan *Outgoing {
	return make(chan *Outgoing, outgoingChannelCapacity)
}

// keepAliveTick is how often a driver's keep-alive timer should fire to
// satisfy spec.md §4.6.7's "every keep_alive*0.5s" cadence without
// spinning a dedicated timer per half-second for long keep-alives; the
// driver itself computes its own ticker period from Session.KeepAlive.
func keepAliveTick(keepAlive uint16) time.Duration {
	if keepAlive == 0 {
		return 0
	}
	return time.Duration(float64(keepAlive) * 0.5 * float64(time.Second))
}
