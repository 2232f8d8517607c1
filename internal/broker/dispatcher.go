package broker

import (
	"time"

	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/packet"
	"github.com/pyr33x/goqttd/pkg/er"
)

// slowConsumerTimeout bounds how long Dispatch blocks trying to hand a
// QoS>0 publish to a full outgoing channel before giving up on that
// subscriber and kicking it (spec.md §4.7, backpressure).
const slowConsumerTimeout = 200 * time.Millisecond

// Dispatcher is C7: fans a published Message out to every matching
// subscriber, resolving client-ids to live outgoing channels through the
// SessionTable at send time rather than caching a pointer, so a
// subscriber that has gone offline is simply skipped instead of causing a
// dangling reference (spec.md §4.7, §9).
type Dispatcher struct {
	topics   *TopicTree
	sessions *SessionTable
	log      *logger.Logger
}

// NewDispatcher wires a Dispatcher to the shared TopicTree/SessionTable.
// Packet-id allocation and MessageStore bookkeeping for the delivery this
// produces happen in the receiving session's own driver, which owns both
// (spec.md §4.6.3, §4.5) — the Dispatcher only resolves "who gets this"
// and "at what QoS", never touches a Session directly.
func NewDispatcher(topics *TopicTree, sessions *SessionTable, log *logger.Logger) *Dispatcher {
	return &Dispatcher{topics: topics, sessions: sessions, log: log}
}

// Dispatch delivers msg to every filter matching msg.Topic. Delivery is
// at-most-once for QoS0, at-least-once for QoS>=1 (retransmission happens
// separately, via MessageStore.PendingMessages). Ordering is per-subscriber
// FIFO for one topic; there is no cross-topic ordering guarantee
// (spec.md §4.7, §8).
func (d *Dispatcher) Dispatch(msg *Message) {
	for _, content := range d.topics.MatchTopic(msg.Topic) {
		for clientID, opts := range content.Subscribers {
			d.deliverTo(clientID, opts, msg)
		}
		for _, pick := range content.SharedPicks {
			if d.log != nil {
				d.log.LogSharedDispatch(pick.Group, msg.Topic, pick.ClientID)
			}
			d.deliverTo(pick.ClientID, pick.Opts, msg)
		}
	}
}

func (d *Dispatcher) deliverTo(clientID string, opts SubscriptionOptions, msg *Message) {
	if opts.NoLocal && clientID == msg.PublisherClientID {
		return
	}

	ch, ok := d.sessions.GetOutgoingSender(clientID)
	if !ok {
		return
	}

	effQoS := packet.MinQoS(msg.QoS, opts.QoS)
	out := &Outgoing{Publish: &OutgoingPublish{
		SubscribeQoS:      effQoS,
		Message:           msg,
		SubscriptionID:    opts.SubscriptionID,
		NoLocal:           opts.NoLocal,
		RetainAsPublished: opts.RetainAsPublished,
	}}

	if effQoS == 0 {
		select {
		case ch <- out:
		default:
			// QoS0 backpressure: drop rather than block (spec.md §4.7).
		}
		return
	}

	select {
	case ch <- out:
	case <-time.After(slowConsumerTimeout):
		d.kickSlowConsumer(clientID, ch)
	}
}

func (d *Dispatcher) kickSlowConsumer(clientID string, ch chan *Outgoing) {
	if d.log != nil {
		d.log.LogError(&er.Err{Context: "Dispatcher.Dispatch", Message: er.ErrSlowConsumer}, "dropping slow consumer")
	}
	// Drain whatever is queued so the Kick signal itself can be enqueued,
	// then let the owning driver close the connection.
	for {
		select {
		case <-ch:
			continue
		default:
		}
		break
	}
	select {
	case ch <- &Outgoing{Kick: &KickReason{Reason: "slow_consumer"}}:
	default:
	}
}
