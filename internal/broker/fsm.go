package broker

import (
	"time"

	"github.com/google/uuid"
	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/packet"
	"github.com/pyr33x/goqttd/pkg/er"
)

// FSMState is one of the four states a connection's ProtocolFSM can be in
// (spec.md §4.6).
type FSMState int

const (
	StateConnecting FSMState = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

// Reply is what the FSM hands back to the driver after processing one
// inbound packet: zero or more raw frames to write, and whether the
// driver should close the connection once they're flushed.
type Reply struct {
	Frames       [][]byte
	Close        bool
	PublishWill  bool // driver should schedule the registered will
}

// FSM is C6: the per-connection protocol state machine. One instance is
// owned by exactly one driver goroutine; it holds no locks of its own
// because nothing else ever touches it (spec.md §4.6, §5 single-writer
// discipline). A single struct covers both wire versions — the teacher's
// handlers already branch on fields rather than duplicating types, and
// MQTT 3.1.1 vs 5.0 differ in packet shape and reason codes, not in state
// topology, so one generically version-aware FSM replaces what the spec
// frames as "two variants" without duplicating the state machine itself
// (see DESIGN.md).
type FSM struct {
	state   FSMState
	version packet.Version

	Session *Session
	global  *GlobalState

	log *logger.Logger
}

func NewFSM(global *GlobalState, log *logger.Logger) *FSM {
	return &FSM{state: StateConnecting, global: global, log: log}
}

func (f *FSM) State() FSMState { return f.state }

func (f *FSM) versionOf() packet.Version { return f.version }

// HandleConnect implements spec.md §4.6.1. outgoing and auth are supplied
// by the driver so the FSM never needs to know about net.Conn or
// transports directly.
func (f *FSM) HandleConnect(cp *packet.ConnectPacket, outgoing chan *Outgoing, auth func(username string, password []byte) bool) *Reply {
	if f.state != StateConnecting {
		return &Reply{Close: true}
	}
	f.version = cp.Version

	if cp.UsernameFlag && auth != nil {
		var pw []byte
		if cp.Password != nil {
			pw = []byte(*cp.Password)
		}
		user := ""
		if cp.Username != nil {
			user = *cp.Username
		}
		if !auth(user, pw) {
			return f.connAckAndClose(false, packet.ReasonNotAuthorized)
		}
	}

	now := time.Now()
	// An empty v5 client id gets a server-generated one, returned to the
	// client in CONNACK's AssignedClientID property.
	assigned := cp.ClientID == "" && f.version == packet.Version5
	if assigned {
		cp.ClientID = uuid.NewString()
	}
	add := f.global.Sessions.AddClient(cp.ClientID, outgoing, 2*time.Second)

	f.Session = NewSession(cp.ClientID, cp.KeepAlive, cp.CleanStart, now)
	f.Session.AssignedClient = assigned

	sessionPresent := false
	switch add.Result {
	case AddNew:
		sessionPresent = false
	case AddPresent, AddAdopted:
		if cp.CleanStart {
			f.global.Messages.Clear(cp.ClientID)
			f.global.Sessions.ForgetPersisted(cp.ClientID)
			sessionPresent = false
		} else {
			f.Session.CopyState(add.State)
			sessionPresent = true
			// CopyState only restores the session's own view of its
			// subscriptions; re-insert each one into the TopicTree so a
			// resume through AddAdopted (backend-loaded state, or a local
			// orphan whose entries were already there) always leaves the
			// tree in sync with what the client believes it is subscribed
			// to (spec.md §4.4 adopt, §4.5 copy_state).
			for filter, opts := range f.Session.Subscriptions() {
				f.global.Topics.Subscribe(filter, f.Session.ClientID, opts)
			}
		}
	}

	if cp.WillFlag {
		f.Session.SetLastWill(&LastWill{
			Topic:      cp.WillTopic,
			Payload:    cp.WillMessage,
			QoS:        cp.WillQoS,
			Retain:     cp.WillRetain,
			Properties: cp.WillProperties,
		})
	}

	var props *packet.Properties
	if f.version == packet.Version5 && f.Session.AssignedClient {
		props = &packet.Properties{AssignedClientID: &f.Session.ClientID}
	}

	f.state = StateConnected
	if f.log != nil {
		f.log.LogClientConnection(f.Session.ClientID, "", "connected")
	}
	reply := &Reply{Frames: [][]byte{packet.NewConnAck(f.version, sessionPresent, packet.ReasonSuccess, props)}}

	if sessionPresent {
		for _, entry := range f.Session.ResumedInflight() {
			reply.Frames = append(reply.Frames, f.redeliverFrame(entry))
		}
	}
	return reply
}

func (f *FSM) redeliverFrame(entry InflightEntry) []byte {
	return f.Retransmit(&entry)
}

// Retransmit re-encodes an in-flight entry with DUP set, for the driver's
// retry-window redelivery (spec.md §4.3 pending_messages) as well as the
// resumed-session redelivery HandleConnect does above.
func (f *FSM) Retransmit(entry *InflightEntry) []byte {
	pid := entry.PacketID
	pp := &packet.PublishPacket{
		DUP:        true,
		QoS:        entry.Message.QoS,
		Retain:     entry.Message.Retain,
		Topic:      entry.Message.Topic,
		PacketID:   &pid,
		Properties: entry.Message.Properties,
		Payload:    entry.Message.Payload,
	}
	return pp.Encode(f.version)
}

// connAckAndClose builds a rejection CONNACK (no session_present) and
// tells the driver to close right after.
func (f *FSM) connAckAndClose(sessionPresent bool, code byte) *Reply {
	return &Reply{
		Frames: [][]byte{packet.NewConnAck(f.version, sessionPresent, code, nil)},
		Close:  true,
	}
}

// HandlePublish implements inbound PUBLISH handling (spec.md §4.6.2).
func (f *FSM) HandlePublish(pp *packet.PublishPacket) (*Reply, error) {
	if f.state != StateConnected {
		return &Reply{Close: true}, nil
	}
	f.Session.RenewLastPacketAt(time.Now())

	topic := pp.Topic
	if f.version == packet.Version5 && pp.Properties != nil && pp.Properties.TopicAlias != nil {
		alias := *pp.Properties.TopicAlias
		if alias == 0 {
			return f.disconnectReply(packet.DisconnectProtocolError), &er.Err{Context: "fsm.HandlePublish", Message: er.ErrTopicAliasInvalid}
		}
		if topic != "" {
			if f.Session.InboundAliases == nil {
				f.Session.InboundAliases = make(map[uint16]string)
			}
			f.Session.InboundAliases[alias] = topic
		} else {
			bound, ok := f.Session.InboundAliases[alias]
			if !ok {
				return f.disconnectReply(packet.DisconnectProtocolError), &er.Err{Context: "fsm.HandlePublish", Message: er.ErrTopicAliasUnresolved}
			}
			topic = bound
		}
	}

	msg := &Message{
		Topic:             topic,
		Payload:           pp.Payload,
		QoS:               pp.QoS,
		Retain:            pp.Retain,
		Properties:        pp.Properties,
		PublisherClientID: f.Session.ClientID,
		PublishedAt:       time.Now(),
	}

	if pp.Retain {
		if len(pp.Payload) == 0 {
			f.global.Retained.Remove(topic)
		} else {
			f.global.Retained.Insert(msg)
		}
	}

	var reply Reply
	switch pp.QoS {
	case packet.QoSAtMostOnce:
		f.global.Dispatcher.Dispatch(msg)

	case packet.QoSAtLeastOnce:
		f.global.Dispatcher.Dispatch(msg)
		reply.Frames = append(reply.Frames, packet.NewPubAck(&packet.AckPacket{PacketID: *pp.PacketID}, f.version))

	case packet.QoSExactlyOnce:
		if dup := f.global.Messages.SaveIncomingQoS2(f.Session.ClientID, *pp.PacketID, msg); !dup {
			// delivery happens on PUBREL, not here (spec.md §4.6.2)
		}
		reply.Frames = append(reply.Frames, packet.NewPubRec(&packet.AckPacket{PacketID: *pp.PacketID}, f.version))
	}

	return &reply, nil
}

func (f *FSM) disconnectReply(reasonCode byte) *Reply {
	if f.version != packet.Version5 {
		return &Reply{Close: true}
	}
	dp := &packet.DisconnectPacket{ReasonCode: reasonCode}
	return &Reply{Frames: [][]byte{dp.Encode(f.version)}, Close: true}
}

// HandlePuback/Pubrec/Pubrel/Pubcomp implement the outbound/inbound QoS
// ack flows (spec.md §4.6.5, §4.3).
func (f *FSM) HandlePuback(a *packet.AckPacket) *Reply {
	f.Session.RenewLastPacketAt(time.Now())
	f.global.Messages.Puback(f.Session.ClientID, a.PacketID)
	return &Reply{}
}

func (f *FSM) HandlePubrec(a *packet.AckPacket) *Reply {
	f.Session.RenewLastPacketAt(time.Now())
	f.global.Messages.Pubrec(f.Session.ClientID, a.PacketID)
	rel := packet.NewPubRel(&packet.AckPacket{PacketID: a.PacketID}, f.version)
	return &Reply{Frames: [][]byte{rel}}
}

func (f *FSM) HandlePubrel(a *packet.AckPacket) *Reply {
	f.Session.RenewLastPacketAt(time.Now())
	if msg, ok := f.global.Messages.PubrelInbound(f.Session.ClientID, a.PacketID); ok {
		f.global.Dispatcher.Dispatch(msg)
	}
	comp := packet.NewPubComp(&packet.AckPacket{PacketID: a.PacketID}, f.version)
	return &Reply{Frames: [][]byte{comp}}
}

func (f *FSM) HandlePubcomp(a *packet.AckPacket) *Reply {
	f.Session.RenewLastPacketAt(time.Now())
	f.global.Messages.Pubcomp(f.Session.ClientID, a.PacketID)
	return &Reply{}
}

// HandleSubscribe implements spec.md §4.6.4.
func (f *FSM) HandleSubscribe(sp *packet.SubscribePacket) *Reply {
	f.Session.RenewLastPacketAt(time.Now())

	codes := make([]byte, len(sp.Filters))
	grantedQoS := make([]packet.QoSLevel, len(sp.Filters))
	var retainFrames [][]byte

	for i, filt := range sp.Filters {
		opts := SubscriptionOptions{
			QoS:               filt.QoS,
			NoLocal:           filt.NoLocal,
			RetainAsPublished: filt.RetainAsPublished,
			RetainHandling:    filt.RetainHandling,
			SubscriptionID:    sp.SubscriptionID,
			ShareGroup:        filt.ShareGroup,
		}
		bare := filt.TopicFilter()

		_, alreadySubscribed := f.Session.Subscriptions()[filt.Filter]
		isNew := !alreadySubscribed
		f.Session.Subscribe(filt.Filter, opts)
		f.global.Topics.Subscribe(filt.Filter, f.Session.ClientID, opts)

		grantedQoS[i] = filt.QoS
		codes[i] = subackCodeFor(filt.QoS)

		if filt.RetainHandling == packet.RetainNeverSend {
			continue
		}
		if filt.RetainHandling == packet.RetainSendIfNewSub && !isNew {
			continue
		}
		for _, rm := range f.global.Retained.MatchFilter(bare) {
			pid := f.Session.NextPacketID()
			effQoS := packet.MinQoS(rm.QoS, filt.QoS)
			pp := &packet.PublishPacket{
				QoS:        effQoS,
				Retain:     true,
				Topic:      rm.Topic,
				Properties: rm.Properties,
				Payload:    rm.Payload,
			}
			if effQoS != packet.QoSAtMostOnce {
				pp.PacketID = &pid
			}
			retainFrames = append(retainFrames, pp.Encode(f.version))
		}
	}

	suback := packet.NewSubAck(sp, grantedQoS)
	suback.ReturnCodes = codes
	frames := append([][]byte{suback.Encode(f.version)}, retainFrames...)
	return &Reply{Frames: frames}
}

func subackCodeFor(qos packet.QoSLevel) byte {
	switch qos {
	case packet.QoSAtMostOnce:
		return packet.SubackMaxQoS0
	case packet.QoSAtLeastOnce:
		return packet.SubackMaxQoS1
	case packet.QoSExactlyOnce:
		return packet.SubackMaxQoS2
	default:
		return packet.SubackFailure
	}
}

// HandleUnsubscribe implements spec.md §4.6.4.
func (f *FSM) HandleUnsubscribe(up *packet.UnsubscribePacket) *Reply {
	f.Session.RenewLastPacketAt(time.Now())

	codes := make([]byte, len(up.TopicFilters))
	for i, filter := range up.TopicFilters {
		existed := f.Session.Unsubscribe(filter)
		f.global.Topics.Unsubscribe(filter, f.Session.ClientID)
		if existed {
			codes[i] = packet.UnsubackSuccess
		} else {
			codes[i] = packet.UnsubackNoSubscription
		}
	}

	ack := packet.NewUnsubAck(up, codes)
	return &Reply{Frames: [][]byte{ack.Encode(f.version)}}
}

func (f *FSM) HandlePingreq() *Reply {
	f.Session.RenewLastPacketAt(time.Now())
	resp := &packet.PingrespPacket{}
	return &Reply{Frames: [][]byte{resp.Encode()}}
}

// HandleDisconnect implements spec.md §4.6.6.
func (f *FSM) HandleDisconnect(dp *packet.DisconnectPacket) *Reply {
	f.Session.MarkDisconnected(ClientDisconnected)
	f.state = StateDisconnecting
	if f.log != nil {
		f.log.LogClientConnection(f.Session.ClientID, "", "disconnected")
	}

	if f.version == packet.Version5 {
		if dp.ReasonCode != packet.DisconnectWithWill {
			f.Session.TakeLastWill()
		}
	} else {
		f.Session.TakeLastWill()
	}
	return &Reply{Close: true}
}

// CheckKeepAlive implements spec.md §4.6.7: called periodically by the
// driver's timer. now-LastPacketAt > 1.5*KeepAlive means the client is
// gone; the driver should Kick it.
func (f *FSM) CheckKeepAlive(now time.Time) bool {
	if f.Session == nil || f.Session.KeepAlive == 0 {
		return false
	}
	limit := time.Duration(float64(f.Session.KeepAlive) * 1.5 * float64(time.Second))
	return now.Sub(f.Session.LastPacketAt) > limit
}
