package broker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/packet"
	"github.com/pyr33x/goqttd/pkg/er"
)

// AuthFunc authenticates a CONNECT's username/password. A nil password is
// passed when the client set no password flag.
type AuthFunc func(username string, password []byte) bool

// inboundResult is what the reader goroutine hands the driver loop for
// each frame it reads off the wire.
type inboundResult struct {
	parsed *packet.ParsedPacket
	err    error
}

// Driver is the third of the three tasks spec.md §5 assigns to every
// connection (reader, writer, driver): it owns the Session and the FSM,
// and is the only goroutine that ever touches either (§5, "single-writer
// discipline"). The reader and writer goroutines only move bytes; every
// protocol decision happens here.
// Driver's transport-facing side only ever needs to read, write and close,
// so it accepts any io.ReadWriteCloser rather than a concrete net.Conn —
// the TCP/TLS listeners hand it a real net.Conn, while the WebSocket and
// QUIC transports wrap their own stream types to satisfy this (spec.md §6
// transport matrix).
type Driver struct {
	conn   io.ReadWriteCloser
	global *GlobalState
	fsm    *FSM
	auth   AuthFunc
	log    *logger.Logger

	outgoing chan *Outgoing
}

func NewDriver(conn io.ReadWriteCloser, global *GlobalState, auth AuthFunc, log *logger.Logger) *Driver {
	return &Driver{
		conn:     conn,
		global:   global,
		fsm:      NewFSM(global, log),
		auth:     auth,
		log:      log,
		outgoing: NewOutgoingChannel(),
	}
}

// Run drives one connection end to end. It returns once the connection is
// closed, either by the peer, by the driver itself (protocol violation,
// keep-alive expiry, slow-consumer kick, takeover), or by ctx.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan inboundResult, 16)
	go d.readLoop(ctx, inbound)

	writeQueue := make(chan []byte, 64)
	writerDone := make(chan struct{})
	go d.writeLoop(writeQueue, writerDone)
	defer func() {
		close(writeQueue)
		<-writerDone
	}()

	var keepAliveC <-chan time.Time
	var keepAliveTicker *time.Ticker

	retryTicker := time.NewTicker(DefaultRetryWindow / 3)
	defer retryTicker.Stop()

	defer d.teardown()
	defer func() {
		if keepAliveTicker != nil {
			keepAliveTicker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res, ok := <-inbound:
			if !ok {
				return nil
			}
			if res.err != nil {
				d.handleReadError(res.err, writeQueue)
				return res.err
			}
			closeConn, err := d.handlePacket(res.parsed, writeQueue)
			if err != nil && d.log != nil {
				d.log.LogError(err, "packet handling error")
			}
			if d.fsm.State() == StateConnected && keepAliveTicker == nil {
				if period := keepAliveTick(d.fsm.Session.KeepAlive); period > 0 {
					keepAliveTicker = time.NewTicker(period)
					keepAliveC = keepAliveTicker.C
				}
			}
			if closeConn {
				return nil
			}

		case <-keepAliveC:
			if d.fsm.CheckKeepAlive(time.Now()) {
				d.kickExpired(writeQueue)
				return nil
			}

		case <-retryTicker.C:
			d.retransmitPending(writeQueue)

		case out, ok := <-d.outgoing:
			if !ok {
				return nil
			}
			if d.handleOutgoing(out, writeQueue) {
				return nil
			}
		}
	}
}

func (d *Driver) readLoop(ctx context.Context, inbound chan<- inboundResult) {
	defer close(inbound)
	r := bufio.NewReader(d.conn)
	version := packet.VersionUnknown

	for {
		raw, err := packet.ReadFrame(r)
		if err != nil {
			select {
			case inbound <- inboundResult{err: err}:
			case <-ctx.Done():
			}
			return
		}

		parsed, err := packet.Parse(raw, version)
		if err == nil && parsed.IsConnect() {
			version = parsed.Connect.Version
		}

		select {
		case inbound <- inboundResult{parsed: parsed, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (d *Driver) writeLoop(queue <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for frame := range queue {
		if _, err := d.conn.Write(frame); err != nil {
			if d.log != nil {
				d.log.LogError(err, "write error")
			}
			return
		}
	}
}

func (d *Driver) handlePacket(p *packet.ParsedPacket, writeQueue chan<- []byte) (closeConn bool, err error) {
	if p.Type == packet.CONNECT {
		reply := d.fsm.HandleConnect(p.Connect, d.outgoing, d.auth)
		d.flush(reply, writeQueue)
		return reply.Close, nil
	}
	// Only CONNECT is legal before the FSM reaches Connected; anything
	// else this early is a protocol violation closed without a reply
	// (spec.md §4.6, Connecting state).
	if d.fsm.State() != StateConnected {
		return true, &er.Err{Context: "Driver.handlePacket", Message: er.ErrProtocolViolation}
	}

	switch p.Type {
	case packet.PUBLISH:
		reply, perr := d.fsm.HandlePublish(p.Publish)
		d.flush(reply, writeQueue)
		return reply.Close, perr

	case packet.PUBACK:
		d.flush(d.fsm.HandlePuback(p.Puback), writeQueue)
	case packet.PUBREC:
		d.flush(d.fsm.HandlePubrec(p.Pubrec), writeQueue)
	case packet.PUBREL:
		d.flush(d.fsm.HandlePubrel(p.Pubrel), writeQueue)
	case packet.PUBCOMP:
		d.flush(d.fsm.HandlePubcomp(p.Pubcomp), writeQueue)

	case packet.SUBSCRIBE:
		d.flush(d.fsm.HandleSubscribe(p.Subscribe), writeQueue)
	case packet.UNSUBSCRIBE:
		d.flush(d.fsm.HandleUnsubscribe(p.Unsubscribe), writeQueue)
	case packet.PINGREQ:
		d.flush(d.fsm.HandlePingreq(), writeQueue)

	case packet.DISCONNECT:
		reply := d.fsm.HandleDisconnect(p.Disconnect)
		d.flush(reply, writeQueue)
		// HandleDisconnect has already dropped the will unless the client
		// asked for it (v5 reason 0x04); publish whatever is still set.
		d.publishWillIfAny()
		return true, nil

	default:
		return true, &er.Err{Context: "Driver.handlePacket", Message: er.ErrProtocolViolation}
	}
	return false, nil
}

func (d *Driver) flush(reply *Reply, writeQueue chan<- []byte) {
	if reply == nil {
		return
	}
	for _, frame := range reply.Frames {
		writeQueue <- frame
	}
}

func (d *Driver) handleReadError(err error, writeQueue chan<- []byte) {
	if errors.Is(err, io.EOF) {
		d.publishWillIfAny()
		return
	}
	if d.log != nil {
		d.log.LogError(err, "frame read error")
	}
	d.publishWillIfAny()
}

// handleOutgoing processes one signal delivered by the Dispatcher,
// SessionTable takeover, or keep-alive kick. It returns true if the
// driver should close the connection afterward.
func (d *Driver) handleOutgoing(out *Outgoing, writeQueue chan<- []byte) bool {
	switch {
	case out.Publish != nil:
		d.deliverPublish(out.Publish, writeQueue)
		return false

	case out.Kick != nil:
		if d.log != nil {
			d.log.LogClientConnection(d.sessionClientID(), "", "kicked:"+out.Kick.Reason)
		}
		d.publishWillIfAny()
		return true

	case out.SessionTakeover != nil:
		var state *SessionState
		if d.fsm.Session != nil {
			state = d.fsm.Session.BuildState()
		}
		if d.log != nil {
			d.log.LogSessionTakeover(d.sessionClientID(), "", state == nil)
		}
		select {
		case out.SessionTakeover.ReplyTo <- state:
		default:
		}
		dp := &packet.DisconnectPacket{ReasonCode: packet.DisconnectSessionTakenOver}
		writeQueue <- dp.Encode(d.negotiatedVersion())
		return true
	}
	return false
}

func (d *Driver) deliverPublish(op *OutgoingPublish, writeQueue chan<- []byte) {
	msg := op.Message
	retain := msg.Retain && op.RetainAsPublished

	// The subscription id of the matching filter travels on this copy of
	// the properties only; the shared Message is left untouched.
	props := msg.Properties
	if op.SubscriptionID != 0 {
		props = props.Clone()
		if props == nil {
			props = &packet.Properties{}
		}
		props.SubscriptionIDs = []uint32{op.SubscriptionID}
	}

	pp := &packet.PublishPacket{
		QoS:        op.SubscribeQoS,
		Retain:     retain,
		Topic:      msg.Topic,
		Properties: props,
		Payload:    msg.Payload,
	}

	if op.SubscribeQoS > packet.QoSAtMostOnce {
		pid := d.fsm.Session.NextPacketID()
		pp.PacketID = &pid
		_ = d.global.Messages.SaveOutboundPublish(d.fsm.Session.ClientID, &InflightEntry{
			PacketID:     pid,
			State:        awaitingStateFor(op.SubscribeQoS),
			Message:      msg,
			SubscribeQoS: byte(op.SubscribeQoS),
		})
	}

	writeQueue <- pp.Encode(d.negotiatedVersion())
}

// retransmitPending redelivers any in-flight entry whose retry window has
// elapsed, with DUP set (spec.md §4.3). A no-op before CONNECT completes.
func (d *Driver) retransmitPending(writeQueue chan<- []byte) {
	if d.fsm.Session == nil {
		return
	}
	for _, entry := range d.global.Messages.PendingMessages(d.fsm.Session.ClientID) {
		writeQueue <- d.fsm.Retransmit(entry)
	}
}

func awaitingStateFor(qos packet.QoSLevel) InflightState {
	if qos == packet.QoSExactlyOnce {
		return AwaitingPubrec
	}
	return AwaitingPuback
}

func (d *Driver) negotiatedVersion() packet.Version {
	if d.fsm.Session == nil {
		return packet.Version311
	}
	return d.fsm.versionOf()
}

func (d *Driver) sessionClientID() string {
	if d.fsm.Session == nil {
		return ""
	}
	return d.fsm.Session.ClientID
}

func (d *Driver) kickExpired(writeQueue chan<- []byte) {
	if d.fsm.versionOf() == packet.Version5 {
		dp := &packet.DisconnectPacket{ReasonCode: packet.DisconnectKeepAliveTimeout}
		writeQueue <- dp.Encode(packet.Version5)
	}
	d.publishWillIfAny()
}

// publishWillIfAny schedules the session's registered will, if any,
// honoring its v5 delay interval (spec.md §4.6.8).
func (d *Driver) publishWillIfAny() {
	if d.fsm.Session == nil {
		return
	}
	will := d.fsm.Session.TakeLastWill()
	if will == nil {
		return
	}

	publish := func() {
		msg := &Message{
			Topic:             will.Topic,
			Payload:           will.Payload,
			QoS:               will.QoS,
			Retain:            will.Retain,
			Properties:        will.Properties,
			PublisherClientID: d.fsm.Session.ClientID,
			PublishedAt:       time.Now(),
		}
		if will.Retain {
			d.global.Retained.Insert(msg)
		}
		d.global.Dispatcher.Dispatch(msg)
	}

	if will.DelayInterval <= 0 {
		publish()
		return
	}
	time.AfterFunc(will.DelayInterval, publish)
}

// teardown removes or retains this connection's session depending on
// clean_start: a clean session is dropped outright (handle removed,
// subscriptions unregistered), a persistent one is orphaned so a later
// clean_start=false reconnect can adopt it (spec.md §4.4). Both
// SessionTable calls are guarded by handle identity, so a driver that
// lost a takeover race (its handle already replaced by a newer
// connection) does nothing here instead of clobbering the new handle.
func (d *Driver) teardown() {
	if d.fsm.Session == nil {
		d.conn.Close()
		return
	}
	if d.fsm.Session.CleanStart {
		subs := d.fsm.Session.SubscriptionFilters()
		d.global.Sessions.RemoveClient(d.fsm.Session.ClientID, d.outgoing, subs)
	} else {
		d.global.Sessions.Orphan(d.fsm.Session.ClientID, d.outgoing, d.fsm.Session.BuildState())
	}
	d.conn.Close()
}
