package transport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/packet"
)

func startTestTCPServer(t *testing.T, maxConnections int) (addr string, srv *TCPServer) {
	t.Helper()
	global := broker.NewGlobalState(nil, broker.Backends{})
	srv = New("0", global, nil, nil, maxConnections)

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	return srv.listener.Addr().String(), srv
}

func connectPacketBytes(clientID string) []byte {
	cp := &packet.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		Version:       packet.Version311,
		CleanStart:    true,
		KeepAlive:     30,
		ClientID:      clientID,
	}
	return cp.Encode()
}

func TestTCPServerAcceptsConnectionAndRepliesConnAck(t *testing.T) {
	addr, _ := startTestTCPServer(t, 10)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(connectPacketBytes("client-tcp-1")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reply, err := packet.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("unexpected error reading CONNACK: %v", err)
	}
	if packet.PacketType(reply[0]&0xF0) != packet.CONNACK {
		t.Fatalf("expected a CONNACK reply, got fixed header 0x%x", reply[0])
	}
}

func TestTCPServerRejectsConnectionsOverMaxConnections(t *testing.T) {
	addr, srv := startTestTCPServer(t, 1)
	srv.currentConnections.Store(1) // simulate the single slot already in use

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write(connectPacketBytes("client-tcp-2")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	reply, err := packet.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("unexpected error reading CONNACK: %v", err)
	}

	var cap packet.ConnAckPacket
	if err := cap.Parse(reply, packet.Version311); err != nil {
		t.Fatalf("unexpected error parsing CONNACK: %v", err)
	}
	if cap.ReturnCode != packet.ServerUnavailable {
		t.Errorf("expected ServerUnavailable, got 0x%x", cap.ReturnCode)
	}
}
