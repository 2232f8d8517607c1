package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/logger"
	pkt "github.com/pyr33x/goqttd/internal/packet"
)

// TCPServer accepts plain-TCP MQTT connections and hands each one to its
// own broker.Driver. It shares a broker.GlobalState with every other
// transport the daemon runs, so a publish over TLS/WS/QUIC reaches a
// subscriber connected over plain TCP and vice versa (spec.md §3, §5, §6).
type TCPServer struct {
	addr               string
	listener           net.Listener
	global             *broker.GlobalState
	auth               broker.AuthFunc
	log                *logger.Logger
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
}

// New creates a TCPServer. global and auth are shared across every
// transport the daemon starts (tcp.go, tls.go, ws.go, quic.go all accept
// the same two arguments for this reason).
func New(addr string, global *broker.GlobalState, auth broker.AuthFunc, log *logger.Logger, maxConnections int) *TCPServer {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	return &TCPServer{
		addr:           addr,
		global:         global,
		auth:           auth,
		log:            log,
		maxConnections: maxConnections,
	}
}

// Start begins accepting TCP connections.
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully.
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			srv.logInfo("shutting down accept loop")
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				if srv.log != nil {
					srv.log.LogError(err, "accept error")
				}
				continue
			}
			go srv.handleConnection(ctx, conn)
		}
	}
}

func (srv *TCPServer) logInfo(msg string) {
	if srv.log != nil {
		srv.log.Info(msg)
	}
}

// checkServerAvailability rejects a new connection before the driver is
// even built, mirroring the teacher's load-shedding check.
func (srv *TCPServer) checkServerAvailability() bool {
	if srv.isShuttingdown.Load() {
		return false
	}
	return srv.currentConnections.Load() < int32(srv.maxConnections)
}

func (srv *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	if !srv.checkServerAvailability() {
		conn.Write(pkt.NewConnAck(pkt.Version311, false, pkt.ReasonServerUnavailable, nil))
		conn.Close()
		return
	}

	srv.currentConnections.Add(1)
	defer srv.currentConnections.Add(-1)

	driver := broker.NewDriver(conn, srv.global, srv.auth, srv.log)
	if err := driver.Run(ctx); err != nil && srv.log != nil {
		srv.log.LogError(err, "connection ended")
	}
}
