package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/logger"
	pkt "github.com/pyr33x/goqttd/internal/packet"
)

// TLSServer is tcp.go's accept loop wrapped in crypto/tls, for clients that
// negotiate MQTT over a TLS-secured socket instead of plain TCP (spec.md §6
// transport matrix). It shares the same broker.GlobalState as every other
// transport, so it's structurally tcp.go's twin rather than a rewrite.
type TLSServer struct {
	addr               string
	certFile, keyFile  string
	listener           net.Listener
	global             *broker.GlobalState
	auth               broker.AuthFunc
	log                *logger.Logger
	isShuttingdown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32
}

func NewTLS(addr, certFile, keyFile string, global *broker.GlobalState, auth broker.AuthFunc, log *logger.Logger, maxConnections int) *TLSServer {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	return &TLSServer{
		addr:           addr,
		certFile:       certFile,
		keyFile:        keyFile,
		global:         global,
		auth:           auth,
		log:            log,
		maxConnections: maxConnections,
	}
}

func (srv *TLSServer) Start(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(srv.certFile, srv.keyFile)
	if err != nil {
		return fmt.Errorf("load tls keypair: %w", err)
	}
	listener, err := tls.Listen("tcp", fmt.Sprintf(":%s", srv.addr), &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

func (srv *TLSServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TLSServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				if srv.log != nil {
					srv.log.LogError(err, "tls accept error")
				}
				continue
			}
			go srv.handleConnection(ctx, conn)
		}
	}
}

func (srv *TLSServer) handleConnection(ctx context.Context, conn net.Conn) {
	if srv.isShuttingdown.Load() || srv.currentConnections.Load() >= int32(srv.maxConnections) {
		conn.Write(pkt.NewConnAck(pkt.Version311, false, pkt.ReasonServerUnavailable, nil))
		conn.Close()
		return
	}

	srv.currentConnections.Add(1)
	defer srv.currentConnections.Add(-1)

	driver := broker.NewDriver(conn, srv.global, srv.auth, srv.log)
	if err := driver.Run(ctx); err != nil && srv.log != nil {
		srv.log.LogError(err, "tls connection ended")
	}
}
