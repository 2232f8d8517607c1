package transport

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/logger"
)

// QUICServer accepts QUIC connections and runs one broker.Driver per
// bidirectional stream, per spec.md §6's "one MQTT session per
// bidirectional stream" rule — a single QUIC connection may therefore
// carry more than one MQTT session if the client opens more than one
// stream on it, mirroring how a browser could open several WebSocket
// connections to the same host.
type QUICServer struct {
	addr              string
	certFile, keyFile string
	global            *broker.GlobalState
	auth              broker.AuthFunc
	log               *logger.Logger
	listener          *quic.Listener
}

func NewQUIC(addr, certFile, keyFile string, global *broker.GlobalState, auth broker.AuthFunc, log *logger.Logger) *QUICServer {
	return &QUICServer{addr: addr, certFile: certFile, keyFile: keyFile, global: global, auth: auth, log: log}
}

func (s *QUICServer) Start(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("load quic keypair: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"mqtt"},
	}
	listener, err := quic.ListenAddr(":"+s.addr, tlsConf, nil)
	if err != nil {
		return err
	}
	s.listener = listener
	go s.accept(ctx)
	return nil
}

func (s *QUICServer) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *QUICServer) accept(ctx context.Context) {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if s.log != nil {
				s.log.LogError(err, "quic accept error")
			}
			continue
		}
		go s.acceptStreams(ctx, conn)
	}
}

func (s *QUICServer) acceptStreams(ctx context.Context, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			driver := broker.NewDriver(stream, s.global, s.auth, s.log)
			if err := driver.Run(ctx); err != nil && s.log != nil {
				s.log.LogError(err, "quic stream connection ended")
			}
		}()
	}
}
