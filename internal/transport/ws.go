package transport

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/logger"
)

// mqttSubprotocols are the WebSocket subprotocol names MQTT-over-WS clients
// negotiate: "mqtt" for 3.1.1/5.0, "mqttv3.1" for the older 3.1 clients the
// codec still accepts (spec.md §6 transport matrix).
var mqttSubprotocols = []string{"mqtt", "mqttv3.1"}

// WSServer serves MQTT over plain WebSocket by upgrading each HTTP
// connection and handing the upgraded socket to its own broker.Driver,
// adapted through wsConn so the driver sees a plain byte stream regardless
// of WebSocket message framing. Its http.Server is created inside Start
// and served without TLS; secure WebSocket (wss) is not served.
type WSServer struct {
	addr   string
	path   string
	global *broker.GlobalState
	auth   broker.AuthFunc
	log    *logger.Logger
	srv    *http.Server
}

func NewWS(addr, path string, global *broker.GlobalState, auth broker.AuthFunc, log *logger.Logger) *WSServer {
	if path == "" {
		path = "/mqtt"
	}
	return &WSServer{addr: addr, path: path, global: global, auth: auth, log: log}
}

func (s *WSServer) Start(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		Subprotocols:    mqttSubprotocols,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if s.log != nil {
				s.log.LogError(err, "websocket upgrade failed")
			}
			return
		}
		driver := broker.NewDriver(&wsConn{ws: conn}, s.global, s.auth, s.log)
		if err := driver.Run(ctx); err != nil && s.log != nil {
			s.log.LogError(err, "websocket connection ended")
		}
	})

	s.srv = &http.Server{Addr: ":" + s.addr, Handler: mux}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.LogError(err, "websocket server error")
			}
		}
	}()
	return nil
}

func (s *WSServer) Stop() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

// wsConn adapts a *websocket.Conn to io.ReadWriteCloser: reads flatten
// message boundaries into a continuous byte stream (buffering whatever of
// the last message bufio hasn't consumed yet), writes send one binary
// message per call — which is exactly one complete, already-encoded MQTT
// control packet, since that's how driver.go's writeLoop calls Write.
type wsConn struct {
	ws   *websocket.Conn
	rbuf []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.rbuf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.rbuf = data
	}
	n := copy(p, c.rbuf)
	c.rbuf = c.rbuf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
