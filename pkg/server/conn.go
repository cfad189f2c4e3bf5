package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cernvm/webapid/pkg/daemon"
	"github.com/cernvm/webapid/pkg/hypervisor"
	"github.com/cernvm/webapid/pkg/logger"
	"github.com/cernvm/webapid/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// outboundBuffer bounds the per-connection send queue. Events beyond
	// it are dropped rather than blocking the daemon.
	outboundBuffer = 256
)

// wsConn adapts one gorilla WebSocket to the daemon's frame model: a read
// loop feeding the connection actor in arrival order, and a write pump
// draining the outbound queue. It implements wire.Sender.
type wsConn struct {
	ws       *websocket.Conn
	outbound chan any
	done     chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:       ws,
		outbound: make(chan any, outboundBuffer),
		done:     make(chan struct{}),
	}
}

// Send implements wire.Sender.
func (c *wsConn) Send(frame any) {
	select {
	case c.outbound <- frame:
	case <-c.done:
	default:
		logger.Warn("Dropping outbound frame: send queue full")
	}
}

// writePump serializes all writes to the socket.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleWS upgrades the HTTP request and runs the connection until the
// socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	domain := originDomain(r)
	logger.Infow("Connection opened", "domain", domain)

	s.connections.Add(1)
	defer s.connections.Add(-1)

	wc := newWSConn(ws)
	conn := daemon.NewConnection(s.ctx, s.core, domain, wc)

	go wc.writePump()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.readLoop(ws, conn)

	// Teardown: stop emitting first, then drain the actor, then close.
	conn.Cleanup()
	close(wc.done)
	_ = ws.Close()
	logger.Infow("Connection closed", "domain", domain)
}

// readLoop parses inbound frames and feeds the actor in arrival order.
func (s *Server) readLoop(ws *websocket.Conn, conn *daemon.Connection) {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("Connection read error: %v", err)
			}
			return
		}

		var req wire.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			logger.Debugf("Ignoring malformed frame: %v", err)
			continue
		}
		if req.Type != wire.TypeAction || req.Name == "" {
			continue
		}

		params := hypervisor.NewParameterMap()
		if len(req.Data) > 0 {
			parsed, err := hypervisor.ParameterMapFromJSON(req.Data)
			if err != nil {
				conn.HandleAction(req.ID, req.Name, params)
				continue
			}
			params = parsed
		}
		conn.HandleAction(req.ID, req.Name, params)
	}
}

// originDomain extracts the page origin's host for trust decisions.
func originDomain(r *http.Request) string {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return "localhost"
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return origin
	}
	return u.Hostname()
}
