package tunnelsession

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cometkim/dotunnel/internal/protocol"
)

const writeWait = 5 * time.Second

// wsUpgrader upgrades the public-facing HTTP connection. Origin checking is
// left to the front-door router, not the session, since a tunnel has to
// accept whatever origins its operator's users browse from.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsState int

const (
	wsOpen wsState = iota
	wsClosed
)

// wsStream is a promoted HTTP stream relaying frames between the public
// WebSocket connection and the agent (spec §4.4).
type wsStream struct {
	id   uint32
	conn *websocket.Conn

	mu    sync.Mutex
	state wsState
}

func newWSStream(id uint32, conn *websocket.Conn) *wsStream {
	return &wsStream{id: id, conn: conn, state: wsOpen}
}

func (ws *wsStream) closeFromSession(reason string) {
	ws.mu.Lock()
	if ws.state == wsClosed {
		ws.mu.Unlock()
		return
	}
	ws.state = wsClosed
	ws.mu.Unlock()

	ws.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		time.Now().Add(writeWait))
	ws.conn.Close()
}

// wsPending tracks an HTTP stream waiting on the agent's responseInit to
// confirm or reject a WebSocket upgrade. publicConn is set before the
// request is ever sent to the agent, so there is no race with the agent
// processing goroutine reading it back out under hs.mu.
type wsPending struct {
	publicConn *websocket.Conn
	result     chan wsPromotionResult
}

type wsPromotionResult struct {
	ok     bool
	detail string
}

// ServeUpgrade implements the public-facing side of spec §4.4: the public
// socket is upgraded synchronously, then a requestInit/requestEnd pair is
// sent to the agent and the handler blocks until the agent's responseInit
// confirms or rejects promotion to a WebSocket stream.
func (s *Session) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.agentOnline(); !ok {
		http.Error(w, "tunnel agent is not connected", http.StatusBadGateway)
		return
	}

	hs := newHTTPStream()
	id, ok := s.tryAllocateHTTPStream(hs)
	if !ok {
		http.Error(w, "too many concurrent requests", http.StatusServiceUnavailable)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.removeHTTPStream(id)
		return
	}

	pending := &wsPending{publicConn: conn, result: make(chan wsPromotionResult, 1)}
	hs.mu.Lock()
	hs.pendingUpgrade = pending
	hs.mu.Unlock()

	timer := time.AfterFunc(s.cfg.RequestTimeout, func() { s.handleHTTPDeadline(id) })
	s.streams.SetDeadline(id, timer)

	s.sendHTTP(id, &protocol.HTTPBody{
		Variant: protocol.RequestInit,
		Method:  r.Method,
		URI:     r.URL.RequestURI(),
		Version: protocol.HTTP1,
		Headers: headersFromHTTP(r.Header),
	})
	s.sendHTTP(id, &protocol.HTTPBody{Variant: protocol.RequestEnd})

	res := <-pending.result
	if !res.ok {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, res.detail),
			time.Now().Add(writeWait))
		conn.Close()
		s.removeHTTPStream(id)
	}
}

// handleUpgradeResponse settles a pending upgrade once the agent's
// responseInit arrives: status 101 promotes the stream and starts the
// public-to-agent relay pump, anything else rejects it.
func (s *Session) handleUpgradeResponse(hs *httpStream, pending *wsPending, body *protocol.HTTPBody) {
	if body.Status != 101 {
		hs.mu.Lock()
		hs.state = httpAborted
		hs.mu.Unlock()
		// Drop the stream now so the agent's trailing responseEnd is treated
		// as a late frame for an unknown stream rather than a protocol error.
		s.removeHTTPStream(hs.id)
		select {
		case pending.result <- wsPromotionResult{detail: fmt.Sprintf("agent rejected upgrade with status %d", body.Status)}:
		default:
		}
		return
	}

	ws := newWSStream(hs.id, pending.publicConn)
	s.promoteStream(hs.id, ws)
	s.streams.CancelDeadline(hs.id)
	hs.mu.Lock()
	hs.state = httpCompleted
	hs.mu.Unlock()

	select {
	case pending.result <- wsPromotionResult{ok: true}:
	default:
	}
	go s.pumpPublicToAgent(ws)
}

// handleWSEnvelope relays an agent-originated WS-kind frame to the public
// socket (spec §4.4 agent-to-public direction).
func (s *Session) handleWSEnvelope(env *protocol.Envelope) {
	ws, ok := s.streams.WS(env.StreamID)
	if !ok {
		s.logger.Debug("dropping ws frame for unknown stream", "stream_id", env.StreamID)
		return
	}
	body := env.WS

	switch body.Opcode {
	case protocol.OpPing:
		s.sendWS(env.StreamID, &protocol.WSBody{Opcode: protocol.OpPong, Fin: true, Payload: body.Payload})
	case protocol.OpPong:
		// Ignored; keepalive traffic terminates at the relay boundary.
	case protocol.OpClose:
		s.closeWSFromAgent(ws, body)
	case protocol.OpText, protocol.OpBinary, protocol.OpContinuation:
		mt := websocket.BinaryMessage
		if body.Opcode == protocol.OpText {
			mt = websocket.TextMessage
		}
		if err := ws.conn.WriteMessage(mt, body.Payload); err != nil {
			s.removeWSStream(env.StreamID)
			ws.conn.Close()
		}
	default:
		s.fatalProtocolError(fmt.Errorf("ws opcode out of range: %d", body.Opcode))
	}
}

func (s *Session) closeWSFromAgent(ws *wsStream, body *protocol.WSBody) {
	ws.mu.Lock()
	if ws.state == wsClosed {
		ws.mu.Unlock()
		return
	}
	ws.state = wsClosed
	ws.mu.Unlock()

	code := websocket.CloseNormalClosure
	if body.HasClose {
		code = int(body.CloseCode)
	}
	ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
	ws.conn.Close()
	s.removeWSStream(ws.id)
}

// pumpPublicToAgent relays the public socket's frames to the agent (spec
// §4.4 public-to-agent direction) until the connection closes or errors.
func (s *Session) pumpPublicToAgent(ws *wsStream) {
	for {
		mt, payload, err := ws.conn.ReadMessage()
		if err != nil {
			ws.mu.Lock()
			already := ws.state == wsClosed
			ws.state = wsClosed
			ws.mu.Unlock()
			if !already {
				code := websocket.CloseNormalClosure
				var detail string
				if ce, ok := err.(*websocket.CloseError); ok {
					code = ce.Code
					detail = ce.Text
				}
				s.sendWS(ws.id, &protocol.WSBody{
					Opcode:    protocol.OpClose,
					Fin:       true,
					HasClose:  true,
					CloseCode: uint16(code),
					Payload:   []byte(detail),
				})
				s.removeWSStream(ws.id)
			}
			return
		}

		op := protocol.OpBinary
		if mt == websocket.TextMessage {
			op = protocol.OpText
		}
		s.sendWS(ws.id, &protocol.WSBody{Opcode: op, Fin: true, Payload: payload})
	}
}
