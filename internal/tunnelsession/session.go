// Package tunnelsession implements the per-tunnel multiplexing state machine:
// the session actor that owns one agent control socket, a stream table, and
// the frame dispatch loop described in spec §§4-7.
package tunnelsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/cometkim/dotunnel/internal/metrics"
	"github.com/cometkim/dotunnel/internal/protocol"
	"github.com/cometkim/dotunnel/internal/stream"
)

// Registry is the slice of the tunnel registry a Session needs. It is
// defined here, at the point of use, rather than in the registry package
// itself; FindTunnelBySubdomain belongs to the front-door router, not to an
// individual session.
type Registry interface {
	MarkTunnelStatus(ctx context.Context, publicID, status string, at time.Time) error
}

// connIDSeq seeds connectionId generation from process start time and only
// ever increases, so a freshly rotated connectionId is always greater than
// any previously issued one even across process restarts that reuse the
// same tunnel id.
var connIDSeq = uint64(time.Now().UnixNano())

func nextConnectionID() uint64 {
	return atomic.AddUint64(&connIDSeq, 1)
}

// Session is the actor for one tunnel: it serializes every state transition
// behind mu and hands actual socket writes off to the agentConn writer
// goroutine, so mu is held for in-memory bookkeeping plus a channel enqueue
// (spec §5). The exceptions are AttachAgent and agent disconnect: closing a
// replaced agent socket and closing open public WebSocket streams happen
// while mu is held.
type Session struct {
	TunnelID string
	Hostname string

	cfg      Config
	registry Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	limiter *rate.Limiter

	mu           sync.Mutex
	agent        *agentConn
	connectionID uint64
	nextMsgSeq   uint64
	goAwayActive bool

	streams *stream.Table[*httpStream, *wsStream]
}

// New creates a session for one tunnel. registry and m may both be nil.
// limiter bounds the rate of new streams accepted onto the agent
// connection; a nil limiter disables overload rejection.
func New(tunnelID, hostname string, cfg Config, registry Registry, limiter *rate.Limiter, logger *slog.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		TunnelID: tunnelID,
		Hostname: hostname,
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		logger:   logger.With("tunnel_id", tunnelID),
		metrics:  m,
		streams:  stream.New[*httpStream, *wsStream](cfg.MaxConcurrentStreams),
	}
}

// AttachAgent adopts a newly dialed agent control socket (spec §4.6). Any
// previously attached socket is sent a goAway, closed, and every in-flight
// stream on it is failed before the new connectionId and stream table take
// effect, so the new connection's first frame is never raced against
// leftover state from the old one.
func (s *Session) AttachAgent(ctx context.Context, conn *websocket.Conn, tunnelURL string) error {
	s.mu.Lock()
	if s.agent != nil {
		old := s.agent
		env := s.buildControlEnvelopeLocked(&protocol.ControlBody{
			Variant:      protocol.CtrlGoAway,
			LastMsgSeq:   s.nextMsgSeq,
			GoAwayReason: "Replaced by new connection",
		})
		old.enqueue(protocol.Encode(env))
		s.metrics.FrameSent()
		old.CloseWithStatus(websocket.StatusNormalClosure, "replaced")
		s.failAllStreamsLocked("CLI reconnected")
		s.metrics.AgentDetached()
	}

	connID := nextConnectionID()
	s.connectionID = connID
	s.nextMsgSeq = 0
	s.goAwayActive = false
	s.streams.Reset()
	newConn := newAgentConn(conn)
	s.agent = newConn
	s.mu.Unlock()

	s.metrics.AgentAttached()
	s.logger.Info("agent attached", "connection_id", connID)

	handshake, err := json.Marshal(struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
		TunnelURL    string `json:"tunnelUrl"`
	}{
		Type:         "tunnel_ready",
		ConnectionID: strconv.FormatUint(connID, 10),
		TunnelURL:    tunnelURL,
	})
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}
	if err := newConn.sendText(ctx, handshake); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	go s.readAgentLoop(newConn)

	if s.registry != nil {
		go func() {
			if err := s.registry.MarkTunnelStatus(context.Background(), s.TunnelID, "online", time.Now()); err != nil {
				s.logger.Warn("mark tunnel online failed", "error", err)
			}
		}()
	}
	return nil
}

// agentOnline returns the current agent socket, or false if none is attached
// or a goAway has made the session refuse new streams.
func (s *Session) agentOnline() (*agentConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil || s.goAwayActive {
		return nil, false
	}
	return s.agent, true
}

// readAgentLoop decodes frames off the agent socket until it errors or is
// superseded by a newer attach.
func (s *Session) readAgentLoop(conn *agentConn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-conn.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.conn.Read(ctx)
		if err != nil {
			s.handleAgentDisconnect(conn, err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("malformed frame from agent", "error", err)
			conn.CloseWithStatus(websocket.StatusProtocolError, "protocol error")
			s.handleAgentDisconnect(conn, err)
			return
		}
		s.metrics.FrameReceived()
		s.dispatch(conn, env)
	}
}

func (s *Session) dispatch(conn *agentConn, env *protocol.Envelope) {
	s.mu.Lock()
	current := s.agent == conn
	s.mu.Unlock()
	if !current {
		return
	}

	switch env.Kind {
	case protocol.KindHTTP:
		s.handleHTTPEnvelope(env)
	case protocol.KindWS:
		s.handleWSEnvelope(env)
	case protocol.KindControl:
		s.handleControlEnvelope(conn, env)
	default:
		s.fatalProtocolError(fmt.Errorf("unknown envelope kind %d", env.Kind))
	}
}

// handleAgentDisconnect runs when the agent socket's Read loop returns an
// error. A stale reader belonging to an already-superseded conn is ignored;
// AttachAgent already failed that connection's streams.
func (s *Session) handleAgentDisconnect(conn *agentConn, cause error) {
	s.mu.Lock()
	if s.agent != conn {
		s.mu.Unlock()
		return
	}
	s.agent = nil
	s.failAllStreamsLocked("CLI disconnected")
	s.mu.Unlock()

	s.metrics.AgentDetached()
	s.logger.Info("agent detached", "error", cause)

	if s.registry != nil {
		go func() {
			if err := s.registry.MarkTunnelStatus(context.Background(), s.TunnelID, "offline", time.Now()); err != nil {
				s.logger.Warn("mark tunnel offline failed", "error", err)
			}
		}()
	}
}

// failAllStreamsLocked resolves every in-flight stream with an error and
// empties the table. Callers must hold mu. Failing an HTTP stream only
// touches its own mutex and a pipe; closing a WebSocket stream writes a close
// frame to the public socket (bounded by writeWait) and closes it.
func (s *Session) failAllStreamsLocked(reason string) {
	for _, hs := range s.streams.HTTPEntries() {
		hs.fail(reason)
	}
	for _, ws := range s.streams.WSEntries() {
		ws.closeFromSession(reason)
	}
	s.streams.Reset()
}

// fatalProtocolError tears down the agent connection on a structurally
// valid but semantically impossible frame (e.g. the agent echoing a
// session-direction frame back at itself).
func (s *Session) fatalProtocolError(err error) {
	s.logger.Error("fatal protocol violation", "error", err)
	s.mu.Lock()
	conn := s.agent
	s.mu.Unlock()
	if conn != nil {
		conn.CloseWithStatus(websocket.StatusProtocolError, err.Error())
	}
}

// buildControlEnvelopeLocked assigns timestamp/connectionId/msgSeq under mu
// and advances nextMsgSeq. Callers must hold mu.
func (s *Session) buildControlEnvelopeLocked(body *protocol.ControlBody) *protocol.Envelope {
	env := &protocol.Envelope{
		TimestampMs:  time.Now().UnixMilli(),
		ConnectionID: s.connectionID,
		StreamID:     0,
		MsgSeq:       s.nextMsgSeq,
		Kind:         protocol.KindControl,
		Control:      body,
	}
	s.nextMsgSeq++
	return env
}

// sendControl enqueues a control-kind envelope on the current agent socket.
func (s *Session) sendControl(body *protocol.ControlBody) {
	s.mu.Lock()
	conn := s.agent
	if conn == nil {
		s.mu.Unlock()
		return
	}
	env := s.buildControlEnvelopeLocked(body)
	s.mu.Unlock()
	conn.enqueue(protocol.Encode(env))
	s.metrics.FrameSent()
}

// sendHTTP enqueues an HTTP-kind envelope for streamID.
func (s *Session) sendHTTP(streamID uint32, body *protocol.HTTPBody) {
	s.mu.Lock()
	conn := s.agent
	if conn == nil {
		s.mu.Unlock()
		return
	}
	env := &protocol.Envelope{
		TimestampMs:  time.Now().UnixMilli(),
		ConnectionID: s.connectionID,
		StreamID:     streamID,
		MsgSeq:       s.nextMsgSeq,
		Kind:         protocol.KindHTTP,
		HTTP:         body,
	}
	s.nextMsgSeq++
	s.mu.Unlock()
	conn.enqueue(protocol.Encode(env))
	s.metrics.FrameSent()
}

// sendWS enqueues a WS-kind envelope for streamID.
func (s *Session) sendWS(streamID uint32, body *protocol.WSBody) {
	s.mu.Lock()
	conn := s.agent
	if conn == nil {
		s.mu.Unlock()
		return
	}
	env := &protocol.Envelope{
		TimestampMs:  time.Now().UnixMilli(),
		ConnectionID: s.connectionID,
		StreamID:     streamID,
		MsgSeq:       s.nextMsgSeq,
		Kind:         protocol.KindWS,
		WS:           body,
	}
	s.nextMsgSeq++
	s.mu.Unlock()
	conn.enqueue(protocol.Encode(env))
	s.metrics.FrameSent()
}

// tryAllocateHTTPStream checks capacity and allocates under the stream
// table's single lock (invariant 3), so two concurrent ServeHTTP/ServeUpgrade
// calls can't both observe room for one more stream and both allocate.
func (s *Session) tryAllocateHTTPStream(hs *httpStream) (uint32, bool) {
	id, ok := s.streams.TryAllocateHTTP(hs)
	if !ok {
		return 0, false
	}
	hs.id = id
	s.metrics.StreamOpened("http")
	return id, true
}

// removeHTTPStream deletes id from the HTTP table, decrementing the open
// metric only if it was actually present (several call sites race to clean
// up the same stream; at most one of them should see existed=true).
func (s *Session) removeHTTPStream(id uint32) {
	if s.streams.RemoveHTTP(id) {
		s.metrics.StreamClosed("http")
	}
}

// promoteStream moves id from the HTTP table to the WS table.
func (s *Session) promoteStream(id uint32, ws *wsStream) {
	if s.streams.Promote(id, ws) {
		s.metrics.StreamClosed("http")
		s.metrics.StreamOpened("ws")
	}
}

// removeWSStream deletes id from the WS table.
func (s *Session) removeWSStream(id uint32) {
	if s.streams.RemoveWS(id) {
		s.metrics.StreamClosed("ws")
	}
}
