// Package agentclient is the CLI-side half of the tunnel: it dials the
// relay's control socket, proxies each multiplexed stream to a local
// origin, and reconnects with exponential backoff when the socket drops.
// Grounded on internal/agent/client.go's Run/connectAndServe loop.
package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/cometkim/dotunnel/internal/protocol"
)

// Client is one CLI agent process: it owns the control socket to the relay
// and a local HTTP client for reaching the developer's origin server.
type Client struct {
	RelayURL    string // e.g. "https://relay.tunnel.io"
	TunnelID    string
	LocalOrigin string // e.g. "http://localhost:3000"
	logger      *slog.Logger
	httpClient  *http.Client

	connMu       sync.Mutex
	conn         *websocket.Conn
	connectionID uint64
	nextMsgSeq   uint64

	streamsMu sync.Mutex
	http      map[uint32]*inboundHTTP
	ws        map[uint32]*inboundWS
}

// New creates a Client. logger may be nil.
func New(relayURL, tunnelID, localOrigin string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		RelayURL:    relayURL,
		TunnelID:    tunnelID,
		LocalOrigin: localOrigin,
		logger:      logger.With("tunnel_id", tunnelID),
		httpClient:  &http.Client{Timeout: 0},
		http:        make(map[uint32]*inboundHTTP),
		ws:          make(map[uint32]*inboundWS),
	}
}

// Run connects to the relay and serves the tunnel event loop, reconnecting
// with exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 60 * time.Second

	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("tunnel disconnected", "error", err)
		}

		c.logger.Info("reconnecting", "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	wsURL := strings.TrimSuffix(c.RelayURL, "/") + "/_api/tunnel/connect?tunnelId=" + c.TunnelID
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	_, handshake, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	var ready struct {
		Type         string `json:"type"`
		ConnectionID string `json:"connectionId"`
		TunnelURL    string `json:"tunnelUrl"`
	}
	if err := json.Unmarshal(handshake, &ready); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	connID, err := strconv.ParseUint(ready.ConnectionID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse connection id: %w", err)
	}
	c.logger.Info("tunnel connected", "tunnel_url", ready.TunnelURL, "connection_id", connID)

	c.connMu.Lock()
	c.conn = conn
	c.connectionID = connID
	c.nextMsgSeq = 0
	c.connMu.Unlock()

	c.resetStreams()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("malformed frame from relay", "error", err)
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *Client) resetStreams() {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	c.http = make(map[uint32]*inboundHTTP)
	c.ws = make(map[uint32]*inboundWS)
}

func (c *Client) dispatch(ctx context.Context, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindHTTP:
		c.handleHTTPEnvelope(ctx, env)
	case protocol.KindWS:
		c.handleWSEnvelope(env)
	case protocol.KindControl:
		c.handleControlEnvelope(env)
	}
}

func (c *Client) handleControlEnvelope(env *protocol.Envelope) {
	switch env.Control.Variant {
	case protocol.CtrlPing:
		c.send(env.StreamID, protocol.KindControl, &protocol.ControlBody{Variant: protocol.CtrlPong, Data: env.Control.Data}, nil, nil)
	case protocol.CtrlGoAway:
		c.logger.Info("relay announced goAway", "reason", env.Control.GoAwayReason)
	}
}

// send assigns connectionId/msgSeq under connMu and writes one envelope.
// Exactly one of http/ws/control should be non-nil.
func (c *Client) send(streamID uint32, kind protocol.Kind, control *protocol.ControlBody, httpBody *protocol.HTTPBody, wsBody *protocol.WSBody) {
	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		c.connMu.Unlock()
		return
	}
	env := &protocol.Envelope{
		TimestampMs:  time.Now().UnixMilli(),
		ConnectionID: c.connectionID,
		StreamID:     streamID,
		MsgSeq:       c.nextMsgSeq,
		Kind:         kind,
		HTTP:         httpBody,
		WS:           wsBody,
		Control:      control,
	}
	c.nextMsgSeq++
	c.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn.Write(ctx, websocket.MessageBinary, protocol.Encode(env))
}

func (c *Client) sendHTTP(streamID uint32, body *protocol.HTTPBody) {
	c.send(streamID, protocol.KindHTTP, nil, body, nil)
}

func (c *Client) sendWS(streamID uint32, body *protocol.WSBody) {
	c.send(streamID, protocol.KindWS, nil, nil, body)
}
