package agentclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/cometkim/dotunnel/internal/protocol"
)

// inboundHTTP tracks one request-direction exchange the relay opened on
// this agent. bodyW is non-nil only while a plain (non-upgrade) request is
// still receiving requestBodyChunk frames.
type inboundHTTP struct {
	bodyW  *io.PipeWriter
	cancel context.CancelFunc
}

// inboundWS is a promoted stream relaying frames between the relay and the
// local origin's WebSocket endpoint.
type inboundWS struct {
	conn *websocket.Conn
}

func (c *Client) handleHTTPEnvelope(ctx context.Context, env *protocol.Envelope) {
	body := env.HTTP
	switch body.Variant {
	case protocol.RequestInit:
		c.startRequest(ctx, env.StreamID, body)
	case protocol.RequestBodyChunk:
		c.streamsMu.Lock()
		ih, ok := c.http[env.StreamID]
		c.streamsMu.Unlock()
		if ok && ih.bodyW != nil {
			ih.bodyW.Write(body.Bytes)
		}
	case protocol.RequestEnd:
		c.streamsMu.Lock()
		ih, ok := c.http[env.StreamID]
		c.streamsMu.Unlock()
		if ok && ih.bodyW != nil {
			ih.bodyW.Close()
		}
	case protocol.RequestAbort:
		c.streamsMu.Lock()
		ih, ok := c.http[env.StreamID]
		delete(c.http, env.StreamID)
		c.streamsMu.Unlock()
		if ok {
			if ih.bodyW != nil {
				ih.bodyW.CloseWithError(fmt.Errorf("aborted by relay: %s", body.Detail))
			}
			if ih.cancel != nil {
				ih.cancel()
			}
		}
	default:
		c.logger.Warn("unexpected http variant from relay", "variant", body.Variant.String())
	}
}

func (c *Client) startRequest(ctx context.Context, streamID uint32, body *protocol.HTTPBody) {
	reqCtx, cancel := context.WithCancel(ctx)
	ih := &inboundHTTP{cancel: cancel}
	headers := headerFromProtocol(body.Headers)

	if isUpgradeRequest(headers) {
		c.streamsMu.Lock()
		c.http[streamID] = ih
		c.streamsMu.Unlock()
		go c.proxyWebSocketUpgrade(reqCtx, streamID, body, headers)
		return
	}

	var bodyReader io.Reader
	if body.HasBody {
		pr, pw := io.Pipe()
		ih.bodyW = pw
		bodyReader = pr
	}

	c.streamsMu.Lock()
	c.http[streamID] = ih
	c.streamsMu.Unlock()

	go c.proxyHTTP(reqCtx, streamID, body, headers, bodyReader)
}

func (c *Client) finishRequest(streamID uint32) {
	c.streamsMu.Lock()
	delete(c.http, streamID)
	c.streamsMu.Unlock()
}

func (c *Client) proxyHTTP(ctx context.Context, streamID uint32, body *protocol.HTTPBody, headers http.Header, bodyReader io.Reader) {
	defer c.finishRequest(streamID)

	target := strings.TrimSuffix(c.LocalOrigin, "/") + body.URI
	req, err := http.NewRequestWithContext(ctx, body.Method, target, bodyReader)
	if err != nil {
		c.sendHTTP(streamID, abortFrame(protocol.AbortProtocolError, err.Error()))
		return
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.sendHTTP(streamID, abortFrame(protocol.AbortConnectionLost, err.Error()))
		return
	}
	defer resp.Body.Close()

	c.sendHTTP(streamID, &protocol.HTTPBody{
		Variant: protocol.ResponseInit,
		Status:  uint16(resp.StatusCode),
		Headers: headersFromHTTP(resp.Header),
		HasBody: true,
	})

	buf := make([]byte, 32*1024)
	var seq uint64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.sendHTTP(streamID, &protocol.HTTPBody{Variant: protocol.ResponseBodyChunk, Seq: seq, Bytes: chunk})
			seq++
		}
		if readErr != nil {
			c.sendHTTP(streamID, &protocol.HTTPBody{Variant: protocol.ResponseBodyChunk, Seq: seq, IsLast: true})
			c.sendHTTP(streamID, &protocol.HTTPBody{Variant: protocol.ResponseEnd})
			return
		}
	}
}

// proxyWebSocketUpgrade dials the local origin's WebSocket endpoint and, on
// success, relays frames between it and the relay for the lifetime of the
// connection (spec §4.4 mirrored onto the agent side).
func (c *Client) proxyWebSocketUpgrade(ctx context.Context, streamID uint32, body *protocol.HTTPBody, headers http.Header) {
	target := strings.TrimSuffix(c.LocalOrigin, "/") + body.URI
	target = strings.Replace(target, "http://", "ws://", 1)
	target = strings.Replace(target, "https://", "wss://", 1)

	dialHeaders := make(http.Header)
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version", "sec-websocket-extensions":
			continue
		default:
			dialHeaders[k] = v
		}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, dialHeaders)
	if err != nil {
		status := uint16(http.StatusBadGateway)
		if resp != nil {
			status = uint16(resp.StatusCode)
		}
		c.sendHTTP(streamID, &protocol.HTTPBody{Variant: protocol.ResponseInit, Status: status})
		c.sendHTTP(streamID, &protocol.HTTPBody{Variant: protocol.ResponseEnd})
		c.finishRequest(streamID)
		return
	}

	c.sendHTTP(streamID, &protocol.HTTPBody{Variant: protocol.ResponseInit, Status: 101})

	c.streamsMu.Lock()
	c.ws[streamID] = &inboundWS{conn: conn}
	delete(c.http, streamID)
	c.streamsMu.Unlock()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			c.sendWS(streamID, &protocol.WSBody{Opcode: protocol.OpClose, Fin: true, HasClose: true, CloseCode: 1000})
			c.streamsMu.Lock()
			delete(c.ws, streamID)
			c.streamsMu.Unlock()
			return
		}
		op := protocol.OpBinary
		if mt == websocket.TextMessage {
			op = protocol.OpText
		}
		c.sendWS(streamID, &protocol.WSBody{Opcode: op, Fin: true, Payload: payload})
	}
}

func (c *Client) handleWSEnvelope(env *protocol.Envelope) {
	c.streamsMu.Lock()
	iw, ok := c.ws[env.StreamID]
	c.streamsMu.Unlock()
	if !ok {
		return
	}
	body := env.WS

	switch body.Opcode {
	case protocol.OpPing:
		c.sendWS(env.StreamID, &protocol.WSBody{Opcode: protocol.OpPong, Fin: true, Payload: body.Payload})
	case protocol.OpPong:
	case protocol.OpClose:
		iw.conn.Close()
		c.streamsMu.Lock()
		delete(c.ws, env.StreamID)
		c.streamsMu.Unlock()
	case protocol.OpText, protocol.OpBinary:
		mt := websocket.BinaryMessage
		if body.Opcode == protocol.OpText {
			mt = websocket.TextMessage
		}
		iw.conn.WriteMessage(mt, body.Payload)
	}
}

func abortFrame(reason protocol.AbortReason, detail string) *protocol.HTTPBody {
	return &protocol.HTTPBody{Variant: protocol.ResponseAbort, Reason: reason, Detail: detail}
}

func isUpgradeRequest(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket")
}

func headerFromProtocol(hs []protocol.Header) http.Header {
	out := make(http.Header, len(hs))
	for _, h := range hs {
		out.Add(h.Name, string(h.Value))
	}
	return out
}

func headersFromHTTP(h http.Header) []protocol.Header {
	out := make([]protocol.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, protocol.Header{Name: name, Value: []byte(v)})
		}
	}
	return out
}
