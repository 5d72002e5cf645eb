package tunnelsession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/cometkim/dotunnel/internal/protocol"
)

// fakeRegistry records MarkTunnelStatus calls instead of hitting Postgres.
// The session calls it from its own goroutines, so access is locked.
type fakeRegistry struct {
	mu       sync.Mutex
	statuses []string
}

func (f *fakeRegistry) MarkTunnelStatus(ctx context.Context, publicID, status string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRegistry) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

// newAttachedSession spins up a fake agent over an httptest.Server and
// attaches it to a fresh Session, returning both so tests can drive HTTP
// traffic through the session and assert on what the fake agent observed.
func newAttachedSession(t *testing.T, onFrame func(agent *websocket.Conn, env *protocol.Envelope)) (*Session, *fakeRegistry) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			ctx := context.Background()
			for {
				typ, data, err := c.Read(ctx)
				if err != nil {
					return
				}
				if typ == websocket.MessageText {
					// The one-shot tunnel_ready handshake; not a binary envelope.
					continue
				}
				env, err := protocol.Decode(data)
				if err != nil {
					return
				}
				onFrame(c, env)
			}
		}()
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial fake agent: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	reg := &fakeRegistry{}
	sess := New("tnl_test", "test.tunnel.io", DefaultConfig(), reg, nil, nil, nil)
	if err := sess.AttachAgent(ctx, conn, "https://test.tunnel.io"); err != nil {
		t.Fatalf("attach agent: %v", err)
	}
	return sess, reg
}

func TestAttachAgentMarksOnline(t *testing.T) {
	sess, reg := newAttachedSession(t, func(agent *websocket.Conn, env *protocol.Envelope) {})

	// AttachAgent marks the tunnel online from a background goroutine.
	statuses := reg.snapshot()
	for deadline := time.Now().Add(2 * time.Second); len(statuses) == 0 && time.Now().Before(deadline); statuses = reg.snapshot() {
		time.Sleep(10 * time.Millisecond)
	}
	if len(statuses) == 0 || statuses[len(statuses)-1] != "online" {
		t.Fatalf("expected registry to be marked online, got %v", statuses)
	}
	if sess.TunnelID != "tnl_test" {
		t.Fatalf("unexpected tunnel id: %s", sess.TunnelID)
	}
}

func TestServeHTTPRoundTrip(t *testing.T) {
	sess, _ := newAttachedSession(t, func(agent *websocket.Conn, env *protocol.Envelope) {
		if env.Kind != protocol.KindHTTP || env.HTTP.Variant != protocol.RequestInit {
			return
		}
		resp := protocol.Encode(&protocol.Envelope{
			ConnectionID: env.ConnectionID,
			StreamID:     env.StreamID,
			Kind:         protocol.KindHTTP,
			HTTP: &protocol.HTTPBody{
				Variant: protocol.ResponseInit,
				Status:  200,
				Headers: []protocol.Header{{Name: "X-Test", Value: []byte("ok")}},
				HasBody: true,
			},
		})
		agent.Write(context.Background(), websocket.MessageBinary, resp)
		body := protocol.Encode(&protocol.Envelope{
			ConnectionID: env.ConnectionID,
			StreamID:     env.StreamID,
			Kind:         protocol.KindHTTP,
			HTTP: &protocol.HTTPBody{
				Variant: protocol.ResponseBodyChunk,
				Bytes:   []byte("hello"),
				IsLast:  true,
			},
		})
		agent.Write(context.Background(), websocket.MessageBinary, body)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	sess.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Test"); got != "ok" {
		t.Fatalf("expected X-Test: ok, got %q", got)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", rec.Body.String())
	}
}

func TestServeHTTPReturnsBadGatewayWhenAgentOffline(t *testing.T) {
	sess := New("tnl_offline", "offline.tunnel.io", DefaultConfig(), nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	sess.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHandshakeMessageFormat(t *testing.T) {
	var handshakeCh = make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := c.Read(context.Background())
		if err == nil {
			handshakeCh <- data
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sess := New("tnl_handshake", "h.tunnel.io", DefaultConfig(), nil, nil, nil, nil)
	if err := sess.AttachAgent(ctx, conn, "https://h.tunnel.io"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	select {
	case data := <-handshakeCh:
		var msg struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connectionId"`
			TunnelURL    string `json:"tunnelUrl"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal handshake: %v", err)
		}
		if msg.Type != "tunnel_ready" {
			t.Fatalf("expected type tunnel_ready, got %q", msg.Type)
		}
		if msg.TunnelURL != "https://h.tunnel.io" {
			t.Fatalf("unexpected tunnel url: %q", msg.TunnelURL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}
