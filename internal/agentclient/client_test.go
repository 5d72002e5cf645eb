package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/cometkim/dotunnel/internal/protocol"
)

// newFakeRelay spins up an httptest.Server that accepts one control socket,
// sends the tunnel_ready handshake, and hands the accepted connection to
// drive so the test can script frames at the agent.
func newFakeRelay(t *testing.T, drive func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handshake, _ := json.Marshal(struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connectionId"`
			TunnelURL    string `json:"tunnelUrl"`
		}{Type: "tunnel_ready", ConnectionID: "1", TunnelURL: "https://test.tunnel.io"})
		if err := conn.Write(r.Context(), websocket.MessageText, handshake); err != nil {
			return
		}
		drive(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectAndServeProxiesPlainRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hello from origin"))
	}))
	t.Cleanup(origin.Close)

	responses := make(chan *protocol.Envelope, 8)
	relay := newFakeRelay(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		req := &protocol.Envelope{
			StreamID: 1,
			Kind:     protocol.KindHTTP,
			HTTP: &protocol.HTTPBody{
				Variant: protocol.RequestInit,
				Method:  http.MethodGet,
				URI:     "/widgets",
				HasBody: false,
			},
		}
		conn.Write(ctx, websocket.MessageBinary, protocol.Encode(req))

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				close(responses)
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			responses <- env
			if env.Kind == protocol.KindHTTP && env.HTTP.Variant == protocol.ResponseEnd {
				return
			}
		}
	})

	c := New(relay.URL, "tnl_test", origin.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.connectAndServe(ctx)

	var sawInit, sawEnd bool
	var status uint16
	deadline := time.After(4 * time.Second)
	for !sawEnd {
		select {
		case env, ok := <-responses:
			if !ok {
				t.Fatal("relay connection closed before responseEnd")
			}
			if env.HTTP.Variant == protocol.ResponseInit {
				sawInit = true
				status = env.HTTP.Status
			}
			if env.HTTP.Variant == protocol.ResponseEnd {
				sawEnd = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for response frames")
		}
	}

	if !sawInit {
		t.Fatal("expected a responseInit frame")
	}
	if status != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, status)
	}
}
