// Package relay is the front door: a chi router that dispatches inbound
// public traffic to the right tunnel session by subdomain, and exposes the
// agent-facing attach endpoint plus /healthz and /metrics.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/cometkim/dotunnel/internal/metrics"
	"github.com/cometkim/dotunnel/internal/registry"
	"github.com/cometkim/dotunnel/internal/shortid"
	"github.com/cometkim/dotunnel/internal/tunnelsession"
)

// Relay owns one tunnelsession.Session per tunnel id and routes both public
// HTTP/WS traffic (by subdomain) and agent control-socket attaches (by
// tunnel id) to the right one.
type Relay struct {
	reg        registry.Registry
	cfg        tunnelsession.Config
	hostSuffix string // e.g. ".tunnel.io" — appended to a tunnel id to form its hostname
	logger     *slog.Logger
	metrics    *metrics.Metrics
	limiter    func() *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*tunnelsession.Session
}

// New creates a Relay. hostSuffix is the shared suffix of every tunnel
// hostname (e.g. ".tunnel.io" for "alice.tunnel.io"). limiterFactory, when
// non-nil, is called once per new session to build its per-session rate
// limiter; pass nil to disable overload rejection.
func New(reg registry.Registry, cfg tunnelsession.Config, hostSuffix string, limiterFactory func() *rate.Limiter, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if limiterFactory == nil {
		limiterFactory = func() *rate.Limiter { return nil }
	}
	return &Relay{
		reg:        reg,
		cfg:        cfg,
		hostSuffix: hostSuffix,
		logger:     logger,
		metrics:    m,
		limiter:    limiterFactory,
		sessions:   make(map[string]*tunnelsession.Session),
	}
}

// Router builds the chi router: request-id/logger/recoverer middleware,
// /healthz, /metrics, the agent attach endpoint, and a catch-all that
// dispatches by subdomain to the matching session.
func (rl *Relay) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", rl.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(rl.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/_api/tunnel", func(r chi.Router) {
		r.Get("/connect", rl.handleAgentConnect)
	})

	r.NotFound(rl.handlePublicTraffic)
	return r
}

func (rl *Relay) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// sessionFor returns the session for tunnelID, creating it on first use.
func (rl *Relay) sessionFor(tunnelID, hostname string) *tunnelsession.Session {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if s, ok := rl.sessions[tunnelID]; ok {
		return s
	}
	s := tunnelsession.New(tunnelID, hostname, rl.cfg, rl.reg, rl.limiter(), rl.logger, rl.metrics)
	rl.sessions[tunnelID] = s
	return s
}

// handleAgentConnect accepts the agent's control-socket upgrade and attaches
// it to the tunnel's session, creating the session on first attach (spec
// §4.6). The tunnel id is taken from the "tunnelId" query parameter; a real
// deployment would authenticate this request before trusting it.
func (rl *Relay) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	tunnelID := r.URL.Query().Get("tunnelId")
	if tunnelID == "" {
		tunnelID = "tnl_" + shortid.Generate()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		rl.logger.Warn("agent upgrade failed", "error", err)
		return
	}

	hostname := tunnelID + rl.hostSuffix
	sess := rl.sessionFor(tunnelID, hostname)

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	tunnelURL := "https://" + hostname
	if err := sess.AttachAgent(ctx, conn, tunnelURL); err != nil {
		rl.logger.Warn("attach agent failed", "error", err, "tunnel_id", tunnelID)
		conn.Close(websocket.StatusInternalError, "attach failed")
	}
}

// handlePublicTraffic dispatches a request from a visitor's browser to the
// session owning r.Host, looked up in the registry by the full host name
// (port stripped; hostSuffix is not removed) so a
// never-provisioned subdomain (404) is distinguished from a provisioned
// tunnel with no agent currently attached (502, raised inside the session
// itself). WebSocket upgrade requests are routed to ServeUpgrade instead.
func (rl *Relay) handlePublicTraffic(w http.ResponseWriter, r *http.Request) {
	tnl, err := rl.reg.FindTunnelBySubdomain(r.Context(), hostOnly(r.Host))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	sess := rl.sessionFor(tnl.ID, tnl.Subdomain)
	if isWebSocketUpgrade(r) {
		sess.ServeUpgrade(w, r)
		return
	}
	sess.ServeHTTP(w, r)
}

func hostOnly(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
