// Package registry tracks tunnel ownership and liveness: which public
// subdomain maps to which tunnel id, and whether that tunnel currently has
// an agent attached (spec §6).
package registry

import (
	"context"
	"time"
)

// Tunnel is one row of the registry.
type Tunnel struct {
	ID        string
	Subdomain string
	Status    string // "online" or "offline"
	UpdatedAt time.Time
}

// Registry is the full interface the front-door router needs. Sessions only
// need the narrower slice declared as tunnelsession.Registry.
type Registry interface {
	FindTunnelBySubdomain(ctx context.Context, subdomain string) (*Tunnel, error)
	MarkTunnelStatus(ctx context.Context, publicID, status string, at time.Time) error
}

// notFoundError is returned by FindTunnelBySubdomain when no tunnel owns the
// given subdomain.
type notFoundError struct{ subdomain string }

func (e *notFoundError) Error() string { return "no tunnel registered for subdomain " + e.subdomain }

func errNotFound(subdomain string) error { return &notFoundError{subdomain: subdomain} }
