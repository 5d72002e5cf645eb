package registry

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Registry, used in tests; dotunneld itself always
// opens the Postgres registry.
type Memory struct {
	mu    sync.RWMutex
	byID  map[string]*Tunnel
	bySub map[string]*Tunnel
}

func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[string]*Tunnel),
		bySub: make(map[string]*Tunnel),
	}
}

// Put registers (or overwrites) a tunnel's subdomain mapping.
func (m *Memory) Put(id, subdomain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &Tunnel{ID: id, Subdomain: subdomain, Status: "offline", UpdatedAt: time.Now()}
	m.byID[id] = t
	m.bySub[subdomain] = t
}

func (m *Memory) FindTunnelBySubdomain(ctx context.Context, subdomain string) (*Tunnel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.bySub[subdomain]
	if !ok {
		return nil, errNotFound(subdomain)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) MarkTunnelStatus(ctx context.Context, publicID, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[publicID]
	if !ok {
		return errNotFound(publicID)
	}
	t.Status = status
	t.UpdatedAt = at
	return nil
}
