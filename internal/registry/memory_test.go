package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryFindAndMarkStatus(t *testing.T) {
	m := NewMemory()
	m.Put("tnl_1", "alice.tunnel.io")

	ctx := context.Background()
	tnl, err := m.FindTunnelBySubdomain(ctx, "alice.tunnel.io")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tnl.Status != "offline" {
		t.Fatalf("expected initial status offline, got %s", tnl.Status)
	}

	if err := m.MarkTunnelStatus(ctx, "tnl_1", "online", time.Now()); err != nil {
		t.Fatalf("mark status: %v", err)
	}

	tnl, err = m.FindTunnelBySubdomain(ctx, "alice.tunnel.io")
	if err != nil {
		t.Fatalf("find after mark: %v", err)
	}
	if tnl.Status != "online" {
		t.Fatalf("expected status online, got %s", tnl.Status)
	}
}

func TestMemoryFindUnknownSubdomain(t *testing.T) {
	m := NewMemory()
	if _, err := m.FindTunnelBySubdomain(context.Background(), "ghost.tunnel.io"); err == nil {
		t.Fatal("expected error for unknown subdomain")
	}
}
