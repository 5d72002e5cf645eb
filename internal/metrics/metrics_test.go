package metrics

import "testing"

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.StreamOpened("http")
	m.StreamClosed("http")
	m.FrameSent()
	m.FrameReceived()
	m.Abort("timeout")
	m.AgentAttached()
	m.AgentDetached()
	if m.Registry() != nil {
		t.Fatal("expected nil registry for nil *Metrics")
	}
}

func TestNewRegistersIndependentCollectors(t *testing.T) {
	a := New()
	b := New()
	a.StreamOpened("ws")
	b.AgentAttached()

	if a.Registry() == b.Registry() {
		t.Fatal("expected independent registries across instances")
	}

	mfs, err := a.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one metric family after recording")
	}
}
