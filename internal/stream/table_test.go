package stream

import "testing"

func mustAllocate(t *testing.T, tbl *Table[int, int], entry int) uint32 {
	t.Helper()
	id, ok := tbl.TryAllocateHTTP(entry)
	if !ok {
		t.Fatalf("TryAllocateHTTP(%d) unexpectedly reported at-capacity", entry)
	}
	return id
}

func TestAllocateHTTPNeverReusesIDs(t *testing.T) {
	tbl := New[int, int](100)
	id1 := mustAllocate(t, tbl, 1)
	tbl.RemoveHTTP(id1)
	id2 := mustAllocate(t, tbl, 2)
	if id1 == id2 {
		t.Fatalf("stream id reused after removal: %d == %d", id1, id2)
	}
	if id2 != id1+1 {
		t.Fatalf("expected monotonic id, got %d after %d", id2, id1)
	}
}

func TestPromoteMovesBetweenTables(t *testing.T) {
	tbl := New[string, string](100)
	id, ok := tbl.TryAllocateHTTP("http-entry")
	if !ok {
		t.Fatal("TryAllocateHTTP unexpectedly reported at-capacity")
	}
	tbl.Promote(id, "ws-entry")

	if _, ok := tbl.HTTP(id); ok {
		t.Fatal("entry still present in HTTP table after promotion")
	}
	got, ok := tbl.WS(id)
	if !ok || got != "ws-entry" {
		t.Fatalf("entry not promoted correctly: %v, %v", got, ok)
	}
}

func TestAtCapacity(t *testing.T) {
	tbl := New[int, int](2)
	mustAllocate(t, tbl, 1)
	if tbl.AtCapacity() {
		t.Fatal("should not be at capacity with 1/2 streams")
	}
	mustAllocate(t, tbl, 2)
	if !tbl.AtCapacity() {
		t.Fatal("should be at capacity with 2/2 streams")
	}
}

// TestTryAllocateHTTPRefusesAtCapacity guards the race the maintainer flagged
// against AtCapacity()+AllocateHTTP() as two lock acquisitions: once the
// table is full, TryAllocateHTTP must itself report ok=false rather than
// relying on a caller's earlier (and now stale) capacity check.
func TestTryAllocateHTTPRefusesAtCapacity(t *testing.T) {
	tbl := New[int, int](1)
	mustAllocate(t, tbl, 1)
	if id, ok := tbl.TryAllocateHTTP(2); ok {
		t.Fatalf("expected allocation to be refused at capacity, got id %d", id)
	}
	if got := tbl.Len(); got != 1 {
		t.Fatalf("refused allocation must not grow the table, got len %d", got)
	}
}

func TestResetRewindsIDsAndClearsEntries(t *testing.T) {
	tbl := New[int, int](100)
	mustAllocate(t, tbl, 1)
	mustAllocate(t, tbl, 2)
	tbl.Reset()
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table after reset, got %d entries", tbl.Len())
	}
	id := mustAllocate(t, tbl, 3)
	if id != 1 {
		t.Fatalf("expected id allocation to restart at 1 after reset, got %d", id)
	}
}
