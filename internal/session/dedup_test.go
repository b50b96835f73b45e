package session

import (
	"fmt"
	"testing"
)

// TestDedupWindow_ExactlyOnce verifies that any interleaving of duplicate
// arrivals delivers each distinct msg_id exactly once.
func TestDedupWindow_ExactlyOnce(t *testing.T) {
	w := NewDedupWindow(16)
	arrivals := []string{"a", "b", "a", "c", "b", "a", "c", "d"}
	delivered := 0
	for _, id := range arrivals {
		if w.Observe(id) {
			delivered++
		}
	}
	if delivered != 4 {
		t.Errorf("delivered %d distinct ids, want 4", delivered)
	}
}

// TestDedupWindow_EvictsOldest verifies that once capacity is exceeded the
// oldest id is forgotten and would be delivered again.
func TestDedupWindow_EvictsOldest(t *testing.T) {
	w := NewDedupWindow(3)
	for _, id := range []string{"a", "b", "c"} {
		w.Observe(id)
	}
	w.Observe("d") // evicts "a"
	if w.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", w.Len())
	}
	if !w.Observe("a") {
		t.Error("evicted id should be treated as new")
	}
	if w.Observe("d") {
		t.Error("recent id must still be deduplicated")
	}
}

// TestDedupWindow_DefaultCapacity verifies the default window holds 4096
// ids without evicting.
func TestDedupWindow_DefaultCapacity(t *testing.T) {
	w := NewDedupWindow(0)
	for i := 0; i < DefaultDedupCapacity; i++ {
		w.Observe(fmt.Sprintf("id-%d", i))
	}
	if w.Observe("id-0") {
		t.Error("id-0 should still be inside the window")
	}
}
