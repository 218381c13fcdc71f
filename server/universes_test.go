package server

import (
	"testing"

	"github.com/mbocsi/dmxlink/proto"
)

func TestUniverses_ApplyAndSnapshot(t *testing.T) {
	u := NewUniverses()

	if universe, ok := u.Apply(&proto.DMXSet{Universe: 0, Channel: 1, Value: 10}); !ok || universe != 0 {
		t.Errorf("Expected set to apply to universe 0, got %d (ok=%v)", universe, ok)
	}
	patch := &proto.DMXPatch{Universe: 2, Patch: []proto.PatchEntry{{Ch: 5, Val: 50}, {Ch: 1, Val: 7}}}
	if universe, ok := u.Apply(patch); !ok || universe != 2 {
		t.Errorf("Expected patch to apply to universe 2, got %d (ok=%v)", universe, ok)
	}
	u.Apply(&proto.DMXSet{Universe: 0, Channel: 1, Value: 99})

	if _, ok := u.Apply(&proto.SceneRecall{Name: "intro"}); ok {
		t.Error("Expected scene recall to leave universes untouched")
	}

	if v := u.Value(0, 1); v != 99 {
		t.Errorf("Expected last write 99, got %d", v)
	}
	if v := u.Value(2, 5); v != 50 {
		t.Errorf("Expected 50, got %d", v)
	}
	if v := u.Value(7, 1); v != 0 {
		t.Errorf("Expected unwritten channel to read 0, got %d", v)
	}

	all := u.Snapshot()
	if len(all) != 2 {
		t.Errorf("Expected 2 universes, got %d", len(all))
	}
	if all["2"]["1"] != 7 {
		t.Errorf("Expected universe 2 channel 1 to be 7, got %d", all["2"]["1"])
	}

	only := u.Snapshot(2, 9)
	if len(only) != 1 {
		t.Fatalf("Expected only universe 2, got %v", only)
	}
	if _, ok := only["0"]; ok {
		t.Error("Expected universe 0 to be filtered out")
	}
}
