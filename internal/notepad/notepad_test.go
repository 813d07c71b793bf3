package notepad

import "testing"

func runCycle(t *testing.T, n *Notepad, writes map[int][]byte) map[int][]byte {
	t.Helper()
	out := make(map[int][]byte)
	for r := range writes {
		data, err := n.Cycle(r)
		if err != nil {
			t.Fatalf("Cycle(%d): %v", r, err)
		}
		out[r] = data
		copy(n.writeRegionLocked(r), writes[r])
	}
	return out
}

func TestNotepadMajorityCarriesForward(t *testing.T) {
	n := New(Config{Label: "state", ReplicaCount: 3, Size: 4})

	// Seed all three replicas with identical data directly (bypassing
	// Cycle, which only writes after voting).
	seed := []byte{1, 2, 3, 4}
	for i := 0; i < 3; i++ {
		copy(n.regionA[i], seed)
		copy(n.regionB[i], seed)
	}

	data, err := n.Cycle(0)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if string(data) != string(seed) {
		t.Fatalf("got %v, want %v", data, seed)
	}
}

func TestNotepadMiscompareZeroesOutput(t *testing.T) {
	var miscompares int
	n := New(Config{Label: "state", ReplicaCount: 3, Size: 2, OnMiscompare: func() { miscompares++ }})

	// No majority: three distinct values.
	copy(n.regionB[0], []byte{1, 1})
	copy(n.regionB[1], []byte{2, 2})
	copy(n.regionB[2], []byte{3, 3})

	data, err := n.Cycle(0)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	for _, b := range data {
		if b != 0 {
			t.Fatalf("expected zeroed output on miscompare, got %v", data)
		}
	}
	if miscompares != 1 {
		t.Fatalf("expected 1 miscompare callback, got %d", miscompares)
	}
}

func TestNotepadFlipAlternatesRegions(t *testing.T) {
	n := New(Config{Label: "state", ReplicaCount: 1, Size: 1})
	if n.flip[0] {
		t.Fatal("expected initial flip state false")
	}
	n.Cycle(0)
	if !n.flip[0] {
		t.Fatal("expected flip state to toggle after one cycle")
	}
	n.Cycle(0)
	if n.flip[0] {
		t.Fatal("expected flip state to toggle back after second cycle")
	}
}
