package txnstress

import "testing"

func TestRand64Deterministic(t *testing.T) {
	a := NewRand64(1234)
	b := NewRand64(1234)
	for i := 0; i < 100; i++ {
		if a.Next() != b.Next() {
			t.Fatalf("same seed diverged at draw %d", i)
		}
	}
	c := NewRand64(4321)
	d := NewRand64(1234)
	same := 0
	for i := 0; i < 100; i++ {
		if d.Next() == c.Next() {
			same++
		}
	}
	if same == 100 {
		t.Fatalf("different seeds produced identical streams")
	}
}

func TestRand64Uniform(t *testing.T) {
	r := NewRand64(1)
	if r.Uniform(0) != 0 {
		t.Fatalf("Uniform(0) must return 0")
	}
	for i := 0; i < 1000; i++ {
		if v := r.Uniform(10); v >= 10 {
			t.Fatalf("Uniform(10) returned %d", v)
		}
	}
	hit := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		hit[r.Uniform(5)] = true
	}
	if len(hit) != 5 {
		t.Fatalf("Uniform(5) covered %d values in 1000 draws", len(hit))
	}
}

func TestRand64OneIn(t *testing.T) {
	r := NewRand64(1)
	for i := 0; i < 10; i++ {
		if !r.OneIn(1) {
			t.Fatalf("OneIn(1) must always be true")
		}
	}
	hits := 0
	for i := 0; i < 10000; i++ {
		if r.OneIn(2) {
			hits++
		}
	}
	if hits < 4500 || hits > 5500 {
		t.Fatalf("OneIn(2) hit %d of 10000", hits)
	}
}

func TestRand64Permutation(t *testing.T) {
	r := NewRand64(7)
	perm := r.Permutation(50)
	if len(perm) != 50 {
		t.Fatalf("Permutation(50) length %d", len(perm))
	}
	seen := make([]bool, 50)
	for _, v := range perm {
		if v < 0 || v >= 50 || seen[v] {
			t.Fatalf("invalid permutation: %v", perm)
		}
		seen[v] = true
	}
}
