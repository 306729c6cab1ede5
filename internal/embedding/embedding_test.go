package embedding

import (
	"math"
	"testing"
)

func TestL2Distance(t *testing.T) {
	if d := L2Distance([]float32{0, 0}, []float32{3, 4}); d != 5 {
		t.Fatalf("expected distance 5, got %v", d)
	}
	if d := L2Distance([]float32{1, 2}, []float32{1, 2}); d != 0 {
		t.Fatalf("expected distance 0, got %v", d)
	}
}

func TestL2DistanceMismatch(t *testing.T) {
	cases := [][2][]float32{
		{nil, {1, 2}},
		{{1, 2}, nil},
		{{1}, {1, 2}},
	}
	for _, c := range cases {
		if d := L2Distance(c[0], c[1]); d != math.MaxFloat64 {
			t.Fatalf("expected max distance for %v vs %v, got %v", c[0], c[1], d)
		}
	}
}

func TestZeroVector(t *testing.T) {
	v := ZeroVector(3)
	if len(v) != 3 {
		t.Fatalf("expected 3 dims, got %d", len(v))
	}
	for _, x := range v {
		if x != 0 {
			t.Fatalf("expected zeros, got %v", v)
		}
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New("nope", "", "", "", 2); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
