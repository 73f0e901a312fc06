package gattlink

import "testing"

func TestPSNDistanceWrapsModulo32(t *testing.T) {
	cases := []struct{ a, b, want uint8 }{
		{5, 3, 2},
		{1, 30, 3},
		{0, 0, 0},
		{31, 0, 31},
	}
	for _, c := range cases {
		if got := psnDistance(c.a, c.b); got != c.want {
			t.Errorf("psnDistance(%d,%d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestPSNNewerThan(t *testing.T) {
	if !psnNewerThan(5, 3) {
		t.Error("5 should be newer than 3")
	}
	if psnNewerThan(3, 3) {
		t.Error("a PSN is never newer than itself")
	}
	if !psnNewerThan(19, 3) {
		t.Error("distance 16, the boundary case, should still count as newer")
	}
	if psnNewerThan(20, 3) {
		t.Error("distance 17 is on the far side of the circle and should not count as newer")
	}
}

func TestPSNAdvanceWraps(t *testing.T) {
	if got := psnAdvance(30, 5); got != 3 {
		t.Errorf("psnAdvance(30,5) = %d, want 3", got)
	}
}

func TestPSNInWindow(t *testing.T) {
	if !psnInWindow(5, 3, 4) {
		t.Error("5 should fall in [3,7)")
	}
	if psnInWindow(7, 3, 4) {
		t.Error("7 should fall outside [3,7)")
	}
	if psnInWindow(1, 3, 0) {
		t.Error("a zero-span window should contain nothing")
	}
}
