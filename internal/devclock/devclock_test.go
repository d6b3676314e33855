package devclock

import "testing"

func TestFromWallClock(t *testing.T) {
	tests := []struct {
		name     string
		startMs  int64
		endMs    int64
		offsetMs float64
		want     Window
	}{
		{"zero_offset", 1000, 2000, 0, Window{Lo: 1_000_000, Hi: 2_000_000}},
		{"positive_offset", 1000, 2000, 500, Window{Lo: 500_000, Hi: 1_500_000}},
		{"fractional_offset", 1000, 2000, 0.5, Window{Lo: 999_500, Hi: 1_999_500}},
		{"masked_to_32_bits", 5_000_000, 5_000_100, 0, Window{
			Lo: uint32(5_000_000_000_000 & 0xFFFFFFFF),
			Hi: uint32(5_000_100_000_000 & 0xFFFFFFFF),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromWallClock(tt.startMs, tt.endMs, tt.offsetMs)
			if got != tt.want {
				t.Errorf("FromWallClock() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWindowContains(t *testing.T) {
	plain := Window{Lo: 100, Hi: 500}
	if !plain.Contains(100) || !plain.Contains(300) || !plain.Contains(500) {
		t.Error("plain window should contain its bounds and interior")
	}
	if plain.Contains(99) || plain.Contains(501) {
		t.Error("plain window should exclude values outside bounds")
	}

	// Wrapped window: [0xFFFFFF00, 2^32) ∪ [0, 0x100]
	wrapped := Window{Lo: 0xFFFFFF00, Hi: 0x00000100}
	if !wrapped.Wraps() {
		t.Fatal("expected Wraps() = true")
	}
	for _, ts := range []uint32{0xFFFFFF80, 0x00000080, 0xFFFFFF00, 0x100, 0} {
		if !wrapped.Contains(ts) {
			t.Errorf("wrapped window should contain %#x", ts)
		}
	}
	for _, ts := range []uint32{0x80000000, 0x101, 0xFFFFFEFF} {
		if wrapped.Contains(ts) {
			t.Errorf("wrapped window should not contain %#x", ts)
		}
	}
}

func TestWindowOverlaps(t *testing.T) {
	tests := []struct {
		name   string
		w      Window
		lo, hi uint32
		want   bool
	}{
		{"plain_overlap", Window{100, 500}, 400, 600, true},
		{"plain_contained", Window{100, 500}, 200, 300, true},
		{"plain_disjoint_after", Window{100, 500}, 501, 900, false},
		{"plain_disjoint_before", Window{100, 500}, 0, 99, false},
		{"plain_touching", Window{100, 500}, 500, 900, true},
		{"wrapped_hits_high_half", Window{0xFFFFFF00, 0x100}, 0xFFFFFE00, 0xFFFFFF10, true},
		{"wrapped_hits_low_half", Window{0xFFFFFF00, 0x100}, 0x50, 0x200, true},
		{"wrapped_misses_middle", Window{0xFFFFFF00, 0x100}, 0x7FFF0000, 0x80010000, false},
		{"wrapped_object_plain_window", Window{100, 500}, 0xFFFFFFF0, 0x120, true},
		{"both_wrapped", Window{0xFFFFFF00, 0x100}, 0xFFFFFFF0, 0x10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Overlaps(tt.lo, tt.hi); got != tt.want {
				t.Errorf("Overlaps(%#x, %#x) = %v, want %v", tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

func TestWindowFilter(t *testing.T) {
	w := Window{Lo: 0xFFFFFF00, Hi: 0x00000100}
	got := w.Filter([]uint32{0xFFFFFF80, 0x80000000, 0x00000080, 0x200})
	want := []uint32{0xFFFFFF80, 0x00000080}
	if len(got) != len(want) {
		t.Fatalf("Filter() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Filter()[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}
