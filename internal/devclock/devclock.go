// Package devclock handles arithmetic on the sensor's device clock: a
// uint32 microsecond counter that wraps roughly every 71 minutes.
// All comparisons are mask-before-compare; no attempt is made to
// reconcile which absolute 32-bit cycle a value lies in, so any window
// derived here is only meaningful within one wrap period of the data it
// is compared against.
package devclock

// Window is a device-time interval masked to the 32-bit counter.
// When Lo > Hi the interval crossed the wrap boundary and covers
// [Lo, 2^32) followed by [0, Hi].
type Window struct {
	Lo uint32
	Hi uint32
}

// FromWallClock converts a wall-clock interval (Unix milliseconds) into
// device time using the per-session clock offset in milliseconds:
// device_us = (wall_ms - offset_ms) * 1000, masked to 32 bits.
func FromWallClock(startMs, endMs int64, offsetMs float64) Window {
	return Window{
		Lo: uint32(int64((float64(startMs)-offsetMs)*1000) & 0xFFFFFFFF),
		Hi: uint32(int64((float64(endMs)-offsetMs)*1000) & 0xFFFFFFFF),
	}
}

// Wraps reports whether the window crosses the 32-bit wrap boundary.
func (w Window) Wraps() bool {
	return w.Lo > w.Hi
}

// Contains reports whether the device timestamp falls inside the window.
func (w Window) Contains(ts uint32) bool {
	if w.Wraps() {
		return ts >= w.Lo || ts <= w.Hi
	}
	return ts >= w.Lo && ts <= w.Hi
}

// Overlaps reports whether the window intersects the interval [lo, hi].
// Both the window and the interval may independently cross the wrap
// boundary; each side is decomposed into its non-wrapping halves and the
// halves are checked pairwise.
func (w Window) Overlaps(lo, hi uint32) bool {
	for _, a := range w.halves() {
		for _, b := range (Window{Lo: lo, Hi: hi}).halves() {
			if a.Lo <= b.Hi && b.Lo <= a.Hi {
				return true
			}
		}
	}
	return false
}

// Filter returns the timestamps contained in the window, preserving order.
func (w Window) Filter(ts []uint32) []uint32 {
	var kept []uint32
	for _, t := range ts {
		if w.Contains(t) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (w Window) halves() []Window {
	if !w.Wraps() {
		return []Window{w}
	}
	return []Window{
		{Lo: w.Lo, Hi: 0xFFFFFFFF},
		{Lo: 0, Hi: w.Hi},
	}
}
