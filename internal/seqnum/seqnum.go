// Package seqnum implements wrap-safe arithmetic on 32-bit TCP sequence
// numbers, modeled on netstack's tcpip/seqnum package.
package seqnum

// MaxWindow is the largest modular distance between two sequence numbers
// that is still treated as "forward". A larger distance is treated as a
// wrap in the opposite direction and is rejected or ignored by callers.
const MaxWindow = 16 * 1024 * 1024

// Value is a 32-bit sequence number that wraps modulo 2^32.
type Value uint32

// Add returns v+delta, wrapping modulo 2^32.
func (v Value) Add(delta Size) Value {
	return Value(uint32(v) + uint32(delta))
}

// Size is an unsigned distance between two sequence numbers.
type Size uint32

// Sub returns the modular distance v-w, i.e. the value d such that w+d == v,
// choosing the representative in [0, 2^32).
func (v Value) Sub(w Value) Size {
	return Size(uint32(v) - uint32(w))
}

// LessThan reports whether v occurs before w in the window of MaxWindow
// sequence numbers following v. It is ambiguous (and returns false) once the
// two are farther apart than MaxWindow.
func (v Value) LessThan(w Value) bool {
	return 0 < w.Sub(v) && w.Sub(v) <= MaxWindow
}

// InWindow reports whether v is inside [w, w+size) in modular space. It
// does not consult MaxWindow: only the modular distance v-w is compared
// against size.
func (v Value) InWindow(w Value, size Size) bool {
	return v.Sub(w) < size
}

// InPlausibleWindow reports whether the forward modular distance from a to b
// is within the plausibility window, i.e. whether advancing from a to b is a
// believable forward step rather than a stale/regressed value.
func InPlausibleWindow(a, b Value) bool {
	return b.Sub(a) <= MaxWindow
}

// Disjoint subtracts the range sub from the range main (both given as
// [begin, end) pairs in modular sequence space) and returns the disjoint
// remainder as zero, one, or two ranges, ordered left-to-right. Ranges
// outside the plausibility window relative to main are treated as not
// overlapping at all.
//
// This mirrors the original redirector's disjoint_u32_range helper, used to
// compute which bytes of the retransmission cache remain to be resent after
// subtracting a peer-announced SACK block.
func Disjoint(main, sub Range) []Range {
	sizeMain := main.End.Sub(main.Begin)
	diffFirst := sub.Begin.Sub(main.Begin)
	diffSecond := sub.End.Sub(main.End)

	var out []Range
	if diffFirst <= MaxWindow {
		if diffSecond > MaxWindow {
			// sub is inside main.
			out = append(out, Range{main.Begin, sub.Begin})
			out = append(out, Range{sub.End, main.End})
		} else if Size(diffFirst) >= sizeMain {
			// sub is to the right of main.
			out = append(out, main)
		} else {
			// sub overlaps the right part of main.
			out = append(out, Range{main.Begin, sub.Begin})
		}
	} else if diffSecond > MaxWindow {
		diff := sub.End.Sub(main.Begin)
		if diff > MaxWindow {
			// sub is to the left of main.
			out = append(out, main)
		} else {
			// sub overlaps the left part of main.
			out = append(out, Range{sub.End, main.End})
		}
	}
	// else: sub covers all of main; nothing remains.

	return out
}

// Range is a half-open sequence-number interval [Begin, End).
type Range struct {
	Begin Value
	End   Value
}

// Len returns the modular length of the range.
func (r Range) Len() Size {
	return r.End.Sub(r.Begin)
}
