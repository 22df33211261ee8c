// Package reassembly implements the Redirector's receive-side reassembly
// window: a sparse buffer of received-but-possibly-out-of-order bytes that
// tracks the next in-order sequence expected and, once SACK is permitted,
// the filled ranges beyond it.
//
// It is grounded on the original redirector's cache::Window and on
// netstack's receiver out-of-order segment handling in
// tcpip/transport/tcp.
package reassembly

import (
	"sort"

	"github.com/pcapsocks/pcapsocks/internal/seqnum"
)

// maxSACKBlocks is the number of filled ranges Window.Filled will report,
// matching the TCP SACK option's four-block limit (spec.md §3/§4.2).
const maxSACKBlocks = 4

// span is one contiguous filled byte range, recorded by offset from the
// window's origin (the sequence number recvNext had when the Window was
// created) so that arithmetic stays in plain ints.
type span struct {
	begin int
	end   int
	data  []byte
}

// Window is the bounded out-of-order receive buffer for one flow.
type Window struct {
	capacity int
	origin   seqnum.Value
	recvNext int // offset from origin
	spans    []span
}

// NewWindow creates a Window with the given capacity (65535<<wscale per
// spec.md §4.2) whose next-expected byte is seq.
func NewWindow(capacity int, seq seqnum.Value) *Window {
	return &Window{capacity: capacity, origin: seq}
}

// RecvNext returns the next in-order sequence number expected from the peer.
func (w *Window) RecvNext() seqnum.Value {
	return w.origin.Add(seqnum.Size(w.recvNext))
}

// RemainingSize returns how many more bytes the window can currently accept
// before it is full.
func (w *Window) RemainingSize() int {
	used := 0
	for _, s := range w.spans {
		used += s.end - s.begin
	}
	return w.capacity - used
}

// IsEmpty reports whether no out-of-order bytes are buffered.
func (w *Window) IsEmpty() bool {
	return len(w.spans) == 0
}

// Append writes b at sequence seq. If doing so extends the contiguous
// in-order prefix starting at RecvNext, the newly-available bytes are
// returned and RecvNext advances past them. Writes entirely before
// RecvNext are ignored; duplicate and out-of-order writes are accepted
// silently and held until the gap at the left edge closes.
func (w *Window) Append(seq seqnum.Value, b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	// Place seq relative to RecvNext: a distance beyond the plausibility
	// window means seq lies before RecvNext, not far ahead of it.
	var begin int
	if rel := seq.Sub(w.RecvNext()); rel <= seqnum.MaxWindow {
		begin = w.recvNext + int(rel)
	} else {
		begin = w.recvNext - int(w.RecvNext().Sub(seq))
	}
	end := begin + len(b)
	if end <= w.recvNext {
		// Entirely already delivered.
		return nil
	}
	if begin < w.recvNext {
		// Trim the already-delivered prefix.
		trim := w.recvNext - begin
		b = b[trim:]
		begin = w.recvNext
	}

	w.insert(span{begin: begin, end: end, data: b})
	return w.advance()
}

// insert merges a new span into the sorted, non-overlapping span list.
func (w *Window) insert(ns span) {
	merged := []span{ns}
	var rest []span
	for _, s := range w.spans {
		if s.end < merged[0].begin || s.begin > merged[0].end {
			rest = append(rest, s)
			continue
		}
		// Overlaps or touches; merge.
		m := merged[0]
		newBegin := m.begin
		newData := m.data
		if s.begin < m.begin {
			newBegin = s.begin
			newData = append(append([]byte{}, s.data[:m.begin-s.begin]...), m.data...)
		}
		newEnd := m.end
		if s.end > m.end {
			overlap := m.end - s.begin
			if overlap < 0 {
				overlap = 0
			}
			newData = append(newData, s.data[overlap:]...)
			newEnd = s.end
		}
		merged[0] = span{begin: newBegin, end: newEnd, data: newData}
	}
	rest = append(rest, merged[0])
	sort.Slice(rest, func(i, j int) bool { return rest[i].begin < rest[j].begin })
	w.spans = rest
}

// advance pulls the contiguous prefix starting at recvNext off the span
// list, returning it and moving recvNext forward.
func (w *Window) advance() []byte {
	if len(w.spans) == 0 || w.spans[0].begin > w.recvNext {
		return nil
	}

	s := w.spans[0]
	if s.begin > w.recvNext {
		return nil
	}
	delivered := s.data
	if s.begin < w.recvNext {
		delivered = s.data[w.recvNext-s.begin:]
	}
	w.recvNext = s.end
	w.spans = w.spans[1:]
	if len(delivered) == 0 {
		return nil
	}
	return delivered
}

// Filled returns the current filled ranges strictly to the right of
// RecvNext, oldest first, limited to maxSACKBlocks — the shape the
// Redirector announces as SACK blocks.
func (w *Window) Filled() []seqnum.Range {
	var out []seqnum.Range
	for _, s := range w.spans {
		if s.begin <= w.recvNext {
			continue
		}
		out = append(out, seqnum.Range{
			Begin: w.origin.Add(seqnum.Size(s.begin)),
			End:   w.origin.Add(seqnum.Size(s.end)),
		})
		if len(out) == maxSACKBlocks {
			break
		}
	}
	return out
}
