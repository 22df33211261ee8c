// Package defrag reassembles fragmented IPv4 datagrams captured off the
// wire. It is grounded on netstack's tcpip/network/fragmentation package
// (whose test in the example pack exercises exactly this Process/evict/
// timeout shape) and on the original redirector's packet::Defraggler, and
// implements spec.md §4.3.
package defrag

import (
	"net/netip"
	"time"
)

// unitSize is the granularity IPv4 fragment offsets are expressed in.
const unitSize = 8

// DefaultTimeout is the conservative bound chosen for Open Question (a) in
// spec.md §9: the original leaves the partial-assembly timeout unspecified,
// implementation-defined. 30s matches the original's own suggestion.
const DefaultTimeout = 30 * time.Second

// DefaultMaxBytes bounds the total memory held across all in-flight
// reassemblies, evicting the oldest (by first-fragment-seen order) entries
// once exceeded — the same "drop on capacity pressure" policy spec.md §4.3
// allows and netstack's fragmentation package exercises in its own tests.
const DefaultMaxBytes = 4 << 20 // 4 MiB

// Key identifies one in-flight reassembly: same source, destination,
// protocol and IPv4 identification.
type Key struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
	ID       uint16
}

type reassembler struct {
	data      []byte
	received  []bool // per 8-byte unit
	total     int    // total datagram length, known once the last fragment arrives; -1 until then
	firstSeen time.Time
	lastSeen  time.Time
}

func (r *reassembler) size() int { return len(r.data) }

func (r *reassembler) ensure(n int) {
	if len(r.data) >= n {
		return
	}
	grown := make([]byte, n)
	copy(grown, r.data)
	r.data = grown

	units := (n + unitSize - 1) / unitSize
	if len(r.received) < units {
		grownBits := make([]bool, units)
		copy(grownBits, r.received)
		r.received = grownBits
	}
}

func (r *reassembler) complete() bool {
	if r.total < 0 {
		return false
	}
	units := (r.total + unitSize - 1) / unitSize
	for i := 0; i < units; i++ {
		if i >= len(r.received) || !r.received[i] {
			return false
		}
	}
	return true
}

// Defragmenter holds in-flight IPv4 reassemblies.
type Defragmenter struct {
	timeout     time.Duration
	maxBytes    int
	reassembler map[Key]*reassembler
	order       []Key
	size        int
}

// New creates a Defragmenter with the given timeout and memory cap.
func New(timeout time.Duration, maxBytes int) *Defragmenter {
	return &Defragmenter{
		timeout:     timeout,
		maxBytes:    maxBytes,
		reassembler: make(map[Key]*reassembler),
	}
}

// NewDefault creates a Defragmenter using DefaultTimeout/DefaultMaxBytes.
func NewDefault() *Defragmenter {
	return New(DefaultTimeout, DefaultMaxBytes)
}

// Add processes one fragment: fragmentOffsetUnits is the IPv4 fragment
// offset in 8-byte units, moreFragments is the IPv4 MF flag, and payload is
// this fragment's data (everything after the IPv4 header). It returns the
// fully reassembled datagram and true once every fragment for key has
// arrived with no gaps; otherwise it returns nil, false.
func (d *Defragmenter) Add(key Key, fragmentOffsetUnits uint16, moreFragments bool, payload []byte, now time.Time) ([]byte, bool) {
	r, ok := d.reassembler[key]
	if ok && now.Sub(r.lastSeen) > d.timeout {
		// Stale partial assembly: the original spec leaves this bound
		// implementation-defined; we discard and start over rather than
		// risk splicing unrelated fragment generations together.
		d.evict(key)
		ok = false
	}
	if !ok {
		d.evictForRoom(len(payload))
		r = &reassembler{total: -1, firstSeen: now}
		d.reassembler[key] = r
		d.order = append(d.order, key)
	}
	r.lastSeen = now

	offset := int(fragmentOffsetUnits) * unitSize
	end := offset + len(payload)

	prevSize := r.size()
	r.ensure(end)
	d.size += r.size() - prevSize

	copy(r.data[offset:end], payload)

	firstUnit := offset / unitSize
	lastUnit := (end + unitSize - 1) / unitSize
	for i := firstUnit; i < lastUnit && i < len(r.received); i++ {
		r.received[i] = true
	}

	if !moreFragments {
		r.total = end
	}

	if r.complete() {
		out := make([]byte, r.total)
		copy(out, r.data[:r.total])
		d.evict(key)
		return out, true
	}

	return nil, false
}

func (d *Defragmenter) evict(key Key) {
	r, ok := d.reassembler[key]
	if !ok {
		return
	}
	d.size -= r.size()
	delete(d.reassembler, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// evictForRoom discards the oldest in-flight reassemblies until adding
// incoming bytes of a fresh entry would fit within maxBytes.
func (d *Defragmenter) evictForRoom(incoming int) {
	for d.maxBytes > 0 && d.size+incoming > d.maxBytes && len(d.order) > 0 {
		d.evict(d.order[0])
	}
}

// Len reports how many reassemblies are currently in flight (test/metrics
// use).
func (d *Defragmenter) Len() int { return len(d.reassembler) }
