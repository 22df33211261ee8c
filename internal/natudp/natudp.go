// Package natudp implements the UDP half of the redirect path: since
// locally-bound UDP sockets are a scarce, bounded resource, each active
// client source port is mapped to one of a fixed pool of local ports via an
// LRU table, and the mapping is torn down and recycled under pressure. It
// implements spec.md §4.4 and is grounded on the original redirector's
// get_or_bind/udp_lru/datagram_map logic, using
// github.com/hashicorp/golang-lru/v2 for the eviction policy — the same
// package several repos in the example pack (tailscale, telepresence)
// depend on for bounded caches.
package natudp

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// PortCount is the size of the local port pool available for redirected UDP
// flows, matching the original implementation's PORT_COUNT.
const PortCount = 64

// Binding is one entry of the NAT table: the client source port this local
// port currently represents, plus whatever the caller associates with it (a
// socket, worker handle, etc.).
type Binding[T any] struct {
	ClientPort uint16
	Value      T
}

// Table maps client UDP source ports to one of PortCount local ports,
// evicting the least-recently-used binding when all local ports are in use
// and a new client port needs one.
type Table[T any] struct {
	lru      *lru.Cache[uint16, int] // client port -> local port index
	bindings [PortCount]*Binding[T]
	onEvict  func(localPortIndex int, b Binding[T])
}

// New creates a Table. onEvict, if non-nil, is invoked synchronously when a
// binding is about to be recycled for a different client port — callers use
// it to close whatever resource (e.g. a SOCKS UDP association) Value
// represents.
func New[T any](onEvict func(localPortIndex int, b Binding[T])) *Table[T] {
	t := &Table[T]{onEvict: onEvict}
	// The underlying cache never evicts on its own: capacity equals
	// PortCount and eviction is driven explicitly from GetOrBind, mirroring
	// the original's "reuse the LRU entry's local port" policy rather than
	// the library's default "drop silently" callback.
	c, _ := lru.NewWithEvict[uint16, int](PortCount, func(clientPort uint16, localPortIndex int) {
		if t.onEvict != nil && t.bindings[localPortIndex] != nil {
			t.onEvict(localPortIndex, *t.bindings[localPortIndex])
		}
		t.bindings[localPortIndex] = nil
	})
	t.lru = c
	return t
}

// Lookup returns the binding for an already-bound client port, if any.
func (t *Table[T]) Lookup(clientPort uint16) (Binding[T], bool) {
	idx, ok := t.lru.Get(clientPort)
	if !ok {
		return Binding[T]{}, false
	}
	return *t.bindings[idx], true
}

// GetOrBind returns the existing binding for clientPort, or — if none exists
// and free capacity remains — creates one via newValue at a fresh local
// port index and returns it with created=true. When the table is full, the
// least-recently-used binding is evicted (invoking onEvict) and its local
// port index is reused for clientPort instead.
func (t *Table[T]) GetOrBind(clientPort uint16, newValue func(localPortIndex int) T) (binding Binding[T], localPortIndex int, created bool) {
	if idx, ok := t.lru.Get(clientPort); ok {
		return *t.bindings[idx], idx, false
	}

	idx := t.freeIndex()
	t.lru.Add(clientPort, idx)
	b := Binding[T]{ClientPort: clientPort, Value: newValue(idx)}
	t.bindings[idx] = &b
	return b, idx, true
}

// freeIndex returns an unused local port index, evicting the
// least-recently-used binding first if the table is at capacity.
func (t *Table[T]) freeIndex() int {
	if t.lru.Len() < PortCount {
		for i, b := range t.bindings {
			if b == nil {
				return i
			}
		}
	}
	// At capacity: evict the oldest entry. RemoveOldest's eviction callback
	// clears t.bindings[idx] and invokes onEvict, and returns the freed
	// index to us via its key/value pair.
	_, idx, ok := t.lru.RemoveOldest()
	if !ok {
		// Unreachable while PortCount > 0, but fall back to index 0 rather
		// than panicking if the cache is ever misconfigured.
		return 0
	}
	return idx
}

// Len reports how many client ports currently hold a binding.
func (t *Table[T]) Len() int { return t.lru.Len() }
