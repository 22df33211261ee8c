// Package retransmit implements the Forwarder's send-side retransmission
// cache: an ordered window of bytes already placed on the wire but not yet
// acknowledged by the peer, keyed by sequence number and stamped with the
// time each segment was (re)transmitted.
//
// It is grounded on the original redirector's cache::Queue and on netstack's
// sender-side unacknowledged-segment tracking in tcpip/transport/tcp.
package retransmit

import (
	"errors"
	"time"

	"github.com/pcapsocks/pcapsocks/internal/seqnum"
)

// ErrOutOfRange is returned by Get when the requested range isn't fully
// contained in [left, right).
var ErrOutOfRange = errors.New("retransmit: range outside cache extent")

// ErrFull is returned by Append when there isn't enough remaining capacity.
var ErrFull = errors.New("retransmit: capacity exceeded")

// chunk records one contiguous run of bytes appended in a single Append
// call, along with the time it was last (re)transmitted. Chunks are kept in
// left-to-right order and always exactly partition [0, len(data)).
type chunk struct {
	length int
	stamp  time.Time
}

// Queue is the bounded send-side retransmission cache for one flow.
type Queue struct {
	capacity int
	left     seqnum.Value
	data     []byte
	chunks   []chunk
}

// NewQueue creates a Queue with the given capacity (65535<<wscale per
// spec.md §4.1) whose left edge starts at seq.
func NewQueue(capacity int, seq seqnum.Value) *Queue {
	return &Queue{capacity: capacity, left: seq}
}

// Len returns the number of bytes currently cached.
func (q *Queue) Len() int { return len(q.data) }

// IsEmpty reports whether the cache holds no bytes.
func (q *Queue) IsEmpty() bool { return len(q.data) == 0 }

// Sequence returns the sequence number of the cache's left edge.
func (q *Queue) Sequence() seqnum.Value { return q.left }

// Append extends the cache's right edge with b, stamped with now. It fails
// if doing so would exceed the configured capacity.
func (q *Queue) Append(b []byte, now time.Time) error {
	if len(b) == 0 {
		return nil
	}
	if len(q.data)+len(b) > q.capacity {
		return ErrFull
	}
	q.data = append(q.data, b...)
	q.chunks = append(q.chunks, chunk{length: len(b), stamp: now})
	return nil
}

// GetAll returns a copy of every cached byte along with the sequence number
// of the first one.
func (q *Queue) GetAll() ([]byte, seqnum.Value) {
	out := make([]byte, len(q.data))
	copy(out, q.data)
	return out, q.left
}

// Get returns a copy of the length bytes starting at seq. seq..seq+length
// must lie entirely within [left, left+Len()), otherwise ErrOutOfRange is
// returned.
func (q *Queue) Get(seq seqnum.Value, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	offset := int(seq.Sub(q.left))
	if offset < 0 || offset+length > len(q.data) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, length)
	copy(out, q.data[offset:offset+length])
	return out, nil
}

// GetTimedOut returns the contiguous prefix of the cache (starting at the
// left edge) whose chunks have not been (re)stamped within rto, and resets
// those chunks' stamps to now — so that a chunk is only returned again after
// another full RTO elapses.
func (q *Queue) GetTimedOut(rto time.Duration, now time.Time) []byte {
	var length int
	for i := range q.chunks {
		if now.Sub(q.chunks[i].stamp) < rto {
			break
		}
		length += q.chunks[i].length
		q.chunks[i].stamp = now
	}
	if length == 0 {
		return nil
	}
	out := make([]byte, length)
	copy(out, q.data[:length])
	return out
}

// InvalidateTo advances the cache's left edge to seq, discarding bytes
// before it. It is a no-op if seq does not advance past the current left
// edge within the plausibility window: a regressed ack (seq modularly
// before left) wraps to a huge Sub result rather than a negative one, so
// that case is rejected explicitly rather than relying on advance <= 0.
func (q *Queue) InvalidateTo(seq seqnum.Value) {
	delta := seq.Sub(q.left)
	if delta == 0 || delta > seqnum.MaxWindow {
		return
	}
	advance := int(delta)
	if advance > len(q.data) {
		advance = len(q.data)
	}

	q.data = q.data[advance:]
	q.left = q.left.Add(seqnum.Size(advance))

	remaining := advance
	i := 0
	for ; i < len(q.chunks) && remaining > 0; i++ {
		if q.chunks[i].length <= remaining {
			remaining -= q.chunks[i].length
			continue
		}
		q.chunks[i].length -= remaining
		remaining = 0
		break
	}
	q.chunks = q.chunks[i:]
}
