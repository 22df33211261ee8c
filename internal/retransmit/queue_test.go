package retransmit

import (
	"testing"
	"time"

	"github.com/pcapsocks/pcapsocks/internal/seqnum"
)

func TestAppendAndGetAll(t *testing.T) {
	q := NewQueue(1024, seqnum.Value(1000))
	now := time.Now()
	if err := q.Append([]byte("hello"), now); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	payload, left := q.GetAll()
	if string(payload) != "hello" || left != seqnum.Value(1000) {
		t.Errorf("GetAll() = %q, %d, want %q, 1000", payload, left, "hello")
	}
}

func TestAppendCapacity(t *testing.T) {
	q := NewQueue(4, seqnum.Value(0))
	if err := q.Append([]byte("hello"), time.Now()); err != ErrFull {
		t.Errorf("Append() error = %v, want ErrFull", err)
	}
}

func TestGetRange(t *testing.T) {
	q := NewQueue(1024, seqnum.Value(100))
	now := time.Now()
	_ = q.Append([]byte("abcdefgh"), now)

	got, err := q.Get(seqnum.Value(102), 3)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "cde" {
		t.Errorf("Get() = %q, want %q", got, "cde")
	}

	if _, err := q.Get(seqnum.Value(105), 10); err != ErrOutOfRange {
		t.Errorf("Get() out-of-range error = %v, want ErrOutOfRange", err)
	}
}

func TestInvalidateTo(t *testing.T) {
	q := NewQueue(1024, seqnum.Value(1000))
	now := time.Now()
	_ = q.Append([]byte("0123456789"), now)

	q.InvalidateTo(seqnum.Value(1004))
	if q.Sequence() != seqnum.Value(1004) {
		t.Errorf("Sequence() = %d, want 1004", q.Sequence())
	}
	payload, _ := q.GetAll()
	if string(payload) != "456789" {
		t.Errorf("GetAll() after invalidate = %q, want %q", payload, "456789")
	}

	// No-op when seq doesn't advance.
	q.InvalidateTo(seqnum.Value(1000))
	if q.Sequence() != seqnum.Value(1004) {
		t.Errorf("InvalidateTo() regressed the left edge to %d", q.Sequence())
	}
}

func TestInvalidateToIgnoresRegressedAck(t *testing.T) {
	q := NewQueue(1024, seqnum.Value(1000))
	now := time.Now()
	_ = q.Append([]byte("0123456789"), now)
	q.InvalidateTo(seqnum.Value(1004))

	// A stale ack for a sequence before the left edge wraps, modularly, to
	// a huge forward delta rather than a negative one; it must still be
	// rejected as outside the plausibility window instead of discarding
	// the whole cache.
	q.InvalidateTo(seqnum.Value(500))
	if q.Sequence() != seqnum.Value(1004) {
		t.Errorf("Sequence() after regressed ack = %d, want unchanged 1004", q.Sequence())
	}
	if q.Len() != 6 {
		t.Errorf("Len() after regressed ack = %d, want unchanged 6", q.Len())
	}
}

func TestGetTimedOut(t *testing.T) {
	q := NewQueue(1024, seqnum.Value(0))
	t0 := time.Now()
	_ = q.Append([]byte("aaaa"), t0)
	t1 := t0.Add(2 * time.Second)
	_ = q.Append([]byte("bbbb"), t1)

	rto := 1500 * time.Millisecond
	now := t0.Add(2 * time.Second)

	// Only the first chunk (stamped t0) has aged past rto at `now`.
	got := q.GetTimedOut(rto, now)
	if string(got) != "aaaa" {
		t.Errorf("GetTimedOut() = %q, want %q", got, "aaaa")
	}

	// Immediately after, the same chunk should not be returned again: its
	// stamp was refreshed to `now`.
	if got := q.GetTimedOut(rto, now); got != nil {
		t.Errorf("GetTimedOut() returned %q right after reset, want nil", got)
	}
}

func TestDisjointRetransmitRanges(t *testing.T) {
	main := seqnum.Range{Begin: seqnum.Value(1001), End: seqnum.Value(3001)}
	sack := seqnum.Range{Begin: seqnum.Value(2001), End: seqnum.Value(3001)}

	ranges := seqnum.Disjoint(main, sack)
	if len(ranges) != 1 || ranges[0] != (seqnum.Range{Begin: seqnum.Value(1001), End: seqnum.Value(2001)}) {
		t.Errorf("Disjoint() = %v, want [{1001 2001}]", ranges)
	}
}
