package reassembly

import (
	"reflect"
	"testing"

	"github.com/pcapsocks/pcapsocks/internal/seqnum"
)

func TestInOrderAppend(t *testing.T) {
	w := NewWindow(1024, seqnum.Value(1000))

	got := w.Append(seqnum.Value(1000), []byte("hello"))
	if string(got) != "hello" {
		t.Fatalf("Append() = %q, want %q", got, "hello")
	}
	if w.RecvNext() != seqnum.Value(1005) {
		t.Errorf("RecvNext() = %d, want 1005", w.RecvNext())
	}
}

func TestOutOfOrderThenGapCloses(t *testing.T) {
	w := NewWindow(1024, seqnum.Value(1000))

	if got := w.Append(seqnum.Value(1005), []byte("world")); got != nil {
		t.Fatalf("out-of-order Append() returned %q, want nil", got)
	}
	if w.RecvNext() != seqnum.Value(1000) {
		t.Errorf("RecvNext() should not advance on out-of-order write, got %d", w.RecvNext())
	}

	got := w.Append(seqnum.Value(1000), []byte("hello"))
	if string(got) != "helloworld" {
		t.Errorf("Append() after gap closes = %q, want %q", got, "helloworld")
	}
	if w.RecvNext() != seqnum.Value(1010) {
		t.Errorf("RecvNext() = %d, want 1010", w.RecvNext())
	}
	if !w.IsEmpty() {
		t.Errorf("IsEmpty() = false after full drain, want true")
	}
}

func TestDuplicateWriteIgnored(t *testing.T) {
	w := NewWindow(1024, seqnum.Value(1000))
	_ = w.Append(seqnum.Value(1000), []byte("hello"))

	if got := w.Append(seqnum.Value(1000), []byte("hello")); got != nil {
		t.Errorf("duplicate Append() returned %q, want nil", got)
	}
	if got := w.Append(seqnum.Value(990), []byte("xxxxxxxxxx")); string(got) != "" {
		// Entirely-before-recvNext write should be ignored/trimmed to nothing new.
		t.Errorf("stale Append() returned %q, want empty", got)
	}
}

func TestFilledReportsSACKBlocks(t *testing.T) {
	w := NewWindow(1024, seqnum.Value(0))
	w.Append(seqnum.Value(10), []byte("aaaa"))
	w.Append(seqnum.Value(20), []byte("bbbb"))

	want := []seqnum.Range{
		{Begin: seqnum.Value(10), End: seqnum.Value(14)},
		{Begin: seqnum.Value(20), End: seqnum.Value(24)},
	}
	if got := w.Filled(); !reflect.DeepEqual(got, want) {
		t.Errorf("Filled() = %v, want %v", got, want)
	}
}

func TestFilledLimitedToFourBlocks(t *testing.T) {
	w := NewWindow(1024, seqnum.Value(0))
	for i := 0; i < 6; i++ {
		w.Append(seqnum.Value(10+i*10), []byte("a"))
	}
	if got := len(w.Filled()); got != 4 {
		t.Errorf("Filled() returned %d blocks, want 4", got)
	}
}
