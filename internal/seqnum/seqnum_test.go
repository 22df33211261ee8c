package seqnum

import (
	"reflect"
	"testing"
)

func TestAddSubWrap(t *testing.T) {
	v := Value(0xfffffffe)
	got := v.Add(Size(4))
	want := Value(2)
	if got != want {
		t.Errorf("Add() = %d, want %d", got, want)
	}

	if got := want.Sub(v); got != 4 {
		t.Errorf("Sub() = %d, want 4", got)
	}
}

func TestLessThan(t *testing.T) {
	cases := []struct {
		comment string
		a, b    Value
		want    bool
	}{
		{"simple forward", 100, 200, true},
		{"simple backward", 200, 100, false},
		{"equal", 100, 100, false},
		{"wraps forward", 0xfffffffe, 2, true},
		{"beyond plausibility window is not forward", 100, Value(100 + MaxWindow + 1), false},
	}
	for _, c := range cases {
		if got := c.a.LessThan(c.b); got != c.want {
			t.Errorf("%s: (%d).LessThan(%d) = %t, want %t", c.comment, c.a, c.b, got, c.want)
		}
	}
}

func TestDisjoint(t *testing.T) {
	cases := []struct {
		comment  string
		main     Range
		sub      Range
		expected []Range
	}{
		{
			comment:  "sub covers entire main",
			main:     Range{100, 200},
			sub:      Range{50, 250},
			expected: nil,
		},
		{
			comment:  "sub strictly inside main",
			main:     Range{100, 200},
			sub:      Range{120, 150},
			expected: []Range{{100, 120}, {150, 200}},
		},
		{
			comment:  "sub overlaps right edge",
			main:     Range{100, 200},
			sub:      Range{150, 250},
			expected: []Range{{100, 150}},
		},
		{
			comment:  "sub overlaps left edge",
			main:     Range{100, 200},
			sub:      Range{50, 150},
			expected: []Range{{150, 200}},
		},
		{
			comment:  "sub disjoint to the right",
			main:     Range{100, 200},
			sub:      Range{300, 400},
			expected: []Range{{100, 200}},
		},
		{
			comment:  "sub disjoint to the left",
			main:     Range{100, 200},
			sub:      Range{0, 50},
			expected: []Range{{100, 200}},
		},
	}

	for _, c := range cases {
		got := Disjoint(c.main, c.sub)
		if !reflect.DeepEqual(got, c.expected) {
			t.Errorf("%s: Disjoint(%v, %v) = %v, want %v", c.comment, c.main, c.sub, got, c.expected)
		}
	}
}
