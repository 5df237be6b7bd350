package relay

import (
	"fmt"
	"testing"
)

func TestMediaQueueOrder(t *testing.T) {
	q := newMediaQueue(4)
	for i := 0; i < 3; i++ {
		if q.Push(fmt.Sprint(i)) {
			t.Fatalf("Push(%d) dropped with room left", i)
		}
	}
	got := q.Drain()
	want := []string{"0", "1", "2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Drain() = %v, want %v", got, want)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", q.Len())
	}
}

func TestMediaQueueDropsOldest(t *testing.T) {
	q := newMediaQueue(3)
	dropped := 0
	for i := 0; i < 7; i++ {
		if q.Push(fmt.Sprint(i)) {
			dropped++
		}
	}
	if dropped != 4 {
		t.Errorf("dropped = %d, want 4", dropped)
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}
	got := q.Drain()
	want := []string{"4", "5", "6"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Drain() = %v, want %v (newest kept, in order)", got, want)
	}

	// Reusable after drain.
	q.Push("a")
	q.Push("b")
	if got := q.Drain(); fmt.Sprint(got) != "[a b]" {
		t.Errorf("Drain() after reuse = %v", got)
	}
}

func TestMediaQueueMinimumSize(t *testing.T) {
	q := newMediaQueue(0)
	q.Push("a")
	if !q.Push("b") {
		t.Error("size-1 queue should drop on second push")
	}
	if got := q.Drain(); fmt.Sprint(got) != "[b]" {
		t.Errorf("Drain() = %v, want [b]", got)
	}
}
